package service

import (
	"context"

	campaigndomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/campaign/domain"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/clock"
	contactdomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/contact/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// materializeChunkSize bounds each bulk insert so very large audiences
// never travel as a single statement.
const materializeChunkSize = 1000

type MaterializerParams struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

// Materializer turns resolved audiences into durable recipient rows.
type Materializer struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewMaterializer(p MaterializerParams) *Materializer {
	return &Materializer{
		db:    p.DB,
		log:   p.Log.Named("campaign.materializer"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

// Materialize inserts one recipient row per resolved contact, skipping
// destinations already present for the campaign. Re-running it after a
// crashed orchestration never duplicates recipients.
func (m *Materializer) Materialize(ctx context.Context, campaign *campaigndomain.Campaign, resolved []contactdomain.ResolvedRecipient) (int, error) {
	if len(resolved) == 0 {
		return 0, nil
	}

	now := m.clock.Now()
	created := 0
	for start := 0; start < len(resolved); start += materializeChunkSize {
		end := start + materializeChunkSize
		if end > len(resolved) {
			end = len(resolved)
		}

		rows := make([]campaigndomain.CampaignRecipient, 0, end-start)
		for _, recipient := range resolved[start:end] {
			rows = append(rows, campaigndomain.CampaignRecipient{
				ID:         m.genID.Generate(),
				CampaignID: campaign.ID,
				TenantID:   campaign.TenantID,
				ContactID:  recipient.ContactID,
				Phone:      recipient.Phone,
				Status:     campaigndomain.RecipientStatusPending,
				CreatedAt:  now,
				UpdatedAt:  now,
			})
		}

		result := m.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "campaign_id"}, {Name: "phone"}},
			DoNothing: true,
		}).Create(&rows)
		if result.Error != nil {
			return created, result.Error
		}
		created += int(result.RowsAffected)
	}

	if created < len(resolved) {
		m.log.Info("materialization skipped existing recipients",
			zap.String("campaign_id", campaign.ID.String()),
			zap.Int("resolved", len(resolved)),
			zap.Int("created", created))
	}
	return created, nil
}

// PendingUnsentIDs returns recipients still eligible for a send attempt:
// pending with no provider message id.
func (m *Materializer) PendingUnsentIDs(ctx context.Context, campaignID snowflake.ID) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := m.db.WithContext(ctx).
		Model(&campaigndomain.CampaignRecipient{}).
		Where("campaign_id = ? AND status = ? AND provider_message_id IS NULL", campaignID, campaigndomain.RecipientStatusPending).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
