package service

import (
	"context"

	campaigndomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/campaign/domain"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/clock"
	ledgerdomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/ledger/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AggregatorParams struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Ledger ledgerdomain.Service
}

// aggregator recomputes campaign metrics from recipient state and owns
// the campaign's terminal transition and the reservation release.
type aggregator struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	ledger ledgerdomain.Service
}

func NewAggregator(p AggregatorParams) campaigndomain.Aggregator {
	return &aggregator{
		db:     p.DB,
		log:    p.Log.Named("campaign.aggregator"),
		genID:  p.GenID,
		clock:  p.Clock,
		ledger: p.Ledger,
	}
}

type statusCounts struct {
	Total   int64
	Sent    int64
	Failed  int64
	Pending int64
}

// Recompute derives metrics and campaign status from total recipient
// state, so it is correct regardless of batch completion order. It may
// run concurrently from many workers: the terminal transition is a
// conditional update and the reservation release is idempotent.
func (a *aggregator) Recompute(ctx context.Context, tenantID, campaignID snowflake.ID) error {
	counts, err := a.countRecipients(ctx, campaignID)
	if err != nil {
		return err
	}

	if err := a.upsertMetrics(ctx, tenantID, campaignID, counts); err != nil {
		return err
	}

	// No recipients materialized yet: leave the status alone.
	if counts.Total == 0 {
		return nil
	}
	// Work still outstanding: the campaign stays in sending.
	if counts.Pending > 0 {
		return nil
	}
	processed := counts.Sent + counts.Failed
	if processed != counts.Total {
		// Remaining recipients are cancelled; cancellation owns the
		// status and the release.
		return nil
	}

	terminal := campaigndomain.CampaignStatusSent
	if counts.Failed == counts.Total {
		terminal = campaigndomain.CampaignStatusFailed
	}

	now := a.clock.Now()
	transition := a.db.WithContext(ctx).Exec(
		`UPDATE campaigns
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND tenant_id = ? AND status = ?`,
		terminal,
		now,
		campaignID,
		tenantID,
		campaigndomain.CampaignStatusSending,
	)
	if transition.Error != nil {
		return transition.Error
	}
	if transition.RowsAffected == 0 {
		// Another aggregator invocation already applied the terminal
		// transition, or the campaign was cancelled.
		return nil
	}

	a.log.Info("campaign reached terminal status",
		zap.String("campaign_id", campaignID.String()),
		zap.String("status", string(terminal)),
		zap.Int64("sent", counts.Sent),
		zap.Int64("failed", counts.Failed))

	return a.releaseReservation(ctx, tenantID, campaignID, string(terminal))
}

func (a *aggregator) countRecipients(ctx context.Context, campaignID snowflake.ID) (statusCounts, error) {
	var counts statusCounts
	err := a.db.WithContext(ctx).Raw(
		`SELECT
			COUNT(1) AS total,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS sent,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending
		 FROM campaign_recipients
		 WHERE campaign_id = ?`,
		campaigndomain.RecipientStatusSent,
		campaigndomain.RecipientStatusFailed,
		campaigndomain.RecipientStatusPending,
		campaignID,
	).Scan(&counts).Error
	if err != nil {
		return statusCounts{}, err
	}
	return counts, nil
}

func (a *aggregator) upsertMetrics(ctx context.Context, tenantID, campaignID snowflake.ID, counts statusCounts) error {
	metrics := campaigndomain.CampaignMetrics{
		ID:             a.genID.Generate(),
		CampaignID:     campaignID,
		TenantID:       tenantID,
		TotalSent:      counts.Sent,
		TotalFailed:    counts.Failed,
		TotalProcessed: counts.Sent + counts.Failed,
		UpdatedAt:      a.clock.Now(),
	}
	return a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "campaign_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"total_sent", "total_failed", "total_processed", "updated_at",
		}),
	}).Create(&metrics).Error
}

// releaseReservation releases the campaign's active hold. The release is
// idempotent, so concurrent terminal transitions cannot double-release.
func (a *aggregator) releaseReservation(ctx context.Context, tenantID, campaignID snowflake.ID, reason string) error {
	reservation, err := a.ledger.FindActiveReservationByCampaign(ctx, tenantID, campaignID)
	if err != nil {
		return err
	}
	if reservation == nil {
		return nil
	}
	if _, err := a.ledger.ReleaseCredits(ctx, reservation.ID, "campaign_"+reason); err != nil {
		return err
	}
	return nil
}
