package worker

import (
	"context"
	"time"

	campaigndomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/campaign/domain"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/clock"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/provider"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/queue"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// JobKindDeliveryCheck is the queue kind consumed by the reconciler.
const JobKindDeliveryCheck = "delivery_check"

// DeliveryCheckPayload names the batch whose delivery state to poll.
type DeliveryCheckPayload struct {
	TenantID     snowflake.ID   `json:"tenant_id"`
	CampaignID   snowflake.ID   `json:"campaign_id"`
	RecipientIDs []snowflake.ID `json:"recipient_ids"`
}

// DeliveryCheckSchedule returns the poll offsets scheduled after a batch
// is accepted. The first poll catches most carriers; the later ones catch
// slow handsets. Webhooks arriving in between make the polls no-ops.
func DeliveryCheckSchedule() []time.Duration {
	return []time.Duration{30 * time.Second, 2 * time.Minute, 5 * time.Minute}
}

type ReconcilerParams struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Provider   provider.Client
	Aggregator campaigndomain.Aggregator
}

// Reconciler converges recipient delivery state with the provider, via
// scheduled status polls and via pushed delivery reports. Delivery state
// is annotation only: a recipient the provider accepted stays sent even
// when the handset later rejects it, so billing and metrics stay stable.
type Reconciler struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	provider   provider.Client
	aggregator campaigndomain.Aggregator
}

func NewReconciler(p ReconcilerParams) *Reconciler {
	return &Reconciler{
		db:         p.DB,
		log:        p.Log.Named("campaign.reconciler"),
		clock:      p.Clock,
		provider:   p.Provider,
		aggregator: p.Aggregator,
	}
}

// Handle runs one delivery check: it polls status for every sent recipient
// of the batch that has no delivery confirmation yet.
func (r *Reconciler) Handle(ctx context.Context, job queue.Job) error {
	var payload DeliveryCheckPayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		r.log.Error("undecodable delivery check payload, dropping job",
			zap.String("job_id", job.JobID), zap.Error(err))
		return nil
	}

	var unconfirmed []campaigndomain.CampaignRecipient
	err := r.db.WithContext(ctx).
		Where("campaign_id = ? AND id IN ? AND status = ? AND provider_message_id IS NOT NULL AND delivered_at IS NULL",
			payload.CampaignID, payload.RecipientIDs, campaigndomain.RecipientStatusSent).
		Find(&unconfirmed).Error
	if err != nil {
		return err
	}
	if len(unconfirmed) == 0 {
		return nil
	}

	polled := 0
	for _, recipient := range unconfirmed {
		raw, err := r.provider.GetStatus(ctx, *recipient.ProviderMessageID)
		if err != nil {
			// Leave the rest of the batch to the next scheduled poll.
			r.log.Warn("delivery status poll failed",
				zap.String("provider_message_id", *recipient.ProviderMessageID),
				zap.Error(err))
			continue
		}
		if err := r.applyStatus(ctx, recipient.ID, raw); err != nil {
			return err
		}
		polled++
	}

	r.log.Debug("delivery check complete",
		zap.String("campaign_id", payload.CampaignID.String()),
		zap.Int("unconfirmed", len(unconfirmed)),
		zap.Int("polled", polled))
	return nil
}

// ApplyDeliveryReport handles one pushed provider report, keyed by the
// provider's message id. Unknown ids are acknowledged and dropped;
// providers redeliver reports and the id may belong to another system.
func (r *Reconciler) ApplyDeliveryReport(ctx context.Context, providerMessageID, rawStatus string) error {
	var recipient campaigndomain.CampaignRecipient
	err := r.db.WithContext(ctx).
		Where("provider_message_id = ?", providerMessageID).
		First(&recipient).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			r.log.Debug("delivery report for unknown message id",
				zap.String("provider_message_id", providerMessageID))
			return nil
		}
		return err
	}
	return r.applyStatus(ctx, recipient.ID, rawStatus)
}

// applyStatus records the provider's delivery verdict on the recipient.
// Reports can arrive out of order, so a delivered_at once set is never
// cleared and the terminal sent/failed decision is never reopened.
func (r *Reconciler) applyStatus(ctx context.Context, recipientID snowflake.ID, rawStatus string) error {
	_, delivered, ok := provider.MapDeliveryStatus(rawStatus)
	if !ok {
		// Unknown vocabulary is an anomaly to log, never truth to record.
		r.log.Warn("unrecognized delivery status",
			zap.String("status", rawStatus),
			zap.String("recipient_id", recipientID.String()))
		return nil
	}

	now := r.clock.Now()
	if delivered {
		return r.db.WithContext(ctx).Exec(
			`UPDATE campaign_recipients
			 SET delivery_status = ?, delivered_at = ?, updated_at = ?
			 WHERE id = ? AND delivered_at IS NULL`,
			rawStatus,
			now,
			now,
			recipientID,
		).Error
	}

	return r.db.WithContext(ctx).Exec(
		`UPDATE campaign_recipients
		 SET delivery_status = ?, updated_at = ?
		 WHERE id = ? AND delivered_at IS NULL`,
		rawStatus,
		now,
		recipientID,
	).Error
}
