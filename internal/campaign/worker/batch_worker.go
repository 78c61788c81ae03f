// Package worker hosts the queue handlers of the dispatch pipeline: the
// batch sender and the delivery reconciler.
package worker

import (
	"context"
	"fmt"
	"time"

	campaigndomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/campaign/domain"
	campaignservice "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/campaign/service"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/clock"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/config"
	ledgerdomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/ledger/domain"
	obslogger "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/observability/logger"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/observability/metrics"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/provider"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/queue"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/ratelimit"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/sms"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// errRateLimited signals the queue to back the batch off and retry later.
var errRateLimited = fmt.Errorf("provider rate limit window exhausted")

type BatchWorkerParams struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Cfg        config.Config
	Provider   provider.Client
	Limiter    *ratelimit.Limiter
	Ledger     ledgerdomain.Service
	Queue      *queue.Queue
	Aggregator campaigndomain.Aggregator
	Metrics    *metrics.DispatchMetrics `optional:"true"`
}

// BatchWorker processes one campaign batch job: it re-checks eligibility,
// renders and submits the batch, applies per-recipient outcomes through
// conditional updates, debits the sends it won, and re-aggregates.
type BatchWorker struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	cfg        config.Config
	provider   provider.Client
	limiter    *ratelimit.Limiter
	ledger     ledgerdomain.Service
	queue      *queue.Queue
	aggregator campaigndomain.Aggregator
	metrics    *metrics.DispatchMetrics
}

func NewBatchWorker(p BatchWorkerParams) *BatchWorker {
	return &BatchWorker{
		db:         p.DB,
		log:        p.Log.Named("campaign.batchworker"),
		clock:      p.Clock,
		cfg:        p.Cfg,
		provider:   p.Provider,
		limiter:    p.Limiter,
		ledger:     p.Ledger,
		queue:      p.Queue,
		aggregator: p.Aggregator,
		metrics:    p.Metrics,
	}
}

// eligibleRecipient is a recipient row joined with the contact fields the
// template needs.
type eligibleRecipient struct {
	ID        snowflake.ID
	Phone     string
	FirstName string
	LastName  string
}

// Handle runs one batch job and records its duration.
func (w *BatchWorker) Handle(ctx context.Context, job queue.Job) error {
	start := time.Now()
	err := w.run(ctx, job)
	outcome := "ok"
	if err != nil {
		outcome = "retry"
	}
	w.metrics.ObserveBatch(outcome, time.Since(start))
	return err
}

// run processes one batch. Crash-safety rests on two rules: a recipient
// is only ever attempted while (pending, no provider id), and every
// outcome write is a conditional update that claims the row. A retried job
// therefore skips everything a previous run already decided.
func (w *BatchWorker) run(ctx context.Context, job queue.Job) error {
	var payload campaignservice.BatchPayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		w.log.Error("undecodable batch payload, dropping job",
			zap.String("job_id", job.JobID), zap.Error(err))
		return nil
	}

	// The campaign must still be in sending: a cancellation or terminal
	// transition that raced the queue makes this batch a no-op, so a late
	// job can never debit a settled campaign.
	var campaign campaigndomain.Campaign
	err := w.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", payload.CampaignID, payload.TenantID).
		First(&campaign).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			w.log.Warn("batch references unknown campaign, dropping",
				zap.String("job_id", job.JobID))
			return nil
		}
		return err
	}
	if campaign.Status != campaigndomain.CampaignStatusSending {
		w.log.Info("campaign no longer sending, skipping batch",
			zap.String("campaign_id", campaign.ID.String()),
			zap.String("status", string(campaign.Status)))
		return nil
	}

	eligible, err := w.fetchEligible(ctx, payload.CampaignID, payload.RecipientIDs)
	if err != nil {
		return err
	}
	if len(eligible) == 0 {
		// Everything was already attempted, cancelled or claimed by a
		// previous run of this job.
		return w.aggregator.Recompute(ctx, payload.TenantID, payload.CampaignID)
	}

	limit := w.limiter.CheckAllLimits(ctx, w.cfg.Provider.AccountKey, payload.TenantID.String())
	if !limit.Allowed {
		w.log.Info("batch deferred by rate limit",
			zap.String("campaign_id", campaign.ID.String()),
			zap.Int64("account_remaining", limit.PerAccountRemaining),
			zap.Int64("tenant_remaining", limit.PerTenantRemaining))
		return errRateLimited
	}

	messages := make([]provider.Message, len(eligible))
	for i, r := range eligible {
		messages[i] = provider.Message{
			To: r.Phone,
			Text: sms.Render(sms.RenderInput{
				Template:       campaign.Template,
				FirstName:      r.FirstName,
				LastName:       r.LastName,
				DiscountCode:   campaign.DiscountCode,
				UnsubscribeURL: w.cfg.UnsubscribeURL,
			}),
			Reference: r.ID.String(),
		}
	}

	// Last idempotency check before the irreversible provider call: a
	// concurrent run may have claimed rows between the fetch and here, so
	// narrow the prepared list to what is still eligible right now.
	eligible, messages, err = w.narrowToEligible(ctx, payload.CampaignID, eligible, messages)
	if err != nil {
		return err
	}
	if len(eligible) == 0 {
		return w.aggregator.Recompute(ctx, payload.TenantID, payload.CampaignID)
	}

	bulk, err := w.provider.SendBulk(ctx, messages)
	if err != nil {
		return w.handleSendError(ctx, payload, idsOf(eligible), err)
	}

	return w.applyResults(ctx, job, payload, campaign, eligible, bulk)
}

// fetchEligible re-fetches the batch's recipients in their current state,
// keeping only those still legitimately sendable.
func (w *BatchWorker) fetchEligible(ctx context.Context, campaignID snowflake.ID, recipientIDs []snowflake.ID) ([]eligibleRecipient, error) {
	var eligible []eligibleRecipient
	err := w.db.WithContext(ctx).Raw(
		`SELECT r.id, r.phone, c.first_name, c.last_name
		 FROM campaign_recipients r
		 JOIN contacts c ON c.id = r.contact_id
		 WHERE r.campaign_id = ?
		   AND r.id IN ?
		   AND r.status = ?
		   AND r.provider_message_id IS NULL
		 ORDER BY r.id ASC`,
		campaignID,
		recipientIDs,
		campaigndomain.RecipientStatusPending,
	).Scan(&eligible).Error
	if err != nil {
		return nil, err
	}
	return eligible, nil
}

// narrowToEligible re-queries eligibility immediately before submission
// and filters the prepared messages down to rows still (pending, no
// provider id). Rows claimed by a concurrent run in the meantime drop
// out silently as lost races.
func (w *BatchWorker) narrowToEligible(ctx context.Context, campaignID snowflake.ID, eligible []eligibleRecipient, messages []provider.Message) ([]eligibleRecipient, []provider.Message, error) {
	var stillIDs []snowflake.ID
	err := w.db.WithContext(ctx).
		Model(&campaigndomain.CampaignRecipient{}).
		Where("campaign_id = ? AND id IN ? AND status = ? AND provider_message_id IS NULL",
			campaignID, idsOf(eligible), campaigndomain.RecipientStatusPending).
		Pluck("id", &stillIDs).Error
	if err != nil {
		return nil, nil, err
	}
	if len(stillIDs) == len(eligible) {
		return eligible, messages, nil
	}

	keep := make(map[snowflake.ID]struct{}, len(stillIDs))
	for _, id := range stillIDs {
		keep[id] = struct{}{}
	}
	narrowed := make([]eligibleRecipient, 0, len(stillIDs))
	narrowedMessages := make([]provider.Message, 0, len(stillIDs))
	for i, r := range eligible {
		if _, ok := keep[r.ID]; !ok {
			continue
		}
		narrowed = append(narrowed, r)
		narrowedMessages = append(narrowedMessages, messages[i])
	}
	w.log.Info("narrowed batch to still-eligible recipients",
		zap.String("campaign_id", campaignID.String()),
		zap.Int("prepared", len(eligible)),
		zap.Int("submitting", len(narrowed)))
	return narrowed, narrowedMessages, nil
}

// applyResults writes per-recipient outcomes. The sent update claims the
// row with the same (pending, no provider id) condition used for
// eligibility, so a row is debited by at most one job run.
func (w *BatchWorker) applyResults(ctx context.Context, job queue.Job, payload campaignservice.BatchPayload, campaign campaigndomain.Campaign, eligible []eligibleRecipient, bulk *provider.BulkResult) error {
	if len(bulk.Results) != len(eligible) {
		w.log.Error("provider result count mismatch, missing outcomes treated as failed",
			zap.String("campaign_id", campaign.ID.String()),
			zap.Int("submitted", len(eligible)),
			zap.Int("returned", len(bulk.Results)))
	}

	now := w.clock.Now()
	var sentWon, failedWon int64
	for i, r := range eligible {
		var result provider.MessageResult
		if i < len(bulk.Results) {
			result = bulk.Results[i]
		} else {
			result = provider.MessageResult{Error: "no result returned by provider"}
		}

		if result.Sent() {
			claim := w.db.WithContext(ctx).Exec(
				`UPDATE campaign_recipients
				 SET status = ?, provider_message_id = ?, sent_at = ?, error_text = '', updated_at = ?
				 WHERE id = ? AND status = ? AND provider_message_id IS NULL`,
				campaigndomain.RecipientStatusSent,
				result.MessageID,
				now,
				now,
				r.ID,
				campaigndomain.RecipientStatusPending,
			)
			if claim.Error != nil {
				return claim.Error
			}
			if claim.RowsAffected > 0 {
				sentWon++
			}
			continue
		}

		fail := w.db.WithContext(ctx).Exec(
			`UPDATE campaign_recipients
			 SET status = ?, failed_at = ?, error_text = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			campaigndomain.RecipientStatusFailed,
			now,
			result.Error,
			now,
			r.ID,
			campaigndomain.RecipientStatusPending,
		)
		if fail.Error != nil {
			return fail.Error
		}
		failedWon += fail.RowsAffected
		w.log.Debug("provider rejected message",
			zap.String("campaign_id", campaign.ID.String()),
			zap.String("phone", obslogger.MaskPhone(r.Phone)),
			zap.String("reason", result.Error))
	}
	w.metrics.AddMessages(sentWon, failedWon)

	// One debit for the sends this run claimed. Failed recipients cost
	// nothing; their held credits flow back when the reservation releases.
	if sentWon > 0 {
		if _, err := w.ledger.Debit(ctx, payload.TenantID, sentWon, ledgerdomain.ReasonCampaignSend, map[string]any{
			"campaign_id": campaign.ID.String(),
			"batch_id":    bulk.BatchID,
			"job_id":      job.JobID,
		}); err != nil {
			// The sends happened; a failed debit is an accounting error to
			// surface loudly, not a reason to retry the provider call.
			w.log.Error("debit for sent batch failed",
				zap.String("campaign_id", campaign.ID.String()),
				zap.Int64("amount", sentWon),
				zap.Error(err))
		} else {
			w.metrics.AddDebited(sentWon)
		}
	}

	if err := w.aggregator.Recompute(ctx, payload.TenantID, payload.CampaignID); err != nil {
		return err
	}

	w.scheduleDeliveryChecks(ctx, payload, campaign)
	return nil
}

// handleSendError maps a whole-batch provider failure onto recipients:
// retryable errors record the attempt and requeue the job; fatal errors
// fail every still-pending recipient so the campaign can converge.
func (w *BatchWorker) handleSendError(ctx context.Context, payload campaignservice.BatchPayload, recipientIDs []snowflake.ID, sendErr error) error {
	now := w.clock.Now()

	if provider.IsRetryable(sendErr) {
		if err := w.db.WithContext(ctx).Exec(
			`UPDATE campaign_recipients
			 SET retry_count = retry_count + 1, error_text = ?, updated_at = ?
			 WHERE campaign_id = ? AND id IN ? AND status = ? AND provider_message_id IS NULL`,
			sendErr.Error(),
			now,
			payload.CampaignID,
			recipientIDs,
			campaigndomain.RecipientStatusPending,
		).Error; err != nil {
			w.log.Error("failed to record retryable batch error", zap.Error(err))
		}
		return sendErr
	}

	w.log.Error("fatal provider error, failing batch",
		zap.String("campaign_id", payload.CampaignID.String()),
		zap.Error(sendErr))
	if err := w.db.WithContext(ctx).Exec(
		`UPDATE campaign_recipients
		 SET status = ?, failed_at = ?, error_text = ?, updated_at = ?
		 WHERE campaign_id = ? AND id IN ? AND status = ? AND provider_message_id IS NULL`,
		campaigndomain.RecipientStatusFailed,
		now,
		sendErr.Error(),
		now,
		payload.CampaignID,
		recipientIDs,
		campaigndomain.RecipientStatusPending,
	).Error; err != nil {
		return err
	}
	return w.aggregator.Recompute(ctx, payload.TenantID, payload.CampaignID)
}

// scheduleDeliveryChecks enqueues the reconciliation polls for this batch.
// Failures are logged only: the webhook path and later polls for other
// batches still converge delivery state.
func (w *BatchWorker) scheduleDeliveryChecks(ctx context.Context, payload campaignservice.BatchPayload, campaign campaigndomain.Campaign) {
	campaignID := campaign.ID
	for _, delay := range DeliveryCheckSchedule() {
		jobID := fmt.Sprintf("delivery:%s:%s", campaignservice.BatchJobID(campaign.ID, payload.RecipientIDs), delay)
		if _, err := w.queue.Enqueue(ctx, queue.EnqueueRequest{
			JobID:      jobID,
			Kind:       JobKindDeliveryCheck,
			TenantID:   payload.TenantID,
			CampaignID: &campaignID,
			Payload: DeliveryCheckPayload{
				TenantID:     payload.TenantID,
				CampaignID:   campaign.ID,
				RecipientIDs: payload.RecipientIDs,
			},
			Delay:       delay,
			MaxAttempts: 3,
		}); err != nil {
			w.log.Warn("failed to schedule delivery check",
				zap.String("job_id", jobID), zap.Error(err))
		}
	}
}

func idsOf(eligible []eligibleRecipient) []snowflake.ID {
	ids := make([]snowflake.ID, len(eligible))
	for i, r := range eligible {
		ids[i] = r.ID
	}
	return ids
}
