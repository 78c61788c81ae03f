package service

import (
	"context"
	"errors"

	campaigndomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/campaign/domain"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/clock"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/config"
	contactdomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/contact/domain"
	ledgerdomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/ledger/domain"
	subscriptiondomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/subscription/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type OrchestratorParams struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	Cfg          config.Config
	Resolver     contactdomain.AudienceResolver
	Subscription subscriptiondomain.Service
	Ledger       ledgerdomain.Service
	Materializer *Materializer
	Dispatcher   *Dispatcher
}

type orchestrator struct {
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	cfg          config.Config
	resolver     contactdomain.AudienceResolver
	subscription subscriptiondomain.Service
	ledger       ledgerdomain.Service
	materializer *Materializer
	dispatcher   *Dispatcher
}

func NewOrchestrator(p OrchestratorParams) campaigndomain.Orchestrator {
	return &orchestrator{
		db:           p.DB,
		log:          p.Log.Named("campaign.orchestrator"),
		clock:        p.Clock,
		cfg:          p.Cfg,
		resolver:     p.Resolver,
		subscription: p.Subscription,
		ledger:       p.Ledger,
		materializer: p.Materializer,
		dispatcher:   p.Dispatcher,
	}
}

// EnqueueCampaign runs the dispatch saga: status claim, audience
// resolution, subscription and credit preflight, reservation,
// materialization and batch dispatch. Every rejection after a successful
// status claim and before the reservation restores the campaign to its
// prior status, so a rejected campaign never stays stuck in sending.
func (o *orchestrator) EnqueueCampaign(ctx context.Context, tenantID, campaignID snowflake.ID) (campaigndomain.EnqueueResult, error) {
	campaign, err := o.loadCampaign(ctx, tenantID, campaignID)
	if err != nil {
		return campaigndomain.EnqueueResult{}, err
	}
	if campaign == nil {
		return reject(campaigndomain.ReasonNotFound), nil
	}

	if campaign.Status == campaigndomain.CampaignStatusSending {
		return o.resumeSending(ctx, campaign)
	}
	if campaign.Status != campaigndomain.CampaignStatusDraft && campaign.Status != campaigndomain.CampaignStatusScheduled {
		return reject(campaigndomain.ReasonInvalidStatus), nil
	}

	priorStatus := campaign.Status
	claimed, err := o.claimSending(ctx, campaign, priorStatus)
	if err != nil {
		return campaigndomain.EnqueueResult{}, err
	}
	if !claimed {
		// Another concurrent enqueue won the race.
		return reject(campaigndomain.ReasonAlreadySending), nil
	}

	// Heavy, intentionally non-transactional work begins here.
	resolved, err := o.resolver.ResolveRecipients(ctx, tenantID, campaign.AudienceSpec())
	if err != nil {
		o.log.Error("audience resolution failed",
			zap.String("campaign_id", campaignID.String()),
			zap.Error(err))
		if err := o.markFailed(ctx, campaign); err != nil {
			return campaigndomain.EnqueueResult{}, err
		}
		return reject(campaigndomain.ReasonAudienceResolveFailed), nil
	}
	if len(resolved) == 0 {
		if err := o.markFailed(ctx, campaign); err != nil {
			return campaigndomain.EnqueueResult{}, err
		}
		return reject(campaigndomain.ReasonNoRecipients), nil
	}

	active, err := o.subscription.IsActive(ctx, tenantID)
	if err != nil {
		return campaigndomain.EnqueueResult{}, o.rollbackAnd(ctx, campaign, priorStatus, err)
	}
	if !active {
		if err := o.rollback(ctx, campaign, priorStatus); err != nil {
			return campaigndomain.EnqueueResult{}, err
		}
		return reject(campaigndomain.ReasonInactiveSubscription), nil
	}

	required := int64(len(resolved))
	available, err := o.ledger.GetAvailableBalance(ctx, tenantID)
	if err != nil {
		return campaigndomain.EnqueueResult{}, o.rollbackAnd(ctx, campaign, priorStatus, err)
	}
	if available < required {
		if err := o.rollback(ctx, campaign, priorStatus); err != nil {
			return campaigndomain.EnqueueResult{}, err
		}
		return reject(campaigndomain.ReasonInsufficientCredits), nil
	}

	reservation, err := o.ledger.ReserveCredits(ctx, tenantID, required, ledgerdomain.ReserveOptions{
		CampaignID: &campaign.ID,
		ExpiresAt:  o.clock.Now().Add(o.cfg.Dispatch.ReservationExpiry),
		Metadata:   map[string]any{"campaign_id": campaign.ID.String()},
	})
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrInsufficientCredits) {
			// A concurrent campaign claimed the funds between the check
			// and the reservation.
			if err := o.rollback(ctx, campaign, priorStatus); err != nil {
				return campaigndomain.EnqueueResult{}, err
			}
			return reject(campaigndomain.ReasonInsufficientCredits), nil
		}
		return campaigndomain.EnqueueResult{}, o.rollbackAnd(ctx, campaign, priorStatus, err)
	}

	created, err := o.materializer.Materialize(ctx, campaign, resolved)
	if err != nil {
		// Undo both the claim and the hold: nothing was dispatched, so
		// the campaign must stay retryable.
		if _, releaseErr := o.ledger.ReleaseCredits(ctx, reservation.ID, "materialization_failed"); releaseErr != nil {
			o.log.Error("failed to release reservation after materialization failure", zap.Error(releaseErr))
		}
		return campaigndomain.EnqueueResult{}, o.rollbackAnd(ctx, campaign, priorStatus, err)
	}

	// Dispatch everything currently pending and unsent, including
	// leftovers of a prior partial attempt.
	pendingIDs, err := o.materializer.PendingUnsentIDs(ctx, campaign.ID)
	if err != nil {
		return campaigndomain.EnqueueResult{}, err
	}
	jobs, err := o.dispatcher.Dispatch(ctx, campaign, pendingIDs)
	if err != nil {
		return campaigndomain.EnqueueResult{}, err
	}

	o.log.Info("campaign enqueued",
		zap.String("campaign_id", campaign.ID.String()),
		zap.Int("recipients_created", created),
		zap.Int("jobs_enqueued", jobs))
	return campaigndomain.EnqueueResult{OK: true, RecipientsCreated: created, JobsEnqueued: jobs}, nil
}

// resumeSending handles an enqueue against a campaign already claimed as
// sending: if eligible recipients remain from a prior partial attempt,
// re-dispatch only those; otherwise reject the duplicate.
func (o *orchestrator) resumeSending(ctx context.Context, campaign *campaigndomain.Campaign) (campaigndomain.EnqueueResult, error) {
	pendingIDs, err := o.materializer.PendingUnsentIDs(ctx, campaign.ID)
	if err != nil {
		return campaigndomain.EnqueueResult{}, err
	}
	if len(pendingIDs) == 0 {
		return reject(campaigndomain.ReasonAlreadySending), nil
	}

	jobs, err := o.dispatcher.Dispatch(ctx, campaign, pendingIDs)
	if err != nil {
		return campaigndomain.EnqueueResult{}, err
	}
	o.log.Info("re-dispatched leftover recipients",
		zap.String("campaign_id", campaign.ID.String()),
		zap.Int("pending", len(pendingIDs)),
		zap.Int("jobs_enqueued", jobs))
	return campaigndomain.EnqueueResult{OK: true, JobsEnqueued: jobs}, nil
}

func (o *orchestrator) GetCampaignProgress(ctx context.Context, tenantID, campaignID snowflake.ID) (campaigndomain.Progress, error) {
	campaign, err := o.loadCampaign(ctx, tenantID, campaignID)
	if err != nil {
		return campaigndomain.Progress{}, err
	}
	if campaign == nil {
		return campaigndomain.Progress{}, campaigndomain.ErrNotFound
	}

	var progress campaigndomain.Progress
	err = o.db.WithContext(ctx).Raw(
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
	).Scan(&progress).Error
	if err != nil {
		return campaigndomain.Progress{}, err
	}
	progress.Processed = progress.Sent + progress.Failed
	if progress.Total > 0 {
		progress.ProgressPercent = float64(progress.Processed) / float64(progress.Total) * 100
	}
	return progress, nil
}

// CancelCampaign stops further dispatch and releases the hold. In-flight
// batches are left to finish: the worker's idempotency guards make their
// completion safe after cancellation.
func (o *orchestrator) CancelCampaign(ctx context.Context, tenantID, campaignID snowflake.ID) (campaigndomain.CancelResult, error) {
	campaign, err := o.loadCampaign(ctx, tenantID, campaignID)
	if err != nil {
		return campaigndomain.CancelResult{}, err
	}
	if campaign == nil {
		return campaigndomain.CancelResult{Reason: campaigndomain.ReasonNotFound}, nil
	}

	now := o.clock.Now()
	claim := o.db.WithContext(ctx).Exec(
		`UPDATE campaigns
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND tenant_id = ? AND status IN (?, ?, ?)`,
		campaigndomain.CampaignStatusCancelled,
		now,
		campaignID,
		tenantID,
		campaigndomain.CampaignStatusDraft,
		campaigndomain.CampaignStatusScheduled,
		campaigndomain.CampaignStatusSending,
	)
	if claim.Error != nil {
		return campaigndomain.CancelResult{}, claim.Error
	}
	if claim.RowsAffected == 0 {
		return campaigndomain.CancelResult{Reason: campaigndomain.ReasonInvalidStatus}, nil
	}

	// Recipients not yet attempted will never be; in-flight batches skip
	// them through the eligibility re-fetch.
	if err := o.db.WithContext(ctx).Exec(
		`UPDATE campaign_recipients
		 SET status = ?, updated_at = ?
		 WHERE campaign_id = ? AND status = ?`,
		campaigndomain.RecipientStatusCancelled,
		now,
		campaignID,
		campaigndomain.RecipientStatusPending,
	).Error; err != nil {
		return campaigndomain.CancelResult{}, err
	}

	reservation, err := o.ledger.FindActiveReservationByCampaign(ctx, tenantID, campaignID)
	if err != nil {
		return campaigndomain.CancelResult{}, err
	}
	if reservation != nil {
		if _, err := o.ledger.ReleaseCredits(ctx, reservation.ID, "campaign_cancelled"); err != nil {
			return campaigndomain.CancelResult{}, err
		}
	}

	o.log.Info("campaign cancelled", zap.String("campaign_id", campaignID.String()))
	return campaigndomain.CancelResult{OK: true}, nil
}

// RetryFailedSms resets the campaign's failed recipients to pending and
// re-dispatches them.
func (o *orchestrator) RetryFailedSms(ctx context.Context, tenantID, campaignID snowflake.ID) (int, error) {
	campaign, err := o.loadCampaign(ctx, tenantID, campaignID)
	if err != nil {
		return 0, err
	}
	if campaign == nil {
		return 0, campaigndomain.ErrNotFound
	}
	if campaign.Status != campaigndomain.CampaignStatusSent &&
		campaign.Status != campaigndomain.CampaignStatusFailed &&
		campaign.Status != campaigndomain.CampaignStatusSending {
		return 0, campaigndomain.ErrInvalidStatus
	}

	now := o.clock.Now()
	reset := o.db.WithContext(ctx).Exec(
		`UPDATE campaign_recipients
		 SET status = ?, error_text = '', failed_at = NULL, retry_count = retry_count + 1, updated_at = ?
		 WHERE campaign_id = ? AND status = ?`,
		campaigndomain.RecipientStatusPending,
		now,
		campaignID,
		campaigndomain.RecipientStatusFailed,
	)
	if reset.Error != nil {
		return 0, reset.Error
	}
	retried := int(reset.RowsAffected)
	if retried == 0 {
		return 0, nil
	}

	// A terminal campaign goes back to sending for the retried wave.
	if err := o.db.WithContext(ctx).Exec(
		`UPDATE campaigns
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		campaigndomain.CampaignStatusSending,
		now,
		campaignID,
		campaigndomain.CampaignStatusSent,
		campaigndomain.CampaignStatusFailed,
	).Error; err != nil {
		return 0, err
	}

	pendingIDs, err := o.materializer.PendingUnsentIDs(ctx, campaignID)
	if err != nil {
		return retried, err
	}
	if _, err := o.dispatcher.Dispatch(ctx, campaign, pendingIDs); err != nil {
		return retried, err
	}

	o.log.Info("failed recipients queued for retry",
		zap.String("campaign_id", campaignID.String()),
		zap.Int("retried", retried))
	return retried, nil
}

func (o *orchestrator) loadCampaign(ctx context.Context, tenantID, campaignID snowflake.ID) (*campaigndomain.Campaign, error) {
	var campaign campaigndomain.Campaign
	err := o.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", campaignID, tenantID).
		First(&campaign).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &campaign, nil
}

// claimSending is the atomic status claim: it succeeds for exactly one of
// any number of concurrent enqueue attempts.
func (o *orchestrator) claimSending(ctx context.Context, campaign *campaigndomain.Campaign, prior campaigndomain.CampaignStatus) (bool, error) {
	result := o.db.WithContext(ctx).Exec(
		`UPDATE campaigns
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		campaigndomain.CampaignStatusSending,
		o.clock.Now(),
		campaign.ID,
		prior,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (o *orchestrator) rollback(ctx context.Context, campaign *campaigndomain.Campaign, prior campaigndomain.CampaignStatus) error {
	result := o.db.WithContext(ctx).Exec(
		`UPDATE campaigns
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		prior,
		o.clock.Now(),
		campaign.ID,
		campaigndomain.CampaignStatusSending,
	)
	return result.Error
}

func (o *orchestrator) rollbackAnd(ctx context.Context, campaign *campaigndomain.Campaign, prior campaigndomain.CampaignStatus, cause error) error {
	if err := o.rollback(ctx, campaign, prior); err != nil {
		o.log.Error("status rollback failed", zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
	}
	return cause
}

func (o *orchestrator) markFailed(ctx context.Context, campaign *campaigndomain.Campaign) error {
	return o.db.WithContext(ctx).Exec(
		`UPDATE campaigns
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		campaigndomain.CampaignStatusFailed,
		o.clock.Now(),
		campaign.ID,
		campaigndomain.CampaignStatusSending,
	).Error
}

func reject(reason campaigndomain.RejectReason) campaigndomain.EnqueueResult {
	return campaigndomain.EnqueueResult{OK: false, Reason: reason}
}
