package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	campaigndomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/campaign/domain"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/config"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/queue"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// JobKindCampaignBatch is the queue kind consumed by the batch worker.
const JobKindCampaignBatch = "campaign_batch"

// BatchPayload is the unit of work handed to the batch worker.
type BatchPayload struct {
	TenantID     snowflake.ID   `json:"tenant_id"`
	CampaignID   snowflake.ID   `json:"campaign_id"`
	RecipientIDs []snowflake.ID `json:"recipient_ids"`
}

type DispatcherParams struct {
	fx.In

	Queue *queue.Queue
	Log   *zap.Logger
	Cfg   config.Config
}

// Dispatcher splits pending recipients into fixed-size batches and
// submits each as an idempotent queue job.
type Dispatcher struct {
	queue       *queue.Queue
	log         *zap.Logger
	batchSize   int
	maxAttempts int
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	return &Dispatcher{
		queue:       p.Queue,
		log:         p.Log.Named("campaign.dispatcher"),
		batchSize:   p.Cfg.Dispatch.BatchSize,
		maxAttempts: p.Cfg.Dispatch.MaxSendAttempts,
	}
}

// Dispatch enqueues one job per batch. The job identity is derived from
// the sorted recipient-id set, so a crash-retried orchestration produces
// the same job ids and the queue rejects the duplicates. A failed enqueue
// of one batch is logged and skipped: the truly-pending recipients remain
// the source of truth and can be re-dispatched later.
func (d *Dispatcher) Dispatch(ctx context.Context, campaign *campaigndomain.Campaign, pendingIDs []snowflake.ID) (int, error) {
	if len(pendingIDs) == 0 {
		return 0, nil
	}

	sorted := make([]snowflake.ID, len(pendingIDs))
	copy(sorted, pendingIDs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	enqueued := 0
	for start := 0; start < len(sorted); start += d.batchSize {
		end := start + d.batchSize
		if end > len(sorted) {
			end = len(sorted)
		}
		batch := sorted[start:end]
		jobID := BatchJobID(campaign.ID, batch)

		// Secondary best-effort guard: the same recipient set already
		// in flight. The job-id uniqueness in the queue is the primary
		// defense; this just avoids a pointless insert attempt.
		inFlight, err := d.queue.HasInFlightJob(ctx, campaign.ID, JobKindCampaignBatch, jobID)
		if err != nil {
			d.log.Warn("in-flight job scan failed, relying on job id dedup", zap.Error(err))
		} else if inFlight {
			d.log.Info("skipping batch already in flight",
				zap.String("campaign_id", campaign.ID.String()),
				zap.String("job_id", jobID))
			continue
		}

		campaignID := campaign.ID
		created, err := d.queue.Enqueue(ctx, queue.EnqueueRequest{
			JobID:      jobID,
			Kind:       JobKindCampaignBatch,
			TenantID:   campaign.TenantID,
			CampaignID: &campaignID,
			Payload: BatchPayload{
				TenantID:     campaign.TenantID,
				CampaignID:   campaign.ID,
				RecipientIDs: batch,
			},
			MaxAttempts: d.maxAttempts,
		})
		if err != nil {
			d.log.Error("failed to enqueue batch, continuing",
				zap.String("campaign_id", campaign.ID.String()),
				zap.String("job_id", jobID),
				zap.Error(err))
			continue
		}
		if created {
			enqueued++
		}
	}
	return enqueued, nil
}

// BatchJobID derives the content-addressed job identity: a stable hash of
// the sorted recipient-id set, scoped by campaign.
func BatchJobID(campaignID snowflake.ID, sortedIDs []snowflake.ID) string {
	hash := sha256.New()
	fmt.Fprintf(hash, "campaign:%d", campaignID)
	for _, id := range sortedIDs {
		fmt.Fprintf(hash, ":%d", id)
	}
	return "batch:" + hex.EncodeToString(hash.Sum(nil))[:32]
}
