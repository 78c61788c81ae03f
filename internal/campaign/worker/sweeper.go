package worker

import (
	"context"
	"time"

	campaigndomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/campaign/domain"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/clock"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/config"
	ledgerdomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/ledger/domain"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/observability/metrics"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// expireSweepLimit bounds the reservations expired per sweep pass.
const expireSweepLimit = 200

type SweeperParams struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	Cfg          config.Config
	Orchestrator campaigndomain.Orchestrator
	Ledger       ledgerdomain.Service
	Metrics      *metrics.DispatchMetrics `optional:"true"`
}

// Sweeper runs the periodic housekeeping of the pipeline: promoting due
// scheduled campaigns into dispatch and expiring overdue credit holds.
type Sweeper struct {
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	interval     time.Duration
	orchestrator campaigndomain.Orchestrator
	ledger       ledgerdomain.Service
	metrics      *metrics.DispatchMetrics
}

func NewSweeper(p SweeperParams) *Sweeper {
	return &Sweeper{
		db:           p.DB,
		log:          p.Log.Named("campaign.sweeper"),
		clock:        p.Clock,
		interval:     p.Cfg.Dispatch.SweepInterval,
		orchestrator: p.Orchestrator,
		ledger:       p.Ledger,
		metrics:      p.Metrics,
	}
}

// RunForever sweeps at the configured interval until the context is
// cancelled. Safe to run in several processes: campaign enqueueing claims
// atomically and reservation expiry is a conditional bulk update.
func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweep pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one sweep pass.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if err := s.promoteDueCampaigns(ctx); err != nil {
		return err
	}

	expired, err := s.ledger.ExpireOverdueReservations(ctx, expireSweepLimit)
	if err != nil {
		return err
	}
	if expired > 0 {
		s.log.Info("expired overdue credit reservations", zap.Int("count", expired))
	}

	s.recordBacklog(ctx)
	return nil
}

// recordBacklog gauges the pending queue depth per job kind. Best effort:
// a failed count never fails the sweep.
func (s *Sweeper) recordBacklog(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	type kindCount struct {
		Kind  string
		Count int64
	}
	var counts []kindCount
	err := s.db.WithContext(ctx).
		Model(&queue.Job{}).
		Select("kind, COUNT(*) AS count").
		Where("status = ?", queue.JobStatusPending).
		Group("kind").
		Scan(&counts).Error
	if err != nil {
		s.log.Warn("failed to gauge queue backlog", zap.Error(err))
		return
	}
	for _, kc := range counts {
		s.metrics.SetBacklog(kc.Kind, kc.Count)
	}
}

// promoteDueCampaigns enqueues every scheduled campaign whose time has
// come. The orchestrator's status claim makes a double promotion by
// concurrent sweepers harmless.
func (s *Sweeper) promoteDueCampaigns(ctx context.Context) error {
	var due []campaigndomain.Campaign
	err := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?",
			campaigndomain.CampaignStatusScheduled, s.clock.Now()).
		Order("scheduled_at ASC").
		Find(&due).Error
	if err != nil {
		return err
	}

	for _, campaign := range due {
		result, err := s.orchestrator.EnqueueCampaign(ctx, campaign.TenantID, campaign.ID)
		if err != nil {
			s.log.Error("failed to promote scheduled campaign",
				zap.String("campaign_id", campaign.ID.String()),
				zap.Error(err))
			continue
		}
		if !result.OK {
			s.log.Warn("scheduled campaign rejected at promotion",
				zap.String("campaign_id", campaign.ID.String()),
				zap.String("reason", string(result.Reason)))
			continue
		}
		s.log.Info("scheduled campaign promoted",
			zap.String("campaign_id", campaign.ID.String()),
			zap.Int("jobs_enqueued", result.JobsEnqueued))
	}
	return nil
}
