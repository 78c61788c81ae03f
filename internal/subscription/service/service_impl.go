package service

import (
	"context"
	"time"

	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/cache"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/clock"
	subscriptiondomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/subscription/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const activeCheckTTL = 30 * time.Second

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	clock  clock.Clock
	active *cache.TTLCache[snowflake.ID, bool]
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("subscription.service"),
		clock:  p.Clock,
		active: cache.NewTTLCache[snowflake.ID, bool](),
	}
}

// IsActive checks the tenant's subscription, with a short TTL cache since
// the orchestrator calls this on every enqueue.
func (s *Service) IsActive(ctx context.Context, tenantID snowflake.ID) (bool, error) {
	if tenantID == 0 {
		return false, nil
	}
	if cached, ok := s.active.Get(tenantID); ok {
		return cached, nil
	}

	var subscription subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		First(&subscription).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			s.active.Set(tenantID, false, activeCheckTTL)
			return false, nil
		}
		return false, err
	}

	isActive := subscription.Status == subscriptiondomain.SubscriptionStatusActive
	if isActive && subscription.CurrentPeriodEnd != nil && subscription.CurrentPeriodEnd.Before(s.clock.Now()) {
		isActive = false
	}
	s.active.Set(tenantID, isActive, activeCheckTTL)
	return isActive, nil
}
