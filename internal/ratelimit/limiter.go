// Package ratelimit gates provider submissions with fixed-window counters
// shared across worker processes through redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/clock"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Result reports the outcome of a combined limit check.
type Result struct {
	Allowed             bool
	PerAccountRemaining int64
	PerTenantRemaining  int64
}

type Params struct {
	fx.In

	Redis *redis.Client
	Cfg   config.Config
	Log   *zap.Logger
	Clock clock.Clock
}

// Limiter applies independent ceilings per provider account and per
// tenant. A request passes only when both windows have headroom.
type Limiter struct {
	rdb        *redis.Client
	window     time.Duration
	perAccount int64
	perTenant  int64
	log        *zap.Logger
	clock      clock.Clock
}

func NewLimiter(p Params) *Limiter {
	return &Limiter{
		rdb:        p.Redis,
		window:     p.Cfg.Limits.Window,
		perAccount: int64(p.Cfg.Limits.PerAccount),
		perTenant:  int64(p.Cfg.Limits.PerTenant),
		log:        p.Log.Named("ratelimit"),
		clock:      p.Clock,
	}
}

// CheckAllLimits admits the request only when both the provider-account
// and tenant windows are under their ceilings. If the counter store is
// unreachable the limiter fails open: availability over strict throttling.
func (l *Limiter) CheckAllLimits(ctx context.Context, accountKey, tenantKey string) Result {
	windowIdx := l.clock.Now().UnixMilli() / l.window.Milliseconds()

	accountCount, err := l.bump(ctx, "account", accountKey, windowIdx)
	if err != nil {
		l.log.Warn("rate limit store unreachable, failing open", zap.Error(err))
		return Result{Allowed: true, PerAccountRemaining: l.perAccount, PerTenantRemaining: l.perTenant}
	}
	tenantCount, err := l.bump(ctx, "tenant", tenantKey, windowIdx)
	if err != nil {
		l.log.Warn("rate limit store unreachable, failing open", zap.Error(err))
		return Result{Allowed: true, PerAccountRemaining: l.perAccount, PerTenantRemaining: l.perTenant}
	}

	return Result{
		Allowed:             accountCount <= l.perAccount && tenantCount <= l.perTenant,
		PerAccountRemaining: remaining(l.perAccount, accountCount),
		PerTenantRemaining:  remaining(l.perTenant, tenantCount),
	}
}

// bump atomically increments the window counter and arms its expiry.
// Window keys embed floor(now/window) so counters self-expire.
func (l *Limiter) bump(ctx context.Context, scope, key string, windowIdx int64) (int64, error) {
	counterKey := fmt.Sprintf("rl:%s:%s:%d", scope, key, windowIdx)

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, counterKey)
	pipe.PExpire(ctx, counterKey, 2*l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func remaining(ceiling, count int64) int64 {
	if count >= ceiling {
		return 0
	}
	return ceiling - count
}
