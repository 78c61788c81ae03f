// Package server exposes the HTTP surface: campaign dispatch operations,
// wallet access, contact management and the provider delivery webhook.
package server

import (
	"context"
	"net/http"
	"strconv"

	campaigndomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/campaign/domain"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/campaign/worker"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/clock"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/config"
	ledgerdomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/ledger/domain"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/observability/metrics"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/tenantcontext"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Cfg          config.Config
	GenID        *snowflake.Node
	Clock        clock.Clock
	Orchestrator campaigndomain.Orchestrator
	Ledger       ledgerdomain.Service
	Reconciler   *worker.Reconciler
}

// Server holds the handler dependencies.
type Server struct {
	db           *gorm.DB
	log          *zap.Logger
	cfg          config.Config
	genID        *snowflake.Node
	clock        clock.Clock
	orchestrator campaigndomain.Orchestrator
	ledger       ledgerdomain.Service
	reconciler   *worker.Reconciler
}

func NewServer(p Params) *Server {
	return &Server{
		db:           p.DB,
		log:          p.Log.Named("server"),
		cfg:          p.Cfg,
		genID:        p.GenID,
		clock:        p.Clock,
		orchestrator: p.Orchestrator,
		ledger:       p.Ledger,
		reconciler:   p.Reconciler,
	}
}

// NewEngine builds the gin engine with the shared middleware stack. A nil
// httpMetrics disables metric recording without changing the stack.
func NewEngine(cfg config.Config, log *zap.Logger, httpMetrics *metrics.HTTPMetrics) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(log.Named("http")))
	engine.Use(metrics.GinMiddleware(httpMetrics))
	return engine
}

// RegisterRoutes mounts every route. Tenant-scoped routes sit behind the
// tenant header middleware; the webhook does not, since the provider
// calls it without tenant knowledge.
func (s *Server) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/healthz", s.Health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.POST("/webhooks/delivery", s.DeliveryWebhook)

	api := engine.Group("/api")
	api.Use(s.tenantMiddleware())
	{
		api.POST("/campaigns", s.CreateCampaign)
		api.GET("/campaigns", s.ListCampaigns)
		api.GET("/campaigns/:id", s.GetCampaign)
		api.POST("/campaigns/:id/enqueue", s.EnqueueCampaign)
		api.GET("/campaigns/:id/progress", s.GetCampaignProgress)
		api.POST("/campaigns/:id/cancel", s.CancelCampaign)
		api.POST("/campaigns/:id/retry", s.RetryFailedSms)

		api.GET("/wallet", s.GetWallet)
		api.GET("/wallet/transactions", s.ListTransactions)
		api.POST("/wallet/topup", s.TopupWallet)
		api.POST("/wallet/refund", s.RefundWallet)

		api.POST("/contacts", s.CreateContact)
		api.GET("/contacts", s.ListContacts)
		api.POST("/contacts/:id/opt-out", s.OptOutContact)
	}
}

func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// tenantMiddleware resolves the calling tenant from the X-Tenant-ID
// header and stores it on the request context.
func (s *Server) tenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-Tenant-ID")
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "missing_tenant", "message": "X-Tenant-ID header required"}})
			return
		}
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "invalid_tenant", "message": "malformed tenant id"}})
			return
		}
		ctx := tenantcontext.WithTenantID(c.Request.Context(), snowflake.ID(parsed))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// tenantID reads the tenant the middleware resolved.
func (s *Server) tenantID(c *gin.Context) (snowflake.ID, bool) {
	tenant, ok := tenantcontext.TenantIDFromContext(c.Request.Context())
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "missing_tenant", "message": "tenant not resolved"}})
		return 0, false
	}
	return tenant, true
}

func pathID(c *gin.Context) (snowflake.ID, bool) {
	parsed, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || parsed <= 0 {
		AbortWithError(c, newValidationError("id", "invalid_id", "malformed id"))
		return 0, false
	}
	return snowflake.ID(parsed), true
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()))
	}
}

// RunHTTP starts the HTTP listener under the fx lifecycle.
func RunHTTP(lc fx.Lifecycle, engine *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: engine}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

// Module wires the HTTP surface.
var Module = fx.Module("server",
	fx.Provide(NewEngine, NewServer),
	fx.Invoke(func(s *Server, engine *gin.Engine) { s.RegisterRoutes(engine) }),
	fx.Invoke(RunHTTP),
)
