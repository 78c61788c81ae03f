// @title           Astronote SMS API
// @version         1.0
// @description     Multi-tenant SMS campaign and credit ledger API

// @host      localhost:8080
// @BasePath  /api
// @Schemes 	http https

package main

import (
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/campaign"
	campaignworker "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/campaign/worker"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/clock"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/config"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/contact"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/db"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/ledger"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/logger"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/migration"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/observability"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/provider"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/queue"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/ratelimit"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/seed"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/server"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/subscription"
	"github.com/bwmarrin/snowflake"
	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	app := fx.New(
		config.Module,
		logger.Module,
		clock.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := migration.RunMigrations(sqlDB); err != nil {
				return err
			}
			if !cfg.IsProduction() {
				return seed.EnsureDemoTenant(conn)
			}
			return nil
		}),

		ledger.Module,
		contact.Module,
		subscription.Module,
		provider.Module,
		ratelimit.Module,
		queue.Module,
		campaign.Module,
		fx.Provide(campaignworker.NewReconciler),

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
