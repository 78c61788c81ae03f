package main

import (
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/campaign"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/campaign/worker"
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
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/subscription"
	"github.com/bwmarrin/snowflake"
	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func main() {
	_ = godotenv.Load()

	app := fx.New(
		config.Module,
		logger.Module,
		clock.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		fx.Invoke(func(conn *gorm.DB) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return migration.RunMigrations(sqlDB)
		}),

		ledger.Module,
		contact.Module,
		subscription.Module,
		provider.Module,
		ratelimit.Module,
		queue.Module,
		campaign.Module,
		worker.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	// Worker processes get a distinct node id so ids never collide with
	// the API process against the same database.
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
