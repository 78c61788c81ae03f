// Package seed bootstraps a development tenant so a fresh install can
// exercise the pipeline immediately.
package seed

import (
	"context"
	"errors"
	"fmt"

	contactdomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/contact/domain"
	ledgerdomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/ledger/domain"
	subscriptiondomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/subscription/domain"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const (
	demoTenantID     = snowflake.ID(1)
	demoPlanCode     = "starter"
	demoCredits      = 1000
	demoContactCount = 5
)

// EnsureDemoTenant seeds a tenant with an active subscription, a funded
// wallet and a handful of opted-in contacts. Idempotent: an existing demo
// tenant is left untouched.
func EnsureDemoTenant(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&subscriptiondomain.Subscription{}).
			Where("tenant_id = ?", demoTenantID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		subscription := subscriptiondomain.Subscription{
			ID:       node.Generate(),
			TenantID: demoTenantID,
			PlanCode: demoPlanCode,
			Status:   subscriptiondomain.SubscriptionStatusActive,
		}
		if err := tx.Create(&subscription).Error; err != nil {
			return err
		}

		wallet := ledgerdomain.Wallet{
			ID:       node.Generate(),
			TenantID: demoTenantID,
			Balance:  demoCredits,
		}
		if err := tx.Create(&wallet).Error; err != nil {
			return err
		}
		transaction := ledgerdomain.CreditTransaction{
			ID:           node.Generate(),
			TenantID:     demoTenantID,
			WalletID:     wallet.ID,
			Type:         ledgerdomain.TransactionTypeCredit,
			Amount:       demoCredits,
			BalanceAfter: demoCredits,
			Reason:       ledgerdomain.ReasonTopup,
		}
		if err := tx.Create(&transaction).Error; err != nil {
			return err
		}

		for i := 0; i < demoContactCount; i++ {
			contact := contactdomain.Contact{
				ID:        node.Generate(),
				TenantID:  demoTenantID,
				Phone:     fmt.Sprintf("+30690000%04d", i+1),
				FirstName: fmt.Sprintf("Demo%d", i+1),
				OptedIn:   true,
			}
			if err := tx.Create(&contact).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
