// Package domain contains tenant subscription records. Billing itself is
// handled by an external payment flow; this service only answers whether a
// tenant may send.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionStatus enumerates the subscription lifecycle.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

var ErrInactiveSubscription = errors.New("inactive_subscription")

// Subscription is the tenant's plan record.
type Subscription struct {
	ID               snowflake.ID       `gorm:"primaryKey"`
	TenantID         snowflake.ID       `gorm:"not null;uniqueIndex:ux_subscriptions_tenant"`
	PlanCode         string             `gorm:"type:text;not null"`
	Status           SubscriptionStatus `gorm:"type:text;not null;default:active"`
	CurrentPeriodEnd *time.Time         `gorm:""`
	CreatedAt        time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// Service answers subscription questions for the dispatch preflight.
type Service interface {
	// IsActive reports whether the tenant holds an active subscription.
	IsActive(ctx context.Context, tenantID snowflake.ID) (bool, error)
}
