// Package domain contains persistence models and contracts for campaign
// dispatch.
package domain

import (
	"time"

	contactdomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/contact/domain"
	"github.com/bwmarrin/snowflake"
)

// CampaignStatus is the campaign lifecycle.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusSending   CampaignStatus = "sending"
	CampaignStatusSent      CampaignStatus = "sent"
	CampaignStatusFailed    CampaignStatus = "failed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

// Terminal reports whether no further sending can happen for the campaign.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignStatusSent || s == CampaignStatusFailed || s == CampaignStatusCancelled
}

// ScheduleKind enumerates when a campaign becomes eligible for dispatch.
type ScheduleKind string

const (
	ScheduleImmediate ScheduleKind = "immediate"
	ScheduleAt        ScheduleKind = "scheduled"
	ScheduleRecurring ScheduleKind = "recurring"
)

// RecipientStatus is the per-recipient lifecycle: pending transitions to
// sent, failed or cancelled exactly once under normal operation.
type RecipientStatus string

const (
	RecipientStatusPending   RecipientStatus = "pending"
	RecipientStatusSent      RecipientStatus = "sent"
	RecipientStatusFailed    RecipientStatus = "failed"
	RecipientStatusCancelled RecipientStatus = "cancelled"
)

// Campaign is a tenant-scoped message blast definition.
type Campaign struct {
	ID             snowflake.ID               `gorm:"primaryKey"`
	TenantID       snowflake.ID               `gorm:"not null;index;uniqueIndex:ux_campaigns_tenant_name,priority:1"`
	Name           string                     `gorm:"type:text;not null;uniqueIndex:ux_campaigns_tenant_name,priority:2"`
	Template       string                     `gorm:"type:text;not null"`
	AudienceKind   contactdomain.AudienceKind `gorm:"type:text;not null;default:all"`
	AudienceGender string                     `gorm:"type:text"`
	SegmentID      *snowflake.ID              `gorm:""`
	ScheduleKind   ScheduleKind               `gorm:"type:text;not null;default:immediate"`
	ScheduledAt    *time.Time                 `gorm:"index"`
	DiscountCode   string                     `gorm:"type:text"`
	Status         CampaignStatus             `gorm:"type:text;not null;default:draft;index"`
	CreatedAt      time.Time                  `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time                  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Campaign) TableName() string { return "campaigns" }

// AudienceSpec assembles the resolver input from the campaign definition.
func (c Campaign) AudienceSpec() contactdomain.AudienceSpec {
	return contactdomain.AudienceSpec{
		Kind:      c.AudienceKind,
		Gender:    c.AudienceGender,
		SegmentID: c.SegmentID,
	}
}

// CampaignRecipient is one materialized (campaign, contact) send. The pair
// (status=pending, provider_message_id=NULL) is the only state in which a
// send attempt is permitted.
type CampaignRecipient struct {
	ID                snowflake.ID    `gorm:"primaryKey"`
	CampaignID        snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_campaign_recipients_dest,priority:1"`
	TenantID          snowflake.ID    `gorm:"not null;index"`
	ContactID         snowflake.ID    `gorm:"not null"`
	Phone             string          `gorm:"type:text;not null;uniqueIndex:ux_campaign_recipients_dest,priority:2"`
	Status            RecipientStatus `gorm:"type:text;not null;default:pending;index"`
	ProviderMessageID *string         `gorm:"type:text;index"`
	DeliveryStatus    string          `gorm:"type:text"`
	SentAt            *time.Time      `gorm:""`
	DeliveredAt       *time.Time      `gorm:""`
	FailedAt          *time.Time      `gorm:""`
	ErrorText         string          `gorm:"type:text"`
	RetryCount        int             `gorm:"not null;default:0"`
	CreatedAt         time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CampaignRecipient) TableName() string { return "campaign_recipients" }

// CampaignMetrics is the cached per-campaign aggregate. It is only ever
// recomputed from recipient counts, never hand-incremented.
type CampaignMetrics struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	CampaignID     snowflake.ID `gorm:"not null;uniqueIndex:ux_campaign_metrics_campaign"`
	TenantID       snowflake.ID `gorm:"not null;index"`
	TotalSent      int64        `gorm:"not null;default:0"`
	TotalFailed    int64        `gorm:"not null;default:0"`
	TotalProcessed int64        `gorm:"not null;default:0"`
	TotalClicked   int64        `gorm:"not null;default:0"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CampaignMetrics) TableName() string { return "campaign_metrics" }
