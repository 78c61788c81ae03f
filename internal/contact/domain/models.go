// Package domain contains persistence models for contacts and segments.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Contact is a tenant-scoped phone subscriber.
type Contact struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	TenantID  snowflake.ID `gorm:"not null;index;uniqueIndex:ux_contacts_tenant_phone,priority:1"`
	Phone     string       `gorm:"type:text;not null;uniqueIndex:ux_contacts_tenant_phone,priority:2"`
	FirstName string       `gorm:"type:text"`
	LastName  string       `gorm:"type:text"`
	Gender    string       `gorm:"type:text"`
	OptedIn   bool         `gorm:"not null;default:false;index"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Contact) TableName() string { return "contacts" }

// Segment is a named, tenant-owned group of contacts.
type Segment struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	TenantID  snowflake.ID `gorm:"not null;index"`
	Name      string       `gorm:"type:text;not null"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Segment) TableName() string { return "segments" }

// SegmentMember links a contact into a segment.
type SegmentMember struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	SegmentID snowflake.ID `gorm:"not null;uniqueIndex:ux_segment_members,priority:1"`
	ContactID snowflake.ID `gorm:"not null;uniqueIndex:ux_segment_members,priority:2"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SegmentMember) TableName() string { return "segment_members" }
