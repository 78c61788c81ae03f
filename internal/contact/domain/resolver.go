package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// AudienceKind enumerates the supported audience specifications.
type AudienceKind string

const (
	// AudienceAll targets every opted-in contact of the tenant.
	AudienceAll AudienceKind = "all"
	// AudienceGender targets opted-in contacts filtered by gender.
	AudienceGender AudienceKind = "gender"
	// AudienceSegment targets members of a tenant-owned segment.
	AudienceSegment AudienceKind = "segment"
)

var (
	ErrInvalidAudience = errors.New("invalid_audience")
)

// AudienceSpec describes which contacts a campaign targets.
type AudienceSpec struct {
	Kind      AudienceKind
	Gender    string
	SegmentID *snowflake.ID
}

// ResolvedRecipient is one concrete send target.
type ResolvedRecipient struct {
	ContactID snowflake.ID
	Phone     string
	FirstName string
	LastName  string
}

// AudienceResolver expands an audience spec into concrete recipients.
// Cross-tenant segment references resolve to an empty set, never to an
// error and never to another tenant's contacts.
type AudienceResolver interface {
	ResolveRecipients(ctx context.Context, tenantID snowflake.ID, spec AudienceSpec) ([]ResolvedRecipient, error)
}
