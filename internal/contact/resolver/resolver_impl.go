package resolver

import (
	"context"
	"strings"

	contactdomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/contact/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Resolver struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewResolver(p Params) contactdomain.AudienceResolver {
	return &Resolver{
		db:  p.DB,
		log: p.Log.Named("contact.resolver"),
	}
}

func (r *Resolver) ResolveRecipients(ctx context.Context, tenantID snowflake.ID, spec contactdomain.AudienceSpec) ([]contactdomain.ResolvedRecipient, error) {
	if tenantID == 0 {
		return nil, contactdomain.ErrInvalidAudience
	}

	switch spec.Kind {
	case contactdomain.AudienceAll:
		return r.resolveOptedIn(ctx, tenantID, "")
	case contactdomain.AudienceGender:
		gender := strings.ToLower(strings.TrimSpace(spec.Gender))
		if gender == "" {
			return nil, contactdomain.ErrInvalidAudience
		}
		return r.resolveOptedIn(ctx, tenantID, gender)
	case contactdomain.AudienceSegment:
		if spec.SegmentID == nil || *spec.SegmentID == 0 {
			return nil, contactdomain.ErrInvalidAudience
		}
		return r.resolveSegment(ctx, tenantID, *spec.SegmentID)
	default:
		return nil, contactdomain.ErrInvalidAudience
	}
}

func (r *Resolver) resolveOptedIn(ctx context.Context, tenantID snowflake.ID, gender string) ([]contactdomain.ResolvedRecipient, error) {
	query := r.db.WithContext(ctx).
		Table("contacts").
		Select("id AS contact_id, phone, first_name, last_name").
		Where("tenant_id = ? AND opted_in = ?", tenantID, true)
	if gender != "" {
		query = query.Where("gender = ?", gender)
	}

	var recipients []contactdomain.ResolvedRecipient
	if err := query.Order("id ASC").Scan(&recipients).Error; err != nil {
		return nil, err
	}
	return recipients, nil
}

// resolveSegment verifies segment ownership before any membership query.
// A segment belonging to another tenant yields zero recipients.
func (r *Resolver) resolveSegment(ctx context.Context, tenantID, segmentID snowflake.ID) ([]contactdomain.ResolvedRecipient, error) {
	var owned int64
	if err := r.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM segments WHERE id = ? AND tenant_id = ?`,
		segmentID,
		tenantID,
	).Scan(&owned).Error; err != nil {
		return nil, err
	}
	if owned == 0 {
		r.log.Warn("segment audience did not resolve for tenant",
			zap.String("tenant_id", tenantID.String()),
			zap.String("segment_id", segmentID.String()))
		return []contactdomain.ResolvedRecipient{}, nil
	}

	var recipients []contactdomain.ResolvedRecipient
	err := r.db.WithContext(ctx).Raw(
		`SELECT c.id AS contact_id, c.phone, c.first_name, c.last_name
		 FROM contacts c
		 JOIN segment_members sm ON sm.contact_id = c.id
		 WHERE sm.segment_id = ? AND c.tenant_id = ? AND c.opted_in = ?
		 ORDER BY c.id ASC`,
		segmentID,
		tenantID,
		true,
	).Scan(&recipients).Error
	if err != nil {
		return nil, err
	}
	return recipients, nil
}
