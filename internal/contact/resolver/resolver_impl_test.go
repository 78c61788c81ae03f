package resolver

import (
	"context"
	"fmt"
	"testing"

	contactdomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/contact/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testDBSeq int

func setupResolverTest(t *testing.T) *Resolver {
	t.Helper()
	testDBSeq++
	dsn := fmt.Sprintf("file:resolver_test_%d?mode=memory&cache=shared", testDBSeq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&contactdomain.Contact{},
		&contactdomain.Segment{},
		&contactdomain.SegmentMember{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return &Resolver{db: db, log: zap.NewNop()}
}

func insertContact(t *testing.T, db *gorm.DB, id, tenant snowflake.ID, phone, gender string, optedIn bool) {
	t.Helper()
	contact := contactdomain.Contact{
		ID: id, TenantID: tenant, Phone: phone, Gender: gender, OptedIn: optedIn,
	}
	if err := db.Create(&contact).Error; err != nil {
		t.Fatalf("insert contact: %v", err)
	}
}

func TestResolveAllReturnsOnlyOptedIn(t *testing.T) {
	r := setupResolverTest(t)
	tenant := snowflake.ID(1)
	insertContact(t, r.db, 11, tenant, "+306900000001", "female", true)
	insertContact(t, r.db, 12, tenant, "+306900000002", "male", false)
	insertContact(t, r.db, 13, snowflake.ID(2), "+306900000003", "male", true)

	recipients, err := r.ResolveRecipients(context.Background(), tenant, contactdomain.AudienceSpec{Kind: contactdomain.AudienceAll})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(recipients) != 1 {
		t.Fatalf("expected one recipient, got %d", len(recipients))
	}
	if recipients[0].Phone != "+306900000001" {
		t.Fatalf("unexpected recipient %+v", recipients[0])
	}
}

func TestResolveGenderFilter(t *testing.T) {
	r := setupResolverTest(t)
	tenant := snowflake.ID(1)
	insertContact(t, r.db, 21, tenant, "+306900000011", "female", true)
	insertContact(t, r.db, 22, tenant, "+306900000012", "male", true)

	recipients, err := r.ResolveRecipients(context.Background(), tenant, contactdomain.AudienceSpec{
		Kind:   contactdomain.AudienceGender,
		Gender: "Male",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(recipients) != 1 || recipients[0].Phone != "+306900000012" {
		t.Fatalf("expected only the male contact, got %+v", recipients)
	}
}

func TestResolveSegmentCrossTenantYieldsEmpty(t *testing.T) {
	r := setupResolverTest(t)
	owner := snowflake.ID(1)
	intruder := snowflake.ID(2)

	segment := contactdomain.Segment{ID: 31, TenantID: owner, Name: "vips"}
	if err := r.db.Create(&segment).Error; err != nil {
		t.Fatalf("insert segment: %v", err)
	}
	insertContact(t, r.db, 32, owner, "+306900000021", "", true)
	member := contactdomain.SegmentMember{ID: 33, SegmentID: segment.ID, ContactID: 32}
	if err := r.db.Create(&member).Error; err != nil {
		t.Fatalf("insert member: %v", err)
	}

	segID := segment.ID
	recipients, err := r.ResolveRecipients(context.Background(), intruder, contactdomain.AudienceSpec{
		Kind:      contactdomain.AudienceSegment,
		SegmentID: &segID,
	})
	if err != nil {
		t.Fatalf("cross-tenant resolve must not error: %v", err)
	}
	if len(recipients) != 0 {
		t.Fatalf("cross-tenant resolve must be empty, got %d", len(recipients))
	}

	// The owner still resolves its own members.
	recipients, err = r.ResolveRecipients(context.Background(), owner, contactdomain.AudienceSpec{
		Kind:      contactdomain.AudienceSegment,
		SegmentID: &segID,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(recipients) != 1 {
		t.Fatalf("expected one member, got %d", len(recipients))
	}
}

func TestResolveRejectsMalformedSpec(t *testing.T) {
	r := setupResolverTest(t)
	ctx := context.Background()

	if _, err := r.ResolveRecipients(ctx, 1, contactdomain.AudienceSpec{Kind: "nonsense"}); err != contactdomain.ErrInvalidAudience {
		t.Fatalf("expected invalid audience, got %v", err)
	}
	if _, err := r.ResolveRecipients(ctx, 1, contactdomain.AudienceSpec{Kind: contactdomain.AudienceGender}); err != contactdomain.ErrInvalidAudience {
		t.Fatalf("expected invalid audience for empty gender, got %v", err)
	}
	if _, err := r.ResolveRecipients(ctx, 1, contactdomain.AudienceSpec{Kind: contactdomain.AudienceSegment}); err != contactdomain.ErrInvalidAudience {
		t.Fatalf("expected invalid audience for missing segment, got %v", err)
	}
}
