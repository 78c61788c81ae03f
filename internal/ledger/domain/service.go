package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidTenant       = errors.New("invalid_tenant")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrReservationNotFound = errors.New("reservation_not_found")
)

// EntryResult is returned by every balance mutation.
type EntryResult struct {
	Balance     int64
	Transaction *CreditTransaction
}

// ReserveOptions parameterize a credit reservation.
type ReserveOptions struct {
	CampaignID *snowflake.ID
	ExpiresAt  time.Time
	Metadata   map[string]any
}

// LedgerService is the sole mutator of wallets, transactions and
// reservations. Every mutation runs as one atomic unit: the balance read,
// the invariant check, the balance write and the transaction insert are
// never observable as separate steps to a concurrent caller.
type LedgerService interface {
	GetBalance(ctx context.Context, tenantID snowflake.ID) (int64, error)
	GetAvailableBalance(ctx context.Context, tenantID snowflake.ID) (int64, error)

	Credit(ctx context.Context, tenantID snowflake.ID, amount int64, reason string, meta map[string]any) (*EntryResult, error)
	Debit(ctx context.Context, tenantID snowflake.ID, amount int64, reason string, meta map[string]any) (*EntryResult, error)
	Refund(ctx context.Context, tenantID snowflake.ID, amount int64, reason string, meta map[string]any) (*EntryResult, error)

	ReserveCredits(ctx context.Context, tenantID snowflake.ID, amount int64, opts ReserveOptions) (*CreditReservation, error)
	// ReleaseCredits is idempotent: releasing a non-active reservation
	// returns it unchanged.
	ReleaseCredits(ctx context.Context, reservationID snowflake.ID, reason string) (*CreditReservation, error)
	FindActiveReservationByCampaign(ctx context.Context, tenantID, campaignID snowflake.ID) (*CreditReservation, error)
	ExpireOverdueReservations(ctx context.Context, limit int) (int, error)

	ListTransactions(ctx context.Context, tenantID snowflake.ID, limit int) ([]CreditTransaction, error)
}

// Service is the package alias for LedgerService.
type Service = LedgerService
