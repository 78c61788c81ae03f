// Package domain contains persistence models for the prepaid credit ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TransactionType tags a ledger entry as credit, debit or refund.
type TransactionType string

const (
	TransactionTypeCredit TransactionType = "credit"
	TransactionTypeDebit  TransactionType = "debit"
	TransactionTypeRefund TransactionType = "refund"
)

// Reservation lifecycle statuses.
const (
	ReservationStatusActive   = "active"
	ReservationStatusReleased = "released"
	ReservationStatusExpired  = "expired"
)

// Well-known transaction reason tags.
const (
	ReasonCampaignSend = "campaign_send"
	ReasonTopup        = "topup"
	ReasonAdjustment   = "adjustment"
	ReasonRefund       = "refund"
)

// Wallet holds the committed credit balance for a tenant. Balance never
// goes negative; the sole mutator is the ledger service.
type Wallet struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	TenantID  snowflake.ID `gorm:"not null;uniqueIndex:ux_wallets_tenant"`
	Balance   int64        `gorm:"not null;default:0"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Wallet) TableName() string { return "wallets" }

// CreditTransaction is an immutable ledger entry. BalanceAfter must equal
// the wallet balance at the moment the entry committed.
type CreditTransaction struct {
	ID           snowflake.ID      `gorm:"primaryKey"`
	TenantID     snowflake.ID      `gorm:"not null;index"`
	WalletID     snowflake.ID      `gorm:"not null;index"`
	Type         TransactionType   `gorm:"type:text;not null"`
	Amount       int64             `gorm:"not null"`
	BalanceAfter int64             `gorm:"not null"`
	Reason       string            `gorm:"type:text;not null"`
	CampaignID   *snowflake.ID     `gorm:"index"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }

// CreditReservation is a soft hold against available balance. It is not a
// second balance pool: debits still land on the wallet as sends succeed,
// and the hold is released in a single terminal event.
type CreditReservation struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	TenantID      snowflake.ID      `gorm:"not null;index"`
	CampaignID    *snowflake.ID     `gorm:"index"`
	Amount        int64             `gorm:"not null"`
	Status        string            `gorm:"type:text;not null;default:active;index"`
	ExpiresAt     time.Time         `gorm:"not null"`
	ReleasedAt    *time.Time        `gorm:""`
	ReleaseReason string            `gorm:"type:text"`
	Metadata      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditReservation) TableName() string { return "credit_reservations" }

// Active reports whether the reservation still holds balance.
func (r CreditReservation) Active() bool { return r.Status == ReservationStatusActive }
