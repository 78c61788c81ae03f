package service

import (
	"context"
	"time"

	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/clock"
	ledgerdomain "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/ledger/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DefaultReservationExpiry applies when ReserveOptions omits ExpiresAt.
const DefaultReservationExpiry = 24 * time.Hour

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) GetBalance(ctx context.Context, tenantID snowflake.ID) (int64, error) {
	if tenantID == 0 {
		return 0, ledgerdomain.ErrInvalidTenant
	}
	var balance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.ensureWallet(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		balance = wallet.Balance
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *Service) GetAvailableBalance(ctx context.Context, tenantID snowflake.ID) (int64, error) {
	if tenantID == 0 {
		return 0, ledgerdomain.ErrInvalidTenant
	}
	var available int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.ensureWallet(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		held, err := s.activeHold(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		available = wallet.Balance - held
		return nil
	})
	if err != nil {
		return 0, err
	}
	return available, nil
}

func (s *Service) Credit(ctx context.Context, tenantID snowflake.ID, amount int64, reason string, meta map[string]any) (*ledgerdomain.EntryResult, error) {
	return s.apply(ctx, tenantID, ledgerdomain.TransactionTypeCredit, amount, reason, meta)
}

func (s *Service) Debit(ctx context.Context, tenantID snowflake.ID, amount int64, reason string, meta map[string]any) (*ledgerdomain.EntryResult, error) {
	return s.apply(ctx, tenantID, ledgerdomain.TransactionTypeDebit, amount, reason, meta)
}

func (s *Service) Refund(ctx context.Context, tenantID snowflake.ID, amount int64, reason string, meta map[string]any) (*ledgerdomain.EntryResult, error) {
	return s.apply(ctx, tenantID, ledgerdomain.TransactionTypeRefund, amount, reason, meta)
}

// apply executes a balance mutation as one atomic unit. The guard on the
// conditional UPDATE is what keeps concurrent debits from pushing the
// balance negative: the decrement is rejected, never clamped.
func (s *Service) apply(
	ctx context.Context,
	tenantID snowflake.ID,
	txnType ledgerdomain.TransactionType,
	amount int64,
	reason string,
	meta map[string]any,
) (*ledgerdomain.EntryResult, error) {
	if tenantID == 0 {
		return nil, ledgerdomain.ErrInvalidTenant
	}
	if amount <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}

	delta := amount
	if txnType == ledgerdomain.TransactionTypeDebit {
		delta = -amount
	}

	now := s.clock.Now()
	var result ledgerdomain.EntryResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.ensureWallet(ctx, tx, tenantID)
		if err != nil {
			return err
		}

		update := tx.WithContext(ctx).Exec(
			`UPDATE wallets
			 SET balance = balance + ?, updated_at = ?
			 WHERE id = ? AND balance + ? >= 0`,
			delta,
			now,
			wallet.ID,
			delta,
		)
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return ledgerdomain.ErrInsufficientCredits
		}

		var balanceAfter int64
		if err := tx.WithContext(ctx).Raw(
			`SELECT balance FROM wallets WHERE id = ?`,
			wallet.ID,
		).Scan(&balanceAfter).Error; err != nil {
			return err
		}

		txn := &ledgerdomain.CreditTransaction{
			ID:           s.genID.Generate(),
			TenantID:     tenantID,
			WalletID:     wallet.ID,
			Type:         txnType,
			Amount:       amount,
			BalanceAfter: balanceAfter,
			Reason:       reason,
			CampaignID:   campaignIDFromMeta(meta),
			Metadata:     toJSONMap(meta),
			CreatedAt:    now,
		}
		if err := tx.WithContext(ctx).Create(txn).Error; err != nil {
			return err
		}

		result = ledgerdomain.EntryResult{Balance: balanceAfter, Transaction: txn}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Service) ReserveCredits(ctx context.Context, tenantID snowflake.ID, amount int64, opts ledgerdomain.ReserveOptions) (*ledgerdomain.CreditReservation, error) {
	if tenantID == 0 {
		return nil, ledgerdomain.ErrInvalidTenant
	}
	if amount <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}

	now := s.clock.Now()
	expiresAt := opts.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(DefaultReservationExpiry)
	}

	var reservation *ledgerdomain.CreditReservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.ensureWallet(ctx, tx, tenantID)
		if err != nil {
			return err
		}

		// Touching the wallet row serializes concurrent reservation
		// attempts for the tenant; the hold sum below then reads a
		// settled view of committed reservations.
		if err := tx.WithContext(ctx).Exec(
			`UPDATE wallets SET updated_at = ? WHERE id = ?`,
			now,
			wallet.ID,
		).Error; err != nil {
			return err
		}

		var balance int64
		if err := tx.WithContext(ctx).Raw(
			`SELECT balance FROM wallets WHERE id = ?`,
			wallet.ID,
		).Scan(&balance).Error; err != nil {
			return err
		}
		held, err := s.activeHold(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if balance-held < amount {
			return ledgerdomain.ErrInsufficientCredits
		}

		reservation = &ledgerdomain.CreditReservation{
			ID:         s.genID.Generate(),
			TenantID:   tenantID,
			CampaignID: opts.CampaignID,
			Amount:     amount,
			Status:     ledgerdomain.ReservationStatusActive,
			ExpiresAt:  expiresAt,
			Metadata:   toJSONMap(opts.Metadata),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return tx.WithContext(ctx).Create(reservation).Error
	})
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

func (s *Service) ReleaseCredits(ctx context.Context, reservationID snowflake.ID, reason string) (*ledgerdomain.CreditReservation, error) {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE credit_reservations
		 SET status = ?, released_at = ?, release_reason = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		ledgerdomain.ReservationStatusReleased,
		now,
		reason,
		now,
		reservationID,
		ledgerdomain.ReservationStatusActive,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		// Already released or expired; return it unchanged.
		s.log.Debug("reservation release was a no-op", zap.String("reservation_id", reservationID.String()))
	}

	var reservation ledgerdomain.CreditReservation
	err := s.db.WithContext(ctx).
		Where("id = ?", reservationID).
		First(&reservation).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ledgerdomain.ErrReservationNotFound
		}
		return nil, err
	}
	return &reservation, nil
}

func (s *Service) FindActiveReservationByCampaign(ctx context.Context, tenantID, campaignID snowflake.ID) (*ledgerdomain.CreditReservation, error) {
	var reservation ledgerdomain.CreditReservation
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND campaign_id = ? AND status = ?", tenantID, campaignID, ledgerdomain.ReservationStatusActive).
		Order("created_at DESC").
		First(&reservation).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &reservation, nil
}

func (s *Service) ExpireOverdueReservations(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE credit_reservations
		 SET status = ?, updated_at = ?
		 WHERE id IN (
			SELECT id FROM credit_reservations
			WHERE status = ? AND expires_at <= ?
			ORDER BY expires_at ASC
			LIMIT ?
		 )`,
		ledgerdomain.ReservationStatusExpired,
		now,
		ledgerdomain.ReservationStatusActive,
		now,
		limit,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		s.log.Info("expired overdue credit reservations", zap.Int64("count", result.RowsAffected))
	}
	return int(result.RowsAffected), nil
}

func (s *Service) ListTransactions(ctx context.Context, tenantID snowflake.ID, limit int) ([]ledgerdomain.CreditTransaction, error) {
	if tenantID == 0 {
		return nil, ledgerdomain.ErrInvalidTenant
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var txns []ledgerdomain.CreditTransaction
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&txns).Error
	if err != nil {
		return nil, err
	}
	return txns, nil
}

// ensureWallet creates the tenant's zero-balance wallet on first access.
func (s *Service) ensureWallet(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID) (*ledgerdomain.Wallet, error) {
	var wallet ledgerdomain.Wallet
	err := tx.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		First(&wallet).Error
	if err == nil {
		return &wallet, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	now := s.clock.Now()
	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO wallets (id, tenant_id, balance, created_at, updated_at)
		 VALUES (?, ?, 0, ?, ?)
		 ON CONFLICT (tenant_id) DO NOTHING`,
		s.genID.Generate(),
		tenantID,
		now,
		now,
	).Error; err != nil {
		return nil, err
	}

	if err := tx.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		First(&wallet).Error; err != nil {
		return nil, err
	}
	return &wallet, nil
}

// activeHold sums active, unexpired reservations. Reservations past their
// expiry no longer reduce available balance even before the sweep flips
// their status.
func (s *Service) activeHold(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID) (int64, error) {
	var held int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0)
		 FROM credit_reservations
		 WHERE tenant_id = ? AND status = ? AND expires_at > ?`,
		tenantID,
		ledgerdomain.ReservationStatusActive,
		s.clock.Now(),
	).Scan(&held).Error
	if err != nil {
		return 0, err
	}
	return held, nil
}

func toJSONMap(meta map[string]any) datatypes.JSONMap {
	if len(meta) == 0 {
		return nil
	}
	payload := datatypes.JSONMap{}
	for key, value := range meta {
		if key == "" {
			continue
		}
		payload[key] = value
	}
	return payload
}

func campaignIDFromMeta(meta map[string]any) *snowflake.ID {
	if meta == nil {
		return nil
	}
	if raw, ok := meta["campaign_id"]; ok {
		switch value := raw.(type) {
		case snowflake.ID:
			if value != 0 {
				return &value
			}
		case string:
			if parsed, err := snowflake.ParseString(value); err == nil && parsed != 0 {
				return &parsed
			}
		}
	}
	return nil
}
