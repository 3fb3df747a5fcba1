package repos

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/splitvox/api/internal/model"
)

// ErrInsufficientBalance is returned when a debit would drive the
// balance negative. No state is mutated in that case.
var ErrInsufficientBalance = errors.New("insufficient balance")

// LedgerRepository is the single point of truth for credit balances.
// Balance read, balance write and transaction insert happen in one
// database transaction, serialized per user by a row lock.
type LedgerRepository struct {
	db *gorm.DB
}

// NewLedgerRepository creates a new ledger repository instance.
func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Adjust applies a signed balance mutation. The amount is a positive
// magnitude; kind=use debits, kind=purchase credits. When an external
// payment ID is supplied for a purchase and a matching transaction
// already exists, the call is a no-op returning the existing record;
// this is the idempotency guarantee payment reconciliation relies on.
func (r *LedgerRepository) Adjust(ctx context.Context, userID string, kind model.TransactionKind, amount int64, externalPaymentID *string) (*model.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("adjust amount must be positive, got %d", amount)
	}
	if kind != model.TransactionPurchase && kind != model.TransactionUse {
		return nil, fmt.Errorf("unknown transaction kind %q", kind)
	}

	var out *model.CreditTransaction
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if externalPaymentID != nil && kind == model.TransactionPurchase {
			var existing model.CreditTransaction
			err := tx.Where("user_id = ? AND external_payment_id = ? AND kind = ?",
				userID, *externalPaymentID, kind).First(&existing).Error
			if err == nil {
				out = &existing
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		// Ensure the balance row exists before locking it, so two first
		// payments for the same user don't race on the insert.
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&model.CreditBalance{UserID: userID}).Error; err != nil {
			return err
		}

		var balance model.CreditBalance
		q := tx.Where("user_id = ?", userID)
		// SQLite (used in tests) serializes writers on its own and does
		// not support row locks.
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.First(&balance).Error; err != nil {
			return err
		}

		next := balance.Balance + amount
		if kind == model.TransactionUse {
			next = balance.Balance - amount
		}
		if next < 0 {
			return ErrInsufficientBalance
		}

		if err := tx.Model(&model.CreditBalance{}).
			Where("user_id = ?", userID).
			Update("balance", next).Error; err != nil {
			return err
		}

		txn := &model.CreditTransaction{
			ID:                uuid.New().String(),
			UserID:            userID,
			Kind:              kind,
			Amount:            amount,
			ExternalPaymentID: externalPaymentID,
		}
		if err := tx.Create(txn).Error; err != nil {
			return err
		}
		out = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Balance returns the current balance for a user; users without a
// balance row read as zero.
func (r *LedgerRepository) Balance(ctx context.Context, userID string) (int64, error) {
	var balance model.CreditBalance
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return balance.Balance, nil
}

// HasPurchase reports whether a purchase transaction already exists for
// the given external payment ID.
func (r *LedgerRepository) HasPurchase(ctx context.Context, userID, externalPaymentID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.CreditTransaction{}).
		Where("user_id = ? AND external_payment_id = ? AND kind = ?",
			userID, externalPaymentID, model.TransactionPurchase).
		Count(&count).Error
	return count > 0, err
}
