package repos

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/splitvox/api/internal/model"
)

type LedgerRepositoryTestSuite struct {
	DBRepositoryTestSuite
}

func TestLedgerRepository(t *testing.T) {
	suite.Run(t, new(LedgerRepositoryTestSuite))
}

func (s *LedgerRepositoryTestSuite) TestBalanceDefaultsToZero() {
	balance, err := s.ledgerRepo.Balance(s.ctx, "nobody")
	s.NoError(err)
	s.Equal(int64(0), balance)
}

func (s *LedgerRepositoryTestSuite) TestPurchaseThenUse() {
	txn, err := s.ledgerRepo.Adjust(s.ctx, "user-1", model.TransactionPurchase, 3, strPtr("pay_123"))
	s.NoError(err)
	s.NotEmpty(txn.ID)
	s.Equal(int64(3), txn.Amount)

	balance, err := s.ledgerRepo.Balance(s.ctx, "user-1")
	s.NoError(err)
	s.Equal(int64(3), balance)

	_, err = s.ledgerRepo.Adjust(s.ctx, "user-1", model.TransactionUse, 1, nil)
	s.NoError(err)

	balance, err = s.ledgerRepo.Balance(s.ctx, "user-1")
	s.NoError(err)
	s.Equal(int64(2), balance)

	var txns []model.CreditTransaction
	s.Require().NoError(s.db.Where("user_id = ?", "user-1").Find(&txns).Error)
	s.Len(txns, 2)
}

func (s *LedgerRepositoryTestSuite) TestDebitNeverGoesNegative() {
	_, err := s.ledgerRepo.Adjust(s.ctx, "user-1", model.TransactionPurchase, 1, strPtr("pay_1"))
	s.Require().NoError(err)

	_, err = s.ledgerRepo.Adjust(s.ctx, "user-1", model.TransactionUse, 1, nil)
	s.NoError(err)

	_, err = s.ledgerRepo.Adjust(s.ctx, "user-1", model.TransactionUse, 1, nil)
	s.ErrorIs(err, ErrInsufficientBalance)

	balance, err := s.ledgerRepo.Balance(s.ctx, "user-1")
	s.NoError(err)
	s.Equal(int64(0), balance)

	// The rejected debit left no transaction behind.
	var count int64
	s.Require().NoError(s.db.Model(&model.CreditTransaction{}).
		Where("user_id = ? AND kind = ?", "user-1", model.TransactionUse).
		Count(&count).Error)
	s.Equal(int64(1), count)
}

func (s *LedgerRepositoryTestSuite) TestDebitUnknownUser() {
	_, err := s.ledgerRepo.Adjust(s.ctx, "never-seen", model.TransactionUse, 1, nil)
	s.ErrorIs(err, ErrInsufficientBalance)
}

func (s *LedgerRepositoryTestSuite) TestRejectsNonPositiveAmounts() {
	_, err := s.ledgerRepo.Adjust(s.ctx, "user-1", model.TransactionPurchase, 0, nil)
	s.Error(err)

	_, err = s.ledgerRepo.Adjust(s.ctx, "user-1", model.TransactionPurchase, -5, nil)
	s.Error(err)
}

func (s *LedgerRepositoryTestSuite) TestPurchaseIdempotentPerPaymentID() {
	first, err := s.ledgerRepo.Adjust(s.ctx, "user-1", model.TransactionPurchase, 5, strPtr("pay_abc"))
	s.Require().NoError(err)

	second, err := s.ledgerRepo.Adjust(s.ctx, "user-1", model.TransactionPurchase, 5, strPtr("pay_abc"))
	s.NoError(err)
	s.Equal(first.ID, second.ID)

	balance, err := s.ledgerRepo.Balance(s.ctx, "user-1")
	s.NoError(err)
	s.Equal(int64(5), balance)

	// Same payment ID for a different user is a distinct purchase.
	_, err = s.ledgerRepo.Adjust(s.ctx, "user-2", model.TransactionPurchase, 5, strPtr("pay_abc"))
	s.NoError(err)
	balance, err = s.ledgerRepo.Balance(s.ctx, "user-2")
	s.NoError(err)
	s.Equal(int64(5), balance)
}

func (s *LedgerRepositoryTestSuite) TestHasPurchase() {
	exists, err := s.ledgerRepo.HasPurchase(s.ctx, "user-1", "pay_x")
	s.NoError(err)
	s.False(exists)

	_, err = s.ledgerRepo.Adjust(s.ctx, "user-1", model.TransactionPurchase, 2, strPtr("pay_x"))
	s.Require().NoError(err)

	exists, err = s.ledgerRepo.HasPurchase(s.ctx, "user-1", "pay_x")
	s.NoError(err)
	s.True(exists)

	exists, err = s.ledgerRepo.HasPurchase(s.ctx, "user-2", "pay_x")
	s.NoError(err)
	s.False(exists)
}

func (s *LedgerRepositoryTestSuite) TestConcurrentDebitsNeverOverdraw() {
	const starting = 3
	_, err := s.ledgerRepo.Adjust(s.ctx, "user-1", model.TransactionPurchase, starting, strPtr("pay_seed"))
	s.Require().NoError(err)

	const attempts = 10
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ledgerRepo.Adjust(s.ctx, "user-1", model.TransactionUse, 1, nil)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	accepted := 0
	for err := range results {
		if err == nil {
			accepted++
		} else {
			s.ErrorIs(err, ErrInsufficientBalance)
		}
	}
	s.Equal(starting, accepted)

	balance, err := s.ledgerRepo.Balance(s.ctx, "user-1")
	s.NoError(err)
	s.Equal(int64(0), balance)
}
