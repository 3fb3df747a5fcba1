package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splitvox/api/internal/db/repos"
	"github.com/splitvox/api/internal/model"
)

func newEntitlementEnv(t *testing.T) (*EntitlementService, *repos.LedgerRepository, *repos.TrialRepository) {
	db := testDB(t)
	ledger := repos.NewLedgerRepository(db)
	trials := repos.NewTrialRepository(db)
	return NewEntitlementService(ledger, trials, "test-bypass"), ledger, trials
}

func TestCheckAuthenticatedWithCredits(t *testing.T) {
	svc, ledger, _ := newEntitlementEnv(t)
	_, err := ledger.Adjust(context.Background(), "user-1", model.TransactionPurchase, 1, strPtr("pay_1"))
	require.NoError(t, err)

	assert.NoError(t, svc.Check(context.Background(), strPtr("user-1"), "fp", "ua", ""))

	// The check itself reserves nothing.
	balance, err := ledger.Balance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance)
}

func TestCheckAuthenticatedWithoutCredits(t *testing.T) {
	svc, _, trials := newEntitlementEnv(t)

	err := svc.Check(context.Background(), strPtr("user-1"), "fp", "ua", "")
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonInsufficientCredits, denied.Reason)

	// An authenticated denial never consumes the device's trial.
	used, err := trials.Exists(context.Background(), "fp")
	require.NoError(t, err)
	assert.False(t, used)
}

func TestCheckAnonymousTrialConsumedAtGrant(t *testing.T) {
	svc, _, trials := newEntitlementEnv(t)

	require.NoError(t, svc.Check(context.Background(), nil, "fp-1", "ua", ""))

	used, err := trials.Exists(context.Background(), "fp-1")
	require.NoError(t, err)
	assert.True(t, used, "trial is recorded at grant time")

	err = svc.Check(context.Background(), nil, "fp-1", "ua", "")
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonFreeTrialExhausted, denied.Reason)
}

func TestCheckBypassToken(t *testing.T) {
	svc, _, trials := newEntitlementEnv(t)

	require.NoError(t, svc.Check(context.Background(), nil, "fp-1", "ua", "test-bypass"))

	// Bypassed checks leave the trial untouched.
	used, err := trials.Exists(context.Background(), "fp-1")
	require.NoError(t, err)
	assert.False(t, used)

	// A wrong token falls through to the normal gate.
	require.NoError(t, svc.Check(context.Background(), nil, "fp-1", "ua", "wrong"))
	err = svc.Check(context.Background(), nil, "fp-1", "ua", "wrong")
	assert.Error(t, err)
}

func TestCheckEmptyBypassConfigDisablesBypass(t *testing.T) {
	db := testDB(t)
	svc := NewEntitlementService(repos.NewLedgerRepository(db), repos.NewTrialRepository(db), "")

	// An empty configured token must not make the empty string a bypass.
	require.NoError(t, svc.Check(context.Background(), nil, "fp-1", "ua", ""))
	err := svc.Check(context.Background(), nil, "fp-1", "ua", "")
	assert.Error(t, err)
}
