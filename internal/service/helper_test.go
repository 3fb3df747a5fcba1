package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/splitvox/api/internal/client"
	"github.com/splitvox/api/internal/db/repos"
	"github.com/splitvox/api/internal/model"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "Failed to create in-memory database")

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&model.Job{}, &model.CreditBalance{}, &model.CreditTransaction{}, &model.FreeTrialUsage{},
	))
	return db
}

// fakeSeparator is a StemSeparator test double with overridable calls.
type fakeSeparator struct {
	startFn func(ctx context.Context, sourceRef string) (string, error)
	pollFn  func(ctx context.Context, externalJobID string) (*client.SeparationStatus, error)
	fetchFn func(ctx context.Context, artifactURL string) ([]byte, error)

	mu         sync.Mutex
	startCalls int
	cancelled  []string
}

func (f *fakeSeparator) Start(ctx context.Context, sourceRef string) (string, error) {
	f.mu.Lock()
	f.startCalls++
	f.mu.Unlock()
	if f.startFn != nil {
		return f.startFn(ctx, sourceRef)
	}
	return "remote-task-1", nil
}

func (f *fakeSeparator) Poll(ctx context.Context, externalJobID string) (*client.SeparationStatus, error) {
	if f.pollFn != nil {
		return f.pollFn(ctx, externalJobID)
	}
	return &client.SeparationStatus{State: client.RemoteStateRunning}, nil
}

func (f *fakeSeparator) FetchArtifact(ctx context.Context, artifactURL string) ([]byte, error) {
	if f.fetchFn != nil {
		return f.fetchFn(ctx, artifactURL)
	}
	return []byte("audio-bytes"), nil
}

func (f *fakeSeparator) Cancel(ctx context.Context, externalJobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, externalJobID)
	return nil
}

// CancelledJobs snapshots the cancelled IDs; cleanup may run on a
// background goroutine.
func (f *fakeSeparator) CancelledJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

type testEnv struct {
	jobs        *repos.JobRepository
	ledger      *repos.LedgerRepository
	trials      *repos.TrialRepository
	entitlement *EntitlementService
	separator   *fakeSeparator
	svc         *JobService
}

func newTestEnv(t *testing.T) *testEnv {
	db := testDB(t)
	jobs := repos.NewJobRepository(db)
	ledger := repos.NewLedgerRepository(db)
	trials := repos.NewTrialRepository(db)
	separator := &fakeSeparator{}
	entitlement := NewEntitlementService(ledger, trials, "")
	svc := NewJobService(jobs, ledger, entitlement, separator, nil, nil, nil, nil, false, 0)
	return &testEnv{
		jobs:        jobs,
		ledger:      ledger,
		trials:      trials,
		entitlement: entitlement,
		separator:   separator,
		svc:         svc,
	}
}

func (e *testEnv) grantCredits(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := e.ledger.Adjust(context.Background(), userID, model.TransactionPurchase, amount, strPtr("seed-"+userID))
	require.NoError(t, err)
}

func strPtr(v string) *string {
	return &v
}
