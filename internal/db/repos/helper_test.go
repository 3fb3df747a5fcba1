package repos

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/splitvox/api/internal/model"
)

// DBRepositoryTestSuite provides a base test suite for repository tests
type DBRepositoryTestSuite struct {
	suite.Suite
	db         *gorm.DB
	ctx        context.Context
	jobRepo    *JobRepository
	ledgerRepo *LedgerRepository
	trialRepo  *TrialRepository
}

func (s *DBRepositoryTestSuite) SetupTest() {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	require.NoError(s.T(), err, "Failed to create in-memory database")

	// A single connection serializes writers, standing in for the row
	// locks Postgres provides in production.
	sqlDB, err := db.DB()
	require.NoError(s.T(), err)
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(&model.Job{}, &model.CreditBalance{}, &model.CreditTransaction{}, &model.FreeTrialUsage{})
	require.NoError(s.T(), err, "Failed to run database migrations")

	s.db = db
	s.jobRepo = NewJobRepository(s.db)
	s.ledgerRepo = NewLedgerRepository(s.db)
	s.trialRepo = NewTrialRepository(s.db)
	s.ctx = context.Background()
}

func (s *DBRepositoryTestSuite) TearDownTest() {
	sqlDB, err := s.db.DB()
	if err == nil && sqlDB != nil {
		_ = sqlDB.Close()
	}
}

func (s *DBRepositoryTestSuite) createProcessingJob(ownerID *string) *model.Job {
	job := &model.Job{
		ProcessID:     uuid.New().String(),
		ExternalJobID: "task-" + uuid.New().String()[:8],
		OwnerID:       ownerID,
		Status:        model.JobStatusProcessing,
	}
	s.Require().NoError(s.jobRepo.Create(s.ctx, job))
	return job
}

func strPtr(v string) *string {
	return &v
}
