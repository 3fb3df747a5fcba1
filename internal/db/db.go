// Package db owns the database connection and schema migration.
package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/splitvox/api/internal/config"
	"github.com/splitvox/api/internal/model"
)

// Connect opens the Postgres connection used by all repositories.
func Connect(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	gormDB, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return gormDB, nil
}

// Migrate creates or updates the schema for all owned entities.
func Migrate(gormDB *gorm.DB) error {
	return gormDB.AutoMigrate(
		&model.Job{},
		&model.CreditBalance{},
		&model.CreditTransaction{},
		&model.FreeTrialUsage{},
	)
}
