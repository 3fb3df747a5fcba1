package repos

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/splitvox/api/internal/model"
)

// TrialRepository records anonymous free-trial consumption, keyed by
// client fingerprint.
type TrialRepository struct {
	db *gorm.DB
}

// NewTrialRepository creates a new trial repository instance.
func NewTrialRepository(db *gorm.DB) *TrialRepository {
	return &TrialRepository{db: db}
}

// Consume atomically claims the free trial for a fingerprint. Returns
// true when this call claimed it, false when it was already used. The
// insert-if-absent on the primary key makes two concurrent anonymous
// submissions from the same address resolve to a single grant.
func (r *TrialRepository) Consume(ctx context.Context, fingerprint, userAgent string) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.FreeTrialUsage{
			ClientFingerprint: fingerprint,
			UserAgent:         userAgent,
		})
	return res.RowsAffected == 1, res.Error
}

// Exists reports whether the trial has been consumed for a fingerprint.
func (r *TrialRepository) Exists(ctx context.Context, fingerprint string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.FreeTrialUsage{}).
		Where("client_fingerprint = ?", fingerprint).
		Count(&count).Error
	return count > 0, err
}
