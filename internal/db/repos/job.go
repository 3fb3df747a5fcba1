package repos

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/splitvox/api/internal/model"
)

// ErrJobNotFound is returned when no job exists for a process ID.
var ErrJobNotFound = errors.New("job not found")

// JobRepository provides access to job records. The job table is the
// shared source of truth for status polls, so any instance can answer a
// poll regardless of which instance handled the submission.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new job repository instance.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create persists a new job record.
func (r *JobRepository) Create(ctx context.Context, job *model.Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetByProcessID retrieves a job by its process ID.
func (r *JobRepository) GetByProcessID(ctx context.Context, processID string) (*model.Job, error) {
	var job model.Job
	err := r.db.WithContext(ctx).Where("process_id = ?", processID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkCompleted transitions a job to completed with its result refs.
// The update is conditional on the job still being in processing, so
// concurrent polls racing on the same success observation resolve to a
// single winner. Returns true only for the poll that won the transition.
func (r *JobRepository) MarkCompleted(ctx context.Context, processID, vocalURL, instrumentalURL string) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&model.Job{}).
		Where("process_id = ? AND status = ?", processID, model.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":                 model.JobStatusCompleted,
			"vocal_track_url":        vocalURL,
			"instrumental_track_url": instrumentalURL,
			"completed_at":           now,
		})
	return res.RowsAffected == 1, res.Error
}

// MarkFailed transitions a job to failed with the vendor's message,
// with the same first-writer-wins semantics as MarkCompleted.
func (r *JobRepository) MarkFailed(ctx context.Context, processID, errMsg string) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&model.Job{}).
		Where("process_id = ? AND status = ?", processID, model.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":       model.JobStatusFailed,
			"error":        errMsg,
			"completed_at": now,
		})
	return res.RowsAffected == 1, res.Error
}

// ListTerminalBefore returns completed and failed jobs older than the
// cutoff, for artifact cleanup ahead of deletion.
func (r *JobRepository) ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]model.Job, error) {
	var jobs []model.Job
	err := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", []model.JobStatus{model.JobStatusCompleted, model.JobStatusFailed}, cutoff).
		Find(&jobs).Error
	return jobs, err
}

// DeleteTerminalBefore reaps completed and failed jobs older than the
// cutoff. Called by the scheduled maintenance task, never the poll path.
func (r *JobRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", []model.JobStatus{model.JobStatusCompleted, model.JobStatusFailed}, cutoff).
		Delete(&model.Job{})
	return res.RowsAffected, res.Error
}
