package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/splitvox/api/internal/client"
	"github.com/splitvox/api/internal/db/repos"
)

const (
	// TaskTypeRemoteCleanup releases a finished job on the remote
	// separation service.
	TaskTypeRemoteCleanup = "separation:cleanup"

	// TaskTypeJobReap deletes terminal jobs past their retention window.
	TaskTypeJobReap = "jobs:reap"

	// QueueMaintenance is the asynq queue for housekeeping tasks.
	QueueMaintenance = "maintenance"
)

type remoteCleanupPayload struct {
	ProcessID     string `json:"processId"`
	ExternalJobID string `json:"externalJobId"`
}

// NewRemoteCleanupTask builds the cleanup task for a terminal job.
func NewRemoteCleanupTask(processID, externalJobID string) (*asynq.Task, error) {
	payload, err := json.Marshal(remoteCleanupPayload{
		ProcessID:     processID,
		ExternalJobID: externalJobID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cleanup payload: %w", err)
	}
	return asynq.NewTask(TaskTypeRemoteCleanup, payload), nil
}

// NewJobReapTask builds the periodic reap task.
func NewJobReapTask() *asynq.Task {
	return asynq.NewTask(TaskTypeJobReap, nil)
}

// MaintenanceWorker runs housekeeping: remote-side cleanup of finished
// separation jobs and reaping of expired local job rows together with
// their stored artifacts.
type MaintenanceWorker struct {
	jobs      *repos.JobRepository
	separator client.StemSeparator
	storage   client.StorageClient // optional; nil skips artifact deletion
	retention time.Duration
}

// NewMaintenanceWorker creates a new maintenance worker.
func NewMaintenanceWorker(jobs *repos.JobRepository, separator client.StemSeparator, storage client.StorageClient, retention time.Duration) *MaintenanceWorker {
	return &MaintenanceWorker{
		jobs:      jobs,
		separator: separator,
		storage:   storage,
		retention: retention,
	}
}

// HandleRemoteCleanup asks the remote service to release a finished
// job. Cleanup is best effort; a failure is logged with the external
// job ID and never retried past the task's retry budget.
func (w *MaintenanceWorker) HandleRemoteCleanup(ctx context.Context, t *asynq.Task) error {
	var payload remoteCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal cleanup payload: %w", err)
	}

	if w.separator == nil || payload.ExternalJobID == "" {
		return nil
	}

	if err := w.separator.Cancel(ctx, payload.ExternalJobID); err != nil {
		log.Printf("[Cleanup] Remote cleanup failed for job %s (process %s): %v",
			payload.ExternalJobID, payload.ProcessID, err)
		return err
	}

	log.Printf("[Cleanup] Released remote job %s (process %s)", payload.ExternalJobID, payload.ProcessID)
	return nil
}

// HandleJobReap deletes terminal jobs older than the retention window,
// removing their stored artifacts first.
func (w *MaintenanceWorker) HandleJobReap(ctx context.Context, t *asynq.Task) error {
	cutoff := time.Now().Add(-w.retention)

	if w.storage != nil && w.storage.IsConfigured() {
		expired, err := w.jobs.ListTerminalBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("failed to list expired jobs: %w", err)
		}
		for _, job := range expired {
			for _, key := range []string{
				fmt.Sprintf("results/%s/vocals.mp3", job.ProcessID),
				fmt.Sprintf("results/%s/instrumental.mp3", job.ProcessID),
			} {
				if err := w.storage.Delete(ctx, key); err != nil {
					log.Printf("[Cleanup] Failed to delete artifact %s: %v", key, err)
				}
			}
		}
	}

	deleted, err := w.jobs.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to reap jobs: %w", err)
	}

	if deleted > 0 {
		log.Printf("[Cleanup] Reaped %d terminal jobs older than %s", deleted, w.retention)
	}
	return nil
}
