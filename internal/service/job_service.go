package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/splitvox/api/internal/client"
	"github.com/splitvox/api/internal/db/repos"
	"github.com/splitvox/api/internal/model"
	"github.com/splitvox/api/internal/websocket"
	"github.com/splitvox/api/internal/worker"
)

// JobService owns the separation job lifecycle: entitlement-gated
// submission, caller-driven status polling that advances jobs toward
// their terminal states, and the single post-success credit debit.
type JobService struct {
	jobs        *repos.JobRepository
	ledger      *repos.LedgerRepository
	entitlement *EntitlementService
	separator   client.StemSeparator
	storage     client.StorageClient // optional; nil passes vendor URLs through
	cache       *redis.Client        // optional read-through cache for terminal views
	tasks       *asynq.Client        // optional; nil falls back to inline cleanup
	hub         *websocket.Hub       // optional status push

	failOnDebitError bool
	cacheTTL         time.Duration

	mu         sync.Mutex
	finalizing map[string]*sync.Mutex
}

// NewJobService creates a new job orchestrator. storage, cache, tasks
// and hub may each be nil; the service degrades gracefully without them.
func NewJobService(
	jobs *repos.JobRepository,
	ledger *repos.LedgerRepository,
	entitlement *EntitlementService,
	separator client.StemSeparator,
	storage client.StorageClient,
	cache *redis.Client,
	tasks *asynq.Client,
	hub *websocket.Hub,
	failOnDebitError bool,
	cacheTTL time.Duration,
) *JobService {
	return &JobService{
		jobs:             jobs,
		ledger:           ledger,
		entitlement:      entitlement,
		separator:        separator,
		storage:          storage,
		cache:            cache,
		tasks:            tasks,
		hub:              hub,
		failOnDebitError: failOnDebitError,
		cacheTTL:         cacheTTL,
		finalizing:       make(map[string]*sync.Mutex),
	}
}

// Submit runs the entitlement gate, starts a remote separation job and
// persists the local job record. It blocks on job creation only, never
// on the separation itself. A process ID is never returned without a
// corresponding job record: when remote creation fails, a failed job is
// persisted first so later polls answer deterministically.
func (s *JobService) Submit(ctx context.Context, ownerID *string, req *model.SubmitRequest, fingerprint, userAgent string) (*model.SubmitResponse, error) {
	// Validate before the gate so a malformed request cannot consume
	// an anonymous caller's only trial.
	if err := client.ValidateSourceRef(req.SourceRef); err != nil {
		return nil, err
	}

	if err := s.entitlement.Check(ctx, ownerID, fingerprint, userAgent, req.TrialBypass); err != nil {
		return nil, err
	}

	processID := uuid.New().String()

	externalJobID, err := s.separator.Start(ctx, req.SourceRef)
	if err != nil {
		msg := err.Error()
		now := time.Now()
		job := &model.Job{
			ProcessID:   processID,
			OwnerID:     ownerID,
			Status:      model.JobStatusFailed,
			Error:       &msg,
			CompletedAt: &now,
		}
		if cerr := s.jobs.Create(ctx, job); cerr != nil {
			return nil, fmt.Errorf("failed to save job: %w", cerr)
		}
		log.Printf("[Jobs] submission %s failed at remote job creation: %v", processID, err)
		return &model.SubmitResponse{
			ProcessID: processID,
			Status:    model.JobStatusFailed,
			Error:     &msg,
		}, nil
	}

	job := &model.Job{
		ProcessID:     processID,
		ExternalJobID: externalJobID,
		OwnerID:       ownerID,
		Status:        model.JobStatusProcessing,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		// The caller never sees this processID, so release the remote job.
		s.enqueueCleanup(processID, externalJobID)
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	log.Printf("[Jobs] submission %s started (remote task %s)", processID, externalJobID)
	return &model.SubmitResponse{ProcessID: processID, Status: model.JobStatusProcessing}, nil
}

// Status returns the current view of a job, advancing it toward a
// terminal state when the remote service has finished. Terminal jobs
// answer idempotently from the store (or cache) without touching the
// remote service, re-fetching artifacts or re-debiting credit.
func (s *JobService) Status(ctx context.Context, processID string) (*model.StatusResponse, error) {
	if view := s.cachedView(ctx, processID); view != nil {
		return view, nil
	}

	job, err := s.jobs.GetByProcessID(ctx, processID)
	if err != nil {
		return nil, err
	}
	if job.Terminal() {
		view := viewOf(job)
		s.cacheView(ctx, view)
		return view, nil
	}

	st, err := s.separator.Poll(ctx, job.ExternalJobID)
	if err != nil {
		// Transient by policy: an unreachable or misbehaving remote
		// must not flip the job to failed; the caller's loop retries.
		log.Printf("[Jobs] poll for %s returned transient error: %v", processID, err)
		if errors.Is(err, client.ErrResultIncomplete) {
			return transientView(job, "separation result incomplete"), nil
		}
		return transientView(job, "temporary failure reaching the separation service"), nil
	}

	switch st.State {
	case client.RemoteStateFailed:
		won, err := s.jobs.MarkFailed(ctx, processID, st.Message)
		if err != nil {
			return nil, err
		}
		if won {
			log.Printf("[Jobs] %s failed remotely: %s", processID, st.Message)
			s.afterTerminal(ctx, processID, job.ExternalJobID)
		}
		return s.storedView(ctx, processID)

	case client.RemoteStateSucceeded:
		vocalURL, instrumentalURL, err := s.storeArtifacts(ctx, processID, st)
		if err != nil {
			log.Printf("[Jobs] artifact retrieval for %s failed: %v", processID, err)
			return transientView(job, "failed to retrieve separation results"), nil
		}
		return s.finalizeSuccess(ctx, job, vocalURL, instrumentalURL)

	default:
		return viewOf(job), nil
	}
}

// storeArtifacts downloads both result tracks and, when storage is
// configured, re-homes them under this service's bucket so results
// outlive the vendor's retention window. Runs outside any lock.
func (s *JobService) storeArtifacts(ctx context.Context, processID string, st *client.SeparationStatus) (string, string, error) {
	vocalBytes, err := s.separator.FetchArtifact(ctx, st.VocalURL)
	if err != nil {
		return "", "", fmt.Errorf("vocal track: %w", err)
	}
	instrumentalBytes, err := s.separator.FetchArtifact(ctx, st.InstrumentalURL)
	if err != nil {
		return "", "", fmt.Errorf("instrumental track: %w", err)
	}

	if s.storage == nil || !s.storage.IsConfigured() {
		return st.VocalURL, st.InstrumentalURL, nil
	}

	vocalURL, err := s.storage.Upload(ctx, fmt.Sprintf("results/%s/vocals.mp3", processID),
		bytes.NewReader(vocalBytes), "audio/mpeg")
	if err != nil {
		return "", "", fmt.Errorf("storing vocal track: %w", err)
	}
	instrumentalURL, err := s.storage.Upload(ctx, fmt.Sprintf("results/%s/instrumental.mp3", processID),
		bytes.NewReader(instrumentalBytes), "audio/mpeg")
	if err != nil {
		return "", "", fmt.Errorf("storing instrumental track: %w", err)
	}
	return vocalURL, instrumentalURL, nil
}

// finalizeSuccess performs the completion side effects under a
// per-process guard: exactly one poll debits and transitions the job.
// Losers observe the now-terminal record and return it. The conditional
// status update in the store is the cross-instance backstop.
func (s *JobService) finalizeSuccess(ctx context.Context, job *model.Job, vocalURL, instrumentalURL string) (*model.StatusResponse, error) {
	lk := s.processLock(job.ProcessID)
	lk.Lock()
	defer lk.Unlock()

	current, err := s.jobs.GetByProcessID(ctx, job.ProcessID)
	if err != nil {
		return nil, err
	}
	if current.Terminal() {
		return viewOf(current), nil
	}

	debited := false
	complete := true
	failMsg := ""
	if job.OwnerID != nil {
		_, err := s.ledger.Adjust(ctx, *job.OwnerID, model.TransactionUse, 1, nil)
		switch {
		case err == nil:
			debited = true
		case errors.Is(err, repos.ErrInsufficientBalance):
			if s.failOnDebitError {
				complete = false
				failMsg = "credit balance exhausted before completion"
			} else {
				// Deliberate tradeoff: the separation already ran, so
				// deliver the result and surface the miss in the logs.
				log.Printf("[Jobs] WARNING: completing %s without debit, balance for %s raced to zero", job.ProcessID, *job.OwnerID)
			}
		default:
			log.Printf("[Jobs] WARNING: debit for %s errored, completing anyway: %v", job.ProcessID, err)
		}
	}

	var won bool
	if complete {
		won, err = s.jobs.MarkCompleted(ctx, job.ProcessID, vocalURL, instrumentalURL)
	} else {
		won, err = s.jobs.MarkFailed(ctx, job.ProcessID, failMsg)
	}
	if err != nil {
		return nil, err
	}
	if !won && debited {
		// Another instance finished first; reverse our debit.
		if _, rerr := s.ledger.Adjust(ctx, *job.OwnerID, model.TransactionPurchase, 1, nil); rerr != nil {
			log.Printf("[Jobs] WARNING: failed to reverse duplicate debit for %s: %v", job.ProcessID, rerr)
		}
	}
	if won {
		log.Printf("[Jobs] %s reached %s", job.ProcessID, map[bool]model.JobStatus{true: model.JobStatusCompleted, false: model.JobStatusFailed}[complete])
		s.afterTerminal(ctx, job.ProcessID, job.ExternalJobID)
		s.releaseLock(job.ProcessID)
	}

	return s.storedView(ctx, job.ProcessID)
}

// afterTerminal runs the side effects of a terminal transition:
// best-effort remote cleanup and a status push to subscribers.
func (s *JobService) afterTerminal(ctx context.Context, processID, externalJobID string) {
	if externalJobID != "" {
		s.enqueueCleanup(processID, externalJobID)
	}
	if s.hub != nil {
		if view, err := s.storedView(ctx, processID); err == nil {
			s.hub.BroadcastStatus(view)
		}
	}
}

// enqueueCleanup hands the remote-job delete to the maintenance worker.
// Cleanup never blocks or fails the caller-visible result; without a
// task queue it degrades to a fire-and-forget goroutine.
func (s *JobService) enqueueCleanup(processID, externalJobID string) {
	if s.tasks != nil {
		task, err := worker.NewRemoteCleanupTask(processID, externalJobID)
		if err == nil {
			if _, err = s.tasks.Enqueue(task, asynq.Queue(worker.QueueMaintenance), asynq.MaxRetry(2)); err == nil {
				return
			}
		}
		log.Printf("[Jobs] failed to enqueue cleanup for %s, falling back to inline delete: %v", processID, err)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.separator.Cancel(ctx, externalJobID); err != nil {
			log.Printf("[Cleanup] failed to delete remote task %s (process %s): %v", externalJobID, processID, err)
		}
	}()
}

func (s *JobService) storedView(ctx context.Context, processID string) (*model.StatusResponse, error) {
	job, err := s.jobs.GetByProcessID(ctx, processID)
	if err != nil {
		return nil, err
	}
	view := viewOf(job)
	if job.Terminal() {
		s.cacheView(ctx, view)
	}
	return view, nil
}

// cachedView is the read-through fast path for terminal views only;
// the store remains authoritative for everything in flight.
func (s *JobService) cachedView(ctx context.Context, processID string) *model.StatusResponse {
	if s.cache == nil {
		return nil
	}
	data, err := s.cache.Get(ctx, jobViewKey(processID)).Bytes()
	if err != nil {
		return nil
	}
	var view model.StatusResponse
	if err := json.Unmarshal(data, &view); err != nil {
		return nil
	}
	return &view
}

func (s *JobService) cacheView(ctx context.Context, view *model.StatusResponse) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(view)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, jobViewKey(view.ProcessID), data, s.cacheTTL).Err(); err != nil {
		log.Printf("[Jobs] failed to cache view for %s: %v", view.ProcessID, err)
	}
}

func jobViewKey(processID string) string {
	return fmt.Sprintf("job:view:%s", processID)
}

func (s *JobService) processLock(processID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lk, ok := s.finalizing[processID]
	if !ok {
		lk = &sync.Mutex{}
		s.finalizing[processID] = lk
	}
	return lk
}

func (s *JobService) releaseLock(processID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.finalizing, processID)
}

func viewOf(job *model.Job) *model.StatusResponse {
	view := &model.StatusResponse{
		ProcessID:   job.ProcessID,
		Status:      job.Status,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
	if job.Status == model.JobStatusCompleted {
		view.Result = &model.ResultRefs{
			PrimaryVocalTrack: job.VocalTrackURL,
			InstrumentalTrack: job.InstrumentalTrackURL,
		}
	}
	return view
}

// transientView reports a poll that could not reach a conclusion. The
// stored job is untouched; the status is the view-only error state so
// the caller's loop retries instead of giving up.
func transientView(job *model.Job, msg string) *model.StatusResponse {
	return &model.StatusResponse{
		ProcessID: job.ProcessID,
		Status:    model.JobStatusError,
		Error:     &msg,
		CreatedAt: job.CreatedAt,
	}
}
