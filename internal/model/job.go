package model

import "time"

// JobStatus is the local job state, distinct from the separation
// service's own status vocabulary which is translated at the client
// boundary.
type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"

	// JobStatusError is a view-only state returned when talking to the
	// separation service fails transiently. It is never persisted; the
	// stored job stays in processing so the caller's poll loop retries.
	JobStatusError JobStatus = "error"
)

// Job represents one user-visible separation request. The process ID is
// generated locally at submission and is the only handle the caller sees.
type Job struct {
	ProcessID            string     `gorm:"primaryKey;size:36" json:"processId"`
	ExternalJobID        string     `gorm:"size:128" json:"-"`
	OwnerID              *string    `gorm:"size:128;index" json:"ownerId,omitempty"`
	Status               JobStatus  `gorm:"size:16;index" json:"status"`
	VocalTrackURL        string     `json:"-"`
	InstrumentalTrackURL string     `json:"-"`
	Error                *string    `json:"error,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	CompletedAt          *time.Time `json:"completedAt,omitempty"`
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// SubmitRequest is the body for POST /api/separation/submit.
type SubmitRequest struct {
	SourceRef   string `json:"sourceRef" validate:"required"`
	TrialBypass string `json:"trialBypass,omitempty"`
}

// SubmitResponse is returned as soon as the remote job has been created
// (or its creation has failed); it never waits for separation itself.
type SubmitResponse struct {
	ProcessID string    `json:"processId"`
	Status    JobStatus `json:"status"`
	Error     *string   `json:"error,omitempty"`
}

// ResultRefs references the two derived tracks of a completed job.
type ResultRefs struct {
	PrimaryVocalTrack string `json:"primaryVocalTrack"`
	InstrumentalTrack string `json:"instrumentalTrack"`
}

// StatusResponse is the view returned by GET /api/separation/status.
type StatusResponse struct {
	ProcessID   string      `json:"processId"`
	Status      JobStatus   `json:"status"`
	Result      *ResultRefs `json:"result,omitempty"`
	Error       *string     `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}
