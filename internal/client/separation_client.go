package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/splitvox/api/internal/config"
)

// Error taxonomy for the separation service boundary. Everything the
// orchestrator sees is one of these; vendor-specific shapes never cross
// this package.
var (
	// ErrValidation marks a bad source reference. No side effects.
	ErrValidation = errors.New("invalid source reference")
	// ErrUpload marks a failure making the source bytes reachable.
	ErrUpload = errors.New("source transfer failed")
	// ErrSubmission marks the remote service rejecting job creation.
	ErrSubmission = errors.New("separation job rejected")
	// ErrRemoteUnavailable marks transient transport failures. Callers
	// retry; it never produces a terminal job state.
	ErrRemoteUnavailable = errors.New("separation service unavailable")
	// ErrResultIncomplete marks a job the remote reports as succeeded
	// while one of the two expected artifacts is missing. Not success.
	ErrResultIncomplete = errors.New("separation result incomplete")
)

// RemoteState is the canonical three-state view of a remote job.
type RemoteState string

const (
	RemoteStateRunning   RemoteState = "running"
	RemoteStateSucceeded RemoteState = "succeeded"
	RemoteStateFailed    RemoteState = "failed"
)

// SeparationStatus is the canonicalized poll result.
type SeparationStatus struct {
	State           RemoteState
	VocalURL        string
	InstrumentalURL string
	Message         string
}

// StemSeparator defines the operations the orchestrator needs from the
// remote separation service.
type StemSeparator interface {
	Start(ctx context.Context, sourceRef string) (string, error)
	Poll(ctx context.Context, externalJobID string) (*SeparationStatus, error)
	FetchArtifact(ctx context.Context, artifactURL string) ([]byte, error)
	Cancel(ctx context.Context, externalJobID string) error
}

// SeparationClient implements StemSeparator against the hosted
// separation API. Stateless; all state lives with the remote service
// and in the local job store.
type SeparationClient struct {
	httpClient     *http.Client
	downloadClient *http.Client
	baseURL        string
	apiKey         string
	storage        StorageClient
}

// NewSeparationClient creates a new separation API client. storage may
// be nil; it is only needed to resolve non-URL source handles.
func NewSeparationClient(cfg *config.SeparationConfig, storage StorageClient) *SeparationClient {
	return &SeparationClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeout) * time.Second,
		},
		downloadClient: &http.Client{
			Timeout: time.Duration(cfg.DownloadTimeout) * time.Second,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		storage: storage,
	}
}

type separateRequest struct {
	AudioURL string `json:"audio_url"`
}

type separateResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type separationStatusResponse struct {
	TaskID  string            `json:"task_id"`
	Status  string            `json:"status"`
	Results map[string]string `json:"results,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// ValidateSourceRef checks a source reference without side effects.
// A source ref is either an http(s) URL or an object storage key.
func ValidateSourceRef(sourceRef string) error {
	ref := strings.TrimSpace(sourceRef)
	if ref == "" {
		return fmt.Errorf("%w: empty", ErrValidation)
	}
	if isHTTPRef(ref) {
		u, err := url.Parse(ref)
		if err != nil || u.Host == "" {
			return fmt.Errorf("%w: malformed URL %q", ErrValidation, sourceRef)
		}
	}
	return nil
}

func isHTTPRef(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// Start creates a remote separation job for the given source and
// returns the vendor-assigned job ID.
func (c *SeparationClient) Start(ctx context.Context, sourceRef string) (string, error) {
	if err := ValidateSourceRef(sourceRef); err != nil {
		return "", err
	}

	sourceURL := strings.TrimSpace(sourceRef)
	if !isHTTPRef(sourceURL) {
		// Storage handle from the upload layer: the vendor fetches by
		// URL, so presign it.
		if c.storage == nil || !c.storage.IsConfigured() {
			return "", fmt.Errorf("%w: no storage configured to resolve handle %q", ErrUpload, sourceRef)
		}
		signed, err := c.storage.Presign(ctx, sourceURL, time.Hour)
		if err != nil {
			return "", fmt.Errorf("%w: presigning %q: %v", ErrUpload, sourceRef, err)
		}
		sourceURL = signed
	}

	var result separateResponse
	if err := c.post(ctx, "/v1/audio/separate", &separateRequest{AudioURL: sourceURL}, &result); err != nil {
		return "", err
	}
	if result.TaskID == "" {
		return "", fmt.Errorf("%w: response carried no task id", ErrSubmission)
	}
	return result.TaskID, nil
}

// Poll retrieves the remote job state, translated into the canonical
// vocabulary. All vendor status and artifact-name drift is absorbed
// here so the orchestrator only ever sees the three canonical states.
func (c *SeparationClient) Poll(ctx context.Context, externalJobID string) (*SeparationStatus, error) {
	endpoint := fmt.Sprintf("/v1/audio/separate/%s", url.PathEscape(externalJobID))
	var result separationStatusResponse
	if err := c.get(ctx, endpoint, &result); err != nil {
		return nil, err
	}

	state := translateRemoteStatus(result.Status)
	vocalURL, instrumentalURL := canonicalArtifacts(result.Results)

	switch state {
	case RemoteStateSucceeded:
		if vocalURL == "" || instrumentalURL == "" {
			log.Printf("[Separation API] task %s reported succeeded with incomplete results (vocal=%t instrumental=%t)",
				externalJobID, vocalURL != "", instrumentalURL != "")
			return nil, fmt.Errorf("%w: task %s", ErrResultIncomplete, externalJobID)
		}
		return &SeparationStatus{
			State:           RemoteStateSucceeded,
			VocalURL:        vocalURL,
			InstrumentalURL: instrumentalURL,
		}, nil
	case RemoteStateFailed:
		msg := result.Error
		if msg == "" {
			msg = fmt.Sprintf("separation failed with status %q", result.Status)
		}
		return &SeparationStatus{State: RemoteStateFailed, Message: msg}, nil
	default:
		if vocalURL != "" || instrumentalURL != "" {
			// Partial results can show up before the terminal status.
			log.Printf("[Separation API] task %s still running with partial results", externalJobID)
		}
		return &SeparationStatus{State: RemoteStateRunning}, nil
	}
}

// FetchArtifact downloads a single result artifact. An empty body is a
// failure: the vendor occasionally 200s with nothing attached.
func (c *SeparationClient) FetchArtifact(ctx context.Context, artifactURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: artifact download: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: artifact download status %d", ErrRemoteUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading artifact body: %v", ErrRemoteUnavailable, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: artifact body empty", ErrRemoteUnavailable)
	}
	return body, nil
}

// Cancel deletes the remote job. Best-effort: callers log failures and
// never let them block a caller-visible result.
func (c *SeparationClient) Cancel(ctx context.Context, externalJobID string) error {
	endpoint := fmt.Sprintf("%s/v1/audio/separate/%s", c.baseURL, url.PathEscape(externalJobID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("delete returned status %d", resp.StatusCode)
	}
	return nil
}

// translateRemoteStatus maps the vendor's status vocabulary, including
// legacy synonyms, onto the canonical three states. Unknown statuses
// are treated as still running so the poll loop keeps retrying.
func translateRemoteStatus(status string) RemoteState {
	switch strings.ToLower(status) {
	case "completed", "complete", "success", "succeeded":
		return RemoteStateSucceeded
	case "failed", "error":
		return RemoteStateFailed
	case "pending", "queued", "processing", "running":
		return RemoteStateRunning
	default:
		log.Printf("[Separation API] unknown remote status %q, treating as running", status)
		return RemoteStateRunning
	}
}

// canonicalArtifacts resolves the vendor's artifact-name drift (the API
// has renamed both stems over time) onto the two canonical tracks.
func canonicalArtifacts(results map[string]string) (vocalURL, instrumentalURL string) {
	for _, name := range []string{"vocals", "vocal", "voice"} {
		if u := results[name]; u != "" {
			vocalURL = u
			break
		}
	}
	for _, name := range []string{"instrumental", "accompaniment", "backing", "no_vocals"} {
		if u := results[name]; u != "" {
			instrumentalURL = u
			break
		}
	}
	return vocalURL, instrumentalURL
}

// post sends a POST request with JSON body
func (c *SeparationClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result, ErrSubmission)
}

// get sends a GET request and parses JSON response
func (c *SeparationClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result, ErrRemoteUnavailable)
}

// doRequest executes an HTTP request and parses the response. rejectErr
// is the taxonomy error a 4xx/5xx maps to; transport failures are
// always ErrRemoteUnavailable.
func (c *SeparationClient) doRequest(req *http.Request, result interface{}, rejectErr error) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	log.Printf("[Separation API] → %s %s", req.Method, req.URL.Path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[Separation API] ✗ %s %s — request failed: %v", req.Method, req.URL.Path, err)
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("[Separation API] ✗ %s %s — failed to read response: %v", req.Method, req.URL.Path, err)
		return fmt.Errorf("%w: reading response: %v", ErrRemoteUnavailable, err)
	}

	log.Printf("[Separation API] ← %d %s %s", resp.StatusCode, req.Method, req.URL.Path)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d: %s", rejectErr, resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		log.Printf("[Separation API] ✗ unmarshal error for %s %s: %v", req.Method, req.URL.Path, err)
		return fmt.Errorf("%w: unmarshal response: %v", ErrRemoteUnavailable, err)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *SeparationClient) IsConfigured() bool {
	return c.apiKey != "" && c.baseURL != ""
}
