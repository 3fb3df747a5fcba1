package model

// WebSocket message types
const (
	WSMessageTypeStatus = "status"
	WSMessageTypePing   = "ping"
	WSMessageTypePong   = "pong"
)

// WSMessage is the generic WebSocket envelope.
type WSMessage struct {
	Type string `json:"type"`
}

// WSStatusMessage pushes a job state transition to subscribers.
type WSStatusMessage struct {
	Type      string          `json:"type"`
	ProcessID string          `json:"processId"`
	Status    JobStatus       `json:"status"`
	Result    *ResultRefs     `json:"result,omitempty"`
	Error     *string         `json:"error,omitempty"`
}
