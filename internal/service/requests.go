package service

import "agent-queue/internal/models"

// Request and response shapes shared by the REST and MCP transports.

type EnqueueRequest struct {
	Type                 string         `json:"type"`
	Priority             int            `json:"priority"`
	Payload              map[string]any `json:"payload"`
	AffinityKey          string         `json:"affinityKey"`
	MaxAttempts          int            `json:"maxAttempts"`
	RequiredCapabilities []string       `json:"requiredCapabilities"`
	CreatedBy            string         `json:"createdBy"`
}

type ListJobsRequest struct {
	Status string `json:"status"`
	Type   string `json:"type"`
	Limit  int    `json:"limit"`
}

type ClaimRequest struct {
	WorkerID           string   `json:"workerId"`
	LeaseSeconds       int      `json:"leaseSeconds"`
	AllowedTypes       []string `json:"allowedTypes"`
	WorkerCapabilities []string `json:"workerCapabilities"`
}

// ClaimResponse always carries the pause snapshot, even when Job is nil.
type ClaimResponse struct {
	Job    *models.Job       `json:"job"`
	System models.PauseState `json:"system"`
}

type HeartbeatRequest struct {
	WorkerID     string `json:"workerId"`
	LeaseSeconds int    `json:"leaseSeconds"`
}

type HeartbeatResponse struct {
	Job    models.Job        `json:"job"`
	System models.PauseState `json:"system"`
}

type CompleteRequest struct {
	WorkerID      string `json:"workerId"`
	ResultSummary string `json:"resultSummary"`
}

type FailRequest struct {
	WorkerID     string `json:"workerId"`
	ErrorMessage string `json:"errorMessage"`
	Retryable    bool   `json:"retryable"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type CancelAckRequest struct {
	WorkerID string `json:"workerId"`
	Message  string `json:"message"`
}

type AppendEventRequest struct {
	WorkerID string            `json:"workerId"`
	Level    models.EventLevel `json:"level"`
	Message  string            `json:"message"`
	Payload  map[string]any    `json:"payload"`
}

type ListEventsRequest struct {
	After models.Cursor `json:"after"`
	Limit int           `json:"limit"`
}

type ArtifactRequest struct {
	WorkerID    string `json:"workerId"`
	Name        string `json:"name"`
	StoragePath string `json:"storagePath"`
	SizeBytes   int64  `json:"sizeBytes"`
	ContentType string `json:"contentType"`
	Digest      string `json:"digest"`
}

type PauseRequest struct {
	Action      models.PauseAction `json:"action"`
	Mode        models.PauseMode   `json:"mode"`
	Reason      string             `json:"reason"`
	ForceResume bool               `json:"forceResume"`
}

type DrainMetrics struct {
	Queued       int64 `json:"queued"`
	Running      int64 `json:"running"`
	StaleRunning int64 `json:"staleRunning"`
	IsDrained    bool  `json:"isDrained"`
}

type PauseAudit struct {
	Latest []models.ControlEvent `json:"latest"`
}

// PauseSnapshot is the operator view of the pause control plane.
type PauseSnapshot struct {
	System  models.PauseState `json:"system"`
	Metrics DrainMetrics      `json:"metrics"`
	Audit   PauseAudit        `json:"audit"`
}

type PauseResult struct {
	PauseSnapshot
	Changed      bool `json:"changed"`
	ForcedResume bool `json:"forcedResume"`
}

type CreateCredentialRequest struct {
	WorkerID            string   `json:"workerId"`
	Description         string   `json:"description"`
	AllowedRepositories []string `json:"allowedRepositories"`
	AllowedJobTypes     []string `json:"allowedJobTypes"`
	Capabilities        []string `json:"capabilities"`
}

// IssuedCredential returns the raw token exactly once.
type IssuedCredential struct {
	Credential models.WorkerCredential `json:"credential"`
	Token      string                  `json:"token"`
}

// EventsPage is one cursor page of job events. NextCursor is the cursor to
// pass as After for the following page.
type EventsPage struct {
	Events     []models.JobEvent `json:"events"`
	NextCursor models.Cursor     `json:"nextCursor"`
}

// NewEventsPage builds a page for events read after the given cursor.
func NewEventsPage(events []models.JobEvent, after models.Cursor) EventsPage {
	next := after
	if n := len(events); n > 0 {
		next = events[n-1].Cursor()
	}
	if events == nil {
		events = []models.JobEvent{}
	}
	return EventsPage{Events: events, NextCursor: next}
}
