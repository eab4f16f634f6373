package models

import (
	"strings"
	"time"
)

// JobStatus enumerates lifecycle states persisted for queue jobs.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusRunning    JobStatus = "running"
	StatusSucceeded  JobStatus = "succeeded"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
	StatusDeadLetter JobStatus = "dead_letter"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusDeadLetter:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	return s == StatusQueued || s == StatusRunning || s.Terminal()
}

// Job is one unit of work claimed and executed by a worker.
type Job struct {
	ID                   string         `json:"id"`
	Type                 string         `json:"type"`
	Status               JobStatus      `json:"status"`
	Priority             int            `json:"priority"`
	Payload              map[string]any `json:"payload"`
	AffinityKey          *string        `json:"affinityKey,omitempty"`
	Repository           *string        `json:"repository,omitempty"`
	RequiredCapabilities []string       `json:"requiredCapabilities"`
	CreatedBy            *string        `json:"createdBy,omitempty"`
	ClaimedBy            *string        `json:"claimedBy,omitempty"`
	LeaseExpiresAt       *time.Time     `json:"leaseExpiresAt,omitempty"`
	Attempt              int            `json:"attempt"`
	MaxAttempts          int            `json:"maxAttempts"`
	NextAttemptAt        *time.Time     `json:"nextAttemptAt,omitempty"`
	ResultSummary        *string        `json:"resultSummary,omitempty"`
	ErrorMessage         *string        `json:"errorMessage,omitempty"`
	ArtifactsPath        *string        `json:"artifactsPath,omitempty"`
	CancelRequestedAt    *time.Time     `json:"cancelRequestedAt,omitempty"`
	CancelReason         *string        `json:"cancelReason,omitempty"`
	CreatedAt            time.Time      `json:"createdAt"`
	UpdatedAt            time.Time      `json:"updatedAt"`
	StartedAt            *time.Time     `json:"startedAt,omitempty"`
	FinishedAt           *time.Time     `json:"finishedAt,omitempty"`
}

// OwnedBy reports whether the job is currently claimed by workerID.
func (j Job) OwnedBy(workerID string) bool {
	return j.ClaimedBy != nil && *j.ClaimedBy == workerID
}

// Artifact is metadata for a file a worker stored outside the queue.
type Artifact struct {
	ID          string    `json:"id"`
	JobID       string    `json:"jobId"`
	Name        string    `json:"name"`
	ContentType *string   `json:"contentType,omitempty"`
	SizeBytes   int64     `json:"sizeBytes"`
	Digest      *string   `json:"digest,omitempty"`
	StoragePath string    `json:"storagePath"`
	CreatedAt   time.Time `json:"createdAt"`
}

// QueueCounts summarises the queue for drain decisions.
type QueueCounts struct {
	Queued       int64 `json:"queued"`
	Running      int64 `json:"running"`
	StaleRunning int64 `json:"staleRunning"`
}

// Drained reports whether no work is in flight.
func (c QueueCounts) Drained() bool {
	return c.Running == 0 && c.StaleRunning == 0
}

// ArtifactsRoot is the location prefix shared by a job's artifacts: the
// storage path with its final element removed.
func ArtifactsRoot(storagePath string) string {
	if i := strings.LastIndex(storagePath, "/"); i > 0 {
		return storagePath[:i]
	}
	return storagePath
}
