package models

import "time"

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type                 string
	Priority             int
	Payload              map[string]any
	AffinityKey          string
	Repository           string
	RequiredCapabilities []string
	MaxAttempts          int
	CreatedBy            string
}

// ListJobsParams filters job listings.
type ListJobsParams struct {
	Status JobStatus
	Type   string
	Limit  int
}

// ClaimParams selects and leases the next eligible job.
//
// A nil AllowedTypes or AllowedRepositories means no restriction. A job is
// only eligible when its required capabilities are a subset of Capabilities.
type ClaimParams struct {
	WorkerID            string
	Lease               time.Duration
	AllowedTypes        []string
	AllowedRepositories []string
	Capabilities        []string
	LeaseRetryDelay     time.Duration
}

// FailParams reports a failed execution.
type FailParams struct {
	JobID      string
	WorkerID   string
	Message    string
	Retryable  bool
	RetryDelay time.Duration
}

// NewArtifact is the input for recording artifact metadata.
type NewArtifact struct {
	JobID       string
	WorkerID    string
	Name        string
	ContentType string
	SizeBytes   int64
	Digest      string
	StoragePath string
}

// ClaimResult is the outcome of one claim transaction. Job is nil when
// nothing was eligible or workers are paused. Requeued and DeadLettered count
// expired leases recovered during the same transaction.
type ClaimResult struct {
	Job          *Job
	Paused       bool
	Requeued     int
	DeadLettered int
}
