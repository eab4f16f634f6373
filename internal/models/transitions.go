package models

import "fmt"

// LeaseExpiredMessage is recorded on jobs dead-lettered by lease maintenance.
const LeaseExpiredMessage = "Lease expired and max attempts reached before reclaim."

// FailureOutcome picks the status a failed running job moves to and how much
// its attempt counter grows. A pending cancel request wins over retry.
func (j Job) FailureOutcome(retryable bool) (JobStatus, int) {
	switch {
	case j.CancelRequestedAt != nil:
		return StatusCancelled, 0
	case !retryable:
		return StatusFailed, 0
	case j.Attempt < j.MaxAttempts:
		return StatusQueued, 1
	default:
		return StatusDeadLetter, 0
	}
}

// ExpiryOutcome is FailureOutcome for a lease that ran out.
func (j Job) ExpiryOutcome() (JobStatus, int) {
	if j.Attempt < j.MaxAttempts {
		return StatusQueued, 1
	}
	return StatusDeadLetter, 0
}

// FailureEvent describes the transition of job after a failure report for
// failedAttempt.
func FailureEvent(job Job, failedAttempt int, p FailParams) NewEvent {
	payload := map[string]any{
		"workerId":    p.WorkerID,
		"attempt":     failedAttempt,
		"maxAttempts": job.MaxAttempts,
		"retryable":   p.Retryable,
		"error":       p.Message,
	}
	ev := NewEvent{JobID: job.ID, Level: LevelError, Payload: payload}
	switch job.Status {
	case StatusQueued:
		ev.Level = LevelWarn
		ev.Message = "Job failed; retry scheduled"
		payload["nextAttemptAt"] = job.NextAttemptAt
	case StatusDeadLetter:
		ev.Message = fmt.Sprintf("Job dead-lettered: max attempts (%d) reached", job.MaxAttempts)
	case StatusCancelled:
		ev.Level = LevelWarn
		ev.Message = "Job cancelled after failure; cancellation was requested"
	default:
		ev.Message = "Job failed"
	}
	return ev
}

// ExpiryEvent describes what lease maintenance did to job.
func ExpiryEvent(job Job, previousOwner *string) NewEvent {
	payload := map[string]any{
		"previousWorkerId": previousOwner,
		"attempt":          job.Attempt,
		"maxAttempts":      job.MaxAttempts,
		"reason":           "lease_expired",
	}
	if job.Status == StatusQueued {
		payload["nextAttemptAt"] = job.NextAttemptAt
		return NewEvent{JobID: job.ID, Level: LevelWarn, Message: "Lease expired; job requeued", Payload: payload}
	}
	return NewEvent{JobID: job.ID, Level: LevelError, Message: "Job dead-lettered: " + LeaseExpiredMessage, Payload: payload}
}
