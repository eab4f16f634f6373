// Package memory is an in-process queue repository with the same transition
// rules as the Postgres store. It backs STORE_DRIVER=memory and the service
// and HTTP tests; state is lost on restart.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agent-queue/internal/models"
)

// Store holds every table behind one mutex so each operation is atomic.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	jobs        map[string]*models.Job
	seq         map[string]int64
	nextSeq     int64
	events      []models.JobEvent
	nextEventID int64
	artifacts   []models.Artifact
	creds       map[string]*models.WorkerCredential
	pause       models.PauseState
	control     []models.ControlEvent
}

type Option func(*Store)

// WithClock replaces time.Now, letting tests move past lease expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		now:   time.Now,
		jobs:  map[string]*models.Job{},
		seq:   map[string]int64{},
		creds: map[string]*models.WorkerCredential{},
	}
	for _, o := range opts {
		o(s)
	}
	s.pause = models.PauseState{Version: 1, UpdatedAt: s.now().UTC()}
	return s
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() {}

func (s *Store) CreateJob(_ context.Context, p models.CreateJobParams) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	payload := maps.Clone(p.Payload)
	if payload == nil {
		payload = map[string]any{}
	}
	caps := slices.Clone(p.RequiredCapabilities)
	if caps == nil {
		caps = []string{}
	}
	job := &models.Job{
		ID:                   uuid.New().String(),
		Type:                 p.Type,
		Status:               models.StatusQueued,
		Priority:             p.Priority,
		Payload:              payload,
		AffinityKey:          strPtr(p.AffinityKey),
		Repository:           strPtr(p.Repository),
		RequiredCapabilities: caps,
		CreatedBy:            strPtr(p.CreatedBy),
		Attempt:              1,
		MaxAttempts:          p.MaxAttempts,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	s.jobs[job.ID] = job
	s.nextSeq++
	s.seq[job.ID] = s.nextSeq
	return snapshot(job), nil
}

func (s *Store) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, models.JobNotFound(id)
	}
	return snapshot(job), nil
}

func (s *Store) ListJobs(_ context.Context, p models.ListJobsParams) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Job, 0)
	for _, job := range s.jobs {
		if p.Status != "" && job.Status != p.Status {
			continue
		}
		if p.Type != "" && job.Type != p.Type {
			continue
		}
		out = append(out, snapshot(job))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return s.seq[out[i].ID] > s.seq[out[j].ID]
	})
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

func (s *Store) QueueCounts(context.Context) (models.QueueCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var c models.QueueCounts
	for _, job := range s.jobs {
		switch {
		case job.Status == models.StatusQueued:
			c.Queued++
		case job.Status == models.StatusRunning && job.LeaseExpiresAt != nil && job.LeaseExpiresAt.Before(now):
			c.StaleRunning++
		case job.Status == models.StatusRunning:
			c.Running++
		}
	}
	return c, nil
}

func (s *Store) ClaimNext(_ context.Context, p models.ClaimParams) (models.ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pause.Paused {
		return models.ClaimResult{Paused: true}, nil
	}
	var res models.ClaimResult
	now := s.now().UTC()

	for _, job := range s.sortedJobs() {
		if job.Status != models.StatusRunning || job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.Before(now) {
			continue
		}
		previous := job.ClaimedBy
		next, bump := job.ExpiryOutcome()
		job.Status = next
		job.Attempt += bump
		job.ClaimedBy = nil
		job.LeaseExpiresAt = nil
		job.UpdatedAt = now
		if next == models.StatusQueued {
			job.NextAttemptAt = after(now, p.LeaseRetryDelay)
			res.Requeued++
		} else {
			job.FinishedAt = &now
			msg := models.LeaseExpiredMessage
			job.ErrorMessage = &msg
			res.DeadLettered++
		}
		s.appendLocked(models.ExpiryEvent(*job, previous))
	}

	var best *models.Job
	for _, job := range s.sortedJobs() {
		if !eligible(job, p, now) {
			continue
		}
		best = job
		break
	}
	if best == nil {
		return res, nil
	}

	lease := now.Add(p.Lease)
	worker := p.WorkerID
	best.Status = models.StatusRunning
	best.ClaimedBy = &worker
	best.LeaseExpiresAt = &lease
	best.NextAttemptAt = nil
	best.UpdatedAt = now
	if best.StartedAt == nil {
		best.StartedAt = &now
	}
	s.appendLocked(models.NewEvent{
		JobID:   best.ID,
		Level:   models.LevelInfo,
		Message: "Job claimed",
		Payload: map[string]any{"workerId": worker, "attempt": best.Attempt, "leaseExpiresAt": best.LeaseExpiresAt},
	})
	job := snapshot(best)
	res.Job = &job
	return res, nil
}

// sortedJobs returns jobs in claim order: priority, then age, then insertion.
func (s *Store) sortedJobs() []*models.Job {
	out := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return s.seq[a.ID] < s.seq[b.ID]
	})
	return out
}

func eligible(job *models.Job, p models.ClaimParams, now time.Time) bool {
	if job.Status != models.StatusQueued {
		return false
	}
	if job.NextAttemptAt != nil && job.NextAttemptAt.After(now) {
		return false
	}
	if len(p.AllowedTypes) > 0 && !slices.Contains(p.AllowedTypes, job.Type) {
		return false
	}
	if len(p.AllowedRepositories) > 0 && (job.Repository == nil || !slices.Contains(p.AllowedRepositories, *job.Repository)) {
		return false
	}
	for _, c := range job.RequiredCapabilities {
		if !slices.Contains(p.Capabilities, c) {
			return false
		}
	}
	return true
}

func (s *Store) Heartbeat(_ context.Context, jobID, workerID string, lease time.Duration) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.ownedLocked(jobID, workerID)
	if err != nil {
		return models.Job{}, err
	}
	now := s.now().UTC()
	expires := now.Add(lease)
	job.LeaseExpiresAt = &expires
	job.UpdatedAt = now
	return snapshot(job), nil
}

func (s *Store) Complete(_ context.Context, jobID, workerID, summary string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.ownedLocked(jobID, workerID)
	if err != nil {
		return models.Job{}, err
	}
	now := s.now().UTC()
	job.Status = models.StatusSucceeded
	job.ResultSummary = strPtr(summary)
	job.ErrorMessage = nil
	job.ClaimedBy = nil
	job.LeaseExpiresAt = nil
	job.NextAttemptAt = nil
	job.FinishedAt = &now
	job.UpdatedAt = now
	s.appendLocked(models.NewEvent{
		JobID:   jobID,
		Level:   models.LevelInfo,
		Message: "Job completed",
		Payload: map[string]any{"workerId": workerID, "attempt": job.Attempt},
	})
	return snapshot(job), nil
}

func (s *Store) Fail(_ context.Context, p models.FailParams) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.ownedLocked(p.JobID, p.WorkerID)
	if err != nil {
		return models.Job{}, err
	}
	now := s.now().UTC()
	failedAttempt := job.Attempt
	next, bump := job.FailureOutcome(p.Retryable)
	job.Status = next
	job.Attempt += bump
	msg := p.Message
	job.ErrorMessage = &msg
	job.ClaimedBy = nil
	job.LeaseExpiresAt = nil
	job.UpdatedAt = now
	if next == models.StatusQueued {
		job.NextAttemptAt = after(now, p.RetryDelay)
		job.FinishedAt = nil
	} else {
		job.NextAttemptAt = nil
		job.FinishedAt = &now
	}
	s.appendLocked(models.FailureEvent(*job, failedAttempt, p))
	return snapshot(job), nil
}

func (s *Store) Cancel(_ context.Context, jobID, reason, actor string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return models.Job{}, models.JobNotFound(jobID)
	}
	now := s.now().UTC()
	payload := map[string]any{"reason": reason, "actor": strPtr(actor)}
	switch job.Status {
	case models.StatusCancelled:
		return snapshot(job), nil
	case models.StatusQueued:
		if job.CancelRequestedAt == nil {
			job.CancelRequestedAt = &now
		}
		job.Status = models.StatusCancelled
		job.CancelReason = &reason
		job.NextAttemptAt = nil
		job.FinishedAt = &now
		job.UpdatedAt = now
		s.appendLocked(models.NewEvent{JobID: jobID, Level: models.LevelWarn, Message: "Job cancelled", Payload: payload})
	case models.StatusRunning:
		if job.CancelRequestedAt != nil {
			return snapshot(job), nil
		}
		job.CancelRequestedAt = &now
		job.CancelReason = &reason
		job.UpdatedAt = now
		payload["workerId"] = job.ClaimedBy
		s.appendLocked(models.NewEvent{JobID: jobID, Level: models.LevelWarn, Message: "Cancellation requested", Payload: payload})
	default:
		return models.Job{}, models.Conflictf("job %s is %s and cannot be cancelled", jobID, job.Status)
	}
	return snapshot(job), nil
}

func (s *Store) AckCancel(_ context.Context, jobID, workerID string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.ownedLocked(jobID, workerID)
	if err != nil {
		return models.Job{}, err
	}
	if job.CancelRequestedAt == nil {
		return models.Job{}, models.Conflictf("job %s has no pending cancellation", jobID)
	}
	now := s.now().UTC()
	job.Status = models.StatusCancelled
	job.ClaimedBy = nil
	job.LeaseExpiresAt = nil
	job.FinishedAt = &now
	job.UpdatedAt = now
	s.appendLocked(models.NewEvent{
		JobID:   jobID,
		Level:   models.LevelWarn,
		Message: "Job cancelled by worker",
		Payload: map[string]any{"workerId": workerID, "reason": job.CancelReason},
	})
	return snapshot(job), nil
}

func (s *Store) ownedLocked(jobID, workerID string) (*models.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, models.JobNotFound(jobID)
	}
	if err := models.CheckOwned(*job, workerID); err != nil {
		return nil, err
	}
	return job, nil
}

// snapshot copies job so callers never share its map or slices with the store.
func snapshot(job *models.Job) models.Job {
	out := *job
	out.Payload = maps.Clone(job.Payload)
	out.RequiredCapabilities = slices.Clone(job.RequiredCapabilities)
	return out
}

func strPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func after(now time.Time, d time.Duration) *time.Time {
	if d <= 0 {
		return nil
	}
	t := now.Add(d)
	return &t
}
