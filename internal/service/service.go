// Package service holds the queue business rules: validation, worker policy
// enforcement, retry backoff and the pause control plane. Transports call it;
// it calls the Repository.
package service

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"agent-queue/internal/config"
	"agent-queue/internal/models"
	"agent-queue/internal/telemetry"
)

// Repository is the persistence contract implemented by the Postgres and
// in-memory stores.
type Repository interface {
	CreateJob(ctx context.Context, p models.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, p models.ListJobsParams) ([]models.Job, error)
	QueueCounts(ctx context.Context) (models.QueueCounts, error)

	ClaimNext(ctx context.Context, p models.ClaimParams) (models.ClaimResult, error)
	Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) (models.Job, error)
	Complete(ctx context.Context, jobID, workerID, summary string) (models.Job, error)
	Fail(ctx context.Context, p models.FailParams) (models.Job, error)
	Cancel(ctx context.Context, jobID, reason, actor string) (models.Job, error)
	AckCancel(ctx context.Context, jobID, workerID string) (models.Job, error)

	AppendEvent(ctx context.Context, e models.NewEvent) (models.JobEvent, error)
	ListEvents(ctx context.Context, jobID string, after models.Cursor, limit int) ([]models.JobEvent, error)

	GetPauseState(ctx context.Context) (models.PauseState, error)
	SetPauseState(ctx context.Context, req models.PauseRequest) (models.PauseState, bool, error)
	ListControlEvents(ctx context.Context, limit int) ([]models.ControlEvent, error)

	CreateCredential(ctx context.Context, c models.NewCredential) (models.WorkerCredential, error)
	CredentialByHash(ctx context.Context, tokenHash string) (models.WorkerCredential, error)
	ListCredentials(ctx context.Context) ([]models.WorkerCredential, error)
	RevokeCredential(ctx context.Context, id string) (models.WorkerCredential, error)

	CreateArtifact(ctx context.Context, a models.NewArtifact) (models.Artifact, error)
	ListArtifacts(ctx context.Context, jobID string, limit int) ([]models.Artifact, error)
}

const (
	maxEventMessage  = 4000
	defaultJobLimit  = 50
	maxJobLimit      = 200
	defaultEventPage = 200
	maxEventPage     = 500
)

// Options are the tunables the service reads from configuration.
type Options struct {
	MaxAttempts      int
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
	LeaseRetryDelay  time.Duration
	MaxLeaseSeconds  int
	JobTypes         []string
	PauseAuditLimit  int
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		MaxAttempts:      cfg.MaxAttempts,
		RetryBackoffBase: cfg.RetryBackoffBase,
		RetryBackoffMax:  cfg.RetryBackoffMax,
		LeaseRetryDelay:  cfg.LeaseRetryDelay,
		MaxLeaseSeconds:  cfg.MaxLeaseSeconds,
		JobTypes:         cfg.JobTypes,
		PauseAuditLimit:  cfg.PauseAuditLimit,
	}
}

// Service implements queue operations over a Repository.
type Service struct {
	repo Repository
	opts Options
	log  *slog.Logger
}

func New(repo Repository, opts Options, log *slog.Logger) *Service {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.MaxLeaseSeconds < 1 {
		opts.MaxLeaseSeconds = 3600
	}
	if opts.PauseAuditLimit < 1 {
		opts.PauseAuditLimit = 10
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, opts: opts, log: log.With("component", "service")}
}

// RetryDelay is the backoff before retrying a job whose attempt just failed:
// base*2^(attempt-1), capped at max.
func RetryDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (models.Job, error) {
	typ := strings.TrimSpace(req.Type)
	if typ == "" {
		return models.Job{}, models.Validationf("type is required")
	}
	if len(s.opts.JobTypes) > 0 && !slices.Contains(s.opts.JobTypes, typ) {
		return models.Job{}, models.Validationf("type %q is not an allowed job type", typ)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.opts.MaxAttempts
	}
	if maxAttempts < 1 {
		return models.Job{}, models.Validationf("maxAttempts must be >= 1")
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	job, err := s.repo.CreateJob(ctx, models.CreateJobParams{
		Type:                 typ,
		Priority:             req.Priority,
		Payload:              payload,
		AffinityKey:          strings.TrimSpace(req.AffinityKey),
		Repository:           payloadString(payload, "repository"),
		RequiredCapabilities: mergeCapabilities(req.RequiredCapabilities, payload["requiredCapabilities"]),
		MaxAttempts:          maxAttempts,
		CreatedBy:            strings.TrimSpace(req.CreatedBy),
	})
	if err != nil {
		return models.Job{}, err
	}
	telemetry.EnqueueCounter.Inc()
	s.log.Info("job enqueued", "job_id", job.ID, "type", job.Type, "priority", job.Priority)
	return job, nil
}

func (s *Service) GetJob(ctx context.Context, id string) (models.Job, error) {
	return s.repo.GetJob(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context, req ListJobsRequest) ([]models.Job, error) {
	status := models.JobStatus(strings.TrimSpace(req.Status))
	if status != "" && !status.Valid() {
		return nil, models.Validationf("unknown status %q", req.Status)
	}
	limit, err := pageLimit(req.Limit, defaultJobLimit, maxJobLimit)
	if err != nil {
		return nil, err
	}
	return s.repo.ListJobs(ctx, models.ListJobsParams{Status: status, Type: strings.TrimSpace(req.Type), Limit: limit})
}

// Claim leases the next job allowed by policy. When workers are paused it
// returns no job without touching the repository claim path.
func (s *Service) Claim(ctx context.Context, policy Policy, req ClaimRequest) (ClaimResponse, error) {
	if err := s.checkWorker(policy, req.WorkerID); err != nil {
		return ClaimResponse{}, err
	}
	lease, err := s.lease(req.LeaseSeconds)
	if err != nil {
		return ClaimResponse{}, err
	}

	state, err := s.repo.GetPauseState(ctx)
	if err != nil {
		return ClaimResponse{}, err
	}
	if state.Paused {
		telemetry.PausedClaims.Inc()
		return ClaimResponse{System: state}, nil
	}

	types, ok := intersectAllowlist(normalizeList(req.AllowedTypes), policy.AllowedTypes)
	if !ok {
		s.log.Debug("claim types outside policy", "worker_id", req.WorkerID, "requested", req.AllowedTypes)
		return ClaimResponse{System: state}, nil
	}
	caps := policy.Capabilities
	if len(caps) == 0 {
		caps = normalizeList(req.WorkerCapabilities)
	}

	res, err := s.repo.ClaimNext(ctx, models.ClaimParams{
		WorkerID:            req.WorkerID,
		Lease:               lease,
		AllowedTypes:        types,
		AllowedRepositories: policy.AllowedRepositories,
		Capabilities:        caps,
		LeaseRetryDelay:     s.opts.LeaseRetryDelay,
	})
	if err != nil {
		return ClaimResponse{}, err
	}
	if res.Requeued > 0 {
		telemetry.LeaseRecoveries.WithLabelValues("requeued").Add(float64(res.Requeued))
	}
	if res.DeadLettered > 0 {
		telemetry.LeaseRecoveries.WithLabelValues("dead_letter").Add(float64(res.DeadLettered))
		telemetry.JobDeadLetter.Add(float64(res.DeadLettered))
	}
	if res.Requeued+res.DeadLettered > 0 {
		s.log.Warn("recovered expired leases", "requeued", res.Requeued, "dead_lettered", res.DeadLettered)
	}
	if res.Paused {
		// Paused between the snapshot read and the claim transaction.
		telemetry.PausedClaims.Inc()
		if state, err = s.repo.GetPauseState(ctx); err != nil {
			return ClaimResponse{}, err
		}
	}
	if res.Job != nil {
		telemetry.ClaimCounter.Inc()
		s.log.Info("job claimed", "job_id", res.Job.ID, "worker_id", req.WorkerID, "attempt", res.Job.Attempt)
	}
	return ClaimResponse{Job: res.Job, System: state}, nil
}

func (s *Service) Heartbeat(ctx context.Context, policy Policy, jobID string, req HeartbeatRequest) (HeartbeatResponse, error) {
	if err := s.checkWorker(policy, req.WorkerID); err != nil {
		return HeartbeatResponse{}, err
	}
	lease, err := s.lease(req.LeaseSeconds)
	if err != nil {
		return HeartbeatResponse{}, err
	}
	job, err := s.repo.Heartbeat(ctx, jobID, req.WorkerID, lease)
	if err != nil {
		return HeartbeatResponse{}, err
	}
	state, err := s.repo.GetPauseState(ctx)
	if err != nil {
		return HeartbeatResponse{}, err
	}
	return HeartbeatResponse{Job: job, System: state}, nil
}

func (s *Service) Complete(ctx context.Context, policy Policy, jobID string, req CompleteRequest) (models.Job, error) {
	if err := s.checkWorker(policy, req.WorkerID); err != nil {
		return models.Job{}, err
	}
	job, err := s.repo.Complete(ctx, jobID, req.WorkerID, strings.TrimSpace(req.ResultSummary))
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobSuccess.Inc()
	s.log.Info("job completed", "job_id", jobID, "worker_id", req.WorkerID)
	return job, nil
}

// Fail records a failure. Retryable failures are delayed by the backoff for
// the attempt that just failed.
func (s *Service) Fail(ctx context.Context, policy Policy, jobID string, req FailRequest) (models.Job, error) {
	if err := s.checkWorker(policy, req.WorkerID); err != nil {
		return models.Job{}, err
	}
	msg := strings.TrimSpace(req.ErrorMessage)
	if msg == "" {
		return models.Job{}, models.Validationf("errorMessage is required")
	}
	current, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	job, err := s.repo.Fail(ctx, models.FailParams{
		JobID:      jobID,
		WorkerID:   req.WorkerID,
		Message:    msg,
		Retryable:  req.Retryable,
		RetryDelay: RetryDelay(s.opts.RetryBackoffBase, s.opts.RetryBackoffMax, current.Attempt),
	})
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobFailures.WithLabelValues(string(job.Status)).Inc()
	if job.Status == models.StatusDeadLetter {
		telemetry.JobDeadLetter.Inc()
	}
	s.log.Warn("job failed", "job_id", jobID, "worker_id", req.WorkerID, "retryable", req.Retryable, "status", job.Status)
	return job, nil
}

// Cancel is an operator action; actor is recorded on the event.
func (s *Service) Cancel(ctx context.Context, jobID string, req CancelRequest, actor string) (models.Job, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "cancelled by operator"
	}
	job, err := s.repo.Cancel(ctx, jobID, reason, actor)
	if err != nil {
		return models.Job{}, err
	}
	s.log.Info("job cancel", "job_id", jobID, "status", job.Status, "actor", actor)
	return job, nil
}

func (s *Service) AckCancel(ctx context.Context, policy Policy, jobID string, req CancelAckRequest) (models.Job, error) {
	if err := s.checkWorker(policy, req.WorkerID); err != nil {
		return models.Job{}, err
	}
	job, err := s.repo.AckCancel(ctx, jobID, req.WorkerID)
	if err != nil {
		return models.Job{}, err
	}
	if msg := strings.TrimSpace(req.Message); msg != "" {
		if _, err := s.repo.AppendEvent(ctx, models.NewEvent{JobID: jobID, Level: models.LevelWarn, Message: truncate(msg, maxEventMessage)}); err != nil {
			return models.Job{}, err
		}
	}
	return job, nil
}

// AppendEvent records a progress or log line for a running job. Only the
// owning worker may append.
func (s *Service) AppendEvent(ctx context.Context, policy Policy, jobID string, req AppendEventRequest) (models.JobEvent, error) {
	if err := s.checkWorker(policy, req.WorkerID); err != nil {
		return models.JobEvent{}, err
	}
	level := req.Level
	if level == "" {
		level = models.LevelInfo
	}
	if !level.Valid() {
		return models.JobEvent{}, models.Validationf("level must be one of info, warn, error")
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return models.JobEvent{}, models.Validationf("message is required")
	}
	if utf8.RuneCountInString(msg) > maxEventMessage {
		return models.JobEvent{}, models.Validationf("message must be at most %d characters", maxEventMessage)
	}
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return models.JobEvent{}, err
	}
	if err := models.CheckOwned(job, req.WorkerID); err != nil {
		return models.JobEvent{}, err
	}
	return s.repo.AppendEvent(ctx, models.NewEvent{JobID: jobID, Level: level, Message: msg, Payload: req.Payload})
}

func (s *Service) ListEvents(ctx context.Context, jobID string, req ListEventsRequest) ([]models.JobEvent, error) {
	if req.After < 0 {
		return nil, models.Validationf("after must be a non-negative event cursor")
	}
	limit, err := pageLimit(req.Limit, defaultEventPage, maxEventPage)
	if err != nil {
		return nil, err
	}
	return s.repo.ListEvents(ctx, jobID, req.After, limit)
}

func (s *Service) RecordArtifact(ctx context.Context, policy Policy, jobID string, req ArtifactRequest) (models.Artifact, error) {
	if err := s.checkWorker(policy, req.WorkerID); err != nil {
		return models.Artifact{}, err
	}
	name := strings.TrimSpace(req.Name)
	path := strings.TrimSpace(req.StoragePath)
	if name == "" || path == "" {
		return models.Artifact{}, models.Validationf("name and storagePath are required")
	}
	if req.SizeBytes < 0 {
		return models.Artifact{}, models.Validationf("sizeBytes must not be negative")
	}
	return s.repo.CreateArtifact(ctx, models.NewArtifact{
		JobID:       jobID,
		WorkerID:    req.WorkerID,
		Name:        name,
		ContentType: strings.TrimSpace(req.ContentType),
		SizeBytes:   req.SizeBytes,
		Digest:      strings.TrimSpace(req.Digest),
		StoragePath: path,
	})
}

func (s *Service) ListArtifacts(ctx context.Context, jobID string, limit int) ([]models.Artifact, error) {
	n, err := pageLimit(limit, defaultJobLimit, maxJobLimit)
	if err != nil {
		return nil, err
	}
	return s.repo.ListArtifacts(ctx, jobID, n)
}

// checkWorker requires a worker id and enforces token binding.
func (s *Service) checkWorker(policy Policy, workerID string) error {
	if strings.TrimSpace(workerID) == "" {
		return models.Validationf("workerId is required")
	}
	if policy.WorkerID != "" && policy.WorkerID != workerID {
		return models.PolicyDeniedf("credential for %s cannot act as worker %s", policy.WorkerID, workerID)
	}
	return nil
}

func (s *Service) lease(seconds int) (time.Duration, error) {
	if seconds < 1 || seconds > s.opts.MaxLeaseSeconds {
		return 0, models.Validationf("leaseSeconds must be between 1 and %d", s.opts.MaxLeaseSeconds)
	}
	return time.Duration(seconds) * time.Second, nil
}

func pageLimit(limit, def, max int) (int, error) {
	if limit == 0 {
		return def, nil
	}
	if limit < 1 || limit > max {
		return 0, models.Validationf("limit must be between 1 and %d", max)
	}
	return limit, nil
}

// intersectAllowlist combines a requested type filter with a policy
// allowlist. ok is false when both are set and share nothing.
func intersectAllowlist(requested, allowed []string) ([]string, bool) {
	switch {
	case len(allowed) == 0:
		return requested, true
	case len(requested) == 0:
		return allowed, true
	}
	var out []string
	for _, t := range requested {
		if slices.Contains(allowed, t) {
			out = append(out, t)
		}
	}
	return out, len(out) > 0
}

func normalizeList(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// mergeCapabilities unions explicit capabilities with a payload-supplied list.
func mergeCapabilities(explicit []string, fromPayload any) []string {
	all := append([]string{}, explicit...)
	if list, ok := fromPayload.([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				all = append(all, s)
			}
		}
	}
	out := normalizeList(all)
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out
}

func payloadString(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
