package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"agent-queue/internal/client"
	"agent-queue/internal/config"
	"agent-queue/internal/models"
	"agent-queue/internal/service"
	"agent-queue/internal/telemetry"
)

// QueueAPI is the subset of the queue client the worker drives.
type QueueAPI interface {
	Claim(ctx context.Context, req service.ClaimRequest) (service.ClaimResponse, error)
	Heartbeat(ctx context.Context, jobID string, req service.HeartbeatRequest) (service.HeartbeatResponse, error)
	Complete(ctx context.Context, jobID string, req service.CompleteRequest) (models.Job, error)
	Fail(ctx context.Context, jobID string, req service.FailRequest) (models.Job, error)
	AckCancel(ctx context.Context, jobID string, req service.CancelAckRequest) (models.Job, error)
	AppendEvent(ctx context.Context, jobID string, req service.AppendEventRequest) (models.JobEvent, error)
	RecordArtifact(ctx context.Context, jobID string, req service.ArtifactRequest) (models.Artifact, error)
}

// Handler executes a job and returns a short result summary.
type Handler func(ctx context.Context, run *Run) (string, error)

// Run is the execution context handed to a Handler. Log receives the job's
// standard output, Stderr its diagnostics.
type Run struct {
	Job     models.Job
	Log     io.Writer
	Stderr  io.Writer
	Workdir string

	checkpoint func(ctx context.Context) error
}

// Checkpoint blocks while workers are quiesced. Handlers call it between
// units of work that are safe to hold at.
func (r *Run) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.checkpoint == nil {
		return nil
	}
	return r.checkpoint(ctx)
}

// Options configure the processor loop.
type Options struct {
	WorkerID          string
	LeaseSeconds      int
	PollInterval      time.Duration
	PausePollInterval time.Duration
	HeartbeatInterval time.Duration
	AllowedTypes      []string
	Capabilities      []string
	Workdir           string
	LogBatchBytes     int
	LogFlushInterval  time.Duration
}

func OptionsFromConfig(cfg config.WorkerConfig) Options {
	return Options{
		WorkerID:          cfg.ID,
		LeaseSeconds:      cfg.LeaseSeconds,
		PollInterval:      cfg.PollInterval,
		PausePollInterval: cfg.PausePollInterval,
		HeartbeatInterval: cfg.EffectiveHeartbeatInterval(),
		AllowedTypes:      cfg.AllowedTypes,
		Capabilities:      cfg.Capabilities,
		Workdir:           cfg.Workdir,
		LogBatchBytes:     cfg.LogBatchBytes,
		LogFlushInterval:  cfg.LogFlushInterval,
	}
}

// Processor drives the worker execution loop: claim, execute with
// heartbeats, report.
type Processor struct {
	api      QueueAPI
	sink     ArtifactSink
	opts     Options
	handlers map[string]Handler
	log      *slog.Logger

	pauseVersion int64
	claimErrors  int
}

func NewProcessor(api QueueAPI, sink ArtifactSink, opts Options, log *slog.Logger) *Processor {
	if opts.LeaseSeconds < 1 {
		opts.LeaseSeconds = 120
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 1500 * time.Millisecond
	}
	if opts.PausePollInterval <= 0 {
		opts.PausePollInterval = 5 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = min(time.Duration(opts.LeaseSeconds)*time.Second/3, 5*time.Second)
	}
	if opts.Workdir == "" {
		opts.Workdir = os.TempDir()
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Processor{
		api:      api,
		sink:     sink,
		opts:     opts,
		handlers: make(map[string]Handler),
		log:      log.With("component", "worker", "worker_id", opts.WorkerID),
	}
	p.RegisterHandler(ShellJobType, ShellHandler)
	return p
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Types lists the job types with a registered handler.
func (p *Processor) Types() []string {
	out := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("worker started", "lease_seconds", p.opts.LeaseSeconds, "heartbeat", p.opts.HeartbeatInterval, "types", p.claimTypes())
	for {
		wait := p.step(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// claimTypes is the configured type filter, or every registered type when
// none is configured, so the worker never claims work it has no handler for.
func (p *Processor) claimTypes() []string {
	if len(p.opts.AllowedTypes) > 0 {
		return p.opts.AllowedTypes
	}
	return p.Types()
}

// step performs one claim cycle and returns how long to wait before the next.
func (p *Processor) step(ctx context.Context) time.Duration {
	resp, err := p.api.Claim(ctx, service.ClaimRequest{
		WorkerID:           p.opts.WorkerID,
		LeaseSeconds:       p.opts.LeaseSeconds,
		AllowedTypes:       p.claimTypes(),
		WorkerCapabilities: p.opts.Capabilities,
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		p.claimErrors++
		wait := backoffWithJitter(p.opts.PollInterval, time.Minute, p.claimErrors)
		p.log.Warn("claim failed", "error", err, "retry_in", wait)
		return wait
	}
	p.claimErrors = 0

	if resp.System.Paused {
		p.notePause(resp.System)
		return p.opts.PausePollInterval
	}
	if resp.Job == nil {
		return p.opts.PollInterval
	}
	p.execute(ctx, *resp.Job, resp.System)
	return 0
}

// notePause logs a pause once per observed version.
func (p *Processor) notePause(state models.PauseState) {
	if state.Version == p.pauseVersion {
		return
	}
	p.pauseVersion = state.Version
	p.log.Info("workers paused; waiting",
		"mode", derefMode(state.Mode), "reason", derefString(state.Reason), "version", state.Version)
}

func (p *Processor) execute(ctx context.Context, job models.Job, state models.PauseState) {
	log := p.log.With("job_id", job.ID, "type", job.Type, "attempt", job.Attempt)
	log.Info("job claimed")

	gate := newPauseGate(state)
	logs := newJobLog(p.api, job.ID, p.opts.WorkerID, p.opts.LogBatchBytes, p.opts.LogFlushInterval, log)

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	bgCtx, stopBackground := context.WithCancel(ctx)

	var g errgroup.Group
	g.Go(func() error {
		p.heartbeatLoop(bgCtx, job.ID, gate, cancelRun, log)
		return nil
	})
	g.Go(func() error {
		logs.run(bgCtx)
		return nil
	})

	summary, runErr := p.runJob(runCtx, job, gate, logs, log)
	stopBackground()
	_ = g.Wait()

	// Reporting must survive worker shutdown.
	reportCtx, cancelReport := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancelReport()
	logs.Close(reportCtx)

	cause := context.Cause(runCtx)
	if errors.Is(cause, errLeaseLost) {
		log.Warn("lease lost; abandoning job without reporting")
		telemetry.WorkerExecutions.WithLabelValues("lease_lost").Inc()
		return
	}
	p.uploadLog(reportCtx, job, logs.Bytes(), log)

	// A handler that returned success finished its work, even if shutdown or
	// a cancellation request arrived in the meantime.
	var outcome string
	var err error
	switch {
	case runErr == nil:
		outcome = "succeeded"
		_, err = p.api.Complete(reportCtx, job.ID, service.CompleteRequest{WorkerID: p.opts.WorkerID, ResultSummary: summary})
	case errors.Is(cause, errCancelRequested):
		outcome = "cancelled"
		_, err = p.api.AckCancel(reportCtx, job.ID, service.CancelAckRequest{
			WorkerID: p.opts.WorkerID,
			Message:  "Worker stopped after cancellation request",
		})
	case ctx.Err() != nil:
		outcome = "interrupted"
		_, err = p.api.Fail(reportCtx, job.ID, service.FailRequest{
			WorkerID:     p.opts.WorkerID,
			ErrorMessage: "worker shutting down",
			Retryable:    true,
		})
	default:
		retryable := !IsPermanent(runErr)
		outcome = "failed"
		if !retryable {
			outcome = "failed_permanent"
		}
		_, err = p.api.Fail(reportCtx, job.ID, service.FailRequest{
			WorkerID:     p.opts.WorkerID,
			ErrorMessage: runErr.Error(),
			Retryable:    retryable,
		})
	}
	telemetry.WorkerExecutions.WithLabelValues(outcome).Inc()
	switch {
	case err == nil:
		log.Info("job finished", "outcome", outcome, "error", runErr)
	case client.LeaseLost(err):
		log.Warn("job report rejected; lease no longer held", "outcome", outcome, "error", err)
	default:
		log.Error("job report failed", "outcome", outcome, "error", err)
	}
}

// runJob executes the handler registered for the job type.
func (p *Processor) runJob(ctx context.Context, job models.Job, gate *pauseGate, logs *jobLog, log *slog.Logger) (string, error) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		err := fmt.Errorf("no handler registered for type %q", job.Type)
		if _, aerr := p.api.AppendEvent(ctx, job.ID, service.AppendEventRequest{
			WorkerID: p.opts.WorkerID,
			Level:    models.LevelError,
			Message:  err.Error(),
		}); aerr != nil {
			log.Warn("append event failed", "error", aerr)
		}
		return "", Permanent(err)
	}

	dir := filepath.Join(p.opts.Workdir, job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workdir: %w", err)
	}

	run := &Run{
		Job:     job,
		Log:     logs.Stdout,
		Stderr:  logs.Stderr,
		Workdir: dir,
		checkpoint: func(ctx context.Context) error {
			return gate.Wait(ctx, func(state models.PauseState) {
				log.Info("quiesced; holding at checkpoint", "reason", derefString(state.Reason), "version", state.Version)
				_, _ = p.api.AppendEvent(ctx, job.ID, service.AppendEventRequest{
					WorkerID: p.opts.WorkerID,
					Level:    models.LevelWarn,
					Message:  "Worker holding at checkpoint while quiesced",
					Payload:  map[string]any{"kind": "quiesce", "version": state.Version},
				})
			})
		},
	}
	return handler(ctx, run)
}

// heartbeatLoop extends the lease until ctx is done. It cancels the run when
// the lease is lost or a cancellation is requested.
func (p *Processor) heartbeatLoop(ctx context.Context, jobID string, gate *pauseGate, cancel context.CancelCauseFunc, log *slog.Logger) {
	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		resp, err := p.api.Heartbeat(ctx, jobID, service.HeartbeatRequest{WorkerID: p.opts.WorkerID, LeaseSeconds: p.opts.LeaseSeconds})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if client.LeaseLost(err) {
				telemetry.WorkerHeartbeats.WithLabelValues("lease_lost").Inc()
				cancel(errLeaseLost)
				return
			}
			telemetry.WorkerHeartbeats.WithLabelValues("error").Inc()
			log.Warn("heartbeat failed", "error", err)
			continue
		}
		telemetry.WorkerHeartbeats.WithLabelValues("ok").Inc()
		gate.update(resp.System)
		if resp.Job.CancelRequestedAt != nil {
			log.Info("cancellation requested", "reason", derefString(resp.Job.CancelReason))
			cancel(errCancelRequested)
		}
	}
}

func (p *Processor) uploadLog(ctx context.Context, job models.Job, data []byte, log *slog.Logger) {
	if p.sink == nil || len(data) == 0 {
		return
	}
	const contentType = "text/plain; charset=utf-8"
	key := fmt.Sprintf("%s/attempt-%d/job.log", job.ID, job.Attempt)
	path, err := p.sink.Upload(ctx, key, data, contentType)
	if err != nil {
		log.Warn("upload job log failed", "error", err)
		return
	}
	sum := sha256.Sum256(data)
	if _, err := p.api.RecordArtifact(ctx, job.ID, service.ArtifactRequest{
		WorkerID:    p.opts.WorkerID,
		Name:        "job.log",
		StoragePath: path,
		SizeBytes:   int64(len(data)),
		ContentType: contentType,
		Digest:      "sha256:" + hex.EncodeToString(sum[:]),
	}); err != nil {
		log.Warn("record artifact failed", "path", path, "error", err)
	}
}

// backoffWithJitter spaces out retries after consecutive claim errors.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefMode(m *models.PauseMode) string {
	if m == nil {
		return ""
	}
	return string(*m)
}
