package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"agent-queue/internal/models"
)

// Store is the Postgres queue repository. It is the only component that
// issues SQL; every multi-step transition runs in one transaction and relies
// on row locks, never on in-process locking.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping reports database connectivity for /healthz.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, type, status, priority, payload, affinity_key, repository, required_capabilities,
	created_by, claimed_by, lease_expires_at, attempt, max_attempts, next_attempt_at, result_summary,
	error_message, artifacts_path, cancel_requested_at, cancel_reason, created_at, updated_at, started_at, finished_at`

// CreateJob inserts a queued job with attempt 1.
func (s *Store) CreateJob(ctx context.Context, p models.CreateJobParams) (models.Job, error) {
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}
	caps := p.RequiredCapabilities
	if caps == nil {
		caps = []string{}
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO agent_jobs (id, type, status, priority, payload, affinity_key, repository,
			required_capabilities, created_by, attempt, max_attempts)
		VALUES ($1, $2, 'queued', $3, $4, $5, $6, $7, $8, 1, $9)
		RETURNING `+jobColumns,
		uuid.New().String(), p.Type, p.Priority, payloadJSON, emptyToNil(p.AffinityKey),
		emptyToNil(p.Repository), caps, emptyToNil(p.CreatedBy), p.MaxAttempts)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM agent_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.JobNotFound(id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest first, optionally filtered.
func (s *Store) ListJobs(ctx context.Context, p models.ListJobsParams) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM agent_jobs
		WHERE ($1::text = '' OR status = $1)
		  AND ($2::text = '' OR type = $2)
		ORDER BY created_at DESC, seq DESC
		LIMIT $3
	`, string(p.Status), p.Type, p.Limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Job, error) {
		return scanJob(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
	}
	return jobs, nil
}

// QueueCounts reports queued jobs, running jobs with a live lease, and
// running jobs whose lease already expired.
func (s *Store) QueueCounts(ctx context.Context) (models.QueueCounts, error) {
	var c models.QueueCounts
	err := s.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'queued'),
			count(*) FILTER (WHERE status = 'running' AND lease_expires_at >= now()),
			count(*) FILTER (WHERE status = 'running' AND lease_expires_at < now())
		FROM agent_jobs
		WHERE status IN ('queued', 'running')
	`).Scan(&c.Queued, &c.Running, &c.StaleRunning)
	if err != nil {
		return models.QueueCounts{}, fmt.Errorf("count jobs: %w", err)
	}
	return c, nil
}

// lockJob loads a job row and holds its lock until tx ends.
func lockJob(ctx context.Context, tx pgx.Tx, id string) (models.Job, error) {
	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM agent_jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.JobNotFound(id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("lock job: %w", err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var status string
	var payloadJSON []byte
	var affinity, repo, createdBy, claimedBy, summary, errMsg, artifacts, cancelReason pgtype.Text
	var lease, nextAttempt, cancelAt, started, finished pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.Type, &status, &job.Priority, &payloadJSON, &affinity, &repo,
		&job.RequiredCapabilities, &createdBy, &claimedBy, &lease, &job.Attempt, &job.MaxAttempts,
		&nextAttempt, &summary, &errMsg, &artifacts, &cancelAt, &cancelReason, &job.CreatedAt,
		&job.UpdatedAt, &started, &finished); err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.Status = models.JobStatus(status)
	job.AffinityKey = textPtr(affinity)
	job.Repository = textPtr(repo)
	job.CreatedBy = textPtr(createdBy)
	job.ClaimedBy = textPtr(claimedBy)
	job.ResultSummary = textPtr(summary)
	job.ErrorMessage = textPtr(errMsg)
	job.ArtifactsPath = textPtr(artifacts)
	job.CancelReason = textPtr(cancelReason)
	job.LeaseExpiresAt = timePtr(lease)
	job.NextAttemptAt = timePtr(nextAttempt)
	job.CancelRequestedAt = timePtr(cancelAt)
	job.StartedAt = timePtr(started)
	job.FinishedAt = timePtr(finished)
	if job.RequiredCapabilities == nil {
		job.RequiredCapabilities = []string{}
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// nullableList maps an empty filter to SQL NULL, meaning "no restriction".
func nullableList(v []string) []string {
	if len(v) == 0 {
		return nil
	}
	return v
}

func seconds(d time.Duration) float64 {
	return d.Seconds()
}
