package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"agent-queue/internal/models"
)

// recoverExpiredSQL requeues or dead-letters every running job whose lease has
// passed. Rows locked by another transaction are skipped and picked up by the
// next claim.
const recoverExpiredSQL = `
	WITH expired AS (
		SELECT id, claimed_by
		FROM agent_jobs
		WHERE status = 'running' AND lease_expires_at < now()
		FOR UPDATE SKIP LOCKED
	)
	UPDATE agent_jobs j SET
		status = CASE WHEN j.attempt < j.max_attempts THEN 'queued' ELSE 'dead_letter' END,
		attempt = CASE WHEN j.attempt < j.max_attempts THEN j.attempt + 1 ELSE j.attempt END,
		next_attempt_at = CASE
			WHEN j.attempt < j.max_attempts AND $1::float8 > 0 THEN now() + make_interval(secs => $1::float8)
			ELSE NULL END,
		finished_at = CASE WHEN j.attempt < j.max_attempts THEN NULL ELSE now() END,
		error_message = CASE WHEN j.attempt < j.max_attempts THEN j.error_message ELSE $2::text END,
		claimed_by = NULL,
		lease_expires_at = NULL,
		updated_at = now()
	FROM expired
	WHERE j.id = expired.id
	RETURNING j.id, j.status, j.attempt, j.max_attempts, j.next_attempt_at, expired.claimed_by`

const selectCandidateSQL = `
	SELECT id
	FROM agent_jobs
	WHERE status = 'queued'
	  AND (next_attempt_at IS NULL OR next_attempt_at <= now())
	  AND ($1::text[] IS NULL OR type = ANY($1::text[]))
	  AND required_capabilities <@ $2::text[]
	  AND ($3::text[] IS NULL OR repository = ANY($3::text[]))
	ORDER BY priority DESC, created_at ASC, seq ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED`

const leaseJobSQL = `
	UPDATE agent_jobs SET
		status = 'running',
		claimed_by = $2,
		lease_expires_at = now() + make_interval(secs => $3::float8),
		started_at = COALESCE(started_at, now()),
		next_attempt_at = NULL,
		updated_at = now()
	WHERE id = $1 AND status = 'queued'
	RETURNING ` + jobColumns

type recoveredLease struct {
	id            string
	status        string
	attempt       int
	maxAttempts   int
	nextAttemptAt pgtype.Timestamptz
	previousOwner pgtype.Text
}

// ClaimNext runs lease maintenance and then leases the best eligible job to
// p.WorkerID, all in one transaction. When workers are paused it returns
// immediately with Paused set and touches nothing.
func (s *Store) ClaimNext(ctx context.Context, p models.ClaimParams) (models.ClaimResult, error) {
	var result models.ClaimResult
	caps := p.Capabilities
	if caps == nil {
		caps = []string{}
	}

	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		result = models.ClaimResult{}

		// Shared lock keeps a concurrent pause from committing mid-claim.
		var paused bool
		if err := tx.QueryRow(ctx, `SELECT paused FROM system_worker_pause_state WHERE id = 1 FOR SHARE`).Scan(&paused); err != nil {
			return fmt.Errorf("read pause state: %w", err)
		}
		if paused {
			result.Paused = true
			return nil
		}

		recovered, err := recoverExpiredLeases(ctx, tx, p.LeaseRetryDelay)
		if err != nil {
			return err
		}
		for _, r := range recovered {
			if r.status == string(models.StatusQueued) {
				result.Requeued++
			} else {
				result.DeadLettered++
			}
		}

		var id string
		err = tx.QueryRow(ctx, selectCandidateSQL, nullableList(p.AllowedTypes), caps, nullableList(p.AllowedRepositories)).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select claim candidate: %w", err)
		}

		job, err := scanJob(tx.QueryRow(ctx, leaseJobSQL, id, p.WorkerID, seconds(p.Lease)))
		if err != nil {
			return fmt.Errorf("lease job: %w", err)
		}
		if _, err := insertEvent(ctx, tx, models.NewEvent{
			JobID:   job.ID,
			Level:   models.LevelInfo,
			Message: "Job claimed",
			Payload: map[string]any{
				"workerId":       p.WorkerID,
				"attempt":        job.Attempt,
				"leaseExpiresAt": job.LeaseExpiresAt,
			},
		}); err != nil {
			return err
		}
		result.Job = &job
		return nil
	})
	if err != nil {
		return models.ClaimResult{}, fmt.Errorf("claim next job: %w", err)
	}
	return result, nil
}

func recoverExpiredLeases(ctx context.Context, tx pgx.Tx, retryDelay time.Duration) ([]recoveredLease, error) {
	rows, err := tx.Query(ctx, recoverExpiredSQL, seconds(retryDelay), models.LeaseExpiredMessage)
	if err != nil {
		return nil, fmt.Errorf("recover expired leases: %w", err)
	}
	recovered, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (recoveredLease, error) {
		var r recoveredLease
		err := row.Scan(&r.id, &r.status, &r.attempt, &r.maxAttempts, &r.nextAttemptAt, &r.previousOwner)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan recovered leases: %w", err)
	}

	for _, r := range recovered {
		job := models.Job{
			ID:            r.id,
			Status:        models.JobStatus(r.status),
			Attempt:       r.attempt,
			MaxAttempts:   r.maxAttempts,
			NextAttemptAt: timePtr(r.nextAttemptAt),
		}
		if _, err := insertEvent(ctx, tx, models.ExpiryEvent(job, textPtr(r.previousOwner))); err != nil {
			return nil, err
		}
	}
	return recovered, nil
}
