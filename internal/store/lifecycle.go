package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"agent-queue/internal/models"
)

// Heartbeat extends the lease of a running job owned by workerID. The returned
// job carries cancelRequestedAt so the worker learns about cancellation.
func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) (models.Job, error) {
	var out models.Job
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := models.CheckOwned(job, workerID); err != nil {
			return err
		}
		out, err = scanJob(tx.QueryRow(ctx, `
			UPDATE agent_jobs
			SET lease_expires_at = now() + make_interval(secs => $2::float8), updated_at = now()
			WHERE id = $1
			RETURNING `+jobColumns, jobID, seconds(lease)))
		if err != nil {
			return fmt.Errorf("extend lease: %w", err)
		}
		return nil
	})
	return out, err
}

// Complete marks an owned running job succeeded.
func (s *Store) Complete(ctx context.Context, jobID, workerID, summary string) (models.Job, error) {
	var out models.Job
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := models.CheckOwned(job, workerID); err != nil {
			return err
		}
		out, err = scanJob(tx.QueryRow(ctx, `
			UPDATE agent_jobs SET
				status = 'succeeded',
				result_summary = $2,
				error_message = NULL,
				claimed_by = NULL,
				lease_expires_at = NULL,
				next_attempt_at = NULL,
				finished_at = now(),
				updated_at = now()
			WHERE id = $1
			RETURNING `+jobColumns, jobID, emptyToNil(summary)))
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		_, err = insertEvent(ctx, tx, models.NewEvent{
			JobID:   jobID,
			Level:   models.LevelInfo,
			Message: "Job completed",
			Payload: map[string]any{"workerId": workerID, "attempt": out.Attempt},
		})
		return err
	})
	return out, err
}

// Fail records a failed execution. A pending cancel request wins over retry;
// otherwise retryable failures requeue until attempts are exhausted and then
// dead-letter.
func (s *Store) Fail(ctx context.Context, p models.FailParams) (models.Job, error) {
	var out models.Job
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, p.JobID)
		if err != nil {
			return err
		}
		if err := models.CheckOwned(job, p.WorkerID); err != nil {
			return err
		}

		next, bump := job.FailureOutcome(p.Retryable)
		out, err = scanJob(tx.QueryRow(ctx, `
			UPDATE agent_jobs SET
				status = $2::text,
				attempt = attempt + $3,
				error_message = $4,
				next_attempt_at = CASE WHEN $2::text = 'queued' AND $5::float8 > 0
					THEN now() + make_interval(secs => $5::float8) ELSE NULL END,
				finished_at = CASE WHEN $2::text = 'queued' THEN NULL ELSE now() END,
				claimed_by = NULL,
				lease_expires_at = NULL,
				updated_at = now()
			WHERE id = $1
			RETURNING `+jobColumns, p.JobID, string(next), bump, p.Message, seconds(p.RetryDelay)))
		if err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		_, err = insertEvent(ctx, tx, models.FailureEvent(out, job.Attempt, p))
		return err
	})
	return out, err
}

// Cancel cancels a queued job immediately or flags a running job so its worker
// stops at the next heartbeat. Cancelling a cancelled job is a no-op.
func (s *Store) Cancel(ctx context.Context, jobID, reason, actor string) (models.Job, error) {
	var out models.Job
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		payload := map[string]any{"reason": reason, "actor": emptyToNil(actor)}

		switch job.Status {
		case models.StatusCancelled:
			out = job
			return nil
		case models.StatusQueued:
			out, err = scanJob(tx.QueryRow(ctx, `
				UPDATE agent_jobs SET
					status = 'cancelled',
					cancel_requested_at = COALESCE(cancel_requested_at, now()),
					cancel_reason = $2,
					next_attempt_at = NULL,
					finished_at = now(),
					updated_at = now()
				WHERE id = $1
				RETURNING `+jobColumns, jobID, reason))
			if err != nil {
				return fmt.Errorf("cancel job: %w", err)
			}
			_, err = insertEvent(ctx, tx, models.NewEvent{JobID: jobID, Level: models.LevelWarn, Message: "Job cancelled", Payload: payload})
			return err
		case models.StatusRunning:
			if job.CancelRequestedAt != nil {
				out = job
				return nil
			}
			out, err = scanJob(tx.QueryRow(ctx, `
				UPDATE agent_jobs SET cancel_requested_at = now(), cancel_reason = $2, updated_at = now()
				WHERE id = $1
				RETURNING `+jobColumns, jobID, reason))
			if err != nil {
				return fmt.Errorf("request cancel: %w", err)
			}
			payload["workerId"] = job.ClaimedBy
			_, err = insertEvent(ctx, tx, models.NewEvent{JobID: jobID, Level: models.LevelWarn, Message: "Cancellation requested", Payload: payload})
			return err
		default:
			return models.Conflictf("job %s is %s and cannot be cancelled", jobID, job.Status)
		}
	})
	return out, err
}

// AckCancel lets the owning worker confirm it stopped a job whose
// cancellation was requested.
func (s *Store) AckCancel(ctx context.Context, jobID, workerID string) (models.Job, error) {
	var out models.Job
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := models.CheckOwned(job, workerID); err != nil {
			return err
		}
		if job.CancelRequestedAt == nil {
			return models.Conflictf("job %s has no pending cancellation", jobID)
		}
		out, err = scanJob(tx.QueryRow(ctx, `
			UPDATE agent_jobs SET
				status = 'cancelled',
				claimed_by = NULL,
				lease_expires_at = NULL,
				finished_at = now(),
				updated_at = now()
			WHERE id = $1
			RETURNING `+jobColumns, jobID))
		if err != nil {
			return fmt.Errorf("ack cancel: %w", err)
		}
		_, err = insertEvent(ctx, tx, models.NewEvent{
			JobID:   jobID,
			Level:   models.LevelWarn,
			Message: "Job cancelled by worker",
			Payload: map[string]any{"workerId": workerID, "reason": job.CancelReason},
		})
		return err
	})
	return out, err
}
