package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"agent-queue/internal/models"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const insertEventSQL = `
	INSERT INTO agent_job_events (job_id, level, message, payload)
	SELECT $1::text, $2::text, $3::text, $4::jsonb
	WHERE EXISTS (SELECT 1 FROM agent_jobs WHERE id = $1)
	RETURNING id, job_id, level, message, payload, created_at`

// AppendEvent records an event for an existing job.
func (s *Store) AppendEvent(ctx context.Context, e models.NewEvent) (models.JobEvent, error) {
	return insertEvent(ctx, s.pool, e)
}

func insertEvent(ctx context.Context, q querier, e models.NewEvent) (models.JobEvent, error) {
	var payload []byte
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return models.JobEvent{}, fmt.Errorf("marshal event payload: %w", err)
		}
		payload = b
	}
	ev, err := scanEvent(q.QueryRow(ctx, insertEventSQL, e.JobID, string(e.Level), e.Message, payload))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobEvent{}, models.JobNotFound(e.JobID)
	}
	if err != nil {
		return models.JobEvent{}, fmt.Errorf("insert event: %w", err)
	}
	return ev, nil
}

// ListEvents returns up to limit events for a job with id greater than after,
// oldest first.
func (s *Store) ListEvents(ctx context.Context, jobID string, after models.Cursor, limit int) ([]models.JobEvent, error) {
	if err := s.jobExists(ctx, jobID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, level, message, payload, created_at
		FROM agent_job_events
		WHERE job_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`, jobID, int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.JobEvent, error) {
		return scanEvent(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return events, nil
}

func (s *Store) jobExists(ctx context.Context, jobID string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM agent_jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return models.JobNotFound(jobID)
	}
	return nil
}

func scanEvent(row pgx.Row) (models.JobEvent, error) {
	var ev models.JobEvent
	var level string
	var payload []byte
	if err := row.Scan(&ev.ID, &ev.JobID, &level, &ev.Message, &payload, &ev.CreatedAt); err != nil {
		return models.JobEvent{}, err
	}
	ev.Level = models.EventLevel(level)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return models.JobEvent{}, fmt.Errorf("unmarshal event payload: %w", err)
		}
	}
	return ev, nil
}
