package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"agent-queue/internal/models"
)

const pauseColumns = `paused, mode, reason, version, requested_by, requested_at, updated_at`

// GetPauseState reads the singleton pause row.
func (s *Store) GetPauseState(ctx context.Context) (models.PauseState, error) {
	st, err := scanPause(s.pool.QueryRow(ctx, `SELECT `+pauseColumns+` FROM system_worker_pause_state WHERE id = 1`))
	if err != nil {
		return models.PauseState{}, fmt.Errorf("get pause state: %w", err)
	}
	return st, nil
}

// SetPauseState applies a pause or resume. A request that matches the current
// state changes nothing and reports changed=false; pausing with a different
// mode while paused is a conflict. Every effective change bumps the version
// and writes one control event in the same transaction.
func (s *Store) SetPauseState(ctx context.Context, req models.PauseRequest) (models.PauseState, bool, error) {
	var out models.PauseState
	var changed bool
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		changed = false
		cur, err := scanPause(tx.QueryRow(ctx, `SELECT `+pauseColumns+` FROM system_worker_pause_state WHERE id = 1 FOR UPDATE`))
		if err != nil {
			return fmt.Errorf("lock pause state: %w", err)
		}

		var auditMode *string
		switch req.Action {
		case models.ActionPause:
			if cur.Paused {
				if cur.Mode != nil && *cur.Mode == req.Mode {
					out = cur
					return nil
				}
				return models.Conflictf("workers are already paused in %s mode; resume first", derefMode(cur.Mode))
			}
			out, err = scanPause(tx.QueryRow(ctx, `
				UPDATE system_worker_pause_state SET
					paused = true, mode = $1, reason = $2, requested_by = $3,
					requested_at = now(), version = version + 1, updated_at = now()
				WHERE id = 1
				RETURNING `+pauseColumns, string(req.Mode), req.Reason, emptyToNil(req.Actor)))
			m := string(req.Mode)
			auditMode = &m
		case models.ActionResume:
			if !cur.Paused {
				out = cur
				return nil
			}
			out, err = scanPause(tx.QueryRow(ctx, `
				UPDATE system_worker_pause_state SET
					paused = false, mode = NULL, reason = $1, requested_by = $2,
					requested_at = now(), version = version + 1, updated_at = now()
				WHERE id = 1
				RETURNING `+pauseColumns, req.Reason, emptyToNil(req.Actor)))
			if cur.Mode != nil {
				m := string(*cur.Mode)
				auditMode = &m
			}
		default:
			return models.Validationf("unknown pause action %q", req.Action)
		}
		if err != nil {
			return fmt.Errorf("update pause state: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO system_control_events (id, action, mode, reason, actor, forced)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.New().String(), string(req.Action), auditMode, req.Reason, emptyToNil(req.Actor), req.Forced); err != nil {
			return fmt.Errorf("insert control event: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return models.PauseState{}, false, err
	}
	return out, changed, nil
}

// ListControlEvents returns the newest pause audit rows first.
func (s *Store) ListControlEvents(ctx context.Context, limit int) ([]models.ControlEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, action, mode, reason, actor, forced, created_at
		FROM system_control_events
		WHERE control = 'worker_pause'
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list control events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ControlEvent, error) {
		var ev models.ControlEvent
		var action string
		var mode, actor pgtype.Text
		if err := row.Scan(&ev.ID, &action, &mode, &ev.Reason, &actor, &ev.Forced, &ev.CreatedAt); err != nil {
			return models.ControlEvent{}, err
		}
		ev.Action = models.PauseAction(action)
		ev.Mode = modePtr(mode)
		ev.Actor = textPtr(actor)
		return ev, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan control events: %w", err)
	}
	return events, nil
}

func scanPause(row pgx.Row) (models.PauseState, error) {
	var st models.PauseState
	var mode, reason, requestedBy pgtype.Text
	var requestedAt pgtype.Timestamptz
	if err := row.Scan(&st.Paused, &mode, &reason, &st.Version, &requestedBy, &requestedAt, &st.UpdatedAt); err != nil {
		return models.PauseState{}, err
	}
	st.Mode = modePtr(mode)
	st.Reason = textPtr(reason)
	st.RequestedBy = textPtr(requestedBy)
	st.RequestedAt = timePtr(requestedAt)
	return st, nil
}

func modePtr(t pgtype.Text) *models.PauseMode {
	if !t.Valid {
		return nil
	}
	m := models.PauseMode(t.String)
	return &m
}

func derefMode(m *models.PauseMode) string {
	if m == nil {
		return "unknown"
	}
	return string(*m)
}
