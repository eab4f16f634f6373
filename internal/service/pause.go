package service

import (
	"context"
	"strings"

	"agent-queue/internal/models"
	"agent-queue/internal/telemetry"
)

// PauseState returns the current snapshot with drain metrics and the newest
// audit rows.
func (s *Service) PauseState(ctx context.Context) (PauseSnapshot, error) {
	state, err := s.repo.GetPauseState(ctx)
	if err != nil {
		return PauseSnapshot{}, err
	}
	return s.snapshot(ctx, state)
}

func (s *Service) snapshot(ctx context.Context, state models.PauseState) (PauseSnapshot, error) {
	counts, err := s.repo.QueueCounts(ctx)
	if err != nil {
		return PauseSnapshot{}, err
	}
	audit, err := s.repo.ListControlEvents(ctx, s.opts.PauseAuditLimit)
	if err != nil {
		return PauseSnapshot{}, err
	}
	telemetry.ObserveQueue(counts)
	telemetry.ObservePause(state)
	return PauseSnapshot{
		System: state,
		Metrics: DrainMetrics{
			Queued:       counts.Queued,
			Running:      counts.Running,
			StaleRunning: counts.StaleRunning,
			IsDrained:    counts.Drained(),
		},
		Audit: PauseAudit{Latest: audit},
	}, nil
}

// ApplyPause pauses or resumes workers. Resuming while running work remains
// requires ForceResume, and such resumes are flagged in the audit log.
func (s *Service) ApplyPause(ctx context.Context, req PauseRequest, actor string) (PauseResult, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return PauseResult{}, models.Validationf("reason required")
	}

	repoReq := models.PauseRequest{Action: req.Action, Reason: reason, Actor: strings.TrimSpace(actor)}
	forced := false
	switch req.Action {
	case models.ActionPause:
		if !req.Mode.Valid() {
			return PauseResult{}, models.Validationf("mode required: drain or quiesce")
		}
		repoReq.Mode = req.Mode
	case models.ActionResume:
		current, err := s.repo.GetPauseState(ctx)
		if err != nil {
			return PauseResult{}, err
		}
		if current.Paused {
			counts, err := s.repo.QueueCounts(ctx)
			if err != nil {
				return PauseResult{}, err
			}
			if !counts.Drained() {
				if !req.ForceResume {
					return PauseResult{}, models.Conflictf(
						"workers are not drained (running=%d, staleRunning=%d); use forceResume to override drain check",
						counts.Running, counts.StaleRunning)
				}
				forced = true
			}
		}
	default:
		return PauseResult{}, models.Validationf("action must be pause or resume")
	}
	repoReq.Forced = forced

	state, changed, err := s.repo.SetPauseState(ctx, repoReq)
	if err != nil {
		return PauseResult{}, err
	}
	if changed {
		s.log.Info("worker pause updated",
			"action", req.Action, "mode", req.Mode, "reason", reason,
			"actor", actor, "version", state.Version, "forced", forced)
	}
	snap, err := s.snapshot(ctx, state)
	if err != nil {
		return PauseResult{}, err
	}
	return PauseResult{PauseSnapshot: snap, Changed: changed, ForcedResume: forced && changed}, nil
}
