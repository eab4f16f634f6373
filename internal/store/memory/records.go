package memory

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"agent-queue/internal/models"
)

func (s *Store) AppendEvent(_ context.Context, e models.NewEvent) (models.JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[e.JobID]; !ok {
		return models.JobEvent{}, models.JobNotFound(e.JobID)
	}
	return s.appendLocked(e), nil
}

func (s *Store) appendLocked(e models.NewEvent) models.JobEvent {
	s.nextEventID++
	ev := models.JobEvent{
		ID:        s.nextEventID,
		JobID:     e.JobID,
		Level:     e.Level,
		Message:   e.Message,
		Payload:   e.Payload,
		CreatedAt: s.now().UTC(),
	}
	s.events = append(s.events, ev)
	return ev
}

func (s *Store) ListEvents(_ context.Context, jobID string, after models.Cursor, limit int) ([]models.JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, models.JobNotFound(jobID)
	}
	out := make([]models.JobEvent, 0)
	for _, ev := range s.events {
		if ev.JobID != jobID || ev.Cursor() <= after {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetPauseState(context.Context) (models.PauseState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pause, nil
}

func (s *Store) SetPauseState(_ context.Context, req models.PauseRequest) (models.PauseState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.pause
	now := s.now().UTC()
	next := models.PauseState{
		Version:     cur.Version + 1,
		Reason:      &req.Reason,
		RequestedBy: strPtr(req.Actor),
		RequestedAt: &now,
		UpdatedAt:   now,
	}
	var auditMode *models.PauseMode

	switch req.Action {
	case models.ActionPause:
		if cur.Paused {
			if cur.Mode != nil && *cur.Mode == req.Mode {
				return cur, false, nil
			}
			return models.PauseState{}, false, models.Conflictf("workers are already paused in %s mode; resume first", *cur.Mode)
		}
		mode := req.Mode
		next.Paused = true
		next.Mode = &mode
		auditMode = &mode
	case models.ActionResume:
		if !cur.Paused {
			return cur, false, nil
		}
		auditMode = cur.Mode
	default:
		return models.PauseState{}, false, models.Validationf("unknown pause action %q", req.Action)
	}

	s.pause = next
	s.control = append(s.control, models.ControlEvent{
		ID:        uuid.New().String(),
		Action:    req.Action,
		Mode:      auditMode,
		Reason:    req.Reason,
		Actor:     strPtr(req.Actor),
		Forced:    req.Forced,
		CreatedAt: now,
	})
	return next, true, nil
}

func (s *Store) ListControlEvents(_ context.Context, limit int) ([]models.ControlEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ControlEvent, 0, limit)
	for i := len(s.control) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.control[i])
	}
	return out, nil
}

func (s *Store) CreateCredential(_ context.Context, c models.NewCredential) (models.WorkerCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.creds {
		if existing.TokenHash == c.TokenHash {
			return models.WorkerCredential{}, models.Conflictf("token hash already registered")
		}
	}
	now := s.now().UTC()
	cred := &models.WorkerCredential{
		ID:                  uuid.New().String(),
		WorkerID:            c.WorkerID,
		TokenHash:           c.TokenHash,
		Description:         strPtr(c.Description),
		AllowedRepositories: nonNil(c.AllowedRepositories),
		AllowedJobTypes:     nonNil(c.AllowedJobTypes),
		Capabilities:        nonNil(c.Capabilities),
		IsActive:            true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	s.creds[cred.ID] = cred
	return *cred, nil
}

func (s *Store) CredentialByHash(_ context.Context, tokenHash string) (models.WorkerCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.creds {
		if c.TokenHash == tokenHash {
			return *c, nil
		}
	}
	return models.WorkerCredential{}, models.NotFoundf("worker credential was not found")
}

func (s *Store) ListCredentials(context.Context) ([]models.WorkerCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.WorkerCredential, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, *c)
	}
	slices.SortFunc(out, func(a, b models.WorkerCredential) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (s *Store) RevokeCredential(_ context.Context, id string) (models.WorkerCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return models.WorkerCredential{}, models.NotFoundf("worker credential %s was not found", id)
	}
	c.IsActive = false
	c.UpdatedAt = s.now().UTC()
	return *c, nil
}

func (s *Store) CreateArtifact(_ context.Context, a models.NewArtifact) (models.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.ownedLocked(a.JobID, a.WorkerID)
	if err != nil {
		return models.Artifact{}, err
	}
	now := s.now().UTC()
	art := models.Artifact{
		ID:          uuid.New().String(),
		JobID:       a.JobID,
		Name:        a.Name,
		ContentType: strPtr(a.ContentType),
		SizeBytes:   a.SizeBytes,
		Digest:      strPtr(a.Digest),
		StoragePath: a.StoragePath,
		CreatedAt:   now,
	}
	s.artifacts = append(s.artifacts, art)
	if job.ArtifactsPath == nil {
		root := models.ArtifactsRoot(a.StoragePath)
		job.ArtifactsPath = &root
	}
	job.UpdatedAt = now
	return art, nil
}

func (s *Store) ListArtifacts(_ context.Context, jobID string, limit int) ([]models.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, models.JobNotFound(jobID)
	}
	out := make([]models.Artifact, 0)
	for i := len(s.artifacts) - 1; i >= 0 && len(out) < limit; i-- {
		if s.artifacts[i].JobID == jobID {
			out = append(out, s.artifacts[i])
		}
	}
	return out, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return slices.Clone(v)
}
