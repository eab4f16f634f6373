package service

import (
	"context"
	"strings"

	"agent-queue/internal/models"
)

// IssueCredential creates a worker credential and returns its raw token. Only
// the token hash is persisted.
func (s *Service) IssueCredential(ctx context.Context, req CreateCredentialRequest) (IssuedCredential, error) {
	workerID := strings.TrimSpace(req.WorkerID)
	if workerID == "" {
		return IssuedCredential{}, models.Validationf("workerId is required")
	}
	raw := GenerateToken()
	cred, err := s.repo.CreateCredential(ctx, models.NewCredential{
		WorkerID:            workerID,
		TokenHash:           HashToken(raw),
		Description:         strings.TrimSpace(req.Description),
		AllowedRepositories: normalizeList(req.AllowedRepositories),
		AllowedJobTypes:     normalizeList(req.AllowedJobTypes),
		Capabilities:        normalizeList(req.Capabilities),
	})
	if err != nil {
		return IssuedCredential{}, err
	}
	s.log.Info("worker credential issued", "credential_id", cred.ID, "worker_id", workerID)
	return IssuedCredential{Credential: cred, Token: raw}, nil
}

func (s *Service) ListCredentials(ctx context.Context) ([]models.WorkerCredential, error) {
	return s.repo.ListCredentials(ctx)
}

func (s *Service) RevokeCredential(ctx context.Context, id string) (models.WorkerCredential, error) {
	cred, err := s.repo.RevokeCredential(ctx, id)
	if err != nil {
		return models.WorkerCredential{}, err
	}
	s.log.Info("worker credential revoked", "credential_id", id, "worker_id", cred.WorkerID)
	return cred, nil
}
