package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"agent-queue/internal/models"
)

const credentialColumns = `id, worker_id, token_hash, description, allowed_repositories, allowed_job_types,
	capabilities, is_active, created_at, updated_at`

func (s *Store) CreateCredential(ctx context.Context, c models.NewCredential) (models.WorkerCredential, error) {
	cred, err := scanCredential(s.pool.QueryRow(ctx, `
		INSERT INTO agent_worker_credentials (id, worker_id, token_hash, description,
			allowed_repositories, allowed_job_types, capabilities)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+credentialColumns,
		uuid.New().String(), c.WorkerID, c.TokenHash, emptyToNil(c.Description),
		nonNil(c.AllowedRepositories), nonNil(c.AllowedJobTypes), nonNil(c.Capabilities)))
	if err != nil {
		return models.WorkerCredential{}, fmt.Errorf("insert credential: %w", err)
	}
	return cred, nil
}

// CredentialByHash looks up a credential by its token hash, active or not.
func (s *Store) CredentialByHash(ctx context.Context, tokenHash string) (models.WorkerCredential, error) {
	cred, err := scanCredential(s.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM agent_worker_credentials WHERE token_hash = $1`, tokenHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WorkerCredential{}, models.NotFoundf("worker credential was not found")
	}
	if err != nil {
		return models.WorkerCredential{}, fmt.Errorf("get credential: %w", err)
	}
	return cred, nil
}

func (s *Store) ListCredentials(ctx context.Context) ([]models.WorkerCredential, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+credentialColumns+` FROM agent_worker_credentials ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	creds, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.WorkerCredential, error) {
		return scanCredential(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan credentials: %w", err)
	}
	return creds, nil
}

// RevokeCredential deactivates a credential. Revoking twice is harmless.
func (s *Store) RevokeCredential(ctx context.Context, id string) (models.WorkerCredential, error) {
	cred, err := scanCredential(s.pool.QueryRow(ctx, `
		UPDATE agent_worker_credentials SET is_active = false, updated_at = now()
		WHERE id = $1
		RETURNING `+credentialColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WorkerCredential{}, models.NotFoundf("worker credential %s was not found", id)
	}
	if err != nil {
		return models.WorkerCredential{}, fmt.Errorf("revoke credential: %w", err)
	}
	return cred, nil
}

func scanCredential(row pgx.Row) (models.WorkerCredential, error) {
	var c models.WorkerCredential
	var description pgtype.Text
	if err := row.Scan(&c.ID, &c.WorkerID, &c.TokenHash, &description, &c.AllowedRepositories,
		&c.AllowedJobTypes, &c.Capabilities, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return models.WorkerCredential{}, err
	}
	c.Description = textPtr(description)
	c.AllowedRepositories = nonNil(c.AllowedRepositories)
	c.AllowedJobTypes = nonNil(c.AllowedJobTypes)
	c.Capabilities = nonNil(c.Capabilities)
	return c, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
