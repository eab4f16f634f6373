package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"agent-queue/internal/models"
)

const artifactColumns = `id, job_id, name, content_type, size_bytes, digest, storage_path, created_at`

// CreateArtifact records artifact metadata for a job the worker still owns and
// sets the job's artifacts path on first upload.
func (s *Store) CreateArtifact(ctx context.Context, a models.NewArtifact) (models.Artifact, error) {
	var out models.Artifact
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, a.JobID)
		if err != nil {
			return err
		}
		if err := models.CheckOwned(job, a.WorkerID); err != nil {
			return err
		}
		out, err = scanArtifact(tx.QueryRow(ctx, `
			INSERT INTO agent_job_artifacts (id, job_id, name, content_type, size_bytes, digest, storage_path)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+artifactColumns,
			uuid.New().String(), a.JobID, a.Name, emptyToNil(a.ContentType), a.SizeBytes,
			emptyToNil(a.Digest), a.StoragePath))
		if err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE agent_jobs SET artifacts_path = COALESCE(artifacts_path, $2), updated_at = now()
			WHERE id = $1
		`, a.JobID, models.ArtifactsRoot(a.StoragePath)); err != nil {
			return fmt.Errorf("set artifacts path: %w", err)
		}
		return nil
	})
	return out, err
}

// ListArtifacts returns a job's artifacts, newest first.
func (s *Store) ListArtifacts(ctx context.Context, jobID string, limit int) ([]models.Artifact, error) {
	if err := s.jobExists(ctx, jobID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+artifactColumns+` FROM agent_job_artifacts
		WHERE job_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	artifacts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Artifact, error) {
		return scanArtifact(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan artifacts: %w", err)
	}
	return artifacts, nil
}

func scanArtifact(row pgx.Row) (models.Artifact, error) {
	var a models.Artifact
	var contentType, digest pgtype.Text
	if err := row.Scan(&a.ID, &a.JobID, &a.Name, &contentType, &a.SizeBytes, &digest, &a.StoragePath, &a.CreatedAt); err != nil {
		return models.Artifact{}, err
	}
	a.ContentType = textPtr(contentType)
	a.Digest = textPtr(digest)
	return a, nil
}
