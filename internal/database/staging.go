package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/catalog-enricher/internal/models"
)

// InsertStagingRecord stages one extraction result. It reports false when the
// URL is already staged for the job or the job is no longer accepting work.
func (db *DB) InsertStagingRecord(ctx context.Context, rec *models.StagingRecord) (bool, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to encode staging payload: %w", err)
	}

	query := `
		INSERT INTO staging_records (job_id, url, status, payload, error)
		SELECT $1, $2, $3, $4, $5
		WHERE EXISTS (
			SELECT 1 FROM crawl_jobs WHERE id = $1 AND status IN ('pending', 'running', 'paused')
		)
		ON CONFLICT (job_id, url) DO NOTHING
		RETURNING id, created_at`

	err = db.pool.QueryRow(ctx, query, rec.JobID, rec.URL, rec.Status, payload, rec.Error).
		Scan(&rec.ID, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert staging record: %w", err)
	}
	return true, nil
}

// StagedURLs returns the URLs already staged for a job.
func (db *DB) StagedURLs(ctx context.Context, jobID string) ([]string, error) {
	rows, err := db.pool.Query(ctx, `SELECT url FROM staging_records WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list staged urls: %w", err)
	}
	urls, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan staged urls: %w", err)
	}
	return urls, nil
}

func (db *DB) ListStaging(ctx context.Context, jobID string) ([]*models.StagingRecord, error) {
	return listStaging(ctx, db.pool, jobID, false)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listStaging(ctx context.Context, q querier, jobID string, lock bool) ([]*models.StagingRecord, error) {
	query := `
		SELECT id, job_id, url, status, payload, error, created_at
		FROM staging_records
		WHERE job_id = $1
		ORDER BY id`
	if lock {
		query += ` FOR UPDATE`
	}

	rows, err := q.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list staging: %w", err)
	}
	defer rows.Close()

	var records []*models.StagingRecord
	for rows.Next() {
		rec := &models.StagingRecord{}
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.URL, &rec.Status, &payload, &rec.Error, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan staging record: %w", err)
		}
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode staging payload %d: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating staging: %w", err)
	}
	return records, nil
}

func (db *DB) DeleteStagingForJob(ctx context.Context, jobID string) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM staging_records WHERE job_id = $1`, jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete staging: %w", err)
	}
	return tag.RowsAffected(), nil
}
