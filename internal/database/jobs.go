package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/catalog-enricher/internal/models"
)

const jobColumns = `
	id, kind, status, progress, found, processed, total,
	params, summary, error, created_at, updated_at, started_at, completed_at`

func scanJob(row pgx.Row) (*models.CrawlJob, error) {
	job := &models.CrawlJob{}
	var params, summary []byte
	err := row.Scan(
		&job.ID, &job.Kind, &job.Status, &job.Progress,
		&job.Counters.Found, &job.Counters.Processed, &job.Counters.Total,
		&params, &summary, &job.Error,
		&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.Params); err != nil {
			return nil, fmt.Errorf("failed to decode params of job %s: %w", job.ID, err)
		}
	}
	if len(summary) > 0 {
		job.Summary = &models.JobSummary{}
		if err := json.Unmarshal(summary, job.Summary); err != nil {
			return nil, fmt.Errorf("failed to decode summary of job %s: %w", job.ID, err)
		}
	}
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]*models.CrawlJob, error) {
	defer rows.Close()
	var jobs []*models.CrawlJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

func (db *DB) CreateJob(ctx context.Context, job *models.CrawlJob) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}

	query := `
		INSERT INTO crawl_jobs (id, kind, status, params)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`

	err = db.pool.QueryRow(ctx, query, job.ID, job.Kind, job.Status, params).
		Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (db *DB) GetJob(ctx context.Context, id string) (*models.CrawlJob, error) {
	job, err := scanJob(db.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns the most recent jobs first.
func (db *DB) ListJobs(ctx context.Context, limit int) ([]*models.CrawlJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx, `SELECT `+jobColumns+` FROM crawl_jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListJobsByStatus returns jobs in any of the given states, oldest first.
func (db *DB) ListJobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.CrawlJob, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM crawl_jobs WHERE status = ANY($1) ORDER BY created_at`, names)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by status: %w", err)
	}
	return collectJobs(rows)
}

// ClaimNextJob moves the oldest pending job of one of the given kinds to
// running and returns it. Concurrent claimers never receive the same job.
func (db *DB) ClaimNextJob(ctx context.Context, kinds ...models.JobKind) (*models.CrawlJob, error) {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}

	query := `
		UPDATE crawl_jobs SET status = $1, started_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM crawl_jobs
			WHERE status = $2 AND kind = ANY($3)
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	job, err := scanJob(db.pool.QueryRow(ctx, query, models.JobStatusRunning, models.JobStatusPending, names))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNoPendingJob
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// WriteJobState persists the mutable part of a job. Progress never moves
// backwards and a terminal job is never rewritten.
func (db *DB) WriteJobState(ctx context.Context, id string, state models.JobState) error {
	var summary []byte
	if state.Summary != nil {
		var err error
		if summary, err = json.Marshal(state.Summary); err != nil {
			return fmt.Errorf("failed to encode summary: %w", err)
		}
	}

	now := time.Now()
	var completedAt *time.Time
	if state.Status.Terminal() {
		completedAt = &now
	}

	query := `
		UPDATE crawl_jobs SET
			status = $2,
			progress = GREATEST(progress, $3),
			found = $4,
			processed = $5,
			total = $6,
			summary = COALESCE($7, summary),
			error = $8,
			updated_at = $9,
			started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN $9 ELSE started_at END,
			completed_at = COALESCE($10, completed_at)
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'stopped')`

	tag, err := db.pool.Exec(ctx, query, id, state.Status, state.Progress,
		state.Counters.Found, state.Counters.Processed, state.Counters.Total,
		summary, state.Error, now, completedAt)
	if err != nil {
		return fmt.Errorf("failed to write job state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := db.GetJob(ctx, id); err != nil {
			return err
		}
		return models.ErrJobNotActive
	}
	return nil
}
