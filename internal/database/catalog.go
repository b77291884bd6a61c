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

type execQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UpsertProduct inserts or replaces the catalog row with p's URL and reports
// whether a new row was created.
func (db *DB) UpsertProduct(ctx context.Context, p *models.CatalogProduct) (bool, error) {
	return upsertProduct(ctx, db.pool, p)
}

func upsertProduct(ctx context.Context, q execQuerier, p *models.CatalogProduct) (bool, error) {
	variants, err := json.Marshal(p.Variants)
	if err != nil {
		return false, fmt.Errorf("failed to encode variants: %w", err)
	}
	gallery, err := json.Marshal(p.Gallery)
	if err != nil {
		return false, fmt.Errorf("failed to encode gallery: %w", err)
	}
	files, err := json.Marshal(p.Files)
	if err != nil {
		return false, fmt.Errorf("failed to encode files: %w", err)
	}
	associated, err := json.Marshal(p.Associated)
	if err != nil {
		return false, fmt.Errorf("failed to encode associated products: %w", err)
	}
	features, err := json.Marshal(p.Features)
	if err != nil {
		return false, fmt.Errorf("failed to encode features: %w", err)
	}

	query := `
		INSERT INTO catalog_products (
			profile_id, category_path, name, url, hero_image, code,
			variants, gallery, files, associated, features
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (url) DO UPDATE SET
			profile_id = EXCLUDED.profile_id,
			category_path = EXCLUDED.category_path,
			name = EXCLUDED.name,
			hero_image = EXCLUDED.hero_image,
			code = EXCLUDED.code,
			variants = EXCLUDED.variants,
			gallery = EXCLUDED.gallery,
			files = EXCLUDED.files,
			associated = EXCLUDED.associated,
			features = EXCLUDED.features,
			updated_at = NOW()
		RETURNING id, created_at, updated_at, (xmax = 0) AS inserted`

	var inserted bool
	err = q.QueryRow(ctx, query,
		p.ProfileID, p.CategoryPath, p.Name, p.URL, p.HeroImage, p.Code,
		variants, gallery, files, associated, features,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt, &inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert product %s: %w", p.URL, err)
	}
	return inserted, nil
}

func (db *DB) GetProductByURL(ctx context.Context, url string) (*models.CatalogProduct, error) {
	query := `
		SELECT id, profile_id, category_path, name, url, hero_image, code,
		       variants, gallery, files, associated, features, created_at, updated_at
		FROM catalog_products
		WHERE url = $1`

	p := &models.CatalogProduct{}
	var variants, gallery, files, associated, features []byte
	err := db.pool.QueryRow(ctx, query, url).Scan(
		&p.ID, &p.ProfileID, &p.CategoryPath, &p.Name, &p.URL, &p.HeroImage, &p.Code,
		&variants, &gallery, &files, &associated, &features, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}

	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{variants, &p.Variants},
		{gallery, &p.Gallery},
		{files, &p.Files},
		{associated, &p.Associated},
		{features, &p.Features},
	} {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode product %s: %w", url, err)
		}
	}
	return p, nil
}

// CommitStagingToCatalog promotes every extracted staging row of a job into
// the catalog in one transaction: rows are upserted by URL, a
// PRODUCT_COMMITTED event is written to the outbox per row, the staging rows
// are deleted and the job is marked completed. A job that is no longer
// running is left untouched.
func (db *DB) CommitStagingToCatalog(ctx context.Context, jobID string, counters models.Counters) (*models.JobSummary, error) {
	outbox := NewOutboxRepository(db)
	var summary *models.JobSummary

	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		var status models.JobStatus
		var params []byte
		err := tx.QueryRow(ctx, `SELECT status, params FROM crawl_jobs WHERE id = $1 FOR UPDATE`, jobID).
			Scan(&status, &params)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock job: %w", err)
		}
		if !models.CanTransition(status, models.JobStatusCompleted) {
			return fmt.Errorf("%w: %s", models.ErrJobNotActive, status)
		}
		var jp models.JobParams
		if err := json.Unmarshal(params, &jp); err != nil {
			return fmt.Errorf("failed to decode params: %w", err)
		}

		records, err := listStaging(ctx, tx, jobID, true)
		if err != nil {
			return err
		}

		var rows []*models.CatalogProduct
		rows, summary = models.Commit(jp.ProfileID, records)
		for _, row := range rows {
			created, err := upsertProduct(ctx, tx, row)
			if err != nil {
				return err
			}
			payload, err := json.Marshal(ProductCommittedPayload{
				JobID:        jobID,
				ProductID:    row.ID,
				URL:          row.URL,
				Name:         row.Name,
				Code:         row.Code,
				CategoryPath: row.CategoryPath,
				ProfileID:    row.ProfileID,
				Created:      created,
			})
			if err != nil {
				return fmt.Errorf("failed to encode event: %w", err)
			}
			if err := outbox.Enqueue(ctx, tx, &OutboxEvent{
				AggregateType: AggregateProduct,
				AggregateID:   row.URL,
				EventType:     EventProductCommitted,
				Payload:       payload,
			}); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `DELETE FROM staging_records WHERE job_id = $1`, jobID); err != nil {
			return fmt.Errorf("failed to delete staging: %w", err)
		}

		encoded, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("failed to encode summary: %w", err)
		}
		now := time.Now()
		_, err = tx.Exec(ctx, `
			UPDATE crawl_jobs SET
				status = $2, progress = 100, found = $3, processed = $4, total = $5,
				summary = $6, updated_at = $7, completed_at = $7
			WHERE id = $1`,
			jobID, models.JobStatusCompleted, counters.Found, counters.Processed, counters.Total, encoded, now)
		if err != nil {
			return fmt.Errorf("failed to complete job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}
