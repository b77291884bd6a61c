package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/catalog-enricher/internal/models"
)

// SaveTaxonomy replaces the stored tree of a domain with rows.
func (db *DB) SaveTaxonomy(ctx context.Context, domain string, rows []models.TaxonomyNode) error {
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM taxonomy_nodes WHERE domain = $1`, domain); err != nil {
			return fmt.Errorf("failed to clear taxonomy: %w", err)
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"taxonomy_nodes"},
			[]string{"domain", "id", "parent_id", "name", "url", "kind", "level"},
			pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
				n := rows[i]
				return []any{domain, n.ID, n.ParentID, n.Name, n.URL, string(n.Kind), n.Level}, nil
			}))
		if err != nil {
			return fmt.Errorf("failed to write taxonomy: %w", err)
		}
		return nil
	})
}

func (db *DB) LoadTaxonomy(ctx context.Context, domain string) ([]models.TaxonomyNode, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, parent_id, name, url, kind, level
		FROM taxonomy_nodes
		WHERE domain = $1
		ORDER BY id`, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to load taxonomy: %w", err)
	}
	nodes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.TaxonomyNode, error) {
		var n models.TaxonomyNode
		err := row.Scan(&n.ID, &n.ParentID, &n.Name, &n.URL, &n.Kind, &n.Level)
		return n, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan taxonomy: %w", err)
	}
	return nodes, nil
}

func (db *DB) CountTaxonomy(ctx context.Context, domain string) (int, error) {
	var count int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM taxonomy_nodes WHERE domain = $1`, domain).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count taxonomy: %w", err)
	}
	return count, nil
}
