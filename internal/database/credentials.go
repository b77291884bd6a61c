package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/catalog-enricher/internal/auth"
	"github.com/maltedev/catalog-enricher/internal/models"
)

// ReadCredential returns the stored login of a credential id. Values are
// stored as given; encryption at rest is left to the database.
func (db *DB) ReadCredential(ctx context.Context, id string) (*auth.Credential, error) {
	cred := &auth.Credential{ID: id}
	err := db.pool.QueryRow(ctx,
		`SELECT username, password, login_url FROM credentials WHERE id = $1`, id).
		Scan(&cred.Username, &cred.Password, &cred.LoginURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrCredentialNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}
	return cred, nil
}

// SaveCredential stores or replaces a credential.
func (db *DB) SaveCredential(ctx context.Context, cred *auth.Credential) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO credentials (id, username, password, login_url)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			password = EXCLUDED.password,
			login_url = EXCLUDED.login_url`,
		cred.ID, cred.Username, cred.Password, cred.LoginURL)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}
