package postgres

import (
	"context"
	"database/sql"
	"time"

	"tavren/internal/domain"
	pkgerrors "tavren/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// APIKeyRepository persists buyer API keys.
type APIKeyRepository struct {
	db *sqlx.DB
}

// NewAPIKeyRepository creates a new APIKeyRepository.
func NewAPIKeyRepository(db *sqlx.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// Create inserts a new API key record.
func (r *APIKeyRepository) Create(ctx context.Context, key *domain.APIKey) error {
	query := `
		INSERT INTO api_keys (
			id, principal_id, name, key_prefix, key_hash, is_active, created_at
		) VALUES (
			:id, :principal_id, :name, :key_prefix, :key_hash, :is_active, :created_at
		)
	`
	if _, err := r.db.NamedExecContext(ctx, query, key); err != nil {
		return pkgerrors.Wrap(err, "failed to create api key")
	}
	return nil
}

// GetByKeyHash looks up an active key by its stored hash.
func (r *APIKeyRepository) GetByKeyHash(ctx context.Context, hash string) (*domain.APIKey, error) {
	var key domain.APIKey
	query := `
		SELECT id, principal_id, name, key_prefix, key_hash, is_active,
		       created_at, last_used_at, revoked_at
		FROM api_keys
		WHERE key_hash = $1
	`
	err := r.db.GetContext(ctx, &key, query, hash)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to find api key")
	}
	return &key, nil
}

// List returns all keys, newest first.
func (r *APIKeyRepository) List(ctx context.Context) ([]domain.APIKey, error) {
	var keys []domain.APIKey
	query := `
		SELECT id, principal_id, name, key_prefix, key_hash, is_active,
		       created_at, last_used_at, revoked_at
		FROM api_keys
		ORDER BY created_at DESC
	`
	if err := r.db.SelectContext(ctx, &keys, query); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list api keys")
	}
	return keys, nil
}

// Revoke deactivates a key.
func (r *APIKeyRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE api_keys SET is_active = FALSE, revoked_at = $2 WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return pkgerrors.Wrap(err, "failed to revoke api key")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return pkgerrors.Wrap(err, "failed to revoke api key")
	}
	if rows == 0 {
		return pkgerrors.ErrAPIKeyNotFound
	}
	return nil
}

// UpdateLastUsed stamps the key's last successful use.
func (r *APIKeyRepository) UpdateLastUsed(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return pkgerrors.Wrap(err, "failed to update api key usage")
	}
	return nil
}
