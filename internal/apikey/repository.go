package apikey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatekit-io/gatekit-server/internal/postgres"
)

// Repository defines the data-access contract for API keys.
type Repository interface {
	Insert(ctx context.Context, key Key) (*Key, error)
	// GetByPrefix resolves the single key row matching a secret's first
	// characters; key_prefix is unique so at most one row matches.
	GetByPrefix(ctx context.Context, prefix string) (*Key, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]Key, error)
	Revoke(ctx context.Context, projectID, id uuid.UUID) error
	// TouchLastUsed stamps last_used_at; callers invoke it best-effort off
	// the request path.
	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a PostgreSQL-backed API key repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

func (r *PGRepository) Insert(ctx context.Context, key Key) (*Key, error) {
	var out Key
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`INSERT INTO api_keys (project_id, key_hash, key_prefix, key_suffix, name, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING id, project_id, key_hash, key_prefix, key_suffix, name, expires_at, revoked_at, last_used_at, created_at`,
			key.ProjectID, key.KeyHash, key.KeyPrefix, key.KeySuffix, key.Name, key.ExpiresAt,
		)
		if err := scanKey(row, &out); err != nil {
			return fmt.Errorf("insert api key: %w", err)
		}
		for _, scope := range key.Scopes {
			if _, err := tx.Exec(ctx,
				"INSERT INTO api_key_scopes (api_key_id, scope) VALUES ($1, $2) ON CONFLICT DO NOTHING",
				out.ID, scope,
			); err != nil {
				return fmt.Errorf("insert api key scope: %w", err)
			}
		}
		out.Scopes = key.Scopes
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *PGRepository) GetByPrefix(ctx context.Context, prefix string) (*Key, error) {
	var key Key
	row := r.db.QueryRow(ctx,
		`SELECT id, project_id, key_hash, key_prefix, key_suffix, name, expires_at, revoked_at, last_used_at, created_at
		 FROM api_keys WHERE key_prefix = $1`,
		prefix,
	)
	if err := scanKey(row, &key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query api key: %w", err)
	}
	scopes, err := r.scopesFor(ctx, key.ID)
	if err != nil {
		return nil, err
	}
	key.Scopes = scopes
	return &key, nil
}

func (r *PGRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]Key, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, project_id, key_hash, key_prefix, key_suffix, name, expires_at, revoked_at, last_used_at, created_at
		 FROM api_keys WHERE project_id = $1 ORDER BY created_at`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		if err := scanKey(rows, &key); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api keys: %w", err)
	}
	for i := range keys {
		scopes, err := r.scopesFor(ctx, keys[i].ID)
		if err != nil {
			return nil, err
		}
		keys[i].Scopes = scopes
	}
	return keys, nil
}

func (r *PGRepository) Revoke(ctx context.Context, projectID, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE api_keys SET revoked_at = NOW() WHERE id = $1 AND project_id = $2 AND revoked_at IS NULL",
		id, projectID,
	)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.Exec(ctx, "UPDATE api_keys SET last_used_at = $1 WHERE id = $2", at, id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

func (r *PGRepository) scopesFor(ctx context.Context, keyID uuid.UUID) ([]string, error) {
	rows, err := r.db.Query(ctx, "SELECT scope FROM api_key_scopes WHERE api_key_id = $1 ORDER BY scope", keyID)
	if err != nil {
		return nil, fmt.Errorf("query api key scopes: %w", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan api key scope: %w", err)
		}
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}

func scanKey(row pgx.Row, key *Key) error {
	return row.Scan(
		&key.ID, &key.ProjectID, &key.KeyHash, &key.KeyPrefix, &key.KeySuffix,
		&key.Name, &key.ExpiresAt, &key.RevokedAt, &key.LastUsedAt, &key.CreatedAt,
	)
}
