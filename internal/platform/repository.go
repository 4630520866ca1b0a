package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ConfigRepository defines the data-access contract for platform configs.
type ConfigRepository interface {
	Create(ctx context.Context, cfg Config) (*Config, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]Config, error)
	// GetByID returns the config only when it belongs to projectID; a config
	// owned by another project yields ErrNotFound so ids are not enumerable
	// across tenants.
	GetByID(ctx context.Context, projectID, id uuid.UUID) (*Config, error)
	// GetByToken looks a config up by its webhook token, the only routing key
	// exposed in inbound URLs.
	GetByToken(ctx context.Context, token string) (*Config, error)
	Update(ctx context.Context, cfg Config) (*Config, error)
	Delete(ctx context.Context, projectID, id uuid.UUID) error
}

const configColumns = `id, project_id, platform, credentials_encrypted, is_active, test_mode,
webhook_token, created_at, updated_at`

// PGConfigRepository implements ConfigRepository using PostgreSQL.
type PGConfigRepository struct {
	db *pgxpool.Pool
}

// NewPGConfigRepository creates a PostgreSQL-backed config repository.
func NewPGConfigRepository(db *pgxpool.Pool) *PGConfigRepository {
	return &PGConfigRepository{db: db}
}

func (r *PGConfigRepository) Create(ctx context.Context, cfg Config) (*Config, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO project_platforms (project_id, platform, credentials_encrypted, is_active, test_mode, webhook_token)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+configColumns,
		cfg.ProjectID, cfg.Platform, cfg.CredentialsEncrypted, cfg.IsActive, cfg.TestMode, cfg.WebhookToken,
	)
	out, err := scanConfig(row)
	if err != nil {
		return nil, fmt.Errorf("insert platform config: %w", err)
	}
	return out, nil
}

func (r *PGConfigRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]Config, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM project_platforms WHERE project_id = $1 ORDER BY created_at", configColumns),
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query platform configs: %w", err)
	}
	defer rows.Close()

	var out []Config
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan platform config: %w", err)
		}
		out = append(out, *cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate platform configs: %w", err)
	}
	return out, nil
}

func (r *PGConfigRepository) GetByID(ctx context.Context, projectID, id uuid.UUID) (*Config, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM project_platforms WHERE id = $1 AND project_id = $2", configColumns),
		id, projectID,
	)
	cfg, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query platform config: %w", err)
	}
	return cfg, nil
}

func (r *PGConfigRepository) GetByToken(ctx context.Context, token string) (*Config, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM project_platforms WHERE webhook_token = $1", configColumns),
		token,
	)
	cfg, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query platform config by token: %w", err)
	}
	return cfg, nil
}

func (r *PGConfigRepository) Update(ctx context.Context, cfg Config) (*Config, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE project_platforms
		 SET credentials_encrypted = $1, is_active = $2, test_mode = $3, updated_at = NOW()
		 WHERE id = $4 AND project_id = $5
		 RETURNING `+configColumns,
		cfg.CredentialsEncrypted, cfg.IsActive, cfg.TestMode, cfg.ID, cfg.ProjectID,
	)
	out, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update platform config: %w", err)
	}
	return out, nil
}

func (r *PGConfigRepository) Delete(ctx context.Context, projectID, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM project_platforms WHERE id = $1 AND project_id = $2", id, projectID,
	)
	if err != nil {
		return fmt.Errorf("delete platform config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConfig(row pgx.Row) (*Config, error) {
	var c Config
	err := row.Scan(
		&c.ID, &c.ProjectID, &c.Platform, &c.CredentialsEncrypted, &c.IsActive, &c.TestMode,
		&c.WebhookToken, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
