package project

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatekit-io/gatekit-server/internal/postgres"
)

// Repository defines the data-access contract for projects.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Project, error)
	GetBySlug(ctx context.Context, slug string) (*Project, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Project, error)
	// Delete removes a project. It returns ErrHasActiveKeys while any
	// unrevoked API key references the project.
	Delete(ctx context.Context, id uuid.UUID) error
}

// CreateParams groups the inputs for creating a project.
type CreateParams struct {
	Slug        string
	Name        string
	Environment Environment
	OwnerID     string
	IsDefault   bool
}

const projectColumns = "id, slug, name, environment, owner_id, is_default, created_at, updated_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a PostgreSQL-backed project repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Project, error) {
	if !ValidSlug(params.Slug) {
		return nil, ErrInvalidSlug
	}
	if params.Environment == "" {
		params.Environment = EnvProduction
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO projects (slug, name, environment, owner_id, is_default)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+projectColumns,
		params.Slug, params.Name, params.Environment, params.OwnerID, params.IsDefault,
	)
	p, err := scanProject(row)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrSlugTaken
		}
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

func (r *PGRepository) GetBySlug(ctx context.Context, slug string) (*Project, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM projects WHERE slug = $1", projectColumns), slug,
	)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query project by slug: %w", err)
	}
	return p, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Project, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM projects WHERE id = $1", projectColumns), id,
	)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query project by id: %w", err)
	}
	return p, nil
}

func (r *PGRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var activeKeys int
		err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM api_keys
			 WHERE project_id = $1 AND revoked_at IS NULL
			   AND (expires_at IS NULL OR expires_at > NOW())`,
			id,
		).Scan(&activeKeys)
		if err != nil {
			return fmt.Errorf("count active keys: %w", err)
		}
		if activeKeys > 0 {
			return ErrHasActiveKeys
		}

		tag, err := tx.Exec(ctx, "DELETE FROM projects WHERE id = $1", id)
		if err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func scanProject(row pgx.Row) (*Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.Environment, &p.OwnerID, &p.IsDefault, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
