package message

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SentRepository is the data-access contract for per-target delivery records.
type SentRepository interface {
	// InsertPending creates a pending row for one target. The unique
	// (job_id, platform_config_id, target_chat_id) constraint makes repeat
	// inserts on job retry return the existing row instead of a duplicate.
	InsertPending(ctx context.Context, params SentParams) (*SentMessage, error)

	// MarkSent transitions a row to sent and records the provider's message ID.
	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, sentAt time.Time) error

	// MarkFailed transitions a row to failed with the provider error.
	MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error

	// ListByJob returns all rows for a job ordered by creation time.
	ListByJob(ctx context.Context, jobID string) ([]SentMessage, error)
}

// ReceivedRepository is the data-access contract for inbound events. Inserts
// are idempotent: replaying the same provider event is a no-op.
type ReceivedRepository interface {
	InsertMessage(ctx context.Context, params ReceivedParams) (inserted bool, err error)
	InsertReaction(ctx context.Context, params ReactionParams) (inserted bool, err error)
	ListMessages(ctx context.Context, projectID uuid.UUID, limit int) ([]ReceivedMessage, error)
}

// SentParams groups the inputs for inserting a pending delivery row.
type SentParams struct {
	JobID            string
	ProjectID        uuid.UUID
	PlatformConfigID uuid.UUID
	Platform         string
	TargetType       TargetType
	TargetChatID     string
	TargetUserID     *string
}

// ReceivedParams groups the inputs for persisting an inbound message.
type ReceivedParams struct {
	ProjectID         uuid.UUID
	PlatformConfigID  uuid.UUID
	Platform          string
	ProviderMessageID string
	ProviderChatID    string
	ProviderUserID    string
	Text              *string
	Raw               []byte
}

// ReactionParams groups the inputs for persisting an inbound reaction.
type ReactionParams struct {
	ProjectID         uuid.UUID
	PlatformConfigID  uuid.UUID
	Platform          string
	ProviderMessageID string
	ProviderUserID    string
	Emoji             string
	Type              ReactionType
}

const sentColumns = `id, job_id, project_id, platform_config_id, platform, target_type,
target_chat_id, target_user_id, status, provider_message_id, error_message, sent_at, created_at`

// PGSentRepository implements SentRepository using PostgreSQL.
type PGSentRepository struct {
	db *pgxpool.Pool
}

// NewPGSentRepository creates a PostgreSQL-backed delivery record repository.
func NewPGSentRepository(db *pgxpool.Pool) *PGSentRepository {
	return &PGSentRepository{db: db}
}

func (r *PGSentRepository) InsertPending(ctx context.Context, params SentParams) (*SentMessage, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO sent_messages (job_id, project_id, platform_config_id, platform, target_type, target_chat_id, target_user_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (job_id, platform_config_id, target_chat_id) DO UPDATE SET job_id = EXCLUDED.job_id
		 RETURNING `+sentColumns,
		params.JobID, params.ProjectID, params.PlatformConfigID, params.Platform,
		params.TargetType, params.TargetChatID, params.TargetUserID,
	)
	msg, err := scanSent(row)
	if err != nil {
		return nil, fmt.Errorf("insert delivery record: %w", err)
	}
	return msg, nil
}

func (r *PGSentRepository) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, sentAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE sent_messages SET status = 'sent', provider_message_id = $1, sent_at = $2, error_message = NULL
		 WHERE id = $3`,
		providerMessageID, sentAt, id,
	)
	if err != nil {
		return fmt.Errorf("mark delivery sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGSentRepository) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE sent_messages SET status = 'failed', error_message = $1 WHERE id = $2`,
		errorMessage, id,
	)
	if err != nil {
		return fmt.Errorf("mark delivery failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGSentRepository) ListByJob(ctx context.Context, jobID string) ([]SentMessage, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM sent_messages WHERE job_id = $1 ORDER BY created_at, id", sentColumns),
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("query deliveries by job: %w", err)
	}
	defer rows.Close()

	var out []SentMessage
	for rows.Next() {
		msg, err := scanSent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}

func scanSent(row pgx.Row) (*SentMessage, error) {
	var m SentMessage
	err := row.Scan(
		&m.ID, &m.JobID, &m.ProjectID, &m.PlatformConfigID, &m.Platform, &m.TargetType,
		&m.TargetChatID, &m.TargetUserID, &m.Status, &m.ProviderMessageID, &m.ErrorMessage,
		&m.SentAt, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// PGReceivedRepository implements ReceivedRepository using PostgreSQL.
type PGReceivedRepository struct {
	db *pgxpool.Pool
}

// NewPGReceivedRepository creates a PostgreSQL-backed inbound event repository.
func NewPGReceivedRepository(db *pgxpool.Pool) *PGReceivedRepository {
	return &PGReceivedRepository{db: db}
}

func (r *PGReceivedRepository) InsertMessage(ctx context.Context, params ReceivedParams) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO received_messages (project_id, platform_config_id, platform, provider_message_id, provider_chat_id, provider_user_id, text, raw)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (platform_config_id, provider_message_id) DO NOTHING`,
		params.ProjectID, params.PlatformConfigID, params.Platform, params.ProviderMessageID,
		params.ProviderChatID, params.ProviderUserID, params.Text, params.Raw,
	)
	if err != nil {
		return false, fmt.Errorf("insert received message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PGReceivedRepository) InsertReaction(ctx context.Context, params ReactionParams) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO received_reactions (project_id, platform_config_id, platform, provider_message_id, provider_user_id, emoji, reaction_type)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (platform_config_id, provider_message_id, provider_user_id, emoji, reaction_type) DO NOTHING`,
		params.ProjectID, params.PlatformConfigID, params.Platform, params.ProviderMessageID,
		params.ProviderUserID, params.Emoji, params.Type,
	)
	if err != nil {
		return false, fmt.Errorf("insert received reaction: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PGReceivedRepository) ListMessages(ctx context.Context, projectID uuid.UUID, limit int) ([]ReceivedMessage, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, project_id, platform_config_id, platform, provider_message_id, provider_chat_id, provider_user_id, text, raw, received_at
		 FROM received_messages WHERE project_id = $1 ORDER BY received_at DESC LIMIT $2`,
		projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query received messages: %w", err)
	}
	defer rows.Close()

	var out []ReceivedMessage
	for rows.Next() {
		var m ReceivedMessage
		if err := rows.Scan(
			&m.ID, &m.ProjectID, &m.PlatformConfigID, &m.Platform, &m.ProviderMessageID,
			&m.ProviderChatID, &m.ProviderUserID, &m.Text, &m.Raw, &m.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan received message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate received messages: %w", err)
	}
	return out, nil
}
