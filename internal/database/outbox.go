package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessed  = "processed"
	OutboxStatusFailed     = "failed"
	OutboxStatusDeadLetter = "dead_letter"

	// MaxRetryCount is the number of failed publishes before an event is dead-lettered.
	MaxRetryCount = 5

	// CatalogStream receives one event per product committed to the catalog.
	CatalogStream = "stream:catalog"

	AggregateProduct      = "catalog_product"
	EventProductCommitted = "PRODUCT_COMMITTED"

	maxBackoffSeconds = 300
)

// OutboxEvent is a catalog change waiting to be relayed to Redis.
type OutboxEvent struct {
	ID            uuid.UUID       `db:"id"`
	AggregateType string          `db:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id"`
	EventType     string          `db:"event_type"`
	Payload       json.RawMessage `db:"payload"`
	TargetStream  string          `db:"target_stream"`
	Status        string          `db:"status"`
	RetryCount    int             `db:"retry_count"`
	ErrorMessage  *string         `db:"error_message"`
	CreatedAt     time.Time       `db:"created_at"`
	ProcessedAt   *time.Time      `db:"processed_at"`
	NextRetryAt   *time.Time      `db:"next_retry_at"`
}

// ProductCommittedPayload is the body of a PRODUCT_COMMITTED event.
type ProductCommittedPayload struct {
	JobID        string `json:"job_id"`
	ProductID    int64  `json:"product_id"`
	URL          string `json:"url"`
	Name         string `json:"name"`
	Code         string `json:"code,omitempty"`
	CategoryPath string `json:"category_path,omitempty"`
	ProfileID    string `json:"profile_id,omitempty"`
	Created      bool   `json:"created"`
}

// OutboxStats is the relay backlog.
type OutboxStats struct {
	Pending    int64
	DeadLetter int64
}

type OutboxRepository struct {
	db *DB
}

func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Enqueue writes an event inside tx, so it only becomes visible if the
// catalog change it describes commits.
func (r *OutboxRepository) Enqueue(ctx context.Context, tx pgx.Tx, event *OutboxEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = OutboxStatusPending
	}
	if event.TargetStream == "" {
		event.TargetStream = CatalogStream
	}

	err := tx.QueryRow(ctx, `
		INSERT INTO outbox_event (
			id, aggregate_type, aggregate_id, event_type,
			payload, target_stream, status, retry_count, next_retry_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))
		RETURNING created_at, next_retry_at`,
		event.ID, event.AggregateType, event.AggregateID, event.EventType,
		event.Payload, event.TargetStream, event.Status, event.RetryCount, event.NextRetryAt,
	).Scan(&event.CreatedAt, &event.NextRetryAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

// GetPending returns up to limit events that are due for a publish attempt,
// oldest first.
func (r *OutboxRepository) GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type,
			payload, target_stream, status, retry_count,
			error_message, created_at, processed_at, next_retry_at
		FROM outbox_event
		WHERE status IN ($1, $2) AND next_retry_at <= NOW()
		ORDER BY created_at, id
		LIMIT $3`,
		OutboxStatusPending, OutboxStatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending events: %w", err)
	}

	events, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[OutboxEvent])
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending events: %w", err)
	}
	return events, nil
}

func (r *OutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE outbox_event SET status = $2, processed_at = NOW(), error_message = NULL
		WHERE id = $1`,
		id, OutboxStatusProcessed)
	if err != nil {
		return fmt.Errorf("failed to mark event as processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event not found: %s", id)
	}
	return nil
}

// MarkFailed counts a failed publish and pushes the next attempt back
// exponentially (2s, 4s, 8s ... capped at five minutes). The event is
// dead-lettered once it has failed MaxRetryCount times.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, publishErr error) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE outbox_event SET
			retry_count   = retry_count + 1,
			status        = CASE WHEN retry_count + 1 >= $2 THEN $3 ELSE $4 END,
			error_message = $5,
			next_retry_at = NOW() + make_interval(secs => LEAST(power(2, LEAST(retry_count + 1, 30)), $6::int))
		WHERE id = $1`,
		id, MaxRetryCount, OutboxStatusDeadLetter, OutboxStatusFailed, publishErr.Error(), maxBackoffSeconds)
	if err != nil {
		return fmt.Errorf("failed to mark event as failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event not found: %s", id)
	}
	return nil
}

// Stats counts undelivered and dead-lettered events in one pass.
func (r *OutboxRepository) Stats(ctx context.Context) (OutboxStats, error) {
	var s OutboxStats
	err := r.db.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ($1, $2)),
			COUNT(*) FILTER (WHERE status = $3)
		FROM outbox_event`,
		OutboxStatusPending, OutboxStatusFailed, OutboxStatusDeadLetter).Scan(&s.Pending, &s.DeadLetter)
	if err != nil {
		return OutboxStats{}, fmt.Errorf("failed to get outbox stats: %w", err)
	}
	return s, nil
}
