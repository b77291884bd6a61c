package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// StreamWriter is the part of the Redis client the relay needs.
type StreamWriter interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

type OutboxRepo interface {
	GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, err error) error
	Stats(ctx context.Context) (OutboxStats, error)
}

// Relay drains the outbox into Redis streams. An event is marked processed
// only after XADD succeeded, so consumers see every event at least once.
type Relay struct {
	redis     StreamWriter
	outbox    OutboxRepo
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	maxLen    int64
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxLen caps each target stream approximately. Zero keeps everything.
	MaxLen int64
}

func NewRelay(outbox OutboxRepo, redisClient StreamWriter, logger *slog.Logger, cfg RelayConfig) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Relay{
		redis:     redisClient,
		outbox:    outbox,
		logger:    logger.With("component", "relay"),
		interval:  cfg.PollInterval,
		batchSize: cfg.BatchSize,
		maxLen:    cfg.MaxLen,
	}
}

// Start relays until ctx ends. A fully delivered batch is followed
// immediately by the next one so a backlog drains without waiting for the
// ticker.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("starting relay", "interval", r.interval, "batch_size", r.batchSize)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		n, err := r.relayBatch(ctx)
		if err != nil {
			r.logger.Error("outbox batch failed", "error", err)
		}
		if err == nil && n == r.batchSize {
			continue
		}

		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// relayBatch publishes one batch and returns how many events were delivered.
// Publish failures are recorded on the event and do not abort the batch.
func (r *Relay) relayBatch(ctx context.Context) (int, error) {
	events, err := r.outbox.GetPending(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending events: %w", err)
	}

	var sent, failed int
	for _, event := range events {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if err := r.publish(ctx, event); err != nil {
			failed++
			r.logger.Warn("publish failed",
				"event_id", event.ID,
				"aggregate_id", event.AggregateID,
				"attempt", event.RetryCount+1,
				"error", err)
			if markErr := r.outbox.MarkFailed(ctx, event.ID, err); markErr != nil {
				r.logger.Error("failed to record publish failure", "event_id", event.ID, "error", markErr)
			}
			continue
		}
		if err := r.outbox.MarkProcessed(ctx, event.ID); err != nil {
			// The event will be published again; consumers dedupe on outbox_id.
			r.logger.Error("failed to mark event as processed", "event_id", event.ID, "error", err)
			continue
		}
		sent++
	}

	if len(events) > 0 {
		r.logger.Debug("outbox batch relayed", "sent", sent, "failed", failed)
	}
	return sent, nil
}

// publish writes the event as a flat stream entry. The payload is passed
// through verbatim after a validity check.
func (r *Relay) publish(ctx context.Context, event *OutboxEvent) error {
	if !json.Valid(event.Payload) {
		return fmt.Errorf("invalid payload for event %s", event.ID)
	}

	values := map[string]any{
		"outbox_id":      event.ID.String(),
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"payload":        string(event.Payload),
		"created_at":     event.CreatedAt.UTC().Format(time.RFC3339Nano),
		"attempt":        strconv.Itoa(event.RetryCount + 1),
		"source":         "catalog-enricher",
	}

	args := &redis.XAddArgs{Stream: event.TargetStream, Values: values}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.redis.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

// Backlog reports undelivered and dead-lettered events for the health check.
func (r *Relay) Backlog(ctx context.Context) (pending, deadLetter int64, err error) {
	s, err := r.outbox.Stats(ctx)
	if err != nil {
		return 0, 0, err
	}
	return s.Pending, s.DeadLetter, nil
}
