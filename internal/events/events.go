package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/maltedev/catalog-enricher/internal/models"
)

type EventType string

const (
	EventJobStatus     EventType = "JOB_STATUS"
	EventJobProgress   EventType = "JOB_PROGRESS"
	EventItemProcessed EventType = "ITEM_PROCESSED"
	EventScanProgress  EventType = "SCAN_PROGRESS"
	EventJobCommitted  EventType = "JOB_COMMITTED"

	// ProgressStream is the default Redis stream for progress events.
	ProgressStream = "stream:crawl_progress"
)

// ProgressEvent is one observation of a running job.
type ProgressEvent struct {
	EventID   string           `json:"event_id"`
	Type      EventType        `json:"event_type"`
	JobID     string           `json:"job_id"`
	Status    models.JobStatus `json:"status,omitempty"`
	Progress  float64          `json:"progress"`
	Counters  models.Counters  `json:"counters"`
	URL       string           `json:"url,omitempty"`
	Message   string           `json:"message,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Sink receives progress events. Publish must neither block nor fail:
// progress reporting never slows down or aborts a crawl.
type Sink interface {
	Publish(event ProgressEvent)
}

func stamp(e *ProgressEvent) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
}

type Nop struct{}

func (Nop) Publish(ProgressEvent) {}

// LogSink writes events to a structured logger at debug level.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "progress")}
}

func (s *LogSink) Publish(e ProgressEvent) {
	s.logger.Debug("job progress",
		"type", e.Type,
		"job_id", e.JobID,
		"status", e.Status,
		"progress", e.Progress,
		"found", e.Counters.Found,
		"processed", e.Counters.Processed,
		"total", e.Counters.Total,
		"url", e.URL,
		"message", e.Message)
}

// Fanout publishes every event to all of its sinks.
type Fanout []Sink

func (f Fanout) Publish(e ProgressEvent) {
	stamp(&e)
	for _, s := range f {
		s.Publish(e)
	}
}

type StreamWriter interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

// RedisSink buffers events and appends them to a Redis stream from Run.
// When the buffer is full new events are dropped and counted.
type RedisSink struct {
	client  StreamWriter
	stream  string
	maxLen  int64
	buf     chan ProgressEvent
	dropped atomic.Int64
	logger  *slog.Logger
}

type RedisSinkConfig struct {
	Stream     string
	BufferSize int
	// MaxLen caps the stream length approximately; zero means unbounded.
	MaxLen int64
}

func NewRedisSink(client StreamWriter, cfg RedisSinkConfig, logger *slog.Logger) *RedisSink {
	if cfg.Stream == "" {
		cfg.Stream = ProgressStream
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &RedisSink{
		client: client,
		stream: cfg.Stream,
		maxLen: cfg.MaxLen,
		buf:    make(chan ProgressEvent, cfg.BufferSize),
		logger: logger.With("component", "redis_progress_sink"),
	}
}

func (s *RedisSink) Publish(e ProgressEvent) {
	stamp(&e)
	select {
	case s.buf <- e:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *RedisSink) Dropped() int64 {
	return s.dropped.Load()
}

// Run writes buffered events until ctx ends.
func (s *RedisSink) Run(ctx context.Context) error {
	s.logger.Info("progress sink started", "stream", s.stream)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-s.buf:
			if err := s.write(ctx, e); err != nil {
				s.logger.Warn("failed to publish progress", "job_id", e.JobID, "error", err)
			}
		}
	}
}

func (s *RedisSink) write(ctx context.Context, e ProgressEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"data":       string(data),
			"event_type": string(e.Type),
			"job_id":     e.JobID,
			"timestamp":  fmt.Sprintf("%d", e.Timestamp.UnixNano()),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if _, err := s.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}
