// Command enrichment-consumer turns re-enrichment requests published on a
// Redis stream into targeted enrichment jobs on the catalog-enricher API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/catalog-enricher/internal/models"
)

const (
	eventEnrichmentRequested = "ENRICHMENT_REQUESTED"
	consumerGroup            = "enrichment-consumer-group"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: getEnv("REDIS_PASSWORD", ""),
	})
	defer rdb.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to Redis", "addr", redisAddr, "error", err)
		os.Exit(1)
	}
	logger.Info("connected to Redis", "addr", redisAddr)

	consumer := &Consumer{
		redis:      rdb,
		stream:     getEnv("REDIS_STREAM", "stream:enrichment_requests"),
		name:       getEnv("CONSUMER_NAME", "consumer-1"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiURL:     getEnv("ENRICHER_URL", "http://localhost:8080"),
		logger:     logger.With("component", "enrichment_consumer"),
	}

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer error", "error", err)
		os.Exit(1)
	}
}

type Consumer struct {
	redis      *redis.Client
	stream     string
	name       string
	httpClient *http.Client
	apiURL     string
	logger     *slog.Logger
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (c *Consumer) Run(ctx context.Context) error {
	// BUSYGROUP just means the group exists already.
	if err := c.redis.XGroupCreateMkStream(ctx, c.stream, consumerGroup, "0").Err(); err != nil {
		c.logger.Debug("consumer group not created", "error", err)
	}
	c.logger.Info("starting consumer", "stream", c.stream, "group", consumerGroup)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: c.name,
			Streams:  []string{c.stream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to read from stream", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				if err := c.processMessage(ctx, message); err != nil {
					// Left pending for redelivery.
					c.logger.Error("failed to process message", "id", message.ID, "error", err)
					continue
				}
				if err := c.redis.XAck(ctx, c.stream, consumerGroup, message.ID).Err(); err != nil {
					c.logger.Error("failed to acknowledge message", "id", message.ID, "error", err)
				}
			}
		}
	}
}

// EnrichmentRequest is the payload of an ENRICHMENT_REQUESTED event.
type EnrichmentRequest struct {
	URLs           []string `json:"urls"`
	ProfileID      string   `json:"profile_id,omitempty"`
	CredentialID   string   `json:"credential_id,omitempty"`
	DownloadAssets bool     `json:"download_assets,omitempty"`
}

func (c *Consumer) processMessage(ctx context.Context, msg redis.XMessage) error {
	eventType, _ := msg.Values["event_type"].(string)
	if eventType != eventEnrichmentRequested {
		return nil
	}

	payload, ok := msg.Values["payload"].(string)
	if !ok {
		return fmt.Errorf("missing payload in event")
	}
	var req EnrichmentRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}
	if len(req.URLs) == 0 {
		c.logger.Warn("skipping request without urls", "id", msg.ID)
		return nil
	}

	jobID, err := c.createJob(ctx, req)
	if err != nil {
		return err
	}
	c.logger.Info("enrichment job created", "message_id", msg.ID, "job_id", jobID, "urls", len(req.URLs))
	return nil
}

func (c *Consumer) createJob(ctx context.Context, req EnrichmentRequest) (string, error) {
	body, err := json.Marshal(map[string]any{
		"kind":            models.JobKindTargetedEnrichment,
		"seed_urls":       req.URLs,
		"profile_id":      req.ProfileID,
		"credential_id":   req.CredentialID,
		"download_assets": req.DownloadAssets,
	})
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		jobID, retry, err := c.postJob(ctx, body)
		if err == nil {
			return jobID, nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return "", lastErr
}

func (c *Consumer) postJob(ctx context.Context, body []byte) (string, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/api/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", true, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated:
	case resp.StatusCode >= 500:
		return "", true, fmt.Errorf("API returned status %d", resp.StatusCode)
	default:
		// A rejected request will not get better on retry.
		return "", false, fmt.Errorf("API rejected request with status %d", resp.StatusCode)
	}

	var created struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", false, fmt.Errorf("failed to decode response: %w", err)
	}
	return created.JobID, false, nil
}
