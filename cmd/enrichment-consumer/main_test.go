package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConsumer(t *testing.T, handler http.HandlerFunc) *Consumer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Consumer{
		httpClient: srv.Client(),
		apiURL:     srv.URL,
		logger:     slog.Default(),
	}
}

func message(eventType, payload string) redis.XMessage {
	return redis.XMessage{ID: "1-0", Values: map[string]interface{}{"event_type": eventType, "payload": payload}}
}

func TestProcessMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a targeted job", func(t *testing.T) {
		var got map[string]any
		c := newConsumer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/v1/jobs", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"job_id":"job-1","status":"pending"}`))
		})

		err := c.processMessage(ctx, message(eventEnrichmentRequested,
			`{"urls":["https://brand.example/p/1"],"profile_id":"brand"}`))
		require.NoError(t, err)
		assert.Equal(t, "targeted_enrichment", got["kind"])
		assert.Equal(t, []any{"https://brand.example/p/1"}, got["seed_urls"])
		assert.Equal(t, "brand", got["profile_id"])
	})

	t.Run("ignores other events", func(t *testing.T) {
		var calls atomic.Int32
		c := newConsumer(t, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) })
		require.NoError(t, c.processMessage(ctx, message("PRODUCT_COMMITTED", `{}`)))
		require.NoError(t, c.processMessage(ctx, message(eventEnrichmentRequested, `{"urls":[]}`)))
		assert.Zero(t, calls.Load())
	})

	t.Run("malformed payload", func(t *testing.T) {
		c := newConsumer(t, func(w http.ResponseWriter, r *http.Request) {})
		assert.Error(t, c.processMessage(ctx, message(eventEnrichmentRequested, `{`)))
	})

	t.Run("rejected request is not retried", func(t *testing.T) {
		var calls atomic.Int32
		c := newConsumer(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		})
		err := c.processMessage(ctx, message(eventEnrichmentRequested, `{"urls":["ftp://x"]}`))
		assert.Error(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("server errors are retried", func(t *testing.T) {
		var calls atomic.Int32
		c := newConsumer(t, func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"job_id":"job-2"}`))
		})
		require.NoError(t, c.processMessage(ctx, message(eventEnrichmentRequested, `{"urls":["https://brand.example/p/2"]}`)))
		assert.Equal(t, int32(2), calls.Load())
	})
}
