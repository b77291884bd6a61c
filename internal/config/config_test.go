package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, StorePostgres, cfg.Store.Driver)
	assert.Equal(t, 2, cfg.Jobs.RecursionThreshold)
	assert.True(t, cfg.Browser.Headless)
	assert.False(t, cfg.RedisEnabled())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("STORE_DRIVER", StoreFile)
	t.Setenv("STORE_FILE", "/tmp/catalog.json")
	t.Setenv("JOBS_POLL_INTERVAL", "2s")
	t.Setenv("SERVER_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("BROWSER_HEADLESS", "false")
	t.Setenv("DB_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "/tmp/catalog.json", cfg.Store.File)
	assert.Equal(t, 2*time.Second, cfg.Jobs.PollInterval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.True(t, cfg.RedisEnabled())
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, 5432, cfg.Database.Port, "unparsable values fall back to the default")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad port", map[string]string{"SERVER_PORT": "70000"}},
		{"inverted rate limits", map[string]string{"SCRAPER_RATE_LIMIT_MIN": "10s", "SCRAPER_RATE_LIMIT_MAX": "1s"}},
		{"unknown store", map[string]string{"STORE_DRIVER": "sqlite"}},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}},
		{"no categories", map[string]string{"JOBS_MAX_CATEGORIES": "0"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	level, err := LoggingConfig{Level: "debug"}.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}
