package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Browser   BrowserConfig
	Scraper   ScraperConfig
	Structure StructureConfig
	Jobs      JobsConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

type BrowserConfig struct {
	Headless       bool
	Timeout        time.Duration
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	Locale         string
	UserAgent      string
	ProxyServer    string
	NavRetries     int
	SettleDelay    time.Duration
}

type ScraperConfig struct {
	RateLimitMin      time.Duration
	RateLimitMax      time.Duration
	HostInterval      time.Duration
	HostBurst         int
	RespectRobots     bool
	RobotsUserAgent   string
	ScrollIterations  int
	DownloadDir       string
	DownloadTimeout   time.Duration
	LoginSettle       time.Duration
	BrandProfilesFile string
}

type StructureConfig struct {
	InferenceURL     string
	InferenceAPIKey  string
	InferenceModel   string
	InferenceTimeout time.Duration
	MaxDepth         int
	CacheTTL         time.Duration
}

type JobsConfig struct {
	RecursionThreshold int
	MaxCategories      int
	PollInterval       time.Duration
	QueueMaxSize       int
}

const (
	StorePostgres = "postgres"
	StoreFile     = "file"
)

type StoreConfig struct {
	Driver string
	File   string
}

type DatabaseConfig struct {
	DSN      string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	MaxConns int
}

type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	ProgressStream string
	ProgressMaxLen int64
	CatalogMaxLen  int64
	OutboxPoll     time.Duration
	OutboxBatch    int
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", "8080"),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			AllowedOrigins:  getStringSliceOrDefault("SERVER_ALLOWED_ORIGINS", []string{"http://localhost:*", "https://localhost:*"}),
		},
		Browser: BrowserConfig{
			Headless:       getBoolOrDefault("BROWSER_HEADLESS", true),
			Timeout:        getDurationOrDefault("BROWSER_TIMEOUT", 30*time.Second),
			ViewportWidth:  getIntOrDefault("BROWSER_VIEWPORT_WIDTH", 1440),
			ViewportHeight: getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", 900),
			AcceptLanguage: getEnvOrDefault("BROWSER_ACCEPT_LANGUAGE", "en-US,en;q=0.9,it;q=0.8,de;q=0.7"),
			Locale:         getEnvOrDefault("BROWSER_LOCALE", "en-US"),
			UserAgent:      getEnvOrDefault("BROWSER_USER_AGENT", ""),
			ProxyServer:    getEnvOrDefault("BROWSER_PROXY", ""),
			NavRetries:     getIntOrDefault("BROWSER_NAV_RETRIES", 3),
			SettleDelay:    getDurationOrDefault("BROWSER_SETTLE_DELAY", 1500*time.Millisecond),
		},
		Scraper: ScraperConfig{
			RateLimitMin:      getDurationOrDefault("SCRAPER_RATE_LIMIT_MIN", 1*time.Second),
			RateLimitMax:      getDurationOrDefault("SCRAPER_RATE_LIMIT_MAX", 3*time.Second),
			HostInterval:      getDurationOrDefault("SCRAPER_HOST_INTERVAL", 2*time.Second),
			HostBurst:         getIntOrDefault("SCRAPER_HOST_BURST", 1),
			RespectRobots:     getBoolOrDefault("SCRAPER_RESPECT_ROBOTS", true),
			RobotsUserAgent:   getEnvOrDefault("SCRAPER_ROBOTS_USER_AGENT", "catalog-enricher"),
			ScrollIterations:  getIntOrDefault("SCRAPER_SCROLL_ITERATIONS", 30),
			DownloadDir:       getEnvOrDefault("SCRAPER_DOWNLOAD_DIR", "downloads"),
			DownloadTimeout:   getDurationOrDefault("SCRAPER_DOWNLOAD_TIMEOUT", 60*time.Second),
			LoginSettle:       getDurationOrDefault("SCRAPER_LOGIN_SETTLE", 3*time.Second),
			BrandProfilesFile: getEnvOrDefault("BRAND_PROFILES_FILE", ""),
		},
		Structure: StructureConfig{
			InferenceURL:     getEnvOrDefault("INFERENCE_URL", ""),
			InferenceAPIKey:  getEnvOrDefault("INFERENCE_API_KEY", ""),
			InferenceModel:   getEnvOrDefault("INFERENCE_MODEL", ""),
			InferenceTimeout: getDurationOrDefault("INFERENCE_TIMEOUT", 60*time.Second),
			MaxDepth:         getIntOrDefault("STRUCTURE_MAX_DEPTH", 4),
			CacheTTL:         getDurationOrDefault("STRUCTURE_CACHE_TTL", 24*time.Hour),
		},
		Jobs: JobsConfig{
			RecursionThreshold: getIntOrDefault("JOBS_RECURSION_THRESHOLD", 2),
			MaxCategories:      getIntOrDefault("JOBS_MAX_CATEGORIES", 200),
			PollInterval:       getDurationOrDefault("JOBS_POLL_INTERVAL", 10*time.Second),
			QueueMaxSize:       getIntOrDefault("QUEUE_MAX_SIZE", 1000),
		},
		Store: StoreConfig{
			Driver: getEnvOrDefault("STORE_DRIVER", StorePostgres),
			File:   getEnvOrDefault("STORE_FILE", "catalog.json"),
		},
		Database: DatabaseConfig{
			DSN:      getEnvOrDefault("DATABASE_URL", ""),
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			DBName:   getEnvOrDefault("DB_NAME", "catalog"),
			MaxConns: getIntOrDefault("DB_MAX_CONNS", 20),
		},
		Redis: RedisConfig{
			Addr:           getEnvOrDefault("REDIS_ADDR", ""),
			Password:       getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:             getIntOrDefault("REDIS_DB", 0),
			ProgressStream: getEnvOrDefault("REDIS_PROGRESS_STREAM", "stream:crawl_progress"),
			ProgressMaxLen: int64(getIntOrDefault("REDIS_PROGRESS_MAXLEN", 10000)),
			CatalogMaxLen:  int64(getIntOrDefault("REDIS_CATALOG_MAXLEN", 0)),
			OutboxPoll:     getDurationOrDefault("OUTBOX_POLL_INTERVAL", 5*time.Second),
			OutboxBatch:    getIntOrDefault("OUTBOX_BATCH_SIZE", 100),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if port, err := strconv.Atoi(c.Server.Port); err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid SERVER_PORT: %q", c.Server.Port)
	}

	if c.Scraper.RateLimitMin > c.Scraper.RateLimitMax {
		return fmt.Errorf("SCRAPER_RATE_LIMIT_MIN cannot be greater than SCRAPER_RATE_LIMIT_MAX")
	}

	if c.Jobs.RecursionThreshold < 0 {
		return fmt.Errorf("JOBS_RECURSION_THRESHOLD cannot be negative")
	}

	if c.Jobs.MaxCategories < 1 {
		return fmt.Errorf("JOBS_MAX_CATEGORIES must be at least 1")
	}

	switch c.Store.Driver {
	case StorePostgres:
		if c.Database.DSN == "" && (c.Database.Host == "" || c.Database.DBName == "") {
			return fmt.Errorf("DATABASE_URL or DB_HOST and DB_NAME are required for the postgres store")
		}
	case StoreFile:
		if c.Store.File == "" {
			return fmt.Errorf("STORE_FILE is required for the file store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// RedisEnabled reports whether progress events and the outbox relay go to Redis.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Addr != ""
}

func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q", l.Level)
	}
	return level, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, s := range strings.Split(value, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return defaultValue
}
