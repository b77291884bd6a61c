package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/maltedev/catalog-enricher/internal/api"
	"github.com/maltedev/catalog-enricher/internal/auth"
	"github.com/maltedev/catalog-enricher/internal/browser"
	"github.com/maltedev/catalog-enricher/internal/config"
	"github.com/maltedev/catalog-enricher/internal/database"
	"github.com/maltedev/catalog-enricher/internal/enrich"
	"github.com/maltedev/catalog-enricher/internal/events"
	"github.com/maltedev/catalog-enricher/internal/interact"
	"github.com/maltedev/catalog-enricher/internal/jobs"
	"github.com/maltedev/catalog-enricher/internal/queue"
	"github.com/maltedev/catalog-enricher/internal/ratelimit"
	"github.com/maltedev/catalog-enricher/internal/robots"
	"github.com/maltedev/catalog-enricher/internal/scraper"
	"github.com/maltedev/catalog-enricher/internal/storage"
	"github.com/maltedev/catalog-enricher/internal/structure"
)

// store is what both the Postgres and the file backend provide.
type store interface {
	jobs.Store
	structure.TaxonomyStore
	auth.Vault
	api.CatalogReader
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("catalog-enricher stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("catalog-enricher stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	// Store
	var (
		st store
		db *database.DB
	)
	switch cfg.Store.Driver {
	case config.StoreFile:
		fs, err := storage.NewFileStore(cfg.Store.File)
		if err != nil {
			return err
		}
		st = fs
		logger.Info("using file store", "file", cfg.Store.File)
	default:
		var err error
		db, err = database.New(ctx, database.Config{
			DSN:      cfg.Database.DSN,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.DBName,
			MaxConns: int32(cfg.Database.MaxConns),
		})
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		st = db
	}

	// Redis: progress stream, structure cache and outbox relay
	sink := events.Fanout{events.NewLogSink(logger)}
	var (
		taxCache structure.Cache
		outbox   api.OutboxStats
	)
	if cfg.RedisEnabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}

		progress := events.NewRedisSink(rdb, events.RedisSinkConfig{
			Stream: cfg.Redis.ProgressStream,
			MaxLen: cfg.Redis.ProgressMaxLen,
		}, logger)
		sink = append(sink, progress)
		g.Go(func() error { return ignoreCanceled(progress.Run(ctx)) })

		taxCache = structure.NewRedisCache(rdb, cfg.Structure.CacheTTL)

		if db != nil {
			relay := database.NewRelay(database.NewOutboxRepository(db), rdb, logger, database.RelayConfig{
				PollInterval: cfg.Redis.OutboxPoll,
				BatchSize:    cfg.Redis.OutboxBatch,
				MaxLen:       cfg.Redis.CatalogMaxLen,
			})
			outbox = relay
			g.Go(func() error { return ignoreCanceled(relay.Start(ctx)) })
		}
	} else if db != nil {
		logger.Warn("REDIS_ADDR not set, committed products stay in the outbox")
	}
	if taxCache == nil {
		taxCache = structure.NewMemoryCache()
	}

	// Browser pipeline
	bopts := browser.DefaultOptions()
	bopts.Headless = cfg.Browser.Headless
	bopts.Timeout = cfg.Browser.Timeout
	bopts.ViewportWidth = cfg.Browser.ViewportWidth
	bopts.ViewportHeight = cfg.Browser.ViewportHeight
	bopts.AcceptLanguage = cfg.Browser.AcceptLanguage
	bopts.Locale = cfg.Browser.Locale
	bopts.ProxyServer = cfg.Browser.ProxyServer
	bopts.NavRetries = cfg.Browser.NavRetries
	bopts.SettleDelay = cfg.Browser.SettleDelay
	if cfg.Browser.UserAgent != "" {
		bopts.UserAgent = cfg.Browser.UserAgent
	}
	b, err := browser.New(bopts, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize browser: %w", err)
	}
	defer b.Close()

	limiter := ratelimit.NewPolite(
		ratelimit.NewHostLimiter(cfg.Scraper.HostInterval, cfg.Scraper.HostBurst),
		ratelimit.NewAdaptiveRateLimiter(cfg.Scraper.RateLimitMin, cfg.Scraper.RateLimitMax),
	)
	authMgr := auth.NewManager(st, b, cfg.Scraper.LoginSettle, logger)
	service := scraper.NewService(b, authMgr, limiter, logger)

	scroll := interact.DefaultOptions()
	scroll.MaxIterations = cfg.Scraper.ScrollIterations

	registry := enrich.NewRegistry()
	if cfg.Scraper.BrandProfilesFile != "" {
		profiles, err := enrich.LoadProfiles(cfg.Scraper.BrandProfilesFile)
		if err != nil {
			return err
		}
		for _, p := range profiles {
			registry.Register(p)
		}
		logger.Info("brand profiles loaded", "count", len(profiles))
	}
	downloader := enrich.NewDownloader(cfg.Scraper.DownloadDir, b, authMgr, cfg.Scraper.DownloadTimeout, logger)
	enricher := enrich.NewEnricher(service, registry, nil, downloader, scroll, logger)

	var inferrer structure.Inferrer
	if cfg.Structure.InferenceURL != "" {
		inferrer = structure.NewHTTPInferrer(cfg.Structure.InferenceURL, cfg.Structure.InferenceAPIKey,
			cfg.Structure.InferenceModel, cfg.Structure.InferenceTimeout)
	}
	gate := robots.NewAgent(cfg.Scraper.RobotsUserAgent, cfg.Scraper.RespectRobots, 0, nil, logger)
	scanner := structure.NewScanner(service, inferrer, limiter, gate, logger, structure.Options{
		MaxDepth: cfg.Structure.MaxDepth,
	})
	taxonomy := structure.NewTaxonomyService(st, taxCache)
	analyzer := scraper.NewAnalyzer(service, enricher, scanner, taxonomy, scroll, logger)
	lister := scraper.NewCategoryCrawler(service, scroll, logger)

	// Jobs
	q := queue.NewInMemoryQueue(cfg.Jobs.QueueMaxSize)
	manager := jobs.NewManager(st, q, lister, enricher, analyzer, sink, jobs.Config{
		RecursionThreshold: cfg.Jobs.RecursionThreshold,
		MaxCategories:      cfg.Jobs.MaxCategories,
		PollInterval:       cfg.Jobs.PollInterval,
	}, logger)
	if err := manager.Recover(ctx); err != nil {
		return err
	}
	g.Go(func() error { return ignoreCanceled(manager.RunCrawlQueue(ctx)) })
	g.Go(func() error {
		manager.StartWorker(ctx)
		return nil
	})

	// HTTP
	handlers := api.NewHandlers(manager, st, taxonomy, outbox, logger)
	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handlers.Router(cfg.Server.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	g.Go(func() error {
		logger.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		q.Close()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
