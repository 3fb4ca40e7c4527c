// Package internal assembles the application: configuration, stores,
// admission pipeline, HTTP server and background jobs.
package internal

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"

	"ingestly/internal/auth"
	"ingestly/internal/config"
	"ingestly/internal/dedup"
	apihttp "ingestly/internal/http"
	"ingestly/internal/jobs"
	"ingestly/internal/logging"
	"ingestly/internal/pipeline"
	"ingestly/internal/pkg/geoip"
	"ingestly/internal/pkg/useragent"
	"ingestly/internal/ratelimit"
	"ingestly/internal/storage"
	"ingestly/internal/storage/flatfile"
	"ingestly/internal/storage/sqlitestore"
	"ingestly/internal/tenants"
)

// Application owns every long-lived component and their lifecycles.
type Application struct {
	Config      *config.Config
	Logger      *slog.Logger
	Server      *fiber.App
	Scheduler   *jobs.Scheduler
	EventStore  storage.EventStore
	UserStore   storage.UserStore
	RateLimits  *ratelimit.Store
	Credentials *tenants.InMemoryCredentialStore

	geo *geoip.Resolver
}

// NewApp builds the full application from configuration.
func NewApp() (*Application, error) {
	cfg := config.GetConfig()
	logger := logging.NewLogger(cfg)

	credentials, err := loadCredentials(cfg, logger)
	if err != nil {
		return nil, err
	}

	eventStore, userStore, err := newStores(cfg, logger)
	if err != nil {
		return nil, err
	}

	limits := ratelimit.NewStore(cfg.RateLimitMaxBuckets, cfg.EvictFraction, logger)

	var dedupStore *dedup.Store
	if cfg.DedupEnabled {
		dedupStore = dedup.NewStore(cfg.DedupMaxEntries, cfg.EvictFraction, logger)
	}

	geo := geoip.NewResolver(cfg.GeoDBPath, logger)

	var bots *useragent.Matcher
	if cfg.FilterBots {
		bots = useragent.Default()
	}

	p := pipeline.New(pipeline.Options{
		Config:     cfg,
		Resolver:   auth.NewResolver(cfg.JWTSecret, credentials, logger),
		RateLimits: limits,
		Dedup:      dedupStore,
		EventStore: eventStore,
		UserStore:  userStore,
		Geo:        geo,
		BotMatcher: bots,
		Logger:     logger,
	})

	server := fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		DisableStartupMessage: cfg.IsTest(),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := http.StatusInternalServerError
			if fiberErr, ok := err.(*fiber.Error); ok {
				code = fiberErr.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":     "Internal error",
				"code":      "INTERNAL_ERROR",
				"timestamp": time.Now().UTC(),
			})
		},
	})

	handler := apihttp.NewHandler(cfg, p, eventStore, userStore, limits, logger)
	mountRoutes(server, handler)

	scheduler := jobs.NewScheduler(cfg, limits, dedupStore, eventStore, logger)

	return &Application{
		Config:      cfg,
		Logger:      logger,
		Server:      server,
		Scheduler:   scheduler,
		EventStore:  eventStore,
		UserStore:   userStore,
		RateLimits:  limits,
		Credentials: credentials,
		geo:         geo,
	}, nil
}

// loadCredentials builds the API key store from the configured sources.
// Both may be set; the inline pairs win on key collisions because they
// are loaded last.
func loadCredentials(cfg *config.Config, logger *slog.Logger) (*tenants.InMemoryCredentialStore, error) {
	store := tenants.NewInMemoryCredentialStore()

	if cfg.APIKeysFile != "" {
		if err := store.LoadKeyFile(cfg.APIKeysFile); err != nil {
			return nil, fmt.Errorf("failed to load API keys file: %w", err)
		}
	}
	if cfg.APIKeys != "" {
		if err := store.LoadInlinePairs(cfg.APIKeys); err != nil {
			return nil, fmt.Errorf("failed to parse inline API keys: %w", err)
		}
	}

	logger.Info("Credential store initialized", slog.Int("keys", store.Len()))
	return store, nil
}

// newStores selects the storage backend. Both stores always come from
// the same backend; mixing them is not supported.
func newStores(cfg *config.Config, logger *slog.Logger) (storage.EventStore, storage.UserStore, error) {
	switch cfg.StorageBackend {
	case config.SQLiteBackend:
		store, err := sqlitestore.NewStore(sqlitestore.Config{
			Path:         cfg.GetDatabasePath(),
			MaxOpenConns: cfg.GetMaxOpenConns(),
			MaxIdleConns: cfg.GetMaxIdleConns(),
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		logger.Info("Using sqlite storage backend", slog.String("path", cfg.GetDatabasePath()))
		return store, store, nil

	default:
		store, err := flatfile.NewStore(cfg.StoragePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open flat-file store: %w", err)
		}
		logger.Info("Using flat-file storage backend", slog.String("root", cfg.StoragePath))
		return store, store, nil
	}
}

// StartAsync starts the HTTP listener and the background jobs without
// blocking the caller.
func (a *Application) StartAsync() error {
	if err := a.Scheduler.Start(); err != nil {
		return err
	}

	go func() {
		addr := ":" + a.Config.AppPort
		a.Logger.Info("HTTP server listening", slog.String("addr", addr))
		if err := a.Server.Listen(addr); err != nil {
			a.Logger.Error("HTTP server stopped", slog.Any("error", err))
		}
	}()

	return nil
}

// Shutdown stops the server and background jobs, bounded by ctx.
func (a *Application) Shutdown(ctx context.Context) error {
	a.Scheduler.Stop()

	if err := a.Server.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}

	a.geo.Close()
	a.Logger.Info("Application shut down")
	return nil
}
