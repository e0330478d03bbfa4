package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/hl7inbound/internal/config"
	"github.com/ehr/hl7inbound/internal/inbound"
	"github.com/ehr/hl7inbound/internal/inbound/handlers"
	"github.com/ehr/hl7inbound/internal/platform/auth"
	"github.com/ehr/hl7inbound/internal/platform/blobstore"
	"github.com/ehr/hl7inbound/internal/platform/db"
	"github.com/ehr/hl7inbound/internal/platform/events"
	"github.com/ehr/hl7inbound/internal/platform/hl7v2"
	"github.com/ehr/hl7inbound/internal/platform/lock"
	"github.com/ehr/hl7inbound/internal/platform/middleware"
	"github.com/ehr/hl7inbound/internal/platform/telemetry"
	"github.com/ehr/hl7inbound/internal/platform/websocket"
)

const version = "0.1.0"

// processorLockKey is the Redis key shared by every instance.
const processorLockKey = "hl7:inbound:processor"

// app holds everything a command needs. Optional collaborators (pool, redis,
// NATS, blob store) stay nil when not configured.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool      *pgxpool.Pool
	redis     *redis.Client
	publisher events.Publisher
	hub       *websocket.Hub
	blobs     blobstore.BlobStore

	telemetry *telemetry.TelemetryProvider
	metrics   *inbound.Metrics

	store     inbound.Store
	router    *inbound.Router
	index     *handlers.MemoryIndex
	service   *inbound.Service
	processor *inbound.Processor
	sweeper   *inbound.Sweeper
	exporter  *inbound.ArchiveExporter
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg != nil && cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	if cfg != nil {
		logger = logger.Level(cfg.Level())
	}
	return logger
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func connectDB(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		Schema:   cfg.DBSchema,
	})
}

// newApp wires the pipeline from cfg. The returned app must be closed.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{
		cfg:       cfg,
		logger:    logger,
		router:    inbound.NewRouter(),
		index:     handlers.NewMemoryIndex(),
	}

	a.telemetry = telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:       "hl7-inbound",
		ServiceVersion:    version,
		Environment:       cfg.Env,
		RuntimeCollectors: true,
	})
	a.metrics = inbound.NewMetrics(a.telemetry.Registerer())

	if !cfg.AuthEnabled() {
		logger.Warn().Msg("API authentication disabled; set AUTH_JWT_SECRET or AUTH_JWKS_URL")
	}

	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		logger.Warn().Msg("using in-memory store; queued messages are lost on restart")
		a.store = inbound.NewMemoryStore()
	default:
		pool, err := connectDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.store = inbound.NewPGStore(pool)
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
	}
	warnVolatileIndex(logger, cfg)

	if err := handlers.Register(a.router, a.index, a.index, logger); err != nil {
		a.Close()
		return nil, fmt.Errorf("register handlers: %w", err)
	}

	var opts []inbound.ProcessorOption
	opts = append(opts, inbound.WithMetrics(a.metrics))

	a.hub = websocket.NewHub(logger)
	publishers := events.Fanout{a.hub}
	if cfg.NATSURL != "" {
		pub, err := events.NewNATSPublisher(events.NATSConfig{
			URL:     cfg.NATSURL,
			Subject: cfg.NATSSubject,
			Name:    "hl7-inbound",
		}, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		publishers = append(publishers, pub)
		logger.Info().Str("subject", cfg.NATSSubject).Msg("publishing outcomes to NATS")
	}
	a.publisher = publishers
	opts = append(opts, inbound.WithPublisher(publishers))

	if cfg.RedisURL != "" {
		client, err := lock.Connect(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		opts = append(opts, inbound.WithLocker(lock.NewRedisLocker(client, processorLockKey, cfg.ProcessorLockTTL)))
		logger.Info().Msg("processor lock shared through Redis")
	}

	if cfg.ArchiveDir != "" {
		blobs, err := blobstore.NewFileBlobStore(cfg.ArchiveDir)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.blobs = blobs
		a.exporter = inbound.NewArchiveExporter(a.store, blobs, logger, a.metrics)
	}

	pcfg := inbound.Config{
		CycleTimeout:               cfg.CycleTimeout,
		ClaimLease:                 cfg.ClaimLease,
		ArchiveProcessedWithErrors: cfg.ArchiveProcessedWithErrors,
	}
	if len(cfg.AllowedVersions) > 0 {
		pcfg.DecodeOptions = []hl7v2.Option{hl7v2.WithAllowedVersions(cfg.AllowedVersions...)}
	}

	a.service = inbound.NewService(a.store, logger, a.metrics)
	a.processor = inbound.NewProcessor(a.store, a.router, pcfg, logger, opts...)
	a.sweeper = inbound.NewSweeper(a.store, logger, a.metrics)

	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() {
	if a.telemetry != nil {
		_ = a.telemetry.Shutdown(context.Background())
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close event publisher")
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// healthChecks reports store counts and, when configured, Redis reachability.
func (a *app) healthChecks() []db.Check {
	checks := []db.Check{{
		Name: "queue",
		Run: func(ctx context.Context) (interface{}, error) {
			return a.store.Stats(ctx)
		},
	}}
	if a.redis != nil {
		checks = append(checks, db.Check{
			Name: "redis",
			Run: func(ctx context.Context) (interface{}, error) {
				if err := a.redis.Ping(ctx).Err(); err != nil {
					return nil, err
				}
				return "ok", nil
			},
		})
	}
	return checks
}

// newServer builds the echo instance with middleware and every route.
func (a *app) newServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger, "/health", "/metrics"))
	e.Use(middleware.SecurityHeaders())
	e.Use(a.telemetry.MetricsMiddleware())
	e.Use(middleware.BodyLimit("1M", a.cfg.MaxBody))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool, a.healthChecks()...))
	e.GET("/metrics", a.telemetry.PrometheusHandler())

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.Audit(a.logger))
	if jwtCfg := a.jwtConfig(); jwtCfg.Enabled() {
		apiV1.Use(auth.JWTMiddleware(jwtCfg), auth.Authorize())
	}
	apiV1.Use(middleware.RequestTimeout(a.cfg.CycleTimeout+10*time.Second, "/process/drain", "/archive/export", "/stream"))
	apiV1.Use(rateLimitIngest(a.cfg))

	hl7v2.NewHandler(a.decodeOptions()...).RegisterRoutes(apiV1)
	inbound.NewHandler(a.service, a.processor, a.sweeper, a.router, a.exporter, a.cfg.ArchiveMaxAge).RegisterRoutes(apiV1)
	websocket.NewHandler(a.hub).RegisterRoutes(apiV1)

	return e
}

func (a *app) jwtConfig() auth.JWTConfig {
	cfg := auth.JWTConfig{
		Issuer:   a.cfg.AuthIssuer,
		Audience: a.cfg.AuthAudience,
		JWKSURL:  a.cfg.AuthJWKSURL,
	}
	if a.cfg.AuthJWTSecret != "" {
		cfg.SigningKey = []byte(a.cfg.AuthJWTSecret)
	}
	return cfg
}

func (a *app) decodeOptions() []hl7v2.Option {
	if len(a.cfg.AllowedVersions) == 0 {
		return nil
	}
	return []hl7v2.Option{hl7v2.WithAllowedVersions(a.cfg.AllowedVersions...)}
}

// rateLimitIngest limits POST .../hl7/messages only; operator endpoints are
// not throttled.
func rateLimitIngest(cfg *config.Config) echo.MiddlewareFunc {
	limit := middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.IngestRPS,
		BurstSize:         cfg.IngestBurst,
	})
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		limited := limit(next)
		return func(c echo.Context) error {
			if c.Request().Method == http.MethodPost && c.Path() == "/api/v1/hl7/messages" {
				return limited(c)
			}
			return next(c)
		}
	}
}

// warnVolatileIndex flags a durable queue paired with the in-memory patient
// and result index used by the bundled handlers.
func warnVolatileIndex(logger zerolog.Logger, cfg *config.Config) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		return
	}
	logger.Warn().
		Str("store_driver", cfg.StoreDriver).
		Msg("ADT/ORU handler effects are kept in memory and lost on restart; archived messages are not replayed")
}
