package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/tracker-bridge/internal/config"
	"github.com/ehr/tracker-bridge/internal/domain/catalog"
	"github.com/ehr/tracker-bridge/internal/domain/ingest"
	"github.com/ehr/tracker-bridge/internal/domain/mapping"
	"github.com/ehr/tracker-bridge/internal/domain/tracked"
	"github.com/ehr/tracker-bridge/internal/domain/transform"
	"github.com/ehr/tracker-bridge/internal/platform/auth"
	"github.com/ehr/tracker-bridge/internal/platform/db"
	"github.com/ehr/tracker-bridge/internal/platform/lock"
	"github.com/ehr/tracker-bridge/internal/platform/middleware"
	"github.com/ehr/tracker-bridge/internal/platform/tracker"
	"github.com/ehr/tracker-bridge/internal/platform/uid"
)

var version = "dev"

// app holds the wired collaborators shared by the serve and sync commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool    *pgxpool.Pool
	redis   *redis.Client
	store   mapping.Store
	tracker *tracker.Client

	resolver   *mapping.Resolver
	sync       *catalog.Synchronizer
	decomposer *ingest.Decomposer
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "tracker-bridge").Logger()
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg, os.Stdout), nil
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.store = mapping.NewStorePG(pool)
		logger.Info().Msg("connected to database")
	} else {
		a.store = mapping.NewMemStore()
		logger.Warn().Msg("no database configured; using in-memory mapping store")
	}

	var locker lock.Locker
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		locker = lock.NewRedisLocker(a.redis, logger)
		logger.Info().Str("addr", opts.Addr).Msg("using redis locks")
	}

	client, err := tracker.New(tracker.Config{
		BaseURL:  cfg.TrackerURL,
		Username: cfg.TrackerUsername,
		Password: cfg.TrackerPassword,
		Timeout:  cfg.TrackerTimeout,
	}, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.tracker = client

	ids := uid.NewAllocator()
	if cfg.UIDSource == "remote" {
		ids = uid.NewRemoteAllocator(client)
	}

	a.resolver = mapping.NewResolver(a.store, mapping.ResolverConfig{
		TargetSystem: cfg.TargetSystem,
		OptionSystem: cfg.OptionSystem,
		TTL:          cfg.MappingCacheTTL,
	})
	a.sync = catalog.NewSynchronizer(a.store, client, a.resolver, catalog.Config{
		TargetSystem: cfg.TargetSystem,
		OptionSystem: cfg.OptionSystem,
		SourceSystem: cfg.SourceSystem,
		PersonLabels: cfg.PersonLabels,
		OrgUnitLevel: cfg.OrgUnitLevel,
	}, logger)

	engine := transform.NewEngine(transform.Deps{
		Mappings:   a.resolver,
		Identities: tracked.NewRepository(a.store, logger),
		Tracker:    client,
		IDs:        ids,
		Locker:     locker,
		Logger:     logger,
	})
	a.decomposer = ingest.NewDecomposer(engine, cfg.WorkerConcurrency, logger)
	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func (a *app) healthChecks() map[string]db.Pinger {
	checks := map[string]db.Pinger{
		"mapping_store": a.store,
		"tracker":       a.tracker,
	}
	if a.redis != nil {
		checks["redis"] = pingFunc(func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		})
	}
	return checks
}

func (a *app) newServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(echomw.Decompress())
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(a.cfg.RequestTimeout, "/synchronize"))

	e.GET("/health", db.HealthHandler(version, a.healthChecks()))

	jwtCfg := auth.JWTConfig{
		Issuer:     a.cfg.AuthIssuer,
		Audience:   a.cfg.AuthAudience,
		SigningKey: []byte(a.cfg.AuthSigningKey),
	}
	authn := auth.JWTMiddleware(jwtCfg)
	if a.cfg.IsDev() {
		authn = auth.DevAuthMiddleware(jwtCfg)
	}

	submit := e.Group("", authn, auth.RequireRole(auth.RoleSubmitter))
	ingest.NewHandler(a.decomposer).RegisterRoutes(submit)

	admin := e.Group("", authn, auth.RequireRole(auth.RoleAdmin))
	catalog.NewHandler(a.sync, a.store).RegisterRoutes(admin)

	return e
}

// runPeriodicSync runs a catalog sync every interval until ctx ends.
func (a *app) runPeriodicSync(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := a.sync.Sync(ctx)
			if err != nil {
				a.logger.Error().Err(err).Msg("scheduled sync failed")
				continue
			}
			if report.Failed() {
				a.logger.Warn().Str("run_id", report.RunID).Msg("scheduled sync finished with failures")
			}
		}
	}
}
