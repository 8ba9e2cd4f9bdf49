package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/procuredesk/guard/internal/audit"
	"github.com/procuredesk/guard/internal/auth"
	"github.com/procuredesk/guard/internal/breaker"
	"github.com/procuredesk/guard/internal/config"
	"github.com/procuredesk/guard/internal/csrf"
	"github.com/procuredesk/guard/internal/health"
	"github.com/procuredesk/guard/internal/housekeeping"
	"github.com/procuredesk/guard/internal/logger"
	"github.com/procuredesk/guard/internal/metrics"
	"github.com/procuredesk/guard/internal/middleware"
	"github.com/procuredesk/guard/internal/password"
	"github.com/procuredesk/guard/internal/ratelimit"
	"github.com/procuredesk/guard/internal/repository"
	"github.com/procuredesk/guard/internal/sanitizer"
	"github.com/procuredesk/guard/internal/session"
	"github.com/procuredesk/guard/internal/storage"
)

// Version is set at build time
var Version = "dev"

func main() {
	log := logger.New(logger.DefaultConfig())
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("server exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := setupDatabase(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	// audit writes go through sqlx over the same pool
	auditDB := sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx")
	defer auditDB.Close()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unavailable at startup", slog.String("error", err.Error()))
		}
	}

	users := repository.NewUserRepository(pool)
	perms := repository.NewPermissionRepository(pool)
	docs := repository.NewDocumentRepository(auditDB)
	auditLog := audit.NewLogger(repository.NewAuditRepository(auditDB), log)

	breakers := breaker.NewRegistry(breaker.Options{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		Logger:           log,
	})

	tokens, err := session.NewTokenService(session.TokenConfig{
		Secret:       cfg.Session.Secret,
		LegacySecret: cfg.Session.LegacySecret,
		Issuer:       cfg.Session.Issuer,
		AppID:        cfg.Session.AppID,
		MaxAge:       cfg.Session.MaxAge,
	})
	if err != nil {
		return fmt.Errorf("token service: %w", err)
	}

	var (
		sessions     session.Store
		lockoutStore password.LockoutStore
		rateStore    ratelimit.Store
	)
	if rdb != nil {
		sessions = session.NewRedisStore(rdb)
		lockoutStore = password.NewRedisLockoutStore(rdb)
		rateStore = ratelimit.NewRedisStore(rdb)
	} else {
		sessions = session.NewPostgresStore(pool)
		lockoutStore = session.NewUserLockoutStore(users)
		rateStore = ratelimit.NewMemoryStore()
	}
	lockout := password.NewLockout(lockoutStore, password.LockoutConfig{
		MaxAttempts: cfg.Password.MaxLoginAttempts,
		Duration:    cfg.Password.LockoutDuration,
	})

	sdk := session.New(session.Deps{
		Tokens:  tokens,
		Store:   sessions,
		Users:   users,
		Hasher:  password.NewHasher(password.DefaultParams(), password.Policy{MinLength: cfg.Password.MinLength, MaxLength: cfg.Password.MaxLength}),
		Lockout: lockout,
		Breach: password.NewBreachChecker(password.BreachConfig{
			BaseURL: cfg.Password.BreachCheckURL,
			Timeout: cfg.Password.BreachTimeout,
			RPS:     cfg.Password.BreachRPS,
		}, breakers.Get(breaker.NameBreachLookup), auditLog, log),
		Audit:  auditLog,
		Logger: log,
	}, session.Config{
		CookieName:  cfg.Session.CookieName,
		MaxAge:      cfg.Session.MaxAge,
		Secure:      cfg.IsProduction(),
		SameSite:    session.ParseSameSite(cfg.Session.SameSite),
		Continuity:  session.ParseContinuityPolicy(cfg.Session.ContinuityPolicy),
		OwnerOpenID: cfg.Session.OwnerOpenID,
	})

	protector, err := csrf.New(cfg.CSRF.Secret, cfg.CSRF.TTL, nil)
	if err != nil {
		return fmt.Errorf("csrf: %w", err)
	}
	resolver, err := ratelimit.NewClientResolver(cfg.Security.TrustedProxies)
	if err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}
	limiter := ratelimit.NewLimiter(rateStore, nil)

	pipeline := middleware.NewPipeline(middleware.Deps{
		Auth:        sdk,
		Permissions: perms,
		RateLimit:   ratelimit.NewMiddleware(limiter, ratelimit.ProfilesFromConfig(cfg.RateLimit), resolver, auditLog, log),
		CSRF:        csrf.NewMiddleware(protector, auditLog, log, nil),
		Validator:   sanitizer.NewValidator(auditLog, log),
		Audit:       auditLog,
		Logger:      log,
	})

	var store storage.Store
	optional := map[string]health.Pinger{"redis": health.Redis(rdb)}
	if cfg.Storage.Endpoint != "" {
		s3 := storage.NewS3Store(cfg.Storage)
		store = s3
		optional["storage"] = s3
	} else {
		log.Warn("S3_ENDPOINT not set, uploads are kept in memory")
		store = storage.NewMemoryStore(nil)
	}
	policy := sanitizer.DefaultUploadPolicy()
	policy.MaxSize = cfg.Security.MaxUploadBytes

	healthHandler := health.NewHandler(health.Config{
		Critical: map[string]health.Pinger{"database": health.Postgres(pool)},
		Optional: optional,
		Breakers: breakers,
		Version:  Version,
	})

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(resolver.Middleware)
	r.Use(middleware.StructuredLogger(log))
	r.Use(chimw.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(middleware.SecurityHeaders(cfg.Security.HSTS && cfg.IsProduction()))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/livez", healthHandler.Liveness)
	r.Get("/readyz", healthHandler.Readiness)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		auth.RegisterRoutes(r, pipeline,
			auth.NewAuthHandler(sdk, protector, log),
			auth.NewDocumentHandler(policy, store, docs, auditLog, log),
		)
	})

	sweeper := storage.NewOrphanSweeper(store, docs, storage.DefaultOrphanCleanupConfig(), log, nil)
	jobs := housekeeping.New(log)
	for _, j := range []housekeeping.Job{
		{Name: "purge_sessions", Schedule: housekeeping.EveryMinute, Run: sdk.PurgeExpired},
		{Name: "purge_rate_windows", Schedule: housekeeping.EveryMinute, Run: limiter.Purge},
		{Name: "purge_lockouts", Schedule: housekeeping.EveryMinute, Run: func(context.Context) (int, error) {
			lockout.Purge()
			return 0, nil
		}},
		{Name: "sweep_orphaned_uploads", Schedule: housekeeping.Daily, Timeout: 30 * time.Minute, Run: func(ctx context.Context) (int, error) {
			res, err := sweeper.Sweep(ctx)
			if res == nil {
				return 0, err
			}
			return res.OrphansDeleted, err
		}},
	} {
		if err := jobs.Add(j); err != nil {
			return err
		}
	}
	jobs.Start()

	go metrics.NewDBStatsCollector(pool, auditDB.DB, log).Run(ctx, 15*time.Second)

	srv := &http.Server{
		Addr:              cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", slog.String("addr", srv.Addr), slog.String("env", cfg.Env), slog.String("version", Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	healthHandler.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	jobs.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server exited")
	return nil
}

// setupDatabase creates and verifies the identity pool
func setupDatabase(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := metrics.PingDatabase(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info("connected to database", slog.String("name", cfg.DBName), slog.String("host", cfg.Host))
	return pool, nil
}
