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

	"github.com/caarlos0/env/v11"
	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"

	"github.com/tailscale-portfolio/signin-callback/internal/auth0"
	"github.com/tailscale-portfolio/signin-callback/internal/directory"
	"github.com/tailscale-portfolio/signin-callback/internal/identity"
	"github.com/tailscale-portfolio/signin-callback/internal/telemetry"
	"github.com/tailscale-portfolio/signin-callback/internal/userstore"
)

type config struct {
	ListenAddr      string `env:"USER_DIRECTORY_LISTEN_ADDR" envDefault:":8300"`
	Auth0Domain     string `env:"AUTH0_DOMAIN"`
	Auth0Audience   string `env:"AUTH0_AUDIENCE"`
	Auth0RolesClaim string `env:"AUTH0_ROLES_CLAIM"`

	DatabaseURL string `env:"DATABASE_URL"`
	FixturePath string `env:"USER_FIXTURE_PATH"`

	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisTTL      time.Duration `env:"REDIS_TTL" envDefault:"15m"`

	OTLPEndpoint string     `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool       `env:"OTEL_EXPORTER_OTLP_INSECURE"`
	ServiceName  string     `env:"OTEL_SERVICE_NAME" envDefault:"user-directory"`
	LogLevel     slog.Level `env:"LOG_LEVEL" envDefault:"info"`
}

func loadConfig() (config, error) {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Auth0Domain == "" {
		return cfg, errors.New("AUTH0_DOMAIN is required")
	}
	if cfg.Auth0Audience == "" {
		return cfg, errors.New("AUTH0_AUDIENCE is required")
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfig()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	if err != nil {
		logger.Error("configuration error", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("user directory stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		Insecure:    cfg.OTLPInsecure,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("tracing shutdown failed", "error", err)
		}
	}()

	dir, closeStore, err := openDirectory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	validator, err := auth0.NewValidator(initCtx, cfg.Auth0Domain, cfg.Auth0Audience, auth0.WithRolesClaim(cfg.Auth0RolesClaim))
	cancel()
	if err != nil {
		return fmt.Errorf("initialise auth0 validator: %w", err)
	}

	metrics := telemetry.NewMetrics()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("GET /metrics", metrics.Handler())
	directory.NewServer(dir, validator, logger).Register(mux)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      telemetry.Instrument(telemetry.RequestLogger(logger, metrics)(telemetry.Recover(logger)(mux)), "user-directory"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting user directory", "listen", srv.Addr, "audience", cfg.Auth0Audience)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openDirectory picks PostgreSQL when DATABASE_URL is set and an in-memory
// directory otherwise, optionally fronted by Redis.
func openDirectory(ctx context.Context, cfg config, logger *slog.Logger) (identity.Directory, func(), error) {
	var (
		dir     identity.Directory
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch {
	case cfg.DatabaseURL != "":
		db, err := userstore.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { db.Close() })
		store := userstore.NewPostgres(db)
		if err := store.EnsureSchema(ctx); err != nil {
			closeAll()
			return nil, nil, err
		}
		dir = store
		logger.Info("using postgres user store")
	case cfg.FixturePath != "":
		data, err := os.ReadFile(cfg.FixturePath)
		if err != nil {
			return nil, nil, fmt.Errorf("read user fixture %s: %w", cfg.FixturePath, err)
		}
		mem, err := identity.LoadMemoryDirectory(data)
		if err != nil {
			return nil, nil, err
		}
		dir = mem
		logger.Info("using in-memory user store", "fixture", cfg.FixturePath, "users", mem.Len())
	default:
		dir = identity.NewMemoryDirectory()
		logger.Warn("no DATABASE_URL set, users are kept in memory")
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			closeAll()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		closers = append(closers, func() { client.Close() })
		dir = userstore.NewCache(dir, client, cfg.RedisTTL, logger)
		logger.Info("user cache enabled", "redis", cfg.RedisAddr, "ttl", cfg.RedisTTL)
	}
	return dir, closeAll, nil
}
