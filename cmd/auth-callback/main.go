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
	"golang.org/x/sync/errgroup"

	"github.com/tailscale-portfolio/signin-callback/internal/analytics"
	"github.com/tailscale-portfolio/signin-callback/internal/auth0"
	"github.com/tailscale-portfolio/signin-callback/internal/callback"
	"github.com/tailscale-portfolio/signin-callback/internal/directory"
	"github.com/tailscale-portfolio/signin-callback/internal/session"
	"github.com/tailscale-portfolio/signin-callback/internal/telemetry"
)

type config struct {
	ListenAddr string `env:"AUTH_CALLBACK_LISTEN_ADDR" envDefault:":8200"`
	AppEnv     string `env:"APP_ENV" envDefault:"production"`
	SiteURL    string `env:"SITE_URL"`

	IssuerURL    string   `env:"OIDC_ISSUER_URL"`
	ClientID     string   `env:"OIDC_CLIENT_ID"`
	ClientSecret string   `env:"OIDC_CLIENT_SECRET"`
	RedirectURL  string   `env:"OIDC_REDIRECT_URL"`
	Scopes       []string `env:"OIDC_SCOPES" envSeparator:" " envDefault:"openid profile email"`

	SessionSecret string        `env:"SESSION_SECRET"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"8h"`

	DirectoryURL    string `env:"USER_DIRECTORY_URL"`
	Auth0Domain     string `env:"AUTH0_DOMAIN"`
	Auth0Audience   string `env:"AUTH0_AUDIENCE"`
	M2MClientID     string `env:"AUTH0_M2M_CLIENT_ID"`
	M2MClientSecret string `env:"AUTH0_M2M_CLIENT_SECRET"`

	PostHogAPIKey string `env:"POSTHOG_API_KEY"`
	PostHogHost   string `env:"POSTHOG_HOST"`

	HTTPTimeout  time.Duration `env:"HTTP_TIMEOUT" envDefault:"15s"`
	OTLPEndpoint string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool          `env:"OTEL_EXPORTER_OTLP_INSECURE"`
	ServiceName  string        `env:"OTEL_SERVICE_NAME" envDefault:"auth-callback"`
	LogLevel     slog.Level    `env:"LOG_LEVEL" envDefault:"info"`
}

func (c config) development() bool {
	return c.AppEnv == "development"
}

func loadConfig() (config, error) {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if cfg.IssuerURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RedirectURL == "" {
		return cfg, errors.New("OIDC_ISSUER_URL, OIDC_CLIENT_ID, OIDC_CLIENT_SECRET, OIDC_REDIRECT_URL are required")
	}
	if len(cfg.SessionSecret) < 32 {
		return cfg, errors.New("SESSION_SECRET must be at least 32 bytes")
	}
	if cfg.DirectoryURL == "" {
		return cfg, errors.New("USER_DIRECTORY_URL is required")
	}
	if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" || cfg.M2MClientID == "" || cfg.M2MClientSecret == "" {
		return cfg, errors.New("AUTH0_DOMAIN, AUTH0_AUDIENCE, AUTH0_M2M_CLIENT_ID, AUTH0_M2M_CLIENT_SECRET are required")
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfig()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	if err != nil {
		logger.Error("auth-callback configuration error", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("auth-callback stopped", "error", err)
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

	discoverCtx, cancel := context.WithTimeout(ctx, cfg.HTTPTimeout)
	exchanger, err := session.NewOIDCExchanger(discoverCtx, session.OIDCConfig{
		IssuerURL:    cfg.IssuerURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
	})
	cancel()
	if err != nil {
		return err
	}

	sessions, err := session.NewStore([]byte(cfg.SessionSecret), cfg.SessionTTL, !cfg.development())
	if err != nil {
		return err
	}

	tokens, err := (&auth0.Client{
		Domain:       cfg.Auth0Domain,
		Audience:     cfg.Auth0Audience,
		ClientID:     cfg.M2MClientID,
		ClientSecret: cfg.M2MClientSecret,
		HTTPClient:   &http.Client{Timeout: cfg.HTTPTimeout},
	}).TokenSource(ctx, []string{directory.ScopeRead, directory.ScopeWrite})
	if err != nil {
		return err
	}
	users := directory.NewClient(cfg.DirectoryURL, directory.NewAuthorizedHTTPClient(ctx, tokens, cfg.HTTPTimeout))

	tracker, err := analytics.New(cfg.PostHogAPIKey, cfg.PostHogHost)
	if err != nil {
		return err
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			logger.Error("analytics flush failed", "error", err)
		}
	}()

	metrics := telemetry.NewMetrics()
	deps := callback.Deps{
		Exchanger: exchanger,
		Users:     users,
		Sessions:  sessions,
		Metrics:   metrics,
		Logger:    logger,
	}
	if tracker != nil {
		deps.Tracker = tracker
	}
	handler := callback.NewHandler(callback.Config{
		Development: cfg.development(),
		SiteURL:     cfg.SiteURL,
		Timeout:     cfg.HTTPTimeout,
	}, deps)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("GET /metrics", metrics.Handler())
	handler.Register(mux)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      telemetry.Instrument(telemetry.RequestLogger(logger, metrics)(telemetry.Recover(logger)(mux)), "auth-callback"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * cfg.HTTPTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("auth-callback listening", "addr", srv.Addr, "env", cfg.AppEnv)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
