// Command pmauthd runs the project-management OAuth authorization server.
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

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	oauth "github.com/guiziweb/pm-oauth"
	"github.com/guiziweb/pm-oauth/instrumentation"
	"github.com/guiziweb/pm-oauth/security"
	"github.com/guiziweb/pm-oauth/server"
	"github.com/guiziweb/pm-oauth/session"
	"github.com/guiziweb/pm-oauth/socialauth"
	"github.com/guiziweb/pm-oauth/socialauth/google"
	"github.com/guiziweb/pm-oauth/socialauth/mock"
	"github.com/guiziweb/pm-oauth/storage/memory"
	"github.com/guiziweb/pm-oauth/storage/postgres"
	"github.com/guiziweb/pm-oauth/storage/valkey"
)

var version = "dev"

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.slogLevel()}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func run(cfg *config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	vault, err := buildVault(cfg, logger)
	if err != nil {
		return err
	}

	// In-memory store backs every repository a dedicated backend does not
	// cover.
	mem := memory.New()
	mem.SetLogger(logger)
	defer mem.Stop()

	deps := server.Deps{
		Tokens:      mem,
		Codes:       mem,
		Users:       mem,
		Credentials: mem,
		Clients:     mem,
		Vault:       vault,
	}

	if cfg.DatabaseURL != "" {
		if cfg.RunMigrations {
			if err := runMigrations(cfg, logger); err != nil {
				return err
			}
		}
		tokens, err := postgres.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer tokens.Close()
		deps.Tokens = tokens
	}

	var sessionStore session.Store
	if cfg.ValkeyAddress != "" {
		vk, err := valkey.New(valkey.Config{
			Address:  cfg.ValkeyAddress,
			Password: cfg.ValkeyPassword,
			DB:       cfg.ValkeyDB,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to valkey: %w", err)
		}
		defer vk.Close()
		deps.Codes = vk
		sessionStore = vk
	} else {
		memSessions := session.NewMemoryStore()
		defer memSessions.Stop()
		sessionStore = memSessions
	}

	bridge, err := buildBridge(cfg, logger)
	if err != nil {
		return err
	}
	deps.Sessions = session.NewManager(sessionStore, bridge, logger)

	srv, err := server.New(deps, &server.Config{
		Issuer:                  cfg.Issuer,
		AuthorizationCodeTTL:    cfg.AuthorizationCodeTTL,
		AccessTokenTTL:          cfg.AccessTokenTTL,
		RefreshTokenTTL:         cfg.RefreshTokenTTL,
		AllowedRedirectPatterns: cfg.AllowedRedirectPatterns,
		AllowInsecureHTTP:       cfg.AllowInsecureHTTP,
		TrustProxy:              cfg.TrustProxy,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	srv.SetAuditor(security.NewAuditor(logger, cfg.AuditEnabled))

	if cfg.RateLimitEnabled {
		limiter := security.NewRateLimiter(cfg.RateLimitRequestsPerSec, cfg.RateLimitBurst, logger)
		defer limiter.Stop()
		srv.SetRateLimiter(limiter)
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "pm-oauth",
		ServiceVersion: version,
		Enabled:        cfg.MetricsEnabled,
	})
	if err != nil {
		return fmt.Errorf("failed to create instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = inst.Shutdown(shutdownCtx)
	}()

	handler := oauth.NewHandler(srv, logger)
	handler.SetInstrumentation(inst)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.HandlerFor(inst.Registry(), promhttp.HandlerOpts{}))
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting authorization server",
			"addr", httpServer.Addr,
			"issuer", cfg.Issuer,
			"version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func buildVault(cfg *config, logger *slog.Logger) (*security.Vault, error) {
	if cfg.VaultKey != "" {
		key, err := security.KeyFromBase64(cfg.VaultKey)
		if err != nil {
			return nil, fmt.Errorf("invalid VAULT_KEY: %w", err)
		}
		return security.NewVault(key)
	}

	logger.Warn("VAULT_KEY not set; using an ephemeral key. " +
		"Stored credentials and issued tokens will not survive a restart")
	key, err := security.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate vault key: %w", err)
	}
	return security.NewVault(key)
}

func buildBridge(cfg *config, logger *slog.Logger) (socialauth.Bridge, error) {
	if cfg.GoogleClientID != "" {
		return google.New(&google.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.Issuer + "/oauth/callback",
		})
	}

	if !cfg.AllowInsecureHTTP {
		return nil, fmt.Errorf("GOOGLE_CLIENT_ID is required outside development mode")
	}
	logger.Warn("GOOGLE_CLIENT_ID not set; using the mock identity bridge. " +
		"Every sign-in resolves to the same fake identity")
	return mock.New(), nil
}

func runMigrations(cfg *config, logger *slog.Logger) error {
	logger.Info("Running database migrations")

	m, err := migrate.New("file://migrations", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Warn("Failed to close migrator", "source_error", srcErr, "db_error", dbErr)
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Migrations completed")
	return nil
}
