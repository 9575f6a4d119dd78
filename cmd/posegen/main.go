package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/antoniostano/posegen/internal/auth"
	"github.com/antoniostano/posegen/internal/autoapply"
	"github.com/antoniostano/posegen/internal/backend"
	"github.com/antoniostano/posegen/internal/config"
	"github.com/antoniostano/posegen/internal/httpapi"
	"github.com/antoniostano/posegen/internal/logging"
	"github.com/antoniostano/posegen/internal/observability"
	"github.com/antoniostano/posegen/internal/tasks"
	"github.com/antoniostano/posegen/internal/transport"
)

func main() {
	if err := run(); err != nil {
		slog.Error("posegen exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := tasks.NewStore(ctx, cfg.Store.Mode, cfg.Store.Path, cfg.Store.DatabaseURL)
	if err != nil {
		return fmt.Errorf("task store init failed: %w", err)
	}
	defer store.Close()

	creds := newCredentials(cfg, logger)
	client, channels, err := newBackend(cfg, creds, logger)
	if err != nil {
		return fmt.Errorf("backend init failed: %w", err)
	}

	bus := tasks.NewBus(256)
	registry, err := tasks.NewRegistry(ctx, tasks.Options{
		Store:       store,
		Publisher:   bus,
		Client:      client,
		Channels:    channels,
		Credentials: creds,
		Transport: transport.Config{
			FallbackDelay: cfg.Transport.FallbackDelay,
			SilenceDelay:  cfg.Transport.SilenceDelay,
			PollBase:      cfg.Transport.PollBase,
			PollFactor:    cfg.Transport.PollFactor,
			PollCap:       cfg.Transport.PollCap,
			RefreshSkew:   cfg.Auth.RefreshSkew,
		},
		Apply: autoapply.Config{
			MaxAttempts: cfg.Apply.MaxAttempts,
			BaseDelay:   cfg.Apply.BaseDelay,
			MaxDelay:    cfg.Apply.MaxDelay,
		},
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("registry init failed: %w", err)
	}
	defer registry.Close()

	// The signed-in user owns the registry; a different subject than the one
	// stored drops the previous user's tasks before anything resumes.
	if subject := auth.Subject(creds.AccessToken()); subject != "" {
		if _, err := registry.SyncOwner(ctx, subject); err != nil {
			logger.Error("owner sync failed", "error", err)
		}
	}
	report := registry.Bootstrap()

	api := httpapi.New(cfg, registry, bus, creds, metrics, logger)
	api.MarkReady()
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			"addr", cfg.BindAddr,
			"backend_mode", cfg.Backend.Mode,
			"store_mode", cfg.Store.Mode,
			"resumed", report.Resumed,
			"reapplied", report.Reapplied,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
	return nil
}

func newCredentials(cfg config.Config, logger *slog.Logger) auth.Credentials {
	if strings.TrimSpace(cfg.Auth.RefreshToken) == "" || strings.TrimSpace(cfg.Auth.RefreshURL) == "" {
		return auth.Static(cfg.Auth.AccessToken)
	}
	return auth.NewSession(auth.SessionConfig{
		AccessToken:  cfg.Auth.AccessToken,
		RefreshToken: cfg.Auth.RefreshToken,
		RefreshURL:   cfg.Auth.RefreshURL,
		HTTPClient:   &http.Client{Timeout: cfg.Backend.HTTPTimeout},
		Logger:       logger,
	})
}

func newBackend(cfg config.Config, creds auth.Credentials, logger *slog.Logger) (backend.Client, backend.ChannelFactory, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend.Mode)) {
	case "mock":
		logger.Info("backend: mock (polling only)")
		return backend.NewMockClient(), backend.MockChannelFactory, nil
	case "http":
		wsURL := cfg.Backend.WSURL
		if strings.TrimSpace(wsURL) == "" {
			wsURL = cfg.Backend.BaseURL
		}
		dialer, err := backend.NewWSDialer(wsURL, cfg.Transport.PingInterval, logger)
		if err != nil {
			return nil, nil, err
		}
		return backend.NewHTTPClient(cfg.Backend.BaseURL, creds, cfg.Backend.HTTPTimeout), dialer.Factory(), nil
	default:
		return nil, nil, fmt.Errorf("invalid backend mode %q (expected http|mock)", cfg.Backend.Mode)
	}
}
