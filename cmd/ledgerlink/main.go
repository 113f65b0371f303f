package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/ericfisherdev/ledgerlink/internal/adapter/driven/jsonstore"
	"github.com/ericfisherdev/ledgerlink/internal/adapter/driven/quickbooks"
	httphandler "github.com/ericfisherdev/ledgerlink/internal/adapter/driving/http"
	"github.com/ericfisherdev/ledgerlink/internal/application"
	"github.com/ericfisherdev/ledgerlink/internal/config"
	"github.com/ericfisherdev/ledgerlink/internal/domain/port/driven"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on invalid env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"registry_path", cfg.RegistryPath,
		"cache_dir", cfg.CacheDir,
		"environment", cfg.Environment,
		"page_size", cfg.PageSize,
		"sync_interval", cfg.SyncInterval,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open file stores.
	registry := jsonstore.NewRegistry(cfg.RegistryPath)
	cache := jsonstore.NewMetadataStore(cfg.CacheDir)

	// 4. Check the registry and repair it if a previous run left it corrupt.
	// An unrepairable registry does not stop the server; the API reports it.
	recovery := application.NewRecoveryService(registry, registry, cfg.RegistryPath)
	report, err := recovery.Recover(ctx)
	switch {
	case errors.Is(err, driven.ErrRegistryUnrepairable):
		slog.Error("registry unrepairable, serving in degraded mode",
			"path", cfg.RegistryPath,
			"backup", report.BackupPath,
		)
	case err != nil:
		return err
	default:
		slog.Info("registry ready", "path", cfg.RegistryPath, "companies", report.Records, "repaired", report.Repaired)
	}

	// 4b. Re-check the registry whenever the file changes on disk, so edits
	// made by other tools are validated and repaired the same way.
	watcher := jsonstore.NewWatcher(cfg.RegistryPath, time.Second, func(ctx context.Context) {
		if _, err := recovery.Recover(ctx); err != nil {
			slog.Error("registry check after change failed", "path", cfg.RegistryPath, "error", err)
		}
	})
	go func() {
		if err := watcher.Run(ctx); err != nil {
			slog.Error("registry watcher stopped", "error", err)
		}
	}()

	// 5. Wire provider adapters.
	exchanger := quickbooks.NewOAuthClient(quickbooks.OAuthConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		AuthURL:      cfg.AuthURL,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
		Timeout:      cfg.HTTPTimeout,
	})
	api, err := quickbooks.NewClient(cfg.SandboxAPIURL, cfg.ProductionAPIURL, cfg.HTTPTimeout)
	if err != nil {
		return err
	}

	// 6. Create services.
	invoker := application.NewInvoker(registry, exchanger)
	syncSvc := application.NewSyncService(registry, cache, api, invoker, cfg.PageSize)
	warmup := application.NewWarmupService(registry, cache, syncSvc, cfg.SyncInterval)
	companies := application.NewCompanyService(registry, cache)

	var connect *application.ConnectService
	if cfg.HasClientCredentials() {
		states := application.NewPendingStates(cfg.StateTTL, time.Now)
		connect = application.NewConnectService(states, exchanger, api, registry, warmup, cfg.Environment)
	} else {
		slog.Info("no client credentials configured, connect flow disabled")
	}

	// 7. Start warm-up in the background; the server answers from the cache
	// while it runs.
	go warmup.Start(ctx)

	// 8. Create HTTP handler.
	apiHandler := httphandler.NewHandler(companies, syncSvc, warmup, connect, recovery, slog.Default())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(apiHandler, slog.Default()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	slog.Info("ledgerlink started",
		"listen_addr", cfg.ListenAddr,
		"environment", cfg.Environment,
		"connect_enabled", connect != nil,
	)

	// 9. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 10. Graceful shutdown with 10s timeout for in-flight requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
