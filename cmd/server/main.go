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
	"time"

	httpadapter "auditbuddy/internal/adapters/http"
	"auditbuddy/internal/analyzers"
	"auditbuddy/internal/config"
	"auditbuddy/internal/services/admission"
	"auditbuddy/internal/services/audits"
	"auditbuddy/internal/services/profiles"
	"auditbuddy/internal/services/progress"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	for _, name := range cfg.Extended {
		if !analyzers.Known(strings.TrimSpace(name)) {
			logger.Warn("ignoring unknown extended analyzer", "analyzer", name)
		}
	}
	registry, err := analyzers.Build(cfg, analyzers.NewFetcher(cfg.Fetch))
	if err != nil {
		return fmt.Errorf("build analyzers: %w", err)
	}

	hub := progress.NewHub(b.cache, cfg.CacheTTL, progress.StoreSnapshots(b.audits), logger.With("component", "progress"))
	defer hub.Close()

	svc, err := audits.New(audits.Options{
		Audits:          b.audits,
		Cache:           b.cache,
		Hub:             hub,
		Registry:        registry,
		Policy:          admission.NewURLPolicy(cfg.URL),
		Deduper:         admission.NewDeduper(b.audits, cfg.DedupWindow, nil),
		Logger:          logger.With("component", "audits"),
		AuditWorkers:    cfg.AuditWorkers,
		AnalyzerWorkers: cfg.AnalyzerWorkers,
		CacheTTL:        cfg.CacheTTL,
		Lease:           cfg.RunLease,
	})
	if err != nil {
		return fmt.Errorf("audit service: %w", err)
	}
	if err := svc.Recover(ctx); err != nil {
		logger.Warn("recover unfinished audits", "error", err)
	}

	proxies, err := cfg.ProxyPrefixes()
	if err != nil {
		return err
	}
	limiter := admission.NewLimiter(b.cache, cfg.RateLimit.Requests, cfg.RateLimit.Window, nil, logger.With("component", "ratelimit"))
	api := httpadapter.New(svc, profiles.New(b.audits), limiter, logger.With("component", "http"),
		httpadapter.WithTrustedProxies(proxies))
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("listening",
		"addr", cfg.ListenAddr,
		"store", b.kind,
		"cache", cfg.CacheBackend,
		"analyzers", registry.Names(),
		"audit_workers", cfg.AuditWorkers,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	// Ends open progress streams; hijacked websocket connections are not
	// tracked by srv.Shutdown.
	hub.Close()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("audit shutdown: %w", err)
	}
	logger.Info("stopped")
	return nil
}
