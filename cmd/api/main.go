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

	"github.com/mcclellann/sinkfund/pkg/auth"
	"github.com/mcclellann/sinkfund/pkg/config"
	"github.com/mcclellann/sinkfund/pkg/jobs"
	"github.com/mcclellann/sinkfund/pkg/ledger"
	"github.com/mcclellann/sinkfund/pkg/logging"
	"github.com/mcclellann/sinkfund/pkg/metrics"
	"github.com/mcclellann/sinkfund/pkg/notify"
	"github.com/mcclellann/sinkfund/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Tokens are minted by the identity provider; this only bounds locally generated ones.
const tokenTTL = 24 * time.Hour

func openStorage(cfg config.DatabaseConfig) (store.Storage, error) {
	if cfg.Type == "memory" {
		slog.Warn("Using in-memory storage, data is lost on restart")
		return store.NewMemoryStore(), nil
	}
	s, err := store.NewSQLStore(cfg.Type, store.DialectConfig{Path: cfg.Path, URL: cfg.URL})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Type, err)
	}
	return s, nil
}

// notificationSinks always persists notifications and adds SES e-mail when a
// sender address is configured. The e-mail sink reports its own state.
func notificationSinks(ctx context.Context, cfg config.EmailConfig, storage store.Storage) []notify.Sink {
	sinks := []notify.Sink{notify.NewStoreSink(storage)}
	email, err := notify.NewEmailSink(ctx, notify.EmailConfig{
		Region:     cfg.AWSRegion,
		FromEmail:  cfg.FromEmail,
		FromName:   cfg.FromName,
		AppBaseURL: cfg.AppBaseURL,
	}, storage)
	if err != nil {
		slog.Warn("Email notifications unavailable", "error", err)
	} else if email.IsEnabled() {
		sinks = append(sinks, email)
	}
	return sinks
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup()
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.SetupWith(cfg.Log.Level, cfg.Log.Format)

	storage, err := openStorage(cfg.Database)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer storage.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	dispatcher := notify.NewDispatcher(m, notificationSinks(ctx, cfg.Email, storage)...)

	l := ledger.NewLedger(storage, dispatcher,
		ledger.WithMetrics(m),
		ledger.WithDueSoonDays(cfg.Ledger.DueSoonDays))

	runner := jobs.NewRunner(cfg.Jobs.Interval, m, jobs.LedgerSweeps(l)...)
	if cfg.Jobs.Enabled {
		go runner.Start(ctx)
	}

	server := NewServer(Deps{
		Ledger:    l,
		Storage:   storage,
		Resolver:  auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, tokenTTL),
		Runner:    runner,
		Metrics:   m,
		Gatherer:  registry,
		JobSecret: cfg.Jobs.Secret,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("Server starting", "port", cfg.Server.Port, "database", cfg.Database.Type)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
	}
	dispatcher.Wait()
}
