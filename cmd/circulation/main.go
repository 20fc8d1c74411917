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

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"

	"campuslib/internal/clients"
	"campuslib/internal/config"
	"campuslib/internal/lending"
	"campuslib/internal/storage/postgres"
	"campuslib/internal/storage/postgres/migrations"
	"campuslib/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("circulation service stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "campuslib-circulation", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := migrations.Apply(ctx, db); err != nil {
		return err
	}

	svc := lending.NewService(postgres.NewRepository(db), serviceOptions(cfg, logger)...)
	handler := lending.NewHandler(svc, logger, cfg.SelfServiceRate)

	router := chi.NewRouter()
	router.Get("/healthz", healthz(db))
	router.Mount("/", handler.Routes())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting circulation service", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down circulation service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func serviceOptions(cfg config.Config, logger *slog.Logger) []lending.Option {
	opts := []lending.Option{
		lending.WithPolicy(cfg.Policy()),
		lending.WithLogger(logger),
	}
	if cfg.DirectoryServiceURL != "" {
		opts = append(opts, lending.WithDirectory(clients.NewDirectoryClient(cfg.DirectoryServiceURL)))
	}
	if cfg.NotificationServiceURL != "" {
		opts = append(opts, lending.WithNotifier(clients.NewNotificationClient(cfg.NotificationServiceURL, logger)))
	}
	return opts
}

func healthz(db *sqlx.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
