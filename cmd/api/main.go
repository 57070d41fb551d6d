// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cuhkszlibrary/internal/auth"
	"cuhkszlibrary/internal/catalog"
	"cuhkszlibrary/internal/circulation"
	"cuhkszlibrary/internal/config"
	"cuhkszlibrary/internal/logging"
	"cuhkszlibrary/internal/notification"
	"cuhkszlibrary/internal/report"
	"cuhkszlibrary/internal/server"
	"cuhkszlibrary/internal/storage"
	"cuhkszlibrary/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "library api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	store, err := storage.Open(ctx, cfg.DBDriver, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing store failed", zap.Error(err))
		}
	}()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("store ready", zap.String("dialect", string(store.Dialect())))

	circulationService, err := circulation.NewService(store, store, logger)
	if err != nil {
		return err
	}
	catalogService := catalog.NewService(store, circulationService, logger)
	notificationService := notification.NewService(store, logger)
	reportService := report.NewService(store, logger, nil)
	projector := notification.NewProjector(store.Events(), store, logger, cfg.ProjectorInterval)

	router := server.NewRouter(server.Deps{
		Circulation:      circulationService,
		Catalog:          catalogService,
		Notifications:    notificationService,
		Reports:          reportService,
		Verifier:         auth.NewVerifier([]byte(cfg.JWTSecret)),
		Health:           store,
		Logger:           logger,
		PatronRatePerMin: cfg.PatronRatePerMin,
	})

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		_ = projector.Run(ctx)
	}()
	go func() {
		defer workers.Done()
		reportService.RunSweeper(ctx, cfg.SweepInterval)
	}()

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("library api listening",
			zap.String("addr", srv.Addr),
			zap.String("db_driver", cfg.DBDriver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			stop()
			workers.Wait()
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	stop()
	workers.Wait()
	return nil
}
