package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/maneesh/labimport/internal/app"
	"github.com/maneesh/labimport/internal/config"
	"github.com/maneesh/labimport/internal/logging"
	"github.com/maneesh/labimport/internal/tracing"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Infow("starting labimport api", "service", cfg.ServiceName, "port", cfg.ServicePort, "store", cfg.StoreDriver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.Init(ctx, cfg.Tracing(cfg.ServiceName))
	if err != nil {
		logger.Fatalw("failed to initialize tracer", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Warnw("error shutting down tracer", "error", err)
		}
	}()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatalw("failed to initialize services", "error", err)
	}
	defer a.Shutdown()

	// the in-memory store is private to this process, so it runs its own worker
	workerDone := make(chan struct{})
	if cfg.StoreDriver == "memory" {
		go func() {
			defer close(workerDone)
			if err := a.Worker().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorw("embedded worker stopped", "error", err)
			}
		}()
		go a.RunSweeper(ctx)
	} else {
		close(workerDone)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServicePort,
		Handler:      a.Router(),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infow("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Infow("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("server forced to shutdown", "error", err)
	}

	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warnw("embedded worker did not stop in time")
	}
	logger.Infow("server exited")
}

