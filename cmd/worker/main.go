package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/maneesh/labimport/internal/app"
	"github.com/maneesh/labimport/internal/config"
	"github.com/maneesh/labimport/internal/logging"
	"github.com/maneesh/labimport/internal/tracing"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.StoreDriver == "memory" {
		log.Fatalf("The worker needs a shared store; STORE_DRIVER=memory runs the worker inside the API server")
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.Init(ctx, cfg.Tracing(cfg.ServiceName+"-worker"))
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

	// metrics only; the worker serves no API
	var metricsSrv *http.Server
	if a.Registry != nil {
		metricsSrv = &http.Server{
			Addr:    ":" + cfg.ServicePort,
			Handler: promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorw("metrics server failed", "error", err)
			}
		}()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.RunSweeper(ctx)
	}()

	logger.Infow("starting labimport worker", "concurrency", cfg.WorkerConcurrency, "queue", cfg.QueuePrefix)
	if err := a.Worker().Run(ctx); err != nil {
		logger.Errorw("worker stopped", "error", err)
	}
	wg.Wait()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}
	logger.Infow("worker exited")
}
