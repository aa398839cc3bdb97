// Package app wires the pipeline services from configuration. The API
// server, the worker and importctl all start from New.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/maneesh/labimport/internal/chunker"
	"github.com/maneesh/labimport/internal/config"
	"github.com/maneesh/labimport/internal/handlers"
	"github.com/maneesh/labimport/internal/importer"
	"github.com/maneesh/labimport/internal/jobs"
	"github.com/maneesh/labimport/internal/merge"
	"github.com/maneesh/labimport/internal/metrics"
	"github.com/maneesh/labimport/internal/notify"
	"github.com/maneesh/labimport/internal/queue"
	"github.com/maneesh/labimport/internal/quota"
	"github.com/maneesh/labimport/internal/report"
	"github.com/maneesh/labimport/internal/session"
	"github.com/maneesh/labimport/internal/storage"
	"github.com/maneesh/labimport/internal/storage/memstore"
	"github.com/maneesh/labimport/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Store is every persistence operation the pipeline uses. Both the TiDB
// client and memstore implement it.
type Store interface {
	session.Store
	merge.Store
	jobs.Store
	importer.Upserter
	report.Searcher
}

// App holds the wired services
type App struct {
	Config    *config.Config
	Log       *zap.SugaredLogger
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Store     Store
	Redis     *storage.RedisClient
	Queue     *queue.RedisQueue
	Chunks    *chunker.Store
	Locker    session.Locker
	Sessions  *session.Manager
	Tracker   *jobs.Tracker
	Merger    *merge.Pipeline
	Processor *importer.Processor
	Reports   *report.Generator
	Mailer    notify.Mailer
	Quota     quota.Checker

	closers []func() error
}

// New connects to the configured backends and builds every service. On
// error, whatever was already opened is closed again.
func New(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*App, error) {
	return NewWithStore(ctx, cfg, log, nil)
}

// NewWithStore is New over an already opened store; a nil store is opened
// from cfg. The caller keeps ownership of a store it passes in.
func NewWithStore(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger, store Store) (a *App, err error) {
	a = &App{Config: cfg, Log: log, Store: store}
	defer func() {
		if err != nil {
			a.close()
			a = nil
		}
	}()

	if cfg.MetricsEnabled {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.Metrics = metrics.New(a.Registry)
	}

	if a.Store == nil {
		if a.Store, err = a.openStore(ctx); err != nil {
			return a, err
		}
	}

	log.Infow("connecting to redis", "addr", cfg.GetRedisAddr())
	a.Redis, err = storage.NewRedisClient(cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return a, fmt.Errorf("failed to initialize redis client: %w", err)
	}
	a.closers = append(a.closers, a.Redis.Close)

	a.Queue = queue.NewRedisQueue(a.Redis.Client(), queue.Config{
		Prefix:      cfg.QueuePrefix,
		MaxAttempts: cfg.QueueMaxAttempts,
		BackoffBase: cfg.QueueBackoffBase,
		Lease:       cfg.QueueLease,
	}, a.Metrics)
	a.closers = append(a.closers, func() error { a.Queue.Close(); return nil })

	if a.Chunks, err = chunker.NewStore(cfg.ChunksDir()); err != nil {
		return a, err
	}

	// the memory store lives in one process, so its locks can too
	a.Locker = storage.NewRedisLocker(a.Redis, cfg.QueuePrefix)
	if cfg.StoreDriver == "memory" {
		a.Locker = session.NewLocalLocker()
	}
	a.Tracker = jobs.NewTracker(a.Store, a.Queue, log.Named("jobs"), a.Metrics)
	a.Sessions = session.NewManager(a.Store, a.Chunks, a.Locker, a.Queue, session.Options{
		TTL:          cfg.UploadSessionTTL,
		MaxChunkSize: cfg.GetMaxChunkSizeBytes(),
		MergeDelay:   cfg.MergeDelay,
	}, log.Named("session"), a.Metrics)

	a.Merger, err = merge.NewPipeline(a.Store, a.Chunks, cfg.UploadsDir(), a.Tracker, log.Named("merge"), a.Metrics)
	if err != nil {
		return a, err
	}
	a.Processor = importer.NewProcessor(a.Store, cfg.ImportBatchSize, log.Named("importer"), a.Metrics)

	// a nil *MinioClient must not reach the generator as a non-nil Archiver
	var archive report.Archiver
	if cfg.MinIOEnabled {
		mc, err := storage.NewMinioClient(ctx, cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey,
			cfg.MinIOBucketName, cfg.MinIOUseSSL, log.Named("minio"))
		if err != nil {
			return a, fmt.Errorf("failed to initialize minio client: %w", err)
		}
		archive = mc
	}
	if a.Reports, err = report.NewGenerator(a.Store, cfg.ReportsDir(), archive, log.Named("report")); err != nil {
		return a, err
	}

	if cfg.EmailEnabled {
		if a.Mailer, err = notify.NewSESMailer(ctx, cfg.AWSRegion, cfg.EmailFrom, log.Named("notify")); err != nil {
			return a, fmt.Errorf("failed to initialize mailer: %w", err)
		}
	} else {
		a.Mailer = notify.NewLogMailer(log.Named("notify"))
	}

	if cfg.QuotaDailyImports > 0 || cfg.QuotaDailyReports > 0 {
		a.Quota = quota.NewRedisQuota(a.Redis.Client(), cfg.QueuePrefix, map[quota.Kind]int64{
			quota.KindImport: cfg.QuotaDailyImports,
			quota.KindReport: cfg.QuotaDailyReports,
		}, log.Named("quota"))
	} else {
		a.Quota = quota.Unlimited{}
	}

	return a, nil
}

func (a *App) openStore(ctx context.Context) (Store, error) {
	cfg := a.Config
	if cfg.StoreDriver == "memory" {
		a.Log.Warnw("using in-memory store; state is lost on exit and not shared between processes")
		return memstore.New(), nil
	}

	a.Log.Infow("connecting to tidb", "host", cfg.TiDBHost, "database", cfg.TiDBDatabase)
	tc, err := storage.NewTiDBClient(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tidb client: %w", err)
	}
	a.closers = append(a.closers, tc.Close)

	if cfg.AutoMigrate {
		if err := tc.Migrate(ctx); err != nil {
			return nil, err
		}
		a.Log.Infow("schema migrated")
	}
	return tc, nil
}

// Router builds the HTTP API over the wired services
func (a *App) Router() http.Handler {
	d := handlers.Deps{
		Sessions:      a.Sessions,
		Jobs:          a.Tracker,
		Imports:       a.Tracker,
		Reports:       a.Reports,
		Quota:         a.Quota,
		UploadsDir:    a.Config.UploadsDir(),
		MaxUploadSize: a.Config.GetMaxUploadSizeBytes(),
		Log:           a.Log.Named("http"),
	}
	if a.Registry != nil {
		d.Metrics = promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
	}
	return handlers.NewRouter(d)
}

// Worker builds a queue worker with every job handler registered
func (a *App) Worker() *queue.Worker {
	w := queue.NewWorker(a.Queue, a.Config.WorkerConcurrency, a.Config.QueuePollInterval, a.Log.Named("worker"), a.Metrics)
	worker.New(worker.Deps{
		Merger:    a.Merger,
		Tracker:   a.Tracker,
		Processor: a.Processor,
		Reports:   a.Reports,
		Mailer:    a.Mailer,
		Queue:     a.Queue,
		Log:       a.Log.Named("jobs"),
	}).Register(w)
	return w
}

// RunSweeper removes expired upload sessions every SweepInterval until ctx
// is done
func (a *App) RunSweeper(ctx context.Context) {
	t := time.NewTicker(a.Config.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := a.Sessions.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				a.Log.Warnw("session sweep failed", "error", err)
			}
		}
	}
}

// Shutdown releases connections in reverse order of opening
func (a *App) Shutdown() error {
	return a.close()
}

func (a *App) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
