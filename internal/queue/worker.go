package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maneesh/labimport/internal/metrics"
	"github.com/maneesh/labimport/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// HandlerFunc executes one attempt of a job. progress reports a percentage
// to the queue. The returned string is the job result.
type HandlerFunc func(ctx context.Context, job *models.Job, progress func(int)) (string, error)

// FailedFunc is called once for every job that ends terminally failed
type FailedFunc func(ctx context.Context, job *models.Job, cause error)

var errLeaseExpired = errors.New("job lease expired before completion")

// Worker is a pool of goroutines consuming one queue
type Worker struct {
	q           *RedisQueue
	handlers    map[models.JobType]HandlerFunc
	onFailed    FailedFunc
	concurrency int
	poll        time.Duration
	log         *zap.SugaredLogger
	metrics     *metrics.Metrics
}

// NewWorker creates a pool; register handlers before Run
func NewWorker(q *RedisQueue, concurrency int, poll time.Duration, log *zap.SugaredLogger, m *metrics.Metrics) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Worker{
		q:           q,
		handlers:    make(map[models.JobType]HandlerFunc),
		concurrency: concurrency,
		poll:        poll,
		log:         log,
		metrics:     m,
	}
}

// Handle registers the handler for a job type
func (w *Worker) Handle(jobType models.JobType, h HandlerFunc) {
	w.handlers[jobType] = h
}

// OnFailed registers the terminal failure hook
func (w *Worker) OnFailed(fn FailedFunc) {
	w.onFailed = fn
}

// Run consumes jobs until ctx is done, then waits for in-flight jobs
func (w *Worker) Run(ctx context.Context) error {
	w.log.Infow("worker started", "concurrency", w.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.loop(ctx, slot)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.recoverLoop(ctx)
	}()

	wg.Wait()
	w.log.Infow("worker stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}
		ran, err := w.ProcessOne(ctx)
		if err != nil {
			w.log.Errorw("worker iteration failed", "slot", slot, "error", err)
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

func (w *Worker) recoverLoop(ctx context.Context) {
	interval := w.q.cfg.Lease / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RecoverOnce(ctx)
		}
	}
}

// RecoverOnce requeues lease-expired jobs and finalizes the exhausted ones
func (w *Worker) RecoverOnce(ctx context.Context) {
	recovered, dead, err := w.q.RecoverExpired(ctx)
	if err != nil {
		w.log.Errorw("lease recovery failed", "error", err)
		return
	}
	if recovered > 0 {
		w.log.Warnw("requeued jobs with expired leases", "count", recovered)
	}
	for _, job := range dead {
		w.log.Errorw("job exhausted attempts after lease expiry", "jobID", job.ID, "type", job.Type)
		if w.onFailed != nil {
			w.onFailed(ctx, job, errLeaseExpired)
		}
	}
}

// ProcessOne dequeues and executes at most one job. It reports whether a job ran.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.q.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.execute(ctx, job)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, job *models.Job) {
	ctx, span := tracer.Start(ctx, "queue.execute")
	span.SetAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("job_type", string(job.Type)),
		attribute.Int("attempt", job.Attempt),
	)
	defer span.End()

	log := w.log.With("jobID", job.ID, "type", job.Type, "attempt", job.Attempt)
	log.Infow("job started")

	// background ops below must still reach Redis after ctx is done
	bg := context.WithoutCancel(ctx)

	stopBeat := w.heartbeat(ctx, job.ID)
	start := time.Now()
	result, err := w.run(ctx, job)
	stopBeat()
	w.metrics.ObserveJob(string(job.Type), time.Since(start).Seconds())

	if err == nil {
		if cerr := w.q.Complete(bg, job, result); cerr != nil {
			log.Errorw("failed to mark job complete", "error", cerr)
		}
		log.Infow("job completed", "result", result, "durationMs", time.Since(start).Milliseconds())
		return
	}

	if ctx.Err() != nil && !IsPermanent(err) {
		if rerr := w.q.Release(bg, job); rerr != nil {
			log.Errorw("failed to release job on shutdown", "error", rerr)
		}
		log.Warnw("job interrupted by shutdown", "error", err)
		return
	}

	span.RecordError(err)
	terminal, ferr := w.q.Fail(bg, job, err)
	if errors.Is(ferr, ErrJobGone) {
		log.Infow("job removed while running", "error", err)
		return
	}
	if ferr != nil {
		log.Errorw("failed to record job failure", "error", ferr)
		return
	}
	if !terminal {
		log.Warnw("job attempt failed, will retry",
			"error", err,
			"retryIn", Backoff(job.BackoffBase, job.Attempt).String(),
		)
		return
	}

	log.Errorw("job failed", "error", err, "permanent", IsPermanent(err))
	if w.onFailed != nil {
		w.onFailed(bg, job, err)
	}
}

func (w *Worker) run(ctx context.Context, job *models.Job) (result string, err error) {
	h, ok := w.handlers[job.Type]
	if !ok {
		return "", Permanent(fmt.Errorf("no handler for job type %q", job.Type))
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()

	progress := func(pct int) {
		if perr := w.q.ReportProgress(ctx, job.ID, pct); perr != nil {
			w.log.Warnw("failed to report progress", "jobID", job.ID, "error", perr)
		}
	}
	return h(ctx, job, progress)
}

// heartbeat renews the lease every third of its length until stopped
func (w *Worker) heartbeat(ctx context.Context, id string) func() {
	interval := w.q.cfg.Lease / 3
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.q.Heartbeat(ctx, id); err != nil {
					w.log.Warnw("failed to renew lease", "jobID", id, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
