// Package queue is a durable task queue on Redis.
//
// Each job is a hash under <prefix>:job:<id>. Jobs waiting to run sit in the
// <prefix>:ready sorted set scored by the earliest run time in unix millis;
// jobs held by a worker sit in <prefix>:active scored by their lease deadline.
// A job whose lease runs out is returned to ready by RecoverExpired, so a
// crashed worker delays a job but never loses it.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/labimport/internal/metrics"
	"github.com/maneesh/labimport/internal/models"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("labimport-queue")

// ErrClosed is returned by Enqueue after Close
var ErrClosed = errors.New("queue is closed")

// ErrJobGone is returned by Fail for a job removed while it was running
var ErrJobGone = errors.New("job no longer queued")

const (
	stateReady  = "ready"
	stateActive = "active"
	stateFailed = "failed"

	maxBackoff = 24 * time.Hour
)

// Options tune a single enqueue. Zero values fall back to the queue defaults.
type Options struct {
	JobID       string
	Delay       time.Duration
	MaxAttempts int
	BackoffBase time.Duration
}

// Config holds queue-wide settings
type Config struct {
	Prefix      string
	MaxAttempts int
	BackoffBase time.Duration
	Lease       time.Duration
	// DeadTTL is how long a terminally failed job stays inspectable
	DeadTTL time.Duration
}

// RedisQueue implements enqueue, dequeue, progress, completion and retry
type RedisQueue struct {
	client  *redis.Client
	cfg     Config
	now     func() time.Time
	metrics *metrics.Metrics
	closed  atomic.Bool
}

// NewRedisQueue creates a queue on an existing Redis connection
func NewRedisQueue(client *redis.Client, cfg Config, m *metrics.Metrics) *RedisQueue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.DeadTTL <= 0 {
		cfg.DeadTTL = 7 * 24 * time.Hour
	}
	return &RedisQueue{
		client:  client,
		cfg:     cfg,
		now:     time.Now,
		metrics: m,
	}
}

// WithClock replaces the time source; tests use it to step over backoff delays
func (q *RedisQueue) WithClock(now func() time.Time) *RedisQueue {
	q.now = now
	return q
}

func (q *RedisQueue) readyKey() string  { return q.cfg.Prefix + ":ready" }
func (q *RedisQueue) activeKey() string { return q.cfg.Prefix + ":active" }
func (q *RedisQueue) jobPrefix() string { return q.cfg.Prefix + ":job:" }
func (q *RedisQueue) jobKey(id string) string {
	return q.jobPrefix() + id
}

func millis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Backoff returns the delay before the next run after attempt failed attempts
func Backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Enqueue stores a job and makes it ready after opts.Delay. Enqueueing an id
// that already exists replaces the old job, which is how retries of a
// finished job reuse its id.
func (q *RedisQueue) Enqueue(ctx context.Context, jobType models.JobType, payload any, opts Options) (string, error) {
	if q.closed.Load() {
		return "", ErrClosed
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	ctx, span := tracer.Start(ctx, "queue.enqueue",
		trace.WithAttributes(
			attribute.String("job_id", id),
			attribute.String("job_type", string(jobType)),
		),
	)
	defer span.End()

	data, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	backoff := opts.BackoffBase
	if backoff <= 0 {
		backoff = q.cfg.BackoffBase
	}

	now := q.now()
	key := q.jobKey(id)
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.ZRem(ctx, q.activeKey(), id)
		pipe.HSet(ctx, key,
			"type", string(jobType),
			"payload", string(data),
			"attempt", 0,
			"max_attempts", maxAttempts,
			"backoff_ms", backoff.Milliseconds(),
			"progress", 0,
			"state", stateReady,
			"created_at", now.UnixMilli(),
		)
		pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: millis(now.Add(opts.Delay)), Member: id})
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.metrics.JobEvent(string(jobType), "enqueued")
	return id, nil
}

// claims the earliest ready job whose run time has passed
var dequeueScript = redis.NewScript(`
	local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
	if #ids == 0 then
		return false
	end
	local id = ids[1]
	redis.call('ZREM', KEYS[1], id)
	local key = ARGV[3] .. id
	if redis.call('EXISTS', key) == 0 then
		return false
	end
	redis.call('ZADD', KEYS[2], ARGV[2], id)
	redis.call('HINCRBY', key, 'attempt', 1)
	redis.call('HSET', key, 'state', 'active')
	return id
`)

// Dequeue claims the next ready job for one lease period. It returns nil
// when nothing is ready.
func (q *RedisQueue) Dequeue(ctx context.Context) (*models.Job, error) {
	now := q.now()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.activeKey()},
		now.UnixMilli(), now.Add(q.cfg.Lease).UnixMilli(), q.jobPrefix(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	id, ok := res.(string)
	if !ok {
		return nil, nil
	}
	return q.Get(ctx, id)
}

// Get loads a job by id
func (q *RedisQueue) Get(ctx context.Context, id string) (*models.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %s not found", id)
	}
	return decodeJob(id, fields), nil
}

func decodeJob(id string, f map[string]string) *models.Job {
	atoi := func(k string) int {
		n, _ := strconv.Atoi(f[k])
		return n
	}
	backoffMs, _ := strconv.ParseInt(f["backoff_ms"], 10, 64)
	createdMs, _ := strconv.ParseInt(f["created_at"], 10, 64)
	return &models.Job{
		ID:          id,
		Type:        models.JobType(f["type"]),
		Payload:     json.RawMessage(f["payload"]),
		Attempt:     atoi("attempt"),
		MaxAttempts: atoi("max_attempts"),
		BackoffBase: time.Duration(backoffMs) * time.Millisecond,
		Progress:    atoi("progress"),
		LastError:   f["last_error"],
		CreatedAt:   time.UnixMilli(createdMs).UTC(),
	}
}

// updates progress and renews the lease unless the job was removed
var progressScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return 0
	end
	redis.call('HSET', KEYS[1], 'progress', ARGV[1])
	redis.call('ZADD', KEYS[2], 'XX', ARGV[2], ARGV[3])
	return 1
`)

// ReportProgress records a completion percentage and renews the lease. A job
// removed while running is left alone.
func (q *RedisQueue) ReportProgress(ctx context.Context, id string, percent int) error {
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	err := progressScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.activeKey()},
		percent, q.now().Add(q.cfg.Lease).UnixMilli(), id,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to report progress: %w", err)
	}
	return nil
}

// Heartbeat renews the lease of an active job
func (q *RedisQueue) Heartbeat(ctx context.Context, id string) error {
	err := q.client.ZAddXX(ctx, q.activeKey(), redis.Z{Score: millis(q.now().Add(q.cfg.Lease)), Member: id}).Err()
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	return nil
}

// Complete removes a finished job. Jobs are transient; the durable record is
// the job status kept by the tracker.
func (q *RedisQueue) Complete(ctx context.Context, job *models.Job, result string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.activeKey(), job.ID)
		pipe.Del(ctx, q.jobKey(job.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	q.metrics.JobEvent(string(job.Type), "completed")
	return nil
}

// moves an active job to failed (ARGV[3] == '1') or back to ready at
// ARGV[5]; returns 0 when the job hash is gone
var failScript = redis.NewScript(`
	redis.call('ZREM', KEYS[2], ARGV[1])
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return 0
	end
	if ARGV[3] == '1' then
		redis.call('HSET', KEYS[1], 'state', 'failed', 'last_error', ARGV[2])
		redis.call('EXPIRE', KEYS[1], ARGV[4])
	else
		redis.call('HSET', KEYS[1], 'state', 'ready', 'last_error', ARGV[2])
		redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
	end
	return 1
`)

// Fail records a failed attempt. While attempts remain the job is rescheduled
// after Backoff(base, attempt); otherwise, or when cause is Permanent, it is
// kept in the failed state for DeadTTL. terminal reports which happened.
// ErrJobGone is returned when the job was removed while it ran.
func (q *RedisQueue) Fail(ctx context.Context, job *models.Job, cause error) (terminal bool, err error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	terminal = IsPermanent(cause) || job.Attempt >= job.MaxAttempts
	flag := "0"
	if terminal {
		flag = "1"
	}
	runAt := q.now().Add(Backoff(job.BackoffBase, job.Attempt))

	found, err := failScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.activeKey(), q.readyKey()},
		job.ID, msg, flag, int64(q.cfg.DeadTTL.Seconds()), runAt.UnixMilli(),
	).Int()
	if err != nil {
		return terminal, fmt.Errorf("failed to record job failure: %w", err)
	}
	if found == 0 {
		return false, ErrJobGone
	}

	if terminal {
		q.metrics.JobEvent(string(job.Type), "failed")
	} else {
		q.metrics.JobEvent(string(job.Type), "retried")
	}
	return terminal, nil
}

// hands an active job back to ready, refunding the attempt
var releaseScript = redis.NewScript(`
	redis.call('ZREM', KEYS[2], ARGV[1])
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return 0
	end
	redis.call('HINCRBY', KEYS[1], 'attempt', -1)
	redis.call('HSET', KEYS[1], 'state', 'ready')
	redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
	return 1
`)

// Release hands an active job back without consuming an attempt, used when
// the worker shuts down mid-job. A removed job stays removed.
func (q *RedisQueue) Release(ctx context.Context, job *models.Job) error {
	err := releaseScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.activeKey(), q.readyKey()},
		job.ID, q.now().UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	return nil
}

// moves lease-expired jobs back to ready, or to failed when out of attempts;
// returns the ids that went to failed
var recoverScript = redis.NewScript(`
	local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	local dead = {}
	for _, id in ipairs(ids) do
		redis.call('ZREM', KEYS[1], id)
		local key = ARGV[2] .. id
		if redis.call('EXISTS', key) == 1 then
			local attempt = tonumber(redis.call('HGET', key, 'attempt') or '0')
			local max = tonumber(redis.call('HGET', key, 'max_attempts') or '1')
			if attempt >= max then
				redis.call('HSET', key, 'state', 'failed', 'last_error', 'lease expired')
				redis.call('EXPIRE', key, ARGV[3])
				table.insert(dead, id)
			else
				redis.call('HSET', key, 'state', 'ready')
				redis.call('ZADD', KEYS[2], ARGV[1], id)
			end
		end
	end
	return {#ids, dead}
`)

// RecoverExpired returns jobs whose lease ran out to the ready set. Attempts
// already consumed are kept, so a job that keeps crashing its worker still
// reaches MaxAttempts.
func (q *RedisQueue) RecoverExpired(ctx context.Context) (recovered int, dead []*models.Job, err error) {
	res, err := recoverScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.readyKey()},
		q.now().UnixMilli(), q.jobPrefix(), int64(q.cfg.DeadTTL.Seconds()),
	).Slice()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to recover expired jobs: %w", err)
	}

	total, _ := res[0].(int64)
	deadIDs, _ := res[1].([]interface{})
	for _, raw := range deadIDs {
		id, _ := raw.(string)
		job, err := q.Get(ctx, id)
		if err != nil {
			continue
		}
		dead = append(dead, job)
		q.metrics.JobEvent(string(job.Type), "failed")
	}
	return int(total) - len(dead), dead, nil
}

// Remove drops a job wherever it is
func (q *RedisQueue) Remove(ctx context.Context, id string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.readyKey(), id)
		pipe.ZRem(ctx, q.activeKey(), id)
		pipe.Del(ctx, q.jobKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}
	return nil
}

// Depth reports the number of ready and active jobs
func (q *RedisQueue) Depth(ctx context.Context) (ready, active int64, err error) {
	ready, err = q.client.ZCard(ctx, q.readyKey()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count ready jobs: %w", err)
	}
	active, err = q.client.ZCard(ctx, q.activeKey()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return ready, active, nil
}

// Close stops accepting new jobs. The Redis connection is owned by the caller.
func (q *RedisQueue) Close() {
	q.closed.Store(true)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
