// Package metrics exposes Prometheus collectors for the upload and import pipeline.
// All methods are nil-safe: calls on a nil *Metrics are no-ops.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "labimport"

// Metrics groups every pipeline collector
type Metrics struct {
	chunksAccepted    prometheus.Counter
	chunksDuplicate   prometheus.Counter
	sessionsCompleted prometheus.Counter
	sessionsSwept     prometheus.Counter
	merges            *prometheus.CounterVec
	jobs              *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	importRows        *prometheus.CounterVec
}

// New creates collectors and registers them with reg. A nil reg leaves them
// unregistered, which tests use.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		chunksAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upload", Name: "chunks_accepted_total",
			Help: "Chunks stored for the first time",
		}),
		chunksDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upload", Name: "chunks_duplicate_total",
			Help: "Chunk re-deliveries answered without re-processing",
		}),
		sessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upload", Name: "sessions_completed_total",
			Help: "Sessions that reached a complete chunk set",
		}),
		sessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upload", Name: "sessions_swept_total",
			Help: "Expired sessions reclaimed by the sweeper",
		}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "merge", Name: "results_total",
			Help: "Merge outcomes",
		}, []string{"result"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "jobs_total",
			Help: "Queue job events by type",
		}, []string{"type", "event"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "queue", Name: "job_duration_seconds",
			Help:    "Handler execution time by job type",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"type"}),
		importRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "import", Name: "rows_total",
			Help: "Imported rows by outcome",
		}, []string{"outcome"}),
	}

	if reg != nil {
		m.chunksAccepted = registerOrReuse(reg, m.chunksAccepted).(prometheus.Counter)
		m.chunksDuplicate = registerOrReuse(reg, m.chunksDuplicate).(prometheus.Counter)
		m.sessionsCompleted = registerOrReuse(reg, m.sessionsCompleted).(prometheus.Counter)
		m.sessionsSwept = registerOrReuse(reg, m.sessionsSwept).(prometheus.Counter)
		m.merges = registerOrReuse(reg, m.merges).(*prometheus.CounterVec)
		m.jobs = registerOrReuse(reg, m.jobs).(*prometheus.CounterVec)
		m.jobDuration = registerOrReuse(reg, m.jobDuration).(*prometheus.HistogramVec)
		m.importRows = registerOrReuse(reg, m.importRows).(*prometheus.CounterVec)
	}
	return m
}

func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
	}
	return c
}

func (m *Metrics) ChunkAccepted() {
	if m == nil {
		return
	}
	m.chunksAccepted.Inc()
}

func (m *Metrics) ChunkDuplicate() {
	if m == nil {
		return
	}
	m.chunksDuplicate.Inc()
}

func (m *Metrics) SessionCompleted() {
	if m == nil {
		return
	}
	m.sessionsCompleted.Inc()
}

func (m *Metrics) SessionsSwept(n int) {
	if m == nil {
		return
	}
	m.sessionsSwept.Add(float64(n))
}

// Merge records a merge outcome: ok, integrity, error
func (m *Metrics) Merge(result string) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(result).Inc()
}

// JobEvent records enqueued, completed, retried or failed
func (m *Metrics) JobEvent(jobType, event string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(jobType, event).Inc()
}

func (m *Metrics) ObserveJob(jobType string, seconds float64) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(jobType).Observe(seconds)
}

// ImportRows adds n rows for outcome inserted, updated, skipped or error
func (m *Metrics) ImportRows(outcome string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.importRows.WithLabelValues(outcome).Add(float64(n))
}
