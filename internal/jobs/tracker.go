// Package jobs keeps the user-visible status record of every tracked job and
// enforces its state machine.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/labimport/internal/apperr"
	"github.com/maneesh/labimport/internal/metrics"
	"github.com/maneesh/labimport/internal/models"
	"github.com/maneesh/labimport/internal/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("labimport-jobs")

const (
	defaultLimit = 10
	maxLimit     = 100
)

// Store persists job status records
type Store interface {
	CreateJobStatus(ctx context.Context, js *models.JobStatus) error
	GetJobStatus(ctx context.Context, id string) (*models.JobStatus, error)
	GetJobStatusByResult(ctx context.Context, resultPath string) (*models.JobStatus, error)
	UpdateJobStatus(ctx context.Context, id string, from []models.JobState, u models.JobUpdate) (bool, error)
	DeleteJobStatus(ctx context.Context, id string) error
	ListJobStatuses(ctx context.Context, f models.JobFilter) (*models.JobPage, error)
	JobStats(ctx context.Context, createdBy string) (*models.JobStats, error)
}

// Queue is the part of the task queue the tracker drives
type Queue interface {
	Enqueue(ctx context.Context, jobType models.JobType, payload any, opts queue.Options) (string, error)
	Remove(ctx context.Context, id string) error
}

// Tracker creates, transitions and queries job status records. Worker-side
// transitions are Start, Progress, Complete, Fail and NoteAttemptError; user
// actions are Cancel, Retry and Delete.
type Tracker struct {
	store   Store
	queue   Queue
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

// NewTracker wires a Tracker
func NewTracker(store Store, q Queue, log *zap.SugaredLogger, m *metrics.Metrics) *Tracker {
	return &Tracker{store: store, queue: q, log: log, metrics: m}
}

// Submission describes a job to track and enqueue
type Submission struct {
	Kind             string
	QueueType        models.JobType
	Payload          any
	FileName         string
	OriginalFileName string
	TotalRows        int64
	CreatedBy        string
}

// Submit records a pending JobStatus and enqueues the queue job under the
// same id. The record is removed again if the enqueue fails.
func (t *Tracker) Submit(ctx context.Context, sub Submission) (*models.JobStatus, error) {
	ctx, span := tracer.Start(ctx, "jobs.submit")
	defer span.End()

	payload, err := json.Marshal(sub.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job payload: %w", err)
	}

	now := time.Now().UTC()
	js := &models.JobStatus{
		ID:               uuid.NewString(),
		JobType:          sub.Kind,
		QueueType:        sub.QueueType,
		Status:           models.JobPending,
		FileName:         sub.FileName,
		OriginalFileName: sub.OriginalFileName,
		TotalRows:        sub.TotalRows,
		Payload:          payload,
		CreatedBy:        sub.CreatedBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	span.SetAttributes(attribute.String("job_id", js.ID), attribute.String("job_type", js.JobType))

	if err := t.store.CreateJobStatus(ctx, js); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if _, err := t.queue.Enqueue(ctx, sub.QueueType, json.RawMessage(payload), queue.Options{JobID: js.ID}); err != nil {
		span.RecordError(err)
		if derr := t.store.DeleteJobStatus(ctx, js.ID); derr != nil {
			t.log.Errorw("failed to remove orphaned job status", "jobID", js.ID, "error", derr)
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	t.log.Infow("job submitted", "jobID", js.ID, "jobType", js.JobType, "createdBy", js.CreatedBy)
	return js, nil
}

// SubmitImport tracks and enqueues a data import of an uploaded file
func (t *Tracker) SubmitImport(ctx context.Context, p models.ImportPayload) (*models.JobStatus, error) {
	return t.Submit(ctx, Submission{
		Kind:             models.KindDataImport,
		QueueType:        models.JobDataImport,
		Payload:          p,
		FileName:         filepath.Base(p.FilePath),
		OriginalFileName: p.OriginalFileName,
		CreatedBy:        p.UserID,
	})
}

// Get returns one record
func (t *Tracker) Get(ctx context.Context, id string) (*models.JobStatus, error) {
	return t.store.GetJobStatus(ctx, id)
}

// ByResult returns the job that produced a result file
func (t *Tracker) ByResult(ctx context.Context, resultPath string) (*models.JobStatus, error) {
	return t.store.GetJobStatusByResult(ctx, resultPath)
}

func state(s models.JobState) *models.JobState { return &s }

func str(s string) *string { return &s }

func (t *Tracker) transition(ctx context.Context, id string, from []models.JobState, u models.JobUpdate) error {
	ok, err := t.store.UpdateJobStatus(ctx, id, from, u)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	js, err := t.store.GetJobStatus(ctx, id)
	if err != nil {
		return err
	}
	if js.Status == models.JobCancelled {
		return fmt.Errorf("%w: %s", apperr.ErrJobCancelled, id)
	}
	return fmt.Errorf("%w: %s is %s", apperr.ErrInvalidTransition, id, js.Status)
}

// Start moves a job to processing. A redelivered job that is already
// processing is accepted so an attempt after a crash can resume.
func (t *Tracker) Start(ctx context.Context, id string, totalRows int64) error {
	u := models.JobUpdate{Status: state(models.JobProcessing), ErrorMsg: str("")}
	if totalRows > 0 {
		u.Counts = &models.ImportResult{TotalRows: totalRows}
	}
	if err := t.transition(ctx, id, []models.JobState{models.JobPending, models.JobProcessing}, u); err != nil {
		return err
	}
	t.metrics.JobEvent(t.kind(ctx, id), "started")
	return nil
}

// Progress records intermediate counters. It fails with ErrJobCancelled
// once the user cancelled the job, which is the worker's signal to stop.
func (t *Tracker) Progress(ctx context.Context, id string, counts models.ImportResult) error {
	return t.transition(ctx, id, []models.JobState{models.JobProcessing}, models.JobUpdate{Counts: &counts})
}

// Complete finalizes a job as completed
func (t *Tracker) Complete(ctx context.Context, id string, counts *models.ImportResult, resultPath string) error {
	u := models.JobUpdate{Status: state(models.JobCompleted), Counts: counts, ErrorMsg: str("")}
	if resultPath != "" {
		u.ResultPath = &resultPath
	}
	if err := t.transition(ctx, id, []models.JobState{models.JobPending, models.JobProcessing}, u); err != nil {
		return err
	}
	t.metrics.JobEvent(t.kind(ctx, id), "completed")
	t.log.Infow("job completed", "jobID", id, "resultPath", resultPath)
	return nil
}

// Fail finalizes a job as failed with a user-facing message. Cancelled and
// already finalized jobs are left alone.
func (t *Tracker) Fail(ctx context.Context, id string, cause error) error {
	msg := cause.Error()
	err := t.transition(ctx, id, []models.JobState{models.JobPending, models.JobProcessing}, models.JobUpdate{
		Status:   state(models.JobFailed),
		ErrorMsg: &msg,
	})
	if errors.Is(err, apperr.ErrJobCancelled) || errors.Is(err, apperr.ErrInvalidTransition) {
		t.log.Infow("job not failed, already final", "jobID", id, "reason", err)
		return nil
	}
	if err != nil {
		return err
	}
	t.metrics.JobEvent(t.kind(ctx, id), "failed")
	t.log.Warnw("job failed", "jobID", id, "error", msg)
	return nil
}

// NoteAttemptError records a failed attempt that will be retried; the job
// stays processing
func (t *Tracker) NoteAttemptError(ctx context.Context, id string, attempt int, cause error) error {
	msg := fmt.Sprintf("attempt %d failed: %v", attempt, cause)
	_, err := t.store.UpdateJobStatus(ctx, id, []models.JobState{models.JobPending, models.JobProcessing}, models.JobUpdate{
		ErrorMsg: &msg,
	})
	return err
}

// Cancel stops a pending or processing job. A queued job is also removed
// from the queue; a running one stops at its next checkpoint.
func (t *Tracker) Cancel(ctx context.Context, id string) (*models.JobStatus, error) {
	ctx, span := tracer.Start(ctx, "jobs.cancel")
	span.SetAttributes(attribute.String("job_id", id))
	defer span.End()

	js, err := t.store.GetJobStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := t.store.UpdateJobStatus(ctx, id, []models.JobState{models.JobPending, models.JobProcessing}, models.JobUpdate{
		Status: state(models.JobCancelled),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: cannot cancel job in %s state", apperr.ErrInvalidTransition, js.Status)
	}
	if js.Status == models.JobPending {
		if err := t.queue.Remove(ctx, id); err != nil {
			t.log.Warnw("failed to remove cancelled job from queue", "jobID", id, "error", err)
		}
	}

	t.metrics.JobEvent(js.JobType, "cancelled")
	t.log.Infow("job cancelled", "jobID", id, "previousStatus", js.Status)
	return t.store.GetJobStatus(ctx, id)
}

// Retry resets a failed job to pending with cleared counters and enqueues
// its stored payload again under the same id
func (t *Tracker) Retry(ctx context.Context, id string) (*models.JobStatus, error) {
	ctx, span := tracer.Start(ctx, "jobs.retry")
	span.SetAttributes(attribute.String("job_id", id))
	defer span.End()

	js, err := t.store.GetJobStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if js.Status != models.JobFailed {
		return nil, fmt.Errorf("%w: only failed jobs can be retried, job is %s", apperr.ErrInvalidTransition, js.Status)
	}
	if js.QueueType == "" || len(js.Payload) == 0 {
		return nil, fmt.Errorf("%w: job %s has no stored payload", apperr.ErrInvalidTransition, id)
	}

	ok, err := t.store.UpdateJobStatus(ctx, id, []models.JobState{models.JobFailed}, models.JobUpdate{
		Status:   state(models.JobPending),
		Counts:   &models.ImportResult{TotalRows: js.TotalRows},
		ErrorMsg: str(""),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: job %s changed state concurrently", apperr.ErrInvalidTransition, id)
	}

	if _, err := t.queue.Enqueue(ctx, js.QueueType, js.Payload, queue.Options{JobID: id}); err != nil {
		msg := fmt.Sprintf("retry could not be scheduled: %v", err)
		if _, rerr := t.store.UpdateJobStatus(ctx, id, []models.JobState{models.JobPending}, models.JobUpdate{
			Status: state(models.JobFailed), ErrorMsg: &msg,
		}); rerr != nil {
			t.log.Errorw("failed to restore failed status", "jobID", id, "error", rerr)
		}
		return nil, fmt.Errorf("failed to enqueue retry: %w", err)
	}

	t.metrics.JobEvent(js.JobType, "retried")
	t.log.Infow("job retried", "jobID", id)
	return t.store.GetJobStatus(ctx, id)
}

// Delete removes a record in any state. A job still queued is dropped from
// the queue as well.
func (t *Tracker) Delete(ctx context.Context, id string) error {
	js, err := t.store.GetJobStatus(ctx, id)
	if err != nil {
		return err
	}
	if !js.Status.Terminal() {
		if err := t.queue.Remove(ctx, id); err != nil {
			t.log.Warnw("failed to remove deleted job from queue", "jobID", id, "error", err)
		}
	}
	if err := t.store.DeleteJobStatus(ctx, id); err != nil {
		return err
	}
	t.log.Infow("job deleted", "jobID", id)
	return nil
}

// NormalizeFilter applies paging defaults and bounds
func NormalizeFilter(f models.JobFilter) models.JobFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
	f.Search = strings.TrimSpace(f.Search)
	return f
}

// List returns a page of records, newest first
func (t *Tracker) List(ctx context.Context, f models.JobFilter) (*models.JobPage, error) {
	return t.store.ListJobStatuses(ctx, NormalizeFilter(f))
}

// Stats aggregates records; an empty createdBy covers every user
func (t *Tracker) Stats(ctx context.Context, createdBy string) (*models.JobStats, error) {
	return t.store.JobStats(ctx, createdBy)
}

// Cancelled reports whether the user cancelled the job
func (t *Tracker) Cancelled(ctx context.Context, id string) (bool, error) {
	js, err := t.store.GetJobStatus(ctx, id)
	if err != nil {
		return false, err
	}
	return js.Status == models.JobCancelled, nil
}

func (t *Tracker) kind(ctx context.Context, id string) string {
	if t.metrics == nil {
		return ""
	}
	js, err := t.store.GetJobStatus(ctx, id)
	if err != nil {
		return "unknown"
	}
	return js.JobType
}
