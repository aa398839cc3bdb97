// Package worker binds the pipeline stages to queue job types.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/maneesh/labimport/internal/apperr"
	"github.com/maneesh/labimport/internal/importer"
	"github.com/maneesh/labimport/internal/merge"
	"github.com/maneesh/labimport/internal/models"
	"github.com/maneesh/labimport/internal/notify"
	"github.com/maneesh/labimport/internal/queue"
	"github.com/maneesh/labimport/internal/report"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("labimport-worker")

// Merger runs and abandons session merges
type Merger interface {
	Merge(ctx context.Context, sessionID string, progress func(int)) (*merge.Result, error)
	Abandon(ctx context.Context, sessionID string, cause error) error
}

// Tracker is the worker side of the job status tracker
type Tracker interface {
	Get(ctx context.Context, id string) (*models.JobStatus, error)
	Start(ctx context.Context, id string, totalRows int64) error
	Progress(ctx context.Context, id string, counts models.ImportResult) error
	Complete(ctx context.Context, id string, counts *models.ImportResult, resultPath string) error
	Fail(ctx context.Context, id string, cause error) error
	NoteAttemptError(ctx context.Context, id string, attempt int, cause error) error
}

// Reporter generates report spreadsheets
type Reporter interface {
	LookupReport(ctx context.Context, p models.LookupReportPayload, progress func(int)) (*report.Report, error)
	BulkSearchReport(ctx context.Context, p models.BulkSearchPayload, progress func(int)) (*report.Report, error)
}

// Enqueuer schedules follow-up jobs
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType models.JobType, payload any, opts queue.Options) (string, error)
}

// Deps are the services the job handlers drive
type Deps struct {
	Merger    Merger
	Tracker   Tracker
	Processor *importer.Processor
	Reports   Reporter
	Mailer    notify.Mailer
	Queue     Enqueuer
	Log       *zap.SugaredLogger
}

// Handlers executes every job type of the pipeline
type Handlers struct {
	Deps
}

// New creates the job handlers
func New(d Deps) *Handlers {
	return &Handlers{Deps: d}
}

// Register installs the handlers and the terminal failure hook on w
func (h *Handlers) Register(w *queue.Worker) {
	w.Handle(models.JobMergeFile, h.Merge)
	w.Handle(models.JobDataImport, h.tracked(h.Import))
	w.Handle(models.JobGenerateReport, h.tracked(h.LookupReport))
	w.Handle(models.JobBulkSearchReport, h.tracked(h.BulkSearchReport))
	w.Handle(models.JobSendEmail, h.SendEmail)
	w.OnFailed(h.Failed)
}

func decodePayload(job *models.Job, dst any) error {
	if err := json.Unmarshal(job.Payload, dst); err != nil {
		return queue.Permanent(fmt.Errorf("%w: malformed %s payload: %v", apperr.ErrInvalidArgument, job.Type, err))
	}
	return nil
}

// tracked records a retryable failure on the job status so the user sees
// why the job is still processing
func (h *Handlers) tracked(fn queue.HandlerFunc) queue.HandlerFunc {
	return func(ctx context.Context, job *models.Job, progress func(int)) (string, error) {
		result, err := fn(ctx, job, progress)
		if err == nil || queue.IsPermanent(err) || job.Attempt >= job.MaxAttempts || ctx.Err() != nil {
			return result, err
		}
		if nerr := h.Tracker.NoteAttemptError(ctx, job.ID, job.Attempt, err); nerr != nil {
			h.Log.Warnw("failed to record attempt error", "jobID", job.ID, "error", nerr)
		}
		return result, err
	}
}

// begin moves a tracked job to processing. skip is true when the job was
// cancelled, deleted or already finished and needs no further work.
func (h *Handlers) begin(ctx context.Context, id string, totalRows int64) (skip bool, err error) {
	err = h.Tracker.Start(ctx, id, totalRows)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, apperr.ErrJobCancelled),
		errors.Is(err, apperr.ErrJobNotFound),
		errors.Is(err, apperr.ErrInvalidTransition):
		h.Log.Infow("skipping job", "jobID", id, "reason", err)
		return true, nil
	default:
		return false, err
	}
}

// finish completes a tracked job; a cancellation that raced the last step wins
func (h *Handlers) finish(ctx context.Context, id string, counts *models.ImportResult, resultPath string) error {
	err := h.Tracker.Complete(ctx, id, counts, resultPath)
	if errors.Is(err, apperr.ErrJobCancelled) {
		h.Log.Infow("job cancelled before completion was recorded", "jobID", id)
		return nil
	}
	return err
}

// Merge handles merge-file jobs
func (h *Handlers) Merge(ctx context.Context, job *models.Job, progress func(int)) (string, error) {
	var p models.MergePayload
	if err := decodePayload(job, &p); err != nil {
		return "", err
	}
	res, err := h.Merger.Merge(ctx, p.SessionID, progress)
	if err != nil {
		return "", err
	}
	if res.ImportJobID != "" {
		return fmt.Sprintf("merged %d bytes into %s, import job %s", res.Size, res.Path, res.ImportJobID), nil
	}
	return fmt.Sprintf("merged %d bytes into %s", res.Size, res.Path), nil
}

// Import handles data-import jobs
func (h *Handlers) Import(ctx context.Context, job *models.Job, progress func(int)) (string, error) {
	ctx, span := tracer.Start(ctx, "worker.import")
	span.SetAttributes(attribute.String("job_id", job.ID))
	defer span.End()

	var p models.ImportPayload
	if err := decodePayload(job, &p); err != nil {
		return "", err
	}
	progress(0)

	total, err := importer.CountRows(p.FilePath)
	if err != nil {
		return "", classify(err)
	}
	if skip, err := h.begin(ctx, job.ID, total); skip || err != nil {
		return "skipped", err
	}
	progress(5)

	src, err := importer.Open(p.FilePath)
	if err != nil {
		return "", classify(err)
	}
	defer src.Close()

	res, err := h.Processor.Process(ctx, job.ID, src, total, h.Tracker, progress)
	if errors.Is(err, apperr.ErrJobCancelled) {
		h.Log.Infow("import stopped after cancellation", "jobID", job.ID)
		return "cancelled", nil
	}
	if errors.Is(err, apperr.ErrJobNotFound) {
		h.Log.Infow("import stopped, job was deleted", "jobID", job.ID)
		return "deleted", nil
	}
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	if err := h.finish(ctx, job.ID, res, ""); err != nil {
		return "", err
	}
	progress(100)
	span.SetAttributes(attribute.Int64("processed_rows", res.ProcessedRows))

	h.notifyOwner(ctx, job.ID, p.UserEmail)
	return fmt.Sprintf("processed %d of %d rows", res.ProcessedRows, res.TotalRows), nil
}

// classify marks file errors that no retry can fix
func classify(err error) error {
	if errors.Is(err, apperr.ErrFileNotFound) ||
		errors.Is(err, apperr.ErrUnsupportedFile) ||
		errors.Is(err, apperr.ErrEmptyFile) ||
		errors.Is(err, apperr.ErrInvalidArgument) {
		return queue.Permanent(err)
	}
	return err
}

// notifyOwner queues the finished-import e-mail; failures only log
func (h *Handlers) notifyOwner(ctx context.Context, jobID, email string) {
	if email == "" || h.Queue == nil {
		return
	}
	js, err := h.Tracker.Get(ctx, jobID)
	if err != nil {
		h.Log.Warnw("failed to load job for notification", "jobID", jobID, "error", err)
		return
	}
	if _, err := h.Queue.Enqueue(ctx, models.JobSendEmail, notify.ImportFinished(email, js), queue.Options{}); err != nil {
		h.Log.Warnw("failed to queue import notification", "jobID", jobID, "error", err)
	}
}

// LookupReport handles generate-report jobs
func (h *Handlers) LookupReport(ctx context.Context, job *models.Job, progress func(int)) (string, error) {
	var p models.LookupReportPayload
	if err := decodePayload(job, &p); err != nil {
		return "", err
	}
	total := int64(len(p.Values))
	if skip, err := h.begin(ctx, job.ID, total); skip || err != nil {
		return "skipped", err
	}

	rep, err := h.Reports.LookupReport(ctx, p, progress)
	if err != nil {
		return "", classify(err)
	}
	return h.reportDone(ctx, job.ID, total, rep, progress)
}

// BulkSearchReport handles generate-bulk-search-report jobs
func (h *Handlers) BulkSearchReport(ctx context.Context, job *models.Job, progress func(int)) (string, error) {
	var p models.BulkSearchPayload
	if err := decodePayload(job, &p); err != nil {
		return "", err
	}
	total := int64(len(p.SearchTerms))
	if skip, err := h.begin(ctx, job.ID, total); skip || err != nil {
		return "skipped", err
	}

	rep, err := h.Reports.BulkSearchReport(ctx, p, progress)
	if err != nil {
		return "", classify(err)
	}
	return h.reportDone(ctx, job.ID, total, rep, progress)
}

func (h *Handlers) reportDone(ctx context.Context, id string, total int64, rep *report.Report, progress func(int)) (string, error) {
	counts := &models.ImportResult{TotalRows: total, ProcessedRows: int64(rep.Rows)}
	if err := h.finish(ctx, id, counts, rep.FileName); err != nil {
		return "", err
	}
	progress(100)
	return rep.FileName, nil
}

// SendEmail handles send-email jobs
func (h *Handlers) SendEmail(ctx context.Context, job *models.Job, _ func(int)) (string, error) {
	var p models.EmailPayload
	if err := decodePayload(job, &p); err != nil {
		return "", err
	}
	id, err := h.Mailer.Send(ctx, p)
	if errors.Is(err, apperr.ErrInvalidArgument) {
		return "", queue.Permanent(err)
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// Failed finalizes the record behind a job that exhausted its attempts
func (h *Handlers) Failed(ctx context.Context, job *models.Job, cause error) {
	log := h.Log.With("jobID", job.ID, "type", job.Type)
	switch job.Type {
	case models.JobMergeFile:
		var p models.MergePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil || p.SessionID == "" {
			log.Warnw("cannot abandon merge without a session id", "error", err)
			return
		}
		if err := h.Merger.Abandon(ctx, p.SessionID, cause); err != nil {
			log.Errorw("failed to abandon merge", "sessionID", p.SessionID, "error", err)
		}
	case models.JobDataImport, models.JobGenerateReport, models.JobBulkSearchReport:
		if err := h.Tracker.Fail(ctx, job.ID, cause); err != nil {
			log.Errorw("failed to mark job failed", "error", err)
			return
		}
		if job.Type == models.JobDataImport {
			var p models.ImportPayload
			if json.Unmarshal(job.Payload, &p) == nil {
				h.notifyOwner(ctx, job.ID, p.UserEmail)
			}
		}
	default:
		log.Errorw("job dropped after final failure", "error", cause)
	}
}
