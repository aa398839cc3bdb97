package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/maneesh/labimport/internal/apperr"
	"github.com/maneesh/labimport/internal/jobs"
	"github.com/maneesh/labimport/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// JobService is the job status tracker as seen by HTTP
type JobService interface {
	Submit(ctx context.Context, sub jobs.Submission) (*models.JobStatus, error)
	Get(ctx context.Context, id string) (*models.JobStatus, error)
	ByResult(ctx context.Context, resultPath string) (*models.JobStatus, error)
	List(ctx context.Context, f models.JobFilter) (*models.JobPage, error)
	Stats(ctx context.Context, createdBy string) (*models.JobStats, error)
	Cancel(ctx context.Context, id string) (*models.JobStatus, error)
	Retry(ctx context.Context, id string) (*models.JobStatus, error)
	Delete(ctx context.Context, id string) error
}

// JobHandler serves job status queries and control actions
type JobHandler struct {
	jobs JobService
	log  *zap.SugaredLogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(js JobService, log *zap.SugaredLogger) *JobHandler {
	return &JobHandler{jobs: js, log: log}
}

type jobView struct {
	ID               string          `json:"id"`
	JobType          string          `json:"jobType"`
	Status           models.JobState `json:"status"`
	FileName         string          `json:"fileName,omitempty"`
	OriginalFileName string          `json:"originalFileName,omitempty"`
	TotalRows        int64           `json:"totalRows"`
	ProcessedRows    int64           `json:"processedRows"`
	CreatedCount     int64           `json:"createdCount"`
	UpdatedCount     int64           `json:"updatedCount"`
	ErrorCount       int64           `json:"errorCount"`
	SkippedCount     int64           `json:"skippedCount"`
	Progress         int             `json:"progress"`
	ResultPath       string          `json:"resultPath,omitempty"`
	ErrorMsg         string          `json:"errorMsg,omitempty"`
	CreatedBy        string          `json:"createdBy"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

func newJobView(js *models.JobStatus) jobView {
	return jobView{
		ID:               js.ID,
		JobType:          js.JobType,
		Status:           js.Status,
		FileName:         js.FileName,
		OriginalFileName: js.OriginalFileName,
		TotalRows:        js.TotalRows,
		ProcessedRows:    js.ProcessedRows,
		CreatedCount:     js.CreatedCount,
		UpdatedCount:     js.UpdatedCount,
		ErrorCount:       js.ErrorCount,
		SkippedCount:     js.SkippedCount,
		Progress:         js.ProgressPercent(),
		ResultPath:       js.ResultPath,
		ErrorMsg:         js.ErrorMsg,
		CreatedBy:        js.CreatedBy,
		CreatedAt:        js.CreatedAt,
		UpdatedAt:        js.UpdatedAt,
	}
}

type jobPageView struct {
	Jobs       []jobView `json:"jobs"`
	Total      int64     `json:"total"`
	Page       int       `json:"page"`
	Limit      int       `json:"limit"`
	TotalPages int       `json:"totalPages"`
}

type jobStatsView struct {
	Total      int64                     `json:"total"`
	ByStatus   map[models.JobState]int64 `json:"byStatus"`
	ByType     map[string]int64          `json:"byType"`
	ActiveJobs int64                     `json:"activeJobs"`
}

// owned loads a job the caller may see. Jobs of other users look missing
// unless the caller is a job admin.
func (h *JobHandler) owned(ctx context.Context, jobID string) (*models.JobStatus, error) {
	js, err := h.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	id, _ := IdentityFrom(ctx)
	if js.CreatedBy != id.UserID && !id.Can(PermJobAdmin) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrJobNotFound, jobID)
	}
	return js, nil
}

// Get handles GET /jobs/{id}
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "job_get", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	jobID := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("job_id", jobID))

	js, err := h.owned(ctx, jobID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(js))
}

func parseFilter(r *http.Request) (models.JobFilter, error) {
	q := r.URL.Query()
	f := models.JobFilter{
		JobType: q.Get("type"),
		Search:  q.Get("search"),
	}
	for name, dst := range map[string]*int{"page": &f.Page, "limit": &f.Limit} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return f, fmt.Errorf("%w: %s must be a positive integer", apperr.ErrInvalidArgument, name)
		}
		*dst = n
	}
	if s := q.Get("status"); s != "" {
		f.Status = models.JobState(s)
		valid := false
		for _, st := range models.AllJobStates {
			valid = valid || st == f.Status
		}
		if !valid {
			return f, fmt.Errorf("%w: unknown status %q", apperr.ErrInvalidArgument, s)
		}
	}
	return f, nil
}

// List handles GET /jobs
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "job_list", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	f, err := parseFilter(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	id, _ := IdentityFrom(ctx)
	if !id.Can(PermJobAdmin) {
		f.CreatedBy = id.UserID
	}

	page, err := h.jobs.List(ctx, f)
	if err != nil {
		span.RecordError(err)
		writeError(w, h.log, err)
		return
	}
	view := jobPageView{
		Jobs:       make([]jobView, 0, len(page.Jobs)),
		Total:      page.Total,
		Page:       page.Page,
		Limit:      page.Limit,
		TotalPages: page.TotalPages,
	}
	for _, js := range page.Jobs {
		view.Jobs = append(view.Jobs, newJobView(js))
	}
	writeJSON(w, http.StatusOK, view)
}

// Stats handles GET /jobs/stats
func (h *JobHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "job_stats", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	id, _ := IdentityFrom(ctx)
	createdBy := id.UserID
	if id.Can(PermJobAdmin) {
		createdBy = ""
	}
	stats, err := h.jobs.Stats(ctx, createdBy)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, jobStatsView{
		Total:      stats.Total,
		ByStatus:   stats.ByStatus,
		ByType:     stats.ByType,
		ActiveJobs: stats.ActiveJobs,
	})
}

// Cancel handles POST /jobs/{id}/cancel
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "job_cancel", h.jobs.Cancel)
}

// Retry handles POST /jobs/{id}/retry
func (h *JobHandler) Retry(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "job_retry", h.jobs.Retry)
}

func (h *JobHandler) control(w http.ResponseWriter, r *http.Request, op string, action func(context.Context, string) (*models.JobStatus, error)) {
	ctx, span := tracer.Start(r.Context(), op, trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	jobID := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("job_id", jobID))

	if _, err := h.owned(ctx, jobID); err != nil {
		writeError(w, h.log, err)
		return
	}
	js, err := action(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(js))
}

// Delete handles DELETE /jobs/{id}
func (h *JobHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "job_delete", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	jobID := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("job_id", jobID))

	if _, err := h.owned(ctx, jobID); err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.jobs.Delete(ctx, jobID); err != nil {
		span.RecordError(err)
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
