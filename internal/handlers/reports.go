package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/maneesh/labimport/internal/apperr"
	"github.com/maneesh/labimport/internal/jobs"
	"github.com/maneesh/labimport/internal/models"
	"github.com/maneesh/labimport/internal/quota"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ReportStore opens generated reports by file name
type ReportStore interface {
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
}

// ReportHandler queues report jobs and serves finished reports
type ReportHandler struct {
	jobs    JobService
	reports ReportStore
	quota   quota.Checker
	log     *zap.SugaredLogger
}

// NewReportHandler creates a new report handler
func NewReportHandler(js JobService, reports ReportStore, q quota.Checker, log *zap.SugaredLogger) *ReportHandler {
	return &ReportHandler{jobs: js, reports: reports, quota: q, log: log}
}

type lookupReportRequest struct {
	Column string   `json:"colName" validate:"required,oneof=uid phone name address"`
	Values []string `json:"values" validate:"required,min=1,max=10000,dive,required"`
}

type bulkSearchRequest struct {
	SearchTerms []string `json:"searchTerms" validate:"required,min=1,max=1000,dive,required"`
	Column      string   `json:"colName" validate:"omitempty,oneof=uid phone name address"`
	SearchMode  string   `json:"searchMode" validate:"omitempty,oneof=exact partial fuzzy"`
}

type reportJobResponse struct {
	JobID  string          `json:"jobId"`
	Status models.JobState `json:"status"`
}

// Lookup handles POST /reports/lookup
func (h *ReportHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "report_lookup", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var req lookupReportRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	id, _ := IdentityFrom(ctx)
	span.SetAttributes(attribute.String("column", req.Column), attribute.Int("values", len(req.Values)))

	h.submit(ctx, w, id, jobs.Submission{
		Kind:      models.KindLookupReport,
		QueueType: models.JobGenerateReport,
		Payload: models.LookupReportPayload{
			Column: req.Column,
			Values: req.Values,
			UserID: id.UserID,
		},
		TotalRows: int64(len(req.Values)),
		CreatedBy: id.UserID,
	})
}

// BulkSearch handles POST /reports/bulk-search
func (h *ReportHandler) BulkSearch(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "report_bulk_search", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var req bulkSearchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	id, _ := IdentityFrom(ctx)
	mode := models.ParseSearchMode(req.SearchMode)
	span.SetAttributes(attribute.String("search_mode", string(mode)), attribute.Int("terms", len(req.SearchTerms)))

	h.submit(ctx, w, id, jobs.Submission{
		Kind:      models.KindBulkSearchReport,
		QueueType: models.JobBulkSearchReport,
		Payload: models.BulkSearchPayload{
			SearchTerms: req.SearchTerms,
			Column:      req.Column,
			SearchMode:  mode,
			UserID:      id.UserID,
		},
		TotalRows: int64(len(req.SearchTerms)),
		CreatedBy: id.UserID,
	})
}

func (h *ReportHandler) submit(ctx context.Context, w http.ResponseWriter, id Identity, sub jobs.Submission) {
	if !admit(ctx, w, h.quota, h.log, id, quota.KindReport) {
		return
	}
	js, err := h.jobs.Submit(ctx, sub)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, reportJobResponse{JobID: js.ID, Status: js.Status})
}

// Download handles GET /reports/{name}. Only the owner of the job that
// produced the report, or a job admin, may fetch it.
func (h *ReportHandler) Download(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "report_download", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	name := mux.Vars(r)["name"]
	span.SetAttributes(attribute.String("file_name", name))

	js, err := h.jobs.ByResult(ctx, name)
	if err != nil && !errors.Is(err, apperr.ErrJobNotFound) {
		span.RecordError(err)
		writeError(w, h.log, err)
		return
	}
	id, _ := IdentityFrom(ctx)
	if js == nil || (js.CreatedBy != id.UserID && !id.Can(PermJobAdmin)) {
		writeError(w, h.log, fmt.Errorf("%w: %s", apperr.ErrFileNotFound, name))
		return
	}

	rc, size, err := h.reports.Open(ctx, name)
	if err != nil {
		span.RecordError(err)
		writeError(w, h.log, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		span.RecordError(err)
		h.log.Warnw("report download interrupted", "fileName", name, "error", err)
	}
}
