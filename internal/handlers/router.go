package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/maneesh/labimport/internal/quota"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Deps are the services behind the HTTP API
type Deps struct {
	Sessions      SessionService
	Jobs          JobService
	Imports       ImportSubmitter
	Reports       ReportStore
	Quota         quota.Checker
	UploadsDir    string
	MaxUploadSize int64
	// Metrics serves /metrics when set
	Metrics http.Handler
	Log     *zap.SugaredLogger
}

// NewRouter builds the API router. Every API route requires an
// authenticated caller and runs under its own otelhttp span.
func NewRouter(d Deps) *mux.Router {
	log := d.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	q := d.Quota
	if q == nil {
		q = quota.Unlimited{}
	}

	uploads := NewUploadHandler(d.Sessions, log)
	imports := NewImportHandler(d.Imports, q, d.UploadsDir, d.MaxUploadSize, log)
	jobs := NewJobHandler(d.Jobs, log)
	reports := NewReportHandler(d.Jobs, d.Reports, q, log)

	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	if d.Metrics != nil {
		router.Handle("/metrics", d.Metrics).Methods(http.MethodGet)
	}

	api := router.NewRoute().Subrouter()
	api.Use(Authenticate(log))

	route := func(method, path, perm string, h http.HandlerFunc) {
		api.Handle(path, otelhttp.NewHandler(Require(perm, log, h), method+" "+path)).Methods(method)
	}

	route(http.MethodPost, "/uploads", PermUploadFiles, uploads.Init)
	route(http.MethodPut, "/uploads/{sessionId}/chunks/{chunkIndex}", PermUploadFiles, uploads.Chunk)
	route(http.MethodGet, "/uploads/{sessionId}", PermUploadFiles, uploads.Status)

	route(http.MethodPost, "/imports/upload", PermUploadFiles, imports.Upload)
	route(http.MethodPost, "/imports", PermUploadFiles, imports.Process)

	// stats is registered before {id} so it is not taken for a job id
	route(http.MethodGet, "/jobs/stats", PermJobRead, jobs.Stats)
	route(http.MethodGet, "/jobs", PermJobRead, jobs.List)
	route(http.MethodGet, "/jobs/{id}", PermJobRead, jobs.Get)
	route(http.MethodPost, "/jobs/{id}/cancel", PermJobUpdate, jobs.Cancel)
	route(http.MethodPost, "/jobs/{id}/retry", PermJobUpdate, jobs.Retry)
	route(http.MethodDelete, "/jobs/{id}", PermJobDelete, jobs.Delete)

	route(http.MethodPost, "/reports/lookup", PermLookupReport, reports.Lookup)
	route(http.MethodPost, "/reports/bulk-search", PermLookupReport, reports.BulkSearch)
	route(http.MethodGet, "/reports/{name}", PermLookupReport, reports.Download)

	return router
}
