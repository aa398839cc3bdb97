package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/maneesh/labimport/internal/apperr"
	"github.com/maneesh/labimport/internal/importer"
	"github.com/maneesh/labimport/internal/models"
	"github.com/maneesh/labimport/internal/quota"
	"github.com/maneesh/labimport/internal/session"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ImportSubmitter starts data-import jobs
type ImportSubmitter interface {
	SubmitImport(ctx context.Context, p models.ImportPayload) (*models.JobStatus, error)
}

// ImportHandler serves direct uploads and import triggers
type ImportHandler struct {
	imports    ImportSubmitter
	quota      quota.Checker
	uploadsDir string
	maxSize    int64
	now        func() time.Time
	log        *zap.SugaredLogger
}

// NewImportHandler creates a new import handler. maxSize bounds direct
// uploads; 0 disables the bound.
func NewImportHandler(imports ImportSubmitter, q quota.Checker, uploadsDir string, maxSize int64, log *zap.SugaredLogger) *ImportHandler {
	return &ImportHandler{
		imports:    imports,
		quota:      q,
		uploadsDir: uploadsDir,
		maxSize:    maxSize,
		now:        time.Now,
		log:        log,
	}
}

type importResponse struct {
	JobID    string `json:"jobId"`
	FileName string `json:"fileName"`
	Status   string `json:"status"`
}

// Upload handles POST /imports/upload, a single multipart file that is
// stored under a unique name and imported
func (h *ImportHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "import_upload", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	id, _ := IdentityFrom(ctx)
	if !admit(ctx, w, h.quota, h.log, id, quota.KindImport) {
		return
	}

	if h.maxSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxSize)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, h.log, fmt.Errorf("%w: expected multipart upload: %v", apperr.ErrInvalidArgument, err))
		return
	}

	var stored, original string
	for stored == "" {
		part, err := mr.NextPart()
		if err == io.EOF {
			writeError(w, h.log, fmt.Errorf("%w: no file uploaded", apperr.ErrInvalidArgument))
			return
		}
		if err != nil {
			h.uploadFailed(w, err)
			return
		}
		if part.FormName() != "file" || part.FileName() == "" {
			part.Close()
			continue
		}

		original = session.SanitizeFileName(part.FileName())
		if original == "" || !importer.Supported(original) {
			part.Close()
			writeError(w, h.log, fmt.Errorf("%w: %q, only CSV and Excel files are allowed", apperr.ErrUnsupportedFile, part.FileName()))
			return
		}
		stored, err = h.store(part, original)
		part.Close()
		if err != nil {
			h.uploadFailed(w, err)
			return
		}
	}
	span.SetAttributes(attribute.String("file_name", stored))

	js, err := h.imports.SubmitImport(ctx, models.ImportPayload{
		FilePath:         filepath.Join(h.uploadsDir, stored),
		OriginalFileName: original,
		UserID:           id.UserID,
		UserEmail:        id.Email,
	})
	if err != nil {
		span.RecordError(err)
		os.Remove(filepath.Join(h.uploadsDir, stored))
		writeError(w, h.log, err)
		return
	}

	h.log.Infow("direct upload queued for import", "jobID", js.ID, "fileName", stored, "userID", id.UserID)
	writeJSON(w, http.StatusAccepted, importResponse{JobID: js.ID, FileName: stored, Status: string(js.Status)})
}

func (h *ImportHandler) uploadFailed(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
			Error: fmt.Sprintf("file exceeds maximum upload size of %d bytes", tooLarge.Limit),
		})
		return
	}
	writeError(w, h.log, err)
}

// store writes r to <base>_<unixmillis><ext> in the uploads directory
func (h *ImportHandler) store(r io.Reader, original string) (string, error) {
	ext := filepath.Ext(original)
	name := fmt.Sprintf("%s_%d%s", strings.TrimSuffix(original, ext), h.now().UnixMilli(), ext)
	path := filepath.Join(h.uploadsDir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close upload file: %w", err)
	}
	return name, nil
}

type processFileRequest struct {
	FileName string `json:"fileName" validate:"required,max=255"`
}

// Process handles POST /imports for a file already in the uploads
// directory, such as a merged upload
func (h *ImportHandler) Process(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "import_process", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var req processFileRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	name := session.SanitizeFileName(req.FileName)
	if name == "" || name != req.FileName {
		writeError(w, h.log, fmt.Errorf("%w: fileName must be a plain file name", apperr.ErrInvalidArgument))
		return
	}
	if !importer.Supported(name) {
		writeError(w, h.log, fmt.Errorf("%w: %q", apperr.ErrUnsupportedFile, name))
		return
	}
	path := filepath.Join(h.uploadsDir, name)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		writeError(w, h.log, fmt.Errorf("%w: %s", apperr.ErrFileNotFound, name))
		return
	}
	span.SetAttributes(attribute.String("file_name", name))

	id, _ := IdentityFrom(ctx)
	if !admit(ctx, w, h.quota, h.log, id, quota.KindImport) {
		return
	}

	js, err := h.imports.SubmitImport(ctx, models.ImportPayload{
		FilePath:         path,
		OriginalFileName: name,
		UserID:           id.UserID,
		UserEmail:        id.Email,
	})
	if err != nil {
		span.RecordError(err)
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, importResponse{JobID: js.ID, FileName: name, Status: string(js.Status)})
}

// admit consults the quota checker. Checker failures are logged and the
// request is let through.
func admit(ctx context.Context, w http.ResponseWriter, q quota.Checker, log *zap.SugaredLogger, id Identity, kind quota.Kind) bool {
	if q == nil {
		return true
	}
	d, err := q.Admit(ctx, id.UserID, kind)
	if err != nil {
		log.Warnw("quota check failed, admitting request", "userID", id.UserID, "kind", kind, "error", err)
		return true
	}
	if !d.Allowed {
		writeError(w, log, fmt.Errorf("%w: %d of %d daily %s requests used", apperr.ErrQuotaExceeded, d.Used, d.Limit, kind))
		return false
	}
	return true
}
