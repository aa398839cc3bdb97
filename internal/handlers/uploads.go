package handlers

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/maneesh/labimport/internal/apperr"
	"github.com/maneesh/labimport/internal/models"
	"github.com/maneesh/labimport/internal/session"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// SessionService is the upload session manager as seen by HTTP
type SessionService interface {
	Initialize(ctx context.Context, req session.InitRequest) (*models.UploadSession, error)
	AcceptChunk(ctx context.Context, sessionID string, chunkIndex int, r io.Reader) (*session.ChunkResult, error)
	Status(ctx context.Context, sessionID string) (*session.Status, error)
}

// UploadHandler serves the resumable upload endpoints
type UploadHandler struct {
	sessions SessionService
	log      *zap.SugaredLogger
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(sessions SessionService, log *zap.SugaredLogger) *UploadHandler {
	return &UploadHandler{sessions: sessions, log: log}
}

type initUploadRequest struct {
	FileName    string `json:"fileName" validate:"required,max=255"`
	TotalChunks int    `json:"totalChunks" validate:"gte=1"`
	TotalSize   int64  `json:"totalSize" validate:"gte=0"`
	AutoImport  bool   `json:"autoImport"`
}

type initUploadResponse struct {
	SessionID   string    `json:"sessionId"`
	FileName    string    `json:"fileName"`
	TotalChunks int       `json:"totalChunks"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Init handles POST /uploads
func (h *UploadHandler) Init(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_init", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var req initUploadRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	id, _ := IdentityFrom(ctx)

	s, err := h.sessions.Initialize(ctx, session.InitRequest{
		FileName:    req.FileName,
		TotalChunks: req.TotalChunks,
		TotalSize:   req.TotalSize,
		OwnerID:     id.UserID,
		OwnerEmail:  id.Email,
		AutoImport:  req.AutoImport,
	})
	if err != nil {
		span.RecordError(err)
		writeError(w, h.log, err)
		return
	}
	span.SetAttributes(attribute.String("session_id", s.ID), attribute.Int("total_chunks", s.TotalChunks))

	writeJSON(w, http.StatusCreated, initUploadResponse{
		SessionID:   s.ID,
		FileName:    s.FileName,
		TotalChunks: s.TotalChunks,
		ExpiresAt:   s.ExpiresAt,
	})
}

// Chunk handles PUT /uploads/{sessionId}/chunks/{chunkIndex}. The chunk is
// the raw request body, or the "file" or "chunk" part of a multipart form.
func (h *UploadHandler) Chunk(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_chunk", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	vars := mux.Vars(r)
	sessionID := vars["sessionId"]
	idx, err := strconv.Atoi(vars["chunkIndex"])
	if err != nil {
		writeError(w, h.log, fmt.Errorf("%w: %q is not a number", apperr.ErrInvalidChunkIndex, vars["chunkIndex"]))
		return
	}
	span.SetAttributes(attribute.String("session_id", sessionID), attribute.Int("chunk_index", idx))

	body, closeBody, err := chunkBody(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	defer closeBody()

	res, err := h.sessions.AcceptChunk(ctx, sessionID, idx, body)
	if err != nil {
		span.RecordError(err)
		writeError(w, h.log, err)
		return
	}
	span.SetAttributes(attribute.Bool("duplicate", res.Duplicate), attribute.Bool("is_complete", res.IsComplete))
	writeJSON(w, http.StatusOK, res)
}

func chunkBody(r *http.Request) (io.Reader, func(), error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if !strings.HasPrefix(mediaType, "multipart/") {
		return r.Body, func() { r.Body.Close() }, nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", apperr.ErrInvalidArgument, err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, nil, fmt.Errorf("%w: multipart body has no file part", apperr.ErrInvalidArgument)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", apperr.ErrInvalidArgument, err)
		}
		if part.FormName() == "file" || part.FormName() == "chunk" {
			return part, func() { part.Close() }, nil
		}
		part.Close()
	}
}

// Status handles GET /uploads/{sessionId}
func (h *UploadHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_status", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	sessionID := mux.Vars(r)["sessionId"]
	span.SetAttributes(attribute.String("session_id", sessionID))

	st, err := h.sessions.Status(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
