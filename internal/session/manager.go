// Package session owns the lifecycle of resumable chunked uploads.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/labimport/internal/apperr"
	"github.com/maneesh/labimport/internal/chunker"
	"github.com/maneesh/labimport/internal/metrics"
	"github.com/maneesh/labimport/internal/models"
	"github.com/maneesh/labimport/internal/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("labimport-session")

// Store persists sessions and their chunk records
type Store interface {
	CreateSession(ctx context.Context, s *models.UploadSession) error
	GetSession(ctx context.Context, id string) (*models.UploadSession, error)
	AddChunk(ctx context.Context, c models.ChunkInfo) (bool, error)
	UpdateSessionStatus(ctx context.Context, id string, from []models.SessionStatus, to models.SessionStatus, errMsg string) (bool, error)
	ListExpiredSessions(ctx context.Context, now time.Time) ([]*models.UploadSession, error)
	DeleteSession(ctx context.Context, id string) error
}

// Enqueuer schedules background jobs
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType models.JobType, payload any, opts queue.Options) (string, error)
}

// Options configure a Manager
type Options struct {
	TTL          time.Duration
	MaxChunkSize int64
	MergeDelay   time.Duration
}

// Manager validates chunks, detects completion and triggers merges
type Manager struct {
	store   Store
	chunks  *chunker.Store
	locker  Locker
	queue   Enqueuer
	opts    Options
	now     func() time.Time
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

// NewManager wires a Manager
func NewManager(store Store, chunks *chunker.Store, locker Locker, q Enqueuer, opts Options, log *zap.SugaredLogger, m *metrics.Metrics) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	return &Manager{
		store:   store,
		chunks:  chunks,
		locker:  locker,
		queue:   q,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
		log:     log,
		metrics: m,
	}
}

// WithClock replaces the time source
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// InitRequest describes a new upload
type InitRequest struct {
	FileName    string
	TotalChunks int
	TotalSize   int64
	OwnerID     string
	OwnerEmail  string
	AutoImport  bool
}

// ChunkResult is the outcome of AcceptChunk.
//
// IsComplete is true only for the call that moved the session to merging.
// AllChunksReceived is true whenever the full index set is recorded, so a
// client that lost the completing response still learns that it is done.
type ChunkResult struct {
	Accepted          bool `json:"accepted"`
	IsComplete        bool `json:"isComplete"`
	AllChunksReceived bool `json:"allChunksReceived"`
	Duplicate         bool `json:"duplicate"`
	UploadedChunks    int  `json:"uploadedChunks"`
	TotalChunks       int  `json:"totalChunks"`
}

// Status is the resumable view of a session
type Status struct {
	SessionID      string               `json:"sessionId"`
	FileName       string               `json:"fileName"`
	Status         models.SessionStatus `json:"status"`
	UploadedCount  int                  `json:"uploadedCount"`
	TotalChunks    int                  `json:"totalChunks"`
	MissingChunks  []int                `json:"missingChunks"`
	Progress       int                  `json:"progress"`
	ExpiresAt      time.Time            `json:"expiresAt"`
	ErrorMsg       string               `json:"errorMsg,omitempty"`
	MergedFileName string               `json:"mergedFileName,omitempty"`
}

// Initialize creates a pending session expiring TTL from now
func (m *Manager) Initialize(ctx context.Context, req InitRequest) (*models.UploadSession, error) {
	ctx, span := tracer.Start(ctx, "session.initialize")
	defer span.End()

	name := SanitizeFileName(req.FileName)
	switch {
	case name == "":
		return nil, fmt.Errorf("%w: fileName is required", apperr.ErrInvalidArgument)
	case req.TotalChunks <= 0:
		return nil, fmt.Errorf("%w: totalChunks must be positive", apperr.ErrInvalidArgument)
	case req.TotalSize <= 0:
		return nil, fmt.Errorf("%w: totalSize must be positive", apperr.ErrInvalidArgument)
	case req.OwnerID == "":
		return nil, fmt.Errorf("%w: owner is required", apperr.ErrInvalidArgument)
	}

	now := m.now()
	s := &models.UploadSession{
		ID:          uuid.NewString(),
		FileName:    name,
		TotalChunks: req.TotalChunks,
		TotalSize:   req.TotalSize,
		Status:      models.SessionPending,
		OwnerID:     req.OwnerID,
		OwnerEmail:  req.OwnerEmail,
		AutoImport:  req.AutoImport,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.opts.TTL),
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("session_id", s.ID), attribute.Int("total_chunks", s.TotalChunks))
	m.log.Infow("upload session created",
		"sessionID", s.ID,
		"fileName", s.FileName,
		"totalChunks", s.TotalChunks,
		"totalSize", s.TotalSize,
		"ownerID", s.OwnerID,
	)
	return s, nil
}

// load fetches a session, treating an expired non-terminal one as gone and
// sweeping it along with any other expired sessions
func (m *Manager) load(ctx context.Context, id string) (*models.UploadSession, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.Status.Terminal() && s.Expired(m.now()) {
		if _, serr := m.SweepExpired(ctx); serr != nil {
			m.log.Warnw("lazy sweep failed", "sessionID", id, "error", serr)
		}
		return nil, fmt.Errorf("%w: %w: %s", apperr.ErrSessionNotFound, apperr.ErrSessionExpired, id)
	}
	return s, nil
}

// AcceptChunk stores one chunk. Re-sending a recorded index is answered
// without touching the stored chunk.
func (m *Manager) AcceptChunk(ctx context.Context, sessionID string, chunkIndex int, r io.Reader) (*ChunkResult, error) {
	ctx, span := tracer.Start(ctx, "session.accept_chunk")
	span.SetAttributes(attribute.String("session_id", sessionID), attribute.Int("chunk_index", chunkIndex))
	defer span.End()

	s, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if chunkIndex < 0 || chunkIndex >= s.TotalChunks {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", apperr.ErrInvalidChunkIndex, chunkIndex, s.TotalChunks)
	}

	switch s.Status {
	case models.SessionFailed:
		return nil, fmt.Errorf("%w: session failed: %s", apperr.ErrSessionNotMergeable, s.ErrorMsg)
	case models.SessionMerging, models.SessionCompleted:
		// chunk rows of a completed session are gone; every index was received
		m.metrics.ChunkDuplicate()
		return &ChunkResult{
			Accepted: true, AllChunksReceived: true, Duplicate: true,
			UploadedChunks: s.TotalChunks, TotalChunks: s.TotalChunks,
		}, nil
	}

	if s.HasChunk(chunkIndex) {
		return m.duplicate(ctx, s)
	}

	// chunk I/O happens before taking the lock
	staged, err := m.chunks.Stage(s.ID, chunkIndex, r, m.opts.MaxChunkSize)
	if errors.Is(err, chunker.ErrTooLarge) {
		return nil, fmt.Errorf("%w: limit is %d bytes", apperr.ErrChunkTooLarge, m.opts.MaxChunkSize)
	} else if err != nil {
		span.RecordError(err)
		return nil, err
	}

	unlock, err := m.locker.Lock(ctx, s.ID)
	if err != nil {
		staged.Discard()
		return nil, err
	}
	defer unlock()

	fresh, err := m.store.GetSession(ctx, s.ID)
	if err != nil {
		staged.Discard()
		return nil, err
	}
	if fresh.HasChunk(chunkIndex) || (fresh.Status != models.SessionPending && fresh.Status != models.SessionUploading) {
		staged.Discard()
		return m.duplicateLocked(ctx, fresh)
	}

	if err := staged.Commit(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	added, err := m.store.AddChunk(ctx, staged.Info)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !added {
		return m.duplicateLocked(ctx, fresh)
	}
	fresh.UploadedChunks = append(fresh.UploadedChunks, staged.Info)
	m.metrics.ChunkAccepted()

	if fresh.Status == models.SessionPending {
		if _, err := m.store.UpdateSessionStatus(ctx, fresh.ID,
			[]models.SessionStatus{models.SessionPending}, models.SessionUploading, ""); err != nil {
			return nil, err
		}
		fresh.Status = models.SessionUploading
	}

	res := &ChunkResult{
		Accepted:       true,
		UploadedChunks: len(fresh.UploadedChunks),
		TotalChunks:    fresh.TotalChunks,
	}
	if fresh.Complete() {
		res.AllChunksReceived = true
		res.IsComplete, err = m.startMerge(ctx, fresh)
		if err != nil {
			return nil, err
		}
	}

	m.log.Debugw("chunk accepted",
		"sessionID", fresh.ID,
		"chunkIndex", chunkIndex,
		"chunkSize", staged.Info.ChunkSize,
		"uploaded", res.UploadedChunks,
		"total", res.TotalChunks,
	)
	return res, nil
}

// duplicate answers a re-delivered index. If the chunk set is complete but
// the merge was never scheduled, scheduling is retried under the lock.
func (m *Manager) duplicate(ctx context.Context, s *models.UploadSession) (*ChunkResult, error) {
	if !s.Complete() {
		m.metrics.ChunkDuplicate()
		return duplicateResult(s), nil
	}
	unlock, err := m.locker.Lock(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	fresh, err := m.store.GetSession(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	return m.duplicateLocked(ctx, fresh)
}

func (m *Manager) duplicateLocked(ctx context.Context, s *models.UploadSession) (*ChunkResult, error) {
	m.metrics.ChunkDuplicate()
	res := duplicateResult(s)
	if s.Status == models.SessionMerging || s.Status == models.SessionCompleted {
		res.AllChunksReceived = true
		res.UploadedChunks = s.TotalChunks
		return res, nil
	}
	if res.AllChunksReceived {
		started, err := m.startMerge(ctx, s)
		if err != nil {
			return nil, err
		}
		res.IsComplete = started
	}
	return res, nil
}

func duplicateResult(s *models.UploadSession) *ChunkResult {
	return &ChunkResult{
		Accepted:          true,
		Duplicate:         true,
		AllChunksReceived: s.Complete(),
		UploadedChunks:    len(s.UploadedChunks),
		TotalChunks:       s.TotalChunks,
	}
}

// startMerge performs the single transition to merging and schedules the
// merge job. A failed enqueue rolls the status back so a later re-delivery
// can try again.
func (m *Manager) startMerge(ctx context.Context, s *models.UploadSession) (bool, error) {
	ok, err := m.store.UpdateSessionStatus(ctx, s.ID,
		[]models.SessionStatus{models.SessionPending, models.SessionUploading}, models.SessionMerging, "")
	if err != nil || !ok {
		return false, err
	}

	_, err = m.queue.Enqueue(ctx, models.JobMergeFile, models.MergePayload{SessionID: s.ID}, queue.Options{
		Delay: m.opts.MergeDelay,
	})
	if err != nil {
		if _, rerr := m.store.UpdateSessionStatus(ctx, s.ID,
			[]models.SessionStatus{models.SessionMerging}, models.SessionUploading, ""); rerr != nil {
			m.log.Errorw("failed to roll back merging status", "sessionID", s.ID, "error", rerr)
		}
		return false, fmt.Errorf("failed to schedule merge: %w", err)
	}

	m.metrics.SessionCompleted()
	m.log.Infow("all chunks received, merge scheduled", "sessionID", s.ID, "totalChunks", s.TotalChunks)
	return true, nil
}

// Status reports progress and the exact set of missing indices
func (m *Manager) Status(ctx context.Context, sessionID string) (*Status, error) {
	s, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	st := &Status{
		SessionID:     s.ID,
		FileName:      s.FileName,
		Status:        s.Status,
		UploadedCount: len(s.UploadedChunks),
		TotalChunks:   s.TotalChunks,
		MissingChunks: s.MissingIndices(),
		ExpiresAt:     s.ExpiresAt,
		ErrorMsg:      s.ErrorMsg,
	}
	if s.Status == models.SessionCompleted {
		st.UploadedCount = s.TotalChunks
		st.MissingChunks = []int{}
		st.MergedFileName = filepath.Base(s.MergedPath)
	}
	st.Progress = int(math.Round(float64(st.UploadedCount) / float64(s.TotalChunks) * 100))
	return st, nil
}

// SweepExpired removes expired non-terminal sessions and their chunk
// directories. Directory removal is best-effort.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "session.sweep_expired")
	defer span.End()

	expired, err := m.store.ListExpiredSessions(ctx, m.now())
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	count := 0
	for _, s := range expired {
		if err := m.chunks.RemoveSession(s.ID); err != nil {
			m.log.Warnw("failed to remove chunk directory", "sessionID", s.ID, "error", err)
		}
		if err := m.store.DeleteSession(ctx, s.ID); err != nil {
			m.log.Errorw("failed to delete expired session", "sessionID", s.ID, "error", err)
			continue
		}
		count++
	}

	if count > 0 {
		m.metrics.SessionsSwept(count)
		m.log.Infow("swept expired upload sessions", "count", count)
	}
	span.SetAttributes(attribute.Int("swept", count))
	return count, nil
}

// SanitizeFileName reduces a client-supplied name to a safe base name
func SanitizeFileName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))
	name = filepath.Base(name)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
}
