// Package merge assembles the chunks of a complete upload session into a
// single file.
package merge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/maneesh/labimport/internal/apperr"
	"github.com/maneesh/labimport/internal/chunker"
	"github.com/maneesh/labimport/internal/metrics"
	"github.com/maneesh/labimport/internal/models"
	"github.com/maneesh/labimport/internal/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("labimport-merge")

// Store is the session persistence the pipeline needs
type Store interface {
	GetSession(ctx context.Context, id string) (*models.UploadSession, error)
	UpdateSessionStatus(ctx context.Context, id string, from []models.SessionStatus, to models.SessionStatus, errMsg string) (bool, error)
	CompleteSession(ctx context.Context, id, mergedPath string) (bool, error)
}

// ImportSubmitter schedules the data import of a merged file
type ImportSubmitter interface {
	SubmitImport(ctx context.Context, p models.ImportPayload) (*models.JobStatus, error)
}

// Result describes a finished merge
type Result struct {
	SessionID   string `json:"sessionId"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	ImportJobID string `json:"importJobId,omitempty"`
}

// Pipeline merges sessions into the uploads directory
type Pipeline struct {
	store      Store
	chunks     *chunker.Store
	uploadsDir string
	imports    ImportSubmitter
	log        *zap.SugaredLogger
	metrics    *metrics.Metrics
}

// NewPipeline creates the uploads directory if needed. imports may be nil,
// in which case auto-import is skipped.
func NewPipeline(store Store, chunks *chunker.Store, uploadsDir string, imports ImportSubmitter, log *zap.SugaredLogger, m *metrics.Metrics) (*Pipeline, error) {
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create uploads directory: %w", err)
	}
	return &Pipeline{
		store:      store,
		chunks:     chunks,
		uploadsDir: uploadsDir,
		imports:    imports,
		log:        log,
		metrics:    m,
	}, nil
}

// Destination is where a session's merged file is written
func (p *Pipeline) Destination(s *models.UploadSession) string {
	return filepath.Join(p.uploadsDir, s.ID+"-"+filepath.Base(s.FileName))
}

// Merge streams the chunks of sessionID in index order into its destination
// and verifies the byte count. Errors that retrying cannot fix are marked
// with queue.Permanent.
func (p *Pipeline) Merge(ctx context.Context, sessionID string, progress func(int)) (*Result, error) {
	ctx, span := tracer.Start(ctx, "merge.session")
	span.SetAttributes(attribute.String("session_id", sessionID))
	defer span.End()

	if progress == nil {
		progress = func(int) {}
	}

	s, err := p.store.GetSession(ctx, sessionID)
	if errors.Is(err, apperr.ErrSessionNotFound) {
		return nil, queue.Permanent(err)
	} else if err != nil {
		return nil, err
	}
	dest := p.Destination(s)
	log := p.log.With("sessionID", s.ID, "fileName", s.FileName)

	switch s.Status {
	case models.SessionCompleted:
		// an earlier run finished but its job result was lost
		if fi, err := os.Stat(s.MergedPath); err == nil {
			log.Infow("session already merged", "path", s.MergedPath)
			return &Result{SessionID: s.ID, Path: s.MergedPath, Size: fi.Size()}, nil
		}
		return nil, queue.Permanent(fmt.Errorf("%w: merged file for %s is gone", apperr.ErrChunksMissing, s.ID))
	case models.SessionMerging:
	default:
		return nil, queue.Permanent(fmt.Errorf("%w: %s is %s", apperr.ErrSessionNotMergeable, s.ID, s.Status))
	}

	if !s.Complete() {
		return nil, p.fail(ctx, s, fmt.Errorf("%w: %d of %d chunks recorded",
			apperr.ErrSessionNotMergeable, len(s.UploadedChunks), s.TotalChunks))
	}
	progress(10)

	chunks := s.SortedChunks()
	for _, c := range chunks {
		if !p.chunks.Exists(s.ID, c.ChunkIndex) {
			return nil, p.fail(ctx, s, fmt.Errorf("%w: chunk %d of %s", apperr.ErrChunksMissing, c.ChunkIndex, s.ID))
		}
	}

	written, err := p.writeChunks(s, chunks, dest, progress)
	if errors.Is(err, apperr.ErrIntegrity) {
		span.RecordError(err)
		return nil, p.fail(ctx, s, err)
	}
	if err != nil {
		span.RecordError(err)
		p.metrics.Merge("error")
		return nil, err
	}

	var expected int64
	for _, c := range chunks {
		expected += c.ChunkSize
	}
	if written != expected || written != s.TotalSize {
		os.Remove(dest)
		return nil, p.fail(ctx, s, fmt.Errorf("%w: wrote %d bytes, chunks sum to %d, declared %d",
			apperr.ErrIntegrity, written, expected, s.TotalSize))
	}
	progress(90)

	ok, err := p.store.CompleteSession(ctx, s.ID, dest)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !ok {
		return nil, queue.Permanent(fmt.Errorf("%w: %s left merging state during merge", apperr.ErrSessionNotMergeable, s.ID))
	}
	if err := p.chunks.RemoveSession(s.ID); err != nil {
		log.Warnw("failed to remove chunk directory", "error", err)
	}

	res := &Result{SessionID: s.ID, Path: dest, Size: written}
	p.metrics.Merge("ok")
	span.SetAttributes(attribute.Int64("size", written))
	log.Infow("session merged", "path", dest, "size", written, "chunks", len(chunks))

	if s.AutoImport && p.imports != nil {
		js, err := p.imports.SubmitImport(ctx, models.ImportPayload{
			FilePath:         dest,
			OriginalFileName: s.FileName,
			UserID:           s.OwnerID,
			UserEmail:        s.OwnerEmail,
		})
		if err != nil {
			// the merge itself stands; the user can trigger the import by file name
			log.Errorw("failed to schedule auto-import", "error", err)
		} else {
			res.ImportJobID = js.ID
		}
	}

	progress(100)
	return res, nil
}

// writeChunks copies chunks into a temporary file beside dest and renames
// it into place, so a crashed run never leaves a partial file under dest.
func (p *Pipeline) writeChunks(s *models.UploadSession, chunks []models.ChunkInfo, dest string, progress func(int)) (int64, error) {
	partial := dest + ".partial"
	out, err := os.Create(partial)
	if err != nil {
		return 0, fmt.Errorf("failed to create merged file: %w", err)
	}

	var written int64
	for i, c := range chunks {
		n, err := p.appendChunk(out, s.ID, c)
		written += n
		if err != nil {
			out.Close()
			os.Remove(partial)
			return 0, err
		}
		progress(10 + (i+1)*80/len(chunks))
	}

	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(partial)
		return 0, fmt.Errorf("failed to sync merged file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(partial)
		return 0, fmt.Errorf("failed to close merged file: %w", err)
	}
	if err := os.Rename(partial, dest); err != nil {
		os.Remove(partial)
		return 0, fmt.Errorf("failed to move merged file into place: %w", err)
	}
	return written, nil
}

// appendChunk copies one chunk to w, checking its bytes against the
// checksum recorded when it was accepted
func (p *Pipeline) appendChunk(w io.Writer, sessionID string, c models.ChunkInfo) (int64, error) {
	f, err := p.chunks.Open(sessionID, c.ChunkIndex)
	if err != nil {
		return 0, fmt.Errorf("failed to open chunk %d: %w", c.ChunkIndex, err)
	}
	defer f.Close()

	hash := sha256.New()
	n, err := io.Copy(w, io.TeeReader(f, hash))
	if err != nil {
		return n, fmt.Errorf("failed to copy chunk %d: %w", c.ChunkIndex, err)
	}
	if sum := hex.EncodeToString(hash.Sum(nil)); sum != c.Checksum {
		return n, fmt.Errorf("%w: chunk %d checksum %s, recorded %s", apperr.ErrIntegrity, c.ChunkIndex, sum, c.Checksum)
	}
	return n, nil
}

// Abandon marks a session failed after its merge job ran out of attempts.
// Sessions that already left the merging state are left alone.
func (p *Pipeline) Abandon(ctx context.Context, sessionID string, cause error) error {
	ok, err := p.store.UpdateSessionStatus(ctx, sessionID,
		[]models.SessionStatus{models.SessionMerging}, models.SessionFailed, cause.Error())
	if err != nil {
		return fmt.Errorf("failed to mark session failed: %w", err)
	}
	if ok {
		p.metrics.Merge("failed")
		p.log.Errorw("merge abandoned", "sessionID", sessionID, "error", cause)
	}
	return nil
}

// fail marks the session failed, keeping its chunks for diagnosis
func (p *Pipeline) fail(ctx context.Context, s *models.UploadSession, cause error) error {
	p.metrics.Merge("failed")
	if _, err := p.store.UpdateSessionStatus(ctx, s.ID,
		[]models.SessionStatus{models.SessionMerging}, models.SessionFailed, cause.Error()); err != nil {
		p.log.Errorw("failed to mark session failed", "sessionID", s.ID, "error", err)
	}
	p.log.Errorw("merge failed", "sessionID", s.ID, "error", cause)
	return queue.Permanent(cause)
}
