package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/maneesh/labimport/internal/models"
)

// Store keeps chunk blobs on disk, one directory per upload session and one
// file per chunk named by its index.
type Store struct {
	root string
}

// NewStore creates the root directory if needed
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create chunk root: %w", err)
	}
	return &Store{root: root}, nil
}

// Dir returns the directory holding a session's chunks
func (s *Store) Dir(sessionID string) string {
	return filepath.Join(s.root, filepath.Base(sessionID))
}

// Path returns the chunk file for an index
func (s *Store) Path(sessionID string, chunkIndex int) string {
	return filepath.Join(s.Dir(sessionID), strconv.Itoa(chunkIndex))
}

// Staged is a fully written chunk that is not yet visible under its final name
type Staged struct {
	Info    models.ChunkInfo
	tmpPath string
	path    string
}

// Stage streams r into a temporary file next to the chunk's final location,
// hashing as it goes. limit caps the chunk size; 0 disables it. The caller
// must Commit or Discard the result.
func (s *Store) Stage(sessionID string, chunkIndex int, r io.Reader, limit int64) (*Staged, error) {
	dir := s.Dir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".%d-*.tmp", chunkIndex))
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk file: %w", err)
	}

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}

	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hash), src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && limit > 0 && n > limit {
		err = ErrTooLarge
	}
	if err != nil {
		os.Remove(tmp.Name())
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to write chunk: %w", err)
	}

	return &Staged{
		Info: models.ChunkInfo{
			SessionID:  sessionID,
			ChunkIndex: chunkIndex,
			ChunkSize:  n,
			Checksum:   hex.EncodeToString(hash.Sum(nil)),
			UploadedAt: time.Now().UTC(),
		},
		tmpPath: tmp.Name(),
		path:    s.Path(sessionID, chunkIndex),
	}, nil
}

// Commit moves the staged file to its final name
func (st *Staged) Commit() error {
	if err := os.Rename(st.tmpPath, st.path); err != nil {
		os.Remove(st.tmpPath)
		return fmt.Errorf("failed to commit chunk: %w", err)
	}
	return nil
}

// Discard drops the staged file
func (st *Staged) Discard() {
	os.Remove(st.tmpPath)
}

// ErrTooLarge is returned by Stage when the chunk exceeds the limit
var ErrTooLarge = errors.New("chunk exceeds size limit")

// Open returns a reader for a stored chunk
func (s *Store) Open(sessionID string, chunkIndex int) (*os.File, error) {
	f, err := os.Open(s.Path(sessionID, chunkIndex))
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk %d: %w", chunkIndex, err)
	}
	return f, nil
}

// Exists reports whether a chunk file is present
func (s *Store) Exists(sessionID string, chunkIndex int) bool {
	_, err := os.Stat(s.Path(sessionID, chunkIndex))
	return err == nil
}

// RemoveSession deletes the session directory; a missing directory is not an error
func (s *Store) RemoveSession(sessionID string) error {
	if err := os.RemoveAll(s.Dir(sessionID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove chunk directory: %w", err)
	}
	return nil
}
