// Package memstore is a process-local implementation of the session, job
// status and lookup stores. It backs STORE_DRIVER=memory and tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/labimport/internal/apperr"
	"github.com/maneesh/labimport/internal/models"
)

type lookupKey struct{ uid, phone string }

// Store keeps every record in maps guarded by one mutex
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[string]*models.UploadSession
	jobs     map[string]*models.JobStatus
	records  map[string]*models.LookupRecord
	byKey    map[lookupKey]string
}

// New creates an empty store
func New() *Store {
	return &Store{
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]*models.UploadSession),
		jobs:     make(map[string]*models.JobStatus),
		records:  make(map[string]*models.LookupRecord),
		byKey:    make(map[lookupKey]string),
	}
}

// WithClock replaces the time source used for record timestamps
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func copySession(src *models.UploadSession) *models.UploadSession {
	cp := *src
	cp.UploadedChunks = append([]models.ChunkInfo(nil), src.UploadedChunks...)
	return &cp
}

func (s *Store) CreateSession(_ context.Context, us *models.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[us.ID]; ok {
		return fmt.Errorf("session %s already exists", us.ID)
	}
	s.sessions[us.ID] = copySession(us)
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*models.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	us, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperr.ErrSessionNotFound, id)
	}
	cp := copySession(us)
	cp.UploadedChunks = cp.SortedChunks()
	return cp, nil
}

func (s *Store) AddChunk(_ context.Context, c models.ChunkInfo) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	us, ok := s.sessions[c.SessionID]
	if !ok {
		return false, fmt.Errorf("%w: %s", apperr.ErrSessionNotFound, c.SessionID)
	}
	if us.HasChunk(c.ChunkIndex) {
		return false, nil
	}
	us.UploadedChunks = append(us.UploadedChunks, c)
	return true, nil
}

func (s *Store) UpdateSessionStatus(_ context.Context, id string, from []models.SessionStatus, to models.SessionStatus, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	us, ok := s.sessions[id]
	if !ok || !containsSession(from, us.Status) {
		return false, nil
	}
	us.Status = to
	us.ErrorMsg = errMsg
	return true, nil
}

func (s *Store) CompleteSession(_ context.Context, id, mergedPath string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	us, ok := s.sessions[id]
	if !ok || us.Status != models.SessionMerging {
		return false, nil
	}
	us.Status = models.SessionCompleted
	us.MergedPath = mergedPath
	us.ErrorMsg = ""
	us.UploadedChunks = nil
	return true, nil
}

func (s *Store) ListExpiredSessions(_ context.Context, now time.Time) ([]*models.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.UploadSession
	for _, us := range s.sessions {
		if us.ExpiresAt.Before(now) {
			out = append(out, copySession(us))
		}
	}
	return out, nil
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func containsSession(list []models.SessionStatus, v models.SessionStatus) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (s *Store) CreateJobStatus(_ context.Context, js *models.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[js.ID]; ok {
		return fmt.Errorf("job status %s already exists", js.ID)
	}
	cp := *js
	s.jobs[js.ID] = &cp
	return nil
}

func (s *Store) GetJobStatus(_ context.Context, id string) (*models.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	js, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperr.ErrJobNotFound, id)
	}
	cp := *js
	return &cp, nil
}

func (s *Store) GetJobStatusByResult(_ context.Context, resultPath string) (*models.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, js := range s.jobs {
		if resultPath != "" && js.ResultPath == resultPath {
			cp := *js
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: no job produced %s", apperr.ErrJobNotFound, resultPath)
}

func (s *Store) UpdateJobStatus(_ context.Context, id string, from []models.JobState, u models.JobUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	js, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, st := range from {
		if js.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	u.Apply(js)
	js.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) DeleteJobStatus(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", apperr.ErrJobNotFound, id)
	}
	delete(s.jobs, id)
	return nil
}

func matchesFilter(js *models.JobStatus, f models.JobFilter) bool {
	if f.Status != "" && js.Status != f.Status {
		return false
	}
	if f.JobType != "" && js.JobType != f.JobType {
		return false
	}
	if f.CreatedBy != "" && js.CreatedBy != f.CreatedBy {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(js.FileName), needle) &&
			!strings.Contains(strings.ToLower(js.OriginalFileName), needle) &&
			!strings.Contains(strings.ToLower(js.JobType), needle) {
			return false
		}
	}
	return true
}

func (s *Store) ListJobStatuses(_ context.Context, f models.JobFilter) (*models.JobPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.JobStatus
	for _, js := range s.jobs {
		if matchesFilter(js, f) {
			cp := *js
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	start := (f.Page - 1) * f.Limit
	if start > len(matched) {
		start = len(matched)
	}
	end := start + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return models.NewJobPage(matched[start:end], total, f.Page, f.Limit), nil
}

func (s *Store) JobStats(_ context.Context, createdBy string) (*models.JobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := models.NewJobStats()
	for _, js := range s.jobs {
		if createdBy == "" || js.CreatedBy == createdBy {
			stats.Add(js.Status, js.JobType, 1)
		}
	}
	return stats, nil
}

func (s *Store) UpsertLookup(_ context.Context, rec *models.LookupRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := lookupKey{rec.UID, rec.Phone}
	if rec.HasNaturalKey() {
		if id, ok := s.byKey[key]; ok {
			existing := s.records[id]
			existing.Name = rec.Name
			existing.Address = rec.Address
			existing.UpdatedAt = now
			rec.ID = existing.ID
			return false, nil
		}
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	cp := *rec
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.records[cp.ID] = &cp
	if rec.HasNaturalKey() {
		s.byKey[key] = cp.ID
	}
	return true, nil
}

func (s *Store) SearchLookup(_ context.Context, q models.SearchQuery) ([]*models.LookupRecord, error) {
	for _, col := range q.Columns {
		if !models.ValidLookupColumn(col) {
			return nil, fmt.Errorf("%w: unknown column %q", apperr.ErrInvalidArgument, col)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*models.LookupRecord{}
	for _, r := range s.records {
		if matchesSearch(r, q) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matchesSearch(r *models.LookupRecord, q models.SearchQuery) bool {
	for _, col := range q.Columns {
		v := r.Value(col)
		if v == "" {
			continue
		}
		for _, e := range q.Exact {
			if v == e {
				return true
			}
		}
		lv := strings.ToLower(v)
		for _, p := range q.Contains {
			if strings.Contains(lv, strings.ToLower(p)) {
				return true
			}
		}
	}
	return false
}

// Records returns a snapshot of all lookup records
func (s *Store) Records() []*models.LookupRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.LookupRecord, 0, len(s.records))
	for _, r := range s.records {
		cp := *r
		out = append(out, &cp)
	}
	return out
}
