package models

import (
	"encoding/json"
	"sort"
	"time"
)

// SessionStatus is the lifecycle state of an upload session
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionUploading SessionStatus = "uploading"
	SessionMerging   SessionStatus = "merging"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether no further chunk or merge activity is expected
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// UploadSession represents a resumable chunked upload
type UploadSession struct {
	ID             string        `json:"id"`
	FileName       string        `json:"file_name"`
	TotalChunks    int           `json:"total_chunks"`
	TotalSize      int64         `json:"total_size"`
	Status         SessionStatus `json:"status"`
	UploadedChunks []ChunkInfo   `json:"uploaded_chunks"`
	OwnerID        string        `json:"owner_id"`
	OwnerEmail     string        `json:"owner_email,omitempty"`
	AutoImport     bool          `json:"auto_import"`
	MergedPath     string        `json:"merged_path,omitempty"`
	ErrorMsg       string        `json:"error_msg,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
}

// Expired reports whether the session is past its soft deadline
func (s *UploadSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// HasChunk reports whether chunkIndex has been recorded
func (s *UploadSession) HasChunk(chunkIndex int) bool {
	for _, c := range s.UploadedChunks {
		if c.ChunkIndex == chunkIndex {
			return true
		}
	}
	return false
}

// Complete reports whether the recorded index set is exactly {0..TotalChunks-1}
func (s *UploadSession) Complete() bool {
	if len(s.UploadedChunks) != s.TotalChunks {
		return false
	}
	seen := make([]bool, s.TotalChunks)
	for _, c := range s.UploadedChunks {
		if c.ChunkIndex < 0 || c.ChunkIndex >= s.TotalChunks || seen[c.ChunkIndex] {
			return false
		}
		seen[c.ChunkIndex] = true
	}
	return true
}

// MissingIndices returns the complement of the uploaded index set in ascending order
func (s *UploadSession) MissingIndices() []int {
	seen := make(map[int]struct{}, len(s.UploadedChunks))
	for _, c := range s.UploadedChunks {
		seen[c.ChunkIndex] = struct{}{}
	}
	missing := make([]int, 0, s.TotalChunks-len(seen))
	for i := 0; i < s.TotalChunks; i++ {
		if _, ok := seen[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// SortedChunks returns the recorded chunks in ascending index order
func (s *UploadSession) SortedChunks() []ChunkInfo {
	chunks := make([]ChunkInfo, len(s.UploadedChunks))
	copy(chunks, s.UploadedChunks)
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })
	return chunks
}

// ChunkInfo records one accepted chunk of a session
type ChunkInfo struct {
	SessionID  string    `json:"session_id"`
	ChunkIndex int       `json:"chunk_index"`
	ChunkSize  int64     `json:"chunk_size"`
	Checksum   string    `json:"checksum"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// JobType names a kind of queued work
type JobType string

const (
	JobMergeFile        JobType = "merge-file"
	JobDataImport       JobType = "data-import"
	JobGenerateReport   JobType = "generate-report"
	JobBulkSearchReport JobType = "generate-bulk-search-report"
	JobSendEmail        JobType = "send-email"
)

// Job is a queued unit of work
type Job struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	BackoffBase time.Duration   `json:"backoff_base"`
	Progress    int             `json:"progress"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// JobState is the lifecycle state of a tracked job
type JobState string

const (
	JobPending    JobState = "pending"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobCancelled  JobState = "cancelled"
)

// AllJobStates lists every job state in lifecycle order
var AllJobStates = []JobState{JobPending, JobProcessing, JobCompleted, JobFailed, JobCancelled}

// Terminal reports whether the state accepts no worker transitions
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Tracked job kinds stored in JobStatus.JobType
const (
	KindDataImport       = "data_import"
	KindLookupReport     = "lookup_report"
	KindBulkSearchReport = "bulk_search_report"
)

// JobStatus is the persisted, user-visible record of a job
type JobStatus struct {
	ID               string          `json:"id"`
	JobType          string          `json:"job_type"`
	QueueType        JobType         `json:"queue_type"`
	Status           JobState        `json:"status"`
	FileName         string          `json:"file_name,omitempty"`
	OriginalFileName string          `json:"original_file_name,omitempty"`
	TotalRows        int64           `json:"total_rows"`
	ProcessedRows    int64           `json:"processed_rows"`
	CreatedCount     int64           `json:"created_count"`
	UpdatedCount     int64           `json:"updated_count"`
	ErrorCount       int64           `json:"error_count"`
	SkippedCount     int64           `json:"skipped_count"`
	ErrorMsg         string          `json:"error_msg,omitempty"`
	ResultPath       string          `json:"result_path,omitempty"`
	Payload          json.RawMessage `json:"-"`
	CreatedBy        string          `json:"created_by"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ProgressPercent derives a display percentage from the record
func (j *JobStatus) ProgressPercent() int {
	switch j.Status {
	case JobCompleted:
		return 100
	case JobProcessing:
		if j.TotalRows > 0 {
			pct := int((float64(j.ProcessedRows)/float64(j.TotalRows))*100 + 0.5)
			if pct > 100 {
				pct = 100
			}
			return pct
		}
		return 50
	default:
		return 0
	}
}

// LookupRecord is the import target row
type LookupRecord struct {
	ID        string    `json:"id"`
	UID       string    `json:"uid,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Name      string    `json:"name,omitempty"`
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasNaturalKey reports whether the record participates in (uid, phone) dedup
func (r *LookupRecord) HasNaturalKey() bool {
	return r.UID != "" && r.Phone != ""
}

// Lookup columns usable in searches and reports
const (
	ColumnUID     = "uid"
	ColumnPhone   = "phone"
	ColumnName    = "name"
	ColumnAddress = "address"
)

// LookupColumns lists searchable columns in display order
var LookupColumns = []string{ColumnUID, ColumnPhone, ColumnName, ColumnAddress}

// ValidLookupColumn reports whether col is a searchable column
func ValidLookupColumn(col string) bool {
	for _, c := range LookupColumns {
		if c == col {
			return true
		}
	}
	return false
}

// Value returns the record value for a lookup column
func (r *LookupRecord) Value(col string) string {
	switch col {
	case ColumnUID:
		return r.UID
	case ColumnPhone:
		return r.Phone
	case ColumnName:
		return r.Name
	case ColumnAddress:
		return r.Address
	}
	return ""
}

// SearchMode selects how search terms match column values
type SearchMode string

const (
	SearchExact   SearchMode = "exact"
	SearchPartial SearchMode = "partial"
	SearchFuzzy   SearchMode = "fuzzy"
)

// ParseSearchMode defaults unknown or empty modes to exact
func ParseSearchMode(s string) SearchMode {
	switch SearchMode(s) {
	case SearchPartial, SearchFuzzy:
		return SearchMode(s)
	default:
		return SearchExact
	}
}

// JobFilter selects job statuses for listing
type JobFilter struct {
	Status    JobState
	JobType   string
	Search    string
	CreatedBy string
	Page      int
	Limit     int
}

// JobPage is one page of job statuses
type JobPage struct {
	Jobs       []*JobStatus `json:"jobs"`
	Total      int64        `json:"total"`
	Page       int          `json:"page"`
	Limit      int          `json:"limit"`
	TotalPages int          `json:"total_pages"`
}

// JobStats aggregates job statuses
type JobStats struct {
	Total      int64              `json:"total"`
	ByStatus   map[JobState]int64 `json:"by_status"`
	ByType     map[string]int64   `json:"by_type"`
	ActiveJobs int64              `json:"active_jobs"`
}

// ImportResult carries the row counters of a job
type ImportResult struct {
	TotalRows     int64 `json:"total_rows"`
	ProcessedRows int64 `json:"processed_rows"`
	CreatedCount  int64 `json:"created_count"`
	UpdatedCount  int64 `json:"updated_count"`
	ErrorCount    int64 `json:"error_count"`
	SkippedCount  int64 `json:"skipped_count"`
}

// JobUpdate lists the JobStatus columns to change; nil fields are left as is
type JobUpdate struct {
	Status     *JobState
	Counts     *ImportResult
	ErrorMsg   *string
	ResultPath *string
}

// Apply copies the set fields onto js
func (u JobUpdate) Apply(js *JobStatus) {
	if u.Status != nil {
		js.Status = *u.Status
	}
	if c := u.Counts; c != nil {
		js.TotalRows = c.TotalRows
		js.ProcessedRows = c.ProcessedRows
		js.CreatedCount = c.CreatedCount
		js.UpdatedCount = c.UpdatedCount
		js.ErrorCount = c.ErrorCount
		js.SkippedCount = c.SkippedCount
	}
	if u.ErrorMsg != nil {
		js.ErrorMsg = *u.ErrorMsg
	}
	if u.ResultPath != nil {
		js.ResultPath = *u.ResultPath
	}
}

// SearchQuery selects lookup records whose columns equal any Exact value or
// contain any Contains pattern, case-insensitively
type SearchQuery struct {
	Columns  []string
	Exact    []string
	Contains []string
	Limit    int
}

// NewJobPage assembles a page of results
func NewJobPage(jobs []*JobStatus, total int64, page, limit int) *JobPage {
	pages := 0
	if limit > 0 {
		pages = int((total + int64(limit) - 1) / int64(limit))
	}
	if jobs == nil {
		jobs = []*JobStatus{}
	}
	return &JobPage{Jobs: jobs, Total: total, Page: page, Limit: limit, TotalPages: pages}
}

// NewJobStats returns zeroed stats with every state present
func NewJobStats() *JobStats {
	stats := &JobStats{
		ByStatus: make(map[JobState]int64, len(AllJobStates)),
		ByType:   make(map[string]int64),
	}
	for _, s := range AllJobStates {
		stats.ByStatus[s] = 0
	}
	return stats
}

// Add counts n jobs of the given state and type
func (s *JobStats) Add(state JobState, jobType string, n int64) {
	s.Total += n
	s.ByStatus[state] += n
	s.ByType[jobType] += n
	if state == JobPending || state == JobProcessing {
		s.ActiveJobs += n
	}
}

// MergePayload is the payload of a merge-file job
type MergePayload struct {
	SessionID string `json:"sessionId"`
}

// ImportPayload is the payload of a data-import job
type ImportPayload struct {
	FilePath         string `json:"filePath"`
	OriginalFileName string `json:"originalFileName"`
	UserID           string `json:"userId"`
	UserEmail        string `json:"userEmail,omitempty"`
}

// LookupReportPayload is the payload of a generate-report job
type LookupReportPayload struct {
	Column string   `json:"colName"`
	Values []string `json:"values"`
	UserID string   `json:"userId"`
}

// BulkSearchPayload is the payload of a generate-bulk-search-report job
type BulkSearchPayload struct {
	SearchTerms []string   `json:"searchTerms"`
	Column      string     `json:"colName,omitempty"`
	SearchMode  SearchMode `json:"searchMode"`
	UserID      string     `json:"userId"`
}

// EmailPayload is the payload of a send-email job
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}
