package storage

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/maneesh/labimport/internal/apperr"
	"github.com/maneesh/labimport/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockClient(t *testing.T) (*TiDBClient, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewTiDBClientFromDB(db), mock
}

func TestUpsertLookupReportsInsertAndUpdate(t *testing.T) {
	tc, mock := newMockClient(t)
	ctx := context.Background()

	upsert := regexp.QuoteMeta("INSERT INTO lookup_records") + ".*" + regexp.QuoteMeta("ON DUPLICATE KEY UPDATE")
	mock.ExpectExec(upsert).
		WithArgs(sqlmock.AnyArg(), "A", "1", nil, "X", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(upsert).
		WithArgs(sqlmock.AnyArg(), "A", "1", nil, "Y", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	inserted, err := tc.UpsertLookup(ctx, &models.LookupRecord{UID: "A", Phone: "1", Address: "X"})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = tc.UpsertLookup(ctx, &models.LookupRecord{UID: "A", Phone: "1", Address: "Y"})
	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertLookupWithoutNaturalKeyPlainInsert(t *testing.T) {
	tc, mock := newMockClient(t)

	mock.ExpectExec(`^INSERT INTO lookup_records \(id, uid, phone, name, address, created_at, updated_at\)\s+VALUES \(\?, \?, \?, \?, \?, \?, \?\)$`).
		WithArgs(sqlmock.AnyArg(), "A", nil, "Ann", nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inserted, err := tc.UpsertLookup(context.Background(), &models.LookupRecord{UID: "A", Name: "Ann"})
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertLookupClassifiesDriverErrors(t *testing.T) {
	tc, mock := newMockClient(t)

	mock.ExpectExec("INSERT INTO lookup_records").WillReturnError(driver.ErrBadConn)

	_, err := tc.UpsertLookup(context.Background(), &models.LookupRecord{UID: "A", Phone: "1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrRowProcessing)
	assert.True(t, apperr.IsUnavailable(err))
}

func TestListExpiredSessionsIncludesFinishedSessions(t *testing.T) {
	tc, mock := newMockClient(t)
	now := time.Now()
	past := now.Add(-time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("FROM upload_sessions") + `\s+WHERE expires_at < \?$`).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "file_name", "total_chunks", "total_size", "status", "owner_id", "created_at", "expires_at"}).
			AddRow("s1", "a.csv", 2, 20, "uploading", "u1", past, past).
			AddRow("s2", "b.csv", 1, 10, "completed", "u1", past, past))

	sessions, err := tc.ListExpiredSessions(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, models.SessionUploading, sessions[0].Status)
	assert.Equal(t, models.SessionCompleted, sessions[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddChunkTreatsDuplicateKeyAsNoop(t *testing.T) {
	tc, mock := newMockClient(t)
	chunk := models.ChunkInfo{SessionID: "s1", ChunkIndex: 1, ChunkSize: 10, Checksum: "abc", UploadedAt: time.Now()}

	mock.ExpectExec("INSERT INTO upload_chunks").
		WithArgs("s1", 1, int64(10), "abc", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO upload_chunks").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 's1-1' for key 'PRIMARY'"})

	added, err := tc.AddChunk(context.Background(), chunk)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = tc.AddChunk(context.Background(), chunk)
	require.NoError(t, err)
	assert.False(t, added)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSessionNotFound(t *testing.T) {
	tc, mock := newMockClient(t)

	mock.ExpectQuery("SELECT (.+) FROM upload_sessions WHERE id = ?").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := tc.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrSessionNotFound)
}

func TestGetSessionLoadsChunksInOrder(t *testing.T) {
	tc, mock := newMockClient(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM upload_sessions WHERE id = ?").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "file_name", "total_chunks", "total_size", "status", "owner_id", "owner_email",
			"auto_import", "merged_path", "error_msg", "created_at", "expires_at",
		}).AddRow("s1", "data.csv", 2, 30, "uploading", "u1", "", true, "", "", now, now.Add(time.Hour)))
	mock.ExpectQuery("SELECT (.+) FROM upload_chunks").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"session_id", "chunk_index", "chunk_size", "checksum", "uploaded_at"}).
			AddRow("s1", 0, 20, "h0", now).
			AddRow("s1", 1, 10, "h1", now))

	s, err := tc.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionUploading, s.Status)
	assert.True(t, s.AutoImport)
	require.Len(t, s.UploadedChunks, 2)
	assert.True(t, s.Complete())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSessionStatusCompareAndSwap(t *testing.T) {
	tc, mock := newMockClient(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE upload_sessions SET status = ?, error_msg = ?") + `\s+` +
		regexp.QuoteMeta("WHERE id = ? AND status IN (?)")).
		WithArgs("merging", "", "s1", "uploading").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE upload_sessions SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := tc.UpdateSessionStatus(context.Background(), "s1",
		[]models.SessionStatus{models.SessionUploading}, models.SessionMerging, "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tc.UpdateSessionStatus(context.Background(), "s1",
		[]models.SessionStatus{models.SessionUploading}, models.SessionMerging, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompleteSessionDeletesChunkRows(t *testing.T) {
	tc, mock := newMockClient(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE upload_sessions SET status = \\?, merged_path = \\?").
		WithArgs("completed", "/data/uploads/s1-data.csv", "s1", "merging").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM upload_chunks WHERE session_id = ?").
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	ok, err := tc.CompleteSession(context.Background(), "s1", "/data/uploads/s1-data.csv")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatusBuildsSetClause(t *testing.T) {
	tc, mock := newMockClient(t)
	status := models.JobCompleted
	result := "lookup_report_1.xlsx"

	mock.ExpectExec(regexp.QuoteMeta(
		"UPDATE job_statuses SET status = ?, result_path = ?, updated_at = ? WHERE id = ? AND status IN (?)")).
		WithArgs("completed", result, sqlmock.AnyArg(), "j1", "processing").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := tc.UpdateJobStatus(context.Background(), "j1",
		[]models.JobState{models.JobProcessing},
		models.JobUpdate{Status: &status, ResultPath: &result})
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListJobStatusesAppliesFilterAndPaging(t *testing.T) {
	tc, mock := newMockClient(t)
	now := time.Now().UTC()

	where := regexp.QuoteMeta(" WHERE status = ? AND created_by = ? AND (LOWER(file_name) LIKE ? OR LOWER(original_file_name) LIKE ? OR LOWER(job_type) LIKE ?)")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM job_statuses")+where).
		WithArgs("failed", "u1", "%report\\_%", "%report\\_%", "%report\\_%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(11))
	mock.ExpectQuery("SELECT (.+) FROM job_statuses"+where+regexp.QuoteMeta(" ORDER BY created_at DESC LIMIT ? OFFSET ?")).
		WithArgs("failed", "u1", "%report\\_%", "%report\\_%", "%report\\_%", 10, 10).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "job_type", "queue_type", "status", "file_name", "original_file_name", "total_rows", "processed_rows",
			"created_count", "updated_count", "error_count", "skipped_count", "error_msg", "result_path", "payload",
			"created_by", "created_at", "updated_at",
		}).AddRow("j11", "lookup_report", "generate-report", "failed", "", "", 3, 0, 0, 0, 0, 0, "boom", "", []byte(`{}`), "u1", now, now))

	page, err := tc.ListJobStatuses(context.Background(), models.JobFilter{
		Status: models.JobFailed, CreatedBy: "u1", Search: "Report_", Page: 2, Limit: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(11), page.Total)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, "boom", page.Jobs[0].ErrorMsg)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobStatusByResult(t *testing.T) {
	tc, mock := newMockClient(t)
	now := time.Now().UTC()
	query := regexp.QuoteMeta("FROM job_statuses WHERE result_path = ? LIMIT 1")

	mock.ExpectQuery(query).
		WithArgs("lookup_report_1.xlsx").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "job_type", "queue_type", "status", "file_name", "original_file_name", "total_rows", "processed_rows",
			"created_count", "updated_count", "error_count", "skipped_count", "error_msg", "result_path", "payload",
			"created_by", "created_at", "updated_at",
		}).AddRow("j1", "lookup_report", "generate-report", "completed", "", "", 1, 1, 0, 0, 0, 0, "", "lookup_report_1.xlsx", []byte(`{}`), "u1", now, now))
	mock.ExpectQuery(query).
		WithArgs("other.xlsx").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	js, err := tc.GetJobStatusByResult(context.Background(), "lookup_report_1.xlsx")
	require.NoError(t, err)
	assert.Equal(t, "u1", js.CreatedBy)

	_, err = tc.GetJobStatusByResult(context.Background(), "other.xlsx")
	assert.ErrorIs(t, err, apperr.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStatsFillsEveryState(t *testing.T) {
	tc, mock := newMockClient(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, job_type, COUNT(*) FROM job_statuses GROUP BY status, job_type")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "job_type", "count"}).
			AddRow("processing", "data_import", 2).
			AddRow("completed", "data_import", 5).
			AddRow("pending", "lookup_report", 1))

	stats, err := tc.JobStats(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(8), stats.Total)
	assert.Equal(t, int64(3), stats.ActiveJobs)
	assert.Equal(t, int64(7), stats.ByType["data_import"])
	assert.Len(t, stats.ByStatus, 5)
	assert.Equal(t, int64(0), stats.ByStatus[models.JobCancelled])
}

func TestSearchLookupRejectsUnknownColumn(t *testing.T) {
	tc, _ := newMockClient(t)

	_, err := tc.SearchLookup(context.Background(), models.SearchQuery{
		Columns: []string{"uid; DROP TABLE lookup_records"}, Exact: []string{"x"},
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestBuildSearchClause(t *testing.T) {
	where, args, err := buildSearchClause(models.SearchQuery{
		Columns:  []string{"uid", "phone"},
		Exact:    []string{"A1"},
		Contains: []string{"50%"},
	})
	require.NoError(t, err)
	assert.Equal(t, "uid IN (?) OR LOWER(uid) LIKE ? OR phone IN (?) OR LOWER(phone) LIKE ?", where)
	assert.Equal(t, []any{"A1", `%50\%%`, "A1", `%50\%%`}, args)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(schemaSQL)
	require.Len(t, stmts, 4)
	for _, s := range stmts {
		assert.Contains(t, s, "CREATE TABLE IF NOT EXISTS")
	}
}

func TestMigrateAppliesEveryTable(t *testing.T) {
	tc, mock := newMockClient(t)

	for _, table := range []string{"upload_sessions", "upload_chunks", "job_statuses", "lookup_records"} {
		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS " + table)).
			WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, tc.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateStopsAtFirstFailure(t *testing.T) {
	tc, mock := newMockClient(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS upload_sessions")).
		WillReturnError(&mysql.MySQLError{Number: 1142, Message: "CREATE command denied"})

	err := tc.Migrate(context.Background())
	assert.ErrorContains(t, err, "failed to apply schema")
	require.NoError(t, mock.ExpectationsWereMet())
}
