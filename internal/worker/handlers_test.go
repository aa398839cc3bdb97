package worker

import (
	"bytes"
	"context"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/maneesh/labimport/internal/apperr"
	"github.com/maneesh/labimport/internal/chunker"
	"github.com/maneesh/labimport/internal/importer"
	"github.com/maneesh/labimport/internal/jobs"
	"github.com/maneesh/labimport/internal/logging"
	"github.com/maneesh/labimport/internal/merge"
	"github.com/maneesh/labimport/internal/models"
	"github.com/maneesh/labimport/internal/queue"
	"github.com/maneesh/labimport/internal/report"
	"github.com/maneesh/labimport/internal/session"
	"github.com/maneesh/labimport/internal/storage/memstore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent []models.EmailPayload
}

func (f *fakeMailer) Send(_ context.Context, msg models.EmailPayload) (string, error) {
	if msg.To == "" {
		return "", fmt.Errorf("%w: no recipient", apperr.ErrInvalidArgument)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return "msg", nil
}

// flakyStore fails the first n upserts as if the database were down
type flakyStore struct {
	*memstore.Store
	mu    sync.Mutex
	fails int
	// onUpsert runs once, before the first successful upsert
	onUpsert func()
}

func (f *flakyStore) UpsertLookup(ctx context.Context, rec *models.LookupRecord) (bool, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return false, driver.ErrBadConn
	}
	hook := f.onUpsert
	f.onUpsert = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return f.Store.UpsertLookup(ctx, rec)
}

type pipeline struct {
	store      *memstore.Store
	flaky      *flakyStore
	queue      *queue.RedisQueue
	mr         *miniredis.Miniredis
	worker     *queue.Worker
	handlers   *Handlers
	sessions   *session.Manager
	tracker    *jobs.Tracker
	mailer     *fakeMailer
	clock      time.Time
	root       string
	uploadsDir string
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	root := t.TempDir()
	log := logging.Nop()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	p := &pipeline{
		store:      memstore.New(),
		mr:         mr,
		mailer:     &fakeMailer{},
		clock:      time.Now(),
		root:       root,
		uploadsDir: filepath.Join(root, "uploads"),
	}
	p.flaky = &flakyStore{Store: p.store}
	p.queue = queue.NewRedisQueue(client, queue.Config{
		Prefix:      "test",
		MaxAttempts: 3,
		BackoffBase: time.Second,
	}, nil).WithClock(func() time.Time { return p.clock })

	chunks, err := chunker.NewStore(filepath.Join(root, "chunks"))
	require.NoError(t, err)
	p.tracker = jobs.NewTracker(p.store, p.queue, log, nil)
	p.sessions = session.NewManager(p.store, chunks, session.NewLocalLocker(), p.queue, session.Options{
		TTL:          time.Hour,
		MaxChunkSize: 1000,
	}, log, nil)
	merger, err := merge.NewPipeline(p.store, chunks, p.uploadsDir, p.tracker, log, nil)
	require.NoError(t, err)
	gen, err := report.NewGenerator(p.store, filepath.Join(root, "reports"), nil, log)
	require.NoError(t, err)

	p.handlers = New(Deps{
		Merger:    merger,
		Tracker:   p.tracker,
		Processor: importer.NewProcessor(p.flaky, 4, log, nil),
		Reports:   gen,
		Mailer:    p.mailer,
		Queue:     p.queue,
		Log:       log,
	})
	p.worker = queue.NewWorker(p.queue, 1, time.Millisecond, log, nil)
	p.handlers.Register(p.worker)

	return p
}

func (p *pipeline) runOne(t *testing.T) {
	t.Helper()
	ran, err := p.worker.ProcessOne(context.Background())
	require.NoError(t, err)
	require.True(t, ran, "expected a ready job")
}

func (p *pipeline) idle(t *testing.T) {
	t.Helper()
	ran, err := p.worker.ProcessOne(context.Background())
	require.NoError(t, err)
	require.False(t, ran, "expected no ready job")
}

// importFile builds a 2500 byte CSV of 10 data rows, two without uid and phone
func importFile(t *testing.T) []byte {
	t.Helper()
	var b strings.Builder
	b.WriteString("uid,phone,name,address,notes\n")
	b.WriteString(",,Ghost One,Nowhere,\n")
	for i := 0; i < 7; i++ {
		fmt.Fprintf(&b, "U%d,555%04d,Name %d,%d Main St,\n", i, i, i, i)
	}
	b.WriteString(",,Ghost Two,Nowhere,\n")
	last := "U7,5550007,Name 7,7 Main St,"
	pad := 2500 - b.Len() - len(last) - 1
	require.Positive(t, pad)
	b.WriteString(last + strings.Repeat("x", pad) + "\n")
	require.Equal(t, 2500, b.Len())
	return []byte(b.String())
}

func TestUploadMergeImportEndToEnd(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	data := importFile(t)

	s, err := p.sessions.Initialize(ctx, session.InitRequest{
		FileName:    "people.csv",
		TotalChunks: 3,
		TotalSize:   int64(len(data)),
		OwnerID:     "u1",
		OwnerEmail:  "u1@example.com",
		AutoImport:  true,
	})
	require.NoError(t, err)

	parts := [][]byte{data[:1000], data[1000:2000], data[2000:]}
	for _, i := range []int{1, 2, 0} {
		res, err := p.sessions.AcceptChunk(ctx, s.ID, i, bytes.NewReader(parts[i]))
		require.NoError(t, err)
		assert.Equal(t, i == 0, res.IsComplete)
	}

	// merge, then the auto-import, then the owner notification
	p.runOne(t)
	st, err := p.sessions.Status(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, st.Status)
	info, err := os.Stat(filepath.Join(p.uploadsDir, st.MergedFileName))
	require.NoError(t, err)
	assert.EqualValues(t, 2500, info.Size())

	page, err := p.tracker.List(ctx, models.JobFilter{CreatedBy: "u1"})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	jobID := page.Jobs[0].ID

	p.runOne(t)
	js, err := p.tracker.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, js.Status)
	assert.EqualValues(t, 10, js.TotalRows)
	assert.EqualValues(t, 8, js.ProcessedRows)
	assert.EqualValues(t, 8, js.CreatedCount)
	assert.EqualValues(t, 2, js.SkippedCount)
	assert.Zero(t, js.ErrorCount)
	assert.Len(t, p.store.Records(), 8)

	p.runOne(t)
	require.Len(t, p.mailer.sent, 1)
	assert.Equal(t, "u1@example.com", p.mailer.sent[0].To)
	assert.Equal(t, "Import of people.csv completed", p.mailer.sent[0].Subject)
	p.idle(t)
}

func writeCSV(t *testing.T, dir, name, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestImportRetriesStorageOutage(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.flaky.fails = 2
	path := writeCSV(t, p.uploadsDir, "a.csv", "uid,phone\nA,1\nB,2\n")

	js, err := p.tracker.SubmitImport(ctx, models.ImportPayload{FilePath: path, UserID: "u1"})
	require.NoError(t, err)

	p.runOne(t)
	got, err := p.tracker.Get(ctx, js.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, got.Status)
	assert.Contains(t, got.ErrorMsg, "attempt 1 failed")

	p.idle(t)
	p.clock = p.clock.Add(queue.Backoff(time.Second, 1))
	p.runOne(t)
	got, err = p.tracker.Get(ctx, js.ID)
	require.NoError(t, err)
	assert.Contains(t, got.ErrorMsg, "attempt 2 failed")

	p.idle(t)
	p.clock = p.clock.Add(queue.Backoff(time.Second, 2))
	p.runOne(t)
	got, err = p.tracker.Get(ctx, js.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.Empty(t, got.ErrorMsg)
	assert.EqualValues(t, 2, got.ProcessedRows)
}

func TestImportOfMissingFileFailsWithoutRetry(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	js, err := p.tracker.SubmitImport(ctx, models.ImportPayload{
		FilePath:  filepath.Join(p.uploadsDir, "gone.csv"),
		UserID:    "u1",
		UserEmail: "u1@example.com",
	})
	require.NoError(t, err)

	p.runOne(t)
	got, err := p.tracker.Get(ctx, js.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Contains(t, got.ErrorMsg, "file not found")

	// failure notice
	p.runOne(t)
	require.Len(t, p.mailer.sent, 1)
	assert.Equal(t, "Import of gone.csv failed", p.mailer.sent[0].Subject)
	p.idle(t)
}

func TestCancelledImportIsSkipped(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	path := writeCSV(t, p.uploadsDir, "a.csv", "uid,phone\nA,1\n")

	js, err := p.tracker.SubmitImport(ctx, models.ImportPayload{FilePath: path, UserID: "u1"})
	require.NoError(t, err)
	_, err = p.tracker.Cancel(ctx, js.ID)
	require.NoError(t, err)
	p.idle(t)

	// a redelivery that raced the cancel
	payload := fmt.Sprintf(`{"filePath":%q,"userId":"u1"}`, path)
	result, err := p.handlers.Import(ctx, &models.Job{ID: js.ID, Type: models.JobDataImport, Payload: []byte(payload)}, func(int) {})
	require.NoError(t, err)
	assert.Equal(t, "skipped", result)
	assert.Empty(t, p.store.Records())
}

func TestImportDeletedWhileProcessingStops(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	path := writeCSV(t, p.uploadsDir, "a.csv", "uid,phone\nA,1\nB,2\nC,3\nD,4\nE,5\nF,6\n")

	js, err := p.tracker.SubmitImport(ctx, models.ImportPayload{FilePath: path, UserID: "u1"})
	require.NoError(t, err)
	p.flaky.onUpsert = func() {
		require.NoError(t, p.tracker.Delete(ctx, js.ID))
	}

	p.runOne(t)
	_, err = p.tracker.Get(ctx, js.ID)
	assert.ErrorIs(t, err, apperr.ErrJobNotFound)
	assert.Len(t, p.store.Records(), 4, "the batch in flight finishes, the next one is not started")
	assert.False(t, p.mr.Exists("test:job:"+js.ID))

	p.clock = p.clock.Add(time.Hour)
	p.idle(t)
}

func TestLookupReportJob(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	_, err := p.store.UpsertLookup(ctx, &models.LookupRecord{UID: "A", Phone: "1"})
	require.NoError(t, err)

	js, err := p.tracker.Submit(ctx, jobs.Submission{
		Kind:      models.KindLookupReport,
		QueueType: models.JobGenerateReport,
		Payload:   models.LookupReportPayload{Column: "uid", Values: []string{"A", "Z"}, UserID: "u1"},
		TotalRows: 2,
		CreatedBy: "u1",
	})
	require.NoError(t, err)

	p.runOne(t)
	got, err := p.tracker.Get(ctx, js.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.Regexp(t, `^lookup_report_\d+\.xlsx$`, got.ResultPath)
	assert.EqualValues(t, 2, got.TotalRows)
	assert.EqualValues(t, 1, got.ProcessedRows)
	_, err = os.Stat(filepath.Join(p.root, "reports", got.ResultPath))
	assert.NoError(t, err)
}

func TestBulkSearchWithBadColumnFails(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	js, err := p.tracker.Submit(ctx, jobs.Submission{
		Kind:      models.KindBulkSearchReport,
		QueueType: models.JobBulkSearchReport,
		Payload:   models.BulkSearchPayload{SearchTerms: []string{"x"}, Column: "email", SearchMode: models.SearchPartial},
		CreatedBy: "u1",
	})
	require.NoError(t, err)

	p.runOne(t)
	got, err := p.tracker.Get(ctx, js.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
}

func TestFailedMergeAbandonsSession(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	s := &models.UploadSession{
		ID: "sess-9", FileName: "x.csv", TotalChunks: 1, TotalSize: 1,
		Status: models.SessionMerging, ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, p.store.CreateSession(ctx, s))

	p.handlers.Failed(ctx, &models.Job{
		ID: "m1", Type: models.JobMergeFile, Payload: []byte(`{"sessionId":"sess-9"}`),
	}, assert.AnError)

	got, err := p.store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFailed, got.Status)
}

func TestSendEmailRejectsUndeliverable(t *testing.T) {
	p := newPipeline(t)
	_, err := p.handlers.SendEmail(context.Background(), &models.Job{
		ID: "e1", Type: models.JobSendEmail, Payload: []byte(`{"subject":"hi"}`),
	}, nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	assert.True(t, queue.IsPermanent(err))
}
