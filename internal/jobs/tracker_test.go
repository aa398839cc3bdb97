package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/maneesh/labimport/internal/apperr"
	"github.com/maneesh/labimport/internal/logging"
	"github.com/maneesh/labimport/internal/models"
	"github.com/maneesh/labimport/internal/queue"
	"github.com/maneesh/labimport/internal/storage/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queued struct {
	jobType models.JobType
	payload string
	id      string
}

type fakeQueue struct {
	enqueued []queued
	removed  []string
	err      error
}

func (f *fakeQueue) Enqueue(_ context.Context, jobType models.JobType, payload any, opts queue.Options) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	data, _ := json.Marshal(payload)
	f.enqueued = append(f.enqueued, queued{jobType, string(data), opts.JobID})
	return opts.JobID, nil
}

func (f *fakeQueue) Remove(_ context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}

func newTracker(t *testing.T) (*Tracker, *memstore.Store, *fakeQueue) {
	t.Helper()
	store := memstore.New()
	q := &fakeQueue{}
	return NewTracker(store, q, logging.Nop(), nil), store, q
}

func submitImport(t *testing.T, tr *Tracker) *models.JobStatus {
	t.Helper()
	js, err := tr.SubmitImport(context.Background(), models.ImportPayload{
		FilePath:         "/data/uploads/people_1700000000000.csv",
		OriginalFileName: "people.csv",
		UserID:           "user-1",
	})
	require.NoError(t, err)
	return js
}

func TestSubmitCreatesPendingAndEnqueuesSameID(t *testing.T) {
	tr, store, q := newTracker(t)
	js := submitImport(t, tr)

	assert.Equal(t, models.JobPending, js.Status)
	assert.Equal(t, models.KindDataImport, js.JobType)
	assert.Equal(t, "people_1700000000000.csv", js.FileName)
	assert.Equal(t, "user-1", js.CreatedBy)

	require.Len(t, q.enqueued, 1)
	assert.Equal(t, js.ID, q.enqueued[0].id)
	assert.Equal(t, models.JobDataImport, q.enqueued[0].jobType)
	assert.JSONEq(t, `{"filePath":"/data/uploads/people_1700000000000.csv","originalFileName":"people.csv","userId":"user-1"}`, q.enqueued[0].payload)

	stored, err := store.GetJobStatus(context.Background(), js.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobDataImport, stored.QueueType)
}

func TestSubmitRollsBackOnEnqueueFailure(t *testing.T) {
	tr, store, q := newTracker(t)
	q.err = errors.New("redis down")

	_, err := tr.SubmitImport(context.Background(), models.ImportPayload{FilePath: "x.csv", UserID: "u"})
	require.Error(t, err)

	page, err := store.ListJobStatuses(context.Background(), NormalizeFilter(models.JobFilter{}))
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestWorkerLifecycle(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := context.Background()
	js := submitImport(t, tr)

	require.NoError(t, tr.Start(ctx, js.ID, 10))
	require.NoError(t, tr.Progress(ctx, js.ID, models.ImportResult{TotalRows: 10, ProcessedRows: 4}))

	got, err := tr.Get(ctx, js.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, got.Status)
	assert.Equal(t, 40, got.ProgressPercent())

	require.NoError(t, tr.Complete(ctx, js.ID, &models.ImportResult{
		TotalRows: 10, ProcessedRows: 8, CreatedCount: 6, UpdatedCount: 2, SkippedCount: 2,
	}, ""))
	got, err = tr.Get(ctx, js.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.EqualValues(t, 8, got.ProcessedRows)
	assert.Equal(t, 100, got.ProgressPercent())

	// terminal states are immutable
	assert.ErrorIs(t, tr.Start(ctx, js.ID, 0), apperr.ErrInvalidTransition)
	assert.NoError(t, tr.Fail(ctx, js.ID, errors.New("late failure")))
	got, err = tr.Get(ctx, js.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
}

func TestCancelStopsProgress(t *testing.T) {
	tr, _, q := newTracker(t)
	ctx := context.Background()
	js := submitImport(t, tr)
	require.NoError(t, tr.Start(ctx, js.ID, 100))

	cancelled, err := tr.Cancel(ctx, js.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, cancelled.Status)
	assert.Empty(t, q.removed, "a running job is not pulled from the queue")

	err = tr.Progress(ctx, js.ID, models.ImportResult{ProcessedRows: 50})
	assert.ErrorIs(t, err, apperr.ErrJobCancelled)
	ok, err := tr.Cancelled(ctx, js.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = tr.Cancel(ctx, js.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.NoError(t, tr.Fail(ctx, js.ID, errors.New("stopped")))
}

func TestCancelPendingRemovesQueuedJob(t *testing.T) {
	tr, _, q := newTracker(t)
	js := submitImport(t, tr)

	_, err := tr.Cancel(context.Background(), js.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{js.ID}, q.removed)
}

func TestRetryResetsFailedJob(t *testing.T) {
	tr, _, q := newTracker(t)
	ctx := context.Background()
	js := submitImport(t, tr)

	require.NoError(t, tr.Start(ctx, js.ID, 10))
	require.NoError(t, tr.Progress(ctx, js.ID, models.ImportResult{TotalRows: 10, ProcessedRows: 5, ErrorCount: 1}))
	require.NoError(t, tr.Fail(ctx, js.ID, errors.New("database unavailable")))

	got, err := tr.Get(ctx, js.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, "database unavailable", got.ErrorMsg)

	retried, err := tr.Retry(ctx, js.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, retried.Status)
	assert.Zero(t, retried.ProcessedRows)
	assert.Zero(t, retried.ErrorCount)
	assert.Empty(t, retried.ErrorMsg)
	assert.EqualValues(t, 10, retried.TotalRows)

	require.Len(t, q.enqueued, 2)
	assert.Equal(t, js.ID, q.enqueued[1].id)
	assert.Equal(t, q.enqueued[0].payload, q.enqueued[1].payload)

	_, err = tr.Retry(ctx, js.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestNoteAttemptErrorKeepsProcessing(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := context.Background()
	js := submitImport(t, tr)
	require.NoError(t, tr.Start(ctx, js.ID, 0))

	require.NoError(t, tr.NoteAttemptError(ctx, js.ID, 1, errors.New("timeout")))
	got, err := tr.Get(ctx, js.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, got.Status)
	assert.Equal(t, "attempt 1 failed: timeout", got.ErrorMsg)

	require.NoError(t, tr.Start(ctx, js.ID, 0))
	got, err = tr.Get(ctx, js.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ErrorMsg)
}

func TestDeleteAnyState(t *testing.T) {
	tr, _, q := newTracker(t)
	ctx := context.Background()
	js := submitImport(t, tr)

	require.NoError(t, tr.Delete(ctx, js.ID))
	assert.Equal(t, []string{js.ID}, q.removed)
	_, err := tr.Get(ctx, js.ID)
	assert.ErrorIs(t, err, apperr.ErrJobNotFound)
	assert.ErrorIs(t, tr.Delete(ctx, js.ID), apperr.ErrJobNotFound)
}

func TestNormalizeFilter(t *testing.T) {
	f := NormalizeFilter(models.JobFilter{Page: -2, Limit: 0, Search: "  csv "})
	assert.Equal(t, 1, f.Page)
	assert.Equal(t, 10, f.Limit)
	assert.Equal(t, "csv", f.Search)

	assert.Equal(t, 100, NormalizeFilter(models.JobFilter{Limit: 500}).Limit)
}

func TestStatsCountsActive(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := context.Background()
	a := submitImport(t, tr)
	submitImport(t, tr)
	require.NoError(t, tr.Start(ctx, a.ID, 0))

	stats, err := tr.Stats(ctx, "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Total)
	assert.EqualValues(t, 2, stats.ActiveJobs)
	assert.EqualValues(t, 1, stats.ByStatus[models.JobProcessing])
	assert.EqualValues(t, 0, stats.ByStatus[models.JobCancelled])
	assert.EqualValues(t, 2, stats.ByType[models.KindDataImport])
}
