package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/maneesh/labimport/internal/apperr"
	"github.com/maneesh/labimport/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertLookupDedupsOnNaturalKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	inserted, err := s.UpsertLookup(ctx, &models.LookupRecord{UID: "A", Phone: "1", Address: "X"})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.UpsertLookup(ctx, &models.LookupRecord{UID: "A", Phone: "1", Address: "Y"})
	require.NoError(t, err)
	assert.False(t, inserted)

	// partial keys never dedup
	for i := 0; i < 2; i++ {
		inserted, err = s.UpsertLookup(ctx, &models.LookupRecord{UID: "A", Name: "n"})
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	records := s.Records()
	require.Len(t, records, 3)
	found, err := s.SearchLookup(ctx, models.SearchQuery{Columns: []string{"phone"}, Exact: []string{"1"}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Y", found[0].Address)
}

func TestUpdateJobStatusRequiresFromState(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateJobStatus(ctx, &models.JobStatus{ID: "j", Status: models.JobCompleted}))

	processing := models.JobProcessing
	ok, err := s.UpdateJobStatus(ctx, "j", []models.JobState{models.JobPending}, models.JobUpdate{Status: &processing})
	require.NoError(t, err)
	assert.False(t, ok)

	js, err := s.GetJobStatus(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, js.Status)
}

func TestListJobStatusesPagesNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateJobStatus(ctx, &models.JobStatus{
			ID: string(rune('a' + i)), JobType: models.KindDataImport, Status: models.JobPending,
			CreatedBy: "u1", CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page, err := s.ListJobStatuses(ctx, models.JobFilter{CreatedBy: "u1", Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	assert.Equal(t, 3, page.TotalPages)
	require.Len(t, page.Jobs, 2)
	assert.Equal(t, "c", page.Jobs[0].ID)
	assert.Equal(t, "b", page.Jobs[1].ID)

	_, err = s.GetJobStatus(ctx, "zz")
	assert.ErrorIs(t, err, apperr.ErrJobNotFound)
}
