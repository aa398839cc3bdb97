package report

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/maneesh/labimport/internal/apperr"
	"github.com/maneesh/labimport/internal/logging"
	"github.com/maneesh/labimport/internal/models"
	"github.com/maneesh/labimport/internal/storage/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type fakeArchive struct {
	archived map[string]string
	err      error
}

func (f *fakeArchive) ArchiveReport(_ context.Context, name, path string) error {
	if f.err != nil {
		return f.err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	f.archived[name] = string(data)
	return nil
}

func (f *fakeArchive) FetchReport(_ context.Context, name string) (io.ReadCloser, int64, error) {
	data, ok := f.archived[name]
	if !ok {
		return nil, 0, apperr.ErrFileNotFound
	}
	return io.NopCloser(strings.NewReader(data)), int64(len(data)), nil
}

func seedStore(t *testing.T) *memstore.Store {
	t.Helper()
	store := memstore.New()
	for _, r := range []models.LookupRecord{
		{UID: "A100", Phone: "5550001", Name: "Alice Smith", Address: "1 Oak Road"},
		{UID: "B200", Phone: "5550002", Name: "Bob Stone", Address: "2 Elm Street"},
		{UID: "C300", Phone: "5550003", Name: "Carol Oakes", Address: "3 Pine Lane"},
	} {
		rec := r
		_, err := store.UpsertLookup(context.Background(), &rec)
		require.NoError(t, err)
	}
	return store
}

func newGenerator(t *testing.T, archive Archiver) *Generator {
	t.Helper()
	g, err := NewGenerator(seedStore(t), t.TempDir(), archive, logging.Nop())
	require.NoError(t, err)
	return g.WithClock(func() time.Time { return time.UnixMilli(1767225600000) })
}

func readSheet(t *testing.T, path, sheet string) [][]string {
	t.Helper()
	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(sheet)
	require.NoError(t, err)
	return rows
}

func TestLookupReport(t *testing.T) {
	archive := &fakeArchive{archived: map[string]string{}}
	g := newGenerator(t, archive)

	rep, err := g.LookupReport(context.Background(), models.LookupReportPayload{
		Column: "uid", Values: []string{"A100", "C300", "Z999"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "lookup_report_1767225600000.xlsx", rep.FileName)
	assert.Equal(t, 2, rep.Rows)

	rows := readSheet(t, rep.Path, "Lookup Results")
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"id", "uid", "phone", "name", "address", "createdAt", "updatedAt"}, rows[0])
	assert.Contains(t, archive.archived, rep.FileName)
}

func TestLookupReportRejectsUnknownColumn(t *testing.T) {
	g := newGenerator(t, nil)
	_, err := g.LookupReport(context.Background(), models.LookupReportPayload{Column: "email"}, nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestBulkSearchReportSheets(t *testing.T) {
	g := newGenerator(t, nil)

	rep, err := g.BulkSearchReport(context.Background(), models.BulkSearchPayload{
		SearchTerms: []string{"oak", "zzz"},
		SearchMode:  models.SearchPartial,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "bulk_search_report_1767225600000.xlsx", rep.FileName)
	assert.Equal(t, 2, rep.Rows)

	summary := readSheet(t, rep.Path, "Analysis Summary")
	require.Len(t, summary, 2)
	assert.Equal(t, []string{"partial", "All Columns", "2", "2", "1", "1"}, summary[1])

	terms := readSheet(t, rep.Path, "Term Analysis")
	require.Len(t, terms, 3)
	assert.Equal(t, []string{"Search Term", "Matches Found", "Status"}, terms[0])
	// Alice's address and Carol's name
	assert.Equal(t, []string{"oak", "2", "Found"}, terms[1])
	assert.Equal(t, []string{"zzz", "0", "Not Found"}, terms[2])

	results := readSheet(t, rep.Path, "Search Results")
	assert.Len(t, results, 3)
}

func TestBulkSearchExactOnColumn(t *testing.T) {
	g := newGenerator(t, nil)
	rep, err := g.BulkSearchReport(context.Background(), models.BulkSearchPayload{
		SearchTerms: []string{"5550002", "555"},
		Column:      "phone",
		SearchMode:  "",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Rows)
	assert.Equal(t, []string{"5550002", "555"}, rep.Analysis.Matched)

	summary := readSheet(t, rep.Path, "Analysis Summary")
	assert.Equal(t, "exact", summary[1][0])
	assert.Equal(t, "phone", summary[1][1])
}

func TestFuzzyFragments(t *testing.T) {
	assert.Nil(t, FuzzyFragments("ab"))
	assert.Equal(t, []string{"abc", "bc"}, FuzzyFragments("abc"))
	assert.Equal(t, []string{"smi", "mit", "ith"}, FuzzyFragments("smith"))
}

func TestBuildQuery(t *testing.T) {
	q := BuildQuery([]string{"name"}, []string{"Smith", "al"}, models.SearchFuzzy)
	assert.Equal(t, []string{"Smith", "Smi", "mit", "ith", "al"}, q.Contains)
	assert.Empty(t, q.Exact)

	q = BuildQuery([]string{"uid"}, []string{"A"}, models.SearchExact)
	assert.Equal(t, []string{"A"}, q.Exact)
}

func TestAnalyzeCountsPerColumn(t *testing.T) {
	results := []*models.LookupRecord{
		{UID: "x", Name: "Oakley", Address: "Oak Road"},
		{UID: "y", Name: "Pine"},
	}
	a := Analyze(results, []string{"OAK", "maple"}, models.LookupColumns)
	assert.Equal(t, 2, a.TermMatches["OAK"])
	assert.Equal(t, 0, a.TermMatches["maple"])
	assert.Equal(t, []string{"OAK"}, a.Matched)
	assert.Equal(t, []string{"maple"}, a.Unmatched)
	assert.Equal(t, 2, a.TotalMatches)
}

func TestOpenFallsBackToArchive(t *testing.T) {
	archive := &fakeArchive{archived: map[string]string{}}
	g := newGenerator(t, archive)
	ctx := context.Background()

	rep, err := g.LookupReport(ctx, models.LookupReportPayload{Column: "uid", Values: []string{"A100"}}, nil)
	require.NoError(t, err)

	rc, size, err := g.Open(ctx, rep.FileName)
	require.NoError(t, err)
	rc.Close()
	assert.Positive(t, size)

	require.NoError(t, os.Remove(rep.Path))
	rc, size2, err := g.Open(ctx, rep.FileName)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, size, size2)

	_, _, err = g.Open(ctx, "../etc/passwd")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, _, err = g.Open(ctx, "missing.xlsx")
	assert.ErrorIs(t, err, apperr.ErrFileNotFound)
}

func TestArchiveFailureKeepsLocalReport(t *testing.T) {
	g := newGenerator(t, &fakeArchive{archived: map[string]string{}, err: errors.New("minio down")})
	rep, err := g.LookupReport(context.Background(), models.LookupReportPayload{Column: "uid", Values: []string{"A100"}}, nil)
	require.NoError(t, err)
	_, err = os.Stat(rep.Path)
	assert.NoError(t, err)
}
