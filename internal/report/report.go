// Package report renders lookup query results into downloadable spreadsheets.
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/maneesh/labimport/internal/apperr"
	"github.com/maneesh/labimport/internal/models"
	"github.com/xuri/excelize/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("labimport-report")

const (
	sheetLookup   = "Lookup Results"
	sheetResults  = "Search Results"
	sheetSummary  = "Analysis Summary"
	sheetTerms    = "Term Analysis"
	allColumns    = "All Columns"
	statusFound   = "Found"
	statusMissing = "Not Found"
)

var recordHeader = []any{"id", "uid", "phone", "name", "address", "createdAt", "updatedAt"}

// Searcher queries lookup records
type Searcher interface {
	SearchLookup(ctx context.Context, q models.SearchQuery) ([]*models.LookupRecord, error)
}

// Archiver keeps a copy of finished reports
type Archiver interface {
	ArchiveReport(ctx context.Context, name, path string) error
	FetchReport(ctx context.Context, name string) (io.ReadCloser, int64, error)
}

// Report is a generated spreadsheet
type Report struct {
	FileName string
	Path     string
	Rows     int
	Analysis *Analysis
}

// Generator writes reports into one directory
type Generator struct {
	store   Searcher
	dir     string
	archive Archiver
	log     *zap.SugaredLogger
	now     func() time.Time
}

// NewGenerator creates dir if needed. archive may be nil.
func NewGenerator(store Searcher, dir string, archive Archiver, log *zap.SugaredLogger) (*Generator, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create reports directory: %w", err)
	}
	return &Generator{store: store, dir: dir, archive: archive, log: log, now: time.Now}, nil
}

// WithClock replaces the time source used in report names
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Path resolves a report file name inside the reports directory. Only a
// plain base name is accepted.
func (g *Generator) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: invalid report name %q", apperr.ErrInvalidArgument, name)
	}
	return filepath.Join(g.dir, name), nil
}

// LookupReport writes the records whose column equals one of the values
func (g *Generator) LookupReport(ctx context.Context, p models.LookupReportPayload, progress func(int)) (*Report, error) {
	ctx, span := tracer.Start(ctx, "report.lookup")
	span.SetAttributes(attribute.String("column", p.Column), attribute.Int("values", len(p.Values)))
	defer span.End()

	if progress == nil {
		progress = func(int) {}
	}
	if !models.ValidLookupColumn(p.Column) {
		return nil, fmt.Errorf("%w: unknown column %q", apperr.ErrInvalidArgument, p.Column)
	}
	progress(10)

	results, err := g.store.SearchLookup(ctx, models.SearchQuery{Columns: []string{p.Column}, Exact: p.Values})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	progress(50)

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName(f.GetSheetName(0), sheetLookup); err != nil {
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}
	if err := writeRecords(f, sheetLookup, results); err != nil {
		return nil, err
	}

	rep, err := g.save(ctx, f, "lookup_report")
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	rep.Rows = len(results)
	progress(90)
	return rep, nil
}

// BulkSearchReport writes the search results together with a summary and
// a per-term coverage sheet
func (g *Generator) BulkSearchReport(ctx context.Context, p models.BulkSearchPayload, progress func(int)) (*Report, error) {
	ctx, span := tracer.Start(ctx, "report.bulk_search")
	span.SetAttributes(attribute.String("mode", string(p.SearchMode)), attribute.Int("terms", len(p.SearchTerms)))
	defer span.End()

	if progress == nil {
		progress = func(int) {}
	}
	columns := models.LookupColumns
	if p.Column != "" {
		if !models.ValidLookupColumn(p.Column) {
			return nil, fmt.Errorf("%w: unknown column %q", apperr.ErrInvalidArgument, p.Column)
		}
		columns = []string{p.Column}
	}
	mode := models.ParseSearchMode(string(p.SearchMode))
	progress(10)

	q := BuildQuery(columns, p.SearchTerms, mode)
	results, err := g.store.SearchLookup(ctx, q)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	progress(30)

	analysis := Analyze(results, p.SearchTerms, columns)
	progress(60)

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName(f.GetSheetName(0), sheetResults); err != nil {
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}
	if err := writeRecords(f, sheetResults, results); err != nil {
		return nil, err
	}

	column := p.Column
	if column == "" {
		column = allColumns
	}
	summary := [][]any{
		{"Search Mode", "Search Column", "Total Search Terms", "Total Results Found", "Matched Terms", "Unmatched Terms"},
		{string(mode), column, len(p.SearchTerms), len(results), len(analysis.Matched), len(analysis.Unmatched)},
	}
	if err := writeSheet(f, sheetSummary, summary); err != nil {
		return nil, err
	}

	terms := [][]any{{"Search Term", "Matches Found", "Status"}}
	for _, term := range p.SearchTerms {
		status := statusMissing
		if analysis.TermMatches[term] > 0 {
			status = statusFound
		}
		terms = append(terms, []any{term, analysis.TermMatches[term], status})
	}
	if err := writeSheet(f, sheetTerms, terms); err != nil {
		return nil, err
	}

	rep, err := g.save(ctx, f, "bulk_search_report")
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	rep.Rows = len(results)
	rep.Analysis = analysis
	progress(90)
	return rep, nil
}

func (g *Generator) save(ctx context.Context, f *excelize.File, prefix string) (*Report, error) {
	name := fmt.Sprintf("%s_%d.xlsx", prefix, g.now().UnixMilli())
	path := filepath.Join(g.dir, name)
	if err := f.SaveAs(path); err != nil {
		return nil, fmt.Errorf("failed to save report: %w", err)
	}

	if g.archive != nil {
		if err := g.archive.ArchiveReport(ctx, name, path); err != nil {
			// the local copy is still downloadable
			g.log.Warnw("failed to archive report", "fileName", name, "error", err)
		}
	}
	g.log.Infow("report written", "fileName", name)
	return &Report{FileName: name, Path: path}, nil
}

func writeRecords(f *excelize.File, sheet string, records []*models.LookupRecord) error {
	rows := make([][]any, 0, len(records)+1)
	rows = append(rows, recordHeader)
	for _, r := range records {
		rows = append(rows, []any{
			r.ID, r.UID, r.Phone, r.Name, r.Address,
			r.CreatedAt.UTC().Format(time.RFC3339), r.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return writeSheet(f, sheet, rows)
}

// writeSheet fills sheet row by row from A1, creating it when missing
func writeSheet(f *excelize.File, sheet string, rows [][]any) error {
	idx, err := f.GetSheetIndex(sheet)
	if err != nil {
		return fmt.Errorf("failed to look up sheet %s: %w", sheet, err)
	}
	if idx < 0 {
		if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("failed to create sheet %s: %w", sheet, err)
		}
	}

	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("failed to open sheet %s: %w", sheet, err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, row); err != nil {
			return fmt.Errorf("failed to write row %d of %s: %w", i+1, sheet, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("failed to flush sheet %s: %w", sheet, err)
	}
	return nil
}

// Open returns a report by file name, falling back to the archive when the
// local copy is gone
func (g *Generator) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	path, err := g.Path(name)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err == nil {
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("failed to stat report: %w", err)
		}
		return f, fi.Size(), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, 0, fmt.Errorf("failed to open report: %w", err)
	}
	if g.archive == nil {
		return nil, 0, fmt.Errorf("%w: %s", apperr.ErrFileNotFound, name)
	}
	return g.archive.FetchReport(ctx, name)
}
