package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/maneesh/labimport/internal/apperr"
	"github.com/xuri/excelize/v2"
)

// Source yields the rows of a tabular file after its header row
type Source interface {
	Header() []string
	// Next returns the next non-blank row, or io.EOF
	Next() ([]string, error)
	Close() error
}

// Supported reports whether the file extension can be imported
func Supported(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".xlsx", ".xlsm":
		return true
	}
	return false
}

// Open picks a reader by file extension and consumes the header row
func Open(path string) (Source, error) {
	var (
		src Source
		err error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		src, err = openCSV(path)
	case ".xlsx", ".xlsm":
		src, err = openXLSX(path)
	default:
		return nil, fmt.Errorf("%w: %q, expected .csv or .xlsx", apperr.ErrUnsupportedFile, ext)
	}
	if err != nil {
		return nil, err
	}
	if len(src.Header()) == 0 {
		src.Close()
		return nil, fmt.Errorf("%w: %s", apperr.ErrEmptyFile, filepath.Base(path))
	}
	return src, nil
}

// CountRows counts the non-blank data rows of a file
func CountRows(path string) (int64, error) {
	src, err := Open(path)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	var n int64
	for {
		_, err := src.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

type csvSource struct {
	f      *os.File
	r      *csv.Reader
	header []string
}

func openCSV(path string) (*csvSource, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrFileNotFound, filepath.Base(path))
	} else if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	s := &csvSource{f: f, r: r}
	header, err := s.Next()
	if errors.Is(err, io.EOF) {
		return s, nil
	} else if err != nil {
		f.Close()
		return nil, err
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	s.header = header
	return s, nil
}

func (s *csvSource) Header() []string { return s.header }

func (s *csvSource) Next() ([]string, error) {
	for {
		row, err := s.r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("failed to read csv row: %w", err)
		}
		if !blank(row) {
			return row, nil
		}
	}
}

func (s *csvSource) Close() error { return s.f.Close() }

type xlsxSource struct {
	f      *excelize.File
	rows   *excelize.Rows
	header []string
}

// openXLSX reads the first sheet of a workbook
func openXLSX(path string) (*xlsxSource, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrFileNotFound, filepath.Base(path))
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: workbook has no sheets", apperr.ErrEmptyFile)
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}

	s := &xlsxSource{f: f, rows: rows}
	header, err := s.Next()
	if errors.Is(err, io.EOF) {
		return s, nil
	} else if err != nil {
		s.Close()
		return nil, err
	}
	s.header = header
	return s, nil
}

func (s *xlsxSource) Header() []string { return s.header }

func (s *xlsxSource) Next() ([]string, error) {
	for s.rows.Next() {
		row, err := s.rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet row: %w", err)
		}
		if !blank(row) {
			return row, nil
		}
	}
	if err := s.rows.Error(); err != nil {
		return nil, fmt.Errorf("failed to read sheet: %w", err)
	}
	return nil, io.EOF
}

func (s *xlsxSource) Close() error {
	s.rows.Close()
	return s.f.Close()
}
