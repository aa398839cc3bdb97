package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maneesh/labimport/internal/apperr"
	"github.com/maneesh/labimport/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const jobColumns = `id, job_type, queue_type, status, file_name, original_file_name, total_rows, processed_rows,
	created_count, updated_count, error_count, skipped_count, error_msg, result_path, payload,
	created_by, created_at, updated_at`

// CreateJobStatus inserts a job status record
func (tc *TiDBClient) CreateJobStatus(ctx context.Context, js *models.JobStatus) error {
	ctx, span := tracer.Start(ctx, "tidb.create_job_status",
		trace.WithAttributes(
			attribute.String("job_id", js.ID),
			attribute.String("job_type", js.JobType),
		),
	)
	defer span.End()

	payload := js.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	query := `INSERT INTO job_statuses (` + jobColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := tc.db.ExecContext(ctx, query,
		js.ID, js.JobType, js.QueueType, js.Status, js.FileName, js.OriginalFileName,
		js.TotalRows, js.ProcessedRows, js.CreatedCount, js.UpdatedCount, js.ErrorCount, js.SkippedCount,
		js.ErrorMsg, js.ResultPath, []byte(payload), js.CreatedBy, js.CreatedAt, js.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert job status: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobStatus(row rowScanner) (*models.JobStatus, error) {
	var js models.JobStatus
	var payload []byte
	err := row.Scan(
		&js.ID, &js.JobType, &js.QueueType, &js.Status, &js.FileName, &js.OriginalFileName,
		&js.TotalRows, &js.ProcessedRows, &js.CreatedCount, &js.UpdatedCount, &js.ErrorCount, &js.SkippedCount,
		&js.ErrorMsg, &js.ResultPath, &payload, &js.CreatedBy, &js.CreatedAt, &js.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	js.Payload = payload
	return &js, nil
}

// GetJobStatus retrieves a job status by ID
func (tc *TiDBClient) GetJobStatus(ctx context.Context, id string) (*models.JobStatus, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_job_status",
		trace.WithAttributes(attribute.String("job_id", id)),
	)
	defer span.End()

	row := tc.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job_statuses WHERE id = ?`, id)
	js, err := scanJobStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, fmt.Errorf("%w: %s", apperr.ErrJobNotFound, id)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query job status: %w", err)
	}
	return js, nil
}

// GetJobStatusByResult retrieves the job whose result file is resultPath
func (tc *TiDBClient) GetJobStatusByResult(ctx context.Context, resultPath string) (*models.JobStatus, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_job_status_by_result",
		trace.WithAttributes(attribute.String("result_path", resultPath)),
	)
	defer span.End()

	row := tc.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job_statuses WHERE result_path = ? LIMIT 1`, resultPath)
	js, err := scanJobStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, fmt.Errorf("%w: no job produced %s", apperr.ErrJobNotFound, resultPath)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query job status: %w", err)
	}
	return js, nil
}

// UpdateJobStatus applies u when the record's status is in from. It reports
// whether a row was changed.
func (tc *TiDBClient) UpdateJobStatus(ctx context.Context, id string, from []models.JobState, u models.JobUpdate) (bool, error) {
	ctx, span := tracer.Start(ctx, "tidb.update_job_status",
		trace.WithAttributes(attribute.String("job_id", id)),
	)
	defer span.End()

	var sets []string
	var args []any
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *u.Status)
		span.SetAttributes(attribute.String("status", string(*u.Status)))
	}
	if c := u.Counts; c != nil {
		sets = append(sets, "total_rows = ?", "processed_rows = ?", "created_count = ?",
			"updated_count = ?", "error_count = ?", "skipped_count = ?")
		args = append(args, c.TotalRows, c.ProcessedRows, c.CreatedCount, c.UpdatedCount, c.ErrorCount, c.SkippedCount)
	}
	if u.ErrorMsg != nil {
		sets = append(sets, "error_msg = ?")
		args = append(args, truncate(*u.ErrorMsg, 2048))
	}
	if u.ResultPath != nil {
		sets = append(sets, "result_path = ?")
		args = append(args, *u.ResultPath)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)
	for _, s := range from {
		args = append(args, s)
	}

	query := `UPDATE job_statuses SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`

	res, err := tc.db.ExecContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to update job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	span.SetAttributes(attribute.Bool("updated", n > 0))
	return n > 0, nil
}

// DeleteJobStatus removes a job status record
func (tc *TiDBClient) DeleteJobStatus(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "tidb.delete_job_status",
		trace.WithAttributes(attribute.String("job_id", id)),
	)
	defer span.End()

	res, err := tc.db.ExecContext(ctx, `DELETE FROM job_statuses WHERE id = ?`, id)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", apperr.ErrJobNotFound, id)
	}
	return nil
}

func jobFilterClause(f models.JobFilter) (string, []any) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.JobType != "" {
		where = append(where, "job_type = ?")
		args = append(args, f.JobType)
	}
	if f.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, f.CreatedBy)
	}
	if f.Search != "" {
		pattern := "%" + escapeLike(strings.ToLower(f.Search)) + "%"
		where = append(where, "(LOWER(file_name) LIKE ? OR LOWER(original_file_name) LIKE ? OR LOWER(job_type) LIKE ?)")
		args = append(args, pattern, pattern, pattern)
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

// ListJobStatuses returns one page of job statuses, newest first. Page and
// Limit must already be normalised.
func (tc *TiDBClient) ListJobStatuses(ctx context.Context, f models.JobFilter) (*models.JobPage, error) {
	ctx, span := tracer.Start(ctx, "tidb.list_job_statuses",
		trace.WithAttributes(
			attribute.Int("page", f.Page),
			attribute.Int("limit", f.Limit),
		),
	)
	defer span.End()

	clause, args := jobFilterClause(f)

	var total int64
	if err := tc.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_statuses`+clause, args...).Scan(&total); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to count job statuses: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM job_statuses` + clause + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	rows, err := tc.db.QueryContext(ctx, query, append(args, f.Limit, (f.Page-1)*f.Limit)...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query job statuses: %w", err)
	}
	defer rows.Close()

	jobs := make([]*models.JobStatus, 0, f.Limit)
	for rows.Next() {
		js, err := scanJobStatus(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan job status: %w", err)
		}
		jobs = append(jobs, js)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating job statuses: %w", err)
	}

	span.SetAttributes(attribute.Int64("total", total))
	return models.NewJobPage(jobs, total, f.Page, f.Limit), nil
}

// JobStats aggregates job statuses, optionally for one owner
func (tc *TiDBClient) JobStats(ctx context.Context, createdBy string) (*models.JobStats, error) {
	ctx, span := tracer.Start(ctx, "tidb.job_stats")
	defer span.End()

	query := `SELECT status, job_type, COUNT(*) FROM job_statuses`
	var args []any
	if createdBy != "" {
		query += ` WHERE created_by = ?`
		args = append(args, createdBy)
	}
	query += ` GROUP BY status, job_type`

	rows, err := tc.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query job stats: %w", err)
	}
	defer rows.Close()

	stats := models.NewJobStats()
	for rows.Next() {
		var status models.JobState
		var jobType string
		var n int64
		if err := rows.Scan(&status, &jobType, &n); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan job stats: %w", err)
		}
		stats.Add(status, jobType, n)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating job stats: %w", err)
	}
	return stats, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
