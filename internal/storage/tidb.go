package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/maneesh/labimport/internal/apperr"
	"github.com/maneesh/labimport/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

//go:embed schema.sql
var schemaSQL string

const errDuplicateEntry = 1062

// TiDBClient wraps TiDB operations with tracing
type TiDBClient struct {
	db *sql.DB
}

// NewTiDBClient initializes a new TiDB client
func NewTiDBClient(dsn string) (*TiDBClient, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &TiDBClient{db: db}, nil
}

// NewTiDBClientFromDB wraps an existing handle
func NewTiDBClientFromDB(db *sql.DB) *TiDBClient {
	return &TiDBClient{db: db}
}

// Close closes the database connection
func (tc *TiDBClient) Close() error {
	return tc.db.Close()
}

// Migrate applies the embedded schema. Statements are idempotent.
func (tc *TiDBClient) Migrate(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "tidb.migrate")
	defer span.End()

	for _, stmt := range splitStatements(schemaSQL) {
		if _, err := tc.db.ExecContext(ctx, stmt); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var stmts []string
	for _, part := range strings.Split(script, ";") {
		if s := strings.TrimSpace(part); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

// CreateSession inserts a new upload session
func (tc *TiDBClient) CreateSession(ctx context.Context, s *models.UploadSession) error {
	ctx, span := tracer.Start(ctx, "tidb.create_session",
		trace.WithAttributes(
			attribute.String("session_id", s.ID),
			attribute.String("file_name", s.FileName),
			attribute.Int("total_chunks", s.TotalChunks),
		),
	)
	defer span.End()

	query := `INSERT INTO upload_sessions
			  (id, file_name, total_chunks, total_size, status, owner_id, owner_email, auto_import, created_at, expires_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := tc.db.ExecContext(ctx, query, s.ID, s.FileName, s.TotalChunks, s.TotalSize, s.Status,
		s.OwnerID, s.OwnerEmail, s.AutoImport, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession loads a session together with its recorded chunks
func (tc *TiDBClient) GetSession(ctx context.Context, id string) (*models.UploadSession, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_session",
		trace.WithAttributes(attribute.String("session_id", id)),
	)
	defer span.End()

	query := `SELECT id, file_name, total_chunks, total_size, status, owner_id, owner_email,
			  auto_import, merged_path, error_msg, created_at, expires_at
			  FROM upload_sessions WHERE id = ?`

	var s models.UploadSession
	err := tc.db.QueryRowContext(ctx, query, id).Scan(
		&s.ID, &s.FileName, &s.TotalChunks, &s.TotalSize, &s.Status, &s.OwnerID, &s.OwnerEmail,
		&s.AutoImport, &s.MergedPath, &s.ErrorMsg, &s.CreatedAt, &s.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, fmt.Errorf("%w: %s", apperr.ErrSessionNotFound, id)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	chunks, err := tc.getChunks(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.UploadedChunks = chunks

	span.SetAttributes(
		attribute.Bool("found", true),
		attribute.Int("chunk_count", len(chunks)),
	)
	return &s, nil
}

func (tc *TiDBClient) getChunks(ctx context.Context, sessionID string) ([]models.ChunkInfo, error) {
	query := `SELECT session_id, chunk_index, chunk_size, checksum, uploaded_at
			  FROM upload_chunks
			  WHERE session_id = ?
			  ORDER BY chunk_index ASC`

	rows, err := tc.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.ChunkInfo
	for rows.Next() {
		var c models.ChunkInfo
		if err := rows.Scan(&c.SessionID, &c.ChunkIndex, &c.ChunkSize, &c.Checksum, &c.UploadedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}
	return chunks, nil
}

// AddChunk records a chunk. It returns false without error when the index
// was already recorded, leaving the existing row untouched.
func (tc *TiDBClient) AddChunk(ctx context.Context, c models.ChunkInfo) (bool, error) {
	ctx, span := tracer.Start(ctx, "tidb.add_chunk",
		trace.WithAttributes(
			attribute.String("session_id", c.SessionID),
			attribute.Int("chunk_index", c.ChunkIndex),
			attribute.Int64("chunk_size", c.ChunkSize),
		),
	)
	defer span.End()

	query := `INSERT INTO upload_chunks (session_id, chunk_index, chunk_size, checksum, uploaded_at)
			  VALUES (?, ?, ?, ?, ?)`

	_, err := tc.db.ExecContext(ctx, query, c.SessionID, c.ChunkIndex, c.ChunkSize, c.Checksum, c.UploadedAt)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == errDuplicateEntry {
			span.SetAttributes(attribute.Bool("duplicate", true))
			return false, nil
		}
		span.RecordError(err)
		return false, fmt.Errorf("failed to insert chunk: %w", err)
	}
	return true, nil
}

// UpdateSessionStatus moves a session to `to` only if its current status is in from
func (tc *TiDBClient) UpdateSessionStatus(ctx context.Context, id string, from []models.SessionStatus, to models.SessionStatus, errMsg string) (bool, error) {
	ctx, span := tracer.Start(ctx, "tidb.update_session_status",
		trace.WithAttributes(
			attribute.String("session_id", id),
			attribute.String("status", string(to)),
		),
	)
	defer span.End()

	args := []any{to, errMsg, id}
	for _, s := range from {
		args = append(args, s)
	}
	query := `UPDATE upload_sessions SET status = ?, error_msg = ?
			  WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`

	res, err := tc.db.ExecContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to update session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	span.SetAttributes(attribute.Bool("transitioned", n > 0))
	return n > 0, nil
}

// CompleteSession marks a merging session completed and drops its chunk rows
func (tc *TiDBClient) CompleteSession(ctx context.Context, id, mergedPath string) (bool, error) {
	ctx, span := tracer.Start(ctx, "tidb.complete_session",
		trace.WithAttributes(attribute.String("session_id", id)),
	)
	defer span.End()

	tx, err := tc.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE upload_sessions SET status = ?, merged_path = ?, error_msg = '' WHERE id = ? AND status = ?`,
		models.SessionCompleted, mergedPath, id, models.SessionMerging)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to complete session: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM upload_chunks WHERE session_id = ?`, id); err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to delete chunks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// ListExpiredSessions returns sessions of any status whose deadline is before
// now. Chunks are not loaded.
func (tc *TiDBClient) ListExpiredSessions(ctx context.Context, now time.Time) ([]*models.UploadSession, error) {
	ctx, span := tracer.Start(ctx, "tidb.list_expired_sessions")
	defer span.End()

	query := `SELECT id, file_name, total_chunks, total_size, status, owner_id, created_at, expires_at
			  FROM upload_sessions
			  WHERE expires_at < ?`

	rows, err := tc.db.QueryContext(ctx, query, now)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query expired sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.UploadSession
	for rows.Next() {
		var s models.UploadSession
		if err := rows.Scan(&s.ID, &s.FileName, &s.TotalChunks, &s.TotalSize, &s.Status,
			&s.OwnerID, &s.CreatedAt, &s.ExpiresAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, &s)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	span.SetAttributes(attribute.Int("expired_count", len(sessions)))
	return sessions, nil
}

// DeleteSession removes a session and its chunk rows
func (tc *TiDBClient) DeleteSession(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "tidb.delete_session",
		trace.WithAttributes(attribute.String("session_id", id)),
	)
	defer span.End()

	tx, err := tc.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM upload_chunks WHERE session_id = ?`, id); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM upload_sessions WHERE id = ?`, id); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
