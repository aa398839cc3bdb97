package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/labimport/internal/apperr"
	"github.com/maneesh/labimport/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// UpsertLookup writes rec keyed on (uid, phone). Records lacking either key
// part are always inserted. The returned flag is true for a fresh insert.
//
// With ON DUPLICATE KEY UPDATE the driver reports 1 affected row for an
// insert, 2 for an update and 0 for an update that changed nothing.
func (tc *TiDBClient) UpsertLookup(ctx context.Context, rec *models.LookupRecord) (bool, error) {
	ctx, span := tracer.Start(ctx, "tidb.upsert_lookup",
		trace.WithAttributes(attribute.Bool("natural_key", rec.HasNaturalKey())),
	)
	defer span.End()

	now := time.Now().UTC()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	query := `INSERT INTO lookup_records (id, uid, phone, name, address, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`
	if rec.HasNaturalKey() {
		query += ` ON DUPLICATE KEY UPDATE name = VALUES(name), address = VALUES(address), updated_at = VALUES(updated_at)`
	}

	res, err := tc.db.ExecContext(ctx, query, rec.ID, nullString(rec.UID), nullString(rec.Phone),
		nullString(rec.Name), nullString(rec.Address), now, now)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("%w: %w", apperr.ErrRowProcessing, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	inserted := n == 1
	span.SetAttributes(attribute.Bool("inserted", inserted))
	return inserted, nil
}

// SearchLookup returns lookup records matching q, newest first
func (tc *TiDBClient) SearchLookup(ctx context.Context, q models.SearchQuery) ([]*models.LookupRecord, error) {
	ctx, span := tracer.Start(ctx, "tidb.search_lookup",
		trace.WithAttributes(
			attribute.StringSlice("columns", q.Columns),
			attribute.Int("exact_terms", len(q.Exact)),
			attribute.Int("contains_terms", len(q.Contains)),
		),
	)
	defer span.End()

	where, args, err := buildSearchClause(q)
	if err != nil {
		return nil, err
	}
	if where == "" {
		return []*models.LookupRecord{}, nil
	}

	query := `SELECT id, uid, phone, name, address, created_at, updated_at
			  FROM lookup_records WHERE ` + where + ` ORDER BY created_at DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := tc.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to search lookup records: %w", err)
	}
	defer rows.Close()

	records := []*models.LookupRecord{}
	for rows.Next() {
		var r models.LookupRecord
		var uid, phone, name, address sql.NullString
		if err := rows.Scan(&r.ID, &uid, &phone, &name, &address, &r.CreatedAt, &r.UpdatedAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan lookup record: %w", err)
		}
		r.UID, r.Phone, r.Name, r.Address = uid.String, phone.String, name.String, address.String
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating lookup records: %w", err)
	}

	span.SetAttributes(attribute.Int("result_count", len(records)))
	return records, nil
}

func buildSearchClause(q models.SearchQuery) (string, []any, error) {
	var conds []string
	var args []any
	for _, col := range q.Columns {
		// column names are interpolated, so only the fixed set is allowed
		if !models.ValidLookupColumn(col) {
			return "", nil, fmt.Errorf("%w: unknown column %q", apperr.ErrInvalidArgument, col)
		}
		if len(q.Exact) > 0 {
			conds = append(conds, col+" IN ("+placeholders(len(q.Exact))+")")
			for _, v := range q.Exact {
				args = append(args, v)
			}
		}
		for _, p := range q.Contains {
			conds = append(conds, "LOWER("+col+") LIKE ?")
			args = append(args, "%"+escapeLike(strings.ToLower(p))+"%")
		}
	}
	return strings.Join(conds, " OR "), args, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
