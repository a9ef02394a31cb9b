// Package postgres implements the record store on a single documents table
// with JSONB bodies and revision-checked writes.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/labos-labs/labos-go/internal/record"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Schema is the DDL for the records table.
const Schema = `CREATE TABLE IF NOT EXISTS records (
	record_id  TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	schema_id  TEXT,
	revision   BIGINT NOT NULL,
	body       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS records_kind_idx ON records (kind);`

type Store struct {
	db DB
}

func New(db DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

func (s *Store) Get(ctx context.Context, id string) (record.Record, error) {
	if s == nil || s.db == nil {
		return record.Record{}, fmt.Errorf("record store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return record.Record{}, fmt.Errorf("record id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT record_id, kind, schema_id, revision, body, created_at, updated_at
		 FROM records WHERE record_id = $1`,
		id,
	)
	return scanRecord(row.Scan)
}

func (s *Store) List(ctx context.Context, filter record.Filter) ([]record.Record, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("record store not initialized")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if strings.TrimSpace(filter.Kind) != "" {
		args = append(args, strings.TrimSpace(filter.Kind))
		clauses = append(clauses, fmt.Sprintf("kind = $%d", len(args)))
	}
	if strings.TrimSpace(filter.SchemaID) != "" {
		args = append(args, strings.TrimSpace(filter.SchemaID))
		clauses = append(clauses, fmt.Sprintf("schema_id = $%d", len(args)))
	}
	query := `SELECT record_id, kind, schema_id, revision, body, created_at, updated_at FROM records`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY record_id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out := make([]record.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return out, nil
}

func (s *Store) Create(ctx context.Context, rec record.Record) (record.Record, error) {
	if s == nil || s.db == nil {
		return record.Record{}, fmt.Errorf("record store not initialized")
	}
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		return record.Record{}, fmt.Errorf("record id is required")
	}
	if strings.TrimSpace(rec.Kind) == "" {
		return record.Record{}, fmt.Errorf("record kind is required")
	}
	now := time.Now().UTC()
	rec.ID = id
	rec.Revision = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO records (record_id, kind, schema_id, revision, body, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		rec.ID,
		strings.TrimSpace(rec.Kind),
		nullIfEmpty(rec.SchemaID),
		rec.Revision,
		[]byte(rec.Body),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return record.Record{}, fmt.Errorf("create %s: %w", id, record.ErrConflict)
		}
		return record.Record{}, fmt.Errorf("insert record: %w", err)
	}
	return rec, nil
}

func (s *Store) Update(ctx context.Context, rec record.Record) (record.Record, error) {
	if s == nil || s.db == nil {
		return record.Record{}, fmt.Errorf("record store not initialized")
	}
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		return record.Record{}, fmt.Errorf("record id is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE records SET revision = revision + 1, body = $1, updated_at = $2
		 WHERE record_id = $3 AND revision = $4`,
		[]byte(rec.Body),
		now,
		id,
		rec.Revision,
	)
	if err != nil {
		return record.Record{}, fmt.Errorf("update record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return record.Record{}, fmt.Errorf("update record: %w", err)
	}
	if affected == 0 {
		// Either the record is gone or the revision moved underneath us.
		if _, getErr := s.Get(ctx, id); errors.Is(getErr, record.ErrNotFound) {
			return record.Record{}, record.ErrNotFound
		}
		return record.Record{}, fmt.Errorf("update %s at revision %d: %w", id, rec.Revision, record.ErrConflict)
	}
	rec.Revision++
	rec.UpdatedAt = now
	return rec, nil
}

func scanRecord(scan func(dest ...any) error) (record.Record, error) {
	var rec record.Record
	var schemaID sql.NullString
	var body []byte
	if err := scan(&rec.ID, &rec.Kind, &schemaID, &rec.Revision, &body, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return record.Record{}, record.ErrNotFound
		}
		return record.Record{}, err
	}
	if schemaID.Valid {
		rec.SchemaID = schemaID.String
	}
	rec.Body = body
	return rec, nil
}

func nullIfEmpty(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return value
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
