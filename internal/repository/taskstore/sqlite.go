package taskstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteBackend stores task payloads as JSON text in a single SQLite table.
type SQLiteBackend struct {
	db    *sql.DB
	table string
}

// OpenSQLiteBackend opens (or creates) the database at path. Use ":memory:"
// for a throwaway database. The caller is responsible for calling Close.
func OpenSQLiteBackend(path, table string) (*SQLiteBackend, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validField.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	return &SQLiteBackend{db: db, table: table}, nil
}

// Close releases the underlying database connection.
func (b *SQLiteBackend) Close() error { return b.db.Close() }

// Bootstrap ...
func (b *SQLiteBackend) Bootstrap(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id      TEXT PRIMARY KEY,
	payload TEXT NOT NULL
)`, b.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_status_idx ON %[1]s (json_extract(payload, '$.status'))`, b.table),
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Upsert writes all records in one transaction.
func (b *SQLiteBackend) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, payload) VALUES (?, ?)
ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`, b.table))
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err = stmt.ExecContext(ctx, rec.ID, string(rec.Payload)); err != nil {
			return fmt.Errorf("upsert %s: %w", rec.ID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Retrieve ...
func (b *SQLiteBackend) Retrieve(ctx context.Context, ids []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	marks, args := inList(ids)
	return b.query(ctx, fmt.Sprintf(`SELECT id, payload FROM %s WHERE id IN (%s)`, b.table, marks), args...)
}

// Delete ...
func (b *SQLiteBackend) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	marks, args := inList(ids)
	res, err := b.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`, b.table, marks), args...)
	if err != nil {
		return 0, fmt.Errorf("delete tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete tasks: %w", err)
	}
	return int(n), nil
}

// Scroll ...
func (b *SQLiteBackend) Scroll(ctx context.Context, q Query) ([]Record, error) {
	query, args, err := sqliteDialect.selectSQL(b.table, "id, payload", q)
	if err != nil {
		return nil, err
	}
	return b.query(ctx, query, args...)
}

// Count ...
func (b *SQLiteBackend) Count(ctx context.Context, q Query) (int, error) {
	q.OrderBy, q.Offset, q.Limit = "", 0, 0
	query, args, err := sqliteDialect.selectSQL(b.table, "COUNT(*)", q)
	if err != nil {
		return 0, err
	}
	var n int
	if err = b.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// Truncate ...
func (b *SQLiteBackend) Truncate(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, b.table)); err != nil {
		return fmt.Errorf("truncate %s: %w", b.table, err)
	}
	return nil
}

func (b *SQLiteBackend) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, Record{ID: id, Payload: []byte(payload)})
	}
	return out, rows.Err()
}

func inList(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", "), args
}
