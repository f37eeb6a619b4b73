package taskstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultTable is the table used by the SQL backends.
const DefaultTable = "scheduler_tasks"

// PostgresBackend stores task payloads as JSONB rows.
type PostgresBackend struct {
	db    *pgxpool.Pool
	table string
}

// NewPostgresBackend ...
func NewPostgresBackend(db *pgxpool.Pool, table string) (*PostgresBackend, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validField.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PostgresBackend{db: db, table: table}, nil
}

// Bootstrap ...
func (b *PostgresBackend) Bootstrap(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
            id      TEXT PRIMARY KEY,
            payload JSONB NOT NULL
        )`, b.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_status_idx ON %[1]s ((payload->>'status'))`, b.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_agent_idx ON %[1]s ((payload->>'agent_id'))`, b.table),
	}
	for _, stmt := range stmts {
		if _, err := b.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to bootstrap %s: %w", b.table, err)
		}
	}
	return nil
}

// Upsert ...
func (b *PostgresBackend) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
        INSERT INTO %s (id, payload)
        VALUES ($1, $2::jsonb)
        ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload
    `, b.table)

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(query, rec.ID, string(rec.Payload))
	}
	br := b.db.SendBatch(ctx, batch)
	for range records {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to upsert tasks: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to upsert tasks: %w", err)
	}
	return nil
}

// Retrieve ...
func (b *PostgresBackend) Retrieve(ctx context.Context, ids []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT id, payload::text FROM %s WHERE id = ANY($1)`, b.table)
	return b.query(ctx, query, ids)
}

// Delete ...
func (b *PostgresBackend) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := b.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, b.table), ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Scroll ...
func (b *PostgresBackend) Scroll(ctx context.Context, q Query) ([]Record, error) {
	query, args, err := postgresDialect.selectSQL(b.table, "id, payload::text", q)
	if err != nil {
		return nil, err
	}
	return b.query(ctx, query, args...)
}

// Count ...
func (b *PostgresBackend) Count(ctx context.Context, q Query) (int, error) {
	q.OrderBy, q.Offset, q.Limit = "", 0, 0
	query, args, err := postgresDialect.selectSQL(b.table, "COUNT(*)", q)
	if err != nil {
		return 0, err
	}
	var n int64
	if err = b.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return int(n), nil
}

// Truncate ...
func (b *PostgresBackend) Truncate(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, fmt.Sprintf(`TRUNCATE TABLE %s`, b.table)); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", b.table, err)
	}
	return nil
}

func (b *PostgresBackend) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := b.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			id      string
			payload string
		)
		if scanErr := rows.Scan(&id, &payload); scanErr != nil {
			return nil, fmt.Errorf("failed to scan task: %w", scanErr)
		}
		out = append(out, Record{ID: id, Payload: []byte(payload)})
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
