package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dnl0037/db-migrations/internal/model"
)

// PostgresReader implements Reader for PostgreSQL using pgx.
type PostgresReader struct {
	connStr  string
	schema   string
	maxConns int32
	pool     *pgxpool.Pool
}

// NewPostgresReader creates a new PostgreSQL reader.
func NewPostgresReader(connStr, schema string, maxConns int) *PostgresReader {
	if schema == "" {
		schema = "public"
	}
	if maxConns <= 0 {
		maxConns = 1
	}
	return &PostgresReader{connStr: connStr, schema: schema, maxConns: int32(maxConns)}
}

func (r *PostgresReader) Connect(ctx context.Context) error {
	cfg, err := pgxpool.ParseConfig(r.connStr)
	if err != nil {
		return fmt.Errorf("parsing connection string: %w", err)
	}
	cfg.MaxConns = r.maxConns
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%w: connecting to PostgreSQL: %w", ErrUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("%w: pinging PostgreSQL: %w", ErrUnavailable, err)
	}
	r.pool = pool
	return nil
}

func (r *PostgresReader) FetchAfter(ctx context.Context, table model.SourceTable, afterKey int64, limit int) ([]model.RawRecord, error) {
	sql := fmt.Sprintf("SELECT * FROM %s.%s WHERE %s > $1 ORDER BY %s LIMIT %d",
		quoteIdent(r.schema), quoteIdent(table.Name), quoteIdent(table.Key), quoteIdent(table.Key), limit)

	rows, err := r.pool.Query(ctx, sql, afterKey)
	if err != nil {
		return nil, classifyPg(table.Name, err)
	}
	defer rows.Close()

	var results []model.RawRecord
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("%w: scanning %s row: %w", ErrUnavailable, table.Name, err)
		}
		descs := rows.FieldDescriptions()
		row := make(model.RawRecord, len(descs))
		for i, d := range descs {
			row[d.Name] = vals[i]
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPg(table.Name, err)
	}

	descs := rows.FieldDescriptions()
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}
	if err := CheckColumns(table, names); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *PostgresReader) RowCount(ctx context.Context, table string) (int64, error) {
	var count int64
	sql := fmt.Sprintf("SELECT COUNT(*) FROM %s.%s", quoteIdent(r.schema), quoteIdent(table))
	if err := r.pool.QueryRow(ctx, sql).Scan(&count); err != nil {
		return 0, classifyPg(table, err)
	}
	return count, nil
}

func (r *PostgresReader) Close() error {
	if r.pool != nil {
		r.pool.Close()
	}
	return nil
}

// classifyPg separates structural failures from connectivity failures.
func classifyPg(table string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P01", "42703": // undefined_table, undefined_column
			return fmt.Errorf("%w: %s: %s", ErrSchemaMismatch, table, pgErr.Message)
		}
	}
	return fmt.Errorf("%w: reading %s: %w", ErrUnavailable, table, err)
}
