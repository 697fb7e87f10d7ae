package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Oracle driver
	_ "github.com/sijms/go-ora/v2"
	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/dnl0037/db-migrations/internal/model"
)

type dialect struct {
	driver      string
	placeholder string
	// page renders the row-limiting clause appended after ORDER BY.
	page func(limit int) string
	// ident maps a logical name to its stored form.
	ident func(string) string
	// missing reports whether a driver error means the table does not exist.
	missing func(error) bool
}

var sqliteDialect = dialect{
	driver:      "sqlite",
	placeholder: "?",
	page:        func(limit int) string { return fmt.Sprintf("LIMIT %d", limit) },
	ident:       func(s string) string { return s },
	missing: func(err error) bool {
		return strings.Contains(err.Error(), "no such table") || strings.Contains(err.Error(), "no such column")
	},
}

var oracleDialect = dialect{
	driver:      "oracle",
	placeholder: ":1",
	page:        func(limit int) string { return fmt.Sprintf("FETCH FIRST %d ROWS ONLY", limit) },
	ident:       strings.ToUpper,
	missing: func(err error) bool {
		return strings.Contains(err.Error(), "ORA-00942") || strings.Contains(err.Error(), "ORA-00904")
	},
}

// SQLReader implements Reader over database/sql for SQLite and Oracle sources.
type SQLReader struct {
	dsn     string
	schema  string
	dialect dialect
	db      *sql.DB
}

// NewSQLiteReader reads a SQLite database file.
func NewSQLiteReader(path string) *SQLReader {
	return &SQLReader{dsn: path, dialect: sqliteDialect}
}

// NewOracleReader creates a new Oracle reader using go-ora.
func NewOracleReader(connStr, schema string) *SQLReader {
	return &SQLReader{dsn: connStr, schema: strings.ToUpper(schema), dialect: oracleDialect}
}

func (r *SQLReader) Connect(ctx context.Context) error {
	db, err := sql.Open(r.dialect.driver, r.dsn)
	if err != nil {
		return fmt.Errorf("%w: opening %s connection: %w", ErrUnavailable, r.dialect.driver, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("%w: pinging %s: %w", ErrUnavailable, r.dialect.driver, err)
	}
	r.db = db
	return nil
}

func (r *SQLReader) qualified(table string) string {
	name := quoteIdent(r.dialect.ident(table))
	if r.schema != "" {
		return quoteIdent(r.schema) + "." + name
	}
	return name
}

func (r *SQLReader) FetchAfter(ctx context.Context, table model.SourceTable, afterKey int64, limit int) ([]model.RawRecord, error) {
	key := quoteIdent(r.dialect.ident(table.Key))
	q := fmt.Sprintf("SELECT * FROM %s WHERE %s > %s ORDER BY %s %s",
		r.qualified(table.Name), key, r.dialect.placeholder, key, r.dialect.page(limit))

	rows, err := r.db.QueryContext(ctx, q, afterKey)
	if err != nil {
		return nil, r.classify(table.Name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, r.classify(table.Name, err)
	}
	for i, c := range cols {
		cols[i] = strings.ToLower(c)
	}
	if err := CheckColumns(table, cols); err != nil {
		return nil, err
	}

	var results []model.RawRecord
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("%w: scanning %s row: %w", ErrUnavailable, table.Name, err)
		}
		row := make(model.RawRecord, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, r.classify(table.Name, err)
	}
	return results, nil
}

func (r *SQLReader) RowCount(ctx context.Context, table string) (int64, error) {
	var count int64
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s", r.qualified(table))
	if err := r.db.QueryRowContext(ctx, q).Scan(&count); err != nil {
		return 0, r.classify(table, err)
	}
	return count, nil
}

func (r *SQLReader) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLReader) classify(table string, err error) error {
	if r.dialect.missing(err) {
		return fmt.Errorf("%w: %s: %v", ErrSchemaMismatch, table, err)
	}
	return fmt.Errorf("%w: reading %s: %w", ErrUnavailable, table, err)
}
