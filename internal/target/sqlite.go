package target

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/dnl0037/db-migrations/internal/model"
	"github.com/dnl0037/db-migrations/internal/schema"
)

// SQLiteStore implements Store over a SQLite file.
type SQLiteStore struct {
	path string
	db   *sql.DB
}

// NewSQLiteStore creates a SQLite target at path.
func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Connect(ctx context.Context) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating database directory: %w", err)
		}
	}
	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("%w: opening sqlite: %w", ErrUnavailable, err)
	}
	// one writer; a single connection keeps savepoints on the batch transaction
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("%w: pinging sqlite: %w", ErrUnavailable, err)
	}
	s.db = db
	return nil
}

func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifySQLite(err)
	}
	return &sqliteTx{tx: tx}, nil
}

func (s *SQLiteStore) Clear(ctx context.Context, entity model.EntityType) error {
	for _, k := range ClearOrder(entity) {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+quoteIdent(string(k))); err != nil {
			return fmt.Errorf("clearing %s: %w", k, classifySQLite(err))
		}
	}
	return nil
}

func (s *SQLiteStore) MaxKey(ctx context.Context, kind model.Kind) (int64, error) {
	var key int64
	q := fmt.Sprintf("SELECT COALESCE(MAX(id), 0) FROM %s", quoteIdent(string(kind)))
	if err := s.db.QueryRowContext(ctx, q).Scan(&key); err != nil {
		return 0, fmt.Errorf("reading max key of %s: %w", kind, classifySQLite(err))
	}
	return key, nil
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	target, err := loadOrder()
	if err != nil {
		return err
	}
	stmts, err := target.DDL(schema.SQLite, "")
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", classifySQLite(err))
		}
	}
	return nil
}

// ForeignKeys reads pragma_foreign_key_list for each target table. SQLite
// does not keep constraint names, so they are derived from the columns.
func (s *SQLiteStore) ForeignKeys(ctx context.Context) (map[string][]schema.ForeignKey, error) {
	out := make(map[string][]schema.ForeignKey)
	for _, t := range schema.Target().Tables {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, "table", "from", "to" FROM pragma_foreign_key_list(?) ORDER BY id, seq`, t.Name)
		if err != nil {
			return nil, fmt.Errorf("reading foreign keys of %s: %w", t.Name, classifySQLite(err))
		}
		byID := map[int]*schema.ForeignKey{}
		var ids []int
		for rows.Next() {
			var (
				id           int
				parent, from string
				to           sql.NullString
			)
			if err := rows.Scan(&id, &parent, &from, &to); err != nil {
				rows.Close()
				return nil, err
			}
			fk, ok := byID[id]
			if !ok {
				fk = &schema.ForeignKey{ReferencedTable: parent}
				byID[id] = fk
				ids = append(ids, id)
			}
			fk.Columns = append(fk.Columns, from)
			fk.ReferencedColumns = append(fk.ReferencedColumns, to.String)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			fk := byID[id]
			fk.Name = t.Name + "_" + strings.Join(fk.Columns, "_") + "_fkey"
			out[t.Name] = append(out[t.Name], *fk)
		}
	}
	return out, nil
}

func (s *SQLiteStore) Close(_ context.Context) error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context, kind model.Kind) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(string(kind))).Scan(&n); err != nil {
		return 0, classifySQLite(err)
	}
	return n, nil
}

func (s *SQLiteStore) Orphans(ctx context.Context, table string, fk schema.ForeignKey) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, orphanSQL(quoteIdent(table), quoteIdent(fk.ReferencedTable), fk)).Scan(&n); err != nil {
		return 0, classifySQLite(err)
	}
	return n, nil
}

func (s *SQLiteStore) LineTotals(ctx context.Context, fn func(LineTotal) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, quantity, unit_price_at_purchase, subtotal FROM "order_items" ORDER BY id`)
	if err != nil {
		return classifySQLite(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			lt          LineTotal
			unit, total string
		)
		if err := rows.Scan(&lt.ID, &lt.Quantity, &unit, &total); err != nil {
			return err
		}
		if lt.UnitPrice, err = decimal.NewFromString(unit); err != nil {
			return err
		}
		if lt.Subtotal, err = decimal.NewFromString(total); err != nil {
			return err
		}
		if err := fn(lt); err != nil {
			return err
		}
	}
	return rows.Err()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Insert(ctx context.Context, e model.Entity) error {
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT row_insert"); err != nil {
		return classifySQLite(err)
	}
	if err := t.insert(ctx, e); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO row_insert"); rbErr != nil {
			return fmt.Errorf("rolling back savepoint after %v: %w", err, classifySQLite(rbErr))
		}
		if _, relErr := t.tx.ExecContext(ctx, "RELEASE row_insert"); relErr != nil {
			return fmt.Errorf("releasing savepoint after %v: %w", err, classifySQLite(relErr))
		}
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE row_insert"); err != nil {
		return classifySQLite(err)
	}
	return nil
}

func (t *sqliteTx) insert(ctx context.Context, e model.Entity) error {
	if p, ok := e.(*model.Product); ok {
		q := `INSERT INTO "product_categories" (name) VALUES (?)
			ON CONFLICT (name) DO UPDATE SET name = excluded.name RETURNING id`
		if err := t.tx.QueryRowContext(ctx, q, p.CategoryName).Scan(&p.CategoryID); err != nil {
			return classifySQLite(err)
		}
	}
	rows, err := rowsOf(e)
	if err != nil {
		return err
	}
	for _, r := range rows {
		q := insertSQL(quoteIdent(r.table), r, func(int) string { return "?" })
		if _, err := t.tx.ExecContext(ctx, q, encodeAll(r.values, encodeSQLite)...); err != nil {
			return classifySQLite(err)
		}
	}
	return nil
}

func (t *sqliteTx) Commit(_ context.Context) error {
	return classifySQLite(t.tx.Commit())
}

func (t *sqliteTx) Rollback(_ context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return classifySQLite(err)
	}
	return nil
}

// classifySQLite maps SQLite result codes onto the package's error kinds.
func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	code := se.Code()
	switch code & 0xff {
	case sqlite3.SQLITE_CONSTRAINT:
		unique := code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
		name := sqliteConstraintName(err.Error())
		if name == "" && code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY {
			name = "foreign_key"
		}
		return &ConstraintError{Constraint: name, Unique: unique, Err: err}
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

// sqliteConstraintName turns "UNIQUE constraint failed: users.email" into
// the declared index name so reasons match across backends.
func sqliteConstraintName(msg string) string {
	i := strings.LastIndex(msg, "failed: ")
	if i < 0 {
		return ""
	}
	detail := strings.TrimSpace(msg[i+len("failed: "):])
	if j := strings.Index(detail, " ("); j >= 0 {
		detail = detail[:j]
	}

	var table string
	var cols []string
	for _, part := range strings.Split(detail, ", ") {
		tbl, col, ok := strings.Cut(part, ".")
		if !ok {
			return detail
		}
		table = tbl
		cols = append(cols, col)
	}
	if t := schema.Target().Table(table); t != nil {
		for _, idx := range t.UniqueIndexes() {
			if strings.Join(idx.Columns, ",") == strings.Join(cols, ",") {
				return idx.Name
			}
		}
		if len(cols) == 1 && cols[0] == "id" {
			return table + "_pkey"
		}
	}
	return detail
}
