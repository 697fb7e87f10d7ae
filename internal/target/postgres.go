package target

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dnl0037/db-migrations/internal/model"
	"github.com/dnl0037/db-migrations/internal/schema"
)

// PostgresStore implements Store for PostgreSQL using pgx.
type PostgresStore struct {
	connStr  string
	schema   string
	maxConns int32
	pool     *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL target.
func NewPostgresStore(connStr, schemaName string, maxConns int) *PostgresStore {
	if schemaName == "" {
		schemaName = "public"
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	return &PostgresStore{connStr: connStr, schema: schemaName, maxConns: int32(maxConns)}
}

func (s *PostgresStore) Connect(ctx context.Context) error {
	cfg, err := pgxpool.ParseConfig(s.connStr)
	if err != nil {
		return fmt.Errorf("parsing connection string: %w", err)
	}
	cfg.MaxConns = s.maxConns
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%w: connecting to PostgreSQL: %w", ErrUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("%w: pinging PostgreSQL: %w", ErrUnavailable, err)
	}
	s.pool = pool
	return nil
}

func (s *PostgresStore) table(name string) string {
	return quoteIdent(s.schema) + "." + quoteIdent(name)
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classifyPg(err)
	}
	return &pgTx{store: s, tx: tx}, nil
}

func (s *PostgresStore) Clear(ctx context.Context, entity model.EntityType) error {
	for _, k := range ClearOrder(entity) {
		if _, err := s.pool.Exec(ctx, "DELETE FROM "+s.table(string(k))); err != nil {
			return fmt.Errorf("clearing %s: %w", k, classifyPg(err))
		}
	}
	return nil
}

func (s *PostgresStore) MaxKey(ctx context.Context, kind model.Kind) (int64, error) {
	var key int64
	q := fmt.Sprintf("SELECT COALESCE(MAX(id), 0) FROM %s", s.table(string(kind)))
	if err := s.pool.QueryRow(ctx, q).Scan(&key); err != nil {
		return 0, fmt.Errorf("reading max key of %s: %w", kind, classifyPg(err))
	}
	return key, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	target, err := loadOrder()
	if err != nil {
		return err
	}
	stmts, err := target.DDL(schema.Postgres, s.schema)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", classifyPg(err))
		}
	}
	return nil
}

// ForeignKeys fetches foreign key relationships including composite keys.
func (s *PostgresStore) ForeignKeys(ctx context.Context) (map[string][]schema.ForeignKey, error) {
	query := `
		SELECT
			tc.table_name,
			tc.constraint_name,
			kcu.column_name,
			ccu.table_name AS referenced_table,
			ccu.column_name AS referenced_column
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		  AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON tc.constraint_name = ccu.constraint_name
		  AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema = $1
		ORDER BY tc.table_name, tc.constraint_name, kcu.ordinal_position`

	rows, err := s.pool.Query(ctx, query, s.schema)
	if err != nil {
		return nil, fmt.Errorf("reading foreign keys: %w", classifyPg(err))
	}
	defer rows.Close()

	type fkKey struct{ table, constraint string }
	grouped := make(map[fkKey]*schema.ForeignKey)
	var order []fkKey

	for rows.Next() {
		var table, constraint, column, refTable, refColumn string
		if err := rows.Scan(&table, &constraint, &column, &refTable, &refColumn); err != nil {
			return nil, err
		}
		k := fkKey{table, constraint}
		fk, exists := grouped[k]
		if !exists {
			fk = &schema.ForeignKey{Name: constraint, ReferencedTable: refTable}
			grouped[k] = fk
			order = append(order, k)
		}
		fk.Columns = append(fk.Columns, column)
		fk.ReferencedColumns = append(fk.ReferencedColumns, refColumn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make(map[string][]schema.ForeignKey)
	for _, k := range order {
		out[k.table] = append(out[k.table], *grouped[k])
	}
	return out, nil
}

func (s *PostgresStore) Close(_ context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Count(ctx context.Context, kind model.Kind) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+s.table(string(kind))).Scan(&n); err != nil {
		return 0, classifyPg(err)
	}
	return n, nil
}

func (s *PostgresStore) Orphans(ctx context.Context, table string, fk schema.ForeignKey) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, orphanSQL(s.table(table), s.table(fk.ReferencedTable), fk)).Scan(&n); err != nil {
		return 0, classifyPg(err)
	}
	return n, nil
}

func (s *PostgresStore) LineTotals(ctx context.Context, fn func(LineTotal) error) error {
	q := fmt.Sprintf("SELECT id, quantity, unit_price_at_purchase::text, subtotal::text FROM %s ORDER BY id",
		s.table(string(model.KindOrderItem)))
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return classifyPg(err)
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

type pgTx struct {
	store *PostgresStore
	tx    pgx.Tx
}

// Insert runs inside a nested transaction, which pgx maps to a savepoint.
func (t *pgTx) Insert(ctx context.Context, e model.Entity) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return classifyPg(err)
	}
	if err := t.insert(ctx, sp, e); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rolling back savepoint after %v: %w", err, classifyPg(rbErr))
		}
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return classifyPg(err)
	}
	return nil
}

func (t *pgTx) insert(ctx context.Context, sp pgx.Tx, e model.Entity) error {
	if p, ok := e.(*model.Product); ok {
		q := fmt.Sprintf(`INSERT INTO %s (name) VALUES ($1)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name RETURNING id`,
			t.store.table(string(model.KindCategory)))
		if err := sp.QueryRow(ctx, q, p.CategoryName).Scan(&p.CategoryID); err != nil {
			return classifyPg(err)
		}
	}
	rows, err := rowsOf(e)
	if err != nil {
		return err
	}
	for _, r := range rows {
		q := insertSQL(t.store.table(r.table), r, func(i int) string { return "$" + strconv.Itoa(i) })
		if _, err := sp.Exec(ctx, q, encodeAll(r.values, encodeSQL)...); err != nil {
			return classifyPg(err)
		}
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return classifyPg(err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return classifyPg(err)
	}
	return nil
}

// classifyPg maps PostgreSQL errors onto the package's error kinds.
func classifyPg(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505": // unique_violation
			return &ConstraintError{Constraint: pgErr.ConstraintName, Unique: true, Err: err}
		case pgErr.Code[:2] == "23", pgErr.Code[:2] == "22": // integrity and data exceptions
			name := pgErr.ConstraintName
			if name == "" {
				name = pgErr.ColumnName
			}
			return &ConstraintError{Constraint: name, Err: err}
		case pgErr.Code == "40001", pgErr.Code == "40P01", // serialization_failure, deadlock_detected
			pgErr.Code[:2] == "08", pgErr.Code == "57P01", pgErr.Code == "53300":
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return err
	}
	var netErr net.Error
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

func orphanSQL(child, parent string, fk schema.ForeignKey) string {
	var notNull, join string
	for i, c := range fk.Columns {
		if i > 0 {
			notNull += " AND "
			join += " AND "
		}
		notNull += "c." + quoteIdent(c) + " IS NOT NULL"
		join += "p." + quoteIdent(fk.ReferencedColumns[i]) + " = c." + quoteIdent(c)
	}
	return fmt.Sprintf("SELECT COUNT(*) FROM %s c WHERE %s AND NOT EXISTS (SELECT 1 FROM %s p WHERE %s)",
		child, notNull, parent, join)
}
