package target

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/dnl0037/db-migrations/internal/model"
	"github.com/dnl0037/db-migrations/internal/schema"
)

// MockStore is an in-memory Store that enforces the target schema's keys,
// unique indexes and foreign keys.
type MockStore struct {
	ConnectErr error
	ClearErr   error
	// BeginErrs and CommitErrs are consumed one per call.
	BeginErrs  []error
	CommitErrs []error
	// InsertErr, when set, can fail individual inserts.
	InsertErr func(e model.Entity) error

	// Track calls
	Connected bool
	Closed    bool
	Begins    int
	Commits   int
	Rollbacks int
	Cleared   []model.EntityType

	mu     sync.Mutex
	tables map[string]map[int64]map[string]any
}

// NewMockStore returns an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

func (m *MockStore) table(name string) map[int64]map[string]any {
	if m.tables == nil {
		m.tables = make(map[string]map[int64]map[string]any)
	}
	if m.tables[name] == nil {
		m.tables[name] = make(map[int64]map[string]any)
	}
	return m.tables[name]
}

// Rows returns a copy of a table's rows keyed by id.
func (m *MockStore) Rows(kind model.Kind) map[int64]map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]map[string]any)
	for id, r := range m.table(string(kind)) {
		out[id] = r
	}
	return out
}

func (m *MockStore) Connect(_ context.Context) error {
	if m.ConnectErr != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, m.ConnectErr)
	}
	m.Connected = true
	return nil
}

func (m *MockStore) Begin(_ context.Context) (Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Begins++
	if len(m.BeginErrs) > 0 {
		err := m.BeginErrs[0]
		m.BeginErrs = m.BeginErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &mockTx{store: m}, nil
}

func (m *MockStore) Clear(_ context.Context, entity model.EntityType) error {
	if m.ClearErr != nil {
		return m.ClearErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range ClearOrder(entity) {
		for _, fk := range m.referencing(string(k)) {
			for _, r := range m.table(fk.table) {
				if r[fk.Columns[0]] != nil && !m.clearing(fk.table, entity) {
					return &ConstraintError{Constraint: fk.Name, Err: fmt.Errorf("%s still referenced by %s", k, fk.table)}
				}
			}
		}
		delete(m.tables, string(k))
	}
	m.Cleared = append(m.Cleared, entity)
	return nil
}

func (m *MockStore) clearing(table string, entity model.EntityType) bool {
	for _, k := range entity.Kinds() {
		if string(k) == table {
			return true
		}
	}
	return false
}

type childFK struct {
	schema.ForeignKey
	table string
}

func (m *MockStore) referencing(parent string) []childFK {
	var out []childFK
	for _, t := range schema.Target().Tables {
		for _, fk := range t.ForeignKeys {
			if fk.ReferencedTable == parent {
				out = append(out, childFK{ForeignKey: fk, table: t.Name})
			}
		}
	}
	return out
}

func (m *MockStore) MaxKey(_ context.Context, kind model.Kind) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var key int64
	for id := range m.table(string(kind)) {
		if id > key {
			key = id
		}
	}
	return key, nil
}

func (m *MockStore) EnsureSchema(_ context.Context) error { return nil }

func (m *MockStore) ForeignKeys(_ context.Context) (map[string][]schema.ForeignKey, error) {
	return nil, nil
}

func (m *MockStore) Close(_ context.Context) error {
	m.Closed = true
	return nil
}

func (m *MockStore) Count(_ context.Context, kind model.Kind) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.table(string(kind)))), nil
}

func (m *MockStore) Orphans(_ context.Context, table string, fk schema.ForeignKey) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	parents := m.table(fk.ReferencedTable)
	for _, r := range m.table(table) {
		ref, ok := r[fk.Columns[0]].(int64)
		if !ok {
			continue
		}
		if _, found := parents[ref]; !found {
			n++
		}
	}
	return n, nil
}

func (m *MockStore) LineTotals(_ context.Context, fn func(LineTotal) error) error {
	m.mu.Lock()
	items := m.table(string(model.KindOrderItem))
	ids := make([]int64, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	lines := make([]LineTotal, 0, len(ids))
	for _, id := range ids {
		r := items[id]
		lines = append(lines, LineTotal{
			ID:        id,
			Quantity:  r["quantity"].(int),
			UnitPrice: r["unit_price_at_purchase"].(decimal.Decimal),
			Subtotal:  r["subtotal"].(decimal.Decimal),
		})
	}
	m.mu.Unlock()

	for _, lt := range lines {
		if err := fn(lt); err != nil {
			return err
		}
	}
	return nil
}

type mockRow struct {
	table  string
	id     int64
	values map[string]any
}

type mockTx struct {
	store   *MockStore
	pending []mockRow
	done    bool
}

func (t *mockTx) lookup(table string, id int64) bool {
	if _, ok := t.store.table(table)[id]; ok {
		return true
	}
	for _, p := range t.pending {
		if p.table == table && p.id == id {
			return true
		}
	}
	return false
}

func (t *mockTx) rows(table string) []map[string]any {
	var out []map[string]any
	for _, r := range t.store.table(table) {
		out = append(out, r)
	}
	for _, p := range t.pending {
		if p.table == table {
			out = append(out, p.values)
		}
	}
	return out
}

func (t *mockTx) Insert(_ context.Context, e model.Entity) error {
	if t.done {
		return errors.New("transaction already finished")
	}
	if t.store.InsertErr != nil {
		if err := t.store.InsertErr(e); err != nil {
			return err
		}
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	mark := len(t.pending)
	if p, ok := e.(*model.Product); ok {
		p.CategoryID = t.category(p.CategoryName)
	}
	rows, err := rowsOf(e)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := t.check(r); err != nil {
			t.pending = t.pending[:mark]
			return err
		}
		t.pending = append(t.pending, mockRow{table: r.table, id: r.values[0].(int64), values: columnValues(r)})
	}
	return nil
}

// category finds or creates a category by name inside the transaction.
func (t *mockTx) category(name string) int64 {
	var key int64
	for _, r := range t.rows(string(model.KindCategory)) {
		id := r["id"].(int64)
		if r["name"] == name {
			return id
		}
		if id > key {
			key = id
		}
	}
	key++
	t.pending = append(t.pending, mockRow{
		table:  string(model.KindCategory),
		id:     key,
		values: map[string]any{"id": key, "name": name},
	})
	return key
}

func (t *mockTx) check(r row) error {
	tbl := schema.Target().Table(r.table)
	values := columnValues(r)
	id := values["id"].(int64)
	if t.lookup(r.table, id) {
		return &ConstraintError{Constraint: r.table + "_pkey", Unique: true, Err: errors.New("duplicate key")}
	}
	for _, idx := range tbl.UniqueIndexes() {
		want := uniqueKey(r.table, idx, values)
		for _, other := range t.rows(r.table) {
			if uniqueKey(r.table, idx, other) == want {
				return &ConstraintError{Constraint: idx.Name, Unique: true, Err: errors.New("duplicate key")}
			}
		}
	}
	for _, fk := range tbl.ForeignKeys {
		ref, ok := values[fk.Columns[0]].(int64)
		if !ok {
			continue
		}
		if !t.lookup(fk.ReferencedTable, ref) {
			return &ConstraintError{Constraint: fk.Name, Err: fmt.Errorf("no %s with id %d", fk.ReferencedTable, ref)}
		}
	}
	return nil
}

func (t *mockTx) Commit(_ context.Context) error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if len(t.store.CommitErrs) > 0 {
		err := t.store.CommitErrs[0]
		t.store.CommitErrs = t.store.CommitErrs[1:]
		if err != nil {
			return err
		}
	}
	t.done = true
	for _, p := range t.pending {
		t.store.table(p.table)[p.id] = p.values
	}
	t.store.Commits++
	return nil
}

func (t *mockTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.pending = nil
	t.store.mu.Lock()
	t.store.Rollbacks++
	t.store.mu.Unlock()
	return nil
}
