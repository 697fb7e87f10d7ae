package source

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dnl0037/db-migrations/internal/model"
)

// MockReader is a test double for the Reader interface backed by in-memory tables.
type MockReader struct {
	ConnectErr error

	Tables map[string][]model.RawRecord
	// Columns overrides the reported result shape per table.
	Columns map[string][]string
	// FetchErrs are returned, in order, by successive FetchAfter calls before
	// any data is served.
	FetchErrs []error
	// FailAfter makes FetchAfter return FailErr once this many fetches succeeded.
	FailAfter int
	FailErr   error

	mu        sync.Mutex
	Fetches   int
	Connected bool
	Closed    bool
}

func (m *MockReader) Connect(_ context.Context) error {
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.Connected = true
	return nil
}

func (m *MockReader) FetchAfter(_ context.Context, table model.SourceTable, afterKey int64, limit int) ([]model.RawRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.FetchErrs) > 0 {
		err := m.FetchErrs[0]
		m.FetchErrs = m.FetchErrs[1:]
		return nil, err
	}
	if m.FailErr != nil && m.Fetches >= m.FailAfter {
		return nil, m.FailErr
	}
	m.Fetches++

	rows, ok := m.Tables[table.Name]
	if !ok {
		return nil, fmt.Errorf("%w: no table %s", ErrSchemaMismatch, table.Name)
	}

	cols := m.Columns[table.Name]
	if cols == nil {
		cols = table.Columns
	}
	if err := CheckColumns(table, cols); err != nil {
		return nil, err
	}

	sorted := make([]model.RawRecord, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, _ := KeyOf(sorted[i], table.Key)
		b, _ := KeyOf(sorted[j], table.Key)
		return a < b
	})

	var out []model.RawRecord
	for _, row := range sorted {
		k, err := KeyOf(row, table.Key)
		if err != nil {
			return nil, err
		}
		if k <= afterKey {
			continue
		}
		cp := make(model.RawRecord, len(row))
		for c, v := range row {
			cp[c] = v
		}
		out = append(out, cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockReader) RowCount(_ context.Context, table string) (int64, error) {
	rows, ok := m.Tables[table]
	if !ok {
		return 0, fmt.Errorf("no table %s", table)
	}
	return int64(len(rows)), nil
}

func (m *MockReader) Close() error {
	m.Closed = true
	return nil
}
