package source

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dnl0037/db-migrations/internal/model"
)

var (
	// ErrUnavailable means the source could not be reached or queried.
	ErrUnavailable = errors.New("source unavailable")
	// ErrSchemaMismatch means a table or expected column is missing. It is fatal.
	ErrSchemaMismatch = errors.New("source schema mismatch")
)

// Reader provides read-only, key-ordered access to the dirty source tables.
type Reader interface {
	Connect(ctx context.Context) error
	// FetchAfter returns up to limit rows with key > afterKey, ordered by key.
	FetchAfter(ctx context.Context, table model.SourceTable, afterKey int64, limit int) ([]model.RawRecord, error)
	RowCount(ctx context.Context, table string) (int64, error)
	Close() error
}

// CheckColumns verifies that every expected column is present in the result shape.
func CheckColumns(table model.SourceTable, got []string) error {
	have := make(map[string]bool, len(got))
	for _, c := range got {
		have[strings.ToLower(c)] = true
	}
	var missing []string
	for _, c := range table.Columns {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s is missing columns %s", ErrSchemaMismatch, table.Name, strings.Join(missing, ", "))
	}
	return nil
}

// KeyOf extracts the integer primary key from a raw row.
func KeyOf(rec model.RawRecord, column string) (int64, error) {
	switch v := rec[column].(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case []byte:
		return parseKey(string(v))
	case string:
		return parseKey(v)
	case nil:
		return 0, fmt.Errorf("%w: null key column %s", ErrSchemaMismatch, column)
	default:
		return parseKey(fmt.Sprint(v))
	}
}

func parseKey(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: non-integer key %q", ErrSchemaMismatch, s)
	}
	return n, nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
