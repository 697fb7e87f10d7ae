// Package target writes normalized entities into the target store.
package target

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dnl0037/db-migrations/internal/mapping"
	"github.com/dnl0037/db-migrations/internal/model"
	"github.com/dnl0037/db-migrations/internal/schema"
)

var (
	// ErrUnavailable means the target could not be reached.
	ErrUnavailable = errors.New("target unavailable")
	// ErrConstraint marks a row rejected by a target constraint.
	ErrConstraint = errors.New("target constraint violation")
	// ErrTransient marks failures worth retrying: lost connections,
	// serialization conflicts, deadlocks and timeouts.
	ErrTransient = errors.New("transient target error")
)

// ConstraintError is a row-level constraint violation.
type ConstraintError struct {
	Constraint string
	Unique     bool
	Err        error
}

func (e *ConstraintError) Error() string {
	kind := "constraint"
	if e.Unique {
		kind = "unique constraint"
	}
	return fmt.Sprintf("%s %s violated: %v", kind, e.Constraint, e.Err)
}

func (e *ConstraintError) Is(target error) bool { return target == ErrConstraint }

// loadOrder is the target schema with tables in creation and insert order.
func loadOrder() (*schema.Schema, error) {
	return mapping.SortSchema(schema.Target())
}
func (e *ConstraintError) Unwrap() error        { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Store is a target database.
type Store interface {
	Connect(ctx context.Context) error
	// Begin opens the transaction one batch is loaded in.
	Begin(ctx context.Context) (Tx, error)
	// Clear deletes every row of the entity type's tables, children first.
	Clear(ctx context.Context, entity model.EntityType) error
	// MaxKey returns the largest key currently stored for kind, or 0.
	MaxKey(ctx context.Context, kind model.Kind) (int64, error)
	// EnsureSchema creates missing target tables and indexes.
	EnsureSchema(ctx context.Context) error
	// ForeignKeys reports live foreign keys by child table.
	ForeignKeys(ctx context.Context) (map[string][]schema.ForeignKey, error)
	Close(ctx context.Context) error
}

// Tx is one batch transaction.
type Tx interface {
	// Insert writes one entity and everything it owns. A failed Insert leaves
	// nothing of the entity behind and the transaction usable.
	Insert(ctx context.Context, e model.Entity) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// LineTotal is one stored order line, read back for verification.
type LineTotal struct {
	ID        int64
	Quantity  int
	UnitPrice decimal.Decimal
	Subtotal  decimal.Decimal
}

// Inspector reads back loaded data for post-load verification.
type Inspector interface {
	Count(ctx context.Context, kind model.Kind) (int64, error)
	// Orphans counts rows of table whose non-null fk columns match no parent.
	Orphans(ctx context.Context, table string, fk schema.ForeignKey) (int64, error)
	LineTotals(ctx context.Context, fn func(LineTotal) error) error
}

// ClearOrder returns the entity type's tables children first.
func ClearOrder(entity model.EntityType) []model.Kind {
	kinds := entity.Kinds()
	out := make([]model.Kind, len(kinds))
	for i, k := range kinds {
		out[len(kinds)-1-i] = k
	}
	return out
}
