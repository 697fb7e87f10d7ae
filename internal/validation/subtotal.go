package validation

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dnl0037/db-migrations/internal/target"
)

// maxListed caps the line ids named in a failed subtotal check.
const maxListed = 10

// validateSubtotals requires subtotal = quantity x unit price exactly on
// every stored order line.
func (v *Validator) validateSubtotals(ctx context.Context) ([]Check, error) {
	var (
		lines int64
		bad   []int64
	)
	err := v.Target.LineTotals(ctx, func(lt target.LineTotal) error {
		lines++
		want := lt.UnitPrice.Mul(decimal.NewFromInt(int64(lt.Quantity)))
		if !want.Equal(lt.Subtotal) {
			bad = append(bad, lt.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading order line totals: %w", err)
	}

	c := Check{
		Name:     "order_items.subtotal",
		Kind:     "subtotal",
		Status:   statusOf(len(bad) == 0),
		Expected: lines,
		Actual:   lines - int64(len(bad)),
	}
	if len(bad) > 0 {
		listed := bad
		if len(listed) > maxListed {
			listed = listed[:maxListed]
		}
		c.Message = fmt.Sprintf("%d of %d lines disagree, e.g. ids %v", len(bad), lines, listed)
	}
	v.notify(c)
	return []Check{c}, nil
}
