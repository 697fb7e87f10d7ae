package validation

import (
	"context"
	"fmt"

	"github.com/dnl0037/db-migrations/internal/model"
	"github.com/dnl0037/db-migrations/internal/schema"
)

var primaryKinds = []model.Kind{model.KindUser, model.KindProduct, model.KindOrder, model.KindOrderItem}

// validateRowCounts compares target row counts with the rows the run loaded.
func (v *Validator) validateRowCounts(ctx context.Context) ([]Check, error) {
	var checks []Check
	for _, k := range primaryKinds {
		want, ok := v.Expect.Loaded[k]
		if !ok {
			continue
		}
		got, err := v.Target.Count(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("counting target rows for %s: %w", k, err)
		}

		match := got == want
		if !v.Expect.Exact {
			match = got >= want
		}
		c := Check{Name: string(k), Kind: "row_count", Status: statusOf(match), Expected: want, Actual: got}
		if !match {
			c.Message = fmt.Sprintf("count mismatch: loaded=%d, target=%d (diff=%d)", want, got, want-got)
		}
		v.notify(c)
		checks = append(checks, c)
	}
	return checks, nil
}

// validateSourceCounts compares the source tables with what the run read.
func (v *Validator) validateSourceCounts(ctx context.Context) ([]Check, error) {
	if v.Source == nil {
		return nil, nil
	}
	var checks []Check
	for _, e := range model.DefaultOrder {
		want, ok := v.Expect.Read[e]
		if !ok {
			continue
		}
		table := e.SourceTable().Name
		got, err := v.Source.RowCount(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("counting source rows for %s: %w", table, err)
		}
		c := Check{Name: string(e), Kind: "source_count", Status: statusOf(got == want), Expected: want, Actual: got}
		if got != want {
			c.Message = fmt.Sprintf("source %s has %d rows, run read %d", table, got, want)
		}
		v.notify(c)
		checks = append(checks, c)
	}
	return checks, nil
}

// validateOrphans counts child rows whose reference has no parent, for every
// foreign key of the schema.
func (v *Validator) validateOrphans(ctx context.Context) ([]Check, error) {
	var checks []Check
	for _, t := range v.Schema.Tables {
		for _, fk := range t.ForeignKeys {
			n, err := v.Target.Orphans(ctx, t.Name, fk)
			if err != nil {
				return nil, fmt.Errorf("checking %s: %w", fk.Name, err)
			}
			c := Check{Name: fk.Name, Kind: "orphans", Status: statusOf(n == 0), Actual: n}
			if n > 0 {
				c.Message = orphanMessage(t.Name, fk, n)
			}
			v.notify(c)
			checks = append(checks, c)
		}
	}
	return checks, nil
}

func orphanMessage(table string, fk schema.ForeignKey, n int64) string {
	return fmt.Sprintf("%d %s rows reference a missing %s", n, table, fk.ReferencedTable)
}
