// Package validation verifies a loaded target: no orphaned references,
// exact line subtotals, and row counts that agree with the last report.
package validation

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dnl0037/db-migrations/internal/model"
	"github.com/dnl0037/db-migrations/internal/schema"
	"github.com/dnl0037/db-migrations/internal/source"
	"github.com/dnl0037/db-migrations/internal/target"
)

// Check statuses.
const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
)

// Result holds the outcome of post-load validation.
type Result struct {
	Status      string    `json:"status"` // PASS, FAIL, PARTIAL
	Checks      []Check   `json:"checks"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Check is one verification.
type Check struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"` // orphans, subtotal, row_count, source_count
	Status   string `json:"status"`
	Expected int64  `json:"expected"`
	Actual   int64  `json:"actual"`
	Message  string `json:"message,omitempty"`
}

// Passed reports whether the check passed.
func (c Check) Passed() bool { return c.Status == StatusPass }

// Expectations come from the report of the run being verified.
type Expectations struct {
	// Loaded is the number of rows loaded per kind.
	Loaded map[model.Kind]int64
	// Exact requires target counts to equal Loaded; otherwise the target may
	// hold additional rows from earlier runs.
	Exact bool
	// Read is the number of source rows read per entity type.
	Read map[model.EntityType]int64
}

// Validator performs post-load validation.
type Validator struct {
	Target target.Inspector
	// Source is optional; with Expect.Read it enables source count checks.
	Source   source.Reader
	Schema   *schema.Schema
	Expect   Expectations
	Callback func(check Check)

	mu sync.Mutex
}

// Validate runs every check concurrently. Checks are returned in a stable
// order: orphans, subtotals, row counts, source counts.
func (v *Validator) Validate(ctx context.Context) (*Result, error) {
	result := &Result{StartedAt: time.Now()}
	if v.Schema == nil {
		v.Schema = schema.Target()
	}

	var orphans, subtotals, counts, sources []Check
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		orphans, err = v.validateOrphans(gctx)
		return err
	})
	g.Go(func() (err error) {
		subtotals, err = v.validateSubtotals(gctx)
		return err
	})
	g.Go(func() (err error) {
		counts, err = v.validateRowCounts(gctx)
		return err
	})
	g.Go(func() (err error) {
		sources, err = v.validateSourceCounts(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, group := range [][]Check{orphans, subtotals, counts, sources} {
		result.Checks = append(result.Checks, group...)
	}
	result.CompletedAt = time.Now()
	result.Status = computeOverallStatus(result.Checks)
	return result, nil
}

func (v *Validator) notify(c Check) {
	if v.Callback == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Callback(c)
}

func computeOverallStatus(checks []Check) string {
	if len(checks) == 0 {
		return StatusPass
	}
	failCount := 0
	for _, c := range checks {
		if c.Status == StatusFail {
			failCount++
		}
	}
	if failCount == 0 {
		return StatusPass
	}
	if failCount == len(checks) {
		return StatusFail
	}
	return "PARTIAL"
}

func statusOf(ok bool) string {
	if ok {
		return StatusPass
	}
	return StatusFail
}
