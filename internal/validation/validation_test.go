package validation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dnl0037/db-migrations/internal/model"
	"github.com/dnl0037/db-migrations/internal/schema"
	"github.com/dnl0037/db-migrations/internal/source"
	"github.com/dnl0037/db-migrations/internal/target"
)

type fakeInspector struct {
	counts   map[model.Kind]int64
	orphans  map[string]int64 // by fk name
	lines    []target.LineTotal
	countErr error
}

func (f *fakeInspector) Count(_ context.Context, k model.Kind) (int64, error) {
	return f.counts[k], f.countErr
}

func (f *fakeInspector) Orphans(_ context.Context, _ string, fk schema.ForeignKey) (int64, error) {
	return f.orphans[fk.Name], nil
}

func (f *fakeInspector) LineTotals(_ context.Context, fn func(target.LineTotal) error) error {
	for _, lt := range f.lines {
		if err := fn(lt); err != nil {
			return err
		}
	}
	return nil
}

func line(id int64, qty int, unit, subtotal string) target.LineTotal {
	return target.LineTotal{
		ID: id, Quantity: qty,
		UnitPrice: decimal.RequireFromString(unit),
		Subtotal:  decimal.RequireFromString(subtotal),
	}
}

func findCheck(r *Result, name string) *Check {
	for i := range r.Checks {
		if r.Checks[i].Name == name {
			return &r.Checks[i]
		}
	}
	return nil
}

func TestValidate_AllPass(t *testing.T) {
	insp := &fakeInspector{
		counts: map[model.Kind]int64{model.KindUser: 2, model.KindOrderItem: 2},
		lines:  []target.LineTotal{line(1, 3, "19.99", "59.97"), line(2, 1, "0.10", "0.10")},
	}
	var notified int
	v := &Validator{
		Target:   insp,
		Expect:   Expectations{Loaded: map[model.Kind]int64{model.KindUser: 2, model.KindOrderItem: 2}, Exact: true},
		Callback: func(Check) { notified++ },
	}
	result, err := v.Validate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusPass {
		t.Errorf("status = %s, checks = %+v", result.Status, result.Checks)
	}
	// 7 foreign keys + 1 subtotal + 2 row counts
	if len(result.Checks) != 10 || notified != 10 {
		t.Errorf("checks = %d, notified = %d, want 10", len(result.Checks), notified)
	}
	if result.Checks[0].Kind != "orphans" {
		t.Errorf("first check kind = %s, want orphans", result.Checks[0].Kind)
	}
}

func TestValidate_Orphans(t *testing.T) {
	insp := &fakeInspector{orphans: map[string]int64{"orders_user_id_fkey": 3}}
	v := &Validator{Target: insp}
	result, err := v.Validate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := findCheck(result, "orders_user_id_fkey")
	if c == nil || c.Passed() || c.Actual != 3 {
		t.Fatalf("check = %+v", c)
	}
	if !strings.Contains(c.Message, "3 orders rows") {
		t.Errorf("message = %q", c.Message)
	}
	if result.Status != "PARTIAL" {
		t.Errorf("status = %s, want PARTIAL", result.Status)
	}
}

func TestValidate_Subtotals(t *testing.T) {
	insp := &fakeInspector{lines: []target.LineTotal{
		line(1, 3, "19.99", "59.97"),
		line(2, 3, "19.99", "60.00"),
	}}
	v := &Validator{Target: insp}
	result, _ := v.Validate(context.Background())
	c := findCheck(result, "order_items.subtotal")
	if c == nil || c.Passed() || c.Expected != 2 || c.Actual != 1 {
		t.Fatalf("check = %+v", c)
	}
	if !strings.Contains(c.Message, "[2]") {
		t.Errorf("message = %q", c.Message)
	}
}

func TestValidate_RowCounts(t *testing.T) {
	tests := []struct {
		name   string
		stored int64
		exact  bool
		pass   bool
	}{
		{"exact match", 5, true, true},
		{"exact mismatch", 6, true, false},
		{"appended target", 6, false, true},
		{"missing rows", 4, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			insp := &fakeInspector{counts: map[model.Kind]int64{model.KindUser: tt.stored}}
			v := &Validator{Target: insp, Expect: Expectations{Loaded: map[model.Kind]int64{model.KindUser: 5}, Exact: tt.exact}}
			result, err := v.Validate(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if c := findCheck(result, "users"); c == nil || c.Passed() != tt.pass {
				t.Errorf("check = %+v, want pass=%v", c, tt.pass)
			}
		})
	}
}

func TestValidate_SourceCounts(t *testing.T) {
	src := &source.MockReader{Tables: map[string][]model.RawRecord{
		"old_users": {{"id": int64(1)}, {"id": int64(2)}},
	}}
	v := &Validator{
		Target: &fakeInspector{},
		Source: src,
		Expect: Expectations{Read: map[model.EntityType]int64{model.EntityUsers: 1}},
	}
	result, err := v.Validate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	c := findCheck(result, "users")
	if c == nil || c.Kind != "source_count" || c.Passed() {
		t.Errorf("check = %+v", c)
	}
}

func TestValidate_InspectorError(t *testing.T) {
	boom := errors.New("connection lost")
	v := &Validator{
		Target: &fakeInspector{countErr: boom},
		Expect: Expectations{Loaded: map[model.Kind]int64{model.KindUser: 1}},
	}
	if _, err := v.Validate(context.Background()); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}

func TestValidate_MockStore(t *testing.T) {
	ctx := context.Background()
	store := target.NewMockStore()
	tx, _ := store.Begin(ctx)
	u := &model.User{ID: 1, OldID: 1, Username: "alice", Email: "a@x.com", RegistrationDate: time.Now(),
		Address: &model.Address{ID: 1, UserID: 1, Street: "1 Main", City: "X", ZipCode: "1", Country: "USA"}}
	if err := tx.Insert(ctx, u); err != nil {
		t.Fatal(err)
	}
	tx.Commit(ctx)

	v := &Validator{Target: store, Expect: Expectations{Loaded: map[model.Kind]int64{model.KindUser: 1}, Exact: true}}
	result, err := v.Validate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusPass {
		t.Errorf("status = %s: %+v", result.Status, result.Checks)
	}
}

func TestComputeOverallStatus(t *testing.T) {
	pass := Check{Status: StatusPass}
	fail := Check{Status: StatusFail}
	tests := []struct {
		checks []Check
		want   string
	}{
		{nil, StatusPass},
		{[]Check{pass, pass}, StatusPass},
		{[]Check{fail}, StatusFail},
		{[]Check{pass, fail}, "PARTIAL"},
	}
	for _, tt := range tests {
		if got := computeOverallStatus(tt.checks); got != tt.want {
			t.Errorf("computeOverallStatus(%v) = %s, want %s", tt.checks, got, tt.want)
		}
	}
}
