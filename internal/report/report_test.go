package report

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/dnl0037/db-migrations/internal/model"
	"github.com/dnl0037/db-migrations/internal/validation"
)

func sampleReport() *MigrationReport {
	r := New(model.DefaultOrder)
	r.Source = Endpoint{Type: "postgres", Database: "legacy"}
	r.Target = Endpoint{Type: "sqlite", Database: "target.db"}
	r.BatchSize = 500

	users := r.Entity(model.EntityUsers)
	users.Counts.Read = 2
	users.Counts.Validated = 1
	users.Counts.Loaded = 1
	users.Reject(model.Reject(model.EntityUsers, 2, model.StageClean, model.CodeMissingField, "email", ""))
	users.State = "completed"
	return r
}

func TestJSON_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "run.json")
	r := sampleReport()
	r.Validation = &validation.Result{Status: "PASS"}
	r.Finish()

	if err := Write(r, path); err != nil {
		t.Fatalf("Write: %v", err)
	}
	loaded, err := ReadJSON(path)
	if err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}

	if loaded.RunID != r.RunID || loaded.Version != "1" {
		t.Errorf("run id = %q, version = %q", loaded.RunID, loaded.Version)
	}
	if loaded.Status != StatusCompletedWithIssue {
		t.Errorf("status = %s", loaded.Status)
	}
	u := loaded.Entity(model.EntityUsers)
	want := Counts{Read: 2, Validated: 1, Rejected: 1, Loaded: 1}
	if u.Counts != want {
		t.Errorf("counts = %+v, want %+v", u.Counts, want)
	}
	if len(u.Issues) != 1 || u.Issues[0].Reason != "missing_mandatory_field:email" || u.Issues[0].OldKey != 2 {
		t.Errorf("issues = %+v", u.Issues)
	}
	if loaded.Validation == nil || loaded.Validation.Status != "PASS" {
		t.Error("validation result lost")
	}
}

func TestNew_UniqueRunIDs(t *testing.T) {
	if New(nil).RunID == New(nil).RunID {
		t.Error("run ids should differ")
	}
}

func TestFinish(t *testing.T) {
	r := New(model.DefaultOrder)
	r.Finish()
	if r.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", r.Status)
	}

	r = New(model.DefaultOrder)
	r.Status = StatusCancelled
	r.Finish()
	if r.Status != StatusCancelled || r.FinishedAt.IsZero() {
		t.Errorf("cancelled run finished as %s", r.Status)
	}
}

func TestCounts_Check(t *testing.T) {
	tests := []struct {
		name string
		c    Counts
		ok   bool
	}{
		{"consistent", Counts{Read: 5, Validated: 3, Rejected: 2, Loaded: 2, LoadFailed: 1}, true},
		{"read mismatch", Counts{Read: 5, Validated: 3, Rejected: 1, Loaded: 3}, false},
		{"load mismatch", Counts{Read: 3, Validated: 3, Loaded: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.c.Check(); (err == nil) != tt.ok {
				t.Errorf("Check() = %v", err)
			}
		})
	}
}

func TestTotals(t *testing.T) {
	r := sampleReport()
	orders := r.Entity(model.EntityOrders)
	orders.Counts = Counts{Read: 3, Validated: 3, Loaded: 2, LoadFailed: 1}
	got := r.Totals()
	if got.Read != 5 || got.Loaded != 3 || got.LoadFailed != 1 || got.Rejected != 1 {
		t.Errorf("totals = %+v", got)
	}
}

func TestFormatText(t *testing.T) {
	r := sampleReport()
	r.Entity(model.EntityOrderLines).Adjust(Adjustment{OldKey: 9, Field: "subtotal", Source: "70.00", Stored: "59.97"})
	r.Finish()
	text := FormatText(r)

	for _, want := range []string{
		"=== Migration Report ===",
		"Status:    completed_with_issues",
		"users [completed]",
		"read=2 validated=1 rejected=1 loaded=1 load_failed=0",
		"- 2 missing_mandatory_field:email",
		"~ 9 subtotal: source 70.00, stored 59.97",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("text report missing %q:\n%s", want, text)
		}
	}
}

func TestSummary(t *testing.T) {
	r := sampleReport()
	r.Finish()
	out := Summary(r, 0)
	if !strings.Contains(out, "users") || !strings.Contains(out, "total") {
		t.Errorf("summary missing rows:\n%s", out)
	}
	if !strings.Contains(out, "1 more issues") {
		t.Errorf("summary should point at the report file:\n%s", out)
	}
}
