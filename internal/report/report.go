package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dnl0037/db-migrations/internal/model"
	"github.com/dnl0037/db-migrations/internal/validation"
)

// Run outcomes.
const (
	StatusRunning            = "running"
	StatusCompleted          = "completed"
	StatusCompletedWithIssue = "completed_with_issues"
	StatusCancelled          = "cancelled"
	StatusAborted            = "aborted"
)

// MigrationReport is the outcome of one run.
type MigrationReport struct {
	Version    string             `json:"version"`
	RunID      string             `json:"run_id"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at,omitzero"`
	Status     string             `json:"status"`
	Source     Endpoint           `json:"source"`
	Target     Endpoint           `json:"target"`
	BatchSize  int                `json:"batch_size"`
	Cleared    bool               `json:"cleared"`
	Entities   []*EntityReport    `json:"entities"`
	Validation *validation.Result `json:"validation,omitempty"`
	Fatal      string             `json:"fatal,omitempty"`
}

// Endpoint describes one side of the migration.
type Endpoint struct {
	Type     string `json:"type"`
	Database string `json:"database,omitempty"`
	Topology string `json:"topology,omitempty"`
}

// Counts are the per-entity tallies. Read = Validated + Rejected and
// Validated = Loaded + LoadFailed once an entity type has finished.
type Counts struct {
	Read       int `json:"read"`
	Validated  int `json:"validated"`
	Rejected   int `json:"rejected"`
	Loaded     int `json:"loaded"`
	LoadFailed int `json:"load_failed"`
	Defaulted  int `json:"defaulted"`
}

// Add sums two counts.
func (c Counts) Add(o Counts) Counts {
	return Counts{
		Read:       c.Read + o.Read,
		Validated:  c.Validated + o.Validated,
		Rejected:   c.Rejected + o.Rejected,
		Loaded:     c.Loaded + o.Loaded,
		LoadFailed: c.LoadFailed + o.LoadFailed,
		Defaulted:  c.Defaulted + o.Defaulted,
	}
}

// Check verifies the count identities.
func (c Counts) Check() error {
	if c.Read != c.Validated+c.Rejected {
		return fmt.Errorf("read %d != validated %d + rejected %d", c.Read, c.Validated, c.Rejected)
	}
	if c.Validated != c.Loaded+c.LoadFailed {
		return fmt.Errorf("validated %d != loaded %d + load_failed %d", c.Validated, c.Loaded, c.LoadFailed)
	}
	return nil
}

// Issue is one rejected or failed source row.
type Issue struct {
	OldKey int64       `json:"old_key"`
	Stage  model.Stage `json:"stage"`
	Reason string      `json:"reason"`
	Detail string      `json:"detail,omitempty"`
}

// Adjustment records a derived value that disagreed with the source.
type Adjustment struct {
	OldKey int64  `json:"old_key"`
	Field  string `json:"field"`
	Source string `json:"source"`
	Stored string `json:"stored"`
}

// EntityReport is the outcome of one entity type.
type EntityReport struct {
	Entity        model.EntityType `json:"entity"`
	State         string           `json:"state"` // pending, running, completed, failed
	Counts        Counts           `json:"counts"`
	Batches       int              `json:"batches"`
	FailedBatches int              `json:"failed_batches"`
	Issues        []Issue          `json:"issues"`
	Adjustments   []Adjustment     `json:"adjustments,omitempty"`
	Duration      time.Duration    `json:"duration_ns"`
}

// New starts a report for a run with a fresh run id.
func New(entities []model.EntityType) *MigrationReport {
	r := &MigrationReport{
		Version:   "1",
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Status:    StatusRunning,
	}
	for _, e := range entities {
		r.Entities = append(r.Entities, &EntityReport{Entity: e, State: "pending", Issues: []Issue{}})
	}
	return r
}

// Entity returns the report of an entity type, adding it if missing.
func (r *MigrationReport) Entity(e model.EntityType) *EntityReport {
	for _, er := range r.Entities {
		if er.Entity == e {
			return er
		}
	}
	er := &EntityReport{Entity: e, State: "pending", Issues: []Issue{}}
	r.Entities = append(r.Entities, er)
	return er
}

// Totals sums the counts of every entity type.
func (r *MigrationReport) Totals() Counts {
	var c Counts
	for _, e := range r.Entities {
		c = c.Add(e.Counts)
	}
	return c
}

// IssueCount returns the number of rejected and failed rows.
func (r *MigrationReport) IssueCount() int {
	n := 0
	for _, e := range r.Entities {
		n += len(e.Issues)
	}
	return n
}

// Finish stamps the end time and derives the final status unless the run
// was cancelled or aborted.
func (r *MigrationReport) Finish() {
	r.FinishedAt = time.Now().UTC()
	if r.Status != StatusRunning {
		return
	}
	r.Status = StatusCompleted
	if r.IssueCount() > 0 {
		r.Status = StatusCompletedWithIssue
	}
}

// Duration is the wall time of the run so far.
func (r *MigrationReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Reject records a row that never reached the loader.
func (e *EntityReport) Reject(rej *model.Rejection) {
	e.Counts.Rejected++
	e.Issues = append(e.Issues, issueOf(rej))
}

// Fail records a validated row the loader could not store.
func (e *EntityReport) Fail(rej *model.Rejection) {
	e.Counts.LoadFailed++
	e.Issues = append(e.Issues, issueOf(rej))
}

// Adjust records a recomputed value.
func (e *EntityReport) Adjust(a Adjustment) {
	e.Adjustments = append(e.Adjustments, a)
}

func issueOf(rej *model.Rejection) Issue {
	return Issue{OldKey: rej.OldKey, Stage: rej.Stage, Reason: rej.Reason.String(), Detail: rej.Detail}
}

// WriteJSON writes the report as JSON.
func WriteJSON(report *MigrationReport, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadJSON reads a report from a JSON file.
func ReadJSON(path string) (*MigrationReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}
	r := &MigrationReport{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("parsing report: %w", err)
	}
	return r, nil
}

// WriteText writes the report as human-readable text.
func WriteText(report *MigrationReport, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	return os.WriteFile(path, []byte(FormatText(report)), 0o644)
}

// Write writes the report as JSON, or as text when path ends in .txt.
func Write(report *MigrationReport, path string) error {
	if strings.HasSuffix(path, ".txt") {
		return WriteText(report, path)
	}
	return WriteJSON(report, path)
}

// FormatText renders the report as human-readable text.
func FormatText(report *MigrationReport) string {
	var b strings.Builder

	b.WriteString("=== Migration Report ===\n")
	b.WriteString(fmt.Sprintf("Run:       %s\n", report.RunID))
	b.WriteString(fmt.Sprintf("Started:   %s\n", report.StartedAt.Format(time.RFC3339)))
	if !report.FinishedAt.IsZero() {
		b.WriteString(fmt.Sprintf("Finished:  %s (%s)\n", report.FinishedAt.Format(time.RFC3339), report.Duration().Round(time.Millisecond)))
	}
	b.WriteString(fmt.Sprintf("Status:    %s\n", report.Status))
	b.WriteString(fmt.Sprintf("Source:    %s\n", describe(report.Source)))
	b.WriteString(fmt.Sprintf("Target:    %s\n", describe(report.Target)))
	b.WriteString(fmt.Sprintf("BatchSize: %d  Cleared: %v\n", report.BatchSize, report.Cleared))
	if report.Fatal != "" {
		b.WriteString(fmt.Sprintf("Fatal:     %s\n", report.Fatal))
	}
	b.WriteString("\n")

	for _, e := range report.Entities {
		c := e.Counts
		b.WriteString(fmt.Sprintf("%s [%s]\n", e.Entity, e.State))
		b.WriteString(fmt.Sprintf("  read=%d validated=%d rejected=%d loaded=%d load_failed=%d defaulted=%d\n",
			c.Read, c.Validated, c.Rejected, c.Loaded, c.LoadFailed, c.Defaulted))
		if e.FailedBatches > 0 {
			b.WriteString(fmt.Sprintf("  failed batches: %d of %d\n", e.FailedBatches, e.Batches))
		}
		for _, is := range e.Issues {
			b.WriteString(fmt.Sprintf("  - %d %s", is.OldKey, is.Reason))
			if is.Detail != "" {
				b.WriteString(" (" + is.Detail + ")")
			}
			b.WriteString("\n")
		}
		for _, a := range e.Adjustments {
			b.WriteString(fmt.Sprintf("  ~ %d %s: source %s, stored %s\n", a.OldKey, a.Field, a.Source, a.Stored))
		}
		b.WriteString("\n")
	}

	if report.Validation != nil {
		b.WriteString(fmt.Sprintf("Validation: %s\n", report.Validation.Status))
		for _, c := range report.Validation.Checks {
			b.WriteString(fmt.Sprintf("  [%s] %s: %s\n", c.Status, c.Name, c.Message))
		}
	}
	return b.String()
}

func describe(e Endpoint) string {
	s := e.Type
	if e.Database != "" {
		s += " " + e.Database
	}
	if e.Topology != "" {
		s += " (" + e.Topology + ")"
	}
	return s
}
