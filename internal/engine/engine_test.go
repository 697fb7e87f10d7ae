package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/dnl0037/db-migrations/internal/config"
	"github.com/dnl0037/db-migrations/internal/lock"
	"github.com/dnl0037/db-migrations/internal/migration"
	"github.com/dnl0037/db-migrations/internal/model"
	"github.com/dnl0037/db-migrations/internal/report"
	"github.com/dnl0037/db-migrations/internal/source"
	"github.com/dnl0037/db-migrations/internal/target"
	"github.com/dnl0037/db-migrations/internal/validation"
)

func testEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	tmpDir := t.TempDir()
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.Report.Directory = filepath.Join(tmpDir, "reports")
	e := New(cfg, slog.New(slog.DiscardHandler))
	e.statePath = filepath.Join(tmpDir, "state.yaml")
	e.lockPath = filepath.Join(tmpDir, "dbmigrate.lock")
	return e
}

func withMocks(e *Engine, src *source.MockReader, store *target.MockStore) {
	e.newSource = func(config.SourceConfig) (source.Reader, error) { return src, nil }
	e.newTarget = func(config.TargetConfig) (Store, error) { return store, nil }
}

func mockUsers() *source.MockReader {
	return &source.MockReader{Tables: map[string][]model.RawRecord{
		"old_users": {
			{"id": int64(1), "username": "alice", "email": "alice@x.com"},
			{"id": int64(2), "username": "bob", "email": "not-an-email"},
		},
		"old_products": {},
		"old_orders":   {},
	}}
}

func TestNew(t *testing.T) {
	cfg := &config.Config{Version: 1}
	e := New(cfg, nil)
	if e.Config != cfg {
		t.Error("Config not set")
	}
	if e.Logger == nil {
		t.Error("Logger not set")
	}
}

func TestNewSource(t *testing.T) {
	tests := []struct {
		typ string
		ok  bool
	}{
		{"postgresql", true},
		{"sqlite", true},
		{"oracle", true},
		{"mysql", false},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			r, err := NewSource(config.SourceConfig{Type: tt.typ, Host: "h", Database: "d", Path: "x.db"})
			if (err == nil) != tt.ok || (r != nil) != tt.ok {
				t.Errorf("NewSource(%s) = %v, %v", tt.typ, r, err)
			}
		})
	}
}

func TestNewTarget(t *testing.T) {
	tests := []struct {
		typ  string
		want string
	}{
		{"postgresql", "*target.PostgresStore"},
		{"sqlite", "*target.SQLiteStore"},
		{"mongodb", "*target.MongoStore"},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			s, err := NewTarget(config.TargetConfig{Type: tt.typ, Path: "x.db", ConnectionString: "mongodb://localhost", Database: "d"})
			if err != nil {
				t.Fatal(err)
			}
			if got := fmt.Sprintf("%T", s); got != tt.want {
				t.Errorf("NewTarget(%s) = %s, want %s", tt.typ, got, tt.want)
			}
		})
	}
	if _, err := NewTarget(config.TargetConfig{Type: "redis"}); err == nil {
		t.Error("expected error for unsupported target")
	}
}

func TestMigrationConfig(t *testing.T) {
	cfg := config.Default()
	retries := 5
	cfg.Migration.MaxRetries = &retries
	cfg.Migration.Defaults.Country = "Canada"
	cfg.Source.MaxBatchesPerSecond = 2
	e := testEngine(t, cfg)

	mc, err := e.MigrationConfig()
	if err != nil {
		t.Fatal(err)
	}
	if mc.BatchSize != 500 || mc.MaxRetries != 5 || mc.RateLimit != 2 {
		t.Errorf("config = %+v", mc)
	}
	if mc.Clean.DefaultCountry != "Canada" || mc.Clean.DefaultRegistrationDate.Year() != 1970 {
		t.Errorf("clean options = %+v", mc.Clean)
	}
	if len(mc.EntityOrder) != 4 || mc.EntityOrder[0] != model.EntityUsers {
		t.Errorf("order = %v", mc.EntityOrder)
	}
}

func TestMigrate_WithMocks(t *testing.T) {
	e := testEngine(t, nil)
	store := target.NewMockStore()
	withMocks(e, mockUsers(), store)

	var updates int
	res, err := e.Migrate(context.Background(), MigrateOptions{Callback: func(migration.Status) { updates++ }})
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if updates == 0 {
		t.Error("callback never called")
	}

	rep := res.Report
	if rep.Status != report.StatusCompletedWithIssue {
		t.Errorf("status = %s", rep.Status)
	}
	if c := rep.Entity(model.EntityUsers).Counts; c.Loaded != 1 || c.Rejected != 1 {
		t.Errorf("users = %+v", c)
	}
	if rep.Validation == nil || rep.Validation.Status != validation.StatusPass {
		t.Errorf("validation = %+v", rep.Validation)
	}

	if len(res.ReportPaths) != 2 {
		t.Fatalf("report paths = %v", res.ReportPaths)
	}
	for _, p := range res.ReportPaths {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("report %s: %v", p, err)
		}
	}
	loaded, err := report.ReadJSON(res.ReportPaths[0])
	if err != nil || loaded.RunID != rep.RunID {
		t.Errorf("ReadJSON = %v, %v", loaded, err)
	}

	if ms := e.MigrationStatus(); ms.Phase != migration.PhaseCompleted || ms.RunID != rep.RunID {
		t.Errorf("MigrationStatus = %+v", ms)
	}

	st, err := e.Status()
	if err != nil {
		t.Fatal(err)
	}
	if st.LockHeld {
		t.Error("lock not released")
	}
	if st.State.RunID != rep.RunID || st.State.Phase != string(migration.PhaseCompleted) || st.State.IsRunning() {
		t.Errorf("state = %+v", st.State)
	}
	if u := st.State.Entities[model.EntityUsers]; u.Status != "completed" || u.Loaded != 1 {
		t.Errorf("users state = %+v", u)
	}
}

func TestMigrate_LockHeld(t *testing.T) {
	e := testEngine(t, nil)
	withMocks(e, mockUsers(), target.NewMockStore())
	if err := lock.Acquire(e.lockPath); err != nil {
		t.Fatal(err)
	}
	defer lock.Release(e.lockPath)

	_, err := e.Migrate(context.Background(), MigrateOptions{})
	var he *lock.HeldError
	if !errors.As(err, &he) {
		t.Errorf("err = %v, want HeldError", err)
	}
}

func TestMigrate_SourceDown(t *testing.T) {
	e := testEngine(t, nil)
	withMocks(e, &source.MockReader{ConnectErr: errors.New("refused")}, target.NewMockStore())

	res, err := e.Migrate(context.Background(), MigrateOptions{})
	if !errors.Is(err, source.ErrUnavailable) || res != nil {
		t.Fatalf("res = %v, err = %v", res, err)
	}
	st, _ := e.Status()
	if st.State.Status != report.StatusAborted || st.State.Error == "" {
		t.Errorf("state = %+v", st.State)
	}
	if st.LockHeld {
		t.Error("lock not released after failure")
	}
}

func TestMigrate_Overrides(t *testing.T) {
	e := testEngine(t, nil)
	store := target.NewMockStore()
	withMocks(e, mockUsers(), store)

	noClear := false
	path := filepath.Join(t.TempDir(), "run.txt")
	res, err := e.Migrate(context.Background(), MigrateOptions{ClearTarget: &noClear, BatchSize: 1, ReportPath: path})
	if err != nil {
		t.Fatal(err)
	}
	if res.Report.BatchSize != 1 || res.Report.Cleared {
		t.Errorf("report = %+v", res.Report)
	}
	if len(store.Cleared) != 0 {
		t.Errorf("cleared = %v", store.Cleared)
	}
	data, err := os.ReadFile(path)
	if err != nil || !strings.Contains(string(data), "=== Migration Report ===") {
		t.Errorf("text report = %q, %v", data, err)
	}
}

func TestMigrate_DryRun(t *testing.T) {
	e := testEngine(t, nil)
	e.Config.Target = config.TargetConfig{Type: "postgresql", Host: "prod", Database: "shop"}
	src := mockUsers()
	e.newSource = func(config.SourceConfig) (source.Reader, error) { return src, nil }

	var got config.TargetConfig
	e.newTarget = func(c config.TargetConfig) (Store, error) {
		got = c
		return NewTarget(c)
	}

	res, err := e.Migrate(context.Background(), MigrateOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != "sqlite" || !strings.Contains(got.Path, "dbmigrate-dryrun-") {
		t.Errorf("dry run target = %+v", got)
	}
	if _, err := os.Stat(got.Path); !os.IsNotExist(err) {
		t.Error("scratch database should be removed")
	}
	if !strings.Contains(res.Report.Target.Database, "dry run") {
		t.Errorf("target = %+v", res.Report.Target)
	}
	if c := res.Report.Entity(model.EntityUsers).Counts; c.Loaded != 1 {
		t.Errorf("users = %+v", c)
	}
}

func TestClear(t *testing.T) {
	e := testEngine(t, nil)
	store := target.NewMockStore()
	withMocks(e, mockUsers(), store)

	if err := e.Clear(context.Background(), []model.EntityType{model.EntityUsers, model.EntityOrders}); err != nil {
		t.Fatal(err)
	}
	if len(store.Cleared) != 2 || store.Cleared[0] != model.EntityOrders {
		t.Errorf("cleared = %v, want orders first", store.Cleared)
	}
	if !store.Closed {
		t.Error("target not closed")
	}
}

func TestVerify(t *testing.T) {
	e := testEngine(t, nil)
	withMocks(e, mockUsers(), target.NewMockStore())

	var checks int
	result, err := e.Verify(context.Background(), func(validation.Check) { checks++ })
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != validation.StatusPass || checks == 0 {
		t.Errorf("result = %+v, checks = %d", result, checks)
	}
}

func TestStatus_Stale(t *testing.T) {
	e := testEngine(t, nil)
	st, _ := e.LoadState()
	st.Begin("run-x", model.DefaultOrder)
	st.Phase = "loading"
	if err := e.SaveState(); err != nil {
		t.Fatal(err)
	}

	rs, err := e.Status()
	if err != nil {
		t.Fatal(err)
	}
	if !rs.Stale || rs.LockHeld {
		t.Errorf("status = %+v, want stale", rs)
	}
}

func TestSaveState_NilState(t *testing.T) {
	e := testEngine(t, nil)
	if err := e.SaveState(); err == nil {
		t.Error("expected error for nil state")
	}
}

func seedSQLiteSource(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE old_users (id INTEGER PRIMARY KEY, username TEXT, email TEXT, full_name TEXT,
			registration_date_str TEXT, address_combined TEXT, phone_number_str TEXT)`,
		`CREATE TABLE old_products (id INTEGER PRIMARY KEY, product_name TEXT, description TEXT,
			price_str TEXT, category_name_redundant TEXT, created_at_str TEXT)`,
		`CREATE TABLE old_orders (id INTEGER PRIMARY KEY, user_identifier_text TEXT, order_date_str TEXT,
			status_text TEXT, product_name_redundant TEXT, quantity TEXT, unit_price_str_redundant TEXT,
			total_order_amount_str TEXT)`,
		`INSERT INTO old_users VALUES
			(1, 'alice', ' Alice@X.com ', 'Alice Smith', '2023-01-05 10:00', '1 Main St, Springfield, IL 62704, USA', '555-0100'),
			(2, 'bob', NULL, 'Bob', '2023-01-06', NULL, NULL),
			(3, 'carol', 'carol@x.com', NULL, '', '9 Elm Rd, Shelbyville, IL 62565, USA', NULL)`,
		`INSERT INTO old_products VALUES
			(1, 'Lamp', 'Desk lamp', '19.99', 'home goods', '31/12/2022'),
			(2, 'Desk', NULL, '$150.00', NULL, NULL)`,
		`INSERT INTO old_orders VALUES
			(10, 'alice', '2023-02-01', 'shipped', 'Lamp', '3', '19.99', '70.00'),
			(11, 'carol@x.com', '01/15/2023 02:30 PM', 'entregado', 'Desk', NULL, '150.00', '150.00'),
			(12, 'bob', '2023-02-03', 'pending', 'Lamp', '1', '19.99', '19.99')`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("%s: %v", s, err)
		}
	}
}

func TestMigrate_SQLiteEndToEnd(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "old.db")
	seedSQLiteSource(t, srcPath)

	cfg := config.Default()
	cfg.Source = config.SourceConfig{Type: "sqlite", Path: srcPath}
	cfg.Target = config.TargetConfig{Type: "sqlite", Path: filepath.Join(dir, "new.db")}
	cfg.Migration.BatchSize = 2
	cfg.Migration.ClearTarget = true
	e := testEngine(t, cfg)

	for run := 0; run < 2; run++ {
		res, err := e.Migrate(context.Background(), MigrateOptions{})
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		rep := res.Report
		want := map[model.EntityType]int{
			model.EntityUsers: 2, model.EntityProducts: 2, model.EntityOrders: 2, model.EntityOrderLines: 2,
		}
		for ent, n := range want {
			if got := rep.Entity(ent).Counts.Loaded; got != n {
				t.Errorf("run %d: %s loaded = %d, want %d", run, ent, got, n)
			}
		}
		if rep.Validation == nil || rep.Validation.Status != validation.StatusPass {
			t.Errorf("run %d: validation = %+v", run, rep.Validation)
		}
	}

	result, err := e.Verify(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != validation.StatusPass {
		t.Errorf("verify = %+v", result.Checks)
	}
}
