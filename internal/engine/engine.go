package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dnl0037/db-migrations/internal/build"
	"github.com/dnl0037/db-migrations/internal/clean"
	"github.com/dnl0037/db-migrations/internal/config"
	"github.com/dnl0037/db-migrations/internal/lock"
	"github.com/dnl0037/db-migrations/internal/migration"
	"github.com/dnl0037/db-migrations/internal/model"
	"github.com/dnl0037/db-migrations/internal/report"
	"github.com/dnl0037/db-migrations/internal/source"
	"github.com/dnl0037/db-migrations/internal/state"
	"github.com/dnl0037/db-migrations/internal/target"
	"github.com/dnl0037/db-migrations/internal/validation"
)

// Store is a target that can also be inspected after loading.
type Store interface {
	target.Store
	target.Inspector
}

// Engine is the core migration engine shared by the CLI and the TUI.
type Engine struct {
	Config *config.Config
	State  *state.State
	Logger *slog.Logger

	statePath string
	lockPath  string

	// overridable in tests
	newSource func(config.SourceConfig) (source.Reader, error)
	newTarget func(config.TargetConfig) (Store, error)

	mu              sync.Mutex
	migrationStatus *migration.Status
}

// New creates a new Engine with the given config and logger.
func New(cfg *config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		Config:    cfg,
		Logger:    logger,
		statePath: config.ExpandHome(state.DefaultPath),
		lockPath:  config.ExpandHome(lock.DefaultPath),
		newSource: NewSource,
		newTarget: NewTarget,
	}
}

// NewSource builds the reader for the configured source type.
func NewSource(cfg config.SourceConfig) (source.Reader, error) {
	switch cfg.Type {
	case "postgresql":
		return source.NewPostgresReader(cfg.ConnString(), cfg.Schema, cfg.MaxConnections), nil
	case "sqlite":
		return source.NewSQLiteReader(cfg.ConnString()), nil
	case "oracle":
		return source.NewOracleReader(cfg.ConnString(), cfg.Schema), nil
	}
	return nil, fmt.Errorf("unsupported source type %q", cfg.Type)
}

// NewTarget builds the store for the configured target type.
func NewTarget(cfg config.TargetConfig) (Store, error) {
	switch cfg.Type {
	case "postgresql":
		return target.NewPostgresStore(cfg.ConnString(), cfg.Schema, cfg.MaxConnections), nil
	case "sqlite":
		return target.NewSQLiteStore(cfg.ConnString()), nil
	case "mongodb":
		return target.NewMongoStore(cfg.ConnString(), cfg.Database), nil
	}
	return nil, fmt.Errorf("unsupported target type %q", cfg.Type)
}

// LoadState loads the run state from disk.
func (e *Engine) LoadState() (*state.State, error) {
	st, err := state.Load(e.statePath)
	if err != nil {
		return nil, err
	}
	e.State = st
	return st, nil
}

// SaveState persists the current run state to disk.
func (e *Engine) SaveState() error {
	if e.State == nil {
		return fmt.Errorf("no state to save")
	}
	return e.State.Save(e.statePath)
}

// MigrationConfig translates the file configuration into run parameters.
func (e *Engine) MigrationConfig() (migration.Config, error) {
	m := e.Config.Migration
	order, err := m.Order()
	if err != nil {
		return migration.Config{}, err
	}
	regDate, err := m.DefaultRegistrationDate()
	if err != nil {
		return migration.Config{}, err
	}
	return migration.Config{
		BatchSize:       m.BatchSize,
		ClearTarget:     m.ClearTarget,
		EntityOrder:     order,
		MaxRetries:      m.Retries(),
		RetryInitial:    m.Retry.InitialInterval,
		RetryMax:        m.Retry.MaxInterval,
		RetryMultiplier: m.Retry.Multiplier,
		Prefetch:        m.Prefetch,
		RateLimit:       e.Config.Source.MaxBatchesPerSecond,
		Clean: clean.Options{
			RegistrationLayouts:     m.Formats.RegistrationDate,
			ProductDateLayouts:      m.Formats.ProductCreatedAt,
			OrderDateLayouts:        m.Formats.OrderDate,
			DefaultRegistrationDate: regDate,
			DefaultCountry:          m.Defaults.Country,
			DefaultCategory:         m.Defaults.Category,
			DefaultQuantity:         m.Defaults.Quantity,
		},
		Build: build.Options{PasswordPrefix: m.Defaults.PasswordPrefix},
	}, nil
}

// MigrateOptions override the configuration for one run.
type MigrateOptions struct {
	ClearTarget *bool
	BatchSize   int
	// DryRun loads into a scratch SQLite database instead of the target.
	DryRun bool
	// ReportPath overrides the report location. Its extension picks the format.
	ReportPath string
	Callback   migration.StatusCallback
}

// MigrateResult is the outcome of Migrate.
type MigrateResult struct {
	Report      *report.MigrationReport
	ReportPaths []string
}

// Migrate runs the full pipeline under the run lock, validates the target,
// writes the report and records progress in the state file. The report is
// returned and written even when the run aborts or is cancelled.
func (e *Engine) Migrate(ctx context.Context, opts MigrateOptions) (*MigrateResult, error) {
	cfg, err := e.MigrationConfig()
	if err != nil {
		return nil, err
	}
	if opts.ClearTarget != nil {
		cfg.ClearTarget = *opts.ClearTarget
	}
	if opts.BatchSize > 0 {
		cfg.BatchSize = opts.BatchSize
	}

	if err := lock.Acquire(e.lockPath); err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(e.lockPath); err != nil {
			e.Logger.Warn("releasing run lock", "error", err)
		}
	}()

	src, err := e.newSource(e.Config.Source)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	var tgt Store
	tgtCfg := e.Config.Target
	if opts.DryRun {
		dir, err := os.MkdirTemp("", "dbmigrate-dryrun-")
		if err != nil {
			return nil, fmt.Errorf("creating dry-run directory: %w", err)
		}
		defer os.RemoveAll(dir)
		tgtCfg = config.TargetConfig{Type: "sqlite", Path: filepath.Join(dir, "dryrun.db")}
		cfg.ClearTarget = true
		e.Logger.Info("dry run: loading into a scratch database", "path", tgtCfg.Path)
	}
	if tgt, err = e.newTarget(tgtCfg); err != nil {
		return nil, err
	}
	defer tgt.Close(context.WithoutCancel(ctx))

	if _, err := e.LoadState(); err != nil {
		e.Logger.Warn("state file unreadable, starting fresh", "error", err)
		e.State = state.New()
	}

	callback := func(s migration.Status) {
		e.record(s)
		if opts.Callback != nil {
			opts.Callback(s)
		}
	}

	rep, runErr := migration.Run(ctx, cfg, migration.Deps{
		Source:   src,
		Target:   schemaEnsurer{Store: tgt, log: e.Logger},
		Logger:   e.Logger,
		Callback: callback,
	})
	if rep == nil {
		e.State.Finish(string(migration.PhaseAborted), report.StatusAborted, "", runErr)
		e.saveState()
		return nil, runErr
	}

	rep.Source = report.Endpoint{Type: e.Config.Source.Type, Database: sourceName(e.Config.Source)}
	rep.Target = report.Endpoint{Type: tgtCfg.Type, Database: targetName(tgtCfg)}
	if opts.DryRun {
		rep.Target.Database += " (dry run)"
	}
	if ms, ok := tgt.(*target.MongoStore); ok && ms.Topology() != nil {
		rep.Target.Topology = ms.Topology().Type
	}

	if runErr == nil {
		v := &validation.Validator{
			Target: tgt,
			Source: src,
			Expect: expectations(rep),
			Callback: func(c validation.Check) {
				e.Logger.Debug("validation check", "name", c.Name, "kind", c.Kind, "status", c.Status)
			},
		}
		result, err := v.Validate(context.WithoutCancel(ctx))
		if err != nil {
			e.Logger.Error("post-load validation failed to run", "error", err)
		} else {
			rep.Validation = result
			if result.Status != validation.StatusPass {
				e.Logger.Warn("post-load validation found problems", "status", result.Status)
			}
		}
	}

	paths, err := e.writeReport(rep, opts.ReportPath)
	if err != nil {
		e.Logger.Error("writing report", "error", err)
	}
	phase := migration.PhaseCompleted
	switch {
	case errors.Is(runErr, migration.ErrCancelled):
		phase = migration.PhaseCancelled
	case runErr != nil:
		phase = migration.PhaseAborted
	}
	var reportPath string
	if len(paths) > 0 {
		reportPath = paths[0]
	}
	e.mu.Lock()
	for _, er := range rep.Entities {
		e.State.Update(string(phase), er.Entity, state.EntityState{
			Status:     er.State,
			Batch:      er.Batches,
			Read:       er.Counts.Read,
			Loaded:     er.Counts.Loaded,
			Rejected:   er.Counts.Rejected,
			LoadFailed: er.Counts.LoadFailed,
			SourceRows: e.State.Entities[er.Entity].SourceRows,
		})
	}
	e.State.Finish(string(phase), rep.Status, reportPath, runErr)
	e.mu.Unlock()
	e.saveState()

	res := &MigrateResult{Report: rep, ReportPaths: paths}
	if runErr != nil {
		return res, runErr
	}
	return res, err
}

// schemaEnsurer creates the target schema right after connecting so the
// live foreign keys are available for ordering.
type schemaEnsurer struct {
	target.Store
	log *slog.Logger
}

func (s schemaEnsurer) Connect(ctx context.Context) error {
	if err := s.Store.Connect(ctx); err != nil {
		return err
	}
	if err := s.Store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("%w: ensuring target schema: %w", target.ErrUnavailable, err)
	}
	s.log.Debug("target schema ensured")
	return nil
}

func (e *Engine) record(s migration.Status) {
	e.mu.Lock()
	e.migrationStatus = &s
	if e.State != nil {
		if e.State.RunID != s.RunID && s.RunID != "" {
			e.State.Begin(s.RunID, nil)
			e.State.SourceType = e.Config.Source.Type
			e.State.TargetType = e.Config.Target.Type
		}
		status := "running"
		switch s.Phase {
		case migration.PhaseCompleted, migration.PhaseAborted, migration.PhaseCancelled, migration.PhaseNotStarted, migration.PhaseClearing:
			status = ""
		}
		if status != "" {
			e.State.Update(string(s.Phase), s.Entity, state.EntityState{
				Status:     status,
				Batch:      s.Batch,
				Read:       s.Counts.Read,
				Loaded:     s.Counts.Loaded,
				Rejected:   s.Counts.Rejected,
				LoadFailed: s.Counts.LoadFailed,
				SourceRows: s.SourceRows,
			})
		} else {
			e.State.Phase = string(s.Phase)
		}
	}
	e.mu.Unlock()

	// progress is persisted per batch; a failed write only loses progress detail
	if s.Phase == migration.PhaseLoading || s.Phase == migration.PhaseClearing {
		e.saveState()
	}
}

func (e *Engine) saveState() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State == nil {
		return
	}
	if err := e.State.Save(e.statePath); err != nil {
		e.Logger.Warn("saving state", "error", err)
	}
}

// MigrationStatus returns the latest status of a run in this process.
func (e *Engine) MigrationStatus() *migration.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.migrationStatus != nil {
		s := *e.migrationStatus
		return &s
	}
	return &migration.Status{Phase: migration.PhaseNotStarted}
}

// expectations derives the validation targets from a finished report. Counts
// are exact only when the target was cleared first.
func expectations(rep *report.MigrationReport) validation.Expectations {
	exp := validation.Expectations{
		Loaded: make(map[model.Kind]int64),
		Read:   make(map[model.EntityType]int64),
		Exact:  rep.Cleared,
	}
	for _, er := range rep.Entities {
		exp.Loaded[er.Entity.PrimaryKind()] = int64(er.Counts.Loaded)
		exp.Read[er.Entity] = int64(er.Counts.Read)
	}
	return exp
}

func (e *Engine) writeReport(rep *report.MigrationReport, override string) ([]string, error) {
	if override != "" {
		return []string{override}, report.Write(rep, override)
	}
	stamp := rep.StartedAt.Format("20060102-150405")
	base := filepath.Join(e.Config.Report.Directory, fmt.Sprintf("migration-%s-%s", stamp, rep.RunID[:8]))

	var paths []string
	switch e.Config.Report.Format {
	case "json":
		paths = []string{base + ".json"}
	case "text":
		paths = []string{base + ".txt"}
	default:
		paths = []string{base + ".json", base + ".txt"}
	}
	for _, p := range paths {
		if err := report.Write(rep, p); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

// Clear removes the rows of the given entity types, children first.
func (e *Engine) Clear(ctx context.Context, entities []model.EntityType) error {
	if len(entities) == 0 {
		entities = model.DefaultOrder
	}
	if err := lock.Acquire(e.lockPath); err != nil {
		return err
	}
	defer lock.Release(e.lockPath)

	tgt, err := e.connectTarget(ctx)
	if err != nil {
		return err
	}
	defer tgt.Close(ctx)

	ordered := make([]model.EntityType, 0, len(entities))
	for _, d := range model.DefaultOrder {
		for _, x := range entities {
			if x == d {
				ordered = append(ordered, d)
			}
		}
	}
	for i := len(ordered) - 1; i >= 0; i-- {
		e.Logger.Info("clearing target", "entity", ordered[i])
		if err := tgt.Clear(ctx, ordered[i]); err != nil {
			return fmt.Errorf("clearing %s: %w", ordered[i], err)
		}
	}
	return nil
}

// Verify runs the structural checks against the target without a report:
// orphaned references and order line subtotals.
func (e *Engine) Verify(ctx context.Context, callback func(validation.Check)) (*validation.Result, error) {
	tgt, err := e.connectTarget(ctx)
	if err != nil {
		return nil, err
	}
	defer tgt.Close(ctx)

	v := &validation.Validator{Target: tgt, Callback: callback}
	return v.Validate(ctx)
}

// ApplySchema creates the normalized target schema if it is missing.
func (e *Engine) ApplySchema(ctx context.Context) error {
	tgt, err := e.connectTarget(ctx)
	if err != nil {
		return err
	}
	defer tgt.Close(ctx)
	return tgt.EnsureSchema(ctx)
}

// CheckConnections connects to both ends and reports the first failure.
func (e *Engine) CheckConnections(ctx context.Context) error {
	src, err := e.newSource(e.Config.Source)
	if err != nil {
		return err
	}
	if err := src.Connect(ctx); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	src.Close()

	tgt, err := e.connectTarget(ctx)
	if err != nil {
		return fmt.Errorf("target: %w", err)
	}
	return tgt.Close(ctx)
}

func (e *Engine) connectTarget(ctx context.Context) (Store, error) {
	tgt, err := e.newTarget(e.Config.Target)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := tgt.Connect(cctx); err != nil {
		return nil, err
	}
	return tgt, nil
}

// RunStatus describes the current or last run as seen from another process.
type RunStatus struct {
	State     *state.State
	LockHeld  bool
	LockPID   int
	Stale     bool // the state says running but no process holds the lock
	LastCheck time.Time
}

// Status reads the state file and the run lock.
func (e *Engine) Status() (*RunStatus, error) {
	st, err := e.LoadState()
	if err != nil {
		return nil, err
	}
	held, pid, err := lock.IsHeld(e.lockPath)
	if err != nil {
		return nil, err
	}
	return &RunStatus{
		State:     st,
		LockHeld:  held,
		LockPID:   pid,
		Stale:     st.IsRunning() && !held,
		LastCheck: time.Now(),
	}, nil
}

func sourceName(s config.SourceConfig) string {
	if s.Type == "sqlite" {
		return s.Path
	}
	return s.Database
}

func targetName(t config.TargetConfig) string {
	if t.Type == "sqlite" {
		return t.Path
	}
	return t.Database
}
