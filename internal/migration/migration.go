// Package migration drives the extract, clean, build and load pipeline over
// every entity type in dependency order.
package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/dnl0037/db-migrations/internal/build"
	"github.com/dnl0037/db-migrations/internal/clean"
	"github.com/dnl0037/db-migrations/internal/identity"
	"github.com/dnl0037/db-migrations/internal/load"
	"github.com/dnl0037/db-migrations/internal/mapping"
	"github.com/dnl0037/db-migrations/internal/model"
	"github.com/dnl0037/db-migrations/internal/report"
	"github.com/dnl0037/db-migrations/internal/schema"
	"github.com/dnl0037/db-migrations/internal/source"
	"github.com/dnl0037/db-migrations/internal/target"
)

// Phase is a state of the run state machine.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseClearing   Phase = "clearing_target"
	PhaseReading    Phase = "reading"
	PhaseCleaning   Phase = "cleaning"
	PhaseBuilding   Phase = "building"
	PhaseLoading    Phase = "loading"
	PhaseCompleted  Phase = "completed"
	PhaseAborted    Phase = "aborted_fatal"
	PhaseCancelled  Phase = "cancelled"
)

// ErrCancelled is returned when the run stopped between batches on request.
var ErrCancelled = errors.New("migration cancelled")

// FatalError aborts the whole run. Err wraps source.ErrUnavailable,
// source.ErrSchemaMismatch or target.ErrUnavailable.
type FatalError struct {
	Entity model.EntityType
	Phase  Phase
	Err    error
}

func (e *FatalError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("fatal during %s: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("fatal during %s of %s: %v", e.Phase, e.Entity, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Status is published to the callback as the run progresses.
type Status struct {
	RunID      string
	Phase      Phase
	Entity     model.EntityType
	Batch      int
	Counts     report.Counts // of the current entity type
	SourceRows int64         // rows in the current source table, 0 if unknown
	Elapsed    time.Duration
}

// StatusCallback is called when migration status updates.
type StatusCallback func(status Status)

// Config controls one run.
type Config struct {
	BatchSize   int
	ClearTarget bool
	// EntityOrder is validated against the target's foreign keys. Empty means
	// the order derived from the schema.
	EntityOrder     []model.EntityType
	MaxRetries      int
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	Prefetch        bool
	RateLimit       float64
	Clean           clean.Options
	Build           build.Options
}

// Validate checks the run parameters.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	seen := map[model.EntityType]bool{}
	for _, e := range c.EntityOrder {
		if _, err := model.ParseEntityType(string(e)); err != nil {
			return err
		}
		if seen[e] {
			return fmt.Errorf("entity %s listed twice", e)
		}
		seen[e] = true
	}
	return nil
}

// Deps are the collaborators of a run. Source and Target are connected by Run
// and left open for the caller to close.
type Deps struct {
	Source   source.Reader
	Target   target.Store
	Logger   *slog.Logger
	Callback StatusCallback
}

type runner struct {
	cfg     Config
	deps    Deps
	log     *slog.Logger
	rep     *report.MigrationReport
	cleaner *clean.Cleaner
	builder *build.Builder
	loader  *load.Loader
	ids     *identity.Mapper
	started time.Time
}

// Run migrates every configured entity type and returns the report. A fatal
// condition returns the partial report with a *FatalError; cancellation
// returns it with ErrCancelled.
func Run(ctx context.Context, cfg Config, deps Deps) (*report.MigrationReport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid migration config: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	r := &runner{cfg: cfg, deps: deps, log: logger, started: time.Now()}
	r.ids = identity.New()
	r.cleaner = clean.New(cfg.Clean)
	r.builder = build.New(r.ids, cfg.Build, logger)
	r.loader = load.New(deps.Target, load.Options{
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: cfg.RetryInitial,
		MaxInterval:     cfg.RetryMax,
		Multiplier:      cfg.RetryMultiplier,
	}, logger)

	if err := r.connect(ctx); err != nil {
		return nil, err
	}

	order, err := r.order(ctx)
	if err != nil {
		return nil, err
	}
	r.rep = report.New(order)
	r.rep.BatchSize = cfg.BatchSize
	r.rep.Cleared = cfg.ClearTarget
	r.notify(Status{Phase: PhaseNotStarted})
	logger.Info("migration started", "run_id", r.rep.RunID, "order", order, "batch_size", cfg.BatchSize, "clear", cfg.ClearTarget)

	if cfg.ClearTarget {
		if err := r.clear(ctx, order); err != nil {
			return r.abort(err)
		}
	}

	for _, e := range order {
		if ctx.Err() != nil {
			return r.cancel(e, ctx.Err())
		}
		if err := r.migrateEntity(ctx, e); err != nil {
			if errors.Is(err, ErrCancelled) {
				return r.cancel(e, err)
			}
			return r.abort(err)
		}
	}

	r.rep.Finish()
	r.notify(Status{Phase: PhaseCompleted})
	logger.Info("migration completed", "run_id", r.rep.RunID, "status", r.rep.Status, "duration", r.rep.Duration())
	return r.rep, nil
}

func (r *runner) connect(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.deps.Source.Connect(gctx); err != nil {
			return &FatalError{Phase: PhaseNotStarted, Err: wrapIfMissing(err, source.ErrUnavailable)}
		}
		return nil
	})
	g.Go(func() error {
		if err := r.deps.Target.Connect(gctx); err != nil {
			return &FatalError{Phase: PhaseNotStarted, Err: wrapIfMissing(err, target.ErrUnavailable)}
		}
		return nil
	})
	return g.Wait()
}

// order validates the configured entity order against the declared schema
// merged with the target's live foreign keys.
func (r *runner) order(ctx context.Context) ([]model.EntityType, error) {
	live, err := r.deps.Target.ForeignKeys(ctx)
	if err != nil {
		r.log.Warn("reading live foreign keys failed, using declared schema", "error", err)
		live = nil
	}
	graph := mapping.NewFKGraph(mapping.MergeForeignKeys(schema.Target().Tables, live))

	if len(r.cfg.EntityOrder) == 0 {
		return graph.PhaseOrder(model.DefaultOrder)
	}
	if err := graph.ValidateOrder(r.cfg.EntityOrder); err != nil {
		return nil, fmt.Errorf("invalid entity order: %w", err)
	}
	return slices.Clone(r.cfg.EntityOrder), nil
}

// clear empties every configured entity type up front, children first, so
// no parent delete is blocked by rows of a later phase.
func (r *runner) clear(ctx context.Context, order []model.EntityType) error {
	r.notify(Status{Phase: PhaseClearing})
	for i := len(order) - 1; i >= 0; i-- {
		e := order[i]
		r.log.Info("clearing target", "entity", e)
		if err := r.deps.Target.Clear(context.WithoutCancel(ctx), e); err != nil {
			return &FatalError{Entity: e, Phase: PhaseClearing, Err: wrapIfMissing(err, target.ErrUnavailable)}
		}
	}
	return nil
}

func (r *runner) migrateEntity(ctx context.Context, e model.EntityType) error {
	start := time.Now()
	er := r.rep.Entity(e)
	er.State = "running"
	log := r.log.With("entity", e)

	for _, k := range e.Kinds() {
		if k == model.KindCategory {
			continue // keyed by the store
		}
		key, err := r.deps.Target.MaxKey(ctx, k)
		if err != nil {
			er.State = "failed"
			return &FatalError{Entity: e, Phase: PhaseLoading, Err: wrapIfMissing(err, target.ErrUnavailable)}
		}
		r.ids.Seed(k, key)
	}

	table := e.SourceTable()
	total, err := r.deps.Source.RowCount(ctx, table.Name)
	if err != nil {
		log.Debug("source row count unavailable", "error", err)
		total = 0
	}

	batches := source.ReadBatches(r.deps.Source, table, r.cfg.BatchSize, source.WithRateLimit(r.cfg.RateLimit))
	err = r.stream(ctx, e, batches, func(n int, rows []model.RawRecord) error {
		return r.processBatch(ctx, e, er, n, rows, total)
	})
	er.Duration = time.Since(start)
	if err != nil {
		er.State = "failed"
		if errors.Is(err, ErrCancelled) {
			er.State = "cancelled"
		}
		return err
	}

	er.State = "completed"
	if err := er.Counts.Check(); err != nil {
		log.Error("inconsistent counts", "error", err)
	}
	log.Info("entity completed", "read", er.Counts.Read, "loaded", er.Counts.Loaded,
		"rejected", er.Counts.Rejected, "load_failed", er.Counts.LoadFailed, "duration", er.Duration)
	return nil
}

// stream feeds batches to fn in order. With prefetch the next batch is read
// while fn runs. Cancellation is honored only between batches.
func (r *runner) stream(ctx context.Context, e model.EntityType, batches *source.Batches, fn func(int, []model.RawRecord) error) error {
	if !r.cfg.Prefetch {
		for n := 1; ; n++ {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
			}
			r.notify(Status{Phase: PhaseReading, Entity: e, Batch: n})
			rows, err := r.fetch(ctx, e, batches)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := fn(n, rows); err != nil {
				return err
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	ch := make(chan []model.RawRecord, 1)
	g.Go(func() error {
		defer close(ch)
		for {
			rows, err := r.fetch(gctx, e, batches)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case ch <- rows:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})
	g.Go(func() error {
		n := 0
		for rows := range ch {
			n++
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
			}
			if err := fn(n, rows); err != nil {
				return err
			}
		}
		return nil
	})
	err := g.Wait()
	var fe *FatalError
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrCancelled) && !errors.As(err, &fe) {
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
	return err
}

// fetch reads the next batch, retrying transient source errors.
func (r *runner) fetch(ctx context.Context, e model.EntityType, batches *source.Batches) ([]model.RawRecord, error) {
	exp := backoff.NewExponentialBackOff()
	if r.cfg.RetryInitial > 0 {
		exp.InitialInterval = r.cfg.RetryInitial
	}
	if r.cfg.RetryMax > 0 {
		exp.MaxInterval = r.cfg.RetryMax
	}
	if r.cfg.RetryMultiplier >= 1 {
		exp.Multiplier = r.cfg.RetryMultiplier
	}
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.cfg.MaxRetries)), ctx)

	var rows []model.RawRecord
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		var err error
		rows, err = batches.Next(ctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, io.EOF), errors.Is(err, source.ErrSchemaMismatch),
			errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		r.log.Warn("retrying source read", "entity", e, "attempt", attempt, "wait", wait, "error", err)
	})

	switch {
	case err == nil:
		return rows, nil
	case errors.Is(err, io.EOF):
		return nil, io.EOF
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
	case errors.Is(err, source.ErrSchemaMismatch):
		return nil, &FatalError{Entity: e, Phase: PhaseReading, Err: err}
	}
	return nil, &FatalError{Entity: e, Phase: PhaseReading, Err: wrapIfMissing(err, source.ErrUnavailable)}
}

func (r *runner) processBatch(ctx context.Context, e model.EntityType, er *report.EntityReport, n int, rows []model.RawRecord, total int64) error {
	log := r.log.With("entity", e, "batch", n)
	er.Batches++
	er.Counts.Read += len(rows)

	r.notify(Status{Phase: PhaseCleaning, Entity: e, Batch: n, Counts: er.Counts, SourceRows: total})
	var validated []model.Validated
	for _, raw := range rows {
		v, rej := r.cleaner.Clean(raw, e)
		if rej != nil {
			log.Debug("row rejected", "old_key", rej.OldKey, "reason", rej.Reason.String())
			er.Reject(rej)
			continue
		}
		if len(model.DefaultedFields(v)) > 0 {
			er.Counts.Defaulted++
		}
		validated = append(validated, v)
	}

	r.notify(Status{Phase: PhaseBuilding, Entity: e, Batch: n, Counts: er.Counts, SourceRows: total})
	var entities []model.Entity
	for _, v := range validated {
		ent, rej := r.builder.Build(ctx, v)
		if rej != nil {
			log.Debug("row rejected", "old_key", rej.OldKey, "reason", rej.Reason.String())
			er.Reject(rej)
			continue
		}
		entities = append(entities, ent)
	}

	r.notify(Status{Phase: PhaseLoading, Entity: e, Batch: n, Counts: er.Counts, SourceRows: total})
	er.Counts.Validated += len(entities)
	if len(entities) > 0 {
		res, err := r.loader.LoadBatch(ctx, entities, e)
		if err != nil {
			return &FatalError{Entity: e, Phase: PhaseLoading, Err: err}
		}
		r.builder.Commit(res.Loaded...)
		er.Counts.Loaded += len(res.Loaded)
		for _, f := range res.Failed {
			er.Fail(f)
		}
		if res.BatchErr != nil {
			er.FailedBatches++
		}
		for _, ent := range res.Loaded {
			if item, ok := ent.(*model.OrderItem); ok && item.Adjusted() {
				er.Adjust(report.Adjustment{
					OldKey: item.OldID,
					Field:  "subtotal",
					Source: item.SourceTotal.StringFixed(2),
					Stored: item.Subtotal.StringFixed(2),
				})
			}
		}
		log.Info("batch loaded", "read", len(rows), "loaded", len(res.Loaded), "failed", len(res.Failed), "attempts", res.Attempts)
	}

	r.notify(Status{Phase: PhaseLoading, Entity: e, Batch: n, Counts: er.Counts, SourceRows: total})
	return nil
}

func (r *runner) abort(err error) (*report.MigrationReport, error) {
	r.rep.Status = report.StatusAborted
	r.rep.Fatal = err.Error()
	r.rep.Finish()
	var fe *FatalError
	if errors.As(err, &fe) {
		r.notify(Status{Phase: PhaseAborted, Entity: fe.Entity})
	} else {
		r.notify(Status{Phase: PhaseAborted})
	}
	r.log.Error("migration aborted", "run_id", r.rep.RunID, "error", err)
	return r.rep, err
}

func (r *runner) cancel(e model.EntityType, cause error) (*report.MigrationReport, error) {
	r.rep.Status = report.StatusCancelled
	r.rep.Finish()
	r.notify(Status{Phase: PhaseCancelled, Entity: e})
	r.log.Warn("migration cancelled", "run_id", r.rep.RunID, "entity", e)
	if errors.Is(cause, ErrCancelled) {
		return r.rep, cause
	}
	return r.rep, fmt.Errorf("%w: %w", ErrCancelled, cause)
}

func (r *runner) notify(s Status) {
	if r.deps.Callback == nil {
		return
	}
	if r.rep != nil {
		s.RunID = r.rep.RunID
	}
	s.Elapsed = time.Since(r.started)
	r.deps.Callback(s)
}

func wrapIfMissing(err, sentinel error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
