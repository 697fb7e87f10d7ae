// Package load writes built entities to the target one transaction per batch.
package load

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dnl0037/db-migrations/internal/model"
	"github.com/dnl0037/db-migrations/internal/target"
)

// Options bounds the retries of transient target errors.
type Options struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// Result is the outcome of one batch.
type Result struct {
	// Loaded holds the committed entities in input order.
	Loaded []model.Entity
	// Failed holds per-row failures, plus every row of a failed batch.
	Failed []*model.Rejection
	// BatchErr is set when the whole batch was rolled back.
	BatchErr error
	Attempts int
}

// Loader loads batches into a target store.
type Loader struct {
	store  target.Store
	opts   Options
	logger *slog.Logger
}

// New creates a loader.
func New(store target.Store, opts Options, logger *slog.Logger) *Loader {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 200 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 5 * time.Second
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = backoff.DefaultMultiplier
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Loader{store: store, opts: opts, logger: logger}
}

// errBegin marks an attempt that never got a transaction.
type errBegin struct{ err error }

func (e *errBegin) Error() string { return "beginning transaction: " + e.err.Error() }
func (e *errBegin) Unwrap() error { return e.err }

// errCommit marks a failed commit. Its outcome on the target is unknown, so
// the batch is never replayed.
type errCommit struct{ err error }

func (e *errCommit) Error() string { return "committing batch: " + e.err.Error() }
func (e *errCommit) Unwrap() error { return e.err }

func (l *Loader) policy() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = l.opts.InitialInterval
	exp.MaxInterval = l.opts.MaxInterval
	exp.Multiplier = l.opts.Multiplier
	exp.MaxElapsedTime = 0
	return backoff.WithMaxRetries(exp, uint64(l.opts.MaxRetries))
}

// LoadBatch inserts entities in one transaction. Unique and constraint
// violations fail only their row; any other storage error rolls the batch
// back. Transient errors retry the whole batch with backoff.
//
// The transaction runs detached from ctx cancellation so a started batch is
// always committed or rolled back. The returned error is non-nil only when
// the target could not be reached within the retry budget, which is fatal.
func (l *Loader) LoadBatch(ctx context.Context, entities []model.Entity, entity model.EntityType) (*Result, error) {
	txCtx := context.WithoutCancel(ctx)
	log := l.logger.With("entity", entity)

	var res *Result
	attempts := 0
	op := func() error {
		attempts++
		r, err := l.attempt(txCtx, entities, entity)
		res = r
		if err == nil {
			return nil
		}
		var (
			be *errBegin
			ce *errCommit
		)
		if errors.As(err, &ce) {
			return backoff.Permanent(err)
		}
		if target.IsTransient(err) || errors.As(err, &be) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("retrying batch", "attempt", attempts, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(op, l.policy(), notify)
	if err == nil {
		res.Attempts = attempts
		return res, nil
	}

	var be *errBegin
	if errors.As(err, &be) {
		log.Error("target unavailable", "attempts", attempts, "error", err)
		return &Result{Attempts: attempts}, fmt.Errorf("%w: %w", target.ErrUnavailable, err)
	}

	log.Error("batch failed", "rows", len(entities), "attempts", attempts, "error", err)
	failed := &Result{BatchErr: err, Attempts: attempts}
	for _, e := range entities {
		failed.Failed = append(failed.Failed,
			model.Reject(entity, e.SourceKey(), model.StageBatch, model.CodeBatchFailed, "", err.Error()))
	}
	return failed, nil
}

func (l *Loader) attempt(ctx context.Context, entities []model.Entity, entity model.EntityType) (*Result, error) {
	tx, err := l.store.Begin(ctx)
	if err != nil {
		return nil, &errBegin{err: err}
	}

	res := &Result{}
	for _, e := range entities {
		err := tx.Insert(ctx, e)
		if err == nil {
			res.Loaded = append(res.Loaded, e)
			continue
		}
		var ce *target.ConstraintError
		if errors.As(err, &ce) {
			code := model.CodeLoadFailed
			if ce.Unique {
				code = model.CodeUniqueViolation
			}
			l.logger.Debug("row failed", "entity", entity, "old_key", e.SourceKey(), "reason", code+":"+ce.Constraint)
			res.Failed = append(res.Failed, model.Reject(entity, e.SourceKey(), model.StageLoad, code, ce.Constraint, ce.Error()))
			continue
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			l.logger.Warn("rollback failed", "entity", entity, "error", rbErr)
		}
		return nil, fmt.Errorf("inserting %s %d: %w", entity, e.SourceKey(), err)
	}

	if err := tx.Commit(ctx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			l.logger.Warn("rollback failed", "entity", entity, "error", rbErr)
		}
		return nil, &errCommit{err: fmt.Errorf("%s: %w", entity, err)}
	}
	return res, nil
}
