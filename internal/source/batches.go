package source

import (
	"context"
	"io"
	"math"

	"golang.org/x/time/rate"

	"github.com/dnl0037/db-migrations/internal/model"
)

// Batches is a lazy, finite sequence of key-ordered batches over one table.
// A failed Next can be retried; the cursor only advances on success.
type Batches struct {
	reader  Reader
	table   model.SourceTable
	size    int
	after   int64
	done    bool
	limiter *rate.Limiter
}

// Option configures a batch sequence.
type Option func(*Batches)

// WithRateLimit caps fetches per second. Zero or negative disables the cap.
func WithRateLimit(perSecond float64) Option {
	return func(b *Batches) {
		if perSecond > 0 {
			b.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// ReadBatches starts a new pass over table from its lowest key.
func ReadBatches(r Reader, table model.SourceTable, batchSize int, opts ...Option) *Batches {
	if batchSize <= 0 {
		batchSize = 1
	}
	b := &Batches{reader: r, table: table, size: batchSize, after: math.MinInt64}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Next returns the next batch, or io.EOF once the table is exhausted.
func (b *Batches) Next(ctx context.Context) ([]model.RawRecord, error) {
	if b.done {
		return nil, io.EOF
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	rows, err := b.reader.FetchAfter(ctx, b.table, b.after, b.size)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		b.done = true
		return nil, io.EOF
	}

	last, err := KeyOf(rows[len(rows)-1], b.table.Key)
	if err != nil {
		return nil, err
	}
	b.after = last
	if len(rows) < b.size {
		b.done = true
	}
	return rows, nil
}
