// Package paging turns offset/limit store reads into ordered, gap-free page
// streams. Loader fetches single pages; Engine drives one browsing session.
package paging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/herbarium/internal/records"
	"github.com/HerbHall/herbarium/pkg/models"
)

const (
	// DefaultPageSize is the page size used when none is configured.
	DefaultPageSize = 20
	// MaxPageSize bounds the limit of a single load.
	MaxPageSize = 1000
)

// PageLoader loads one page for a query. *Loader is the production
// implementation.
type PageLoader interface {
	Load(ctx context.Context, q models.Query, limit, offset int) (models.Page, error)
}

// LoadObserver is told about every store call the loader makes.
type LoadObserver interface {
	ObserveLoad(elapsed time.Duration, err error)
}

// Loader reads pages from a records.Searcher.
type Loader struct {
	src      records.Searcher
	timeout  time.Duration
	maxLimit int
	logger   *zap.Logger
	observer LoadObserver
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithObserver reports every load to o.
func WithObserver(o LoadObserver) LoaderOption {
	return func(l *Loader) { l.observer = o }
}

// WithMaxLimit replaces MaxPageSize as the largest accepted limit.
func WithMaxLimit(n int) LoaderOption {
	return func(l *Loader) {
		if n > 0 {
			l.maxLimit = n
		}
	}
}

// NewLoader returns a Loader that bounds every store call by timeout.
// A zero timeout disables the bound.
func NewLoader(src records.Searcher, timeout time.Duration, logger *zap.Logger, opts ...LoaderOption) *Loader {
	l := &Loader{src: src, timeout: timeout, maxLimit: MaxPageSize, logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ PageLoader = (*Loader)(nil)

// Load returns up to limit records of q starting at offset. Page.Last is set
// when no records follow the returned ones; the store is asked for one extra
// row to find out, so a result whose size is a multiple of limit ends on a
// full page rather than an empty one.
func (l *Loader) Load(ctx context.Context, q models.Query, limit, offset int) (models.Page, error) {
	if limit <= 0 || offset < 0 {
		return models.Page{}, fmt.Errorf("%w: limit=%d offset=%d", ErrInvalidParameters, limit, offset)
	}
	if limit > l.maxLimit {
		return models.Page{}, fmt.Errorf("%w: limit %d exceeds %d", ErrInvalidParameters, limit, l.maxLimit)
	}
	if !q.Order.Valid() {
		return models.Page{}, fmt.Errorf("%w: sort order %q", ErrInvalidParameters, q.Order)
	}

	callCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	start := time.Now()
	recs, err := l.src.Search(callCtx, q.Search, q.Order, limit+1, offset)
	if l.observer != nil {
		l.observer.ObserveLoad(time.Since(start), err)
	}
	if err != nil {
		if ctx.Err() != nil {
			// The caller gave up; nothing to report about the store.
			return models.Page{}, ctx.Err()
		}
		if errors.Is(err, records.ErrUnknownOrder) {
			return models.Page{}, fmt.Errorf("%w: %w", ErrInvalidParameters, err)
		}
		return models.Page{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	if err := l.verifyOrder(q, offset, recs); err != nil {
		return models.Page{}, err
	}

	last := len(recs) <= limit
	if !last {
		recs = recs[:limit]
	}
	return models.Page{Offset: offset, Records: recs, Last: last}, nil
}

// verifyOrder rejects a page whose records are not strictly increasing under
// models.Compare. IDs are unique, so equal neighbours are a breach as well.
func (l *Loader) verifyOrder(q models.Query, offset int, recs []models.Record) error {
	for i := 1; i < len(recs); i++ {
		if models.Compare(recs[i-1], recs[i], q.Order) < 0 {
			continue
		}
		l.logger.Error("store returned records out of order",
			zap.String("order", string(q.Order)),
			zap.Int("offset", offset),
			zap.Int("index", i),
			zap.String("prev_id", recs[i-1].ID),
			zap.String("id", recs[i].ID),
		)
		return fmt.Errorf("%w: %q before %q at offset %d", ErrInvariantViolation,
			recs[i-1].ID, recs[i].ID, offset+i)
	}
	return nil
}
