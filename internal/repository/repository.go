// Package repository is the entry point for browsing and editing records.
// It owns the worker pool used for every store call and hands out
// Subscriptions that stream pages and restart on change signals.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/herbarium/internal/notify"
	"github.com/HerbHall/herbarium/internal/paging"
	"github.com/HerbHall/herbarium/internal/records"
	"github.com/HerbHall/herbarium/internal/worker"
	"github.com/HerbHall/herbarium/pkg/models"
)

// Errors returned by the repository, re-exported so callers need only this
// package.
var (
	ErrNotFound           = records.ErrNotFound
	ErrAlreadyExists      = records.ErrAlreadyExists
	ErrInvalidRecord      = records.ErrInvalidRecord
	ErrStoreUnavailable   = paging.ErrStoreUnavailable
	ErrInvalidParameters  = paging.ErrInvalidParameters
	ErrInvariantViolation = paging.ErrInvariantViolation
	ErrClosed             = errors.New("subscription closed")
)

// Config controls paging behaviour.
type Config struct {
	PageSize    int           `mapstructure:"page_size"`
	MaxPageSize int           `mapstructure:"max_page_size"`
	LoadTimeout time.Duration `mapstructure:"load_timeout"`
}

// DefaultConfig returns the paging settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		PageSize:    paging.DefaultPageSize,
		MaxPageSize: paging.MaxPageSize,
		LoadTimeout: 5 * time.Second,
	}
}

// Observer receives subscription lifecycle events. *metrics.Metrics
// implements it.
type Observer interface {
	SubscriptionOpened()
	SubscriptionClosed()
	Invalidated()
}

type nopObserver struct{}

func (nopObserver) SubscriptionOpened() {}
func (nopObserver) SubscriptionClosed() {}
func (nopObserver) Invalidated()        {}

// Option customizes a Repository.
type Option func(*Repository)

// WithObserver reports subscription events to o. If o also implements
// paging.LoadObserver it is told about every page load.
func WithObserver(o Observer) Option {
	return func(r *Repository) { r.observer = o }
}

// WithLoader replaces the store-backed page loader.
func WithLoader(l paging.PageLoader) Option {
	return func(r *Repository) { r.loader = l }
}

// Repository coordinates the store, worker pool and change notifier.
type Repository struct {
	store    records.Store
	pool     *worker.Pool
	notifier notify.Notifier
	loader   paging.PageLoader
	cfg      Config
	observer Observer
	logger   *zap.Logger

	sessions atomic.Uint64
}

// New creates a Repository. notifier may be nil, in which case
// subscriptions never restart on their own.
func New(store records.Store, pool *worker.Pool, notifier notify.Notifier, cfg Config, logger *zap.Logger, opts ...Option) *Repository {
	if cfg.PageSize <= 0 {
		cfg.PageSize = paging.DefaultPageSize
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = paging.MaxPageSize
	}
	cfg.PageSize = min(cfg.PageSize, cfg.MaxPageSize)
	r := &Repository{
		store:    store,
		pool:     pool,
		notifier: notifier,
		cfg:      cfg,
		observer: nopObserver{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.loader == nil {
		lopts := []paging.LoaderOption{paging.WithMaxLimit(cfg.MaxPageSize)}
		if lo, ok := r.observer.(paging.LoadObserver); ok {
			lopts = append(lopts, paging.WithObserver(lo))
		}
		r.loader = paging.NewLoader(store, cfg.LoadTimeout, logger.Named("loader"), lopts...)
	}
	return r
}

// MaxPageSize returns the largest limit Page accepts.
func (r *Repository) MaxPageSize() int { return r.cfg.MaxPageSize }

// PageSize returns the configured page size.
func (r *Repository) PageSize() int { return r.cfg.PageSize }

// Subscribe opens a browsing session for q and starts loading its first
// page. The returned Subscription must be closed.
func (r *Repository) Subscribe(ctx context.Context, q models.Query) (*Subscription, error) {
	q, err := normalize(q)
	if err != nil {
		return nil, err
	}
	return newSubscription(ctx, r, q), nil
}

// Page loads a single page without a session. It suits stateless clients
// that track offsets themselves. A limit above MaxPageSize is rejected with
// ErrInvalidParameters.
func (r *Repository) Page(ctx context.Context, q models.Query, limit, offset int) (models.Page, error) {
	q, err := normalize(q)
	if err != nil {
		return models.Page{}, err
	}
	if limit == 0 {
		limit = r.cfg.PageSize
	}
	return run(r, ctx, func(ctx context.Context) (models.Page, error) {
		return r.loader.Load(ctx, q, limit, offset)
	})
}

// GetByID returns one record or ErrNotFound.
func (r *Repository) GetByID(ctx context.Context, id string) (models.Record, error) {
	return run(r, ctx, func(ctx context.Context) (models.Record, error) {
		rec, err := r.store.Get(ctx, id)
		if err != nil {
			return models.Record{}, classify(err)
		}
		return *rec, nil
	})
}

// Create inserts rec and returns it with defaults filled in.
func (r *Repository) Create(ctx context.Context, rec models.Record) (models.Record, error) {
	return run(r, ctx, func(ctx context.Context) (models.Record, error) {
		if err := r.store.Insert(ctx, &rec); err != nil {
			return models.Record{}, classify(err)
		}
		return rec, nil
	})
}

// Update replaces the mutable fields of rec.
func (r *Repository) Update(ctx context.Context, rec models.Record) (models.Record, error) {
	return run(r, ctx, func(ctx context.Context) (models.Record, error) {
		if err := r.store.Update(ctx, &rec); err != nil {
			return models.Record{}, classify(err)
		}
		return rec, nil
	})
}

// Delete removes the record with id.
func (r *Repository) Delete(ctx context.Context, id string) error {
	_, err := run(r, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, classify(r.store.Delete(ctx, id))
	})
	return err
}

func (r *Repository) newEngine(ctx context.Context, q models.Query, session uint64) *paging.Engine {
	return paging.NewEngine(ctx, q, r.loader, r.pool, paging.EngineConfig{
		Session:  session,
		PageSize: r.cfg.PageSize,
	}, r.logger.Named("engine"))
}

// run executes fn on the pool. A pool that cannot take more work counts as
// an unavailable store.
func run[T any](r *Repository, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := worker.Do(r.pool, ctx, fn)
	if errors.Is(err, worker.ErrQueueFull) || errors.Is(err, worker.ErrStopped) {
		return v, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return v, err
}

// classify passes through errors callers act on and folds everything else
// into ErrStoreUnavailable.
func classify(err error) error {
	switch {
	case err == nil,
		errors.Is(err, records.ErrNotFound),
		errors.Is(err, records.ErrAlreadyExists),
		errors.Is(err, records.ErrInvalidRecord),
		errors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// normalize fills the default order and rejects unknown ones.
func normalize(q models.Query) (models.Query, error) {
	if q.Order == "" {
		q.Order = models.SortAscByTitle
	}
	if !q.Order.Valid() {
		return q, fmt.Errorf("%w: sort order %q", ErrInvalidParameters, q.Order)
	}
	return q, nil
}
