package paging

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/HerbHall/herbarium/internal/worker"
	"github.com/HerbHall/herbarium/pkg/models"
)

// State is the lifecycle position of an Engine.
type State int32

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateExhausted
	StateFailed
	StateInvalidated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateExhausted:
		return "exhausted"
	case StateFailed:
		return "failed"
	case StateInvalidated:
		return "invalidated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateInvalidated || s == StateClosed
}

// UpdateKind tags the payload of an Update.
type UpdateKind int

const (
	// UpdatePage carries newly loaded records to append.
	UpdatePage UpdateKind = iota + 1
	// UpdateError reports a failed load. Page.Offset is the offset that failed.
	UpdateError
	// UpdateReset tells the consumer to drop everything it holds for older
	// sessions. It is produced by the subscription, never by an Engine.
	UpdateReset
)

func (k UpdateKind) String() string {
	switch k {
	case UpdatePage:
		return "page"
	case UpdateError:
		return "error"
	case UpdateReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Update is one event on a browsing stream.
type Update struct {
	Kind    UpdateKind
	Session uint64
	Page    models.Page
	Err     error
}

// Snapshot is a point-in-time view of an Engine.
type Snapshot struct {
	State  State
	Offset int
	Loaded int
	Pages  int
}

// EngineConfig fixes the parameters of one browsing session.
type EngineConfig struct {
	Session  uint64
	PageSize int
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdMore
	cmdRetry
	cmdInvalidate
	cmdSnapshot
)

type command struct {
	kind  commandKind
	reply chan reply
}

type reply struct {
	ok   bool
	snap Snapshot
}

// Engine loads the pages of one query in order and emits them on Updates.
// All session state lives in a single goroutine; the exported methods talk
// to it over channels, so they are safe for concurrent use.
//
// Loads happen only on demand: Start fetches the first page and each
// RequestMore fetches one more. At most one load is in flight. Records whose
// ID was already emitted in this session are dropped from later pages.
//
// The engine goroutine runs until Invalidate, Close or cancellation of the
// context given to NewEngine. Updates is closed when it exits.
type Engine struct {
	query  models.Query
	cfg    EngineConfig
	loader PageLoader
	pool   *worker.Pool
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	cmds    chan command
	updates chan Update
	exited  chan struct{}
	final   atomic.Int32
	once    sync.Once
}

// NewEngine creates an idle engine for q. Nothing is loaded until Start.
func NewEngine(ctx context.Context, q models.Query, loader PageLoader, pool *worker.Pool, cfg EngineConfig, logger *zap.Logger) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	ectx, cancel := context.WithCancel(ctx)
	e := &Engine{
		query:  q,
		cfg:    cfg,
		loader: loader,
		pool:   pool,
		logger: logger.With(
			zap.Uint64("session", cfg.Session),
			zap.String("search", q.Search),
			zap.String("order", string(q.Order)),
		),
		ctx:     ectx,
		cancel:  cancel,
		cmds:    make(chan command),
		updates: make(chan Update),
		exited:  make(chan struct{}),
	}
	e.final.Store(int32(StateIdle))
	go e.run()
	return e
}

// Query returns the query this engine serves.
func (e *Engine) Query() models.Query { return e.query }

// Session returns the session number stamped on every update.
func (e *Engine) Session() uint64 { return e.cfg.Session }

// Updates delivers pages and errors in load order.
func (e *Engine) Updates() <-chan Update { return e.updates }

// Done is closed once the engine has stopped.
func (e *Engine) Done() <-chan struct{} { return e.exited }

// Start begins loading the first page. It reports false unless the engine
// was idle.
func (e *Engine) Start() bool { return e.send(cmdStart).ok }

// RequestMore loads the next page. It reports false, and does nothing, unless
// the engine is Ready; repeated calls while a load is in flight are no-ops.
func (e *Engine) RequestMore() bool { return e.send(cmdMore).ok }

// Retry re-issues the failed first load. It reports false unless the engine
// is Failed.
func (e *Engine) Retry() bool { return e.send(cmdRetry).ok }

// Invalidate ends the session because the underlying data may have changed.
// Any in-flight load is abandoned and queued updates are dropped. It reports
// false if the engine had already stopped.
func (e *Engine) Invalidate() bool { return e.send(cmdInvalidate).ok }

// Close stops the engine and waits for its goroutine to exit.
func (e *Engine) Close() {
	e.once.Do(e.cancel)
	<-e.exited
}

// Snapshot returns the engine's current position.
func (e *Engine) Snapshot() Snapshot {
	r := e.send(cmdSnapshot)
	if !r.ok {
		return Snapshot{State: State(e.final.Load())}
	}
	return r.snap
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return e.Snapshot().State }

func (e *Engine) send(kind commandKind) reply {
	c := command{kind: kind, reply: make(chan reply, 1)}
	select {
	case e.cmds <- c:
		// The run loop always replies to a command it has received.
		return <-c.reply
	case <-e.exited:
		return reply{}
	}
}

// session is the state owned by the run goroutine.
type session struct {
	state  State
	offset int
	pages  int
	loaded map[string]struct{}

	inflight   *worker.Future[models.Page]
	loadOffset int
	cancelLoad context.CancelFunc

	queue []Update
}

func (s *session) snapshot() Snapshot {
	return Snapshot{State: s.state, Offset: s.offset, Loaded: len(s.loaded), Pages: s.pages}
}

func (e *Engine) run() {
	s := &session{state: StateIdle, loaded: make(map[string]struct{})}
	defer func() {
		if s.cancelLoad != nil {
			s.cancelLoad()
		}
		e.cancel()
		e.final.Store(int32(s.state))
		close(e.updates)
		close(e.exited)
		e.logger.Debug("paging engine stopped",
			zap.Stringer("state", s.state),
			zap.Int("pages", s.pages),
			zap.Int("records", len(s.loaded)),
			zap.Int("dropped_updates", len(s.queue)),
		)
	}()

	for {
		var out chan<- Update
		var next Update
		if len(s.queue) > 0 {
			out = e.updates
			next = s.queue[0]
		}
		var loadDone <-chan struct{}
		if s.inflight != nil {
			loadDone = s.inflight.Done()
		}

		select {
		case <-e.ctx.Done():
			s.state = StateClosed
			return

		case c := <-e.cmds:
			c.reply <- e.handle(s, c.kind)
			if s.state.Terminal() {
				return
			}

		case <-loadDone:
			e.apply(s)

		case out <- next:
			s.queue[0] = Update{}
			s.queue = s.queue[1:]
		}
	}
}

func (e *Engine) handle(s *session, kind commandKind) reply {
	switch kind {
	case cmdStart:
		if s.state != StateIdle {
			return reply{}
		}
		e.load(s)
		return reply{ok: true}
	case cmdMore:
		if s.state != StateReady {
			return reply{}
		}
		e.load(s)
		return reply{ok: true}
	case cmdRetry:
		if s.state != StateFailed {
			return reply{}
		}
		e.logger.Debug("retrying first page")
		e.load(s)
		return reply{ok: true}
	case cmdInvalidate:
		s.state = StateInvalidated
		return reply{ok: true}
	case cmdSnapshot:
		return reply{ok: true, snap: s.snapshot()}
	}
	return reply{}
}

// load submits the page at s.offset. A saturated or stopped pool fails the
// load immediately.
func (e *Engine) load(s *session) {
	ctx, cancel := context.WithCancel(e.ctx)
	offset := s.offset
	f, err := worker.Submit(e.pool, ctx, func(ctx context.Context) (models.Page, error) {
		return e.loader.Load(ctx, e.query, e.cfg.PageSize, offset)
	})
	if err != nil {
		cancel()
		e.fail(s, offset, fmt.Errorf("%w: %w", ErrStoreUnavailable, err))
		return
	}
	s.state = StateLoading
	s.inflight = f
	s.loadOffset = offset
	s.cancelLoad = cancel
}

// apply folds the finished in-flight load into the session.
func (e *Engine) apply(s *session) {
	page, err := s.inflight.Result()
	s.cancelLoad()
	s.inflight, s.cancelLoad = nil, nil

	if err != nil {
		e.fail(s, s.loadOffset, err)
		return
	}

	fresh := make([]models.Record, 0, len(page.Records))
	for _, r := range page.Records {
		if _, seen := s.loaded[r.ID]; seen {
			continue
		}
		s.loaded[r.ID] = struct{}{}
		fresh = append(fresh, r)
	}
	if dropped := len(page.Records) - len(fresh); dropped > 0 {
		e.logger.Debug("dropped records already emitted",
			zap.Int("offset", s.loadOffset),
			zap.Int("count", dropped),
		)
	}

	s.offset = s.loadOffset + e.cfg.PageSize
	s.pages++
	if page.Last {
		s.state = StateExhausted
	} else {
		s.state = StateReady
	}
	s.queue = append(s.queue, Update{
		Kind:    UpdatePage,
		Session: e.cfg.Session,
		Page: models.Page{
			Session: e.cfg.Session,
			Offset:  s.loadOffset,
			Records: fresh,
			Last:    page.Last,
		},
	})
}

// fail records a load error. A session that already delivered a page stays
// usable so the consumer can ask again; otherwise it waits for Retry.
func (e *Engine) fail(s *session, offset int, err error) {
	if s.pages > 0 {
		s.state = StateReady
	} else {
		s.state = StateFailed
	}
	e.logger.Warn("page load failed",
		zap.Int("offset", offset),
		zap.Stringer("state", s.state),
		zap.Error(err),
	)
	s.queue = append(s.queue, Update{
		Kind:    UpdateError,
		Session: e.cfg.Session,
		Page:    models.Page{Session: e.cfg.Session, Offset: offset},
		Err:     err,
	})
}
