package repository

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/HerbHall/herbarium/internal/paging"
	"github.com/HerbHall/herbarium/pkg/models"
)

// Subscription is one consumer's browsing slot. It holds at most one live
// Engine; a change signal or SetQuery replaces it with a fresh one that
// starts from offset 0, announced by an UpdateReset carrying the new
// session number.
//
// Updates is closed after Close, or when the context passed to Subscribe is
// canceled.
type Subscription struct {
	repo    *Repository
	updates chan paging.Update
	signal  chan struct{}
	exited  chan struct{}
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	query   models.Query
	engine  *paging.Engine
	session uint64
}

func newSubscription(ctx context.Context, r *Repository, q models.Query) *Subscription {
	sctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		repo:    r,
		updates: make(chan paging.Update),
		signal:  make(chan struct{}, 1),
		exited:  make(chan struct{}),
		ctx:     sctx,
		cancel:  cancel,
		query:   q,
		session: r.sessions.Add(1),
	}
	s.logger = r.logger.With(zap.Uint64("subscription", s.session))
	s.engine = r.newEngine(sctx, q, s.session)

	stop := func() {}
	if r.notifier != nil {
		stop = r.notifier.OnPossibleChange(s.poke)
	}
	r.observer.SubscriptionOpened()
	s.engine.Start()
	go s.run(s.engine, stop)
	return s
}

// Updates delivers pages, errors and reset markers in order.
func (s *Subscription) Updates() <-chan paging.Update { return s.updates }

// Query returns the query of the current session.
func (s *Subscription) Query() models.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query
}

// Session returns the current session number.
func (s *Subscription) Session() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// State returns the state of the current engine.
func (s *Subscription) State() paging.State {
	return s.current().State()
}

// RequestMore asks the current session for its next page. It reports false
// when no load was started.
func (s *Subscription) RequestMore() bool {
	return s.current().RequestMore()
}

// Retry re-issues a failed first page load.
func (s *Subscription) Retry() bool {
	return s.current().Retry()
}

// SetQuery replaces the session with one for q. The switch is asynchronous;
// the consumer sees it as an UpdateReset.
func (s *Subscription) SetQuery(q models.Query) error {
	q, err := normalize(q)
	if err != nil {
		return err
	}
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	s.mu.Lock()
	s.query = q
	s.mu.Unlock()
	s.poke()
	return nil
}

// Invalidate restarts the session as if a change had been signalled.
func (s *Subscription) Invalidate() { s.poke() }

// Close ends the subscription and waits for its goroutine to exit. In-flight
// loads are abandoned and nothing is delivered afterwards.
func (s *Subscription) Close() {
	s.cancel()
	<-s.exited
}

// Done is closed once the subscription has stopped.
func (s *Subscription) Done() <-chan struct{} { return s.exited }

func (s *Subscription) current() *paging.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// poke records a pending restart. Signals arriving before the restart is
// handled collapse into one.
func (s *Subscription) poke() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) run(eng *paging.Engine, stopNotify func()) {
	defer func() {
		stopNotify()
		eng.Close()
		close(s.updates)
		close(s.exited)
		s.repo.observer.SubscriptionClosed()
		s.logger.Debug("subscription closed")
	}()

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-s.signal:
			eng = s.restart(eng)
			if !s.emit(paging.Update{Kind: paging.UpdateReset, Session: eng.Session()}) {
				return
			}

		case u, ok := <-eng.Updates():
			if !ok {
				return
			}
			if !s.emit(u) {
				return
			}
		}
	}
}

// restart abandons old and starts a fresh engine for the latest query.
func (s *Subscription) restart(old *paging.Engine) *paging.Engine {
	old.Invalidate()

	s.mu.Lock()
	s.session = s.repo.sessions.Add(1)
	eng := s.repo.newEngine(s.ctx, s.query, s.session)
	s.engine = eng
	q := s.query
	s.mu.Unlock()

	s.repo.observer.Invalidated()
	s.logger.Debug("session restarted",
		zap.Uint64("session", eng.Session()),
		zap.String("search", q.Search),
		zap.String("order", string(q.Order)),
	)
	eng.Start()
	return eng
}

func (s *Subscription) emit(u paging.Update) bool {
	select {
	case s.updates <- u:
		return true
	case <-s.ctx.Done():
		return false
	}
}
