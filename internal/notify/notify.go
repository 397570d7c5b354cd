// Package notify fans "the records may have changed" signals out to live
// browsing sessions. Signals are coarse: every one of them means "reload",
// and sources are free to over-notify.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/HerbHall/herbarium/internal/event"
	"github.com/HerbHall/herbarium/pkg/models"
)

// Notifier lets a session learn about possible data changes.
type Notifier interface {
	// OnPossibleChange registers fn and returns a function that removes it.
	// fn runs on the signalling goroutine and must not block. Cancel is
	// idempotent, and fn is never called after cancel returns.
	OnPossibleChange(fn func()) (cancel func())
}

// recordTopics are the bus topics that imply a possible change.
var recordTopics = []string{
	event.TopicRecordCreated,
	event.TopicRecordUpdated,
	event.TopicRecordDeleted,
}

// Hub is an in-memory Notifier. Bridges call Notify; sessions register
// through OnPossibleChange.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func()
	logger *zap.Logger

	signals atomic.Int64
}

var _ Notifier = (*Hub)(nil)

// NewHub returns a Hub with no listeners.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{subs: make(map[uint64]func()), logger: logger}
}

// OnPossibleChange implements Notifier.
func (h *Hub) OnPossibleChange(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

// Notify signals every registered listener. The read lock is held while
// listeners run so that a cancel returning guarantees no further calls.
func (h *Hub) Notify() {
	h.signals.Add(1)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, fn := range h.subs {
		h.call(fn)
	}
}

func (h *Hub) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("change listener panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

// Listeners returns the number of registered listeners.
func (h *Hub) Listeners() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Signals returns how many times Notify has been called.
func (h *Hub) Signals() int64 {
	return h.signals.Load()
}

// Change is the wire form of a change signal exchanged between instances.
type Change struct {
	Origin string `json:"origin"`
	Topic  string `json:"topic"`
	ID     string `json:"id,omitempty"`
}

func encodeChange(origin string, e event.Event) ([]byte, error) {
	c := Change{Origin: origin, Topic: e.Topic}
	if rec, ok := e.Payload.(models.Record); ok {
		c.ID = rec.ID
	}
	return json.Marshal(c)
}

// decodeChange parses a signal. Payloads that are not a Change are still a
// valid signal from a foreign publisher, so only the origin matters here.
func decodeChange(payload []byte) Change {
	var c Change
	if err := json.Unmarshal(payload, &c); err != nil {
		return Change{}
	}
	return c
}

// forwardQueueSize bounds the change signals waiting for a slow broker.
const forwardQueueSize = 256

// forwarder publishes local bus events to a remote channel on behalf of a
// bridge. Bus handlers only enqueue; one goroutine owns the remote publish,
// so a stalled broker never holds up the writer that raised the event.
type forwarder struct {
	origin  string
	publish func(payload []byte) error
	logger  *zap.Logger
	unsub   []func()

	queue    chan forwardItem
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

type forwardItem struct {
	topic   string
	payload []byte
}

func newForwarder(origin string, publish func([]byte) error, logger *zap.Logger) *forwarder {
	return &forwarder{
		origin:  origin,
		publish: publish,
		logger:  logger,
		queue:   make(chan forwardItem, forwardQueueSize),
		quit:    make(chan struct{}),
	}
}

func (f *forwarder) start(sub event.Subscriber) {
	f.done = make(chan struct{})
	go f.run()
	for _, topic := range recordTopics {
		f.unsub = append(f.unsub, sub.Subscribe(topic, f.handle))
	}
}

// stop unsubscribes and waits for the publish goroutine. Signals still
// queued are dropped; peers over-notify anyway.
func (f *forwarder) stop() {
	for _, u := range f.unsub {
		u()
	}
	f.unsub = nil
	f.stopOnce.Do(func() { close(f.quit) })
	if f.done != nil {
		<-f.done
	}
}

func (f *forwarder) run() {
	defer close(f.done)
	for {
		select {
		case <-f.quit:
			return
		case it := <-f.queue:
			if err := f.publish(it.payload); err != nil {
				f.logger.Warn("forward change signal",
					zap.String("topic", it.topic),
					zap.Error(fmt.Errorf("publish: %w", err)),
				)
			}
		}
	}
}

func (f *forwarder) handle(_ context.Context, e event.Event) {
	payload, err := encodeChange(f.origin, e)
	if err != nil {
		f.logger.Warn("encode change signal", zap.Error(err))
		return
	}
	select {
	case f.queue <- forwardItem{topic: e.Topic, payload: payload}:
	default:
		f.logger.Warn("forward queue full, dropping change signal",
			zap.String("topic", e.Topic),
			zap.Int("capacity", cap(f.queue)),
		)
	}
}
