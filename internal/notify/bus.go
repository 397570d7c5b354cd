package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/HerbHall/herbarium/internal/event"
)

// BusBridge turns record write events on the in-process bus into hub
// signals.
type BusBridge struct {
	bus    event.Subscriber
	hub    *Hub
	logger *zap.Logger
	unsub  []func()
}

// NewBusBridge creates a bridge from bus to hub. Nothing is subscribed until
// Start.
func NewBusBridge(bus event.Subscriber, hub *Hub, logger *zap.Logger) *BusBridge {
	return &BusBridge{bus: bus, hub: hub, logger: logger}
}

func (b *BusBridge) Name() string { return "notify.bus" }

// Start subscribes to the record topics.
func (b *BusBridge) Start(_ context.Context) error {
	for _, topic := range recordTopics {
		b.unsub = append(b.unsub, b.bus.Subscribe(topic, b.handle))
	}
	b.logger.Debug("bus bridge subscribed", zap.Strings("topics", recordTopics))
	return nil
}

// Stop removes the subscriptions.
func (b *BusBridge) Stop(_ context.Context) error {
	for _, u := range b.unsub {
		u()
	}
	b.unsub = nil
	return nil
}

func (b *BusBridge) handle(_ context.Context, e event.Event) {
	b.logger.Debug("record change", zap.String("topic", e.Topic))
	b.hub.Notify()
}
