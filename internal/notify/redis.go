package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/HerbHall/herbarium/internal/event"
)

// RedisConfig selects the server and pub/sub channel used to exchange
// change signals with other instances.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// DefaultRedisChannel is the channel used when none is configured.
const DefaultRedisChannel = "herbarium:records:changed"

// RedisBridge is the Redis pub/sub counterpart of MQTTBridge.
type RedisBridge struct {
	cfg    RedisConfig
	origin string
	hub    *Hub
	client *redis.Client
	bus    event.Subscriber
	fwd    *forwarder
	logger *zap.Logger

	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// NewRedisBridge builds a bridge. bus may be nil to only receive.
func NewRedisBridge(cfg RedisConfig, hub *Hub, bus event.Subscriber, logger *zap.Logger) (*RedisBridge, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultRedisChannel
	}
	b := &RedisBridge{
		cfg:    cfg,
		origin: "herbarium-" + uuid.NewString()[:8],
		hub:    hub,
		bus:    bus,
		logger: logger,
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
	b.fwd = newForwarder(b.origin, b.publish, logger)
	return b, nil
}

func (b *RedisBridge) Name() string { return "notify.redis" }

// Start pings the server, subscribes to the channel and begins relaying.
func (b *RedisBridge) Start(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: failed to ping %s: %w", b.cfg.Addr, err)
	}
	b.pubsub = b.client.Subscribe(ctx, b.cfg.Channel)
	if _, err := b.pubsub.Receive(ctx); err != nil {
		_ = b.pubsub.Close()
		return fmt.Errorf("redis: subscribe %s: %w", b.cfg.Channel, err)
	}

	ch := b.pubsub.Channel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range ch {
			b.handle(msg)
		}
	}()
	if b.bus != nil {
		b.fwd.start(b.bus)
	}
	b.logger.Info("redis bridge subscribed",
		zap.String("addr", b.cfg.Addr),
		zap.String("channel", b.cfg.Channel),
	)
	return nil
}

// Stop closes the subscription, waits for the relay goroutine and closes
// the client.
func (b *RedisBridge) Stop(_ context.Context) error {
	b.fwd.stop()
	if b.pubsub != nil {
		if err := b.pubsub.Close(); err != nil {
			b.logger.Warn("redis: close subscription", zap.Error(err))
		}
		b.wg.Wait()
	}
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("redis: failed to close connection: %w", err)
	}
	return nil
}

func (b *RedisBridge) handle(msg *redis.Message) {
	c := decodeChange([]byte(msg.Payload))
	if c.Origin == b.origin {
		return
	}
	b.logger.Debug("remote record change",
		zap.String("origin", c.Origin),
		zap.String("topic", c.Topic),
	)
	b.hub.Notify()
}

func (b *RedisBridge) publish(payload []byte) error {
	return b.client.Publish(context.Background(), b.cfg.Channel, payload).Err()
}
