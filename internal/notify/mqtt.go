package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/herbarium/internal/event"
)

// MQTTConfig selects the broker and topic used to exchange change signals
// with other instances.
type MQTTConfig struct {
	Broker   string        `mapstructure:"broker"`
	Topic    string        `mapstructure:"topic"`
	ClientID string        `mapstructure:"client_id"`
	QoS      byte          `mapstructure:"qos"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DefaultMQTTTopic is the topic used when none is configured.
const DefaultMQTTTopic = "herbarium/records/changed"

// MQTTBridge subscribes to a broker topic and signals the hub for every
// change published by another instance. When given a local bus it also
// publishes local writes to the same topic.
type MQTTBridge struct {
	cfg    MQTTConfig
	hub    *Hub
	client mqtt.Client
	fwd    *forwarder
	bus    event.Subscriber
	logger *zap.Logger
}

// NewMQTTBridge builds a bridge. bus may be nil to only receive.
func NewMQTTBridge(cfg MQTTConfig, hub *Hub, bus event.Subscriber, logger *zap.Logger) (*MQTTBridge, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultMQTTTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "herbarium-" + uuid.NewString()[:8]
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	b := &MQTTBridge{cfg: cfg, hub: hub, bus: bus, logger: logger}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", zap.Error(err))
		})
	b.client = mqtt.NewClient(opts)
	b.fwd = newForwarder(cfg.ClientID, b.publish, logger)
	return b, nil
}

func (b *MQTTBridge) Name() string { return "notify.mqtt" }

// Start connects to the broker. The subscription is (re)established by the
// connect handler, so it survives reconnects.
func (b *MQTTBridge) Start(_ context.Context) error {
	tok := b.client.Connect()
	if !tok.WaitTimeout(b.cfg.Timeout) {
		return fmt.Errorf("mqtt connect to %s: timed out", b.cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", b.cfg.Broker, err)
	}
	if b.bus != nil {
		b.fwd.start(b.bus)
	}
	b.logger.Info("mqtt bridge connected",
		zap.String("broker", b.cfg.Broker),
		zap.String("topic", b.cfg.Topic),
	)
	return nil
}

// Stop unsubscribes and disconnects.
func (b *MQTTBridge) Stop(_ context.Context) error {
	b.fwd.stop()
	if !b.client.IsConnected() {
		return nil
	}
	b.client.Unsubscribe(b.cfg.Topic).WaitTimeout(b.cfg.Timeout)
	b.client.Disconnect(250)
	return nil
}

func (b *MQTTBridge) onConnect(c mqtt.Client) {
	tok := c.Subscribe(b.cfg.Topic, b.cfg.QoS, b.onMessage)
	if tok.WaitTimeout(b.cfg.Timeout) && tok.Error() != nil {
		b.logger.Error("mqtt subscribe failed", zap.String("topic", b.cfg.Topic), zap.Error(tok.Error()))
	}
}

func (b *MQTTBridge) onMessage(_ mqtt.Client, m mqtt.Message) {
	c := decodeChange(m.Payload())
	if c.Origin == b.cfg.ClientID {
		return
	}
	b.logger.Debug("remote record change",
		zap.String("origin", c.Origin),
		zap.String("topic", c.Topic),
	)
	b.hub.Notify()
}

func (b *MQTTBridge) publish(payload []byte) error {
	tok := b.client.Publish(b.cfg.Topic, b.cfg.QoS, false, payload)
	if !tok.WaitTimeout(b.cfg.Timeout) {
		return errors.New("timed out")
	}
	return tok.Error()
}
