// Package mirror republishes what the cellular link sees onto a local MQTT
// broker and feeds a local outbox topic back into the modem.
//
// Topics, relative to the configured prefix:
//
//	{prefix}/status        retained JSON status snapshot
//	{prefix}/inbox         one JSON document per delivery read from the modem
//	{prefix}/outbox/{sfx}  payloads published here go out through the modem
//	                       to {main}/{sfx}
//
// The bridge is optional. A daemon without a local broker never opens one.
package mirror

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"i4.energy/across/cellmqtt/modem"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	keepAlive         = 60 * time.Second
	qos               = 1
)

var (
	ErrNoBroker      = errors.New("mirror: broker URL is required")
	ErrConnectFailed = errors.New("mirror: connect failed")
	ErrPublishFailed = errors.New("mirror: publish failed")
	ErrNotConnected  = errors.New("mirror: not connected")
)

// Config describes the local broker.
type Config struct {
	// Broker is a paho broker URL, e.g. "tcp://localhost:1883".
	Broker   string
	ClientID string
	Username string
	Password string
	// Prefix is prepended to every topic. Defaults to "cellmqtt".
	Prefix string
}

// OutboxFunc receives payloads published to the outbox topic.
type OutboxFunc func(suffix, payload string) error

// Bridge is a connected mirror.
type Bridge struct {
	client pahomqtt.Client
	cfg    Config
	logger *slog.Logger
	outbox OutboxFunc

	mu        sync.Mutex
	lastState modem.State
	published bool
}

// Connect dials the local broker, subscribes to the outbox and announces the
// bridge online. The broker publishes an offline status if the process dies.
func Connect(cfg Config, logger *slog.Logger, outbox OutboxFunc) (*Bridge, error) {
	if cfg.Broker == "" {
		return nil, ErrNoBroker
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "cellmqtt"
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bridge{cfg: cfg, logger: logger, outbox: outbox}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive).
		SetWill(b.topic("online"), "false", qos, true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	// Subscriptions are dropped with a clean session, so restore them on
	// every (re)connect.
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		c.Subscribe(b.topic("outbox/#"), qos, b.handle)
		c.Publish(b.topic("online"), qos, true, "true")
		logger.Info("mirror connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("mirror connection lost", "error", err)
	})

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	return b, nil
}

func (b *Bridge) topic(name string) string {
	return b.cfg.Prefix + "/" + name
}

// Status publishes a retained status snapshot. State transitions are logged.
func (b *Bridge) Status(s modem.Status) {
	b.mu.Lock()
	changed := !b.published || b.lastState != s.State
	b.lastState, b.published = s.State, true
	b.mu.Unlock()
	if changed {
		b.logger.Info("modem state", "state", s.State, "signal", s.SignalStrength)
	}

	payload, err := encodeStatus(s, time.Now())
	if err != nil {
		b.logger.Error("encode status", "error", err)
		return
	}
	if err := b.publish(b.topic("status"), payload, true); err != nil {
		b.logger.Warn("mirror status", "error", err)
	}
}

// Delivery forwards a message received over the cellular session.
func (b *Bridge) Delivery(m modem.Message) {
	payload, err := encodeDelivery(m, time.Now())
	if err != nil {
		b.logger.Error("encode delivery", "error", err)
		return
	}
	if err := b.publish(b.topic("inbox"), payload, false); err != nil {
		b.logger.Warn("mirror delivery", "error", err, "topic", m.Topic)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) error {
	if !b.client.IsConnected() {
		return ErrNotConnected
	}
	token := b.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

func (b *Bridge) handle(_ pahomqtt.Client, msg pahomqtt.Message) {
	if err := b.forward(msg.Topic(), msg.Payload()); err != nil {
		b.logger.Warn("mirror outbox", "topic", msg.Topic(), "error", err)
	}
}

func (b *Bridge) forward(topic string, payload []byte) error {
	suffix, ok := outboxSuffix(b.cfg.Prefix, topic)
	if !ok {
		return fmt.Errorf("not an outbox topic: %s", topic)
	}
	if b.outbox == nil {
		return nil
	}
	return b.outbox(suffix, string(payload))
}

// outboxSuffix returns the part of topic after {prefix}/outbox/.
func outboxSuffix(prefix, topic string) (string, bool) {
	suffix, ok := strings.CutPrefix(topic, prefix+"/outbox/")
	if !ok || suffix == "" {
		return "", false
	}
	return suffix, true
}

// Close announces the bridge offline and disconnects.
func (b *Bridge) Close() error {
	if b.client == nil {
		return nil
	}
	if b.client.IsConnected() {
		token := b.client.Publish(b.topic("online"), qos, true, "false")
		token.WaitTimeout(publishTimeout)
	}
	b.client.Disconnect(disconnectQuiesce)
	return nil
}
