package mirror

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"i4.energy/across/cellmqtt/modem"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeClient records publishes. Methods the bridge does not use are left to
// the embedded nil interface.
type fakeClient struct {
	pahomqtt.Client
	mu           sync.Mutex
	connected    bool
	err          error
	sent         []published
	disconnected bool
}

func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = p
	case string:
		b = []byte(p)
	}
	c.sent = append(c.sent, published{topic: topic, retained: retained, payload: b})
	return doneToken{err: c.err}
}

func (c *fakeClient) Disconnect(uint) { c.disconnected = true }

func newTestBridge(client *fakeClient, outbox OutboxFunc) *Bridge {
	return &Bridge{
		client: client,
		cfg:    Config{Prefix: "gw"},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		outbox: outbox,
	}
}

func TestConnectRequiresBroker(t *testing.T) {
	if _, err := Connect(Config{}, nil, nil); !errors.Is(err, ErrNoBroker) {
		t.Errorf("expected ErrNoBroker, got: %v", err)
	}
}

func TestStatus(t *testing.T) {
	client := &fakeClient{connected: true}
	b := newTestBridge(client, nil)

	b.Status(modem.Status{State: modem.StateMqttConnected, SignalStrength: 48, MQTTConnected: true})

	if len(client.sent) != 1 {
		t.Fatalf("published %d messages, want 1", len(client.sent))
	}
	got := client.sent[0]
	if got.topic != "gw/status" || !got.retained {
		t.Errorf("published to %q retained=%v", got.topic, got.retained)
	}
	var doc map[string]any
	if err := json.Unmarshal(got.payload, &doc); err != nil {
		t.Fatalf("invalid status JSON: %v", err)
	}
	if doc["state"] != "mqtt_connected" || doc["signal_strength"] != float64(48) || doc["mqtt_status"] != true {
		t.Errorf("status document = %v", doc)
	}
	if _, ok := doc["timestamp"]; !ok {
		t.Error("status document has no timestamp")
	}
}

func TestStatusNotConnected(t *testing.T) {
	client := &fakeClient{}
	b := newTestBridge(client, nil)

	b.Status(modem.Status{State: modem.StateOff})
	if len(client.sent) != 0 {
		t.Errorf("published while disconnected: %v", client.sent)
	}
	if err := b.publish("gw/status", nil, true); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got: %v", err)
	}
}

func TestPublishError(t *testing.T) {
	brokerErr := errors.New("not authorized")
	b := newTestBridge(&fakeClient{connected: true, err: brokerErr}, nil)

	err := b.publish("gw/inbox", []byte("{}"), false)
	if !errors.Is(err, ErrPublishFailed) || !errors.Is(err, brokerErr) {
		t.Errorf("expected wrapped publish error, got: %v", err)
	}
}

func TestDelivery(t *testing.T) {
	client := &fakeClient{connected: true}
	b := newTestBridge(client, nil)

	b.Delivery(modem.Message{Kind: modem.MessageDelivery, Topic: "site/cmd/relay", Payload: "on"})

	if len(client.sent) != 1 || client.sent[0].topic != "gw/inbox" || client.sent[0].retained {
		t.Fatalf("published = %+v", client.sent)
	}
	var doc deliveryDocument
	if err := json.Unmarshal(client.sent[0].payload, &doc); err != nil {
		t.Fatalf("invalid delivery JSON: %v", err)
	}
	if doc.Topic != "site/cmd/relay" || doc.Payload != "on" {
		t.Errorf("delivery document = %+v", doc)
	}
}

func TestForward(t *testing.T) {
	type call struct{ suffix, payload string }
	var calls []call
	b := newTestBridge(&fakeClient{connected: true}, func(suffix, payload string) error {
		calls = append(calls, call{suffix, payload})
		return nil
	})

	if err := b.forward("gw/outbox/alarm", []byte(`{"level":2}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 1 || calls[0] != (call{"alarm", `{"level":2}`}) {
		t.Errorf("outbox calls = %+v", calls)
	}

	if err := b.forward("other/outbox/alarm", []byte("x")); err == nil {
		t.Error("expected an error for a foreign topic")
	}

	rejected := errors.New("outbox full")
	b.outbox = func(string, string) error { return rejected }
	if err := b.forward("gw/outbox/alarm", []byte("x")); !errors.Is(err, rejected) {
		t.Errorf("expected outbox error, got: %v", err)
	}
}

func TestOutboxSuffix(t *testing.T) {
	tests := []struct {
		topic  string
		suffix string
		ok     bool
	}{
		{"gw/outbox/alarm", "alarm", true},
		{"gw/outbox/meter/1", "meter/1", true},
		{"gw/outbox/", "", false},
		{"gw/inbox", "", false},
		{"gwx/outbox/alarm", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			suffix, ok := outboxSuffix("gw", tt.topic)
			if suffix != tt.suffix || ok != tt.ok {
				t.Errorf("outboxSuffix() = %q, %v; want %q, %v", suffix, ok, tt.suffix, tt.ok)
			}
		})
	}
}

func TestClose(t *testing.T) {
	client := &fakeClient{connected: true}
	b := newTestBridge(client, nil)

	if err := b.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !client.disconnected {
		t.Error("client not disconnected")
	}
	if len(client.sent) != 1 || client.sent[0].topic != "gw/online" || string(client.sent[0].payload) != "false" {
		t.Errorf("offline announcement = %+v", client.sent)
	}
}
