package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nethergate/nethergate/internal/config"
	"github.com/nethergate/nethergate/internal/events"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type message struct {
	topic    string
	retained bool
	body     map[string]interface{}
}

type fakeBroker struct {
	mu        sync.Mutex
	connected bool
	messages  []message
}

func (b *fakeBroker) IsConnected() bool { return b.connected }

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var body map[string]interface{}
	json.Unmarshal(payload.([]byte), &body)
	b.mu.Lock()
	b.messages = append(b.messages, message{topic: topic, retained: retained, body: body})
	b.mu.Unlock()
	return doneToken{}
}

func (b *fakeBroker) sent() []message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]message(nil), b.messages...)
}

func TestDisabled(t *testing.T) {
	if _, err := NewMQTTHandler(config.MQTTConfig{}); err == nil {
		t.Fatal("disabled config accepted")
	}
}

func TestEventsArePublished(t *testing.T) {
	fb := &fakeBroker{connected: true}
	h := newHandler(config.MQTTConfig{TopicPrefix: "edge"}, map[string]interface{}{"hostname": "box"})
	h.broker = fb
	h.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }

	bus := events.NewEventBus()
	h.Subscribe(bus)
	ctx := context.Background()
	bus.EmitSync(ctx, events.Event{Type: events.EventQueryRegenerate, Payload: map[string]int{"players": 3}})
	bus.EmitSync(ctx, events.Event{Type: events.EventPlayerJoin, Payload: events.PlayerPayload{Name: "Steve"}})
	bus.Stop()

	got := fb.sent()
	if len(got) != 2 {
		t.Fatalf("published %d messages", len(got))
	}
	if got[0].topic != "edge/query" || !got[0].retained {
		t.Fatalf("query message = %+v", got[0])
	}
	if got[0].body["hostname"] != "box" || got[0].body["timestamp"] != "2026-03-01T00:00:00Z" {
		t.Fatalf("metadata missing: %v", got[0].body)
	}
	if got[1].topic != "edge/players" || got[1].retained {
		t.Fatalf("player message = %+v", got[1])
	}
	inner, _ := got[1].body["payload"].(map[string]interface{})
	if inner["event"] != "join" {
		t.Fatalf("player event = %v", inner)
	}
}

func TestNothingSentWhileDisconnected(t *testing.T) {
	fb := &fakeBroker{}
	h := newHandler(config.MQTTConfig{}, nil)
	h.broker = fb
	h.PublishShutdown("test")
	if len(fb.sent()) != 0 {
		t.Fatal("published while disconnected")
	}
	if h.Topic(TopicAdmin) != "nethergate/admin" {
		t.Fatalf("default topic = %s", h.Topic(TopicAdmin))
	}
}
