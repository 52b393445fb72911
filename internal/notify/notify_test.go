package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"perfwatch/internal/storage"
)

func TestPublishAndSubscribe(t *testing.T) {
	bus := NewBus(16)
	ch := bus.Subscribe("test-1")

	bus.Publish(Event{Type: IncidentCreated, Incident: storage.Incident{ID: "inc-1", MetricName: "p95_latency_ms"}})

	select {
	case evt := <-ch:
		if evt.Type != IncidentCreated {
			t.Fatalf("expected incident.created, got %s", evt.Type)
		}
		if evt.Incident.ID != "inc-1" {
			t.Fatalf("expected inc-1, got %s", evt.Incident.ID)
		}
		if evt.Timestamp.IsZero() {
			t.Fatal("timestamp should be set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	bus.Unsubscribe("test-1")
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus(16)
	ch1 := bus.Subscribe("s1")
	ch2 := bus.Subscribe("s2")

	bus.Publish(Event{Type: IncidentResolved})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Type != IncidentResolved {
				t.Fatalf("wrong type: %s", evt.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}

	if bus.SubscriberCount() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", bus.SubscriberCount())
	}
	bus.Unsubscribe("s1")
	bus.Unsubscribe("s2")
	bus.Unsubscribe("s2")
	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(1)
	_ = bus.Subscribe("slow")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: IncidentCreated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestEventJSON(t *testing.T) {
	evt := Event{Type: IncidentAcknowledged, Incident: storage.Incident{ID: "x", Status: storage.StatusAcknowledged}}
	var decoded map[string]any
	if err := json.Unmarshal(evt.JSON(), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "incident.acknowledged" {
		t.Fatalf("unexpected type %v", decoded["type"])
	}
	inc, _ := decoded["incident"].(map[string]any)
	if inc["status"] != "acknowledged" {
		t.Fatalf("unexpected incident payload %v", inc)
	}
}

type stubActive []storage.Incident

func (s stubActive) QueryActive(context.Context) ([]storage.Incident, error) {
	return s, nil
}

func TestHubSendsSnapshotThenEvents(t *testing.T) {
	bus := NewBus(8)
	hub := NewHub(bus, stubActive{{ID: "open-1", MetricName: "heap_usage_pct", Status: storage.StatusActive}}, zerolog.New(io.Discard))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var snap Snapshot
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.Type != "snapshot" || len(snap.Incidents) != 1 || snap.Incidents[0].ID != "open-1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if hub.Clients() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.Clients())
	}

	bus.Publish(Event{Type: IncidentResolved, Incident: storage.Incident{ID: "open-1", Status: storage.StatusResolved}})

	var evt Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Type != IncidentResolved || evt.Incident.ID != "open-1" {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestLogEventsStopsOnCancel(t *testing.T) {
	bus := NewBus(4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		LogEvents(ctx, bus, zerolog.New(io.Discard))
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	bus.Publish(Event{Type: IncidentCreated})
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("LogEvents did not return after cancel")
	}
	if bus.SubscriberCount() != 0 {
		t.Fatal("log sink should unsubscribe on exit")
	}
}

func TestReleaseOnlyDropsOwnChannel(t *testing.T) {
	bus := NewBus(4)
	first := bus.Subscribe("sink")
	second := bus.Subscribe("sink")

	if _, ok := <-first; ok {
		t.Fatal("replaced channel should be closed")
	}

	bus.Release("sink", first)
	if bus.SubscriberCount() != 1 {
		t.Fatalf("releasing a replaced channel must keep the newer subscriber, got %d", bus.SubscriberCount())
	}
	bus.Publish(Event{Type: IncidentCreated})
	select {
	case evt := <-second:
		if evt.Type != IncidentCreated {
			t.Fatalf("wrong type: %s", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("newer subscriber stopped receiving")
	}

	bus.Release("sink", second)
	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}
}

func TestTwoLogSinksShareBus(t *testing.T) {
	bus := NewBus(4)
	ctx, cancel := context.WithCancel(context.Background())
	firstCtx, stopFirst := context.WithCancel(ctx)
	defer cancel()

	firstDone := make(chan struct{})
	go func() {
		LogEvents(firstCtx, bus, zerolog.New(io.Discard))
		close(firstDone)
	}()
	go LogEvents(ctx, bus, zerolog.New(io.Discard))

	deadline := time.Now().Add(time.Second)
	for bus.SubscriberCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if bus.SubscriberCount() != 2 {
		t.Fatalf("expected both sinks subscribed, got %d", bus.SubscriberCount())
	}

	stopFirst()
	<-firstDone
	if bus.SubscriberCount() != 1 {
		t.Fatalf("stopping one sink must not detach the other, got %d", bus.SubscriberCount())
	}
}
