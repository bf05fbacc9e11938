package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"
)

type fakeSubscriber struct {
	received chan []byte
	fail     bool
	closed   chan struct{}
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{
		received: make(chan []byte, 16),
		closed:   make(chan struct{}, 1),
	}
}

func (f *fakeSubscriber) Send(payload []byte) error {
	if f.fail {
		return errors.New("send failed")
	}
	f.received <- payload
	return nil
}

func (f *fakeSubscriber) Close() {
	select {
	case f.closed <- struct{}{}:
	default:
	}
}

func (f *fakeSubscriber) wait(t *testing.T) Event {
	t.Helper()
	select {
	case payload := <-f.received:
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func (f *fakeSubscriber) expectNone(t *testing.T) {
	t.Helper()
	select {
	case payload := <-f.received:
		t.Fatalf("unexpected event: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubBroadcastsToAllByDefault(t *testing.T) {
	hub := NewHub(slog.Default())
	a := newFakeSubscriber()
	b := newFakeSubscriber()
	hub.Register(a)
	hub.Register(b)

	hub.Publish(EventPipelineStarted, map[string]string{"id": "run_1"})

	for _, sub := range []*fakeSubscriber{a, b} {
		ev := sub.wait(t)
		if ev.Type != EventPipelineStarted {
			t.Errorf("unexpected event type %q", ev.Type)
		}
		if ev.Timestamp.IsZero() {
			t.Error("event timestamp not set")
		}
	}
}

func TestHubFilterNarrowsEvents(t *testing.T) {
	hub := NewHub(slog.Default())
	sub := newFakeSubscriber()
	hub.Register(sub)
	hub.SetFilter(sub, []string{EventAlert})

	hub.Publish(EventStageUpdated, map[string]string{"id": "run_1"})
	sub.expectNone(t)

	hub.Publish(EventAlert, map[string]string{"id": "alert_1"})
	ev := sub.wait(t)
	if ev.Type != EventAlert {
		t.Errorf("unexpected event type %q", ev.Type)
	}
}

func TestHubEmptyFilterResetsToAll(t *testing.T) {
	hub := NewHub(slog.Default())
	sub := newFakeSubscriber()
	hub.Register(sub)
	hub.SetFilter(sub, []string{EventAlert})
	hub.SetFilter(sub, nil)

	hub.Publish(EventStageUpdated, map[string]string{"id": "run_1"})
	if ev := sub.wait(t); ev.Type != EventStageUpdated {
		t.Errorf("unexpected event type %q", ev.Type)
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	hub := NewHub(slog.Default())
	bad := newFakeSubscriber()
	bad.fail = true
	good := newFakeSubscriber()
	hub.Register(bad)
	hub.Register(good)

	hub.Publish(EventAlert, nil)

	select {
	case <-bad.closed:
	case <-time.After(time.Second):
		t.Fatal("failing subscriber was not closed")
	}
	if ev := good.wait(t); ev.Type != EventAlert {
		t.Errorf("healthy subscriber missed event, got %q", ev.Type)
	}

	hub.Publish(EventAlert, nil)
	if ev := good.wait(t); ev.Type != EventAlert {
		t.Errorf("second publish missed, got %q", ev.Type)
	}
}

func TestHubUnregisterClosesClient(t *testing.T) {
	hub := NewHub(slog.Default())
	sub := newFakeSubscriber()
	hub.Register(sub)
	hub.Unregister(sub)

	select {
	case <-sub.closed:
	case <-time.After(time.Second):
		t.Fatal("unregistered subscriber was not closed")
	}

	hub.Publish(EventAlert, nil)
	sub.expectNone(t)
}
