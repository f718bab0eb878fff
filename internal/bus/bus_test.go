package bus

import (
	"encoding/json"
	"errors"
	"testing"
)

type pingPayload struct {
	N int `json:"n"`
}

type pongPayload struct {
	Text string `json:"text"`
}

var (
	testPing = Define[pingPayload]("test.ping")
	testPong = Define[pongPayload]("test.pong")
)

func TestPublishRunsHandlersInRegistrationOrder(t *testing.T) {
	b := New(nil)
	var order []string

	Subscribe(b, testPing, func(p pingPayload) { order = append(order, "first") })
	b.SubscribeAll(func(e Event) { order = append(order, "wildcard") })
	Subscribe(b, testPing, func(p pingPayload) { order = append(order, "second") })

	if err := Publish(b, testPing, pingPayload{N: 1}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	want := []string{"first", "second", "wildcard"}
	if len(order) != len(want) {
		t.Fatalf("handlers = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("handlers = %v, want %v", order, want)
		}
	}
}

func TestPublishUnknownTypeFailsFast(t *testing.T) {
	b := New(nil)
	called := false
	b.SubscribeAll(func(e Event) { called = true })

	err := b.PublishEvent(Event{Type: "test.never-defined", Properties: pingPayload{}})
	if !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
	if called {
		t.Fatal("handler should not run for unknown event type")
	}
}

func TestPublishRejectsMismatchedPayload(t *testing.T) {
	b := New(nil)
	err := b.PublishEvent(Event{Type: testPing.Name(), Properties: pongPayload{Text: "x"}})
	if !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)
	count := 0
	unsub := Subscribe(b, testPong, func(p pongPayload) { count++ })

	_ = Publish(b, testPong, pongPayload{Text: "a"})
	unsub()
	unsub()
	_ = Publish(b, testPong, pongPayload{Text: "b"})

	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	if got := b.SubscriberCount(testPong.Name()); got != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0", got)
	}
}

func TestOnceDeliversSingleEvent(t *testing.T) {
	b := New(nil)
	var got []int
	Once(b, testPing, func(p pingPayload) { got = append(got, p.N) })

	_ = Publish(b, testPing, pingPayload{N: 1})
	_ = Publish(b, testPing, pingPayload{N: 2})

	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("got = %v, want [1]", got)
	}
}

func TestHandlerPanicDoesNotStopDispatch(t *testing.T) {
	b := New(nil)
	reached := false
	Subscribe(b, testPing, func(p pingPayload) { panic("boom") })
	Subscribe(b, testPing, func(p pingPayload) { reached = true })

	if err := Publish(b, testPing, pingPayload{}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if !reached {
		t.Fatal("second handler did not run after panic")
	}
}

func TestDefineTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate definition")
		}
	}()
	Define[pingPayload]("test.ping")
}

func TestEventMarshalShape(t *testing.T) {
	data, err := json.Marshal(Event{Type: "test.ping", Properties: pingPayload{N: 3}})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `{"type":"test.ping","properties":{"n":3}}` {
		t.Fatalf("unexpected JSON %s", data)
	}
}
