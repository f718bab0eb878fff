// Package bus is the in-process event hub that connects producers (the stream
// processor, the permission engine, the MCP manager) to consumers such as the
// websocket relay and CLI renderers.
//
// Handlers run synchronously on the publishing goroutine, in registration
// order, before Publish returns. Subscribers of the exact event type are
// invoked first, followed by wildcard subscribers.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// Wildcard is the subscription key that receives every event.
const Wildcard = "*"

var (
	// ErrUnknownEventType is returned when publishing an event whose type was
	// never defined, or whose payload does not match the defined schema.
	ErrUnknownEventType = errors.New("bus: unknown event type")
)

var (
	definitionsMu sync.RWMutex
	definitions   = map[string]reflect.Type{}
)

// EventType is a named event with a fixed payload type.
type EventType[T any] struct {
	name string
}

// Name returns the wire name of the event type.
func (e EventType[T]) Name() string {
	return e.name
}

// Define registers an event type. Defining the same name twice panics, since
// two packages claiming one event name is a programming error.
func Define[T any](name string) EventType[T] {
	definitionsMu.Lock()
	defer definitionsMu.Unlock()
	if _, exists := definitions[name]; exists {
		panic(fmt.Sprintf("bus: event type %q defined twice", name))
	}
	definitions[name] = reflect.TypeOf((*T)(nil)).Elem()
	return EventType[T]{name: name}
}

// Defined reports whether an event type with the given name exists.
func Defined(name string) bool {
	definitionsMu.RLock()
	defer definitionsMu.RUnlock()
	_, ok := definitions[name]
	return ok
}

// Event is the envelope delivered to wildcard subscribers and relays.
type Event struct {
	Type       string `json:"type"`
	Properties any    `json:"properties"`
}

// MarshalJSON keeps the envelope shape stable even when Properties is nil.
func (e Event) MarshalJSON() ([]byte, error) {
	props := e.Properties
	if props == nil {
		props = struct{}{}
	}
	return json.Marshal(struct {
		Type       string `json:"type"`
		Properties any    `json:"properties"`
	}{Type: e.Type, Properties: props})
}

type subscription struct {
	id      string
	key     string
	handler func(Event)
}

// Bus dispatches events to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	logger *slog.Logger
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string][]*subscription),
		logger: logger.With("component", "bus"),
	}
}

// Publish delivers a typed payload to every subscriber of et and to every
// wildcard subscriber.
func Publish[T any](b *Bus, et EventType[T], payload T) error {
	return b.PublishEvent(Event{Type: et.name, Properties: payload})
}

// PublishEvent delivers a raw envelope. The payload must match the type the
// event was defined with.
func (b *Bus) PublishEvent(event Event) error {
	definitionsMu.RLock()
	want, ok := definitions[event.Type]
	definitionsMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, event.Type)
	}
	if event.Properties == nil || reflect.TypeOf(event.Properties) != want {
		return fmt.Errorf("%w: %q expects payload %s, got %T", ErrUnknownEventType, event.Type, want, event.Properties)
	}

	b.mu.RLock()
	exact := append([]*subscription(nil), b.subs[event.Type]...)
	wild := append([]*subscription(nil), b.subs[Wildcard]...)
	b.mu.RUnlock()

	for _, sub := range exact {
		b.dispatch(sub, event)
	}
	for _, sub := range wild {
		b.dispatch(sub, event)
	}
	return nil
}

func (b *Bus) dispatch(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", event.Type,
				"subscription", sub.id,
				"panic", r)
		}
	}()
	sub.handler(event)
}

// Subscribe registers a typed handler and returns a function that removes it.
func Subscribe[T any](b *Bus, et EventType[T], handler func(T)) func() {
	return b.subscribe(et.name, func(e Event) {
		if payload, ok := e.Properties.(T); ok {
			handler(payload)
		}
	})
}

// Once registers a typed handler that is removed after its first delivery.
func Once[T any](b *Bus, et EventType[T], handler func(T)) func() {
	var (
		once  sync.Once
		unsub func()
		ready = make(chan struct{})
	)
	unsub = b.subscribe(et.name, func(e Event) {
		payload, ok := e.Properties.(T)
		if !ok {
			return
		}
		once.Do(func() {
			<-ready
			unsub()
			handler(payload)
		})
	})
	close(ready)
	return unsub
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(handler func(Event)) func() {
	return b.subscribe(Wildcard, handler)
}

func (b *Bus) subscribe(key string, handler func(Event)) func() {
	sub := &subscription{
		id:      uuid.NewString(),
		key:     key,
		handler: handler,
	}

	b.mu.Lock()
	b.subs[key] = append(b.subs[key], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(sub) })
	}
}

func (b *Bus) unsubscribe(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.key]
	for i, s := range list {
		if s.id != sub.id {
			continue
		}
		next := make([]*subscription, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, sub.key)
		} else {
			b.subs[sub.key] = next
		}
		return
	}
}

// SubscriberCount returns the number of handlers registered for key.
func (b *Bus) SubscriberCount(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[key])
}
