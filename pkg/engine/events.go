package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opereon/opereon/pkg/model"
)

// Event is a typed, raised occurrence. Events flow from raise tasks and poll
// probes to the handlers subscribed to their type or a declared supertype.
type Event struct {
	// Type is the declared event type name.
	Type string

	// Host is the hostname the event originated on, if any.
	Host string

	// Payload is the event data, if any.
	Payload *model.Node

	// Source identifies the raising proc, poll or task.
	Source string

	// Time is when the event was raised.
	Time time.Time
}

// Handler consumes events. Handlers run synchronously on the publishing
// goroutine; long work belongs in the task trees they launch.
type Handler func(ctx context.Context, ev Event) error

// EventBus routes events to handlers by type. Subscribing to a declared
// supertype also receives all subtype events, resolved through the registry's
// extends chains at publish time.
type EventBus struct {
	mu   sync.RWMutex
	reg  *Registry
	subs map[string][]Handler
	log  zerolog.Logger
}

// NewEventBus returns a bus resolving type hierarchies through reg.
func NewEventBus(reg *Registry, log zerolog.Logger) *EventBus {
	return &EventBus{
		reg:  reg,
		subs: make(map[string][]Handler),
		log:  log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a handler for events of type typ or any of its
// subtypes.
func (b *EventBus) Subscribe(typ string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[typ] = append(b.subs[typ], h)
}

// Publish delivers ev to every matching handler, in subscription order.
// Handler errors are logged and do not stop delivery; the first error is
// returned.
func (b *EventBus) Publish(ctx context.Context, ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.RLock()
	var matched []Handler
	for typ, handlers := range b.subs {
		if b.reg.EventIsA(ev.Type, typ) {
			matched = append(matched, handlers...)
		}
	}
	b.mu.RUnlock()

	b.log.Debug().
		Str("type", ev.Type).
		Str("host", ev.Host).
		Str("source", ev.Source).
		Int("handlers", len(matched)).
		Msg("event published")

	var first error
	for _, h := range matched {
		if err := h(ctx, ev); err != nil {
			b.log.Error().Err(err).Str("type", ev.Type).Msg("event handler failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}
