// Package events provides the in-process event bus connecting the pipeline to
// the workflow engine. Delivery is synchronous: event-triggered rules run on
// the shard worker goroutine that produced the event, preserving per-user
// ordering.
package events

import (
	"sync"

	"github.com/rs/zerolog/log"

	"fieldtrack/internal/domain"
)

type Handler func(domain.Event)

type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers h for a topic. Subscriptions are expected at startup;
// there is no unsubscribe.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish delivers ev to every handler of its topic. A panicking handler is
// isolated so one bad subscriber cannot take down the pipeline.
func (b *Bus) Publish(ev domain.Event) {
	b.mu.RLock()
	hs := b.handlers[ev.Topic]
	b.mu.RUnlock()

	for _, h := range hs {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("component", "bus").
				Str("topic", ev.Topic).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	h(ev)
}
