// Package events provides the in-process event bus and the websocket hub
// that streams pipeline events to subscribed clients.
package events

import (
	"log/slog"
	"sync"

	"github.com/reelforge/reelforge/pkg/core"
)

// Bus fans pipeline events out to subscribers. Emission never blocks the
// pipeline: a subscriber that falls behind loses events.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan core.Event
	logger *slog.Logger
	closed bool
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe returns a channel of events and an unsubscribe function.
func (b *Bus) Subscribe() (<-chan core.Event, func()) {
	ch := make(chan core.Event, 256)

	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Emit delivers an event to every subscriber without blocking.
func (b *Bus) Emit(e core.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event dropped for slow subscriber",
				"type", e.EventType(), "project_id", e.Project())
		}
	}
}

// Close shuts down the bus and every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
