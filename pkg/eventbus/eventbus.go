// Package eventbus is an in-process publish/subscribe dispatcher keyed by
// event name. Publish dispatches against a snapshot of the listeners taken
// when the call starts; listeners added during dispatch see the next event.
// A panicking listener is recovered and logged and does not stop the others.
package eventbus

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Unsubscribe removes a listener. Calling it more than once is a no-op.
type Unsubscribe func()

type listener struct {
	id    uint64
	fn    func(any)
	once  bool
	fired atomic.Bool
}

// Bus provides pub/sub for provider and session events.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]*listener
	nextID    uint64

	logger *zap.SugaredLogger
}

// New creates a new Bus.
func New(logger *zap.SugaredLogger) *Bus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Bus{
		listeners: make(map[string][]*listener),
		logger:    logger,
	}
}

// Subscribe registers fn for event.
func (b *Bus) Subscribe(event string, fn func(any)) Unsubscribe {
	return b.add(event, fn, false)
}

// Once registers fn for the next publish of event only.
func (b *Bus) Once(event string, fn func(any)) Unsubscribe {
	return b.add(event, fn, true)
}

func (b *Bus) add(event string, fn func(any), once bool) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	l := &listener{id: b.nextID, fn: fn, once: once}
	b.listeners[event] = append(b.listeners[event], l)
	b.mu.Unlock()

	var done atomic.Bool
	return func() {
		if done.Swap(true) {
			return
		}
		b.remove(event, l.id)
	}
}

func (b *Bus) remove(event string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.listeners[event]
	for i, l := range current {
		if l.id != id {
			continue
		}
		next := make([]*listener, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(b.listeners, event)
		} else {
			b.listeners[event] = next
		}
		return
	}
}

// Publish delivers data to every listener registered for event at the
// time of the call.
func (b *Bus) Publish(event string, data any) {
	b.mu.RLock()
	snapshot := b.listeners[event]
	b.mu.RUnlock()

	for _, l := range snapshot {
		if l.once {
			if l.fired.Swap(true) {
				continue
			}
			b.dispatch(event, l, data)
			b.remove(event, l.id)
			continue
		}
		b.dispatch(event, l, data)
	}
}

func (b *Bus) dispatch(event string, l *listener, data any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("event listener panicked",
				"event", event,
				"listener_id", l.id,
				"panic", r,
			)
		}
	}()
	l.fn(data)
}

// Clear removes every listener.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = make(map[string][]*listener)
}

// HasListeners reports whether event has at least one listener.
func (b *Bus) HasListeners(event string) bool {
	return b.ListenerCount(event) > 0
}

// ListenerCount returns the number of listeners for event.
func (b *Bus) ListenerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[event])
}

// Events returns the names that currently have listeners.
func (b *Bus) Events() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := make([]string, 0, len(b.listeners))
	for name := range b.listeners {
		events = append(events, name)
	}
	return events
}
