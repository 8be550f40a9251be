// Package events carries the structured observability events emitted by
// the worker pool and the beat scheduler.
package events

import (
	"sync"
	"time"
)

type Type string

const (
	Lease     Type = "lease"
	Ack       Type = "ack"
	Nack      Type = "nack"
	Retry     Type = "retry"
	GiveUp    Type = "give_up"
	Revoked   Type = "revoked"
	TickFired Type = "tick_fired"
)

type Event struct {
	Type      Type
	Timestamp time.Time
	Fields    map[string]any
}

type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe fanout. Each subscriber gets a
// buffered channel; when it is full the event is dropped rather than
// stalling a worker slot.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Type][]chan Event
	bufSize int
	closed  bool
}

func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 128
	}
	return &Bus{subs: make(map[Type][]chan Event), bufSize: bufSize}
}

// Subscribe delivers events of the given type to fn on a dedicated
// goroutine. The returned function unsubscribes.
func (b *Bus) Subscribe(t Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufSize)
	b.subs[t] = append(b.subs[t], ch)
	go func() {
		for ev := range ch {
			fn(ev)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.subs[t] {
			if c == ch {
				b.subs[t] = append(b.subs[t][:i], b.subs[t][i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// SubscribeAll attaches fn to every known event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	types := []Type{Lease, Ack, Nack, Retry, GiveUp, Revoked, TickFired}
	cancels := make([]func(), 0, len(types))
	for _, t := range types {
		cancels = append(cancels, b.Subscribe(t, fn))
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}

func (b *Bus) Publish(t Type, fields map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	ev := Event{Type: t, Timestamp: time.Now().UTC(), Fields: fields}
	for _, ch := range b.subs[t] {
		select {
		case ch <- ev:
		default: // full subscriber, drop
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = make(map[Type][]chan Event)
}
