// Package events is Aurelia's internal bounded event bus, adapted from
// warren's pkg/events.Broker. It carries alerts (health transitions,
// replica failures, emergency shutdowns, terminal task failures) between
// components without any component listening on an unbounded channel, as
// required by spec §9 ("Concurrency over callbacks").
package events

import (
	"sync"
	"time"
)

// Kind enumerates the user-visible event kinds named in spec §7.
type Kind string

const (
	KindHealthTransition  Kind = "health.transition"
	KindReplicaFailed     Kind = "replica.failed"
	KindReplicaRunning    Kind = "replica.running"
	KindRecoveryAttempt   Kind = "recovery.attempt"
	KindEmergencyShutdown Kind = "recovery.emergency_shutdown"
	KindTaskFailed        Kind = "task.failed"
	KindDecision          Kind = "decision"
)

// Event is one record published to the bus.
type Event struct {
	Kind      Kind
	At        time.Time
	ServerID  string
	TaskID    string
	Message   string
}

// Subscriber is a bounded channel that receives events.
type Subscriber chan Event

// Bus distributes events to subscribers over a single internal queue, so
// a slow publisher never blocks on a slow subscriber's buffer.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan Event
	stopCh      chan struct{}
	once        sync.Once
}

// NewBus creates a new event bus with a bounded internal queue.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the bus's distribution loop.
func (b *Bus) Start() {
	go b.run()
}

// Stop stops the bus. Safe to call multiple times.
func (b *Bus) Stop() {
	b.once.Do(func() { close(b.stopCh) })
}

// Subscribe returns a new bounded subscription channel.
func (b *Bus) Subscribe(buffer int) Subscriber {
	if buffer <= 0 {
		buffer = 32
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, buffer)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues an event for distribution. It never blocks past the
// bus's own internal buffer: if the bus is stopped the event is dropped.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case b.eventCh <- ev:
	case <-b.stopCh:
	}
}

func (b *Bus) run() {
	for {
		select {
		case ev := <-b.eventCh:
			b.broadcast(ev)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- ev:
		default:
			// Subscriber buffer full; drop rather than block the bus.
		}
	}
}
