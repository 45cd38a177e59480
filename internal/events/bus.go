// Package events carries what happened in joi (runs, approvals, task
// transitions) from the components that cause it to the gateway, the event
// log and the usage tracker.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType names a kind of event. Values are dotted, "<area>.<what>".
type EventType string

const (
	// Chat boundary
	EventIncomingMessage EventType = "message.incoming"

	// Interactive runs
	EventRunStarted     EventType = "run.started"
	EventRunCompleted   EventType = "run.completed"
	EventRunInterrupted EventType = "run.interrupted"
	EventRunError       EventType = "run.error"

	// Human approval
	EventApprovalRequested EventType = "approval.requested"
	EventApprovalResolved  EventType = "approval.resolved"

	// Background tasks
	EventTaskScheduled EventType = "task.scheduled"
	EventTaskUpdated   EventType = "task.updated"
	EventTaskNotified  EventType = "task.notified"
	EventTaskInterrupt EventType = "task.interrupt"
)

// EventSource identifies the component that emitted an event.
type EventSource string

const (
	SourceSession   EventSource = "session"
	SourceScheduler EventSource = "scheduler"
	SourceNotifier  EventSource = "notifier"
	SourceGateway   EventSource = "gateway"
	SourceTelegram  EventSource = "telegram"
)

// Event is one occurrence. ThreadID is set when the event belongs to an
// agent thread (an interactive conversation or a task).
type Event struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id,omitempty"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    EventSource    `json:"source"`
	Payload   map[string]any `json:"payload"`
}

// NewEvent creates an event stamped now. IDs sort by creation order.
func NewEvent(eventType EventType, source EventSource, payload map[string]any) Event {
	id := ulid.Make()
	return Event{
		ID:        id.String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Payload:   payload,
	}
}

// Subscriber handles one event. Each call runs on its own goroutine.
type Subscriber func(Event)

type subscription struct {
	types   map[EventType]bool // nil receives everything
	handler Subscriber
}

func (s *subscription) wants(t EventType) bool {
	return s.types == nil || s.types[t]
}

// Bus fans events out to subscribers and keeps the most recent ones for
// History. Publish never blocks: when the queue is full the event is dropped.
type Bus struct {
	queue   chan Event
	history *RingBuffer
	done    chan struct{}
	once    sync.Once

	mu   sync.RWMutex
	subs map[int]*subscription
	seq  int
}

// NewBus creates a bus whose queue and history hold size events.
func NewBus(size int) *Bus {
	b := &Bus{
		queue:   make(chan Event, size),
		history: NewRingBuffer(size),
		done:    make(chan struct{}),
		subs:    make(map[int]*subscription),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	for {
		select {
		case e := <-b.queue:
			b.history.Add(e)
			b.deliver(e)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) deliver(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.wants(e.Type) {
			go s.handler(e)
		}
	}
}

// Publish queues e. A nil or closed bus ignores it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.queue <- e:
	default:
		slog.Warn("events: queue full, event dropped", "type", e.Type, "thread_id", e.ThreadID)
	}
}

// Subscribe registers handler for the given types, or for every type when
// none is given. The returned func unsubscribes.
func (b *Bus) Subscribe(handler Subscriber, eventTypes ...EventType) func() {
	s := &subscription{handler: handler}
	if len(eventTypes) > 0 {
		s.types = make(map[EventType]bool, len(eventTypes))
		for _, t := range eventTypes {
			s.types[t] = true
		}
	}

	b.mu.Lock()
	id := b.seq
	b.seq++
	b.subs[id] = s
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// SubscribeChan delivers matching events on a buffered channel; events that
// do not fit are dropped. The returned func unsubscribes and closes it.
func (b *Bus) SubscribeChan(size int, eventTypes ...EventType) (<-chan Event, func()) {
	ch := make(chan Event, size)
	var mu sync.Mutex
	closed := false

	unsubscribe := b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
		}
	}, eventTypes...)

	return ch, func() {
		unsubscribe()
		mu.Lock()
		if !closed {
			closed = true
			close(ch)
		}
		mu.Unlock()
	}
}

// History returns up to limit recent events, oldest first.
func (b *Bus) History(limit int) []Event {
	if b == nil {
		return nil
	}
	return b.history.Get(limit)
}

// Close stops delivery. Safe to call more than once.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.done) })
}

// RingBuffer keeps the last size events.
type RingBuffer struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

// NewRingBuffer creates a buffer holding size events.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{events: make([]Event, max(size, 1))}
}

// Add stores e, evicting the oldest event when full.
func (r *RingBuffer) Add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = e
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
}

// Get returns the newest n events, oldest first.
func (r *RingBuffer) Get(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := r.next
	if r.full {
		count = len(r.events)
	}
	n = min(n, count)
	if n <= 0 {
		return nil
	}
	out := make([]Event, n)
	start := r.next - n
	if start < 0 {
		start += len(r.events)
	}
	for i := range out {
		out[i] = r.events[(start+i)%len(r.events)]
	}
	return out
}
