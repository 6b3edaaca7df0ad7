package base

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType names a connector lifecycle or resilience event.
type EventType string

const (
	EventConnecting          EventType = "connecting"
	EventConnected           EventType = "connected"
	EventDisconnected        EventType = "disconnected"
	EventError               EventType = "error"
	EventRateLimitHit        EventType = "rate_limit_hit"
	EventCircuitBreakerOpen  EventType = "circuit_breaker_open"
	EventCircuitBreakerClose EventType = "circuit_breaker_close"
)

// Event is delivered to every registered EventListener.
type Event struct {
	Type        EventType              `json:"type"`
	ConnectorID string                 `json:"connector_id"`
	Status      Status                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Err         error                  `json:"-"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// EventListener observes a connector. OnEvent is called synchronously from
// the goroutine that caused the event and must not block.
type EventListener interface {
	OnEvent(Event)
}

// EventListenerFunc adapts a function to EventListener.
type EventListenerFunc func(Event)

// OnEvent calls f(ev).
func (f EventListenerFunc) OnEvent(ev Event) { f(ev) }

// ChannelListener publishes events into a buffered channel. Events are
// dropped, and counted, when the buffer is full.
type ChannelListener struct {
	ch      chan Event
	dropped int64
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

// NewChannelListener creates a listener with the given buffer size.
func NewChannelListener(buffer int) *ChannelListener {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelListener{ch: make(chan Event, buffer)}
}

// OnEvent implements EventListener.
func (l *ChannelListener) OnEvent(ev Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.ch <- ev:
	default:
		atomic.AddInt64(&l.dropped, 1)
	}
}

// Events returns the receive side of the channel.
func (l *ChannelListener) Events() <-chan Event { return l.ch }

// Dropped returns how many events did not fit the buffer.
func (l *ChannelListener) Dropped() int64 { return atomic.LoadInt64(&l.dropped) }

// Close closes the channel. Later events are discarded.
func (l *ChannelListener) Close() {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.ch)
		l.mu.Unlock()
	})
}

type eventBus struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]EventListener
	order     []int
}

// add registers l and returns a function that unregisters it.
func (b *eventBus) add(l EventListener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listeners == nil {
		b.listeners = make(map[int]EventListener)
	}
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.order = append(b.order, id)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i:i], b.order[i+1:]...)
				break
			}
		}
	}
}

func (b *eventBus) publish(ev Event) {
	b.mu.RLock()
	listeners := make([]EventListener, 0, len(b.order))
	for _, id := range b.order {
		listeners = append(listeners, b.listeners[id])
	}
	b.mu.RUnlock()

	for _, l := range listeners {
		l.OnEvent(ev)
	}
}
