package remote

import (
	"sync"
	"time"
)

// EventKind identifies what happened on a session.
type EventKind string

const (
	EventOpened          EventKind = "opened"
	EventClosed          EventKind = "closed"
	EventScreenshot      EventKind = "screenshot"
	EventPageInfoChanged EventKind = "page_info"
	EventCommandResult   EventKind = "command_result"
	EventRemoteError     EventKind = "remote_error"
	EventReconnecting    EventKind = "reconnecting"
)

// Event is delivered to subscribers. Only the fields relevant to Kind are set.
type Event struct {
	Kind      EventKind
	Timestamp time.Time
	SessionID string

	// Opened and Closed.
	Transport string
	Target    string

	Frame    *Frame
	PageInfo *PageInfo
	// Command is the acknowledged command type for EventCommandResult.
	Command string
	// Message is the remote text for EventRemoteError.
	Message string

	// Reconnecting.
	Failures int
	Delay    time.Duration

	Err error
}

const defaultSubscriberBuffer = 64

// Hub fans events out to any number of subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	closed      bool
	buffer      int
	onDrop      func()
}

// NewHub constructs a hub whose subscriber channels hold buffer events.
// onDrop, if set, is called for every event a full subscriber misses.
func NewHub(buffer int, onDrop func()) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{subscribers: make(map[chan Event]struct{}), buffer: buffer, onDrop: onDrop}
}

// Publish notifies all subscribers of an event. Non-blocking; drops if buffer full.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
}

// Subscribe returns a channel that will receive future events and a cleanup func.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		empty := make(chan Event)
		close(empty)
		return empty, func() {}
	}
	ch := make(chan Event, h.buffer)
	h.subscribers[ch] = struct{}{}
	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close unsubscribes all listeners and prevents future publications.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, ch)
	}
}
