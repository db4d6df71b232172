// Package events fans out typed lifecycle events (target outcomes,
// auto-reply sends) to control-API subscribers over a
// single shared stream, buffering recent history for late joiners.
package events

import (
	"sync"

	"github.com/google/uuid"
)

const defaultBufferCap = 1000

// Event is the shape published on the stream: {type, message, data, id,
// timestamp}. Data is left as `any` since event payloads vary by Type and
// the stream is JSON-marshaled at the transport boundary, never inspected
// as Go structs downstream.
type Event struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Event type constants, each tagged with the component it belongs to.
// Only target_result (executor) and autoreply_sent (inbox) are published;
// nothing publishes account_status, task_run or background_crash.
const (
	TypeAccountStatus   = "account_status"   // credlifecycle
	TypeTargetResult    = "target_result"    // executor
	TypeAutoreplySent   = "autoreply_sent"   // inbox
	TypeTaskRun         = "task_run"         // scheduler
	TypeBackgroundCrash = "background_crash" // dispatcher
)

// Hub fans out events to multiple subscribers, buffering the last
// defaultBufferCap events so a client connecting after the fact still
// gets recent context before live streaming.
type Hub struct {
	mu      sync.Mutex
	buf     []Event // circular buffer
	pos     int
	clients map[chan Event]struct{}
}

// New creates a Hub ready for use.
func New() *Hub {
	return &Hub{
		buf:     make([]Event, 0, defaultBufferCap),
		clients: make(map[chan Event]struct{}),
	}
}

// lines returns the buffered events in order from oldest to newest.
func (h *Hub) lines() []Event {
	n := len(h.buf)
	if n == 0 || h.pos == 0 {
		return h.buf
	}
	out := make([]Event, n)
	copy(out, h.buf[h.pos:])
	copy(out[n-h.pos:], h.buf[:h.pos])
	return out
}

func (h *Hub) append(e Event) {
	if len(h.buf) < cap(h.buf) {
		h.buf = append(h.buf, e)
	} else {
		h.buf[h.pos] = e
	}
	h.pos = (h.pos + 1) % cap(h.buf)
}

// Publish appends e to the buffer and fans it out to every current
// subscriber. Non-blocking send so a slow consumer cannot stall the
// publisher.
func (h *Hub) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.append(e)
	for ch := range h.clients {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that first replays buffered history and
// then receives live events, plus an unsubscribe function.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, defaultBufferCap+64)
	for _, e := range h.lines() {
		ch <- e
	}
	h.clients[ch] = struct{}{}

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.clients, ch)
	}
	return ch, unsubscribe
}
