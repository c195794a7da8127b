// Package events fans out runtime and build notifications to live
// subscribers, keeping a short backlog for clients that connect late.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event type names published by the lifecycle controller.
const (
	RuntimeStarted = "runtime.started"
	RuntimeStopped = "runtime.stopped"
	RuntimeExited  = "runtime.exited"
	BuildStarted   = "build.started"
	BuildStage     = "build.stage"
	BuildSucceeded = "build.succeeded"
	BuildFailed    = "build.failed"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub is an in-memory pub/sub. Publishing never blocks on a slow subscriber;
// such subscribers miss events and can catch up from the backlog.
type Hub struct {
	mu      sync.Mutex
	lastID  int64
	backlog []Event
	limit   int

	subs   map[uint64]chan Event
	nextID uint64
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		backlog: make([]Event, 0, capacity),
		limit:   capacity,
		subs:    make(map[uint64]chan Event),
	}
}

// Publish assigns the next id to an event of eventType carrying data as JSON.
func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, Type: eventType, At: time.Now().UTC(), Data: payload}

	if len(h.backlog) == h.limit {
		copy(h.backlog, h.backlog[1:])
		h.backlog = h.backlog[:h.limit-1]
	}
	h.backlog = append(h.backlog, ev)

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of future events and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, 64)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Since returns backlog events with ID > lastID, oldest first.
func (h *Hub) Since(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, len(h.backlog))
	for _, ev := range h.backlog {
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}
