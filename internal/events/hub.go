// Package events is an in-memory pub/sub of engine emissions with a ring
// buffer so late subscribers can catch up.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the hub host.
const (
	TypeOutput  = "output"  // payload or auxiliary emission
	TypeControl = "control" // control record on channel 1
	TypeStatus  = "status"  // visual status change
	TypeError   = "error"   // error reported to the host
)

const (
	defaultCapacity = 256
	subscriberQueue = 128
)

// Event is one published emission. Data is JSON.
type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub fans events out to subscribers without ever blocking the publisher:
// a subscriber whose queue is full misses events.
type Hub struct {
	nextID atomic.Int64
	now    func() time.Time

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
	dropped   int64
}

// NewHub returns a hub keeping the last capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Hub{
		now:  time.Now,
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish encodes data and delivers the event. Unencodable data is published
// as an empty object.
func (h *Hub) Publish(eventType string, data any) Event {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// IDs are assigned under the lock so buffer and delivery order match.
	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   h.now().UTC(),
		Data: payload,
	}
	h.pushLocked(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped++
		}
	}
	return ev
}

// Subscribe returns a channel of future events and its cancel function.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, subscriberQueue)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
