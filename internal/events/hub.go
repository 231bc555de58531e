package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Kind names a notification published by workers and the reaper.
type Kind string

const (
	KindCycleCompleted  Kind = "cycle.completed"
	KindClaimFailed     Kind = "cycle.claim_failed"
	KindWriteBackFailed Kind = "writeback.failed"
	KindReaped          Kind = "reaper.reclaimed"
)

// Notice is one published notification.
type Notice struct {
	ID   int64           `json:"id"`
	Kind Kind            `json:"kind"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub fans notices out to subscribers and keeps the most recent ones in a
// ring so the ops listener can show them to late readers.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Notice
	start int
	size  int

	subs      map[int]chan Notice
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Notice, capacity),
		subs: make(map[int]chan Notice),
	}
}

// Publish records a notice. It never blocks on slow subscribers.
// A nil Hub discards everything.
func (h *Hub) Publish(kind Kind, data any) {
	if h == nil {
		return
	}

	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	n := Notice{
		ID:   h.nextID.Add(1),
		Kind: kind,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	h.pushLocked(n)
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe returns a buffered channel of future notices and a cancel func
// that closes it.
func (h *Hub) Subscribe(buffer int) (<-chan Notice, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Notice, buffer)
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

// Since returns buffered notices with ID > lastID, oldest first.
func (h *Hub) Since(lastID int64) []Notice {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Notice, 0, h.size)
	for i := range h.size {
		n := h.ring[(h.start+i)%len(h.ring)]
		if n.ID > lastID {
			out = append(out, n)
		}
	}
	return out
}

func (h *Hub) pushLocked(n Notice) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = n
		h.size++
		return
	}
	// Overwrite oldest.
	h.ring[h.start] = n
	h.start = (h.start + 1) % capacity
}
