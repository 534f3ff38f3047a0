package swarm

import "sync"

// HaveBroadcaster fans out completed piece indices to every subscribed peer
// writer. Each subscriber gets its own bounded channel; a slow subscriber
// that falls behind drops intermediate indices rather than blocking the
// publisher, since a HAVE is an optimization hint, not a correctness
// requirement — a peer that misses one will simply learn about the piece a
// different way (e.g. it already had it, or will see a subsequent HAVE).
type HaveBroadcaster struct {
	mu       sync.Mutex
	capacity int
	subs     map[int]chan uint32
	nextID   int
}

// NewHaveBroadcaster returns a broadcaster where each subscriber channel has
// the given capacity.
func NewHaveBroadcaster(capacity int) *HaveBroadcaster {
	return &HaveBroadcaster{capacity: capacity, subs: make(map[int]chan uint32)}
}

// Subscribe registers a new subscriber and returns its receive channel and an
// unsubscribe function. The caller must call unsubscribe when done, normally
// via defer in the peer's writer loop.
func (h *HaveBroadcaster) Subscribe() (<-chan uint32, func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan uint32, h.capacity)
	h.subs[id] = ch
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish announces a newly completed piece index to every current
// subscriber. Publish never blocks: a full subscriber channel has its
// oldest pending index dropped to make room, so a slow subscriber degrades
// gracefully instead of stalling every other peer's writer.
func (h *HaveBroadcaster) Publish(index uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- index:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- index:
			default:
			}
		}
	}
}
