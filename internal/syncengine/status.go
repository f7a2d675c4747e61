package syncengine

import (
	"sync"
	"time"
)

type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseSyncing Phase = "syncing"
	PhaseOffline Phase = "offline"
	PhaseError   Phase = "error"
)

type Status struct {
	Phase     Phase     `json:"phase"`
	LastSync  time.Time `json:"last_sync"`
	Pending   int       `json:"pending"`
	LastError string    `json:"last_error,omitempty"`
}

// SyncError is one recorded failure. Date is empty for cycle-wide failures.
type SyncError struct {
	Date string    `json:"date,omitempty"`
	Err  string    `json:"error"`
	At   time.Time `json:"at"`
}

type statusHub struct {
	mu      sync.Mutex
	current Status
	history []SyncError
	limit   int
	subs    map[int]chan Status
	nextID  int
	closed  bool
}

func newStatusHub(limit int) *statusHub {
	return &statusHub{
		current: Status{Phase: PhaseIdle},
		limit:   limit,
		subs:    make(map[int]chan Status),
	}
}

func (h *statusHub) get() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

func (h *statusHub) update(fn func(s *Status)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	next := h.current
	fn(&next)
	if next == h.current {
		return
	}
	h.current = next
	h.broadcast()
}

func (h *statusHub) recordError(e SyncError) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, e)
	if over := len(h.history) - h.limit; over > 0 {
		h.history = append([]SyncError(nil), h.history[over:]...)
	}
	h.current.LastError = e.Err
	h.broadcast()
}

// broadcast must be called with mu held.
func (h *statusHub) broadcast() {
	for _, ch := range h.subs {
		select {
		case <-ch:
		default:
		}
		ch <- h.current
	}
}

func (h *statusHub) errors() []SyncError {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]SyncError(nil), h.history...)
}

func (h *statusHub) subscribe() (<-chan Status, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Status, 1)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	ch <- h.current

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
}

func (h *statusHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
