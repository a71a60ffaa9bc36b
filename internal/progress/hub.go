package progress

import (
	"sync"

	"github.com/google/uuid"
)

// Hub is the process-wide broadcaster joining the transfer engine and remux
// stage to their consumers. It keeps the latest record per identifier so a
// late subscriber is never shown a blank state, and owns the per-identifier
// abort handles so callers can cancel or pause without knowing the engine.
type Hub struct {
	mu       sync.Mutex
	snapshot map[string]Record
	subs     map[string]*Subscription
	aborts   map[string]*Abort
}

// Subscription is one consumer's ordered stream of events. Events queue in a
// bounded buffer drained by a pump goroutine; when a slow consumer overflows
// it, the oldest non-terminal event is discarded, so intermediate progress
// may be skipped but a download's final state is always delivered.
type Subscription struct {
	id  string
	hub *Hub
	ch  chan Event

	mu    sync.Mutex
	queue []Event
	limit int

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Events returns the channel the subscriber reads from. It is closed after
// Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the subscription from the hub and stops its pump.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	delete(s.hub.subs, s.id)
	s.hub.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
}

// enqueue appends ev for delivery. On overflow the oldest non-terminal event
// is dropped; a Done record already queued is never sacrificed for later
// traffic, since it is the last record its identifier will ever publish.
func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if len(s.queue) >= s.limit {
		dropped := false
		for i := range s.queue {
			if !s.queue[i].Record.Done {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped && !ev.Record.Done {
			// Only terminal records are waiting; the new progress
			// update is the one to lose.
			s.mu.Unlock()
			return
		}
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves queued events to the consumer channel in order.
func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		select {
		case s.ch <- ev:
		case <-s.done:
			return
		}
	}
}

// NewHub creates an empty broadcaster.
func NewHub() *Hub {
	return &Hub{
		snapshot: make(map[string]Record),
		subs:     make(map[string]*Subscription),
		aborts:   make(map[string]*Abort),
	}
}

// Publish stores rec as the current record for id and fans it out to all
// subscribers in publish order. A record with Done set removes the snapshot
// entry (after notifying) instead of overwriting it, so the terminal record
// is always the last one observed for an identifier.
func (h *Hub) Publish(id string, rec Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rec.Done {
		delete(h.snapshot, id)
	} else {
		h.snapshot[id] = rec
	}
	ev := Event{ID: id, Record: rec}
	for _, sub := range h.subs {
		sub.enqueue(ev)
	}
}

// Subscribe registers a consumer. The current snapshot is replayed into the
// subscription buffer before any live update, in no particular id order.
// buffer bounds how many undelivered events a stalled consumer can hold;
// overflow drops the oldest pending non-terminal event.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer < 16 {
		buffer = 16
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	sub := &Subscription{
		id:    uuid.NewString(),
		hub:   h,
		ch:    make(chan Event),
		limit: buffer + len(h.snapshot),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for id, rec := range h.snapshot {
		sub.queue = append(sub.queue, Event{ID: id, Record: rec})
	}
	h.subs[sub.id] = sub
	go sub.pump()
	return sub
}

// Snapshot returns a copy of the current record map.
func (h *Hub) Snapshot() map[string]Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]Record, len(h.snapshot))
	for id, rec := range h.snapshot {
		out[id] = rec
	}
	return out
}

// RegisterAbort creates and stores the cancellation handle for an active
// identifier. Returns nil if one is already registered; the engine uses
// that to refuse a second session for the same identifier.
func (h *Hub) RegisterAbort(id string) *Abort {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.aborts[id]; exists {
		return nil
	}
	a := newAbort()
	h.aborts[id] = a
	return a
}

// AbortHandle returns the handle for an active identifier, or nil.
func (h *Hub) AbortHandle(id string) *Abort {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aborts[id]
}

// ReleaseAbort removes the handle when a session reaches a terminal state.
func (h *Hub) ReleaseAbort(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.aborts, id)
}

// Active reports whether id currently has an abort handle registered.
func (h *Hub) Active(id string) bool {
	return h.AbortHandle(id) != nil
}
