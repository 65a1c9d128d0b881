package main

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// EntityState is the last known state and attributes of one entity
type EntityState struct {
	State       string
	Attributes  map[string]string
	LastChanged time.Time
}

// Subscription delivers changes for a fixed set of entities. C is never closed;
// stop selecting on it after Cancel.
//
// Nothing is ever dropped. While the reader is behind, a newer change to the same
// entity and attribute replaces the undelivered one, keeping its Old value, so the
// reader always ends up seeing the latest state.
type Subscription struct {
	C <-chan StateChange

	name     string
	entities map[string]bool
	hub      *StateHub
	once     sync.Once

	mu      sync.Mutex
	pending []StateChange // at most one per entity and attribute, oldest first
	wake    chan struct{}
	done    chan struct{}
}

// Cancel unsubscribes. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.done)
	})
}

// offer queues a change for delivery and reports whether it replaced an undelivered one
func (s *Subscription) offer(change StateChange) bool {
	s.mu.Lock()
	coalesced := false
	for i, p := range s.pending {
		if p.EntityID == change.EntityID && p.Attribute == change.Attribute {
			change.Old = p.Old
			change.Initial = p.Initial
			s.pending = slices.Delete(s.pending, i, i+1)
			coalesced = true
			break
		}
	}
	s.pending = append(s.pending, change)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default: // already awake
	}
	return coalesced
}

// pump moves queued changes onto out until the subscription is cancelled
func (s *Subscription) pump(out chan<- StateChange) {
	for {
		s.mu.Lock()
		var next StateChange
		ok := len(s.pending) > 0
		if ok {
			next = s.pending[0]
			s.pending = slices.Delete(s.pending, 0, 1)
		}
		s.mu.Unlock()

		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case out <- next:
		case <-s.done:
			return
		}
	}
}

// StateHub holds the latest state of every entity seen and fans changes out to
// subscribers
type StateHub struct {
	mu     sync.RWMutex
	states map[string]*EntityState
	subs   map[*Subscription]struct{}

	metrics *Metrics
}

// NewStateHub creates an empty hub. metrics may be nil.
func NewStateHub(metrics *Metrics) *StateHub {
	return &StateHub{
		states:  make(map[string]*EntityState),
		subs:    make(map[*Subscription]struct{}),
		metrics: metrics,
	}
}

// Subscribe returns a subscription for the given entities. buffer changes can sit in C
// before the subscription starts coalescing.
func (h *StateHub) Subscribe(name string, buffer int, entityIDs ...string) *Subscription {
	ch := make(chan StateChange, buffer)
	sub := &Subscription{
		C:        ch,
		name:     name,
		entities: make(map[string]bool, len(entityIDs)),
		hub:      h,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, id := range entityIDs {
		sub.entities[id] = true
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	go sub.pump(ch)
	return sub
}

func (h *StateHub) remove(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// Get returns a copy of the entity's last known state. ok is false if the entity has
// never reported.
func (h *StateHub) Get(entityID string) (state EntityState, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.states[entityID]
	if !ok {
		return EntityState{}, false
	}
	return EntityState{
		State:       s.State,
		Attributes:  maps.Clone(s.Attributes),
		LastChanged: s.LastChanged,
	}, true
}

// Entities lists every entity id the hub has seen, sorted
func (h *StateHub) Entities() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Sorted(maps.Keys(h.states))
}

// Publish records the change and queues it for every interested subscriber without
// blocking
func (h *StateHub) Publish(change StateChange) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.states[change.EntityID]
	if !ok {
		s = &EntityState{Attributes: make(map[string]string)}
		h.states[change.EntityID] = s
	}
	if change.IsState() {
		s.State = change.New
		s.LastChanged = change.At
	} else {
		s.Attributes[change.Attribute] = change.New
	}

	for sub := range h.subs {
		if !sub.entities[change.EntityID] {
			continue
		}
		if sub.offer(change) && h.metrics != nil {
			h.metrics.CoalescedChange(sub.name)
		}
	}
}

// broadcastWorker feeds entity changes into the hub.
// This implements the actor pattern where the broadcast logic is isolated in a single worker
func broadcastWorker(ctx context.Context, inputChan <-chan StateChange, hub *StateHub) {
	for {
		select {
		case change := <-inputChan:
			hub.Publish(change)

		case <-ctx.Done():
			return
		}
	}
}
