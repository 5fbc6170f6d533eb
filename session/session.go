// Package session implements C6: a process-wide registry mapping a
// charge point identity to its session data and last-activity time,
// with LRU capacity eviction and a shared GC sweep for idle entries
// (spec.md §4.6).
//
// The registry itself is a plain mutex-guarded map plus a
// container/list LRU, not a generic concurrent-map library, with
// eviction driven by hk's shared sweep schedule rather than a private
// timer per registry.
package session

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocppio/ocpp-ws-io/hk"
)

// Session is one identity's session state. Data is opaque to this
// package; callers store whatever they need to resume or inspect a
// connection (negotiated protocol, security profile, last boot
// notification, and so on).
type Session struct {
	Identity   string
	SnapshotID string // google/uuid, stable for this session's lifetime
	Data       any
	LastActive time.Time

	elem *list.Element // LRU position, registry-owned
}

// Registry is the process-wide session map.
type Registry struct {
	mu         sync.Mutex
	byIdentity map[string]*Session
	lru        *list.List // front = most recently active
	maxEntries int
	ttl        time.Duration
	gcIval     time.Duration

	// OnEvict is called (outside the lock) whenever a session is
	// removed, whether by GC, LRU overflow, or explicit Remove.
	OnEvict func(identity string, reason string)
}

// New builds a Registry and registers its GC sweep against hk at the
// given interval. maxEntries bounds capacity (spec.md's "resist
// reconnection-storm amnesia growth"); ttl is how long an entry may sit
// idle before GC reclaims it.
func New(maxEntries int, ttl time.Duration, gcInterval time.Duration) *Registry {
	r := &Registry{
		byIdentity: map[string]*Session{},
		lru:        list.New(),
		maxEntries: maxEntries,
		ttl:        ttl,
		gcIval:     gcInterval,
	}
	if gcInterval > 0 {
		hk.Reg("session-gc"+hk.NameSuffix, r.sweep, gcInterval)
	}
	return r
}

// Touch records activity for identity, creating its session if this is
// the first time it's been seen (spec.md: "set on connect; timestamp
// updates on each inbound frame").
func (r *Registry) Touch(identity string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if s, ok := r.byIdentity[identity]; ok {
		s.LastActive = now
		r.lru.MoveToFront(s.elem)
		return s
	}

	s := &Session{
		Identity:   identity,
		SnapshotID: uuid.NewString(),
		LastActive: now,
	}
	s.elem = r.lru.PushFront(s)
	r.byIdentity[identity] = s
	r.evictOverflowLocked()
	return s
}

// Get returns the session for identity without updating activity.
func (r *Registry) Get(identity string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byIdentity[identity]
	return s, ok
}

// SetData stores caller data on identity's session, creating it first
// via Touch if it does not already exist.
func (r *Registry) SetData(identity string, data any) {
	r.mu.Lock()
	s, ok := r.byIdentity[identity]
	r.mu.Unlock()
	if !ok {
		s = r.Touch(identity)
	}
	r.mu.Lock()
	s.Data = data
	r.mu.Unlock()
}

// Remove evicts identity's session immediately, e.g. on explicit
// logout or a permanent disconnect.
func (r *Registry) Remove(identity string) {
	r.mu.Lock()
	s, ok := r.byIdentity[identity]
	if ok {
		r.lru.Remove(s.elem)
		delete(r.byIdentity, identity)
	}
	r.mu.Unlock()
	if ok && r.OnEvict != nil {
		r.OnEvict(identity, "removed")
	}
}

// Len returns the current number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byIdentity)
}

// evictOverflowLocked drops the least-recently-active sessions until
// the registry is back within maxEntries. Callers must hold r.mu.
func (r *Registry) evictOverflowLocked() {
	if r.maxEntries <= 0 {
		return
	}
	var evicted []string
	for len(r.byIdentity) > r.maxEntries {
		back := r.lru.Back()
		if back == nil {
			break
		}
		s := back.Value.(*Session)
		r.lru.Remove(back)
		delete(r.byIdentity, s.Identity)
		evicted = append(evicted, s.Identity)
	}
	if len(evicted) == 0 || r.OnEvict == nil {
		return
	}
	go func() {
		for _, id := range evicted {
			r.OnEvict(id, "lru-overflow")
		}
	}()
}

// sweep is the hk job: it evicts every session idle longer than ttl
// and reschedules itself for gcInterval again. hk.Reg is given the
// interval at construction time, so sweep always returns that same
// interval rather than recomputing it.
func (r *Registry) sweep() time.Duration {
	if r.ttl > 0 {
		cutoff := time.Now().Add(-r.ttl)

		r.mu.Lock()
		var expired []string
		for id, s := range r.byIdentity {
			if s.LastActive.Before(cutoff) {
				expired = append(expired, id)
			}
		}
		for _, id := range expired {
			s := r.byIdentity[id]
			r.lru.Remove(s.elem)
			delete(r.byIdentity, id)
		}
		r.mu.Unlock()

		if r.OnEvict != nil {
			for _, id := range expired {
				r.OnEvict(id, "ttl-expired")
			}
		}
	}
	return r.gcIval
}
