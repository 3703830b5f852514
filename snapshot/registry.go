package snapshot

import (
	"context"
	"sync"
)

type entry struct {
	token  uint64
	cancel context.CancelFunc
}

// Registry tracks snapshot loads that are in flight, keyed by conversation
// id. An entry is added when a load starts and removed when it settles or
// is cancelled, whichever comes first.
type Registry struct {
	mu       sync.Mutex
	inFlight map[string]entry
	next     uint64
}

func NewRegistry() *Registry {
	return &Registry{inFlight: make(map[string]entry)}
}

// acquire registers a load for id and returns its token. It reports false
// if one is already running.
func (r *Registry) acquire(id string, cancel context.CancelFunc) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inFlight[id]; ok {
		return 0, false
	}
	r.next++
	r.inFlight[id] = entry{token: r.next, cancel: cancel}
	return r.next, true
}

// release removes the entry for id if it still belongs to token. A load
// that was cancelled may settle after a newer load took its place.
func (r *Registry) release(id string, token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.inFlight[id]; ok && e.token == token {
		delete(r.inFlight, id)
	}
}

// InFlight reports whether a load for id is running.
func (r *Registry) InFlight(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inFlight[id]
	return ok
}

// Cancel aborts the in-flight load for id, if any, and frees id for a new
// load right away.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	e, ok := r.inFlight[id]
	delete(r.inFlight, id)
	r.mu.Unlock()
	if ok {
		e.cancel()
	}
	return ok
}
