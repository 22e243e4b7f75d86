package proto

import (
	"errors"
	"sync"
)

var ErrNoSink = errors.New("no channel attached to session")

// Sink delivers events to one connected client.
type Sink interface {
	Send(ev Event) error
}

// Registry maps session ids to the sink of the channel that owns them.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]Sink)}
}

func (r *Registry) Bind(sessionID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[sessionID] = sink
}

// Unbind removes the binding only if it still points at sink, so a stale
// connection cannot detach a session that was resumed elsewhere. A nil
// sink removes unconditionally.
func (r *Registry) Unbind(sessionID string, sink Sink) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.sinks[sessionID]
	if !ok {
		return false
	}
	if sink != nil && current != sink {
		return false
	}
	delete(r.sinks, sessionID)
	return true
}

func (r *Registry) Lookup(sessionID string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sink, ok := r.sinks[sessionID]
	return sink, ok
}

func (r *Registry) Emit(sessionID string, ev Event) error {
	sink, ok := r.Lookup(sessionID)
	if !ok {
		return ErrNoSink
	}
	return sink.Send(ev)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}
