// Package registry holds the immutable, startup-built mapping from child id
// to session, resolving the "global mutable registries" redesign: every
// goroutine that needs to find a child by id shares one read-only lookup
// rather than reaching into a singleton.
package registry

import "github.com/cmastudios/mcmdd/internal/session"

// Registry is an immutable id -> *session.Session lookup built once at
// startup. It needs no locking: once constructed, its contents never
// change (only the sessions it points to mutate their own state).
type Registry struct {
	sessions map[string]*session.Session
	order    []string
}

// New builds a registry from a fixed set of sessions, preserving the order
// they were configured in.
func New(sessions []*session.Session) *Registry {
	r := &Registry{
		sessions: make(map[string]*session.Session, len(sessions)),
		order:    make([]string, 0, len(sessions)),
	}
	for _, s := range sessions {
		r.sessions[s.ID] = s
		r.order = append(r.order, s.ID)
	}
	return r
}

// Get returns the session for id, or nil if id is not a configured child.
func (r *Registry) Get(id string) *session.Session {
	return r.sessions[id]
}

// Has reports whether id names a configured child, without revealing
// anything else about it — used by the control protocol's deliberately
// uninformative "unknown server" handling.
func (r *Registry) Has(id string) bool {
	_, ok := r.sessions[id]
	return ok
}

// All returns every session in configuration order.
func (r *Registry) All() []*session.Session {
	out := make([]*session.Session, len(r.order))
	for i, id := range r.order {
		out[i] = r.sessions[id]
	}
	return out
}

// IDs returns the configured child ids in configuration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
