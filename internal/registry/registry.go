// Package registry implements the process-wide Connection Registry: the
// single concurrent map from opaque connection/session id to per-connection
// state described in the tunnel data plane's data model. It is the only
// place that owns a public socket's lifetime.
package registry

import (
	"net"
	"sync"

	"github.com/google/uuid"
)

// Kind distinguishes TCP stream entries from UDP session entries sharing
// the same table.
type Kind int

const (
	TCP Kind = iota
	UDP
)

// Entry is a single Connection Registry record. For TCP it wraps the
// accepted socket exclusively owned by that connection; for UDP it wraps
// the tunnel's shared listening socket plus the peer address a given
// session_id is bound to (the listening socket itself is never closed by
// removing one UDP entry — see Controller.StopListener).
type Entry struct {
	ID       uuid.UUID
	TunnelID string
	Kind     Kind

	// TCP
	Conn net.Conn

	// UDP
	PacketConn net.PacketConn
	PeerAddr   net.Addr

	mu        sync.Mutex
	active    bool
	closeOnce sync.Once
}

// Active reports whether the entry is still eligible for writes.
func (e *Entry) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// CloseConn closes the entry's TCP socket exactly once, regardless of
// how many goroutines (the handler's own teardown, StopListener's
// RemoveWhere, a concurrent write failure) race to close it.
func (e *Entry) CloseConn() {
	e.closeOnce.Do(func() {
		if e.Conn != nil {
			e.Conn.Close()
		}
	})
}

// Registry is the single-mutex map described in the component design.
// Contention here is expected to be dominated by control-channel send/recv
// rather than map operations, so sharding is deliberately not done unless
// profiling shows otherwise.
type Registry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
}

func New() *Registry {
	return &Registry{entries: make(map[uuid.UUID]*Entry)}
}

// Insert adds a new, active entry under id. Callers must not insert the
// same id twice.
func (r *Registry) Insert(id uuid.UUID, e *Entry) {
	e.ID = id
	e.active = true
	r.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()
}

// Lookup returns the entry for id, or nil if absent.
func (r *Registry) Lookup(id uuid.UUID) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[id]
}

// MarkInactive flips the active flag without removing the entry, so
// in-flight handler loops observe it on their next check before the entry
// is actually reaped.
func (r *Registry) MarkInactive(id uuid.UUID) {
	r.mu.Lock()
	e := r.entries[id]
	r.mu.Unlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	e.active = false
	e.mu.Unlock()
}

// Remove deletes the entry for id. It does not close any socket — callers
// close sockets themselves before (or after) removing, depending on which
// side observed the closure, so that a socket is closed exactly once.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// RemoveWhere forcibly deactivates and removes every entry belonging to
// tunnelID, closing TCP sockets as it goes (UDP entries share the tunnel's
// listening socket, which the caller closes separately exactly once).
// Used by StopListener to guarantee no Connection Entry with
// tunnel_id=tunnelID is left active=true once it returns.
func (r *Registry) RemoveWhere(tunnelID string) {
	r.mu.Lock()
	var toClose []*Entry
	for id, e := range r.entries {
		if e.TunnelID != tunnelID {
			continue
		}
		toClose = append(toClose, e)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, e := range toClose {
		e.mu.Lock()
		e.active = false
		e.mu.Unlock()
		if e.Kind == TCP {
			e.CloseConn()
		}
	}
}

// CountByTunnel returns the number of live entries for tunnelID, for tests
// and observability.
func (r *Registry) CountByTunnel(tunnelID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.TunnelID == tunnelID {
			n++
		}
	}
	return n
}

// Len returns the total number of entries currently tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
