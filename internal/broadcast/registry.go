package broadcast

import (
	"sync"

	"github.com/Ciach0/nerimity-server/internal/adapter/metrics"
	"github.com/Ciach0/nerimity-server/internal/domain"
)

// Conn is a live connection as seen by the registry and broadcaster.
type Conn interface {
	ID() string
	UserID() string
	// Send queues a frame without blocking. It returns false when the frame could not be
	// queued because the buffer is full or the connection is closed.
	Send(frame []byte) bool
	Close()
}

// Registry tracks scope membership of live connections. All mutations and snapshots are
// serialised by one RWMutex, so Members never observes a half-applied join or leave.
type Registry struct {
	mu      sync.RWMutex
	members map[domain.Scope]map[string]Conn
	joined  map[string]map[domain.Scope]struct{}
	conns   map[string]Conn
	users   map[string]map[string]Conn
	metrics *metrics.BroadcastMetrics
}

func NewRegistry(m *metrics.BroadcastMetrics) *Registry {
	return &Registry{
		members: make(map[domain.Scope]map[string]Conn),
		joined:  make(map[string]map[domain.Scope]struct{}),
		conns:   make(map[string]Conn),
		users:   make(map[string]map[string]Conn),
		metrics: m,
	}
}

// Register makes conn known to the registry without joining any scope.
// Registering an already known connection is a no-op.
func (r *Registry) Register(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn.ID()]; ok {
		return
	}
	r.conns[conn.ID()] = conn
	r.joined[conn.ID()] = make(map[domain.Scope]struct{})

	byUser, ok := r.users[conn.UserID()]
	if !ok {
		byUser = make(map[string]Conn)
		r.users[conn.UserID()] = byUser
	}
	byUser[conn.ID()] = conn
	r.metrics.ActiveConnections.Set(float64(len(r.conns)))
}

// Join adds a registered conn to every given scope. Joining a scope twice is a no-op.
// It returns false, joining nothing, when conn is not registered, so a join racing a
// disconnect cannot resurrect a closed connection.
func (r *Registry) Join(conn Conn, scopes ...domain.Scope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined, ok := r.joined[conn.ID()]
	if !ok {
		return false
	}
	for _, scope := range scopes {
		set, ok := r.members[scope]
		if !ok {
			set = make(map[string]Conn)
			r.members[scope] = set
		}
		set[conn.ID()] = conn
		joined[scope] = struct{}{}
	}
	r.metrics.ActiveScopes.Set(float64(len(r.members)))
	return true
}

// Leave removes conn from the given scopes. Leaving a scope that was never joined is a no-op.
func (r *Registry) Leave(conn Conn, scopes ...domain.Scope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, scope := range scopes {
		r.leave(conn.ID(), scope)
	}
	r.metrics.ActiveScopes.Set(float64(len(r.members)))
}

// leave must be called with mu held.
func (r *Registry) leave(connID string, scope domain.Scope) {
	if set, ok := r.members[scope]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.members, scope)
		}
	}
	if joined, ok := r.joined[connID]; ok {
		delete(joined, scope)
	}
}

// Disconnect removes conn from every scope it joined and forgets it.
// It returns the scopes the connection was in and is safe to call more than once.
func (r *Registry) Disconnect(conn Conn) []domain.Scope {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined, ok := r.joined[conn.ID()]
	if !ok {
		return nil
	}

	left := make([]domain.Scope, 0, len(joined))
	for scope := range joined {
		r.leave(conn.ID(), scope)
		left = append(left, scope)
	}

	delete(r.joined, conn.ID())
	delete(r.conns, conn.ID())
	if byUser, ok := r.users[conn.UserID()]; ok {
		delete(byUser, conn.ID())
		if len(byUser) == 0 {
			delete(r.users, conn.UserID())
		}
	}

	r.metrics.ActiveConnections.Set(float64(len(r.conns)))
	r.metrics.ActiveScopes.Set(float64(len(r.members)))
	return left
}

// Members returns a snapshot of the connections in scope.
func (r *Registry) Members(scope domain.Scope) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.members[scope]
	out := make([]Conn, 0, len(set))
	for _, conn := range set {
		out = append(out, conn)
	}
	return out
}

// IsMember reports whether conn is currently in scope.
func (r *Registry) IsMember(conn Conn, scope domain.Scope) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[scope][conn.ID()]
	return ok
}

// Scopes returns a snapshot of the scopes conn has joined.
func (r *Registry) Scopes(conn Conn) []domain.Scope {
	r.mu.RLock()
	defer r.mu.RUnlock()

	joined := r.joined[conn.ID()]
	out := make([]domain.Scope, 0, len(joined))
	for scope := range joined {
		out = append(out, scope)
	}
	return out
}

// Lookup returns the registered connection with the given ID.
func (r *Registry) Lookup(connID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// UserConns returns every connection registered for userID on this instance.
func (r *Registry) UserConns(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byUser := r.users[userID]
	out := make([]Conn, 0, len(byUser))
	for _, conn := range byUser {
		out = append(out, conn)
	}
	return out
}

// All returns every registered connection.
func (r *Registry) All() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
