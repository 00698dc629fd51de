// ABOUTME: Keyed registry of live backend connections for routing.
// ABOUTME: Exclusive insert/remove so at most one client exists per backend id.

package backend

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrAlreadyConnected indicates a connection with the same backend id is
// already registered.
var ErrAlreadyConnected = errors.New("backend already connected")

// ErrNotConnected indicates no live connection exists for the backend id.
var ErrNotConnected = errors.New("backend not connected")

// Registry is the single source of truth for which backends are currently
// connected. Routing lookups take the read lock so they do not starve under
// concurrent connect/disconnect traffic.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]Conn
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]Conn),
		logger: logger,
	}
}

// Insert registers a new live connection. The caller must have completed
// the full handshake first; overwriting requires an explicit prior Remove.
func (r *Registry) Insert(id string, conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[id]; exists {
		return ErrAlreadyConnected
	}
	r.conns[id] = conn

	pid, _ := conn.Pid()
	r.logger.Info("backend connected",
		"backend_id", id,
		"pid", pid,
		"total_connected", len(r.conns),
	)
	return nil
}

// Remove removes and returns the connection. The caller is responsible for
// shutting it down — removal happens before shutdown so no routing lookup
// ever observes a half-torn-down entry.
func (r *Registry) Remove(id string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	delete(r.conns, id)
	r.logger.Info("backend disconnected",
		"backend_id", id,
		"total_connected", len(r.conns),
	)
	return conn, true
}

// Get returns the live connection for the backend id, if any.
func (r *Registry) Get(id string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// IDs returns the identifiers of all connected backends.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of connected backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close removes every connection and shuts it down.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]Conn)
	r.mu.Unlock()

	for id, conn := range conns {
		conn.Shutdown()
		r.logger.Debug("backend shut down", "backend_id", id)
	}
}
