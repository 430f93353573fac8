// Package registry holds the table of live, authenticated relay connections.
// It is the single source of truth for who is online and never performs
// network I/O itself.
package registry

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/whisper/relay/internal/identity"
)

// ErrDuplicateConnection is returned when a handle is registered twice without
// an intervening Unregister.
var ErrDuplicateConnection = errors.New("registry: duplicate connection")

// Conn is the part of a connection the registry and its readers need: a stable
// handle and a serialized write path.
type Conn interface {
	ID() string
	WriteMessage(data []byte) error
}

type entry struct {
	conn     Conn
	identity identity.Identity
	seq      uint64 // insertion order
}

// Registry is a mutex-guarded table of connections indexed by handle and by
// user id. Reads return copies, so callers iterate without holding the lock.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*entry            // conn id -> entry
	byUser map[string]map[string]*entry // user id -> conn id -> entry
	next   uint64
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byID:   make(map[string]*entry),
		byUser: make(map[string]map[string]*entry),
	}
}

// Register attaches id to conn and makes the connection visible to presence
// and routing.
func (r *Registry) Register(conn Conn, id identity.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[conn.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, conn.ID())
	}

	r.next++
	e := &entry{conn: conn, identity: id, seq: r.next}
	r.byID[conn.ID()] = e

	devices := r.byUser[id.UserID]
	if devices == nil {
		devices = make(map[string]*entry)
		r.byUser[id.UserID] = devices
	}
	devices[conn.ID()] = e
	return nil
}

// Unregister removes the connection with the given handle. It reports whether
// an entry was removed; removing an absent handle is a no-op.
func (r *Registry) Unregister(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[connID]
	if !ok {
		return false
	}
	delete(r.byID, connID)

	if devices := r.byUser[e.identity.UserID]; devices != nil {
		delete(devices, connID)
		if len(devices) == 0 {
			delete(r.byUser, e.identity.UserID)
		}
	}
	return true
}

// Lookup returns the identity attached to a handle.
func (r *Registry) Lookup(connID string) (identity.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byID[connID]
	if !ok {
		return identity.Identity{}, false
	}
	return e.identity, true
}

// FindByUserID returns every live connection of a user, one per device, in
// registration order.
func (r *Registry) FindByUserID(userID string) []Conn {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.byUser[userID]))
	for _, e := range r.byUser[userID] {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sortBySeq(entries)
	conns := make([]Conn, len(entries))
	for i, e := range entries {
		conns[i] = e.conn
	}
	return conns
}

// Snapshot returns the identity of every registered connection in
// registration order. A user with several devices appears once per device.
func (r *Registry) Snapshot() []identity.Identity {
	ids, _ := r.View()
	return ids
}

// View returns the snapshot together with the connections it was computed
// from, taken under a single read lock.
func (r *Registry) View() ([]identity.Identity, []Conn) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.byID))
	for _, e := range r.byID {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sortBySeq(entries)
	ids := make([]identity.Identity, len(entries))
	conns := make([]Conn, len(entries))
	for i, e := range entries {
		ids[i] = e.identity
		conns[i] = e.conn
	}
	return ids, conns
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}

func sortBySeq(entries []*entry) {
	slices.SortFunc(entries, func(a, b *entry) int { return cmp.Compare(a.seq, b.seq) })
}
