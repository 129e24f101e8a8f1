package sshmanager

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

type entry struct {
	conn  *Connection
	queue *commandQueue
}

// registry maps server IDs to their single Connection. Reads share the lock,
// every mutation holds it exclusively, and the map never leaves this type.
type registry struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[uuid.UUID]*entry)}
}

func (r *registry) get(serverID uuid.UUID) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[serverID]
}

// register stores e unless a live connection is already registered for the
// server, in which case that entry is returned and e is not stored.
func (r *registry) register(e *entry) (existing *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[e.conn.Server.ID]; ok && cur.conn.Connected() {
		return cur
	}
	r.entries[e.conn.Server.ID] = e
	return nil
}

// remove deletes the server's entry. With a non-nil connID it only removes
// the entry holding that connection.
func (r *registry) remove(serverID, connID uuid.UUID) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[serverID]
	if !ok || (connID != uuid.Nil && e.conn.ID != connID) {
		return nil
	}
	delete(r.entries, serverID)
	return e
}

func (r *registry) removeAll() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*entry, 0, len(r.entries))
	for id, e := range r.entries {
		all = append(all, e)
		delete(r.entries, id)
	}
	return all
}

// transition applies fn to every entry under the write lock and returns the
// entries for which fn reported a change.
func (r *registry) transition(fn func(*entry) bool) []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var changed []*entry
	for _, e := range r.entries {
		if fn(e) {
			changed = append(changed, e)
		}
	}
	return changed
}

// connections returns the registered connections sorted by server name.
func (r *registry) connections() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.entries))
	for _, e := range r.entries {
		conns = append(conns, e.conn)
	}
	r.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].Server.Name < conns[j].Server.Name })
	return conns
}
