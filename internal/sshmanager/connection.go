package sshmanager

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gluk-w/shellvault/internal/server"
)

// Connection pairs a Server with its live Session. There is at most one
// registered Connection per server.
type Connection struct {
	ID     uuid.UUID
	Server server.Server

	session *Session

	mu          sync.RWMutex
	connected   bool
	connectedAt time.Time
}

func newConnection(srv server.Server, session *Session) *Connection {
	return &Connection{ID: uuid.New(), Server: srv, session: session}
}

// Connected is false once the connection is closed or its network is lost.
func (c *Connection) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// ConnectedAt is when authentication succeeded.
func (c *Connection) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

func (c *Connection) markConnected(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	c.connectedAt = at
}

// markDisconnected reports whether the connection was live.
func (c *Connection) markDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.connected
	c.connected = false
	return was
}
