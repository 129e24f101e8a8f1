package sshmanager

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gluk-w/shellvault/internal/logging"
	"github.com/gluk-w/shellvault/internal/server"
)

// EventType identifies the type of connection event.
type EventType string

const (
	EventConnected       EventType = "connected"
	EventConnectFailed   EventType = "connect_failed"
	EventDisconnected    EventType = "disconnected"
	EventReconnecting    EventType = "reconnecting"
	EventNetworkLost     EventType = "network_lost"
	EventCommandExecuted EventType = "command_executed"
	EventRateLimited     EventType = "rate_limited"
)

// ConnectionEvent is one audit-worthy lifecycle or command event. Details
// never carry credentials.
type ConnectionEvent struct {
	ConnectionID uuid.UUID `json:"connection_id"`
	ServerID     uuid.UUID `json:"server_id"`
	ServerName   string    `json:"server_name"`
	Type         EventType `json:"type"`
	Details      string    `json:"details"`
	Timestamp    time.Time `json:"timestamp"`
}

// EventListener receives every event after it is recorded. Listeners run
// synchronously on the emitting goroutine and must not call back into the
// manager's connect or disconnect paths.
type EventListener func(ConnectionEvent)

// maxEventsPerServer limits the number of stored events per server.
const maxEventsPerServer = 100

type eventLog struct {
	mu        sync.RWMutex
	events    map[uuid.UUID][]ConnectionEvent
	listeners []EventListener
}

func newEventLog() *eventLog {
	return &eventLog{events: make(map[uuid.UUID][]ConnectionEvent)}
}

func (l *eventLog) emit(event ConnectionEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	l.mu.Lock()
	events := append(l.events[event.ServerID], event)
	if len(events) > maxEventsPerServer {
		events = events[len(events)-maxEventsPerServer:]
	}
	l.events[event.ServerID] = events
	listeners := make([]EventListener, len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.Unlock()

	log.Printf("[ssh] event %s/%s conn=%s: %s", logging.Sanitize(event.ServerName), event.Type, event.ConnectionID, logging.Sanitize(event.Details))

	for _, fn := range listeners {
		fn(event)
	}
}

// OnEvent registers a listener for all future events.
func (m *Manager) OnEvent(fn EventListener) {
	m.events.mu.Lock()
	defer m.events.mu.Unlock()
	m.events.listeners = append(m.events.listeners, fn)
}

// GetEvents returns the stored events for the server, oldest first.
func (m *Manager) GetEvents(serverID uuid.UUID) []ConnectionEvent {
	m.events.mu.RLock()
	defer m.events.mu.RUnlock()
	events := m.events.events[serverID]
	result := make([]ConnectionEvent, len(events))
	copy(result, events)
	return result
}

// GetRecentEvents returns the most recent n events for the server.
func (m *Manager) GetRecentEvents(serverID uuid.UUID, n int) []ConnectionEvent {
	events := m.GetEvents(serverID)
	if len(events) <= n {
		return events
	}
	return events[len(events)-n:]
}

// ClearEvents removes all stored events for the server.
func (m *Manager) ClearEvents(serverID uuid.UUID) {
	m.events.mu.Lock()
	defer m.events.mu.Unlock()
	delete(m.events.events, serverID)
}

func (m *Manager) emit(conn *Connection, typ EventType, details string) {
	m.emitFor(conn.ID, conn.Server, typ, details)
}

// emitFor records an event that may not belong to a registered connection,
// such as a failed connect. connID is uuid.Nil in that case.
func (m *Manager) emitFor(connID uuid.UUID, srv server.Server, typ EventType, details string) {
	m.events.emit(ConnectionEvent{
		ConnectionID: connID,
		ServerID:     srv.ID,
		ServerName:   srv.Name,
		Type:         typ,
		Details:      details,
	})
}
