package sshmanager

// HandleNetworkUnavailable marks every live connection disconnected. Their
// sessions stay open so commands already running end through their own
// timeout; new commands fail with ErrNotConnected.
func (m *Manager) HandleNetworkUnavailable() {
	lost := m.registry.transition(func(e *entry) bool {
		return e.conn.markDisconnected()
	})
	for _, e := range lost {
		m.tracker.SetState(e.conn.Server.ID, StateDisconnected)
		m.emit(e.conn, EventNetworkLost, "network unavailable")
	}
}

// HandleNetworkAvailable moves every disconnected registry entry to
// reconnecting. Nothing is dialed here: the next Connect for the server
// re-authenticates.
func (m *Manager) HandleNetworkAvailable() {
	pending := m.registry.transition(func(e *entry) bool {
		return !e.conn.Connected() && m.tracker.GetState(e.conn.Server.ID) != StateReconnecting
	})
	for _, e := range pending {
		m.tracker.SetState(e.conn.Server.ID, StateReconnecting)
		m.emit(e.conn, EventReconnecting, "network available, reconnecting on next use")
	}
}
