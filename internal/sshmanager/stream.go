package sshmanager

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/shellvault/internal/sshlogs"
	"github.com/gluk-w/shellvault/internal/sshterminal"
	"github.com/gluk-w/shellvault/internal/sshtunnel"
)

// Streams, terminals and tunnels hold their own channels on the connection
// for as long as they run, so they bypass the command queue. They share its
// liveness rules: a connection that is not live fails with ErrNotConnected.

// StreamFile follows path on the remote host. See sshlogs.Stream.
func (m *Manager) StreamFile(ctx context.Context, conn *Connection, path string, lines int, follow bool) (<-chan string, error) {
	client, err := m.liveClient(conn)
	if err != nil {
		return nil, err
	}
	ch, err := sshlogs.Stream(ctx, client, path, lines, follow)
	details := truncate(sshlogs.TailCommand(path, lines, follow), maxLoggedCommand)
	if err != nil {
		details += ": " + err.Error()
	}
	m.emit(conn, EventCommandExecuted, details)
	return ch, err
}

// AvailableLogs reports which of paths exist on the remote host, using
// sshlogs.CommonPaths when paths is empty. It runs on the command queue.
func (m *Manager) AvailableLogs(ctx context.Context, conn *Connection, paths []string) ([]string, error) {
	var found []string
	err := m.submit(ctx, conn, func(s *Session) error {
		client := s.sshClient()
		if client == nil {
			return ErrNotConnected
		}
		var err error
		found, err = sshlogs.Available(client, paths)
		return err
	})
	return found, err
}

// OpenTerminal starts an interactive login shell on conn.
func (m *Manager) OpenTerminal(conn *Connection, opts sshterminal.Options) (*sshterminal.Terminal, error) {
	client, err := m.liveClient(conn)
	if err != nil {
		return nil, err
	}
	t, err := sshterminal.Open(client, opts)
	details := "interactive shell"
	if err != nil {
		details += ": " + err.Error()
	}
	m.emit(conn, EventCommandExecuted, details)
	return t, err
}

func (m *Manager) liveClient(conn *Connection) (*ssh.Client, error) {
	if conn == nil || !conn.Connected() {
		return nil, ErrNotConnected
	}
	if e := m.registry.get(conn.Server.ID); e == nil || e.conn != conn {
		return nil, ErrNotConnected
	}
	client := conn.session.sshClient()
	if client == nil {
		return nil, fmt.Errorf("%w: session closed", ErrNotConnected)
	}
	return client, nil
}

// Forward listens on localAddr and forwards each accepted connection to
// remoteAddr as dialed from the server. The tunnel stops when ctx is
// cancelled, when it is closed, or when conn is torn down.
func (m *Manager) Forward(ctx context.Context, conn *Connection, localAddr, remoteAddr string) (*sshtunnel.Tunnel, error) {
	client, err := m.liveClient(conn)
	if err != nil {
		return nil, err
	}
	t, err := sshtunnel.Forward(ctx, conn.Server.ID, client, localAddr, remoteAddr)
	if err != nil {
		m.emit(conn, EventCommandExecuted, fmt.Sprintf("forward %s -> %s: %v", localAddr, remoteAddr, err))
		return nil, err
	}
	m.tunnels.Add(t)
	m.emit(conn, EventCommandExecuted, "forward "+t.String())
	return t, nil
}

// Tunnels returns the server's open tunnels.
func (m *Manager) Tunnels(serverID uuid.UUID) []*sshtunnel.Tunnel {
	return m.tunnels.List(serverID)
}
