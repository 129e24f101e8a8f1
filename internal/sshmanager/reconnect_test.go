package sshmanager

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gluk-w/shellvault/internal/server"
	"github.com/gluk-w/shellvault/internal/sshtest"
)

func fastBackoff(t *testing.T) {
	t.Helper()
	initial, ceiling := reconnectInitialBackoff, reconnectMaxBackoff
	reconnectInitialBackoff, reconnectMaxBackoff = time.Millisecond, 4*time.Millisecond
	t.Cleanup(func() { reconnectInitialBackoff, reconnectMaxBackoff = initial, ceiling })
}

func countEvents(m *Manager, srv server.Server, typ EventType) int {
	n := 0
	for _, e := range m.GetEvents(srv.ID) {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// closedPort returns a local address nothing listens on.
func closedPort(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()
	return "127.0.0.1", addr.Port
}

func TestReconnect_AfterNetworkLoss(t *testing.T) {
	fastBackoff(t)
	ts := sshtest.Start(t, sshtest.Options{Password: testPassword, Exec: echoExec})
	m, v := newTestManager(t, Options{})
	srv := addServer(t, v, ts, "web", server.PasswordAuth{Password: testPassword})
	old := connect(t, m, srv)

	m.HandleNetworkUnavailable()
	m.HandleNetworkAvailable()

	conn, err := m.Reconnect(context.Background(), srv, 3)
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if conn == old || !conn.Connected() {
		t.Fatalf("expected a fresh live connection")
	}
	if got := m.State(srv.ID); got != StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
	if ts.Logins() != 2 {
		t.Errorf("logins = %d, want 2", ts.Logins())
	}
}

func TestReconnect_GivesUpOnUnreachableHost(t *testing.T) {
	fastBackoff(t)
	m, v := newTestManager(t, Options{ConnectTimeout: time.Second})
	host, port := closedPort(t)
	srv := server.New("down", host, "deploy", server.PasswordAuth{Password: testPassword})
	srv.Port = port
	if err := v.SaveServerCredentials(srv); err != nil {
		t.Fatalf("SaveServerCredentials: %v", err)
	}

	_, err := m.Reconnect(context.Background(), srv, 3)
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
	if n := countEvents(m, srv, EventConnectFailed); n != 3 {
		t.Errorf("connect_failed events = %d, want 3", n)
	}
}

func TestReconnect_StopsOnAuthFailure(t *testing.T) {
	fastBackoff(t)
	ts := sshtest.Start(t, sshtest.Options{Password: testPassword})
	m, v := newTestManager(t, Options{})
	srv := addServer(t, v, ts, "web", server.PasswordAuth{Password: "wrong"})

	_, err := m.Reconnect(context.Background(), srv, 5)
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("err = %v, want ErrAuthenticationFailed", err)
	}
	if n := countEvents(m, srv, EventConnectFailed); n != 1 {
		t.Errorf("connect_failed events = %d, want a single attempt", n)
	}
}

func TestReconnect_ContextCancelled(t *testing.T) {
	m, v := newTestManager(t, Options{})
	host, port := closedPort(t)
	srv := server.New("down", host, "deploy", server.PasswordAuth{Password: testPassword})
	srv.Port = port
	if err := v.SaveServerCredentials(srv); err != nil {
		t.Fatalf("SaveServerCredentials: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Reconnect(ctx, srv, 3); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
