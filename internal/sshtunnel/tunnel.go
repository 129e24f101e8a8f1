// Package sshtunnel forwards local TCP ports to addresses reachable from a
// remote host (the equivalent of ssh -L) and tracks the open tunnels per
// server.
package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Dialer opens connections from the remote side. *ssh.Client satisfies it.
type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

// Tunnel is one listening local port. Every accepted connection is paired
// with a new connection dialed through the Dialer.
type Tunnel struct {
	ServerID   uuid.UUID
	LocalAddr  string // bound address, with the real port when 0 was asked for
	RemoteAddr string
	StartedAt  time.Time

	cancel   context.CancelFunc
	listener net.Listener
	done     chan struct{}

	mu    sync.Mutex
	conns int
}

// Close stops accepting and waits for every forwarded connection to end.
func (t *Tunnel) Close() error {
	t.cancel()
	<-t.done
	return nil
}

// IsClosed reports whether the tunnel has stopped, by Close or by its context.
func (t *Tunnel) IsClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Active returns the number of connections currently being forwarded.
func (t *Tunnel) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns
}

func (t *Tunnel) String() string {
	return t.LocalAddr + " -> " + t.RemoteAddr
}

// Forward listens on localAddr and forwards each connection to remoteAddr
// through d until ctx is cancelled or the tunnel is closed.
func Forward(ctx context.Context, serverID uuid.UUID, d Dialer, localAddr, remoteAddr string) (*Tunnel, error) {
	if d == nil {
		return nil, errors.New("forward: no dialer")
	}
	if _, _, err := net.SplitHostPort(remoteAddr); err != nil {
		return nil, fmt.Errorf("forward: remote address %q: %w", remoteAddr, err)
	}

	ln, err := net.Listen("tcp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", localAddr, err)
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &Tunnel{
		ServerID:   serverID,
		LocalAddr:  ln.Addr().String(),
		RemoteAddr: remoteAddr,
		StartedAt:  time.Now(),
		cancel:     cancel,
		listener:   ln,
		done:       make(chan struct{}),
	}

	// Closing the listener unblocks Accept.
	go func() {
		<-tctx.Done()
		ln.Close()
	}()
	go t.acceptLoop(tctx, d)

	log.Printf("[tunnel] forwarding %s", t)
	return t, nil
}

func (t *Tunnel) acceptLoop(ctx context.Context, d Dialer) {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(t.done)
	}()

	for {
		local, err := t.listener.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Printf("[tunnel] accept on %s: %v", t.LocalAddr, err)
			}
			return
		}

		remote, err := d.Dial("tcp", t.RemoteAddr)
		if err != nil {
			log.Printf("[tunnel] dial %s: %v", t.RemoteAddr, err)
			local.Close()
			continue
		}

		t.mu.Lock()
		t.conns++
		t.mu.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			pipe(ctx, local, remote)
			t.mu.Lock()
			t.conns--
			t.mu.Unlock()
		}()
	}
}

// pipe copies both ways until one side closes or ctx is done.
func pipe(ctx context.Context, a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		defer func() { done <- struct{}{} }()
		io.Copy(dst, src)
	}
	go cp(a, b)
	go cp(b, a)

	select {
	case <-done:
	case <-ctx.Done():
	}
	a.Close()
	b.Close()
	<-done
}

// Tracker keeps the open tunnels of each server.
type Tracker struct {
	mu      sync.Mutex
	tunnels map[uuid.UUID][]*Tunnel
}

func NewTracker() *Tracker {
	return &Tracker{tunnels: make(map[uuid.UUID][]*Tunnel)}
}

func (tr *Tracker) Add(t *Tunnel) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.tunnels[t.ServerID] = append(tr.tunnels[t.ServerID], t)
}

// List returns the server's tunnels that are still open.
func (tr *Tracker) List(serverID uuid.UUID) []*Tunnel {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	open := tr.tunnels[serverID][:0]
	for _, t := range tr.tunnels[serverID] {
		if !t.IsClosed() {
			open = append(open, t)
		}
	}
	if len(open) == 0 {
		delete(tr.tunnels, serverID)
		return nil
	}
	tr.tunnels[serverID] = open
	return append([]*Tunnel(nil), open...)
}

// CloseServer closes and forgets every tunnel of serverID.
func (tr *Tracker) CloseServer(serverID uuid.UUID) int {
	tr.mu.Lock()
	tunnels := tr.tunnels[serverID]
	delete(tr.tunnels, serverID)
	tr.mu.Unlock()

	closeTunnels(tunnels)
	return len(tunnels)
}

// CloseAll closes every tracked tunnel.
func (tr *Tracker) CloseAll() int {
	tr.mu.Lock()
	all := tr.tunnels
	tr.tunnels = make(map[uuid.UUID][]*Tunnel)
	tr.mu.Unlock()

	n := 0
	for _, tunnels := range all {
		closeTunnels(tunnels)
		n += len(tunnels)
	}
	return n
}

func closeTunnels(tunnels []*Tunnel) {
	for _, t := range tunnels {
		if err := t.Close(); err != nil {
			log.Printf("[tunnel] close %s: %v", t, err)
		}
	}
}
