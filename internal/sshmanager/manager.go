package sshmanager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	"github.com/gluk-w/shellvault/internal/logging"
	"github.com/gluk-w/shellvault/internal/server"
	"github.com/gluk-w/shellvault/internal/sshfiles"
	"github.com/gluk-w/shellvault/internal/sshkeys"
	"github.com/gluk-w/shellvault/internal/sshtunnel"
	"github.com/gluk-w/shellvault/internal/vault"
)

const (
	DefaultCommandTimeout = 30 * time.Second
	DefaultConnectTimeout = 30 * time.Second
)

// maxLoggedCommand bounds how much of a command ends up in event details.
const maxLoggedCommand = 80

var errNoHostKeyPolicy = errors.New("no host key policy configured")

// CredentialSource resolves the secrets for a connect attempt. *vault.Vault
// implements it.
type CredentialSource interface {
	LoadServerCredentials(id uuid.UUID) (*vault.Credentials, error)
	LoadSSHKey(name string) (*vault.KeyPair, error)
}

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	// CommandTimeout bounds each remote command.
	CommandTimeout time.Duration
	// ConnectTimeout bounds dial plus handshake.
	ConnectTimeout time.Duration
	// HostKeyCallback verifies server host keys. nil rejects every host.
	HostKeyCallback ssh.HostKeyCallback
	// AllowedNetworks restricts outbound connections. Empty allows all.
	AllowedNetworks []*net.IPNet
	// RateLimit limits connect attempts per server. nil disables limiting.
	RateLimit *RateLimitConfig
	// QueueSize is how many commands may wait per connection.
	QueueSize int
	// KeepaliveInterval enables keepalive requests on live connections.
	KeepaliveInterval time.Duration
}

// Manager is the connection facade: it owns the registry of live
// connections, their command queues and the lifecycle events.
type Manager struct {
	creds     CredentialSource
	opts      Options
	registry  *registry
	group     singleflight.Group
	tracker   *StateTracker
	events    *eventLog
	limiter   *RateLimiter
	tunnels   *sshtunnel.Tracker
	transfers *transferSet

	keepaliveCancel context.CancelFunc
	keepaliveWg     sync.WaitGroup
	closeOnce       sync.Once
}

// NewManager returns a Manager resolving credentials through creds.
func NewManager(creds CredentialSource, opts Options) *Manager {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.HostKeyCallback == nil {
		opts.HostKeyCallback = func(hostname string, _ net.Addr, _ ssh.PublicKey) error {
			return fmt.Errorf("%s: %w", hostname, errNoHostKeyPolicy)
		}
	}

	m := &Manager{
		creds:     creds,
		opts:      opts,
		registry:  newRegistry(),
		tracker:   NewStateTracker(),
		events:    newEventLog(),
		tunnels:   sshtunnel.NewTracker(),
		transfers: newTransferSet(),
	}
	if opts.RateLimit != nil {
		m.limiter = NewRateLimiter(*opts.RateLimit)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.keepaliveCancel = cancel
	if opts.KeepaliveInterval > 0 {
		m.keepaliveWg.Add(1)
		go m.keepaliveLoop(ctx, opts.KeepaliveInterval)
	}
	return m
}

// Connect returns the live connection for srv, authenticating a new one when
// there is none. Concurrent calls for the same server share one attempt. A
// cancelled ctx abandons the wait but not the attempt.
func (m *Manager) Connect(ctx context.Context, srv server.Server) (*Connection, error) {
	if err := srv.Validate(); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if e := m.registry.get(srv.ID); e != nil && e.conn.Connected() {
		return e.conn, nil
	}

	ch := m.group.DoChan(srv.ID.String(), func() (any, error) {
		return m.connect(srv)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Connection), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("connect %s: %w", logging.Sanitize(srv.Name), ctx.Err())
	}
}

func (m *Manager) connect(srv server.Server) (*Connection, error) {
	if e := m.registry.get(srv.ID); e != nil {
		if e.conn.Connected() {
			return e.conn, nil
		}
		// Left behind by a network loss or a dropped transport.
		if stale := m.registry.remove(srv.ID, e.conn.ID); stale != nil {
			m.tunnels.CloseServer(srv.ID)
			stale.conn.session.Close()
			stale.queue.close()
		}
	}

	if m.limiter != nil {
		if err := m.limiter.Allow(srv.ID); err != nil {
			m.emitFor(uuid.Nil, srv, EventRateLimited, err.Error())
			return nil, err
		}
	}

	if m.tracker.GetState(srv.ID) != StateReconnecting {
		m.tracker.SetState(srv.ID, StateConnecting)
	}

	conn, err := m.authenticate(srv)
	if err != nil {
		if m.limiter != nil && !errors.Is(err, ErrCredentialsNotFound) {
			m.limiter.RecordFailure(srv.ID)
		}
		m.tracker.SetState(srv.ID, StateDisconnected)
		m.emitFor(uuid.Nil, srv, EventConnectFailed, err.Error())
		return nil, err
	}

	e := &entry{conn: conn, queue: newCommandQueue(m.opts.QueueSize)}
	if existing := m.registry.register(e); existing != nil {
		e.queue.close()
		conn.session.Close()
		return existing.conn, nil
	}
	if m.limiter != nil {
		m.limiter.RecordSuccess(srv.ID)
	}

	m.tracker.SetState(srv.ID, StateConnected)
	m.emit(conn, EventConnected, fmt.Sprintf("authenticated as %s at %s", srv.Username, srv.Addr()))
	go m.watch(e)
	return conn, nil
}

// authenticate resolves credentials and opens a session for srv. The
// credentials do not outlive the call.
func (m *Manager) authenticate(srv server.Server) (*Connection, error) {
	cfg, err := m.clientConfig(srv)
	if err != nil {
		return nil, err
	}

	port := srv.Port
	if port == 0 {
		port = server.DefaultPort
	}
	session := newSession(srv.Host, port, m.opts.CommandTimeout)
	if err := session.open(cfg, m.opts.ConnectTimeout, m.opts.AllowedNetworks); err != nil {
		return nil, fmt.Errorf("connect %s: %w", logging.Sanitize(srv.Name), err)
	}

	conn := newConnection(srv, session)
	conn.markConnected(time.Now())
	return conn, nil
}

// CheckKey reports whether srv accepts signer, using the manager's host key
// policy and network guardrails. The test connection is never registered.
func (m *Manager) CheckKey(ctx context.Context, srv server.Server, signer ssh.Signer) error {
	if err := srv.Validate(); err != nil {
		return fmt.Errorf("check key: %w", err)
	}
	cfg := &ssh.ClientConfig{
		User:            srv.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: m.opts.HostKeyCallback,
		Timeout:         m.opts.ConnectTimeout,
	}
	port := srv.Port
	if port == 0 {
		port = server.DefaultPort
	}
	session := newSession(srv.Host, port, m.opts.CommandTimeout)

	done := make(chan error, 1)
	go func() { done <- session.open(cfg, m.opts.ConnectTimeout, m.opts.AllowedNetworks) }()
	select {
	case err := <-done:
		session.Close()
		if err != nil {
			return fmt.Errorf("check key on %s: %w", logging.Sanitize(srv.Name), err)
		}
		return nil
	case <-ctx.Done():
		go func() {
			<-done
			session.Close()
		}()
		return ctx.Err()
	}
}

func (m *Manager) clientConfig(srv server.Server) (*ssh.ClientConfig, error) {
	creds, err := m.creds.LoadServerCredentials(srv.ID)
	if err != nil {
		return nil, fmt.Errorf("load credentials for %s: %w", logging.Sanitize(srv.Name), err)
	}
	if creds == nil {
		return nil, fmt.Errorf("%s: %w", logging.Sanitize(srv.Name), ErrCredentialsNotFound)
	}
	defer creds.Wipe()

	var auth []ssh.AuthMethod
	switch {
	case creds.Password != nil:
		password := *creds.Password
		auth = []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}
	case creds.KeyName != nil:
		pair, err := m.creds.LoadSSHKey(*creds.KeyName)
		if err != nil {
			return nil, fmt.Errorf("load key %q: %w", logging.Sanitize(*creds.KeyName), err)
		}
		if pair == nil {
			return nil, fmt.Errorf("key %q: %w", logging.Sanitize(*creds.KeyName), ErrCredentialsNotFound)
		}
		signer, err := sshkeys.ParsePrivateKey(pair.PrivateKey, creds.Passphrase)
		pair.Wipe()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
		}
		auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	default:
		return nil, fmt.Errorf("%s: %w", logging.Sanitize(srv.Name), ErrCredentialsNotFound)
	}

	return &ssh.ClientConfig{
		User:            srv.Username,
		Auth:            auth,
		HostKeyCallback: m.opts.HostKeyCallback,
		Timeout:         m.opts.ConnectTimeout,
	}, nil
}

// watch marks the connection disconnected when its transport goes away
// underneath it.
func (m *Manager) watch(e *entry) {
	e.conn.session.wait()
	if e.conn.markDisconnected() {
		m.tracker.SetState(e.conn.Server.ID, StateDisconnected)
		m.emit(e.conn, EventDisconnected, "transport closed")
	}
}

// Disconnect closes conn's session and removes it from the registry.
// Disconnecting a connection that is no longer registered does nothing.
func (m *Manager) Disconnect(conn *Connection) error {
	if conn == nil {
		return nil
	}
	e := m.registry.remove(conn.Server.ID, conn.ID)
	if e == nil {
		return nil
	}
	return m.teardown(e, "closed by caller")
}

// DisconnectServer disconnects whatever connection is registered for the
// server.
func (m *Manager) DisconnectServer(serverID uuid.UUID) error {
	e := m.registry.remove(serverID, uuid.Nil)
	if e == nil {
		return nil
	}
	return m.teardown(e, "closed by caller")
}

// teardown closes an entry that has already left the registry.
func (m *Manager) teardown(e *entry, reason string) error {
	e.conn.markDisconnected()
	if n := m.tunnels.CloseServer(e.conn.Server.ID); n > 0 {
		log.Printf("[tunnel] closed %d tunnel(s) for %s", n, logging.Sanitize(e.conn.Server.Name))
	}
	err := e.conn.session.Close()
	e.queue.close()

	m.tracker.SetState(e.conn.Server.ID, StateDisconnected)
	m.emit(e.conn, EventDisconnected, reason)
	if err != nil {
		return fmt.Errorf("close session for %s: %w", logging.Sanitize(e.conn.Server.Name), err)
	}
	return nil
}

// GetActiveConnection returns the server's live connection, or nil.
func (m *Manager) GetActiveConnection(serverID uuid.UUID) *Connection {
	e := m.registry.get(serverID)
	if e == nil || !e.conn.Connected() {
		return nil
	}
	return e.conn
}

// Connections returns every registered connection, live or not, sorted by
// server name.
func (m *Manager) Connections() []*Connection {
	return m.registry.connections()
}

// State returns the server's lifecycle state.
func (m *Manager) State(serverID uuid.UUID) ConnectionState {
	return m.tracker.GetState(serverID)
}

// Transitions returns the server's recent state history, oldest first.
func (m *Manager) Transitions(serverID uuid.UUID) []StateTransition {
	return m.tracker.GetTransitions(serverID)
}

// OnStateChange registers a callback for lifecycle transitions.
func (m *Manager) OnStateChange(cb StateCallback) {
	m.tracker.OnStateChange(cb)
}

// CloseAll stops the keepalive loop and disconnects everything.
func (m *Manager) CloseAll() error {
	m.closeOnce.Do(func() {
		m.keepaliveCancel()
		m.keepaliveWg.Wait()
	})

	entries := m.registry.removeAll()
	var errs []error
	for _, e := range entries {
		if err := m.teardown(e, "manager shutting down"); err != nil {
			errs = append(errs, err)
		}
	}
	if len(entries) > 0 {
		log.Printf("[ssh] closed all %d connection(s)", len(entries))
	}
	return errors.Join(errs...)
}

// Execute runs cmd on conn and returns its standard output. Commands on one
// connection run one at a time in submission order. When ctx ends first the
// command keeps its place on the queue but its output is discarded.
func (m *Manager) Execute(ctx context.Context, cmd string, conn *Connection) (string, error) {
	result := make(chan string, 1)
	err := m.submit(ctx, conn, func(s *Session) error {
		out, err := s.run(cmd)
		result <- out
		details := truncate(cmd, maxLoggedCommand)
		if err != nil {
			details += ": " + err.Error()
		}
		m.emit(conn, EventCommandExecuted, details)
		return err
	})
	select {
	case out := <-result:
		return out, err
	default:
		return "", err
	}
}

// ListDirectory lists path on the remote host.
func (m *Manager) ListDirectory(ctx context.Context, path string, conn *Connection) ([]sshfiles.FileItem, error) {
	out, err := m.Execute(ctx, sshfiles.ListCommand(path), conn)
	if err != nil {
		return nil, err
	}
	return sshfiles.ParseListing(out, path), nil
}

// Upload copies a local file to the remote host over SFTP. The copy is
// aborted when ctx ends, when CancelTransfer names it, or when it moves no
// data for the command timeout.
func (m *Manager) Upload(ctx context.Context, conn *Connection, localPath, remotePath string) (*sshfiles.Transfer, error) {
	return m.transfer(ctx, conn, sshfiles.DirectionUpload, localPath, remotePath)
}

// Download copies a remote file to the local filesystem over SFTP. It stops
// under the same conditions as Upload.
func (m *Manager) Download(ctx context.Context, conn *Connection, remotePath, localPath string) (*sshfiles.Transfer, error) {
	return m.transfer(ctx, conn, sshfiles.DirectionDownload, localPath, remotePath)
}

func (m *Manager) transfer(ctx context.Context, conn *Connection, dir sshfiles.Direction, localPath, remotePath string) (*sshfiles.Transfer, error) {
	result := make(chan *sshfiles.Transfer, 1)
	err := m.submit(ctx, conn, func(s *Session) error {
		client := s.sshClient()
		if client == nil {
			return ErrNotConnected
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		tctx, cancel := context.WithCancel(ctx)
		defer cancel()
		active := m.transfers.add(conn.Server.ID, dir, localPath, remotePath, cancel)
		defer m.transfers.remove(active.ID)

		opts := sshfiles.Options{
			ID:          active.ID,
			IdleTimeout: s.Timeout,
			OnProgress:  active.update,
		}
		var (
			t   *sshfiles.Transfer
			err error
		)
		if dir == sshfiles.DirectionUpload {
			t, err = sshfiles.Upload(tctx, client, localPath, remotePath, opts)
		} else {
			t, err = sshfiles.Download(tctx, client, remotePath, localPath, opts)
		}
		result <- t
		m.emit(conn, EventCommandExecuted, transferDetails(t, err))
		if errors.Is(err, sshfiles.ErrTransferStalled) {
			return &CommandError{Command: string(dir) + " " + remotePath, Reason: "timeout", ExitCode: -1}
		}
		return err
	})
	select {
	case t := <-result:
		return t, err
	default:
		return nil, err
	}
}

// submit runs fn on conn's queue. A connection that is not live fails with
// ErrNotConnected before anything reaches the transport, and so does one
// that went down while fn was waiting its turn.
func (m *Manager) submit(ctx context.Context, conn *Connection, fn func(*Session) error) error {
	if conn == nil || !conn.Connected() {
		return ErrNotConnected
	}
	e := m.registry.get(conn.Server.ID)
	if e == nil || e.conn != conn {
		return ErrNotConnected
	}
	if e.queue == nil {
		return &InternalError{Msg: fmt.Sprintf("connection %s has no command queue", conn.ID)}
	}

	var runErr error
	if err := e.queue.submit(ctx, func() {
		if !conn.Connected() {
			runErr = ErrNotConnected
			return
		}
		runErr = fn(conn.session)
	}); err != nil {
		return err
	}
	return runErr
}

func (m *Manager) keepaliveLoop(ctx context.Context, interval time.Duration) {
	defer m.keepaliveWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkConnections()
		}
	}
}

// checkConnections sends a keepalive request on each live connection and
// marks unresponsive ones disconnected.
func (m *Manager) checkConnections() {
	for _, conn := range m.registry.connections() {
		if !conn.Connected() {
			continue
		}
		if err := conn.session.keepalive(); err != nil {
			if !conn.markDisconnected() {
				continue
			}
			log.Printf("[ssh] keepalive failed for %s: %v", logging.Sanitize(conn.Server.Name), err)
			conn.session.Close()
			m.tracker.SetState(conn.Server.ID, StateDisconnected)
			m.emit(conn, EventDisconnected, "keepalive failed")
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func transferDetails(t *sshfiles.Transfer, err error) string {
	if t == nil {
		if err != nil {
			return err.Error()
		}
		return ""
	}
	return t.String()
}
