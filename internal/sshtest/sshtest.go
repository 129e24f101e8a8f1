// Package sshtest runs in-process SSH servers for tests. Servers accept a
// password and/or one authorized key, dispatch exec requests to a handler,
// run an echoing shell behind a PTY and serve the sftp subsystem from the
// local filesystem or from caller supplied handlers.
package sshtest

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/shellvault/internal/sshkeys"
)

// ExecFunc handles one exec request and returns its output and exit status.
type ExecFunc func(cmd string) (stdout, stderr string, exitCode int)

// StreamFunc handles one exec request by writing to stdout as it goes. A
// write error means the client closed the session.
type StreamFunc func(cmd string, stdout io.Writer) (exitCode int)

// PTY is the last terminal a client requested.
type PTY struct {
	Term       string
	Cols, Rows uint32
}

// Options configures a test server. Password, AuthorizedKey and
// AuthorizedKeysFile may each be left empty to disable that method.
type Options struct {
	Password      string
	AuthorizedKey ssh.PublicKey
	Exec          ExecFunc
	ExecStream    StreamFunc // takes precedence over Exec
	SFTP          bool

	// AuthorizedKeysFile is read on every public key attempt, so commands
	// that edit it take effect on the next login.
	AuthorizedKeysFile string
	// SFTPHandlers serves the sftp subsystem from these handlers instead of
	// the local filesystem. Setting it implies SFTP.
	SFTPHandlers *sftp.Handlers
}

// Server is a running test server.
type Server struct {
	opts     Options
	config   *ssh.ServerConfig
	listener net.Listener
	HostKey  ssh.PublicKey

	logins atomic.Int32
	execs  atomic.Int32

	mu    sync.Mutex
	conns []net.Conn
	pty   PTY
	done  chan struct{}
}

// Start launches a server on 127.0.0.1 and stops it at test cleanup.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()

	_, hostKeyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.ParsePrivateKey(hostKeyPEM)
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}

	s := &Server{opts: opts, HostKey: hostSigner.PublicKey(), done: make(chan struct{})}
	s.config = &ssh.ServerConfig{}
	if opts.Password != "" {
		s.config.PasswordCallback = func(_ ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if string(pw) == opts.Password {
				s.logins.Add(1)
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected")
		}
	}
	if opts.AuthorizedKey != nil || opts.AuthorizedKeysFile != "" {
		s.config.PublicKeyCallback = func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if s.authorized(key) {
				s.logins.Add(1)
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	s.config.AddHostKey(hostSigner)

	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) authorized(key ssh.PublicKey) bool {
	got := ssh.FingerprintSHA256(key)
	if s.opts.AuthorizedKey != nil && ssh.FingerprintSHA256(s.opts.AuthorizedKey) == got {
		return true
	}
	if s.opts.AuthorizedKeysFile == "" {
		return false
	}
	rest, err := os.ReadFile(s.opts.AuthorizedKeysFile)
	if err != nil {
		return false
	}
	for len(rest) > 0 {
		var allowed ssh.PublicKey
		allowed, _, _, rest, err = ssh.ParseAuthorizedKey(rest)
		if err != nil {
			return false
		}
		if ssh.FingerprintSHA256(allowed) == got {
			return true
		}
	}
	return false
}

// Addr is the listening host:port.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// HostPort splits Addr.
func (s *Server) HostPort() (string, int) {
	host, portStr, _ := net.SplitHostPort(s.Addr())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// Logins counts successful authentications.
func (s *Server) Logins() int { return int(s.logins.Load()) }

// Execs counts exec requests received.
func (s *Server) Execs() int { return int(s.execs.Load()) }

// DropConnections closes every accepted connection, as a network outage would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
	<-s.done
}

func (s *Server) acceptLoop() {
	defer close(s.done)
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, netConn)
		s.mu.Unlock()
		go s.handleConn(netConn)
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() == "direct-tcpip" {
			go s.handleDirect(newChan)
			continue
		}
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		switch req.Type {
		case "exec":
			if len(req.Payload) < 4 {
				req.Reply(false, nil)
				continue
			}
			n := binary.BigEndian.Uint32(req.Payload[:4])
			cmd := string(req.Payload[4 : 4+n])
			req.Reply(true, nil)
			s.execs.Add(1)

			code := 127
			if s.opts.ExecStream != nil {
				code = s.opts.ExecStream(cmd, ch)
			} else if s.opts.Exec != nil {
				var stdout, stderr string
				stdout, stderr, code = s.opts.Exec(cmd)
				ch.Write([]byte(stdout))
				ch.Stderr().Write([]byte(stderr))
			} else {
				ch.Stderr().Write([]byte("no exec handler\n"))
			}
			status := make([]byte, 4)
			binary.BigEndian.PutUint32(status, uint32(code))
			ch.SendRequest("exit-status", false, status)
			return

		case "pty-req":
			var p struct {
				Term                 string
				Cols, Rows, Wpx, Hpx uint32
				Modes                string
			}
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				req.Reply(false, nil)
				continue
			}
			s.setPTY(PTY{Term: p.Term, Cols: p.Cols, Rows: p.Rows})
			req.Reply(true, nil)

		case "window-change":
			var w struct{ Cols, Rows, Wpx, Hpx uint32 }
			if err := ssh.Unmarshal(req.Payload, &w); err == nil {
				s.mu.Lock()
				s.pty.Cols, s.pty.Rows = w.Cols, w.Rows
				s.mu.Unlock()
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			// The shell echoes its input and exits 0 on EOF.
			req.Reply(true, nil)
			go func() {
				io.Copy(ch, ch)
				ch.SendRequest("exit-status", false, make([]byte, 4))
				ch.Close()
			}()

		case "subsystem":
			enabled := s.opts.SFTP || s.opts.SFTPHandlers != nil
			if !enabled || len(req.Payload) < 4 || string(req.Payload[4:]) != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			if s.opts.SFTPHandlers != nil {
				rs := sftp.NewRequestServer(ch, *s.opts.SFTPHandlers)
				rs.Serve()
				rs.Close()
				return
			}
			srv, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			srv.Serve()
			srv.Close()
			return

		default:
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}
}

// handleDirect serves port forwarding by dialing the requested address from
// the test process.
func (s *Server) handleDirect(newChan ssh.NewChannel) {
	var req struct {
		Host       string
		Port       uint32
		OriginHost string
		OriginPort uint32
	}
	if err := ssh.Unmarshal(newChan.ExtraData(), &req); err != nil {
		newChan.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	target, err := net.Dial("tcp", net.JoinHostPort(req.Host, strconv.Itoa(int(req.Port))))
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := newChan.Accept()
	if err != nil {
		target.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	done := make(chan struct{}, 2)
	go func() { io.Copy(ch, target); ch.CloseWrite(); done <- struct{}{} }()
	go func() { io.Copy(target, ch); target.Close(); done <- struct{}{} }()
	<-done
	<-done
	ch.Close()
	target.Close()
}

func (s *Server) setPTY(p PTY) {
	s.mu.Lock()
	s.pty = p
	s.mu.Unlock()
}

// LastPTY returns the most recent pty-req, updated by window changes.
func (s *Server) LastPTY() PTY {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pty
}

// Dial connects with the given auth, ignoring the host key.
func (s *Server) Dial(t testing.TB, user string, auth ...ssh.AuthMethod) *ssh.Client {
	t.Helper()
	client, err := ssh.Dial("tcp", s.Addr(), &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	})
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}
