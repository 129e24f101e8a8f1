package sshmanager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/shellvault/internal/sshkeys"
)

// Session is the transport state of one SSH connection. It is owned by a
// single Connection and never shared.
type Session struct {
	Host    string
	Port    int
	Timeout time.Duration

	mu     sync.Mutex
	client *ssh.Client
	closed bool
}

func newSession(host string, port int, timeout time.Duration) *Session {
	return &Session{Host: host, Port: port, Timeout: timeout}
}

func (s *Session) addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// open dials and authenticates. connectTimeout bounds the dial and the
// handshake together.
func (s *Session) open(cfg *ssh.ClientConfig, connectTimeout time.Duration, allowed []*net.IPNet) error {
	addr := s.addr()

	ctx := context.Background()
	if connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &NetworkError{Op: "dial", Addr: addr, Err: err}
	}
	if err := checkAllowed(netConn.RemoteAddr(), allowed); err != nil {
		netConn.Close()
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return classifyHandshakeError(addr, err)
	}
	netConn.SetDeadline(time.Time{})

	s.mu.Lock()
	s.client = ssh.NewClient(c, chans, reqs)
	s.mu.Unlock()
	return nil
}

// classifyHandshakeError separates credential and host key rejections from
// transport failures.
func classifyHandshakeError(addr string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"):
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	case isHostKeyError(err):
		return fmt.Errorf("%w: host key rejected: %w", ErrAuthenticationFailed, err)
	}
	return &NetworkError{Op: "handshake", Addr: addr, Err: err}
}

func isHostKeyError(err error) bool {
	var mismatch *sshkeys.FingerprintMismatchError
	if errors.As(err, &mismatch) ||
		errors.Is(err, sshkeys.ErrUnknownHost) ||
		errors.Is(err, errNoHostKeyPolicy) {
		return true
	}
	// Older handshake paths flatten the callback error to text.
	msg := err.Error()
	return strings.Contains(msg, sshkeys.ErrUnknownHost.Error()) ||
		strings.Contains(msg, errNoHostKeyPolicy.Error()) ||
		strings.Contains(msg, "fingerprint mismatch")
}

func (s *Session) sshClient() *ssh.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.client
}

// wait blocks until the transport closes.
func (s *Session) wait() error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Wait()
}

// run executes cmd in a new SSH channel. A command still running after
// s.Timeout has its channel closed and fails with reason "timeout"; the
// caller does not wait for the remote side to finish.
func (s *Session) run(cmd string) (string, error) {
	client := s.sshClient()
	if client == nil {
		return "", ErrNotConnected
	}

	sess, err := client.NewSession()
	if err != nil {
		return "", &CommandError{Command: cmd, Reason: "open session: " + err.Error(), ExitCode: -1}
	}

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if err := sess.Start(cmd); err != nil {
		sess.Close()
		return "", &CommandError{Command: cmd, Reason: "start: " + err.Error(), ExitCode: -1}
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	var timeout <-chan time.Time
	if s.Timeout > 0 {
		timer := time.NewTimer(s.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-done:
		sess.Close()
		return commandResult(cmd, stdout.String(), stderr.String(), err)
	case <-timeout:
		sess.Close()
		return "", &CommandError{Command: cmd, Reason: "timeout", ExitCode: -1}
	}
}

func commandResult(cmd, stdout, stderr string, err error) (string, error) {
	if err == nil {
		return stdout, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		reason := strings.TrimSpace(stderr)
		if reason == "" {
			reason = fmt.Sprintf("exit status %d", exitErr.ExitStatus())
		}
		return "", &CommandError{Command: cmd, Reason: reason, ExitCode: exitErr.ExitStatus(), Output: stdout}
	}
	return "", &CommandError{Command: cmd, Reason: err.Error(), ExitCode: -1, Output: stdout}
}

// keepalive sends an OpenSSH keepalive request and reports transport errors.
func (s *Session) keepalive() error {
	client := s.sshClient()
	if client == nil {
		return ErrNotConnected
	}
	_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

// Close tears down the transport. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	if err != nil && errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}
