// Package sshterminal runs interactive login shells behind a PTY on an
// established SSH client.
package sshterminal

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

// Limits for terminal dimensions. Larger resize requests are rejected.
const (
	MaxCols uint16 = 500
	MaxRows uint16 = 500
)

const (
	defaultTerm = "xterm-256color"
	defaultCols = 80
	defaultRows = 24
)

// Options describes the PTY requested for a terminal. Zero values fall back
// to an 80x24 xterm-256color terminal.
type Options struct {
	Term string
	Cols uint16
	Rows uint16
}

func (o Options) withDefaults() Options {
	if o.Term == "" {
		o.Term = defaultTerm
	}
	if o.Cols == 0 {
		o.Cols = defaultCols
	}
	if o.Rows == 0 {
		o.Rows = defaultRows
	}
	return o
}

// Terminal is a running shell. Output from the remote PTY is read from
// Stdout; stderr is merged into it by the PTY.
type Terminal struct {
	Stdin   io.WriteCloser
	Stdout  io.Reader
	session *ssh.Session
}

// ValidateSize rejects zero or oversized dimensions.
func ValidateSize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("terminal size %dx%d: dimensions must be positive", cols, rows)
	}
	if cols > MaxCols || rows > MaxRows {
		return fmt.Errorf("terminal size %dx%d exceeds %dx%d", cols, rows, MaxCols, MaxRows)
	}
	return nil
}

// Open starts the user's login shell on client.
func Open(client *ssh.Client, opts Options) (*Terminal, error) {
	if client == nil {
		return nil, errors.New("open terminal: no ssh client")
	}
	opts = opts.withDefaults()
	if err := ValidateSize(opts.Cols, opts.Rows); err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(opts.Term, int(opts.Rows), int(opts.Cols), modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &Terminal{Stdin: stdin, Stdout: stdout, session: session}, nil
}

// Resize changes the PTY dimensions.
func (t *Terminal) Resize(cols, rows uint16) error {
	if err := ValidateSize(cols, rows); err != nil {
		return err
	}
	return t.session.WindowChange(int(rows), int(cols))
}

// Wait blocks until the shell exits. A non-zero exit is returned as
// *ssh.ExitError.
func (t *Terminal) Wait() error {
	return t.session.Wait()
}

func (t *Terminal) Close() error {
	return t.session.Close()
}
