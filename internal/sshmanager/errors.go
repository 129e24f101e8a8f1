package sshmanager

import (
	"errors"
	"fmt"
)

var (
	ErrCredentialsNotFound  = errors.New("credentials not found")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNotConnected         = errors.New("not connected")
	ErrCommandFailed        = errors.New("command failed")
	ErrNetwork              = errors.New("network error")
	ErrInternal             = errors.New("internal error")
	ErrRateLimited          = errors.New("connection attempts rate limited")
	ErrHostNotAllowed       = errors.New("host is outside the allowed networks")
)

// CommandError is a remote execution failure. Reason is the remote stderr
// when there is any, "timeout" when the command ran past the session
// timeout, or a transport error description.
type CommandError struct {
	Command  string
	Reason   string
	ExitCode int // -1 when the command did not exit normally
	Output   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command failed: %s", e.Reason)
}

func (e *CommandError) Is(target error) bool { return target == ErrCommandFailed }

// IsTimeout reports whether the command was stopped by the session timeout.
func (e *CommandError) IsTimeout() bool { return e.Reason == "timeout" }

// NetworkError reports that a host could not be reached.
type NetworkError struct {
	Op   string
	Addr string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// InternalError is an invariant violation inside the manager.
type InternalError struct {
	Msg string
}

func (e *InternalError) Error() string { return "internal error: " + e.Msg }

func (e *InternalError) Is(target error) bool { return target == ErrInternal }
