// Package server defines the configured remote hosts and the YAML inventory
// they are kept in.
package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultPort = 22

// AuthMethod is how a server authenticates: PasswordAuth or KeyAuth.
type AuthMethod interface {
	// Kind is "password" or "key".
	Kind() string
	isAuthMethod()
}

// PasswordAuth authenticates with a password.
type PasswordAuth struct {
	Password string
}

// KeyAuth authenticates with a private key stored in the vault under KeyName.
// Passphrase is set for passphrase-protected keys.
type KeyAuth struct {
	KeyName    string
	Passphrase string
}

func (PasswordAuth) Kind() string  { return "password" }
func (PasswordAuth) isAuthMethod() {}
func (KeyAuth) Kind() string       { return "key" }
func (KeyAuth) isAuthMethod()      {}

// Server is a configured remote host. The core never mutates it.
type Server struct {
	ID            uuid.UUID
	Name          string
	Host          string
	Port          int
	Username      string
	Auth          AuthMethod
	LocalPath     string
	CreatedAt     time.Time
	ModifiedAt    time.Time
	LastConnected *time.Time
}

// New returns a server with a fresh ID, the default port and timestamps set.
func New(name, host, username string, auth AuthMethod) Server {
	now := time.Now().UTC()
	return Server{
		ID:         uuid.New(),
		Name:       name,
		Host:       host,
		Port:       DefaultPort,
		Username:   username,
		Auth:       auth,
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

// Addr is host:port, suitable for dialing.
func (s Server) Addr() string {
	port := s.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

func (s Server) String() string {
	return fmt.Sprintf("%s (%s@%s)", s.Name, s.Username, s.Addr())
}

// Validate checks the fields a connection attempt depends on.
func (s Server) Validate() error {
	var problems []string
	if s.ID == uuid.Nil {
		problems = append(problems, "id is required")
	}
	if strings.TrimSpace(s.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(s.Host) == "" {
		problems = append(problems, "host is required")
	}
	if strings.TrimSpace(s.Username) == "" {
		problems = append(problems, "username is required")
	}
	if s.Port < 0 || s.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", s.Port))
	}
	switch a := s.Auth.(type) {
	case nil:
		problems = append(problems, "auth method is required")
	case KeyAuth:
		if strings.TrimSpace(a.KeyName) == "" {
			problems = append(problems, "key name is required")
		}
	case PasswordAuth:
	}
	if len(problems) > 0 {
		return errors.New("invalid server: " + strings.Join(problems, ", "))
	}
	return nil
}
