package sshmanager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gluk-w/shellvault/internal/logging"
	"github.com/gluk-w/shellvault/internal/server"
)

// Backoff between reconnect attempts doubles from reconnectInitialBackoff up
// to reconnectMaxBackoff. Package-level so tests can shrink them.
var (
	reconnectInitialBackoff = 1 * time.Second
	reconnectMaxBackoff     = 16 * time.Second
)

// DefaultReconnectAttempts is used by Reconnect when maxAttempts is not positive.
const DefaultReconnectAttempts = 10

// Reconnect calls Connect for srv until it succeeds, maxAttempts have failed,
// or ctx is done, backing off exponentially between attempts. Failures that
// retrying cannot fix (bad credentials, a rejected host key, a host outside
// the allowed networks, an invalid server) end it at once.
func (m *Manager) Reconnect(ctx context.Context, srv server.Server, maxAttempts int) (*Connection, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultReconnectAttempts
	}
	name := logging.Sanitize(srv.Name)
	backoff := reconnectInitialBackoff

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		conn, err := m.Connect(ctx, srv)
		if err == nil {
			if attempt > 1 {
				log.Printf("[ssh] reconnected to %s after %d attempt(s)", name, attempt)
			}
			return conn, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
		log.Printf("[ssh] reconnect attempt %d/%d for %s failed: %v", attempt, maxAttempts, name, err)

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, reconnectMaxBackoff)
	}
	return nil, fmt.Errorf("reconnect to %s: gave up after %d attempts: %w", name, maxAttempts, lastErr)
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrRateLimited):
		return true
	default:
		return false
	}
}
