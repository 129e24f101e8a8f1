package sshmanager

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Connect attempt limits. Reconnection is lazy, so every attempt comes from a
// caller; these bound how hard callers can hammer an unreachable host:
//   - Sliding-window rate limit: max attempts per minute per server.
//   - Consecutive failure block: after N failures in a row, the server is
//     temporarily blocked for BlockDuration.
const (
	DefaultMaxAttemptsPerMinute = 10
	DefaultMaxConsecFailures    = 5
	DefaultBlockDuration        = time.Minute
)

// RateLimitConfig holds configuration for the connect attempt limiter.
type RateLimitConfig struct {
	MaxAttemptsPerMinute int
	MaxConsecFailures    int
	BlockDuration        time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxAttemptsPerMinute: DefaultMaxAttemptsPerMinute,
		MaxConsecFailures:    DefaultMaxConsecFailures,
		BlockDuration:        DefaultBlockDuration,
	}
}

type serverRateState struct {
	attempts       []time.Time
	consecFailures int
	blockedUntil   time.Time
}

// RateLimiter tracks connect attempts per server within a sliding window and
// blocks servers that exceed the configured thresholds.
type RateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	state  map[uuid.UUID]*serverRateState
	nowFn  func() time.Time
}

func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config: config,
		state:  make(map[uuid.UUID]*serverRateState),
		nowFn:  time.Now,
	}
}

// Allow records an attempt for the server, or returns an error wrapping
// ErrRateLimited when the attempt must not be made.
func (rl *RateLimiter) Allow(serverID uuid.UUID) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.getOrCreateState(serverID)

	if now.Before(s.blockedUntil) {
		remaining := s.blockedUntil.Sub(now).Truncate(time.Second)
		return fmt.Errorf("%w: blocked after %d consecutive failures, retry after %s",
			ErrRateLimited, s.consecFailures, remaining)
	}

	cutoff := now.Add(-time.Minute)
	pruned := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	s.attempts = pruned

	if rl.config.MaxAttemptsPerMinute > 0 && len(s.attempts) >= rl.config.MaxAttemptsPerMinute {
		return fmt.Errorf("%w: %d connection attempts in the last minute (max %d)",
			ErrRateLimited, len(s.attempts), rl.config.MaxAttemptsPerMinute)
	}

	s.attempts = append(s.attempts, now)
	return nil
}

// RecordSuccess resets the consecutive failure counter for the server.
func (rl *RateLimiter) RecordSuccess(serverID uuid.UUID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := rl.getOrCreateState(serverID)
	s.consecFailures = 0
	s.blockedUntil = time.Time{}
}

// RecordFailure counts a failed attempt and blocks the server once the
// threshold is reached.
func (rl *RateLimiter) RecordFailure(serverID uuid.UUID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.getOrCreateState(serverID)
	s.consecFailures++

	if rl.config.MaxConsecFailures > 0 && s.consecFailures >= rl.config.MaxConsecFailures {
		s.blockedUntil = now.Add(rl.config.BlockDuration)
		log.Printf("[ssh] rate limit: blocking server %s until %s (%d consecutive failures)",
			serverID, s.blockedUntil.Format(time.RFC3339), s.consecFailures)
	}
}

// Reset clears all rate limiting state for the server.
func (rl *RateLimiter) Reset(serverID uuid.UUID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.state, serverID)
}

// Must be called with rl.mu held.
func (rl *RateLimiter) getOrCreateState(serverID uuid.UUID) *serverRateState {
	s, ok := rl.state[serverID]
	if !ok {
		s = &serverRateState{}
		rl.state[serverID] = s
	}
	return s
}
