package sshmanager

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the lifecycle state of a server's connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

func (s ConnectionState) String() string {
	return string(s)
}

// IsValid reports whether s is one of the defined states.
func (s ConnectionState) IsValid() bool {
	switch s {
	case StateDisconnected, StateConnecting, StateConnected, StateReconnecting:
		return true
	default:
		return false
	}
}

// StateTransition records a state change for debugging.
type StateTransition struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
}

// StateCallback is called when a server's connection state changes.
type StateCallback func(serverID uuid.UUID, from, to ConnectionState)

// maxTransitionsPerServer limits the number of stored state transitions per server.
const maxTransitionsPerServer = 50

// StateTracker manages connection states, transition history, and callbacks.
type StateTracker struct {
	mu          sync.RWMutex
	states      map[uuid.UUID]ConnectionState
	transitions map[uuid.UUID][]StateTransition
	callbacks   []StateCallback
}

func NewStateTracker() *StateTracker {
	return &StateTracker{
		states:      make(map[uuid.UUID]ConnectionState),
		transitions: make(map[uuid.UUID][]StateTransition),
	}
}

// GetState returns StateDisconnected for servers never seen.
func (t *StateTracker) GetState(serverID uuid.UUID) ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.states[serverID]
	if !ok {
		return StateDisconnected
	}
	return state
}

// SetState updates the state for the server. If the state actually changed,
// it records the transition and fires registered callbacks outside the lock.
// Returns the previous state. Unknown states are refused.
func (t *StateTracker) SetState(serverID uuid.UUID, newState ConnectionState) ConnectionState {
	if !newState.IsValid() {
		log.Printf("[ssh] refusing unknown connection state %q for %s", newState, serverID)
		return t.GetState(serverID)
	}
	t.mu.Lock()
	oldState, ok := t.states[serverID]
	if !ok {
		oldState = StateDisconnected
	}

	if oldState == newState {
		t.mu.Unlock()
		return oldState
	}

	t.states[serverID] = newState

	transitions := append(t.transitions[serverID], StateTransition{
		From:      oldState,
		To:        newState,
		Timestamp: time.Now(),
	})
	if len(transitions) > maxTransitionsPerServer {
		transitions = transitions[len(transitions)-maxTransitionsPerServer:]
	}
	t.transitions[serverID] = transitions

	cbs := make([]StateCallback, len(t.callbacks))
	copy(cbs, t.callbacks)
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(serverID, oldState, newState)
	}

	return oldState
}

// GetTransitions returns a copy of the transition history for the server.
func (t *StateTracker) GetTransitions(serverID uuid.UUID) []StateTransition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	transitions := t.transitions[serverID]
	result := make([]StateTransition, len(transitions))
	copy(result, transitions)
	return result
}

// OnStateChange registers a callback that fires when any server's state changes.
func (t *StateTracker) OnStateChange(cb StateCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}
