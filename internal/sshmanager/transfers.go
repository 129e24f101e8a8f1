package sshmanager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gluk-w/shellvault/internal/sshfiles"
)

// ActiveTransfer is a snapshot of a file copy that is still running.
type ActiveTransfer struct {
	ID         uuid.UUID
	ServerID   uuid.UUID
	Direction  sshfiles.Direction
	LocalPath  string
	RemotePath string
	StartedAt  time.Time
	Progress   sshfiles.Progress
}

type runningTransfer struct {
	ActiveTransfer
	set    *transferSet
	cancel context.CancelFunc
}

// update records progress reported by the copying goroutine.
func (r *runningTransfer) update(p sshfiles.Progress) {
	r.set.mu.Lock()
	r.Progress = p
	r.set.mu.Unlock()
}

type transferSet struct {
	mu      sync.Mutex
	running map[uuid.UUID]*runningTransfer
}

func newTransferSet() *transferSet {
	return &transferSet{running: make(map[uuid.UUID]*runningTransfer)}
}

func (s *transferSet) add(serverID uuid.UUID, dir sshfiles.Direction, localPath, remotePath string, cancel context.CancelFunc) *runningTransfer {
	r := &runningTransfer{
		ActiveTransfer: ActiveTransfer{
			ID:         uuid.New(),
			ServerID:   serverID,
			Direction:  dir,
			LocalPath:  localPath,
			RemotePath: remotePath,
			StartedAt:  time.Now().UTC(),
		},
		set:    s,
		cancel: cancel,
	}
	s.mu.Lock()
	s.running[r.ID] = r
	s.mu.Unlock()
	return r
}

func (s *transferSet) remove(id uuid.UUID) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

func (s *transferSet) cancel(id uuid.UUID) bool {
	s.mu.Lock()
	r, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		r.cancel()
	}
	return ok
}

func (s *transferSet) snapshot() []ActiveTransfer {
	s.mu.Lock()
	out := make([]ActiveTransfer, 0, len(s.running))
	for _, r := range s.running {
		out = append(out, r.ActiveTransfer)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ActiveTransfers lists the copies currently running, oldest first.
func (m *Manager) ActiveTransfers() []ActiveTransfer {
	return m.transfers.snapshot()
}

// CancelTransfer stops a running copy. It reports false when no transfer
// with that ID is running.
func (m *Manager) CancelTransfer(id uuid.UUID) bool {
	return m.transfers.cancel(id)
}
