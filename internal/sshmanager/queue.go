package sshmanager

import (
	"context"
	"sync"
)

// defaultQueueSize bounds how many commands may wait behind the running one
// before Submit blocks.
const defaultQueueSize = 64

type job struct {
	fn   func()
	err  error
	done chan struct{}
}

// commandQueue runs jobs for one connection on a single worker goroutine, in
// submission order. Jobs still queued when the queue stops fail with
// ErrNotConnected.
type commandQueue struct {
	jobs     chan *job
	stop     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

func newCommandQueue(size int) *commandQueue {
	if size <= 0 {
		size = defaultQueueSize
	}
	q := &commandQueue{
		jobs:   make(chan *job, size),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *commandQueue) loop() {
	defer close(q.exited)
	for {
		select {
		case <-q.stop:
			q.drain()
			return
		case j := <-q.jobs:
			select {
			case <-q.stop:
				j.err = ErrNotConnected
				close(j.done)
				q.drain()
				return
			default:
			}
			j.fn()
			close(j.done)
		}
	}
}

func (q *commandQueue) drain() {
	for {
		select {
		case j := <-q.jobs:
			j.err = ErrNotConnected
			close(j.done)
		default:
			return
		}
	}
}

// submit enqueues fn and waits for it to run. A cancelled ctx stops the
// wait but not fn once it has been queued.
func (q *commandQueue) submit(ctx context.Context, fn func()) error {
	j := &job{fn: fn, done: make(chan struct{})}

	select {
	case <-q.stop:
		return ErrNotConnected
	default:
	}
	select {
	case q.jobs <- j:
	case <-q.stop:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-j.done:
		return j.err
	case <-q.exited:
		select {
		case <-j.done:
			return j.err
		default:
			return ErrNotConnected
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pending is the number of jobs waiting behind the running one.
func (q *commandQueue) pending() int {
	return len(q.jobs)
}

// close stops the worker and waits for the running job to return.
func (q *commandQueue) close() {
	q.stopOnce.Do(func() { close(q.stop) })
	<-q.exited
}
