// Package netmon watches host network reachability and reports transitions
// to a Handler.
package netmon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultDialTimeout = 2 * time.Second
)

type Status int

const (
	StatusUnknown Status = iota
	StatusAvailable
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Handler receives reachability transitions. sshmanager.Manager implements it.
type Handler interface {
	HandleNetworkAvailable()
	HandleNetworkUnavailable()
}

// Checker reports whether the network is usable. A nil error means reachable.
type Checker interface {
	CheckNetwork(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) CheckNetwork(ctx context.Context) error { return f(ctx) }

// All returns a Checker that passes only when every checker passes, checked in
// order.
func All(checkers ...Checker) Checker {
	return CheckerFunc(func(ctx context.Context) error {
		for _, p := range checkers {
			if err := p.CheckNetwork(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

// DialChecker considers the network available when a TCP connection to any of
// Addrs succeeds.
type DialChecker struct {
	Addrs   []string
	Timeout time.Duration

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewDialChecker(addrs []string, timeout time.Duration) *DialChecker {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	var d net.Dialer
	return &DialChecker{Addrs: addrs, Timeout: timeout, dial: d.DialContext}
}

func (p *DialChecker) CheckNetwork(ctx context.Context) error {
	if len(p.Addrs) == 0 {
		return errors.New("no check addresses configured")
	}
	var errs []error
	for _, addr := range p.Addrs {
		dctx, cancel := context.WithTimeout(ctx, p.Timeout)
		conn, err := p.dial(dctx, "tcp", addr)
		cancel()
		if err == nil {
			conn.Close()
			return nil
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("all dials failed: %w", errors.Join(errs...))
}

// InterfaceChecker passes when at least one interface is up, is not a
// loopback and has an address.
type InterfaceChecker struct {
	interfaces func() ([]net.Interface, error)
	addrs      func(net.Interface) ([]net.Addr, error)
}

func NewInterfaceChecker() *InterfaceChecker {
	return &InterfaceChecker{
		interfaces: net.Interfaces,
		addrs:      func(i net.Interface) ([]net.Addr, error) { return i.Addrs() },
	}
}

func (p *InterfaceChecker) CheckNetwork(context.Context) error {
	ifaces, err := p.interfaces()
	if err != nil {
		return fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := p.addrs(iface)
		if err == nil && len(addrs) > 0 {
			return nil
		}
	}
	return errors.New("no usable network interface")
}

// Monitor polls a Checker and delivers status changes to a Handler. The first
// observation is always delivered.
type Monitor struct {
	checker  Checker
	handler  Handler
	interval time.Duration

	mu     sync.Mutex
	status Status

	wg sync.WaitGroup
}

func New(checker Checker, handler Handler, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{checker: checker, handler: handler, interval: interval}
}

// Status is the last observed status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Check tests the network once and notifies the handler if the status
// changed. A check cut short by ctx leaves the status alone.
func (m *Monitor) Check(ctx context.Context) Status {
	err := m.checker.CheckNetwork(ctx)
	if ctx.Err() != nil {
		return m.Status()
	}
	next := StatusAvailable
	if err != nil {
		next = StatusUnavailable
	}

	m.mu.Lock()
	prev := m.status
	m.status = next
	m.mu.Unlock()

	if prev == next {
		return next
	}
	if next == StatusAvailable {
		log.Printf("[netmon] network available")
		m.handler.HandleNetworkAvailable()
	} else {
		log.Printf("[netmon] network unavailable: %v", err)
		m.handler.HandleNetworkUnavailable()
	}
	return next
}

// Start checks immediately and then every interval until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Check(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()
}

// Wait blocks until the loop started by Start has returned.
func (m *Monitor) Wait() {
	m.wg.Wait()
}
