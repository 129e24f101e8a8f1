package netmon

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []string
}

func (h *recordingHandler) HandleNetworkAvailable()   { h.record("available") }
func (h *recordingHandler) HandleNetworkUnavailable() { h.record("unavailable") }

func (h *recordingHandler) record(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, s)
}

func (h *recordingHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

type switchChecker struct {
	down atomic.Bool
}

func (p *switchChecker) CheckNetwork(context.Context) error {
	if p.down.Load() {
		return errors.New("unreachable")
	}
	return nil
}

func TestCheckDeliversTransitionsOnly(t *testing.T) {
	checker := &switchChecker{}
	h := &recordingHandler{}
	m := New(checker, h, time.Hour)

	if m.Status() != StatusUnknown {
		t.Fatalf("initial status = %s", m.Status())
	}
	steps := []struct {
		down bool
		want Status
	}{
		{false, StatusAvailable},
		{false, StatusAvailable},
		{true, StatusUnavailable},
		{true, StatusUnavailable},
		{false, StatusAvailable},
	}
	for i, s := range steps {
		checker.down.Store(s.down)
		if got := m.Check(context.Background()); got != s.want {
			t.Errorf("step %d: status = %s, want %s", i, got, s.want)
		}
	}

	got := h.snapshot()
	want := []string{"available", "unavailable", "available"}
	if len(got) != len(want) {
		t.Fatalf("handler saw %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("handler saw %v, want %v", got, want)
		}
	}
}

func TestFirstObservationUnavailable(t *testing.T) {
	checker := &switchChecker{}
	checker.down.Store(true)
	h := &recordingHandler{}
	New(checker, h, time.Hour).Check(context.Background())

	if got := h.snapshot(); len(got) != 1 || got[0] != "unavailable" {
		t.Errorf("handler saw %v", got)
	}
}

// blockingChecker waits for ctx, as a dial to an unreachable address does.
type blockingChecker struct{}

func (blockingChecker) CheckNetwork(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestCheckIgnoresCancelledContext(t *testing.T) {
	checker := &switchChecker{}
	h := &recordingHandler{}
	m := New(checker, h, time.Hour)
	m.Check(context.Background())

	m.checker = blockingChecker{}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if got := m.Check(ctx); got != StatusAvailable {
		t.Errorf("status after cancelled check = %s, want available", got)
	}
	if got := h.snapshot(); len(got) != 1 || got[0] != "available" {
		t.Errorf("handler saw %v, want only the first observation", got)
	}
}

func TestStartPollsUntilCancelled(t *testing.T) {
	checker := &switchChecker{}
	h := &recordingHandler{}
	m := New(checker, h, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for len(h.snapshot()) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first check not delivered")
		}
		time.Sleep(time.Millisecond)
	}
	checker.down.Store(true)
	for len(h.snapshot()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("outage not delivered")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	m.Wait()
	if m.Status() != StatusUnavailable {
		t.Errorf("status = %s", m.Status())
	}
}

func TestDialChecker(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := closed.Addr().String()
	closed.Close()

	if err := NewDialChecker([]string{deadAddr, l.Addr().String()}, time.Second).CheckNetwork(context.Background()); err != nil {
		t.Errorf("expected success when one address answers: %v", err)
	}
	if err := NewDialChecker([]string{deadAddr}, time.Second).CheckNetwork(context.Background()); err == nil {
		t.Error("expected failure when no address answers")
	}
	if err := NewDialChecker(nil, time.Second).CheckNetwork(context.Background()); err == nil {
		t.Error("expected failure with no addresses")
	}
}

func TestInterfaceChecker(t *testing.T) {
	withAddr := func(net.Interface) ([]net.Addr, error) {
		return []net.Addr{&net.IPNet{IP: net.ParseIP("192.0.2.5"), Mask: net.CIDRMask(24, 32)}}, nil
	}
	noAddr := func(net.Interface) ([]net.Addr, error) { return nil, nil }

	tests := []struct {
		name   string
		ifaces []net.Interface
		addrs  func(net.Interface) ([]net.Addr, error)
		ok     bool
	}{
		{"up ethernet", []net.Interface{{Name: "eth0", Flags: net.FlagUp}}, withAddr, true},
		{"loopback only", []net.Interface{{Name: "lo", Flags: net.FlagUp | net.FlagLoopback}}, withAddr, false},
		{"down", []net.Interface{{Name: "eth0"}}, withAddr, false},
		{"no address", []net.Interface{{Name: "eth0", Flags: net.FlagUp}}, noAddr, false},
		{"none", nil, withAddr, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &InterfaceChecker{
				interfaces: func() ([]net.Interface, error) { return tt.ifaces, nil },
				addrs:      tt.addrs,
			}
			err := p.CheckNetwork(context.Background())
			if (err == nil) != tt.ok {
				t.Errorf("CheckNetwork() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestAll(t *testing.T) {
	pass := CheckerFunc(func(context.Context) error { return nil })
	fail := CheckerFunc(func(context.Context) error { return errors.New("down") })

	if err := All(pass, pass).CheckNetwork(context.Background()); err != nil {
		t.Errorf("All(pass, pass) = %v", err)
	}
	if err := All(pass, fail).CheckNetwork(context.Background()); err == nil {
		t.Error("All(pass, fail) should fail")
	}
}
