package probe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/model"
	"github.com/weftworks/weft/internal/registry"
)

// fetchStub is an injectable health fetcher that counts pings per base
// URL and can hold them open to exercise the concurrency bound.
type fetchStub struct {
	mu       sync.Mutex
	counts   map[string]int
	inFlight int
	maxSeen  int

	err   error
	block chan struct{} // when non-nil, fetches wait until closed
}

func newFetchStub() *fetchStub {
	return &fetchStub{counts: map[string]int{}}
}

func (s *fetchStub) fetch(_ context.Context, baseURL string) (*registry.HealthReport, time.Duration, error) {
	s.mu.Lock()
	s.counts[baseURL]++
	s.inFlight++
	if s.inFlight > s.maxSeen {
		s.maxSeen = s.inFlight
	}
	block := s.block
	err := s.err
	s.mu.Unlock()

	if block != nil {
		<-block
	}

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()

	if err != nil {
		return nil, 0, err
	}
	return &registry.HealthReport{Status: "healthy"}, 5 * time.Millisecond, nil
}

func (s *fetchStub) count(baseURL string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[baseURL]
}

func (s *fetchStub) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.counts {
		n += c
	}
	return n
}

func (s *fetchStub) maxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSeen
}

func newTestRegistry(t *testing.T, stub *fetchStub) *registry.Registry {
	t.Helper()
	cfg := config.NewDefaultRuntimeConfig()
	ptr := &atomic.Pointer[config.RuntimeConfig]{}
	ptr.Store(cfg)
	reg := registry.New(registry.Config{
		RuntimeConfig: ptr,
		FetchHealth:   stub.fetch,
	})
	t.Cleanup(reg.Close)
	return reg
}

func registerChild(t *testing.T, reg *registry.Registry, name, baseURL string) string {
	t.Helper()
	entry, err := reg.Register(context.Background(), model.Node{Name: name, BaseURL: baseURL})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return entry.ID()
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestScan_PingsDueNodes(t *testing.T) {
	stub := newFetchStub()
	reg := newTestRegistry(t, stub)
	registerChild(t, reg, "Alpha", "http://a")
	registerChild(t, reg, "Beta", "http://b")

	m := NewManager(Config{
		Registry:     reg,
		Concurrency:  4,
		PingInterval: func() time.Duration { return time.Millisecond },
	})

	// Registration already pinged each node once.
	if stub.total() != 2 {
		t.Fatalf("pings after register = %d, want 2", stub.total())
	}

	time.Sleep(5 * time.Millisecond) // let the 1ms interval elapse
	m.scan()
	m.Stop()

	if got := stub.count("http://a"); got != 2 {
		t.Errorf("alpha pings = %d, want 2", got)
	}
	if got := stub.count("http://b"); got != 2 {
		t.Errorf("beta pings = %d, want 2", got)
	}
}

func TestScan_RespectsInterval(t *testing.T) {
	stub := newFetchStub()
	reg := newTestRegistry(t, stub)
	registerChild(t, reg, "Alpha", "http://a")

	m := NewManager(Config{
		Registry:     reg,
		PingInterval: func() time.Duration { return time.Hour },
	})

	// The registration ping just stamped an attempt, so nothing is due.
	m.scan()
	m.Stop()

	if got := stub.count("http://a"); got != 1 {
		t.Errorf("pings = %d, want 1 (registration only)", got)
	}
}

func TestScan_SkipsInactiveAndMaster(t *testing.T) {
	stub := newFetchStub()
	reg := newTestRegistry(t, stub)
	idA := registerChild(t, reg, "Alpha", "http://a")
	if _, err := reg.Register(context.Background(), model.Node{
		Name: "Hub", Type: model.NodeTypeMaster,
	}); err != nil {
		t.Fatalf("register master: %v", err)
	}
	if err := reg.UpdateStatus(idA, model.NodeStatusInactive); err != nil {
		t.Fatalf("update status: %v", err)
	}

	before := stub.total()
	m := NewManager(Config{
		Registry:     reg,
		PingInterval: func() time.Duration { return time.Millisecond },
	})
	time.Sleep(5 * time.Millisecond)
	m.scan()
	m.Stop()

	if stub.total() != before {
		t.Errorf("pings = %d, want %d (inactive and master skipped)", stub.total(), before)
	}
}

func TestScan_ConcurrencyBound(t *testing.T) {
	stub := newFetchStub()
	reg := newTestRegistry(t, stub)
	registerChild(t, reg, "Alpha", "http://a")
	registerChild(t, reg, "Beta", "http://b")
	registerChild(t, reg, "Gamma", "http://c")

	// Hold scan pings open so the semaphore bound is observable.
	block := make(chan struct{})
	stub.mu.Lock()
	stub.block = block
	stub.maxSeen = 0
	stub.mu.Unlock()

	m := NewManager(Config{
		Registry:     reg,
		Concurrency:  1,
		PingInterval: func() time.Duration { return time.Millisecond },
	})
	time.Sleep(5 * time.Millisecond)

	go m.scan()

	// With one semaphore slot only one ping may be in flight at a time.
	waitFor(t, time.Second, func() bool { return stub.total() >= 4 })
	time.Sleep(30 * time.Millisecond)
	if got := stub.total(); got != 4 {
		t.Errorf("pings while blocked = %d, want 4", got)
	}

	close(block)
	waitFor(t, time.Second, func() bool { return stub.total() == 6 })
	m.Stop()

	if got := stub.maxInFlight(); got != 1 {
		t.Errorf("max in-flight = %d, want 1", got)
	}
}

func TestPing_RecoversErrorNode(t *testing.T) {
	stub := newFetchStub()
	reg := newTestRegistry(t, stub)
	id := registerChild(t, reg, "Alpha", "http://a")
	if err := reg.UpdateStatus(id, model.NodeStatusError); err != nil {
		t.Fatalf("update status: %v", err)
	}

	m := NewManager(Config{Registry: reg})
	rec, err := m.PingSync(context.Background(), id)
	if err != nil {
		t.Fatalf("ping sync: %v", err)
	}
	if rec.Status != model.NodeStatusActive {
		t.Errorf("status = %s, want active after successful ping", rec.Status)
	}
	m.Stop()
}

func TestPingSync(t *testing.T) {
	stub := newFetchStub()
	reg := newTestRegistry(t, stub)
	id := registerChild(t, reg, "Alpha", "http://a")

	m := NewManager(Config{Registry: reg})
	defer m.Stop()

	rec, err := m.PingSync(context.Background(), id)
	if err != nil {
		t.Fatalf("ping sync: %v", err)
	}
	if rec.ID != id {
		t.Errorf("record id = %s", rec.ID)
	}
	if got := stub.count("http://a"); got != 2 {
		t.Errorf("pings = %d, want 2", got)
	}

	if _, err := m.PingSync(context.Background(), "missing"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("missing node err = %v", err)
	}

	// A failing ping still returns the record.
	stub.mu.Lock()
	stub.err = errors.New("connection refused")
	stub.mu.Unlock()
	rec, err = m.PingSync(context.Background(), id)
	if err == nil {
		t.Fatal("expected ping error")
	}
	if rec.ID != id {
		t.Errorf("record id on failure = %s", rec.ID)
	}
}

func TestTriggerImmediatePing(t *testing.T) {
	stub := newFetchStub()
	reg := newTestRegistry(t, stub)
	id := registerChild(t, reg, "Alpha", "http://a")

	m := NewManager(Config{Registry: reg})
	m.TriggerImmediatePing(id)
	m.TriggerImmediatePing("missing") // no-op, must not panic

	waitFor(t, time.Second, func() bool { return stub.count("http://a") == 2 })
	m.Stop()
}

func TestStartStop(t *testing.T) {
	stub := newFetchStub()
	reg := newTestRegistry(t, stub)
	registerChild(t, reg, "Alpha", "http://a")

	m := NewManager(Config{
		Registry:     reg,
		PingInterval: func() time.Duration { return time.Hour },
	})
	m.Start()

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
