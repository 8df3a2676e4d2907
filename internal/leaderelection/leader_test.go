package leaderelection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeLock is a shared lock that fakeSessions contend for.
type fakeLock struct {
	mu     sync.Mutex
	holder *fakeSession
}

type fakeSessions struct {
	lock    *fakeLock
	openErr error

	mu       sync.Mutex
	sessions []*fakeSession
}

func (f *fakeSessions) Open(ctx context.Context) (Session, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	s := &fakeSession{lock: f.lock}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeSessions) last() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

type fakeSession struct {
	lock *fakeLock

	mu      sync.Mutex
	pingErr error
	closed  bool
}

func (s *fakeSession) TryLock(ctx context.Context, key int64) (bool, error) {
	s.lock.mu.Lock()
	defer s.lock.mu.Unlock()
	if s.lock.holder != nil && s.lock.holder != s {
		return false, nil
	}
	s.lock.holder = s
	return true, nil
}

func (s *fakeSession) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *fakeSession) breakConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = errors.New("connection reset")
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.lock.mu.Lock()
	if s.lock.holder == s {
		s.lock.holder = nil
	}
	s.lock.mu.Unlock()
	return nil
}

type mockMetrics struct {
	mu       sync.Mutex
	isLeader bool
	acquired int
	lost     []string
}

func (m *mockMetrics) LeaderStatusChanged(isLeader bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isLeader = isLeader
}

func (m *mockMetrics) LeaderAcquired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired++
}

func (m *mockMetrics) LeaderLost(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost = append(m.lost, reason)
}

func (m *mockMetrics) snapshot() (bool, int, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isLeader, m.acquired, append([]string(nil), m.lost...)
}

// duties records leader duty lifecycles.
type duties struct {
	elected chan struct{}
	stopped chan struct{}
	wg      sync.WaitGroup
}

func newDuties() *duties {
	return &duties{elected: make(chan struct{}, 10), stopped: make(chan struct{}, 10)}
}

func (d *duties) onElected(ctx context.Context) {
	d.wg.Add(1)
	defer d.wg.Done()
	d.elected <- struct{}{}
	<-ctx.Done()
}

func (d *duties) onDemoted() {
	d.wg.Wait()
	d.stopped <- struct{}{}
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

var fastConfig = Config{LockKey: 42, RetryInterval: 10 * time.Millisecond, HeartbeatInterval: 5 * time.Millisecond}

func TestElector_AcquiresAndReleasesOnShutdown(t *testing.T) {
	sessions := &fakeSessions{lock: &fakeLock{}}
	d := newDuties()
	metrics := &mockMetrics{}
	e := New(fastConfig, sessions, d.onElected, d.onDemoted).
		WithMetrics(metrics).
		WithLogger(testutil.DiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	waitFor(t, d.elected, "election")
	if isLeader, acquired, _ := metrics.snapshot(); !isLeader || acquired != 1 {
		t.Errorf("metrics leader=%v acquired=%d, want true/1", isLeader, acquired)
	}

	cancel()
	waitFor(t, d.stopped, "demotion")
	waitFor(t, done, "Run to return")

	isLeader, _, lost := metrics.snapshot()
	if isLeader {
		t.Error("still leader after shutdown")
	}
	if len(lost) != 1 || lost[0] != ReasonShutdown {
		t.Errorf("lost = %v, want [shutdown]", lost)
	}
	if s := sessions.last(); s == nil || !s.closed {
		t.Error("session not closed")
	}
}

func TestElector_OnlyOneLeader(t *testing.T) {
	lock := &fakeLock{}
	a, b := newDuties(), newDuties()
	ea := New(fastConfig, &fakeSessions{lock: lock}, a.onElected, a.onDemoted).WithLogger(testutil.DiscardLogger())
	eb := New(fastConfig, &fakeSessions{lock: lock}, b.onElected, b.onDemoted).WithLogger(testutil.DiscardLogger())

	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); ea.Run(ctxA) }()
	waitFor(t, a.elected, "first election")
	go func() { defer wg.Done(); eb.Run(ctxB) }()

	select {
	case <-b.elected:
		t.Fatal("second instance elected while the first holds the lock")
	case <-time.After(50 * time.Millisecond):
	}

	// failover
	cancelA()
	waitFor(t, a.stopped, "first demotion")
	waitFor(t, b.elected, "failover election")

	cancelB()
	waitFor(t, b.stopped, "second demotion")
	wg.Wait()
}

func TestElector_ConnectionLossDemotes(t *testing.T) {
	sessions := &fakeSessions{lock: &fakeLock{}}
	d := newDuties()
	metrics := &mockMetrics{}
	e := New(fastConfig, sessions, d.onElected, d.onDemoted).
		WithMetrics(metrics).
		WithLogger(testutil.DiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	waitFor(t, d.elected, "election")
	sessions.last().breakConn()
	waitFor(t, d.stopped, "demotion after conn loss")
	// the elector campaigns again on a new session
	waitFor(t, d.elected, "re-election")

	cancel()
	waitFor(t, d.stopped, "final demotion")
	waitFor(t, done, "Run to return")

	_, acquired, lost := metrics.snapshot()
	if acquired != 2 {
		t.Errorf("acquired = %d, want 2", acquired)
	}
	if len(lost) != 2 || lost[0] != ReasonConnLost || lost[1] != ReasonShutdown {
		t.Errorf("lost = %v, want [conn_lost shutdown]", lost)
	}
}

func TestElector_OpenErrorRetries(t *testing.T) {
	sessions := &fakeSessions{lock: &fakeLock{}, openErr: errors.New("dial tcp: connection refused")}
	d := newDuties()
	e := New(fastConfig, sessions, d.onElected, d.onDemoted).WithLogger(testutil.DiscardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	e.Run(ctx)

	select {
	case <-d.elected:
		t.Error("elected without a session")
	default:
	}
}

func TestSolo_AlwaysLeads(t *testing.T) {
	d := newDuties()
	e := New(fastConfig, Solo{}, d.onElected, d.onDemoted).WithLogger(testutil.DiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	waitFor(t, d.elected, "solo election")
	cancel()
	waitFor(t, d.stopped, "solo demotion")
	waitFor(t, done, "Run to return")
}
