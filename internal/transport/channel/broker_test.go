package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/apperr"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockMetrics struct {
	published   atomic.Int64
	dropped     atomic.Int64
	subscribers atomic.Int64
}

func (m *mockMetrics) LogEventPublished()          { m.published.Add(1) }
func (m *mockMetrics) LogEventDropped()            { m.dropped.Add(1) }
func (m *mockMetrics) SubscribersUpdate(count int) { m.subscribers.Store(int64(count)) }

func newTestEvent(msg string) domain.LogEvent {
	return domain.LogEvent{
		ID:        msg,
		Message:   msg,
		Severity:  domain.LogInfo,
		Timestamp: time.Now().UTC(),
		Source:    "test",
	}
}

func receive(t *testing.T, ch <-chan domain.LogEvent) domain.LogEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return domain.LogEvent{}
}

func waitClosed(t *testing.T, ch <-chan domain.LogEvent) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for channel close")
		}
	}
}

func TestBroker_PublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := b.Subscribe(ctx, "a")
	if err != nil {
		t.Fatalf("Subscribe(a): %v", err)
	}
	c, err := b.Subscribe(ctx, "c")
	if err != nil {
		t.Fatalf("Subscribe(c): %v", err)
	}

	b.Publish(newTestEvent("hello"))

	if got := receive(t, a); got.Message != "hello" {
		t.Errorf("subscriber a got %q, want hello", got.Message)
	}
	if got := receive(t, c); got.Message != "hello" {
		t.Errorf("subscriber c got %q, want hello", got.Message)
	}
}

func TestBroker_DuplicateConnectionIDConflicts(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := b.Subscribe(ctx, "conn-1"); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	_, err := b.Subscribe(ctx, "conn-1")
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("second Subscribe error = %v, want conflict", err)
	}

	b.Unsubscribe("conn-1")
	if _, err := b.Subscribe(ctx, "conn-1"); err != nil {
		t.Errorf("Subscribe after Unsubscribe: %v", err)
	}
}

func TestBroker_CancelRemovesSubscriber(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.Subscribe(ctx, "conn-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()
	waitClosed(t, ch)

	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}

	// Same id can be reused once the cancelled stream is gone.
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	if _, err := b.Subscribe(ctx2, "conn-1"); err != nil {
		t.Errorf("re-Subscribe: %v", err)
	}
}

func TestBroker_EachSubscribeIsIndependent(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	ctx1, cancel1 := context.WithCancel(context.Background())
	first, err := b.Subscribe(ctx1, "conn")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	b.Publish(newTestEvent("before"))
	cancel1()
	waitClosed(t, first)

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	second, err := b.Subscribe(ctx2, "conn")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	b.Publish(newTestEvent("after"))

	if got := receive(t, second); got.Message != "after" {
		t.Errorf("fresh stream got %q, want after", got.Message)
	}
}

func TestBroker_FullQueueDropsOldest(t *testing.T) {
	metrics := &mockMetrics{}
	b := NewBroker(WithQueueSize(2), WithMetrics(metrics))
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "slow")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 1; i <= 4; i++ {
		b.Publish(newTestEvent(fmt.Sprintf("e%d", i)))
	}

	if got := receive(t, ch); got.Message != "e3" {
		t.Errorf("first = %q, want e3", got.Message)
	}
	if got := receive(t, ch); got.Message != "e4" {
		t.Errorf("second = %q, want e4", got.Message)
	}
	if got := metrics.dropped.Load(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
	if got := metrics.published.Load(); got != 4 {
		t.Errorf("published = %d, want 4", got)
	}
}

func TestBroker_QueueSize(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want int
	}{
		{"library default", nil, DefaultQueueSize},
		{"service default", []Option{WithQueueSize(256)}, 256},
		{"non-positive keeps default", []Option{WithQueueSize(0)}, DefaultQueueSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBroker(tt.opts...)
			defer b.Close()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			ch, err := b.Subscribe(ctx, "c1")
			if err != nil {
				t.Fatalf("Subscribe: %v", err)
			}
			if got := cap(ch); got != tt.want {
				t.Errorf("queue capacity = %d, want %d", got, tt.want)
			}
		})
	}
	if DefaultQueueSize != 64 {
		t.Errorf("DefaultQueueSize = %d, want 64", DefaultQueueSize)
	}
}

func TestBroker_SlowSubscriberDoesNotStallOthers(t *testing.T) {
	b := NewBroker(WithQueueSize(1))
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := b.Subscribe(ctx, "stalled"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	fast, err := b.Subscribe(ctx, "fast")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			b.Publish(newTestEvent(fmt.Sprintf("e%d", i)))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a stalled subscriber")
	}

	var last domain.LogEvent
	for {
		select {
		case ev := <-fast:
			last = ev
			continue
		default:
		}
		break
	}
	if last.Message != "e99" {
		t.Errorf("fast subscriber last event = %q, want e99", last.Message)
	}
}

func TestBroker_PerSubscriberFIFO(t *testing.T) {
	b := NewBroker(WithQueueSize(100))
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "ordered")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for i := 0; i < 50; i++ {
		b.Publish(newTestEvent(fmt.Sprintf("%02d", i)))
	}
	for i := 0; i < 50; i++ {
		if got, want := receive(t, ch).Message, fmt.Sprintf("%02d", i); got != want {
			t.Fatalf("event %d = %q, want %q", i, got, want)
		}
	}
}

func TestBroker_ConcurrentSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			id := fmt.Sprintf("conn-%d", i)
			ch, err := b.Subscribe(ctx, id)
			if err != nil {
				t.Errorf("Subscribe(%s): %v", id, err)
				cancel()
				return
			}
			b.Publish(newTestEvent(id))
			cancel()
			for range ch {
			}
		}(i)
	}
	wg.Wait()

	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
}

func TestBroker_CloseEndsStreams(t *testing.T) {
	b := NewBroker()
	ch, err := b.Subscribe(context.Background(), "conn")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	b.Close()
	waitClosed(t, ch)

	b.Publish(newTestEvent("ignored"))
	if _, err := b.Subscribe(context.Background(), "other"); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("Subscribe after Close error = %v, want conflict", err)
	}
}

func TestEmitter_StampsSource(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "conn")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	b.Emitter("orchestrator").Error("job-1", "scan failed", errors.New("boom"))

	ev := receive(t, ch)
	if ev.Source != "orchestrator" || ev.SubjectID != "job-1" || ev.Error != "boom" || ev.Severity != domain.LogError {
		t.Errorf("event = %+v", ev)
	}
	if ev.ID == "" || ev.Timestamp.IsZero() {
		t.Error("emitter did not stamp id and timestamp")
	}

	var nilEmitter *Emitter
	nilEmitter.Info("x", "does not panic")
}
