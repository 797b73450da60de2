package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeDeliverer struct {
	mu    sync.Mutex
	fail  bool
	calls []string
}

func (f *fakeDeliverer) DeliverSync(_ context.Context, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, tag)
	if f.fail {
		return errors.New("host unreachable")
	}
	return nil
}

func (f *fakeDeliverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestOfflineTasksReplayOnce(t *testing.T) {
	ctx := context.Background()
	d := &fakeDeliverer{}
	s := New(Options{StartOffline: true})
	s.Attach(d)

	if err := s.Schedule(ctx, "outbox"); err != nil {
		t.Fatal(err)
	}
	_ = s.Schedule(ctx, "outbox")
	if d.count() != 0 {
		t.Fatal("delivered while offline")
	}
	if p := s.Pending(); len(p) != 1 || p[0] != "outbox" {
		t.Fatalf("pending = %v", p)
	}

	s.Online(ctx)
	s.Online(ctx)
	if d.count() != 1 {
		t.Fatalf("deliveries = %d, want exactly one", d.count())
	}
	if len(s.Pending()) != 0 {
		t.Fatal("delivered task still pending")
	}
}

func TestOnlineScheduleDeliversImmediately(t *testing.T) {
	d := &fakeDeliverer{}
	s := New(Options{})
	s.Attach(d)
	if err := s.Schedule(context.Background(), "outbox"); err != nil {
		t.Fatal(err)
	}
	if d.count() != 1 || len(s.Pending()) != 0 {
		t.Fatalf("deliveries = %d pending = %v", d.count(), s.Pending())
	}
}

func TestFailedDeliveriesRetryUntilDropped(t *testing.T) {
	ctx := context.Background()
	d := &fakeDeliverer{fail: true}
	s := New(Options{MaxAttempts: 2, StartOffline: true})
	s.Attach(d)
	_ = s.Schedule(ctx, "outbox")

	s.Online(ctx)
	if len(s.Pending()) != 1 {
		t.Fatal("failed task dropped before max attempts")
	}
	s.Online(ctx)
	if len(s.Pending()) != 0 {
		t.Fatal("task kept after max attempts")
	}
	s.Online(ctx)
	if d.count() != 2 {
		t.Fatalf("attempts = %d, want 2", d.count())
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	d := &fakeDeliverer{}
	s := New(Options{StartOffline: true})
	s.Attach(d)
	_ = s.Schedule(ctx, "outbox")
	_ = s.Cancel(ctx, "outbox")
	s.Online(ctx)
	if d.count() != 0 {
		t.Fatal("cancelled task delivered")
	}
}

func TestScheduleWithoutDeliverer(t *testing.T) {
	if err := New(Options{}).Schedule(context.Background(), "x"); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("err = %v", err)
	}
}

// rescheduler schedules its tag again from inside the first delivery.
type rescheduler struct {
	fakeDeliverer
	s       *Scheduler
	offline bool // go offline before rescheduling
	once    sync.Once
}

func (r *rescheduler) DeliverSync(ctx context.Context, tag string) error {
	r.once.Do(func() {
		if r.offline {
			r.s.Offline()
		}
		_ = r.s.Schedule(ctx, tag)
	})
	return r.fakeDeliverer.DeliverSync(ctx, tag)
}

func TestScheduleDuringDeliveryIsKept(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	d := &rescheduler{s: s}
	s.Attach(d)

	if err := s.Schedule(ctx, "outbox"); err != nil {
		t.Fatal(err)
	}
	if d.count() != 2 {
		t.Fatalf("deliveries = %d, want 2", d.count())
	}
	if len(s.Pending()) != 0 {
		t.Fatalf("pending = %v", s.Pending())
	}
}

func TestScheduleDuringDeliveryWaitsForOnline(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	d := &rescheduler{s: s, offline: true}
	s.Attach(d)

	_ = s.Schedule(ctx, "outbox")
	if d.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", d.count())
	}
	if p := s.Pending(); len(p) != 1 || p[0] != "outbox" {
		t.Fatalf("re-registered task lost: pending = %v", p)
	}

	s.Online(ctx)
	if d.count() != 2 || len(s.Pending()) != 0 {
		t.Fatalf("deliveries = %d pending = %v", d.count(), s.Pending())
	}
}
