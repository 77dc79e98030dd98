package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/doord/api"
	"pkt.systems/doord/internal/clock"
)

type failingObserver struct {
	id string
}

func (f failingObserver) ID() string { return f.id }

func (f failingObserver) Deliver(context.Context, api.Event) error {
	return errors.New("connection reset")
}

func newTestHub() *Hub {
	return New(Config{
		Clock: clock.NewManual(time.Unix(1700000000, 0)),
		Status: func() api.Event {
			return api.Event{LastOpen: "1699999000.000000", LastRing: "1699999900.000000"}
		},
	})
}

func TestRegisterDeliversUpdateFirst(t *testing.T) {
	h := newTestHub()
	q := NewQueue("a", 4)
	if err := h.Register(context.Background(), q); err != nil {
		t.Fatalf("register: %v", err)
	}
	h.Broadcast(context.Background(), api.Event{Action: api.ActionRing, Secret: "AB1"})

	first := <-q.Events()
	want := api.Event{
		Action:    api.ActionUpdate,
		Timestamp: "1700000000.000000",
		LastOpen:  "1699999000.000000",
		LastRing:  "1699999900.000000",
	}
	if first != want {
		t.Fatalf("first event %+v, want %+v", first, want)
	}
	if second := <-q.Events(); second.Action != api.ActionRing || second.Secret != "AB1" {
		t.Fatalf("second event %+v", second)
	}
}

func TestBroadcastSkipsFailingObservers(t *testing.T) {
	h := newTestHub()
	ctx := context.Background()
	good := NewQueue("good", 4)
	if err := h.Register(ctx, good); err != nil {
		t.Fatalf("register: %v", err)
	}
	<-good.Events()

	bad := NewQueue("bad", 1)
	if err := h.Register(ctx, bad); err != nil {
		t.Fatalf("register: %v", err)
	}
	if h.Len() != 2 {
		t.Fatalf("len %d, want 2", h.Len())
	}
	if n := h.Broadcast(ctx, api.Event{Action: api.ActionOpen}); n != 1 {
		t.Fatalf("delivered %d, want 1 (bad queue is full)", n)
	}
	if ev := <-good.Events(); ev.Action != api.ActionOpen {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestRegisterFailureLeavesObserverOut(t *testing.T) {
	h := newTestHub()
	if err := h.Register(context.Background(), failingObserver{id: "x"}); err == nil {
		t.Fatalf("expected register error")
	}
	if h.Len() != 0 {
		t.Fatalf("failed observer registered")
	}
}

func TestUnregister(t *testing.T) {
	h := newTestHub()
	q := NewQueue("a", 4)
	if err := h.Register(context.Background(), q); err != nil {
		t.Fatalf("register: %v", err)
	}
	h.Unregister(q)
	h.Unregister(q)
	if h.Len() != 0 {
		t.Fatalf("len %d after unregister", h.Len())
	}
	if n := h.Broadcast(context.Background(), api.Event{Action: api.ActionTimeout}); n != 0 {
		t.Fatalf("delivered %d to empty hub", n)
	}
}

func TestQueueClose(t *testing.T) {
	q := NewQueue("a", 1)
	q.Close()
	q.Close()
	if err := q.Deliver(context.Background(), api.Event{Action: api.ActionOpen}); !errors.Is(err, ErrClosed) {
		t.Fatalf("deliver after close: %v", err)
	}
	if _, ok := <-q.Events(); ok {
		t.Fatalf("closed queue yielded an event")
	}
}

func TestConcurrentBroadcastDeliversEveryEvent(t *testing.T) {
	h := newTestHub()
	ctx := context.Background()
	q := NewQueue("a", 128)
	if err := h.Register(ctx, q); err != nil {
		t.Fatalf("register: %v", err)
	}
	<-q.Events()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				h.Broadcast(ctx, api.Event{Action: api.ActionRing})
			}
		}()
	}
	wg.Wait()
	if got := len(q.Events()); got != 80 {
		t.Fatalf("queued %d events, want 80", got)
	}
}

type panickyObserver struct {
	id    string
	calls int
}

func (p *panickyObserver) ID() string { return p.id }

func (p *panickyObserver) Deliver(context.Context, api.Event) error {
	p.calls++
	if p.calls > 1 {
		panic("observer bug")
	}
	return nil
}

func TestBroadcastRecoversPanickingObserver(t *testing.T) {
	h := newTestHub()
	ctx := context.Background()
	bad := &panickyObserver{id: "bad"}
	good := NewQueue("good", 4)
	if err := h.Register(ctx, bad); err != nil {
		t.Fatalf("register bad: %v", err)
	}
	if err := h.Register(ctx, good); err != nil {
		t.Fatalf("register good: %v", err)
	}
	<-good.Events()
	if got := h.Broadcast(ctx, api.Event{Action: api.ActionOpen}); got != 1 {
		t.Fatalf("expected one delivery, got %d", got)
	}
	if ev := <-good.Events(); ev.Action != api.ActionOpen {
		t.Fatalf("unexpected event %+v", ev)
	}
	if h.Len() != 2 {
		t.Fatalf("panicking observer must stay registered until it disconnects, have %d", h.Len())
	}
}

func TestRegisterBuildsUpdateUnderHubLock(t *testing.T) {
	var h *Hub
	unlocked := false
	h = New(Config{
		Clock: clock.NewManual(time.Unix(1700000000, 0)),
		Status: func() api.Event {
			if h.mu.TryLock() {
				unlocked = true
				h.mu.Unlock()
			}
			return api.Event{}
		},
	})
	if err := h.Register(context.Background(), NewQueue("a", 4)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if unlocked {
		t.Fatal("status snapshot must be taken while registration holds the hub lock")
	}
}
