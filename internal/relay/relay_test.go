package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"crabstack.local/projects/crab-observer/internal/event"
	"crabstack.local/projects/crab-observer/internal/hub"
	"crabstack.local/projects/crab-observer/internal/store"
	"crabstack.local/projects/crab-observer/internal/subscribers"
)

type fakeSubscriber struct {
	name      string
	failUntil int
	failWith  error
	filter    store.Filter

	mu      sync.Mutex
	calls   int
	callsAt []time.Time
	ch      chan event.Event
}

func (f *fakeSubscriber) Name() string {
	return f.name
}

func (f *fakeSubscriber) Filter() store.Filter {
	return f.filter
}

func (f *fakeSubscriber) Handle(_ context.Context, ev event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.callsAt = append(f.callsAt, time.Now())
	if f.calls <= f.failUntil {
		if f.failWith != nil {
			return f.failWith
		}
		return errors.New("forced failure")
	}
	if f.ch != nil {
		f.ch <- ev
	}
	return nil
}

func (f *fakeSubscriber) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRelay(t *testing.T, h *hub.Hub, subs ...subscribers.Subscriber) (context.CancelFunc, chan error) {
	t.Helper()
	r := New(testLogger(), h, subs)
	r.retryBackoff = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for h.Len() < len(subs) {
		if time.Now().After(deadline) {
			t.Fatalf("relay did not attach subscribers")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cancel, done
}

func TestRelayRetriesThenSucceeds(t *testing.T) {
	h := hub.New(16, testLogger())
	sub := &fakeSubscriber{name: "sub", failUntil: 2, ch: make(chan event.Event, 1)}
	cancel, done := startRelay(t, h, sub)
	defer cancel()

	h.Publish(event.Event{ID: "evt_1", Sequence: 1})

	select {
	case got := <-sub.ch:
		if got.ID != "evt_1" {
			t.Fatalf("unexpected event id: %s", got.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for forward")
	}
	if calls := sub.Calls(); calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("relay returned error: %v", err)
	}
}

func TestRelayStopsAfterRetries(t *testing.T) {
	h := hub.New(16, testLogger())
	sub := &fakeSubscriber{name: "sub", failUntil: 10}
	cancel, _ := startRelay(t, h, sub)
	defer cancel()

	h.Publish(event.Event{ID: "evt_2", Sequence: 1})
	time.Sleep(200 * time.Millisecond)

	if calls := sub.Calls(); calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRelayAppliesSubscriberFilter(t *testing.T) {
	h := hub.New(16, testLogger())
	sub := &fakeSubscriber{
		name:   "errors",
		filter: store.Filter{Severities: []string{"error"}},
		ch:     make(chan event.Event, 4),
	}
	cancel, done := startRelay(t, h, sub)
	defer cancel()

	h.Publish(event.Event{ID: "info", Severity: event.SeverityInfo})
	h.Publish(event.Event{ID: "boom", Severity: event.SeverityError})

	select {
	case got := <-sub.ch:
		if got.ID != "boom" {
			t.Fatalf("expected only the error event, got %s", got.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for forward")
	}

	h.Close()
	if err := <-done; err != nil {
		t.Fatalf("relay returned error after hub close: %v", err)
	}
	if calls := sub.Calls(); calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRelayDropsPermanentFailures(t *testing.T) {
	h := hub.New(16, testLogger())
	sub := &fakeSubscriber{
		name:      "gone",
		failUntil: 10,
		failWith:  &subscribers.DeliveryError{Status: 404, Permanent: true},
		ch:        make(chan event.Event, 1),
	}
	cancel, _ := startRelay(t, h, sub)
	defer cancel()

	h.Publish(event.Event{ID: "evt_1", Sequence: 1})
	time.Sleep(200 * time.Millisecond)

	if calls := sub.Calls(); calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestRelayWaitsForRetryAfter(t *testing.T) {
	h := hub.New(16, testLogger())
	sub := &fakeSubscriber{
		name:      "busy",
		failUntil: 1,
		failWith:  &subscribers.DeliveryError{Status: 429, RetryAfter: 150 * time.Millisecond},
		ch:        make(chan event.Event, 1),
	}
	cancel, _ := startRelay(t, h, sub)
	defer cancel()

	h.Publish(event.Event{ID: "evt_1", Sequence: 1})
	select {
	case <-sub.ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for forward")
	}

	sub.mu.Lock()
	gap := sub.callsAt[1].Sub(sub.callsAt[0])
	sub.mu.Unlock()
	if gap < 150*time.Millisecond {
		t.Fatalf("retried after %v, before the receiver's Retry-After", gap)
	}
}
