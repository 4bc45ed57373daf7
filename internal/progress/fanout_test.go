package progress

import (
	"errors"
	"testing"
	"time"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatalf("event channel closed unexpectedly")
		}
		return evt
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestSubscribeBeforeStart(t *testing.T) {
	s := NewStore(Options{}, nil)

	// Subscribing to a session that does not exist yet is allowed and
	// simply waits for the first event.
	events, unsubscribe := s.Subscribe("s1")
	defer unsubscribe()

	if err := s.Start("s1", "7", 4); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	evt := recvEvent(t, events)
	if evt.Type != EventStarted {
		t.Fatalf("event type = %q, want %q", evt.Type, EventStarted)
	}
	if evt.Snapshot.SessionID != "s1" || evt.Snapshot.Status != StatusActive {
		t.Fatalf("unexpected snapshot: %+v", evt.Snapshot)
	}
}

func TestSubscriberReceivesMutationStream(t *testing.T) {
	s := NewStore(Options{}, nil)
	if err := s.Start("s1", "7", 2); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	events, unsubscribe := s.Subscribe("s1")
	defer unsubscribe()

	if err := s.Advance("s1", "init", "starting", 25); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if err := s.Complete("s1"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	advanced := recvEvent(t, events)
	if advanced.Type != EventAdvanced || advanced.Snapshot.CurrentProgress != 25 {
		t.Fatalf("first event = {%s, %d}, want {advanced, 25}", advanced.Type, advanced.Snapshot.CurrentProgress)
	}
	completed := recvEvent(t, events)
	if completed.Type != EventCompleted || completed.Snapshot.CurrentProgress != 100 {
		t.Fatalf("second event = {%s, %d}, want {completed, 100}", completed.Type, completed.Snapshot.CurrentProgress)
	}
	if !completed.Terminal() {
		t.Fatalf("completed event should be terminal")
	}
}

func TestSaturatedSubscriberNeverBlocksProducer(t *testing.T) {
	s := NewStore(Options{SubscriberBuffer: 1}, nil)
	if err := s.Start("s1", "7", 4); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_, unsubscribe := s.Subscribe("s1")
	defer unsubscribe()

	// Nothing drains the channel; after the first event every delivery is
	// dropped, and the producer must not notice.
	for i := 1; i <= 50; i++ {
		if err := s.Advance("s1", "step", "working", i*2); err != nil {
			t.Fatalf("Advance(%d) error = %v", i, err)
		}
	}

	// Polling stays fully correct regardless of fan-out drops.
	snap, err := s.GetSnapshot("s1", "")
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if snap.CurrentProgress != 100 {
		t.Fatalf("CurrentProgress = %d, want 100", snap.CurrentProgress)
	}
}

func TestPollCorrectWithoutAnySubscriber(t *testing.T) {
	s := NewStore(Options{}, nil)
	if err := s.Start("s1", "7", 4); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Advance("s1", "execute", "running query", 60); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if err := s.Complete("s1"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	snap, err := s.GetSnapshot("s1", "")
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if snap.Status != StatusCompleted || snap.CurrentProgress != 100 {
		t.Fatalf("snapshot = {%s, %d}, want {completed, 100}", snap.Status, snap.CurrentProgress)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	s := NewStore(Options{}, nil)
	events, unsubscribe := s.Subscribe("s1")
	unsubscribe()
	unsubscribe()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatalf("expected closed channel after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after unsubscribe")
	}

	// The released subscriber must not affect the session itself.
	if err := s.Start("s1", "7", 1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := s.GetSnapshot("s1", ""); err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
}

func TestSubscriptionsReleasedAfterTerminalGrace(t *testing.T) {
	s := NewStore(Options{FanoutGrace: 20 * time.Millisecond}, nil)
	if err := s.Start("s1", "7", 1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	events, unsubscribe := s.Subscribe("s1")
	defer unsubscribe()

	if err := s.Complete("s1"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	evt := recvEvent(t, events)
	if evt.Type != EventCompleted {
		t.Fatalf("event type = %q, want %q", evt.Type, EventCompleted)
	}

	select {
	case _, ok := <-events:
		if ok {
			t.Fatalf("expected channel close after grace, got another event")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after terminal grace period")
	}
}

func TestEmptySessionIDSubscribe(t *testing.T) {
	s := NewStore(Options{}, nil)
	events, unsubscribe := s.Subscribe("  ")
	defer unsubscribe()
	if _, ok := <-events; ok {
		t.Fatalf("subscribe with blank id should return a closed channel")
	}
}

func TestTerminalGraceSkippedWhenIDReused(t *testing.T) {
	s := NewStore(Options{FanoutGrace: 20 * time.Millisecond}, nil)
	if err := s.Start("s1", "7", 1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Complete("s1"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	// Reuse the id before the grace timer fires: the new session's
	// subscribers must not be torn down by the stale timer.
	if err := s.Start("s1", "7", 1); err != nil {
		t.Fatalf("Start() reuse error = %v", err)
	}
	events, unsubscribe := s.Subscribe("s1")
	defer unsubscribe()

	time.Sleep(60 * time.Millisecond)

	if err := s.Advance("s1", "step", "still here", 40); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	evt := recvEvent(t, events)
	if evt.Type != EventAdvanced {
		t.Fatalf("event type = %q, want %q", evt.Type, EventAdvanced)
	}
	if _, err := s.GetSnapshot("s1", ""); errors.Is(err, ErrNotFound) {
		t.Fatalf("session evicted by stale grace timer")
	}
}
