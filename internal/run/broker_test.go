package run

import (
	"fmt"
	"testing"
	"time"
)

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	var events []Event
	for range n {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				t.Fatalf("channel closed after %d events, wanted %d", len(events), n)
			}
			events = append(events, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d events, wanted %d", len(events), n)
		}
	}
	return events
}

func TestBrokerFanOutPreservesOrder(t *testing.T) {
	b := NewBroker()
	b.Open("run-1")

	sub1, err := b.Subscribe("run-1")
	if err != nil {
		t.Fatal(err)
	}
	sub2, err := b.Subscribe("run-1")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		b.Publish("run-1", Event{Type: TypeStdout, RunID: "run-1", Chunk: fmt.Sprintf("%d", i)})
	}

	for _, sub := range []*Subscription{sub1, sub2} {
		events := collect(t, sub, 10)
		for i, ev := range events {
			if ev.Chunk != fmt.Sprintf("%d", i) {
				t.Errorf("event %d out of order: got chunk %q", i, ev.Chunk)
			}
		}
	}
}

func TestBrokerLateJoinSeesOnlySubsequentEvents(t *testing.T) {
	b := NewBroker()
	b.Open("run-1")

	b.Publish("run-1", Event{Type: TypeStart, RunID: "run-1"})

	sub, err := b.Subscribe("run-1")
	if err != nil {
		t.Fatal(err)
	}

	b.Publish("run-1", Event{Type: TypeStdout, RunID: "run-1", Chunk: "later"})

	events := collect(t, sub, 1)
	if events[0].Type != TypeStdout {
		t.Errorf("late joiner should not see the start event, got %v", events[0].Type)
	}
}

func TestBrokerSubscribeUnknownRun(t *testing.T) {
	b := NewBroker()
	if _, err := b.Subscribe("nope"); err != ErrUnknownRun {
		t.Errorf("expected ErrUnknownRun, got %v", err)
	}
}

func TestBrokerCloseClosesSubscribers(t *testing.T) {
	b := NewBroker()
	b.Open("run-1")

	sub, err := b.Subscribe("run-1")
	if err != nil {
		t.Fatal(err)
	}

	b.Close("run-1")

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed after topic teardown")
	}

	// The run is gone; new subscriptions must fail.
	if _, err := b.Subscribe("run-1"); err != ErrUnknownRun {
		t.Errorf("expected ErrUnknownRun after close, got %v", err)
	}

	// Publishing to a closed topic is a no-op.
	b.Publish("run-1", Event{Type: TypeStdout})
}

func TestBrokerSubscribeRacingCloseNeverOrphans(t *testing.T) {
	// A subscriber attaching at the instant the topic is torn down must
	// either get ErrUnknownRun or a channel that still gets closed; a
	// subscription that lands on the dead topic would hang its reader
	// forever.
	for i := 0; i < 2000; i++ {
		b := NewBroker()
		runID := fmt.Sprintf("run-%d", i)
		b.Open(runID)

		done := make(chan struct{})
		go func() {
			b.Close(runID)
			close(done)
		}()

		sub, err := b.Subscribe(runID)
		<-done
		if err != nil {
			if err != ErrUnknownRun {
				t.Fatalf("iter %d: unexpected error %v", i, err)
			}
			continue
		}
		select {
		case _, ok := <-sub.C():
			if ok {
				t.Fatalf("iter %d: received event from torn-down topic", i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("iter %d: subscription channel never closed after teardown", i)
		}
	}
}

func TestBrokerUnsubscribeDetachesWithoutAffectingOthers(t *testing.T) {
	b := NewBroker()
	b.Open("run-1")

	sub1, _ := b.Subscribe("run-1")
	sub2, _ := b.Subscribe("run-1")

	sub1.Close()
	sub1.Close() // idempotent

	b.Publish("run-1", Event{Type: TypeStdout, Chunk: "x"})

	events := collect(t, sub2, 1)
	if events[0].Chunk != "x" {
		t.Errorf("remaining subscriber should still receive events")
	}
}

func TestBrokerSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroker()
	b.Open("run-1")

	slow, _ := b.Subscribe("run-1")

	// Publish with nobody reading: if a full buffer could stall
	// publication this loop would hang, so returning at all is the
	// property under test.
	total := subscriberBuffer + 50
	for i := 0; i < total; i++ {
		b.Publish("run-1", Event{Type: TypeStdout, Chunk: fmt.Sprintf("%d", i)})
	}

	if got := slow.Dropped(); got != 50 {
		t.Errorf("expected 50 dropped events, got %d", got)
	}

	// What fit in the buffer is still delivered, oldest first.
	events := collect(t, slow, subscriberBuffer)
	if events[0].Chunk != "0" {
		t.Errorf("expected drop-newest policy, first buffered event was %q", events[0].Chunk)
	}
}
