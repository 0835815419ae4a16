package bridge

import (
	"testing"
)

func TestEventStreamDeliversInRegistrationOrder(t *testing.T) {
	s := NewEventStream(newTestLogger(t))

	var order []int
	s.Subscribe(KindDelta, func(ev *Event) { order = append(order, 1) })
	s.Subscribe(KindDelta, func(ev *Event) { order = append(order, 2) })
	s.Subscribe(KindDelta, func(ev *Event) { order = append(order, 3) })

	s.Emit(&Event{Kind: KindDelta, Text: "x"})

	if len(order) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(order))
	}
	for i, v := range order {
		if v != i+1 {
			t.Fatalf("delivery out of registration order: %v", order)
		}
	}
}

func TestEventStreamKindIsolation(t *testing.T) {
	s := NewEventStream(newTestLogger(t))

	var deltas, statuses int
	s.Subscribe(KindDelta, func(ev *Event) { deltas++ })
	s.Subscribe(KindStatus, func(ev *Event) { statuses++ })

	s.Emit(&Event{Kind: KindDelta, Text: "x"})
	s.Emit(&Event{Kind: KindDelta, Text: "y"})
	s.Emit(&Event{Kind: KindStatus, Status: StatusWorking})

	if deltas != 2 {
		t.Errorf("expected 2 delta deliveries, got %d", deltas)
	}
	if statuses != 1 {
		t.Errorf("expected 1 status delivery, got %d", statuses)
	}
}

func TestEventStreamPanicIsolation(t *testing.T) {
	s := NewEventStream(newTestLogger(t))

	var survived bool
	s.Subscribe(KindComplete, func(ev *Event) { panic("subscriber bug") })
	s.Subscribe(KindComplete, func(ev *Event) { survived = true })

	s.Emit(&Event{Kind: KindComplete, FullText: "done"})

	if !survived {
		t.Fatal("panic in one subscriber starved the next")
	}
}

func TestEventStreamSelfUnsubscribeDuringEmit(t *testing.T) {
	s := NewEventStream(newTestLogger(t))

	var first, second int
	var cancel func()
	cancel = s.Subscribe(KindDelta, func(ev *Event) {
		first++
		cancel()
	})
	s.Subscribe(KindDelta, func(ev *Event) { second++ })

	s.Emit(&Event{Kind: KindDelta, Text: "a"})
	s.Emit(&Event{Kind: KindDelta, Text: "b"})

	if first != 1 {
		t.Errorf("self-unsubscribed callback ran %d times, expected 1", first)
	}
	if second != 2 {
		t.Errorf("surviving callback ran %d times, expected 2", second)
	}
}

func TestEventStreamUnsubscribeIdempotent(t *testing.T) {
	s := NewEventStream(newTestLogger(t))

	var calls int
	cancel := s.Subscribe(KindReady, func(ev *Event) { calls++ })
	cancel()
	cancel()

	s.Emit(&Event{Kind: KindReady})
	if calls != 0 {
		t.Fatalf("unsubscribed callback still ran %d times", calls)
	}
}

func TestEventStreamUnsubscribeOtherDuringEmit(t *testing.T) {
	s := NewEventStream(newTestLogger(t))

	var removedRan bool
	var cancelOther func()
	s.Subscribe(KindClose, func(ev *Event) { cancelOther() })
	cancelOther = s.Subscribe(KindClose, func(ev *Event) { removedRan = true })

	// Removal marks the entry, so a subscriber dropped mid-emission is
	// skipped for the event being dispatched.
	s.Emit(&Event{Kind: KindClose})
	if removedRan {
		t.Fatal("callback removed during emission still ran")
	}
}
