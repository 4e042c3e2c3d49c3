package events

import (
	"testing"
	"time"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()

	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}

	b.Unsubscribe(ch2)
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{
		Kind:  ClearOffline,
		Paths: []string{"/site/page.jsp"},
	})

	select {
	case received := <-ch:
		if received.Kind != ClearOffline {
			t.Errorf("expected kind %s, got %s", ClearOffline, received.Kind)
		}
		if len(received.Paths) != 1 || received.Paths[0] != "/site/page.jsp" {
			t.Errorf("unexpected paths: %v", received.Paths)
		}
		if received.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	defer b.Unsubscribe(ch1)
	defer b.Unsubscribe(ch2)

	b.Publish(Event{Kind: ClearAll})

	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.Kind != ClearAll {
				t.Errorf("subscriber %d: expected kind %s, got %s", i, ClearAll, received.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out waiting for event", i)
		}
	}
}

func TestBroadcasterSlowConsumerDropsEvents(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Fill the buffer past capacity; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(Event{Kind: ClearOnline})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow consumer")
	}
}

func TestMarshalEvent(t *testing.T) {
	data, err := MarshalEvent(Event{Kind: ClearAll, Timestamp: 42})
	if err != nil {
		t.Fatalf("MarshalEvent: %v", err)
	}
	want := `{"kind":"clear_all","timestamp":42}`
	if string(data) != want {
		t.Errorf("MarshalEvent = %s, want %s", data, want)
	}
}
