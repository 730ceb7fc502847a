package eventbus

import (
	"testing"
	"time"
)

func TestPublishFiltersByPrefix(t *testing.T) {
	t.Parallel()
	b := New()
	relayCh, unsubRelay := b.Subscribe("relay.", 4)
	defer unsubRelay()
	allCh, unsubAll := b.Subscribe("", 4)
	defer unsubAll()

	b.Publish(Event{Type: NotifierSent})
	b.Publish(Event{Type: PassCompleted, Data: 3})

	select {
	case e := <-relayCh:
		if e.Type != PassCompleted || e.Data != 3 {
			t.Fatalf("relay subscriber got %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatal("Publish should stamp the event time")
		}
	case <-time.After(time.Second):
		t.Fatal("relay subscriber got nothing")
	}
	if len(relayCh) != 0 {
		t.Fatal("relay subscriber should not see notifier events")
	}
	if len(allCh) != 2 {
		t.Fatalf("catch-all subscriber got %d events, want 2", len(allCh))
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe("", 1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if len(ch) != 1 {
		t.Fatalf("buffered = %d, want 1", len(ch))
	}
	unsub()
	unsub()
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "c"})
}
