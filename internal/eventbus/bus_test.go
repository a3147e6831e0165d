package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestSubscribeFiltersByPrefix(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	deliv, unsubDeliv := b.Subscribe(4, "delivery.")
	defer unsubDeliv()

	b.Publish(Event{Type: "pulse.tick"})
	b.Publish(Event{Type: "delivery.completed", Data: 1})

	if e := <-all; e.Type != "pulse.tick" || e.Time.IsZero() {
		t.Fatalf("first event = %+v", e)
	}
	if e := <-all; e.Type != "delivery.completed" {
		t.Fatalf("second event = %+v", e)
	}
	if e := <-deliv; e.Type != "delivery.completed" {
		t.Fatalf("filtered event = %+v", e)
	}
	select {
	case e := <-deliv:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	b.Publish(Event{Type: "c"})
	if got := b.Dropped(); got != 2 {
		t.Fatalf("Dropped = %d, want 2", got)
	}
	unsub()
	unsub()
	b.Publish(Event{Type: "d"})
	if got := b.Dropped(); got != 2 {
		t.Fatalf("Dropped after unsubscribe = %d", got)
	}
}

func TestConsumeStopsOnCancel(t *testing.T) {
	t.Parallel()
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan string, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Consume(ctx, b, 4, func(e Event) { got <- e.Type }, "pulse.")
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(got) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event not consumed")
		}
		b.Publish(Event{Type: "delivery.retry"})
		b.Publish(Event{Type: "pulse.tick"})
		time.Sleep(5 * time.Millisecond)
	}
	if typ := <-got; typ != "pulse.tick" {
		t.Fatalf("consumed %q", typ)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not return")
	}
}
