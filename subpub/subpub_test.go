package subpub

import (
	"context"
	"testing"
	"time"
)

func TestPublishDeliversToSubscriberPastIndex(t *testing.T) {
	sp := New[string]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	next := sp.Subscribe(ctx, 0)
	sp.Publish(1, "hello")

	msg, ok := next()
	if !ok || msg != "hello" {
		t.Fatalf("next() = %q, %v, want %q, true", msg, ok, "hello")
	}
}

func TestPublishSkipsSubscriberAlreadyAtIndex(t *testing.T) {
	sp := New[string]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	next := sp.Subscribe(ctx, 5)
	sp.Publish(5, "stale")

	done := make(chan struct{})
	go func() {
		sp.Publish(6, "fresh")
		close(done)
	}()
	<-done

	msg, ok := next()
	if !ok || msg != "fresh" {
		t.Fatalf("next() = %q, %v, want %q, true", msg, ok, "fresh")
	}
}

func TestSlowSubscriberIsDroppedNotBlocked(t *testing.T) {
	sp := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Don't drain this one; it should get dropped once its buffer fills,
	// and must never block the publisher.
	_ = sp.Subscribe(ctx, 0)

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 20; i++ {
			sp.Publish(int64(i), i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestBroadcastIgnoresIndex(t *testing.T) {
	sp := New[string]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	next := sp.Subscribe(ctx, 100)
	sp.Broadcast("list-updated")

	msg, ok := next()
	if !ok || msg != "list-updated" {
		t.Fatalf("next() = %q, %v, want %q, true", msg, ok, "list-updated")
	}
}
