package sockets

import (
	"context"
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	hub := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := hub.Subscribe(ctx)
	b := hub.Subscribe(ctx)

	inst := ClearInstruction{
		OrgID:     "org-1",
		Scope:     ScopeDevice,
		IDs:       []string{"device-1"},
		Timestamp: time.Now().UTC(),
	}
	hub.Publish(inst)

	for name, ch := range map[string]<-chan ClearInstruction{"a": a, "b": b} {
		select {
		case got := <-ch:
			if got.OrgID != inst.OrgID || got.Scope != inst.Scope {
				t.Fatalf("subscriber %s got %+v", name, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s received nothing", name)
		}
	}
}

func TestSubscribeChannelClosesOnContextEnd(t *testing.T) {
	hub := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := hub.Subscribe(ctx)
	cancel()

	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Publishing after the subscriber dropped must not panic or block.
	hub.Publish(ClearInstruction{OrgID: "org-1", Scope: ScopeOrg, IDs: []string{"org-1"}})
}

func TestPublishDropsWhenSubscriberIsSlow(t *testing.T) {
	hub := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := hub.Subscribe(ctx)

	// Fill the buffer and then some; the excess is dropped, never blocked on.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			hub.Publish(ClearInstruction{OrgID: "org-1", Scope: ScopeUser, IDs: []string{"user-1"}})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	var received int
	for {
		select {
		case <-ch:
			received++
		default:
			if received == 0 || received > 16 {
				t.Fatalf("received %d instructions, want 1..16", received)
			}
			return
		}
	}
}
