package bullroom

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTypingTracker(t *testing.T) {
	em := newEmitter()
	var notified atomic.Int32
	em.On(NotifyTypingChanged, func(string, any) { notified.Add(1) })

	tr := NewTypingTracker(testRoom, testUser, withEmitter(em))
	tr.timeout = 50 * time.Millisecond
	defer tr.Close()

	tr.Apply(TypingSignal{UserID: "alice", IsTyping: true})
	if len(tr.Users()) != 0 {
		t.Fatal("own signals must be ignored")
	}

	tr.Apply(TypingSignal{UserID: "carol", DisplayName: "Carol", IsTyping: true})
	tr.Apply(TypingSignal{UserID: "bob", DisplayName: "Bob", IsTyping: true})
	tr.Apply(TypingSignal{UserID: "bob", DisplayName: "Bob", IsTyping: true})
	users := tr.Users()
	if len(users) != 2 || users[0].DisplayName != "Bob" || users[1].DisplayName != "Carol" {
		t.Fatalf("expected Bob and Carol sorted, got %v", users)
	}
	if n := notified.Load(); n != 2 {
		t.Fatalf("expected refreshes not to notify, got %d notifications", n)
	}

	tr.Apply(TypingSignal{UserID: "carol", IsTyping: false})
	if users := tr.Users(); len(users) != 1 || users[0].UserID != "bob" {
		t.Fatalf("expected stop to remove carol, got %v", users)
	}

	waitFor(t, "typing to expire", func() bool { return len(tr.Users()) == 0 })
	if n := notified.Load(); n != 4 {
		t.Fatalf("expected expiry to notify, got %d notifications", n)
	}
}

func TestTypingTrackerRefreshExtends(t *testing.T) {
	tr := NewTypingTracker(testRoom, nil)
	tr.timeout = 150 * time.Millisecond
	defer tr.Close()

	tr.Apply(TypingSignal{UserID: "bob", IsTyping: true})
	time.Sleep(90 * time.Millisecond)
	tr.Apply(TypingSignal{UserID: "bob", IsTyping: true})
	time.Sleep(90 * time.Millisecond)
	if len(tr.Users()) != 1 {
		t.Fatal("expected refresh to restart the timeout")
	}
	if tr.Users()[0].DisplayName != FallbackDisplayName {
		t.Fatalf("expected fallback name, got %q", tr.Users()[0].DisplayName)
	}
}

func TestTypingBroadcaster(t *testing.T) {
	hub := NewMemoryTransport()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, _ := hub.Subscribe(ctx, testRoom)

	b := newTypingBroadcaster(hub, testUser, testRoom, zerolog.Nop())

	_ = b.set(ctx, false)
	_ = b.set(ctx, true)
	_ = b.set(ctx, true)
	_ = b.set(ctx, true)
	_ = b.set(ctx, false)

	var got []bool
	for len(got) < 2 {
		select {
		case ev := <-sub.Events():
			got = append(got, ev.(TypingChanged).Signal.IsTyping)
		case <-time.After(time.Second):
			t.Fatalf("expected 2 signals, got %v", got)
		}
	}
	if !got[0] || got[1] {
		t.Fatalf("expected start then stop, got %v", got)
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected extra signal %v", ev)
	case <-time.After(20 * time.Millisecond):
	}

	t.Run("anonymous sends nothing", func(t *testing.T) {
		anon := newTypingBroadcaster(hub, nil, testRoom, zerolog.Nop())
		if err := anon.set(ctx, true); err != nil {
			t.Fatal(err)
		}
		select {
		case <-sub.Events():
			t.Fatal("anonymous users must not broadcast")
		case <-time.After(20 * time.Millisecond):
		}
	})
}
