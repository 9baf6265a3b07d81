package bullroom

import (
	"context"
	"sync/atomic"
	"testing"
)

func newTestEngine(t *testing.T, session *Session) (*Engine, *MemoryBackend, *MemoryTransport) {
	t.Helper()
	hub := NewMemoryTransport()
	b := NewMemoryBackend(hub)
	b.PutProfile(Identity{UserID: "bob", DisplayName: "Bob"})
	e, err := NewEngine(EngineConfig{
		Backend:    b,
		Moderation: b,
		Profiles:   b,
		Transport:  hub,
		Session:    session,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e, b, hub
}

func TestNewEngineRequiresBackend(t *testing.T) {
	if _, err := NewEngine(EngineConfig{}); err == nil {
		t.Fatal("expected error without a backend")
	}
}

func TestEngineLiveEvents(t *testing.T) {
	e, _, hub := newTestEngine(t, testUser)

	var roomChanged atomic.Int32
	e.On(NotifyRoomChanged, func(string, any) { panic("broken listener") })
	e.On(NotifyRoomChanged, func(string, any) { roomChanged.Add(1) })

	room, err := e.Switch(context.Background(), testRoom)
	if err != nil {
		t.Fatal(err)
	}
	var changes atomic.Int32
	room.OnChange(func() { changes.Add(1) })

	hub.Publish(context.Background(), testRoom, MessageInserted{Record: msg("7", "bob", "hello")})
	waitFor(t, "pushed message", func() bool { return len(room.Snapshot()) == 1 })
	room.Wait()

	got, _ := e.Store().Get(testRoom, "7")
	if got.DisplayName != "Bob" {
		t.Fatalf("expected author enrichment, got %q", got.DisplayName)
	}
	if changes.Load() == 0 || roomChanged.Load() == 0 {
		t.Fatal("expected change notifications despite a panicking listener")
	}

	t.Run("send dedups own echo", func(t *testing.T) {
		sent, err := room.Send(context.Background(), "hi bob", "7", nil)
		if err != nil {
			t.Fatal(err)
		}
		waitFor(t, "echo", func() bool { return len(room.Snapshot()) == 2 })
		room.Wait()
		if n := len(room.Snapshot()); n != 2 {
			t.Fatalf("expected 2 messages after echo, got %d", n)
		}
		reply, ok := room.ResolveReply(sent)
		if !ok || reply.ID != "7" {
			t.Fatal("expected reply to resolve to message 7")
		}
		if _, ok := room.ResolveReply(got); ok {
			t.Fatal("expected no reply target")
		}
	})
}

func TestEngineSwitchEvicts(t *testing.T) {
	e, _, hub := newTestEngine(t, testUser)
	ctx := context.Background()

	first, err := e.Switch(ctx, testRoom)
	if err != nil {
		t.Fatal(err)
	}
	first.Apply(MessageInserted{Record: msg("1", "bob", "hi")})
	if e.Store().Len(testRoom) != 1 {
		t.Fatal("expected cached message")
	}

	same, _ := e.Switch(ctx, testRoom)
	if same != first {
		t.Fatal("expected switching to the open room to be a no-op")
	}

	second, err := e.Switch(ctx, "random")
	if err != nil {
		t.Fatal(err)
	}
	if e.Current() != second || second.ID() != "random" {
		t.Fatal("expected random to be current")
	}
	if e.Store().Len(testRoom) != 0 {
		t.Fatal("expected old room evicted")
	}
	if hub.Subscribers(testRoom) != 0 {
		t.Fatal("expected old subscription closed")
	}

	e.Close()
	if _, err := e.Switch(ctx, testRoom); err == nil {
		t.Fatal("expected error after close")
	}
	if hub.Subscribers("random") != 0 || hub.Subscribers(ModerationChannel) != 0 {
		t.Fatal("expected all subscriptions closed")
	}
}

func TestEngineModerationChannel(t *testing.T) {
	e, _, hub := newTestEngine(t, testUser)
	room, _ := e.Switch(context.Background(), testRoom)

	var muteEvents atomic.Int32
	e.On(NotifyMuteChanged, func(string, any) { muteEvents.Add(1) })

	hub.Publish(context.Background(), ModerationChannel, RestrictionInserted{Restriction: MuteRestriction{UserID: "alice"}})
	waitFor(t, "mute", room.IsMuted)

	if _, err := room.Send(context.Background(), "let me talk", "", nil); CodeOf(err) != CodeMuted {
		t.Fatalf("expected muted error, got %v", err)
	}

	hub.Publish(context.Background(), ModerationChannel, RestrictionDeleted{Old: MuteRestriction{UserID: "alice"}})
	waitFor(t, "unmute", func() bool { return !room.IsMuted() })
	if muteEvents.Load() != 2 {
		t.Fatalf("expected 2 mute notifications, got %d", muteEvents.Load())
	}
}

func TestEngineTyping(t *testing.T) {
	e, _, hub := newTestEngine(t, testUser)
	room, _ := e.Switch(context.Background(), testRoom)

	listener, _ := hub.Subscribe(context.Background(), testRoom)
	defer listener.Close()

	if err := room.SetTyping(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	ev := <-listener.Events()
	tc, ok := ev.(TypingChanged)
	if !ok || tc.Signal.UserID != "alice" || !tc.Signal.IsTyping {
		t.Fatalf("unexpected broadcast %#v", ev)
	}
	if len(room.TypingUsers()) != 0 {
		t.Fatal("expected own typing signal to be ignored")
	}

	hub.Broadcast(context.Background(), testRoom, TypingSignal{UserID: "bob", DisplayName: "Bob", IsTyping: true})
	waitFor(t, "bob typing", func() bool { return len(room.TypingUsers()) == 1 })
}
