package bullroom

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// hookBackend runs onCreate after the remote create succeeds but before the
// result is returned to the caller.
type hookBackend struct {
	*MemoryBackend
	onCreate func(Message)
}

func (h *hookBackend) CreateMessage(ctx context.Context, in NewMessage) (Message, error) {
	m, err := h.MemoryBackend.CreateMessage(ctx, in)
	if err == nil && h.onCreate != nil {
		h.onCreate(m)
	}
	return m, err
}

func newTestMutator(backend Backend, session *Session, opts ...Option) (*Mutator, *Store, *ModerationTracker) {
	store := NewStore(opts...)
	tracker := NewModerationTracker(nil, opts...)
	resolver := NewIdentityResolver(nil, opts...)
	return NewMutator(store, backend, tracker, resolver, session, opts...), store, tracker
}

func TestSendValidation(t *testing.T) {
	m, store, _ := newTestMutator(NewMemoryBackend(nil), testUser)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SendRequest
	}{
		{"empty", SendRequest{RoomID: testRoom, Body: "   "}},
		{"too long", SendRequest{RoomID: testRoom, Body: strings.Repeat("a", MaxBodyLength+1)}},
		{"attachment without url", SendRequest{RoomID: testRoom, Attachment: &Attachment{Name: "x.png"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Send(ctx, tt.req)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	t.Run("anonymous", func(t *testing.T) {
		anon, _, _ := newTestMutator(NewMemoryBackend(nil), nil)
		_, err := anon.Send(ctx, SendRequest{RoomID: testRoom, Body: "hi"})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	if store.Len(testRoom) != 0 {
		t.Fatal("rejected sends must not touch the cache")
	}

	t.Run("exact limit is accepted", func(t *testing.T) {
		msg, err := m.Send(ctx, SendRequest{RoomID: testRoom, Body: strings.Repeat("é", MaxBodyLength)})
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
		if msg.IsProvisional() {
			t.Fatal("expected confirmed id")
		}
	})
}

func TestSendOptimistic(t *testing.T) {
	gb := newGatedBackend(NewMemoryBackend(nil))
	gb.createGate = make(chan struct{})
	m, store, _ := newTestMutator(gb, testUser)

	type result struct {
		msg Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := m.Send(context.Background(), SendRequest{RoomID: testRoom, Body: "  hello bulls  "})
		done <- result{msg, err}
	}()

	waitFor(t, "provisional message", func() bool { return store.Len(testRoom) == 1 })
	snap := store.Snapshot(testRoom)
	if !snap[0].IsProvisional() {
		t.Fatalf("expected a temporary id, got %q", snap[0].ID)
	}
	if snap[0].Body != "hello bulls" || snap[0].DisplayName != "Alice" {
		t.Fatalf("unexpected provisional %+v", snap[0])
	}

	close(gb.createGate)
	res := <-done
	if res.err != nil {
		t.Fatalf("send: %v", res.err)
	}
	snap = store.Snapshot(testRoom)
	if len(snap) != 1 {
		t.Fatalf("expected exactly one message, got %d", len(snap))
	}
	if snap[0].ID != res.msg.ID || snap[0].IsProvisional() {
		t.Fatalf("expected confirmed id %q in cache, got %q", res.msg.ID, snap[0].ID)
	}
}

func TestSendPushArrivesFirst(t *testing.T) {
	t.Run("echo is absorbed by the content guard", func(t *testing.T) {
		hb := &hookBackend{MemoryBackend: NewMemoryBackend(nil)}
		hb.SetNextID(42)
		m, store, tracker := newTestMutator(hb, testUser)
		rec := NewReconciler(store, nil, tracker, nil, testUser)
		hb.onCreate = func(msg Message) { rec.Apply(testRoom, MessageInserted{Record: msg}) }

		msg, err := m.Send(context.Background(), SendRequest{RoomID: testRoom, Body: "race"})
		if err != nil {
			t.Fatal(err)
		}
		if msg.ID != "42" {
			t.Fatalf("expected id 42, got %q", msg.ID)
		}
		if got := store.Snapshot(testRoom); !equalIDs(got, "42") {
			t.Fatalf("expected a single confirmed message, got %v", ids(got))
		}
	})

	t.Run("confirmed id already cached", func(t *testing.T) {
		hb := &hookBackend{MemoryBackend: NewMemoryBackend(nil)}
		hb.SetNextID(42)
		m, store, _ := newTestMutator(hb, testUser)
		hb.onCreate = func(msg Message) {
			msg.DisplayName = "Alice from push"
			store.InsertAtHead(testRoom, msg)
		}

		msg, err := m.Send(context.Background(), SendRequest{RoomID: testRoom, Body: "race"})
		if err != nil {
			t.Fatal(err)
		}
		if got := store.Snapshot(testRoom); !equalIDs(got, "42") {
			t.Fatalf("expected provisional to be dropped, got %v", ids(got))
		}
		if msg.DisplayName != "Alice from push" {
			t.Fatalf("expected cached copy to win, got %q", msg.DisplayName)
		}
	})
}

// countingSends counts remote creates.
type countingSends struct {
	*MemoryBackend
	creates int
}

func (c *countingSends) CreateMessage(ctx context.Context, in NewMessage) (Message, error) {
	c.creates++
	return c.MemoryBackend.CreateMessage(ctx, in)
}

func TestSendMuted(t *testing.T) {
	b := &countingSends{MemoryBackend: NewMemoryBackend(nil)}
	m, store, tracker := newTestMutator(b, testUser)
	ctx := context.Background()
	tracker.Apply(RestrictionInserted{Restriction: MuteRestriction{UserID: testUser.UserID, Reason: "spam"}})

	for i := 0; i < 3; i++ {
		_, err := m.Send(ctx, SendRequest{RoomID: testRoom, Body: "let me speak"})
		if !errors.Is(err, ErrMuted) {
			t.Fatalf("expected muted error, got %v", err)
		}
	}
	if b.creates != 0 {
		t.Fatalf("expected no remote call, got %d", b.creates)
	}
	if store.Len(testRoom) != 0 {
		t.Fatal("expected no provisional message")
	}

	t.Run("unmute restores sending", func(t *testing.T) {
		tracker.Apply(RestrictionDeleted{Old: MuteRestriction{UserID: testUser.UserID}})
		sent, err := m.Send(ctx, SendRequest{RoomID: testRoom, Body: "thanks"})
		if err != nil {
			t.Fatalf("expected send after unmute, got %v", err)
		}
		if b.creates != 1 {
			t.Fatalf("expected one remote call, got %d", b.creates)
		}
		if got := store.Snapshot(testRoom); !equalIDs(got, sent.ID) {
			t.Fatalf("expected only the confirmed message, got %v", ids(got))
		}
	})
}

func TestSendFailure(t *testing.T) {
	b := NewMemoryBackend(nil)
	b.FailWith("CreateMessage", errors.New("offline"))
	em := newEmitter()
	var (
		mu       sync.Mutex
		failures []SendFailure
		locals   int
	)
	em.On(NotifyMessageFailed, func(_ string, payload any) {
		mu.Lock()
		failures = append(failures, payload.(SendFailure))
		mu.Unlock()
	})
	em.On(NotifyMessageLocal, func(string, any) { locals++ })
	m, store, _ := newTestMutator(b, testUser, withEmitter(em))

	_, err := m.Send(context.Background(), SendRequest{RoomID: testRoom, Body: "lost"})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if store.Len(testRoom) != 0 {
		t.Fatal("expected provisional to be withdrawn")
	}
	if locals != 1 || len(failures) != 1 {
		t.Fatalf("expected one local and one failure, got %d and %d", locals, len(failures))
	}
	if !strings.HasPrefix(failures[0].TempID, tempIDPrefix) {
		t.Fatalf("expected temp id in failure, got %q", failures[0].TempID)
	}
}

func TestSendServerMute(t *testing.T) {
	b := NewMemoryBackend(nil)
	b.FailWith("CreateMessage", &APIError{Status: 403, Code: string(CodeMuted), Message: "muted"})
	m, _, _ := newTestMutator(b, testUser)

	_, err := m.Send(context.Background(), SendRequest{RoomID: testRoom, Body: "hi"})
	if !errors.Is(err, ErrMuted) {
		t.Fatalf("expected server mute to map to muted, got %v", err)
	}
}

func TestEdit(t *testing.T) {
	ctx := context.Background()
	setup := func() (*Mutator, *Store, *MemoryBackend) {
		b := NewMemoryBackend(nil)
		orig := msg("1", "alice", "first")
		b.Seed(orig)
		m, store, _ := newTestMutator(b, testUser)
		store.InsertAtHead(testRoom, orig)
		return m, store, b
	}

	t.Run("success", func(t *testing.T) {
		m, store, _ := setup()
		got, err := m.Edit(ctx, testRoom, "1", " second ")
		if err != nil {
			t.Fatal(err)
		}
		if got.Body != "second" || !got.Edited {
			t.Fatalf("unexpected result %+v", got)
		}
		cached, _ := store.Get(testRoom, "1")
		if cached.Body != "second" || !cached.Edited || cached.UpdatedAt.IsZero() {
			t.Fatalf("expected cache patched, got %+v", cached)
		}
	})

	t.Run("not cached", func(t *testing.T) {
		m, _, _ := setup()
		if _, err := m.Edit(ctx, testRoom, "99", "x"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("removed remotely", func(t *testing.T) {
		m, store, b := setup()
		_ = b.DeleteMessage(ctx, "1")
		if _, err := m.Edit(ctx, testRoom, "1", "x"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		if store.Has(testRoom, "1") {
			t.Fatal("expected stale entry to be dropped")
		}
	})

	t.Run("network failure leaves cache", func(t *testing.T) {
		m, store, b := setup()
		b.FailWith("EditMessage", errors.New("timeout"))
		if _, err := m.Edit(ctx, testRoom, "1", "x"); !errors.Is(err, ErrNetwork) {
			t.Fatalf("expected network error, got %v", err)
		}
		cached, _ := store.Get(testRoom, "1")
		if cached.Body != "first" {
			t.Fatalf("expected original body, got %q", cached.Body)
		}
	})

	t.Run("provisional", func(t *testing.T) {
		m, store, _ := setup()
		store.InsertAtHead(testRoom, msg("tmp-abc", "alice", "pending"))
		if _, err := m.Edit(ctx, testRoom, "tmp-abc", "x"); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("removes locally and remotely", func(t *testing.T) {
		b := NewMemoryBackend(nil)
		b.Seed(msg("1", "alice", "bye"))
		m, store, _ := newTestMutator(b, testUser)
		store.InsertAtHead(testRoom, msg("1", "alice", "bye"))

		if err := m.Delete(ctx, testRoom, "1"); err != nil {
			t.Fatal(err)
		}
		if store.Has(testRoom, "1") {
			t.Fatal("expected local removal")
		}
		if _, err := b.GetMessage(ctx, "1"); !errors.Is(err, ErrRecordNotFound) {
			t.Fatal("expected remote removal")
		}
	})

	t.Run("missing", func(t *testing.T) {
		m, _, _ := newTestMutator(NewMemoryBackend(nil), testUser)
		if err := m.Delete(ctx, testRoom, "1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("provisional is local only", func(t *testing.T) {
		b := NewMemoryBackend(nil)
		b.FailWith("DeleteMessage", errors.New("must not be called"))
		m, store, _ := newTestMutator(b, testUser)
		store.InsertAtHead(testRoom, msg("tmp-1", "alice", "pending"))
		if err := m.Delete(ctx, testRoom, "tmp-1"); err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	})

	t.Run("remote failure is not rolled back", func(t *testing.T) {
		b := NewMemoryBackend(nil)
		b.Seed(msg("1", "alice", "bye"))
		b.FailWith("DeleteMessage", errors.New("offline"))
		m, store, _ := newTestMutator(b, testUser)
		store.InsertAtHead(testRoom, msg("1", "alice", "bye"))

		if err := m.Delete(ctx, testRoom, "1"); !errors.Is(err, ErrNetwork) {
			t.Fatalf("expected network error, got %v", err)
		}
		if store.Has(testRoom, "1") {
			t.Fatal("expected message to stay removed")
		}
	})
}
