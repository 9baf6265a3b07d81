package bullroom

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestModerationTrackerActivate(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(nil)
	_ = b.CreateRestriction(ctx, MuteRestriction{UserID: "alice", Reason: "flood"})
	_ = b.CreateRestriction(ctx, MuteRestriction{UserID: "bob"})

	t.Run("admin loads everything", func(t *testing.T) {
		tr := NewModerationTracker(b)
		if err := tr.Activate(ctx, testAdmin); err != nil {
			t.Fatal(err)
		}
		if got := tr.MutedUsers(); len(got) != 2 || got[0].UserID != "alice" || got[1].UserID != "bob" {
			t.Fatalf("expected alice and bob, got %v", got)
		}
	})

	t.Run("member loads own row", func(t *testing.T) {
		tr := NewModerationTracker(b)
		if err := tr.Activate(ctx, testUser); err != nil {
			t.Fatal(err)
		}
		if !tr.IsMuted("alice") {
			t.Fatal("expected alice muted")
		}
		if tr.IsMuted("bob") {
			t.Fatal("members only learn their own restriction")
		}
		r, ok := tr.Restriction("alice")
		if !ok || r.Reason != "flood" {
			t.Fatalf("unexpected restriction %+v", r)
		}
	})

	t.Run("anonymous loads nothing", func(t *testing.T) {
		b.FailWith("GetRestriction", errors.New("must not be called"))
		defer b.FailWith("GetRestriction", nil)
		tr := NewModerationTracker(b)
		if err := tr.Activate(ctx, nil); err != nil {
			t.Fatal(err)
		}
		if len(tr.MutedUsers()) != 0 {
			t.Fatal("expected empty set")
		}
	})

	t.Run("load failure", func(t *testing.T) {
		b.FailWith("ListRestrictions", errors.New("down"))
		defer b.FailWith("ListRestrictions", nil)
		if err := NewModerationTracker(b).Activate(ctx, testAdmin); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestModerationTrackerExpiry(t *testing.T) {
	clock := newTestClock()
	tr := NewModerationTracker(nil, WithClock(clock.Now))
	exp := clock.Now().Add(time.Hour)
	tr.Apply(RestrictionInserted{Restriction: MuteRestriction{UserID: "alice", ExpiresAt: &exp}})

	if !tr.IsMuted("alice") {
		t.Fatal("expected alice muted before expiry")
	}
	clock.Advance(time.Hour)
	if tr.IsMuted("alice") {
		t.Fatal("expected mute to lapse at expiry")
	}
	if len(tr.MutedUsers()) != 0 {
		t.Fatal("expired restrictions are not listed")
	}
}

func TestModerator(t *testing.T) {
	ctx := context.Background()
	setup := func(session *Session) (*Moderator, *ModerationTracker, *Store, *MemoryBackend) {
		b := NewMemoryBackend(nil)
		store := NewStore()
		tr := NewModerationTracker(b)
		return NewModerator(session, b, b, tr, store), tr, store, b
	}

	t.Run("requires admin", func(t *testing.T) {
		m, _, _, _ := setup(testUser)
		if err := m.Mute(ctx, "bob", "", nil); !errors.Is(err, ErrForbidden) {
			t.Fatalf("expected forbidden, got %v", err)
		}
		if _, err := m.DeleteAllFrom(ctx, "bob", testRoom); !errors.Is(err, ErrForbidden) {
			t.Fatalf("expected forbidden, got %v", err)
		}
	})

	t.Run("mute and unmute", func(t *testing.T) {
		m, tr, _, b := setup(testAdmin)
		hours := 2
		if err := m.Mute(ctx, "bob", " spam ", &hours); err != nil {
			t.Fatal(err)
		}
		r, ok := tr.Restriction("bob")
		if !ok || r.Reason != "spam" || r.ExpiresAt == nil {
			t.Fatalf("unexpected restriction %+v", r)
		}
		if stored, _ := b.GetRestriction(ctx, "bob"); stored == nil {
			t.Fatal("expected stored restriction")
		}

		if err := m.Unmute(ctx, "bob"); err != nil {
			t.Fatal(err)
		}
		if tr.IsMuted("bob") {
			t.Fatal("expected bob unmuted")
		}
		if err := m.Unmute(ctx, "bob"); err != nil {
			t.Fatalf("unmuting twice should succeed, got %v", err)
		}
	})

	t.Run("invalid duration", func(t *testing.T) {
		m, _, _, _ := setup(testAdmin)
		zero := 0
		if err := m.Mute(ctx, "bob", "", &zero); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
		if err := m.Mute(ctx, " ", "", nil); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("purge", func(t *testing.T) {
		m, _, store, b := setup(testAdmin)
		b.Seed(msg("1", "bob", "a"), msg("2", "carol", "b"), msg("3", "bob", "c"))
		for _, id := range []string{"1", "2", "3"} {
			got, _ := b.GetMessage(ctx, id)
			store.InsertAtHead(testRoom, got)
		}
		n, err := m.DeleteAllFrom(ctx, "bob", testRoom)
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Fatalf("expected 2 deleted, got %d", n)
		}
		if got := store.Snapshot(testRoom); !equalIDs(got, "2") {
			t.Fatalf("expected only carol's message, got %v", ids(got))
		}
	})

	t.Run("admin delete", func(t *testing.T) {
		m, _, store, b := setup(testAdmin)
		b.Seed(msg("1", "bob", "a"))
		store.InsertAtHead(testRoom, msg("1", "bob", "a"))
		if err := m.AdminDelete(ctx, testRoom, "1"); err != nil {
			t.Fatal(err)
		}
		if store.Has(testRoom, "1") {
			t.Fatal("expected removal")
		}
	})
}
