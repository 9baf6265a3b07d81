package bullroom

import (
	"testing"
	"time"
)

func TestStoreInsertAtHead(t *testing.T) {
	t.Run("newest first", func(t *testing.T) {
		s := NewStore()
		s.InsertAtHead(testRoom, msg("1", "alice", "a"))
		s.InsertAtHead(testRoom, msg("2", "alice", "b"))
		if got := s.Snapshot(testRoom); !equalIDs(got, "2", "1") {
			t.Fatalf("expected [2 1], got %v", ids(got))
		}
	})

	t.Run("duplicate id is a no-op", func(t *testing.T) {
		s := NewStore()
		if !s.InsertAtHead(testRoom, msg("1", "alice", "a")) {
			t.Fatal("expected first insert to succeed")
		}
		if s.InsertAtHead(testRoom, msg("1", "alice", "changed")) {
			t.Fatal("expected duplicate insert to be rejected")
		}
		m, _ := s.Get(testRoom, "1")
		if m.Body != "a" {
			t.Fatalf("expected original body, got %q", m.Body)
		}
		if s.Len(testRoom) != 1 {
			t.Fatalf("expected 1 message, got %d", s.Len(testRoom))
		}
	})

	t.Run("rooms are independent", func(t *testing.T) {
		s := NewStore()
		s.InsertAtHead("a", msg("1", "alice", "x"))
		s.InsertAtHead("b", msg("1", "alice", "x"))
		if s.Len("a") != 1 || s.Len("b") != 1 {
			t.Fatal("expected one message per room")
		}
		if rooms := s.Rooms(); len(rooms) != 2 || rooms[0] != "a" || rooms[1] != "b" {
			t.Fatalf("unexpected rooms %v", rooms)
		}
	})
}

func TestStoreAppendPage(t *testing.T) {
	s := NewStore()
	s.InsertAtHead(testRoom, msg("5", "alice", "live"))

	added := s.AppendPage(testRoom, Page{Messages: []Message{msg("5", "alice", "live"), msg("4", "alice", "x"), msg("3", "alice", "y")}, HasMore: true})
	if added != 2 {
		t.Fatalf("expected overlap to be dropped, added %d", added)
	}
	s.AppendPage(testRoom, Page{Messages: []Message{msg("2", "alice", "z")}})
	if got := s.Snapshot(testRoom); !equalIDs(got, "5", "4", "3", "2") {
		t.Fatalf("unexpected timeline %v", ids(got))
	}
}

func TestStoreUpdate(t *testing.T) {
	s := NewStore()
	s.InsertAtHead(testRoom, msg("1", "alice", "a"))

	t.Run("patches in place", func(t *testing.T) {
		ok := s.Update(testRoom, "1", func(m *Message) {
			m.Body = "b"
			m.ID = "renamed"
		})
		if !ok {
			t.Fatal("expected update to apply")
		}
		m, found := s.Get(testRoom, "1")
		if !found || m.Body != "b" {
			t.Fatalf("expected patched body under the same id, got %+v", m)
		}
	})

	t.Run("missing id is a no-op", func(t *testing.T) {
		called := false
		if s.Update(testRoom, "404", func(*Message) { called = true }) {
			t.Fatal("expected false for missing id")
		}
		if called {
			t.Fatal("patch must not run for a missing id")
		}
	})

	t.Run("snapshot is a copy", func(t *testing.T) {
		snap := s.Snapshot(testRoom)
		snap[0].Body = "mutated"
		snap[0].Reactions.Add("🔥", "x")
		m, _ := s.Get(testRoom, "1")
		if m.Body == "mutated" || m.Reactions.Count("🔥") != 0 {
			t.Fatal("snapshot must not alias the cache")
		}
	})
}

func TestStoreReplace(t *testing.T) {
	s := NewStore()
	s.InsertAtHead(testRoom, msg("1", "alice", "old"))
	s.InsertAtHead(testRoom, msg("tmp-x", "alice", "hello"))
	s.InsertAtHead(testRoom, msg("3", "bob", "newer"))

	if !s.Replace(testRoom, "tmp-x", msg("42", "alice", "hello")) {
		t.Fatal("expected replace to succeed")
	}
	if got := s.Snapshot(testRoom); !equalIDs(got, "3", "42", "1") {
		t.Fatalf("expected position to be kept, got %v", ids(got))
	}
	if s.Has(testRoom, "tmp-x") {
		t.Fatal("temporary id must be gone")
	}

	s.InsertAtHead(testRoom, msg("tmp-y", "alice", "again"))
	if s.Replace(testRoom, "tmp-y", msg("42", "alice", "again")) {
		t.Fatal("expected replace onto a cached id to be refused")
	}
}

func TestStoreRemoveAndEvict(t *testing.T) {
	s := NewStore()
	s.InsertAtHead(testRoom, msg("1", "alice", "a"))
	if !s.Remove(testRoom, "1") {
		t.Fatal("expected remove to succeed")
	}
	if s.Remove(testRoom, "1") {
		t.Fatal("expected second remove to be a no-op")
	}
	s.InsertAtHead(testRoom, msg("2", "alice", "b"))
	s.Evict(testRoom)
	if s.Len(testRoom) != 0 || s.Snapshot(testRoom) != nil {
		t.Fatal("expected room to be empty after evict")
	}
}

func TestStoreCheckpointRestore(t *testing.T) {
	s := NewStore()
	m := msg("1", "alice", "a")
	m.Reactions.Add("👍", "bob")
	s.InsertAtHead(testRoom, m)

	cp, ok := s.Checkpoint(testRoom, "1")
	if !ok {
		t.Fatal("expected checkpoint")
	}
	s.Update(testRoom, "1", func(m *Message) {
		m.Reactions.Add("👍", "alice")
		m.Reactions.Add("🔥", "alice")
	})
	s.Restore(cp)

	got, _ := s.Get(testRoom, "1")
	if got.Reactions.Count("👍") != 1 || got.Reactions.Count("🔥") != 0 {
		t.Fatalf("expected exact prior reactions, got %v", got.Reactions)
	}

	t.Run("removed message stays removed", func(t *testing.T) {
		s.Remove(testRoom, "1")
		if s.Restore(cp) {
			t.Fatal("restore must not resurrect a removed message")
		}
		if s.Has(testRoom, "1") {
			t.Fatal("message came back")
		}
	})
}

func TestStoreFindRecent(t *testing.T) {
	clock := newTestClock()
	s := NewStore(WithClock(clock.Now))
	s.InsertAtHead(testRoom, msg("tmp-1", "alice", "hello"))

	match := func(m Message) bool { return m.AuthorID == "alice" && m.Body == "hello" }
	if _, ok := s.FindRecent(testRoom, DedupWindow, match); !ok {
		t.Fatal("expected a match inside the window")
	}
	clock.Advance(DedupWindow + time.Second)
	if _, ok := s.FindRecent(testRoom, DedupWindow, match); ok {
		t.Fatal("expected no match outside the window")
	}
}

func TestStoreFindRecentSkipsHistory(t *testing.T) {
	clock := newTestClock()
	s := NewStore(WithClock(clock.Now))
	s.AppendPage(testRoom, Page{Messages: []Message{msg("7", "bob", "gm")}})

	match := func(m Message) bool { return m.AuthorID == "bob" && m.Body == "gm" }
	if _, ok := s.FindRecent(testRoom, DedupWindow, match); ok {
		t.Fatal("expected backfilled history not to count as a recent arrival")
	}
}

func TestStoreConfirm(t *testing.T) {
	t.Run("swaps placeholder", func(t *testing.T) {
		s := NewStore()
		s.InsertAtHead(testRoom, msg("1", "bob", "older"))
		s.InsertAtHead(testRoom, msg("tmp-x", "alice", "hello"))

		got := s.Confirm(testRoom, "tmp-x", msg("42", "alice", "hello"))
		if got.ID != "42" {
			t.Fatalf("expected confirmed copy, got %s", got.ID)
		}
		if snap := s.Snapshot(testRoom); !equalIDs(snap, "42", "1") {
			t.Fatalf("expected confirmed message in the placeholder slot, got %v", ids(snap))
		}
	})

	t.Run("push landed first", func(t *testing.T) {
		s := NewStore()
		s.InsertAtHead(testRoom, msg("tmp-x", "alice", "hello"))
		pushed := msg("42", "alice", "hello")
		pushed.DisplayName = "Alice from push"
		s.InsertAtHead(testRoom, pushed)

		got := s.Confirm(testRoom, "tmp-x", msg("42", "alice", "hello"))
		if got.DisplayName != "Alice from push" {
			t.Fatalf("expected cached copy to win, got %q", got.DisplayName)
		}
		if snap := s.Snapshot(testRoom); !equalIDs(snap, "42") {
			t.Fatalf("expected exactly one message, got %v", ids(snap))
		}
	})

	t.Run("room evicted", func(t *testing.T) {
		s := NewStore()
		if got := s.Confirm(testRoom, "tmp-x", msg("42", "alice", "hello")); got.ID != "42" {
			t.Fatal("expected the confirmed message back")
		}
		if s.Len(testRoom) != 0 {
			t.Fatal("expected nothing cached for an evicted room")
		}
	})
}

func TestStoreOnChange(t *testing.T) {
	s := NewStore()
	var rooms []string
	s.OnChange(func(roomID string) { rooms = append(rooms, roomID) })

	s.InsertAtHead(testRoom, msg("1", "alice", "a"))
	s.InsertAtHead(testRoom, msg("1", "alice", "a"))
	s.Update(testRoom, "1", func(m *Message) { m.Body = "b" })
	s.Remove(testRoom, "1")

	if len(rooms) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(rooms))
	}
}
