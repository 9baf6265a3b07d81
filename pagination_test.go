package bullroom

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeViewport struct {
	height float64
	offset float64
}

func (v *fakeViewport) ContentHeight() float64     { return v.height }
func (v *fakeViewport) ScrollOffset() float64      { return v.offset }
func (v *fakeViewport) SetScrollOffset(o float64) { v.offset = o }

func seededBackend(n int) *MemoryBackend {
	b := NewMemoryBackend(nil)
	b.Seed(makeMessages(testRoom, "bob", n, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))...)
	return b
}

func TestLoadMoreBatches(t *testing.T) {
	gb := newGatedBackend(seededBackend(73))
	store := NewStore()
	p := NewPaginationController(store, gb, testUser)
	ctx := context.Background()

	res, err := p.LoadMore(ctx, testRoom, nil)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if res.Added != 50 || !res.HasMore {
		t.Fatalf("expected 50 with more, got %+v", res)
	}
	snap := store.Snapshot(testRoom)
	if snap[0].ID != "73" || snap[49].ID != "24" {
		t.Fatalf("expected newest first 73..24, got %s..%s", snap[0].ID, snap[49].ID)
	}

	res, err = p.LoadMore(ctx, testRoom, nil)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if res.Added != 23 || res.HasMore {
		t.Fatalf("expected final 23, got %+v", res)
	}

	res, err = p.LoadMore(ctx, testRoom, nil)
	if err != nil {
		t.Fatalf("third call: %v", err)
	}
	if !res.Exhausted {
		t.Fatal("expected exhausted result")
	}
	if n := gb.listCalls.Load(); n != 2 {
		t.Fatalf("expected no fetch once exhausted, got %d calls", n)
	}
	if store.Len(testRoom) != 73 {
		t.Fatalf("expected 73 cached, got %d", store.Len(testRoom))
	}
	if st := p.State(testRoom); st.NextOffset != 73 || st.HasMore || st.InFlight {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestLoadMoreBatchSize(t *testing.T) {
	t.Run("anonymous", func(t *testing.T) {
		store := NewStore()
		p := NewPaginationController(store, seededBackend(30), nil)
		res, err := p.LoadMore(context.Background(), testRoom, nil)
		if err != nil {
			t.Fatal(err)
		}
		if res.Added != AnonymousBatchSize || p.BatchSize() != AnonymousBatchSize {
			t.Fatalf("expected %d, got %d", AnonymousBatchSize, res.Added)
		}
	})

	t.Run("short room", func(t *testing.T) {
		p := NewPaginationController(NewStore(), seededBackend(5), testUser)
		res, _ := p.LoadMore(context.Background(), testRoom, nil)
		if res.Added != 5 || res.HasMore {
			t.Fatalf("expected 5 and done, got %+v", res)
		}
	})
}

func TestLoadMoreOverlapWithLiveInserts(t *testing.T) {
	b := seededBackend(60)
	store := NewStore()
	p := NewPaginationController(store, b, testUser)
	ctx := context.Background()

	if _, err := p.LoadMore(ctx, testRoom, nil); err != nil {
		t.Fatal(err)
	}
	// A live message shifts every offset by one.
	live, _ := b.CreateMessage(ctx, NewMessage{RoomID: testRoom, AuthorID: "bob", Body: "live"})
	store.InsertAtHead(testRoom, live)

	res, err := p.LoadMore(ctx, testRoom, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 10 {
		t.Fatalf("expected the overlapping message to be dropped, added %d", res.Added)
	}
	if store.Len(testRoom) != 61 {
		t.Fatalf("expected 61 unique messages, got %d", store.Len(testRoom))
	}
}

func TestLoadMoreInFlight(t *testing.T) {
	gb := newGatedBackend(seededBackend(80))
	gb.listGate = make(chan struct{})
	store := NewStore()
	p := NewPaginationController(store, gb, testUser)

	done := make(chan LoadResult, 1)
	go func() {
		res, _ := p.LoadMore(context.Background(), testRoom, nil)
		done <- res
	}()
	waitFor(t, "fetch to start", func() bool { return gb.listCalls.Load() == 1 })

	res, err := p.LoadMore(context.Background(), testRoom, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped {
		t.Fatalf("expected skipped while in flight, got %+v", res)
	}
	if n := gb.listCalls.Load(); n != 1 {
		t.Fatalf("expected one fetch, got %d", n)
	}
	if !p.State(testRoom).InFlight {
		t.Fatal("expected in-flight state")
	}

	close(gb.listGate)
	if res := <-done; res.Added != 50 {
		t.Fatalf("expected first fetch to land, got %+v", res)
	}
}

func TestLoadMoreDiscardedAfterSwitch(t *testing.T) {
	gb := newGatedBackend(seededBackend(80))
	gb.listGate = make(chan struct{})
	store := NewStore()
	p := NewPaginationController(store, gb, testUser)
	p.Activate(testRoom)

	done := make(chan LoadResult, 1)
	go func() {
		res, _ := p.LoadMore(context.Background(), testRoom, nil)
		done <- res
	}()
	waitFor(t, "fetch to start", func() bool { return gb.listCalls.Load() == 1 })

	p.Activate("random")
	res := <-done
	if !res.Discarded {
		t.Fatalf("expected discarded result, got %+v", res)
	}
	if store.Len(testRoom) != 0 {
		t.Fatal("stale page must not reach the cache")
	}

	res, _ = p.LoadMore(context.Background(), testRoom, nil)
	if !res.Discarded {
		t.Fatal("expected inactive room to be refused")
	}
}

func TestLoadMoreError(t *testing.T) {
	b := seededBackend(60)
	b.FailWith("ListMessages", errors.New("connection reset"))
	store := NewStore()
	p := NewPaginationController(store, b, testUser)

	res, err := p.LoadMore(context.Background(), testRoom, nil)
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if !res.HasMore {
		t.Fatal("a failed page must leave more to load")
	}
	if st := p.State(testRoom); st.InFlight || st.NextOffset != 0 {
		t.Fatalf("expected cursor untouched, got %+v", st)
	}

	b.FailWith("ListMessages", nil)
	res, err = p.LoadMore(context.Background(), testRoom, nil)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Added != 50 {
		t.Fatalf("expected retry to load, got %+v", res)
	}
}

func TestScrollAnchor(t *testing.T) {
	p := NewPaginationController(NewStore(), seededBackend(60), testUser)
	vp := &fakeViewport{height: 1000, offset: 20}

	res, err := p.LoadMore(context.Background(), testRoom, vp)
	if err != nil {
		t.Fatal(err)
	}
	if res.Anchor == nil {
		t.Fatal("expected an anchor when a viewport is given")
	}
	vp.height = 1600
	res.Anchor.Restore(vp)
	if vp.offset != 620 {
		t.Fatalf("expected offset 620, got %v", vp.offset)
	}

	var nilAnchor *ScrollAnchor
	nilAnchor.Restore(vp)
}

func TestNearTop(t *testing.T) {
	p := NewPaginationController(NewStore(), NewMemoryBackend(nil), testUser)
	if !p.NearTop(40) {
		t.Fatal("expected 40 to be near the top")
	}
	if p.NearTop(DefaultNearTopThreshold + 1) {
		t.Fatal("expected offset past threshold to be far")
	}
}
