package bullroom

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

type countingProfiles struct {
	calls int
	err   error
}

func (c *countingProfiles) LookupProfile(_ context.Context, userID string) (Identity, error) {
	c.calls++
	if c.err != nil {
		return Identity{}, c.err
	}
	return Identity{UserID: userID, DisplayName: "User " + userID}, nil
}

func TestIdentityResolver(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	src := &countingProfiles{}
	r := NewIdentityResolver(src, WithClock(clock.Now))

	if id, ok := r.Cached("bob"); ok || id.DisplayName != FallbackDisplayName {
		t.Fatalf("expected fallback on miss, got %+v", id)
	}
	if id := r.Resolve(ctx, "bob"); id.DisplayName != "User bob" {
		t.Fatalf("unexpected identity %+v", id)
	}
	r.Resolve(ctx, "bob")
	if src.calls != 1 {
		t.Fatalf("expected one lookup, got %d", src.calls)
	}

	clock.Advance(defaultIdentityTTL)
	r.Resolve(ctx, "bob")
	if src.calls != 2 {
		t.Fatalf("expected refresh after ttl, got %d lookups", src.calls)
	}

	t.Run("failure degrades without caching", func(t *testing.T) {
		src.err = errors.New("down")
		if id := r.Resolve(ctx, "carol"); id.DisplayName != FallbackDisplayName {
			t.Fatalf("expected fallback, got %+v", id)
		}
		src.err = nil
		if id := r.Resolve(ctx, "carol"); id.DisplayName != "User carol" {
			t.Fatalf("expected retry to resolve, got %+v", id)
		}
	})
}

func TestIdentityResolverCapacity(t *testing.T) {
	r := NewIdentityResolver(nil)
	for i := 0; i <= defaultIdentityCapacity; i++ {
		r.Prime(Identity{UserID: strconv.Itoa(i), DisplayName: "n"})
	}
	if _, ok := r.Cached("0"); ok {
		t.Fatal("expected oldest entry evicted")
	}
	if _, ok := r.Cached(strconv.Itoa(defaultIdentityCapacity)); !ok {
		t.Fatal("expected newest entry cached")
	}
	if id := r.Resolve(context.Background(), "nobody"); id.DisplayName != FallbackDisplayName {
		t.Fatal("expected nil source to resolve to the fallback")
	}
}

// gatedProfiles blocks every lookup until release is closed.
type gatedProfiles struct {
	calls   atomic.Int32
	release chan struct{}
}

func (g *gatedProfiles) LookupProfile(ctx context.Context, userID string) (Identity, error) {
	g.calls.Add(1)
	<-g.release
	return Identity{UserID: userID, DisplayName: "User " + userID}, nil
}

func TestIdentityResolverSharesLookups(t *testing.T) {
	src := &gatedProfiles{release: make(chan struct{})}
	r := NewIdentityResolver(src)

	const readers = 50
	var wg sync.WaitGroup
	results := make([]Identity, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Resolve(context.Background(), "bob")
		}(i)
	}
	waitFor(t, "first lookup", func() bool { return src.calls.Load() == 1 })
	close(src.release)
	wg.Wait()

	if n := src.calls.Load(); n != 1 {
		t.Fatalf("expected one lookup for %d readers, got %d", readers, n)
	}
	for i, id := range results {
		if id.DisplayName != "User bob" {
			t.Fatalf("reader %d got %+v", i, id)
		}
	}
}
