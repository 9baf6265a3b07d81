package bullroom

import (
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestLimiterPool(t *testing.T) {
	clock := newTestClock()
	p := newLimiterPool(rate.Every(time.Second), 2, clock.Now)
	defer p.Shutdown()

	if !p.Allow("alice") || !p.Allow("alice") {
		t.Fatal("expected burst to pass")
	}
	if p.Allow("alice") {
		t.Fatal("expected third call to be limited")
	}
	if !p.Allow("bob") {
		t.Fatal("expected keys to be independent")
	}
	clock.Advance(time.Second)
	if !p.Allow("alice") {
		t.Fatal("expected a token after one interval")
	}

	t.Run("sweep drops idle keys", func(t *testing.T) {
		clock.Advance(11 * time.Minute)
		p.Allow("carol")
		p.sweep()
		if p.size() != 1 {
			t.Fatalf("expected only carol left, got %d", p.size())
		}
	})
}
