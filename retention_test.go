package bullroom

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetentionSweeper(t *testing.T) {
	clock := newTestClock()
	b := NewMemoryBackend(nil)
	b.Seed(
		Message{ID: "1", RoomID: testRoom, AuthorID: "bob", Body: "old", CreatedAt: clock.Now().Add(-RetentionWindow - time.Minute)},
		Message{ID: "2", RoomID: testRoom, AuthorID: "bob", Body: "new", CreatedAt: clock.Now().Add(-time.Hour)},
	)

	s, err := NewRetentionSweeper(b, "", WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
	if _, err := b.GetMessage(context.Background(), "1"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatal("expected expired message gone")
	}
	if _, err := b.GetMessage(context.Background(), "2"); err != nil {
		t.Fatal("expected recent message kept")
	}

	next, err := s.Next(time.Date(2026, 3, 1, 12, 3, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("expected next tick %v, got %v", want, next)
	}
}

func TestRetentionSweeperInvalidCron(t *testing.T) {
	if _, err := NewRetentionSweeper(NewMemoryBackend(nil), "every ten minutes"); err == nil {
		t.Fatal("expected invalid cron expression to be rejected")
	}
}

func TestRetentionSweeperRunStops(t *testing.T) {
	s, _ := NewRetentionSweeper(NewMemoryBackend(nil), "* * * * *")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after cancel")
	}
}
