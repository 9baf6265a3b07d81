//go:build integration

package bullroom_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bullcommunity/bullroom"
)

func redisAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("BULLROOM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Fatal("BULLROOM_TEST_REDIS_ADDR environment variable is required")
	}
	return addr
}

func TestRedisTransport(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := bullroom.NewRedisClient(ctx, redisAddr(t), os.Getenv("BULLROOM_TEST_REDIS_PASSWORD"), 0)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	tr := bullroom.NewRedisTransport(client)
	channel := "it-" + uuid.NewString()[:8]

	sub, err := tr.Subscribe(ctx, channel)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	sent := bullroom.MessageInserted{Record: bullroom.Message{ID: "12", RoomID: channel, AuthorID: "it-alice", Body: "over redis", Kind: bullroom.KindText}}
	if err := tr.Publish(ctx, channel, sent); err != nil {
		t.Fatal(err)
	}
	if err := tr.Broadcast(ctx, channel, bullroom.TypingSignal{UserID: "it-alice", IsTyping: true}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-sub.Events():
		got, ok := ev.(bullroom.MessageInserted)
		if !ok || got.Record.ID != "12" || got.Record.Body != "over redis" {
			t.Fatalf("unexpected event %#v", ev)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}
	select {
	case ev := <-sub.Events():
		got, ok := ev.(bullroom.TypingChanged)
		if !ok || got.Signal.RoomID != channel || !got.Signal.IsTyping {
			t.Fatalf("unexpected event %#v", ev)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for typing signal")
	}

	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected events channel closed")
	}
}
