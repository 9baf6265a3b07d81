package bullroom

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testRoom = "general"

var (
	testUser  = &Session{UserID: "alice", DisplayName: "Alice"}
	testOther = &Session{UserID: "bob", DisplayName: "Bob"}
	testAdmin = &Session{UserID: "mod", DisplayName: "Mod", Role: RoleAdmin}
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// makeMessages returns n messages oldest first with ids "1".."n".
func makeMessages(roomID, author string, n int, start time.Time) []Message {
	out := make([]Message, n)
	for i := range out {
		out[i] = Message{
			ID:        strconv.Itoa(i + 1),
			RoomID:    roomID,
			AuthorID:  author,
			Body:      "message " + strconv.Itoa(i+1),
			Kind:      KindText,
			Reactions: make(Reactions),
			CreatedAt: start.Add(time.Duration(i) * time.Second),
			UpdatedAt: start.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

func msg(id, author, body string) Message {
	return Message{ID: id, RoomID: testRoom, AuthorID: author, Body: body, Kind: KindText, Reactions: make(Reactions)}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equalIDs(got []Message, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i].ID != want[i] {
			return false
		}
	}
	return true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// gatedBackend wraps a MemoryBackend and can hold ListMessages and
// CreateMessage until released.
type gatedBackend struct {
	*MemoryBackend
	listCalls  atomic.Int32
	listGate   chan struct{}
	createGate chan struct{}
}

func newGatedBackend(b *MemoryBackend) *gatedBackend {
	return &gatedBackend{MemoryBackend: b}
}

func (g *gatedBackend) ListMessages(ctx context.Context, roomID string, limit, offset int) ([]Message, error) {
	g.listCalls.Add(1)
	if g.listGate != nil {
		select {
		case <-g.listGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.MemoryBackend.ListMessages(ctx, roomID, limit, offset)
}

func (g *gatedBackend) CreateMessage(ctx context.Context, in NewMessage) (Message, error) {
	if g.createGate != nil {
		select {
		case <-g.createGate:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
	return g.MemoryBackend.CreateMessage(ctx, in)
}
