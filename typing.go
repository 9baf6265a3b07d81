package bullroom

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// TypingBroadcastInterval is the minimum spacing between outgoing "typing"
// signals from one client.
const TypingBroadcastInterval = time.Second

// ============================================================================
// Incoming
// ============================================================================

// TypingTracker keeps the set of users currently typing in one room. Each
// entry expires TypingTimeout after its last refresh.
type TypingTracker struct {
	roomID  string
	selfID  string
	emitter *emitter
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*typingEntry
	closed  bool
}

type typingEntry struct {
	identity Identity
	seq      uint64
	timer    *time.Timer
}

// NewTypingTracker creates a tracker for roomID. Signals from session's own
// user are ignored.
func NewTypingTracker(roomID string, session *Session, opts ...Option) *TypingTracker {
	o := buildOptions(opts)
	return &TypingTracker{
		roomID:  roomID,
		selfID:  session.ID(),
		emitter: o.emitter,
		timeout: TypingTimeout,
		entries: make(map[string]*typingEntry),
	}
}

// Apply records a start or stop signal.
func (t *TypingTracker) Apply(sig TypingSignal) {
	if sig.UserID == "" || sig.UserID == t.selfID {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	e, existed := t.entries[sig.UserID]
	changed := false
	if sig.IsTyping {
		if !existed {
			e = &typingEntry{}
			t.entries[sig.UserID] = e
			changed = true
		} else if e.timer != nil {
			e.timer.Stop()
		}
		name := sig.DisplayName
		if name == "" {
			name = FallbackDisplayName
		}
		e.identity = Identity{UserID: sig.UserID, DisplayName: name}
		e.seq++
		seq, userID := e.seq, sig.UserID
		e.timer = time.AfterFunc(t.timeout, func() { t.expire(userID, seq) })
	} else if existed {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(t.entries, sig.UserID)
		changed = true
	}
	t.mu.Unlock()

	if changed {
		t.emitter.emit(NotifyTypingChanged, t.roomID)
	}
}

func (t *TypingTracker) expire(userID string, seq uint64) {
	t.mu.Lock()
	e, ok := t.entries[userID]
	if !ok || e.seq != seq {
		t.mu.Unlock()
		return
	}
	delete(t.entries, userID)
	t.mu.Unlock()
	t.emitter.emit(NotifyTypingChanged, t.roomID)
}

// Users returns who is typing, ordered by display name.
func (t *TypingTracker) Users() []Identity {
	t.mu.Lock()
	out := make([]Identity, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.identity)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].UserID < out[j].UserID
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// Close stops all expiry timers and ignores further signals.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, e := range t.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(t.entries, id)
	}
}

// ============================================================================
// Outgoing
// ============================================================================

// typingBroadcaster sends the local user's typing state, throttling repeated
// "typing" signals. "Stopped" signals are always sent.
type typingBroadcaster struct {
	transport Transport
	session   *Session
	roomID    string
	limiter   *rate.Limiter
	logger    zerolog.Logger

	mu     sync.Mutex
	typing bool
}

func newTypingBroadcaster(transport Transport, session *Session, roomID string, logger zerolog.Logger) *typingBroadcaster {
	return &typingBroadcaster{
		transport: transport,
		session:   session,
		roomID:    roomID,
		limiter:   rate.NewLimiter(rate.Every(TypingBroadcastInterval), 1),
		logger:    logger,
	}
}

func (b *typingBroadcaster) set(ctx context.Context, isTyping bool) error {
	if !b.session.Authenticated() || b.transport == nil {
		return nil
	}
	b.mu.Lock()
	wasTyping := b.typing
	b.typing = isTyping
	b.mu.Unlock()

	if isTyping && !b.limiter.Allow() {
		return nil
	}
	if !isTyping && !wasTyping {
		return nil
	}
	sig := TypingSignal{
		RoomID:      b.roomID,
		UserID:      b.session.UserID,
		DisplayName: b.session.DisplayName,
		IsTyping:    isTyping,
	}
	if err := b.transport.Broadcast(ctx, b.roomID, sig); err != nil {
		b.logger.Debug().Err(err).Str("room_id", b.roomID).Msg("typing_broadcast_failed")
		return err
	}
	return nil
}
