package bullroom

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ModerationBackend is the system of record for restrictions and purges.
type ModerationBackend interface {
	ListRestrictions(ctx context.Context) ([]MuteRestriction, error)
	// GetRestriction returns nil, nil when the user has no restriction.
	GetRestriction(ctx context.Context, userID string) (*MuteRestriction, error)
	CreateRestriction(ctx context.Context, r MuteRestriction) error
	DeleteRestriction(ctx context.Context, userID string) error
	// DeleteMessagesFrom removes every message by userID in roomID and
	// returns the deleted ids.
	DeleteMessagesFrom(ctx context.Context, userID, roomID string) ([]string, error)
}

// ============================================================================
// Tracker
// ============================================================================

// ModerationTracker holds the current set of mute restrictions. Reads are
// synchronous; the set is kept current by Apply.
type ModerationTracker struct {
	backend ModerationBackend
	logger  zerolog.Logger
	now     func() time.Time
	emitter *emitter

	mu           sync.RWMutex
	restrictions map[string]MuteRestriction
}

// NewModerationTracker creates a tracker. A nil backend means nothing is
// loaded on Activate and only pushed events populate the set.
func NewModerationTracker(backend ModerationBackend, opts ...Option) *ModerationTracker {
	o := buildOptions(opts)
	return &ModerationTracker{
		backend:      backend,
		logger:       o.logger,
		now:          o.now,
		emitter:      o.emitter,
		restrictions: make(map[string]MuteRestriction),
	}
}

// Activate loads the restriction state visible to session. Admins load the
// full set, signed-in users their own row, anonymous visitors nothing.
func (t *ModerationTracker) Activate(ctx context.Context, session *Session) error {
	loaded := make(map[string]MuteRestriction)
	switch {
	case t.backend == nil || !session.Authenticated():
	case session.IsAdmin():
		rs, err := t.backend.ListRestrictions(ctx)
		if err != nil {
			return fmt.Errorf("load restrictions: %w", err)
		}
		for _, r := range rs {
			loaded[r.UserID] = r
		}
	default:
		r, err := t.backend.GetRestriction(ctx, session.UserID)
		if err != nil && !errors.Is(err, ErrRecordNotFound) {
			return fmt.Errorf("load own restriction: %w", err)
		}
		if r != nil {
			loaded[r.UserID] = *r
		}
	}

	t.mu.Lock()
	t.restrictions = loaded
	t.mu.Unlock()

	t.logger.Debug().Int("restrictions", len(loaded)).Str("user_id", session.ID()).Msg("moderation_activated")
	t.emitter.emit(NotifyMuteChanged, session.ID())
	return nil
}

// Apply folds a restriction event into the set. Other events are ignored.
func (t *ModerationTracker) Apply(ev Event) {
	var userID string
	switch e := ev.(type) {
	case RestrictionInserted:
		userID = e.Restriction.UserID
		t.mu.Lock()
		t.restrictions[userID] = e.Restriction
		t.mu.Unlock()
	case RestrictionDeleted:
		userID = e.Old.UserID
		t.mu.Lock()
		_, had := t.restrictions[userID]
		delete(t.restrictions, userID)
		t.mu.Unlock()
		if !had {
			return
		}
	default:
		return
	}
	t.emitter.emit(NotifyMuteChanged, userID)
}

// IsMuted reports whether userID has a restriction in force right now.
func (t *ModerationTracker) IsMuted(userID string) bool {
	t.mu.RLock()
	r, ok := t.restrictions[userID]
	t.mu.RUnlock()
	return ok && r.ActiveAt(t.now())
}

// Restriction returns the active restriction for userID, if any.
func (t *ModerationTracker) Restriction(userID string) (MuteRestriction, bool) {
	t.mu.RLock()
	r, ok := t.restrictions[userID]
	t.mu.RUnlock()
	if !ok || !r.ActiveAt(t.now()) {
		return MuteRestriction{}, false
	}
	return r, true
}

// MutedUsers lists active restrictions ordered by user id.
func (t *ModerationTracker) MutedUsers() []MuteRestriction {
	now := t.now()
	t.mu.RLock()
	out := make([]MuteRestriction, 0, len(t.restrictions))
	for _, r := range t.restrictions {
		if r.ActiveAt(now) {
			out = append(out, r)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// ============================================================================
// Moderator
// ============================================================================

// Moderator performs admin actions. Every call requires an admin session.
type Moderator struct {
	session *Session
	backend Backend
	mod     ModerationBackend
	tracker *ModerationTracker
	store   *Store
	logger  zerolog.Logger
	now     func() time.Time
	metrics *Metrics
}

// NewModerator wires the admin operations to their collaborators.
func NewModerator(session *Session, backend Backend, mod ModerationBackend, tracker *ModerationTracker, store *Store, opts ...Option) *Moderator {
	o := buildOptions(opts)
	return &Moderator{
		session: session,
		backend: backend,
		mod:     mod,
		tracker: tracker,
		store:   store,
		logger:  o.logger,
		now:     o.now,
		metrics: o.metrics,
	}
}

func (m *Moderator) authorize(op string) error {
	if !m.session.IsAdmin() {
		return newMutationError(op, CodeForbidden, "admin session required", nil)
	}
	return nil
}

// Mute restricts userID. A nil durationHours mutes indefinitely.
func (m *Moderator) Mute(ctx context.Context, userID, reason string, durationHours *int) (err error) {
	const op = "mute"
	defer func() { m.metrics.mutation(op, err) }()
	if err := m.authorize(op); err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return newMutationError(op, CodeValidation, "user id is required", nil)
	}
	now := m.now().UTC()
	r := MuteRestriction{UserID: userID, Reason: strings.TrimSpace(reason), CreatedAt: now}
	if durationHours != nil {
		if *durationHours <= 0 {
			return newMutationError(op, CodeValidation, "duration must be positive", nil)
		}
		exp := now.Add(time.Duration(*durationHours) * time.Hour)
		r.ExpiresAt = &exp
	}
	if err := m.mod.CreateRestriction(ctx, r); err != nil {
		m.logger.Warn().Err(err).Str("user_id", userID).Msg("mute_failed")
		return remoteError(op, err)
	}
	m.tracker.Apply(RestrictionInserted{Restriction: r})
	m.logger.Info().Str("user_id", userID).Str("by", m.session.UserID).Msg("user_muted")
	return nil
}

// Unmute lifts any restriction on userID.
func (m *Moderator) Unmute(ctx context.Context, userID string) (err error) {
	const op = "unmute"
	defer func() { m.metrics.mutation(op, err) }()
	if err := m.authorize(op); err != nil {
		return err
	}
	if err := m.mod.DeleteRestriction(ctx, userID); err != nil && !errors.Is(err, ErrRecordNotFound) {
		m.logger.Warn().Err(err).Str("user_id", userID).Msg("unmute_failed")
		return remoteError(op, err)
	}
	m.tracker.Apply(RestrictionDeleted{Old: MuteRestriction{UserID: userID}})
	m.logger.Info().Str("user_id", userID).Str("by", m.session.UserID).Msg("user_unmuted")
	return nil
}

// AdminDelete removes any message regardless of author.
func (m *Moderator) AdminDelete(ctx context.Context, roomID, messageID string) (err error) {
	const op = "admin_delete"
	defer func() { m.metrics.mutation(op, err) }()
	if err := m.authorize(op); err != nil {
		return err
	}
	if err := m.backend.DeleteMessage(ctx, messageID); err != nil && !errors.Is(err, ErrRecordNotFound) {
		return remoteError(op, err)
	}
	m.store.Remove(roomID, messageID)
	return nil
}

// DeleteAllFrom purges every message by userID in roomID and returns how
// many the system of record deleted.
func (m *Moderator) DeleteAllFrom(ctx context.Context, userID, roomID string) (n int, err error) {
	const op = "purge"
	defer func() { m.metrics.mutation(op, err) }()
	if err := m.authorize(op); err != nil {
		return 0, err
	}
	ids, err := m.mod.DeleteMessagesFrom(ctx, userID, roomID)
	if err != nil {
		return 0, remoteError(op, err)
	}
	for _, id := range ids {
		m.store.Remove(roomID, id)
	}
	m.logger.Info().Str("user_id", userID).Str("room_id", roomID).Int("deleted", len(ids)).Msg("messages_purged")
	return len(ids), nil
}
