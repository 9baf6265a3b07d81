package bullroom

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const enrichTimeout = 10 * time.Second

// Reconciler folds push events into the cache. Every step is idempotent and
// tolerates reordering; nothing here surfaces an error to the user.
type Reconciler struct {
	store    *Store
	resolver *IdentityResolver
	tracker  *ModerationTracker
	typing   *TypingTracker
	session  *Session

	logger  zerolog.Logger
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler creates a reconciler. resolver, tracker and typing are
// optional; events for a missing collaborator are dropped.
func NewReconciler(store *Store, resolver *IdentityResolver, tracker *ModerationTracker, typing *TypingTracker, session *Session, opts ...Option) *Reconciler {
	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		store:    store,
		resolver: resolver,
		tracker:  tracker,
		typing:   typing,
		session:  session,
		logger:   o.logger,
		metrics:  o.metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Apply reconciles one event for roomID.
func (r *Reconciler) Apply(roomID string, ev Event) {
	if ev == nil {
		return
	}
	outcome := r.apply(roomID, ev)
	r.metrics.event(ev.Kind(), outcome)
	if outcome != "applied" {
		r.logger.Debug().Str("room_id", roomID).Str("kind", ev.Kind()).Str("outcome", outcome).Msg("event_skipped")
	}
}

func (r *Reconciler) apply(roomID string, ev Event) string {
	switch e := ev.(type) {
	case MessageInserted:
		return r.insert(roomID, e.Record)

	case MessageUpdated:
		rec := e.Record
		ok := r.store.Update(roomID, rec.ID, func(m *Message) {
			m.Edited = rec.Edited || rec.Body != m.Body
			m.Body = rec.Body
			if !rec.UpdatedAt.IsZero() {
				m.UpdatedAt = rec.UpdatedAt
			}
			if rec.Attachment != nil {
				a := *rec.Attachment
				m.Attachment = &a
			}
		})
		return outcomeOf(ok)

	case MessageDeleted:
		return outcomeOf(r.store.Remove(roomID, e.Old.ID))

	case ReactionInserted:
		if e.Edge.UserID == r.session.ID() {
			return "own_echo"
		}
		changed := false
		r.store.Update(roomID, e.Edge.MessageID, func(m *Message) {
			changed = m.Reactions.Add(e.Edge.Emoji, e.Edge.UserID)
		})
		return outcomeOf(changed)

	case ReactionDeleted:
		changed := false
		r.store.Update(roomID, e.Old.MessageID, func(m *Message) {
			changed = m.Reactions.Remove(e.Old.Emoji, e.Old.UserID)
		})
		return outcomeOf(changed)

	case RestrictionInserted, RestrictionDeleted:
		if r.tracker == nil {
			return "unhandled"
		}
		r.tracker.Apply(e)
		return "applied"

	case TypingChanged:
		if r.typing == nil {
			return "unhandled"
		}
		if e.Signal.RoomID != "" && e.Signal.RoomID != roomID {
			return "foreign"
		}
		r.typing.Apply(e.Signal)
		return "applied"

	default:
		r.logger.Warn().Str("room_id", roomID).Str("kind", ev.Kind()).Msg("unknown_event")
		return "unknown"
	}
}

func outcomeOf(changed bool) string {
	if changed {
		return "applied"
	}
	return "noop"
}

func (r *Reconciler) insert(roomID string, rec Message) string {
	if rec.RoomID != "" && rec.RoomID != roomID {
		return "foreign"
	}
	rec.RoomID = roomID
	if r.store.Has(roomID, rec.ID) {
		return "duplicate"
	}
	// A provisional send and its push echo can race; the content guard keeps
	// the timeline to a single copy.
	if _, dup := r.store.FindRecent(roomID, DedupWindow, func(m Message) bool {
		return m.AuthorID == rec.AuthorID && m.Body == rec.Body
	}); dup {
		return "duplicate"
	}
	if rec.Reactions == nil {
		rec.Reactions = make(Reactions)
	}
	resolved := rec.DisplayName != ""
	if !resolved {
		var ident Identity
		if r.resolver != nil {
			ident, resolved = r.resolver.Cached(rec.AuthorID)
		} else {
			ident = fallbackIdentity(rec.AuthorID)
		}
		rec.DisplayName = ident.DisplayName
		rec.AvatarURL = ident.AvatarURL
	}
	if !r.store.InsertAtHead(roomID, rec) {
		return "duplicate"
	}
	if !resolved && r.resolver != nil {
		r.enrich(roomID, rec.ID, rec.AuthorID)
	}
	return "applied"
}

func (r *Reconciler) enrich(roomID, messageID, userID string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.ctx, enrichTimeout)
		defer cancel()
		ident := r.resolver.Resolve(ctx, userID)
		if ident.DisplayName == FallbackDisplayName && ident.AvatarURL == "" {
			return
		}
		r.store.Update(roomID, messageID, func(m *Message) {
			m.DisplayName = ident.DisplayName
			m.AvatarURL = ident.AvatarURL
		})
	}()
}

// Wait blocks until pending identity lookups finish.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// Close cancels pending identity lookups and waits for them.
func (r *Reconciler) Close() {
	r.cancel()
	r.wg.Wait()
}
