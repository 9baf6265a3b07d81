package bullroom

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// ReactionToggler flips the signed-in user's reaction on a message.
type ReactionToggler struct {
	store   *Store
	backend Backend
	session *Session
	logger  zerolog.Logger
	metrics *Metrics
}

// NewReactionToggler creates a toggler for session.
func NewReactionToggler(store *Store, backend Backend, session *Session, opts ...Option) *ReactionToggler {
	o := buildOptions(opts)
	return &ReactionToggler{
		store:   store,
		backend: backend,
		session: session,
		logger:  o.logger,
		metrics: o.metrics,
	}
}

// Toggle adds the reaction when absent and removes it when present. added
// reports the resulting state. Anonymous sessions get a silent no-op. When
// the remote write fails, the message is restored to its exact prior state.
func (r *ReactionToggler) Toggle(ctx context.Context, roomID, messageID, emoji string) (added bool, err error) {
	const op = "react"
	if !r.session.Authenticated() {
		return false, nil
	}
	defer func() { r.metrics.mutation(op, err) }()

	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return false, newMutationError(op, CodeValidation, "emoji is required", nil)
	}
	cp, ok := r.store.Checkpoint(roomID, messageID)
	if !ok {
		return false, newMutationError(op, CodeNotFound, "message no longer exists", nil)
	}
	if cp.Message.IsProvisional() {
		return false, newMutationError(op, CodeValidation, "message is still sending", nil)
	}
	userID := r.session.UserID
	added = !cp.Message.Reactions.Has(emoji, userID)

	r.store.Update(roomID, messageID, func(m *Message) {
		if added {
			m.Reactions.Add(emoji, userID)
		} else {
			m.Reactions.Remove(emoji, userID)
		}
	})

	edge := ReactionEdge{MessageID: messageID, UserID: userID, Emoji: emoji}
	if added {
		err = r.backend.AddReaction(ctx, edge)
	} else {
		err = r.backend.RemoveReaction(ctx, edge)
	}
	if err != nil {
		r.store.Restore(cp)
		r.logger.Warn().Err(err).
			Str("room_id", roomID).
			Str("message_id", messageID).
			Str("emoji", emoji).
			Bool("added", added).
			Msg("reaction_rolled_back")
		return !added, remoteError(op, err)
	}
	return added, nil
}
