package bullroom

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Backend is the system of record for messages and reactions.
type Backend interface {
	CreateMessage(ctx context.Context, msg NewMessage) (Message, error)
	EditMessage(ctx context.Context, id, body string) (Message, error)
	DeleteMessage(ctx context.Context, id string) error
	// ListMessages returns up to limit messages, newest first, skipping offset.
	ListMessages(ctx context.Context, roomID string, limit, offset int) ([]Message, error)
	// AddReaction and RemoveReaction are idempotent.
	AddReaction(ctx context.Context, edge ReactionEdge) error
	RemoveReaction(ctx context.Context, edge ReactionEdge) error
}

// SendRequest is the input to Mutator.Send.
type SendRequest struct {
	RoomID     string
	Body       string
	ReplyToID  string
	Attachment *Attachment
}

// Confirmation is the payload of NotifyMessageConfirmed.
type Confirmation struct {
	TempID  string
	Message Message
}

// SendFailure is the payload of NotifyMessageFailed.
type SendFailure struct {
	RoomID string
	TempID string
	Err    error
}

// Mutator runs the optimistic send, edit and delete pipelines against one
// session.
type Mutator struct {
	store    *Store
	backend  Backend
	tracker  *ModerationTracker
	resolver *IdentityResolver
	session  *Session

	logger  zerolog.Logger
	now     func() time.Time
	metrics *Metrics
	emitter *emitter
}

// NewMutator creates a coordinator. tracker and resolver may be nil.
func NewMutator(store *Store, backend Backend, tracker *ModerationTracker, resolver *IdentityResolver, session *Session, opts ...Option) *Mutator {
	o := buildOptions(opts)
	return &Mutator{
		store:    store,
		backend:  backend,
		tracker:  tracker,
		resolver: resolver,
		session:  session,
		logger:   o.logger,
		now:      o.now,
		metrics:  o.metrics,
		emitter:  o.emitter,
	}
}

func validateBody(op, body string, allowEmpty bool) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" && !allowEmpty {
		return "", newMutationError(op, CodeValidation, "message cannot be empty", nil)
	}
	if n := utf8.RuneCountInString(body); n > MaxBodyLength {
		return "", newMutationError(op, CodeValidation,
			fmt.Sprintf("message is %d characters, the limit is %d", n, MaxBodyLength), nil)
	}
	return body, nil
}

// ── Send ─────────────────────────────────────────────────

// Send shows the message immediately under a temporary id and then creates
// it remotely. On success the temporary entry becomes the confirmed message;
// on failure it is withdrawn. Sends are never retried.
func (m *Mutator) Send(ctx context.Context, req SendRequest) (msg Message, err error) {
	const op = "send"
	defer func() { m.metrics.mutation(op, err) }()

	body, err := validateBody(op, req.Body, req.Attachment != nil)
	if err != nil {
		return Message{}, err
	}
	if req.Attachment != nil && strings.TrimSpace(req.Attachment.URL) == "" {
		return Message{}, newMutationError(op, CodeValidation, "attachment has no url", nil)
	}
	if !m.session.Authenticated() {
		return Message{}, newMutationError(op, CodeValidation, "sign in to send messages", nil)
	}
	if m.tracker != nil && m.tracker.IsMuted(m.session.UserID) {
		return Message{}, newMutationError(op, CodeMuted, "you are muted in this room", nil)
	}

	ident := m.identity()
	now := m.now().UTC()
	kind := KindText
	if req.Attachment != nil {
		kind = req.Attachment.Kind()
	}
	provisional := Message{
		ID:          tempIDPrefix + uuid.NewString(),
		RoomID:      req.RoomID,
		AuthorID:    m.session.UserID,
		DisplayName: ident.DisplayName,
		AvatarURL:   ident.AvatarURL,
		Body:        body,
		Kind:        kind,
		Attachment:  req.Attachment,
		ReplyToID:   req.ReplyToID,
		Reactions:   make(Reactions),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.store.InsertAtHead(req.RoomID, provisional)
	m.emitter.emit(NotifyMessageLocal, provisional.Clone())

	confirmed, err := m.backend.CreateMessage(ctx, NewMessage{
		RoomID:     req.RoomID,
		AuthorID:   m.session.UserID,
		Body:       body,
		Kind:       kind,
		Attachment: req.Attachment,
		ReplyToID:  req.ReplyToID,
	})
	if err != nil {
		m.store.Remove(req.RoomID, provisional.ID)
		m.logger.Warn().Err(err).Str("room_id", req.RoomID).Str("temp_id", provisional.ID).Msg("send_failed")
		merr := remoteError(op, err)
		m.emitter.emit(NotifyMessageFailed, SendFailure{RoomID: req.RoomID, TempID: provisional.ID, Err: merr})
		return Message{}, merr
	}

	if confirmed.DisplayName == "" {
		confirmed.DisplayName = provisional.DisplayName
	}
	if confirmed.AvatarURL == "" {
		confirmed.AvatarURL = provisional.AvatarURL
	}
	if confirmed.Reactions == nil {
		confirmed.Reactions = make(Reactions)
	}
	// The push event may have landed first; whichever copy is cached wins.
	confirmed = m.store.Confirm(req.RoomID, provisional.ID, confirmed)
	m.logger.Debug().Str("room_id", req.RoomID).Str("temp_id", provisional.ID).Str("message_id", confirmed.ID).Msg("message_confirmed")
	m.emitter.emit(NotifyMessageConfirmed, Confirmation{TempID: provisional.ID, Message: confirmed.Clone()})
	return confirmed, nil
}

func (m *Mutator) identity() Identity {
	var ident Identity
	if m.resolver != nil {
		ident, _ = m.resolver.Cached(m.session.UserID)
	} else {
		ident = fallbackIdentity(m.session.UserID)
	}
	if ident.DisplayName == FallbackDisplayName && m.session.DisplayName != "" {
		ident.DisplayName = m.session.DisplayName
	}
	return ident
}

// ── Edit ─────────────────────────────────────────────────

// Edit changes the body of a cached message. The cache is only patched once
// the system of record accepts the change.
func (m *Mutator) Edit(ctx context.Context, roomID, id, body string) (msg Message, err error) {
	const op = "edit"
	defer func() { m.metrics.mutation(op, err) }()

	body, err = validateBody(op, body, false)
	if err != nil {
		return Message{}, err
	}
	if !m.store.Has(roomID, id) {
		return Message{}, newMutationError(op, CodeNotFound, "message no longer exists", nil)
	}
	if strings.HasPrefix(id, tempIDPrefix) {
		return Message{}, newMutationError(op, CodeValidation, "message is still sending", nil)
	}

	updated, err := m.backend.EditMessage(ctx, id, body)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			m.store.Remove(roomID, id)
		}
		m.logger.Warn().Err(err).Str("room_id", roomID).Str("message_id", id).Msg("edit_failed")
		return Message{}, remoteError(op, err)
	}

	at := updated.UpdatedAt
	if at.IsZero() {
		at = m.now().UTC()
	}
	m.store.Update(roomID, id, func(cached *Message) {
		cached.Body = body
		cached.Edited = true
		cached.UpdatedAt = at
	})
	msg, _ = m.store.Get(roomID, id)
	return msg, nil
}

// ── Delete ───────────────────────────────────────────────

// Delete removes the message locally and then remotely. A remote failure is
// reported but the message is not restored.
func (m *Mutator) Delete(ctx context.Context, roomID, id string) (err error) {
	const op = "delete"
	defer func() { m.metrics.mutation(op, err) }()

	if !m.store.Remove(roomID, id) {
		return newMutationError(op, CodeNotFound, "message no longer exists", nil)
	}
	if strings.HasPrefix(id, tempIDPrefix) {
		return nil
	}
	if err := m.backend.DeleteMessage(ctx, id); err != nil && !errors.Is(err, ErrRecordNotFound) {
		m.logger.Error().Err(err).Str("room_id", roomID).Str("message_id", id).Msg("delete_failed")
		return newMutationError(op, CodeNetwork, "delete failed, the message may reappear", err)
	}
	return nil
}
