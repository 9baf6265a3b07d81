package bullroom

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Publisher fans change events out to subscribers of a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, ev Event) error
}

// RoomDirectory exposes room metadata kept by the content collaborator.
type RoomDirectory interface {
	ListRooms(ctx context.Context) ([]RoomInfo, error)
	// GetRoom accepts a room id or slug.
	GetRoom(ctx context.Context, ref string) (RoomInfo, error)
}

// ============================================================================
// MemoryBackend
// ============================================================================

// MemoryBackend is a goroutine-safe in-process system of record. It
// implements Backend, ModerationBackend, ProfileSource, RoomDirectory and
// Purger. When a Publisher is set, every successful write is published.
type MemoryBackend struct {
	mu           sync.RWMutex
	rooms        map[string]RoomInfo
	messages     map[string]*Message
	order        map[string][]string // room → ids, oldest first
	profiles     map[string]Identity
	restrictions map[string]MuteRestriction
	failures     map[string]error
	nextID       int64

	publisher Publisher
	now       func() time.Time
	logger    zerolog.Logger
}

// NewMemoryBackend creates an empty backend. publisher may be nil.
func NewMemoryBackend(publisher Publisher, opts ...Option) *MemoryBackend {
	o := buildOptions(opts)
	return &MemoryBackend{
		rooms:        make(map[string]RoomInfo),
		messages:     make(map[string]*Message),
		order:        make(map[string][]string),
		profiles:     make(map[string]Identity),
		restrictions: make(map[string]MuteRestriction),
		failures:     make(map[string]error),
		nextID:       1,
		publisher:    publisher,
		now:          o.now,
		logger:       o.logger,
	}
}

// ── Test hooks ───────────────────────────────────────────

// FailWith makes every call of the named method return err until cleared
// with a nil err. Method names are the interface method names.
func (b *MemoryBackend) FailWith(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, method)
		return
	}
	b.failures[method] = err
}

// SetNextID sets the id assigned to the next created message.
func (b *MemoryBackend) SetNextID(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID = n
}

// Seed stores messages as-is, without publishing. Messages are taken oldest
// first.
func (b *MemoryBackend) Seed(msgs ...Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range msgs {
		m := m.Clone()
		if m.Reactions == nil {
			m.Reactions = make(Reactions)
		}
		if m.Kind == "" {
			m.Kind = KindText
		}
		b.messages[m.ID] = &m
		b.order[m.RoomID] = append(b.order[m.RoomID], m.ID)
		if n, err := strconv.ParseInt(m.ID, 10, 64); err == nil && n >= b.nextID {
			b.nextID = n + 1
		}
	}
}

// PutRoom stores room metadata.
func (b *MemoryBackend) PutRoom(r RoomInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rooms[r.ID] = r
}

// PutProfile stores a profile served by LookupProfile.
func (b *MemoryBackend) PutProfile(id Identity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.profiles[id.UserID] = id
}

func (b *MemoryBackend) failure(method string) error {
	return b.failures[method]
}

func (b *MemoryBackend) publish(ctx context.Context, channel string, ev Event) {
	if b.publisher == nil {
		return
	}
	if err := b.publisher.Publish(ctx, channel, ev); err != nil {
		b.logger.Warn().Err(err).Str("channel", channel).Str("kind", ev.Kind()).Msg("publish_failed")
	}
}

// ── Backend ──────────────────────────────────────────────

func (b *MemoryBackend) CreateMessage(ctx context.Context, in NewMessage) (Message, error) {
	b.mu.Lock()
	if err := b.failure("CreateMessage"); err != nil {
		b.mu.Unlock()
		return Message{}, err
	}
	now := b.now().UTC()
	kind := in.Kind
	if kind == "" {
		kind = KindText
	}
	m := Message{
		ID:         strconv.FormatInt(b.nextID, 10),
		RoomID:     in.RoomID,
		AuthorID:   in.AuthorID,
		Body:       in.Body,
		Kind:       kind,
		Attachment: in.Attachment,
		ReplyToID:  in.ReplyToID,
		Reactions:  make(Reactions),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if p, ok := b.profiles[in.AuthorID]; ok {
		m.DisplayName, m.AvatarURL = p.DisplayName, p.AvatarURL
	}
	b.nextID++
	b.messages[m.ID] = &m
	b.order[m.RoomID] = append(b.order[m.RoomID], m.ID)
	if r, ok := b.rooms[m.RoomID]; ok {
		r.MessageCount++
		r.LastActivityAt = now
		b.rooms[m.RoomID] = r
	}
	out := m.Clone()
	b.mu.Unlock()

	b.publish(ctx, out.RoomID, MessageInserted{Record: out})
	return out, nil
}

func (b *MemoryBackend) EditMessage(ctx context.Context, id, body string) (Message, error) {
	b.mu.Lock()
	if err := b.failure("EditMessage"); err != nil {
		b.mu.Unlock()
		return Message{}, err
	}
	m, ok := b.messages[id]
	if !ok {
		b.mu.Unlock()
		return Message{}, ErrRecordNotFound
	}
	m.Body = body
	m.Edited = true
	m.UpdatedAt = b.now().UTC()
	out := m.Clone()
	b.mu.Unlock()

	b.publish(ctx, out.RoomID, MessageUpdated{Record: out})
	return out, nil
}

func (b *MemoryBackend) DeleteMessage(ctx context.Context, id string) error {
	b.mu.Lock()
	if err := b.failure("DeleteMessage"); err != nil {
		b.mu.Unlock()
		return err
	}
	m, ok := b.messages[id]
	if !ok {
		b.mu.Unlock()
		return ErrRecordNotFound
	}
	old := m.Clone()
	b.deleteLocked(m)
	b.mu.Unlock()

	b.publish(ctx, old.RoomID, MessageDeleted{Old: old})
	return nil
}

func (b *MemoryBackend) deleteLocked(m *Message) {
	delete(b.messages, m.ID)
	ids := b.order[m.RoomID]
	for i, id := range ids {
		if id == m.ID {
			b.order[m.RoomID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
}

func (b *MemoryBackend) ListMessages(ctx context.Context, roomID string, limit, offset int) ([]Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.failure("ListMessages"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := b.order[roomID]
	out := make([]Message, 0, limit)
	for i := len(ids) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, b.messages[ids[i]].Clone())
	}
	return out, nil
}

func (b *MemoryBackend) AddReaction(ctx context.Context, edge ReactionEdge) error {
	b.mu.Lock()
	if err := b.failure("AddReaction"); err != nil {
		b.mu.Unlock()
		return err
	}
	m, ok := b.messages[edge.MessageID]
	if !ok {
		b.mu.Unlock()
		return ErrRecordNotFound
	}
	changed := m.Reactions.Add(edge.Emoji, edge.UserID)
	roomID := m.RoomID
	b.mu.Unlock()

	if changed {
		b.publish(ctx, roomID, ReactionInserted{Edge: edge})
	}
	return nil
}

func (b *MemoryBackend) RemoveReaction(ctx context.Context, edge ReactionEdge) error {
	b.mu.Lock()
	if err := b.failure("RemoveReaction"); err != nil {
		b.mu.Unlock()
		return err
	}
	m, ok := b.messages[edge.MessageID]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	changed := m.Reactions.Remove(edge.Emoji, edge.UserID)
	roomID := m.RoomID
	b.mu.Unlock()

	if changed {
		b.publish(ctx, roomID, ReactionDeleted{Old: edge})
	}
	return nil
}

// ── ModerationBackend ────────────────────────────────────

func (b *MemoryBackend) ListRestrictions(ctx context.Context) ([]MuteRestriction, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.failure("ListRestrictions"); err != nil {
		return nil, err
	}
	out := make([]MuteRestriction, 0, len(b.restrictions))
	for _, r := range b.restrictions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (b *MemoryBackend) GetRestriction(ctx context.Context, userID string) (*MuteRestriction, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.failure("GetRestriction"); err != nil {
		return nil, err
	}
	r, ok := b.restrictions[userID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (b *MemoryBackend) CreateRestriction(ctx context.Context, r MuteRestriction) error {
	b.mu.Lock()
	if err := b.failure("CreateRestriction"); err != nil {
		b.mu.Unlock()
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = b.now().UTC()
	}
	b.restrictions[r.UserID] = r
	b.mu.Unlock()

	b.publish(ctx, ModerationChannel, RestrictionInserted{Restriction: r})
	return nil
}

func (b *MemoryBackend) DeleteRestriction(ctx context.Context, userID string) error {
	b.mu.Lock()
	if err := b.failure("DeleteRestriction"); err != nil {
		b.mu.Unlock()
		return err
	}
	old, ok := b.restrictions[userID]
	delete(b.restrictions, userID)
	b.mu.Unlock()

	if !ok {
		return ErrRecordNotFound
	}
	b.publish(ctx, ModerationChannel, RestrictionDeleted{Old: old})
	return nil
}

func (b *MemoryBackend) DeleteMessagesFrom(ctx context.Context, userID, roomID string) ([]string, error) {
	b.mu.Lock()
	if err := b.failure("DeleteMessagesFrom"); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	var removed []Message
	for _, id := range append([]string(nil), b.order[roomID]...) {
		m := b.messages[id]
		if m.AuthorID == userID {
			removed = append(removed, m.Clone())
			b.deleteLocked(m)
		}
	}
	b.mu.Unlock()

	ids := make([]string, 0, len(removed))
	for _, m := range removed {
		ids = append(ids, m.ID)
		b.publish(ctx, roomID, MessageDeleted{Old: m})
	}
	return ids, nil
}

// GetMessage returns one stored message.
func (b *MemoryBackend) GetMessage(ctx context.Context, id string) (Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.messages[id]
	if !ok {
		return Message{}, ErrRecordNotFound
	}
	return m.Clone(), nil
}

// PurgeExpired deletes messages created before cutoff.
func (b *MemoryBackend) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for _, m := range b.messages {
		if m.CreatedAt.Before(cutoff) {
			b.deleteLocked(m)
			n++
		}
	}
	return n, nil
}

// ── ProfileSource / RoomDirectory ────────────────────────

func (b *MemoryBackend) LookupProfile(ctx context.Context, userID string) (Identity, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.failure("LookupProfile"); err != nil {
		return Identity{}, err
	}
	p, ok := b.profiles[userID]
	if !ok {
		return Identity{}, ErrRecordNotFound
	}
	return p, nil
}

func (b *MemoryBackend) ListRooms(ctx context.Context) ([]RoomInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]RoomInfo, 0, len(b.rooms))
	for _, r := range b.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	return out, nil
}

func (b *MemoryBackend) GetRoom(ctx context.Context, ref string) (RoomInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r, ok := b.rooms[ref]; ok {
		return r, nil
	}
	for _, r := range b.rooms {
		if strings.EqualFold(r.Slug, ref) {
			return r, nil
		}
	}
	return RoomInfo{}, ErrRecordNotFound
}

// ============================================================================
// MemoryTransport
// ============================================================================

const memoryBufferSize = 256

// MemoryTransport is an in-process Transport and Publisher. Slow
// subscribers drop events once their buffer is full.
type MemoryTransport struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	logger zerolog.Logger
}

// NewMemoryTransport creates an empty hub.
func NewMemoryTransport(opts ...Option) *MemoryTransport {
	o := buildOptions(opts)
	return &MemoryTransport{
		subs:   make(map[string]map[*memorySub]struct{}),
		logger: o.logger,
	}
}

type memorySub struct {
	hub     *MemoryTransport
	channel string
	events  chan Event
	closed  chan struct{}
	once    sync.Once
}

// Subscribe registers a subscriber. The subscription also ends when ctx is
// cancelled.
func (t *MemoryTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	s := &memorySub{
		hub:     t,
		channel: channel,
		events:  make(chan Event, memoryBufferSize),
		closed:  make(chan struct{}),
	}
	t.mu.Lock()
	set, ok := t.subs[channel]
	if !ok {
		set = make(map[*memorySub]struct{})
		t.subs[channel] = set
	}
	set[s] = struct{}{}
	t.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.closed:
		}
	}()
	return s, nil
}

// Publish delivers ev to every subscriber of channel.
func (t *MemoryTransport) Publish(_ context.Context, channel string, ev Event) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for s := range t.subs[channel] {
		select {
		case s.events <- ev:
		default:
			t.logger.Warn().Str("channel", channel).Str("kind", ev.Kind()).Msg("subscriber_overflow")
		}
	}
	return nil
}

// Broadcast publishes a typing signal.
func (t *MemoryTransport) Broadcast(ctx context.Context, channel string, sig TypingSignal) error {
	if sig.RoomID == "" {
		sig.RoomID = channel
	}
	return t.Publish(ctx, channel, TypingChanged{Signal: sig})
}

// Subscribers returns how many subscriptions channel has.
func (t *MemoryTransport) Subscribers(channel string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs[channel])
}

func (s *memorySub) Events() <-chan Event { return s.events }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		if set, ok := s.hub.subs[s.channel]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.hub.subs, s.channel)
			}
		}
		close(s.closed)
		close(s.events)
		s.hub.mu.Unlock()
	})
	return nil
}
