package bullroom

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Transport delivers push events and carries ephemeral broadcasts.
type Transport interface {
	// Subscribe opens a stream for channel, a room id or ModerationChannel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	// Broadcast sends a typing signal to everyone on channel. Nothing is
	// persisted.
	Broadcast(ctx context.Context, channel string, sig TypingSignal) error
}

// Subscription is a live event stream. Close is idempotent and closes the
// Events channel.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// EngineConfig lists the collaborators of an Engine. Only Backend is
// required.
type EngineConfig struct {
	Backend    Backend
	Moderation ModerationBackend
	Profiles   ProfileSource
	Transport  Transport
	Session    *Session
}

// ============================================================================
// Engine
// ============================================================================

// Engine wires the cache, coordinators and reconciler for one session and
// owns at most one open room at a time.
type Engine struct {
	cfg     EngineConfig
	opts    []Option
	logger  zerolog.Logger
	emitter *emitter

	store     *Store
	resolver  *IdentityResolver
	tracker   *ModerationTracker
	mutator   *Mutator
	reactions *ReactionToggler
	pages     *PaginationController
	moderator *Moderator

	mu      sync.Mutex
	current *Room
	modSub  Subscription
	modDone chan struct{}
	closed  bool
}

// NewEngine builds an engine. Call Start before joining a room so the mute
// state is known.
func NewEngine(cfg EngineConfig, opts ...Option) (*Engine, error) {
	if cfg.Backend == nil {
		return nil, errors.New("bullroom: engine requires a backend")
	}
	em := newEmitter()
	opts = append(append([]Option{}, opts...), withEmitter(em))
	o := buildOptions(opts)

	e := &Engine{
		cfg:     cfg,
		opts:    opts,
		logger:  o.logger,
		emitter: em,
	}
	e.store = NewStore(opts...)
	e.resolver = NewIdentityResolver(cfg.Profiles, opts...)
	e.tracker = NewModerationTracker(cfg.Moderation, opts...)
	e.mutator = NewMutator(e.store, cfg.Backend, e.tracker, e.resolver, cfg.Session, opts...)
	e.reactions = NewReactionToggler(e.store, cfg.Backend, cfg.Session, opts...)
	e.pages = NewPaginationController(e.store, cfg.Backend, cfg.Session, opts...)
	if cfg.Moderation != nil {
		e.moderator = NewModerator(cfg.Session, cfg.Backend, cfg.Moderation, e.tracker, e.store, opts...)
	}
	if s := cfg.Session; s.Authenticated() && s.DisplayName != "" {
		e.resolver.Prime(Identity{UserID: s.UserID, DisplayName: s.DisplayName})
	}

	e.store.OnChange(func(roomID string) {
		em.emit(NotifyRoomChanged, roomID)
		e.mu.Lock()
		r := e.current
		e.mu.Unlock()
		if r != nil && r.id == roomID {
			r.notify()
		}
	})
	return e, nil
}

// On registers a handler for one of the Notify* events.
func (e *Engine) On(event string, handler NotificationHandler) {
	e.emitter.On(event, handler)
}

// Start loads the mute state and follows the moderation channel.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.tracker.Activate(ctx, e.cfg.Session); err != nil {
		return err
	}
	if e.cfg.Transport == nil {
		return nil
	}
	sub, err := e.cfg.Transport.Subscribe(ctx, ModerationChannel)
	if err != nil {
		return fmt.Errorf("subscribe moderation: %w", err)
	}
	done := make(chan struct{})
	e.mu.Lock()
	e.modSub, e.modDone = sub, done
	e.mu.Unlock()
	go func() {
		defer close(done)
		for ev := range sub.Events() {
			e.tracker.Apply(ev)
		}
	}()
	return nil
}

// Store exposes the cache, mainly for tooling and tests.
func (e *Engine) Store() *Store { return e.store }

// Tracker exposes the moderation state.
func (e *Engine) Tracker() *ModerationTracker { return e.tracker }

// Moderator returns the admin operations, or nil when no moderation
// backend is configured.
func (e *Engine) Moderator() *Moderator { return e.moderator }

// Current returns the open room, if any.
func (e *Engine) Current() *Room {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Switch closes the open room, if any, and opens roomID. The old room's
// subscription is closed, its fetch cancelled and its cache evicted.
func (e *Engine) Switch(ctx context.Context, roomID string) (*Room, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errors.New("bullroom: engine closed")
	}
	prev := e.current
	e.current = nil
	e.mu.Unlock()

	if prev != nil {
		if prev.id == roomID {
			e.mu.Lock()
			e.current = prev
			e.mu.Unlock()
			return prev, nil
		}
		prev.Close()
	}

	e.pages.Activate(roomID)
	r := &Room{
		engine: e,
		id:     roomID,
		done:   make(chan struct{}),
	}
	r.typing = NewTypingTracker(roomID, e.cfg.Session, e.opts...)
	r.reconciler = NewReconciler(e.store, e.resolver, e.tracker, r.typing, e.cfg.Session, e.opts...)
	r.broadcaster = newTypingBroadcaster(e.cfg.Transport, e.cfg.Session, roomID, e.logger)

	if e.cfg.Transport != nil {
		sub, err := e.cfg.Transport.Subscribe(ctx, roomID)
		if err != nil {
			r.reconciler.Close()
			r.typing.Close()
			return nil, fmt.Errorf("subscribe %s: %w", roomID, err)
		}
		r.sub = sub
		go r.run()
	} else {
		close(r.done)
	}

	e.mu.Lock()
	e.current = r
	e.mu.Unlock()
	e.logger.Info().Str("room_id", roomID).Msg("room_opened")
	return r, nil
}

// Close closes the open room and the moderation subscription.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	r := e.current
	e.current = nil
	modSub, modDone := e.modSub, e.modDone
	e.mu.Unlock()

	if r != nil {
		r.Close()
	}
	if modSub != nil {
		_ = modSub.Close()
		<-modDone
	}
	e.emitter.removeAll()
	return nil
}

// ============================================================================
// Room
// ============================================================================

// Room is the UI-facing handle for one open room.
type Room struct {
	engine      *Engine
	id          string
	sub         Subscription
	typing      *TypingTracker
	reconciler  *Reconciler
	broadcaster *typingBroadcaster
	done        chan struct{}
	closeOnce   sync.Once

	listenersMu sync.RWMutex
	listeners   []func()
}

func (r *Room) run() {
	defer close(r.done)
	for ev := range r.sub.Events() {
		r.reconciler.Apply(r.id, ev)
	}
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// Snapshot returns the cached timeline, newest first.
func (r *Room) Snapshot() []Message { return r.engine.store.Snapshot(r.id) }

// OnChange registers fn to run whenever the room's timeline changes.
func (r *Room) OnChange(fn func()) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Room) notify() {
	r.listenersMu.RLock()
	listeners := r.listeners
	r.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

// Send posts a message. See Mutator.Send.
func (r *Room) Send(ctx context.Context, body, replyToID string, attachment *Attachment) (Message, error) {
	return r.engine.mutator.Send(ctx, SendRequest{RoomID: r.id, Body: body, ReplyToID: replyToID, Attachment: attachment})
}

// Edit changes a message body.
func (r *Room) Edit(ctx context.Context, id, body string) (Message, error) {
	return r.engine.mutator.Edit(ctx, r.id, id, body)
}

// Delete removes a message.
func (r *Room) Delete(ctx context.Context, id string) error {
	return r.engine.mutator.Delete(ctx, r.id, id)
}

// ToggleReaction flips the session user's reaction.
func (r *Room) ToggleReaction(ctx context.Context, messageID, emoji string) (bool, error) {
	return r.engine.reactions.Toggle(ctx, r.id, messageID, emoji)
}

// LoadMore fetches the next older page.
func (r *Room) LoadMore(ctx context.Context, vp Viewport) (LoadResult, error) {
	return r.engine.pages.LoadMore(ctx, r.id, vp)
}

// PageState returns the paging cursor.
func (r *Room) PageState() PageState { return r.engine.pages.State(r.id) }

// NearTop reports whether offset should trigger LoadMore.
func (r *Room) NearTop(offset float64) bool { return r.engine.pages.NearTop(offset) }

// IsMuted reports whether the session user may not send right now.
func (r *Room) IsMuted() bool {
	return r.engine.tracker.IsMuted(r.engine.cfg.Session.ID())
}

// TypingUsers lists other users currently typing.
func (r *Room) TypingUsers() []Identity { return r.typing.Users() }

// SetTyping broadcasts the session user's typing state.
func (r *Room) SetTyping(ctx context.Context, isTyping bool) error {
	return r.broadcaster.set(ctx, isTyping)
}

// ResolveReply looks up the message msg replies to. A miss is normal: the
// target may be older than the loaded history or deleted.
func (r *Room) ResolveReply(msg Message) (Message, bool) {
	if msg.ReplyToID == "" {
		return Message{}, false
	}
	return r.engine.store.Get(r.id, msg.ReplyToID)
}

// Apply feeds an event through the room's reconciler as if it had been
// pushed.
func (r *Room) Apply(ev Event) { r.reconciler.Apply(r.id, ev) }

// Wait blocks until pending identity lookups finish.
func (r *Room) Wait() { r.reconciler.Wait() }

// Close unsubscribes and drops the room's cached state.
func (r *Room) Close() {
	r.closeOnce.Do(func() {
		if r.sub != nil {
			if err := r.sub.Close(); err != nil {
				r.engine.logger.Debug().Err(err).Str("room_id", r.id).Msg("unsubscribe_failed")
			}
		}
		<-r.done
		_ = r.broadcaster.set(context.Background(), false)
		r.reconciler.Close()
		r.typing.Close()
		r.engine.pages.Reset(r.id)
		r.engine.store.Evict(r.id)
		r.engine.logger.Info().Str("room_id", r.id).Msg("room_closed")
	})
}
