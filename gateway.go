package bullroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// ============================================================================
// Gateway
// ============================================================================

const (
	maxPageSize    = 100
	maxRequestBody = 1 << 20
	wsWriteTimeout = 5 * time.Second
	webhookTimeout = 10 * time.Second

	defaultTypingRate  = rate.Limit(2)
	defaultTypingBurst = 4
)

// GatewayBackend is the message store served by the gateway. GetMessage is
// used for author checks and for the old record of delete events.
type GatewayBackend interface {
	Backend
	GetMessage(ctx context.Context, id string) (Message, error)
}

// GatewayConfig wires a Gateway. Backend, Moderation, Publisher, Transport
// and JWTSecret are required.
type GatewayConfig struct {
	Backend    GatewayBackend
	Moderation ModerationBackend
	Profiles   ProfileSource
	Rooms      RoomDirectory
	Publisher  Publisher
	Transport  Transport
	JWTSecret  string

	// WebhookSecret enables POST /hooks/moderation.
	WebhookSecret string
	// Gatherer enables GET /metrics.
	Gatherer prometheus.Gatherer
	// OriginPatterns lists the browser origins allowed to open /ws.
	OriginPatterns []string

	TypingRate  rate.Limit
	TypingBurst int
}

// Gateway is the HTTP and WebSocket front of the system of record. Every
// accepted write is published as a change event so that subscribed clients
// reconcile their caches.
type Gateway struct {
	cfg      GatewayConfig
	logger   zerolog.Logger
	now      func() time.Time
	metrics  *Metrics
	limiters *limiterPool
	webhook  *ModerationWebhook
	router   chi.Router
}

// NewGateway validates cfg and builds the router.
func NewGateway(cfg GatewayConfig, opts ...Option) (*Gateway, error) {
	switch {
	case cfg.Backend == nil:
		return nil, errors.New("gateway: backend is required")
	case cfg.Moderation == nil:
		return nil, errors.New("gateway: moderation backend is required")
	case cfg.Publisher == nil:
		return nil, errors.New("gateway: publisher is required")
	case cfg.Transport == nil:
		return nil, errors.New("gateway: transport is required")
	case cfg.JWTSecret == "":
		return nil, errors.New("gateway: jwt secret is required")
	}
	if cfg.TypingRate == 0 {
		cfg.TypingRate = defaultTypingRate
	}
	if cfg.TypingBurst == 0 {
		cfg.TypingBurst = defaultTypingBurst
	}

	o := buildOptions(opts)
	g := &Gateway{
		cfg:      cfg,
		logger:   o.logger,
		now:      o.now,
		metrics:  o.metrics,
		limiters: newLimiterPool(cfg.TypingRate, cfg.TypingBurst, o.now),
	}
	if cfg.WebhookSecret != "" {
		wh, err := NewModerationWebhook(cfg.WebhookSecret, g.applyWebhook)
		if err != nil {
			return nil, fmt.Errorf("gateway: %w", err)
		}
		g.webhook = wh
	}
	g.router = g.routes()
	return g, nil
}

// Handler returns the root handler.
func (g *Gateway) Handler() http.Handler { return g.router }

// Close releases background resources.
func (g *Gateway) Close() { g.limiters.Shutdown() }

func (g *Gateway) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(g.logRequests)
	r.Use(middleware.Recoverer)

	if g.cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(g.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	if g.webhook != nil {
		r.Method(http.MethodPost, "/hooks/moderation", g.webhook.HTTPHandler())
	}

	r.Group(func(r chi.Router) {
		r.Use(g.authenticate)

		r.Get("/ws", g.serveWS)

		r.Route("/api", func(r chi.Router) {
			r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
				writeResult(w, http.StatusOK, map[string]string{"status": "ok"})
			})
			r.Get("/me", g.handleMe)

			r.Get("/rooms", g.handleListRooms)
			r.Get("/rooms/{roomID}", g.handleGetRoom)
			r.Get("/rooms/{roomID}/messages", g.handleListMessages)
			r.Post("/rooms/{roomID}/messages", g.handleCreateMessage)
			r.Delete("/rooms/{roomID}/users/{userID}/messages", g.handlePurge)

			r.Patch("/messages/{messageID}", g.handleEditMessage)
			r.Delete("/messages/{messageID}", g.handleDeleteMessage)
			r.Put("/messages/{messageID}/reactions/{emoji}", g.handleReaction(true))
			r.Delete("/messages/{messageID}/reactions/{emoji}", g.handleReaction(false))

			r.Get("/restrictions", g.handleListRestrictions)
			r.Post("/restrictions", g.handleCreateRestriction)
			r.Get("/restrictions/{userID}", g.handleGetRestriction)
			r.Delete("/restrictions/{userID}", g.handleDeleteRestriction)

			r.Get("/profiles/{userID}", g.handleProfile)
		})
	})
	return r
}

// ── Middleware ───────────────────────────────────────────

type sessionKey struct{}

// SessionFromContext returns the session attached by the gateway's
// authentication middleware, or nil for anonymous requests.
func SessionFromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}

// ContextWithSession attaches s to ctx.
func ContextWithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// authenticate attaches the session of a valid token. Requests without a
// token continue anonymously; a bad token is rejected.
func (g *Gateway) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		s, err := ParseSessionToken(token, g.cfg.JWTSecret)
		if err != nil {
			g.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("token_rejected")
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), s)))
	})
}

func (g *Gateway) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		g.metrics.request(route, status)
		g.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http_request")
	})
}

// ── Responses ────────────────────────────────────────────

func writeResult(w http.ResponseWriter, status int, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Result{OK: true, Data: raw})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Result{Error: &APIError{Code: code, Message: message}})
}

// fail maps err onto a status and error code.
func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, string(CodeNotFound), "not found")
		return
	}
	var me *MutationError
	if errors.As(err, &me) {
		status := http.StatusInternalServerError
		switch me.Code {
		case CodeValidation:
			status = http.StatusBadRequest
		case CodeMuted, CodeForbidden:
			status = http.StatusForbidden
		case CodeNotFound:
			status = http.StatusNotFound
		}
		if status != http.StatusInternalServerError {
			writeError(w, status, string(me.Code), me.Message)
			return
		}
	}
	g.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request_failed")
	writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return newMutationError("decode", CodeValidation, "invalid JSON body", err)
	}
	return nil
}

// urlParam returns a decoded path parameter.
func urlParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func requireAuth(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	s := SessionFromContext(r.Context())
	if !s.Authenticated() {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "sign in required")
		return nil, false
	}
	return s, true
}

func requireAdmin(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	s, ok := requireAuth(w, r)
	if !ok {
		return nil, false
	}
	if !s.IsAdmin() {
		writeError(w, http.StatusForbidden, string(CodeForbidden), "admin session required")
		return nil, false
	}
	return s, true
}

func (g *Gateway) publish(ctx context.Context, channel string, ev Event) {
	if err := g.cfg.Publisher.Publish(ctx, channel, ev); err != nil {
		g.logger.Warn().Err(err).Str("channel", channel).Str("kind", ev.Kind()).Msg("publish_failed")
	}
}

// ── Session, rooms, profiles ─────────────────────────────

func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	s := SessionFromContext(r.Context())
	if !s.Authenticated() {
		writeResult(w, http.StatusOK, struct{}{})
		return
	}
	writeResult(w, http.StatusOK, map[string]any{
		"user_id":      s.UserID,
		"display_name": s.DisplayName,
		"role":         s.Role,
		"expires_at":   s.ExpiresAt,
	})
}

func (g *Gateway) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := []RoomInfo{}
	if g.cfg.Rooms != nil {
		list, err := g.cfg.Rooms.ListRooms(r.Context())
		if err != nil {
			g.fail(w, r, err)
			return
		}
		rooms = append(rooms, list...)
	}
	writeResult(w, http.StatusOK, rooms)
}

func (g *Gateway) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	if g.cfg.Rooms == nil {
		g.fail(w, r, ErrRecordNotFound)
		return
	}
	room, err := g.cfg.Rooms.GetRoom(r.Context(), urlParam(r, "roomID"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, room)
}

func (g *Gateway) handleProfile(w http.ResponseWriter, r *http.Request) {
	if g.cfg.Profiles == nil {
		g.fail(w, r, ErrRecordNotFound)
		return
	}
	id, err := g.cfg.Profiles.LookupProfile(r.Context(), urlParam(r, "userID"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, id)
}

// ── Messages ─────────────────────────────────────────────

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, newMutationError("list", CodeValidation, key+" must be a non-negative integer", err)
	}
	return n, nil
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", AuthenticatedBatchSize)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	if limit == 0 {
		limit = AuthenticatedBatchSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	msgs, err := g.cfg.Backend.ListMessages(r.Context(), urlParam(r, "roomID"), limit, offset)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}
	writeResult(w, http.StatusOK, msgs)
}

// checkMuted enforces restrictions on the server regardless of what the
// client believed when it sent.
func (g *Gateway) checkMuted(ctx context.Context, userID string) error {
	rest, err := g.cfg.Moderation.GetRestriction(ctx, userID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return err
	}
	if rest != nil && rest.ActiveAt(g.now()) {
		return newMutationError("send", CodeMuted, "you are muted in this room", nil)
	}
	return nil
}

func (g *Gateway) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	s, ok := requireAuth(w, r)
	if !ok {
		return
	}
	var in NewMessage
	if err := decodeBody(w, r, &in); err != nil {
		g.fail(w, r, err)
		return
	}
	in.RoomID = urlParam(r, "roomID")
	in.AuthorID = s.UserID

	body, err := validateBody("send", in.Body, in.Attachment != nil)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	in.Body = body
	switch {
	case in.Attachment != nil:
		if strings.TrimSpace(in.Attachment.URL) == "" {
			g.fail(w, r, newMutationError("send", CodeValidation, "attachment has no url", nil))
			return
		}
		in.Kind = in.Attachment.Kind()
	case in.Kind == KindSystem && s.IsAdmin():
	default:
		in.Kind = KindText
	}

	if err := g.checkMuted(r.Context(), s.UserID); err != nil {
		g.fail(w, r, err)
		return
	}
	msg, err := g.cfg.Backend.CreateMessage(r.Context(), in)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	if msg.DisplayName == "" {
		msg.DisplayName = s.DisplayName
	}
	g.publish(r.Context(), msg.RoomID, MessageInserted{Record: msg})
	g.logger.Debug().Str("room_id", msg.RoomID).Str("message_id", msg.ID).Str("user_id", s.UserID).Msg("message_created")
	writeResult(w, http.StatusCreated, msg)
}

// ownedMessage loads the addressed message and checks that s may change it.
func (g *Gateway) ownedMessage(ctx context.Context, s *Session, id string) (Message, error) {
	msg, err := g.cfg.Backend.GetMessage(ctx, id)
	if err != nil {
		return Message{}, err
	}
	if msg.AuthorID != s.UserID && !s.IsAdmin() {
		return Message{}, newMutationError("", CodeForbidden, "only the author can change this message", nil)
	}
	return msg, nil
}

func (g *Gateway) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	s, ok := requireAuth(w, r)
	if !ok {
		return
	}
	var in struct {
		Body string `json:"body"`
	}
	if err := decodeBody(w, r, &in); err != nil {
		g.fail(w, r, err)
		return
	}
	old, err := g.ownedMessage(r.Context(), s, urlParam(r, "messageID"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	body, err := validateBody("edit", in.Body, old.Attachment != nil)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	msg, err := g.cfg.Backend.EditMessage(r.Context(), old.ID, body)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.publish(r.Context(), msg.RoomID, MessageUpdated{Record: msg})
	writeResult(w, http.StatusOK, msg)
}

func (g *Gateway) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	s, ok := requireAuth(w, r)
	if !ok {
		return
	}
	old, err := g.ownedMessage(r.Context(), s, urlParam(r, "messageID"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	if err := g.removeMessage(r.Context(), old); err != nil {
		g.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, map[string]string{"id": old.ID})
}

func (g *Gateway) removeMessage(ctx context.Context, old Message) error {
	if err := g.cfg.Backend.DeleteMessage(ctx, old.ID); err != nil {
		return err
	}
	g.publish(ctx, old.RoomID, MessageDeleted{Old: old})
	return nil
}

// ── Reactions ────────────────────────────────────────────

func (g *Gateway) handleReaction(add bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := requireAuth(w, r)
		if !ok {
			return
		}
		emoji := strings.TrimSpace(urlParam(r, "emoji"))
		if emoji == "" {
			g.fail(w, r, newMutationError("react", CodeValidation, "emoji is required", nil))
			return
		}
		msg, err := g.cfg.Backend.GetMessage(r.Context(), urlParam(r, "messageID"))
		if err != nil {
			g.fail(w, r, err)
			return
		}
		edge := ReactionEdge{MessageID: msg.ID, UserID: s.UserID, Emoji: emoji}
		if add {
			err = g.cfg.Backend.AddReaction(r.Context(), edge)
		} else {
			err = g.cfg.Backend.RemoveReaction(r.Context(), edge)
		}
		if err != nil {
			g.fail(w, r, err)
			return
		}
		if add {
			g.publish(r.Context(), msg.RoomID, ReactionInserted{Edge: edge})
		} else {
			g.publish(r.Context(), msg.RoomID, ReactionDeleted{Old: edge})
		}
		writeResult(w, http.StatusOK, edge)
	}
}

// ── Moderation ───────────────────────────────────────────

func (g *Gateway) handleListRestrictions(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	list, err := g.cfg.Moderation.ListRestrictions(r.Context())
	if err != nil {
		g.fail(w, r, err)
		return
	}
	if list == nil {
		list = []MuteRestriction{}
	}
	writeResult(w, http.StatusOK, list)
}

func (g *Gateway) handleGetRestriction(w http.ResponseWriter, r *http.Request) {
	s, ok := requireAuth(w, r)
	if !ok {
		return
	}
	userID := urlParam(r, "userID")
	if userID != s.UserID && !s.IsAdmin() {
		writeError(w, http.StatusForbidden, string(CodeForbidden), "cannot read another user's restriction")
		return
	}
	rest, err := g.cfg.Moderation.GetRestriction(r.Context(), userID)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	if rest == nil {
		g.fail(w, r, ErrRecordNotFound)
		return
	}
	writeResult(w, http.StatusOK, rest)
}

func (g *Gateway) handleCreateRestriction(w http.ResponseWriter, r *http.Request) {
	s, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	var in MuteRestriction
	if err := decodeBody(w, r, &in); err != nil {
		g.fail(w, r, err)
		return
	}
	rest, err := g.mute(r.Context(), in)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.logger.Info().Str("user_id", rest.UserID).Str("by", s.UserID).Msg("user_muted")
	writeResult(w, http.StatusCreated, rest)
}

func (g *Gateway) handleDeleteRestriction(w http.ResponseWriter, r *http.Request) {
	s, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	userID := urlParam(r, "userID")
	if err := g.unmute(r.Context(), userID); err != nil {
		g.fail(w, r, err)
		return
	}
	g.logger.Info().Str("user_id", userID).Str("by", s.UserID).Msg("user_unmuted")
	writeResult(w, http.StatusOK, map[string]string{"user_id": userID})
}

func (g *Gateway) handlePurge(w http.ResponseWriter, r *http.Request) {
	s, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	roomID, userID := urlParam(r, "roomID"), urlParam(r, "userID")
	ids, err := g.purge(r.Context(), roomID, userID)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.logger.Info().Str("room_id", roomID).Str("user_id", userID).Str("by", s.UserID).Int("deleted", len(ids)).Msg("messages_purged")
	writeResult(w, http.StatusOK, map[string][]string{"deleted": ids})
}

func (g *Gateway) mute(ctx context.Context, rest MuteRestriction) (MuteRestriction, error) {
	rest.UserID = strings.TrimSpace(rest.UserID)
	if rest.UserID == "" {
		return rest, newMutationError("mute", CodeValidation, "user id is required", nil)
	}
	if rest.CreatedAt.IsZero() {
		rest.CreatedAt = g.now().UTC()
	}
	if rest.ExpiresAt != nil && !rest.ExpiresAt.After(g.now()) {
		return rest, newMutationError("mute", CodeValidation, "expiry must be in the future", nil)
	}
	if err := g.cfg.Moderation.CreateRestriction(ctx, rest); err != nil {
		return rest, err
	}
	g.publish(ctx, ModerationChannel, RestrictionInserted{Restriction: rest})
	return rest, nil
}

func (g *Gateway) unmute(ctx context.Context, userID string) error {
	old, err := g.cfg.Moderation.GetRestriction(ctx, userID)
	if err != nil {
		return err
	}
	if old == nil {
		return newMutationError("unmute", CodeNotFound, "user is not muted", nil)
	}
	if err := g.cfg.Moderation.DeleteRestriction(ctx, userID); err != nil {
		return err
	}
	g.publish(ctx, ModerationChannel, RestrictionDeleted{Old: *old})
	return nil
}

func (g *Gateway) purge(ctx context.Context, roomID, userID string) ([]string, error) {
	ids, err := g.cfg.Moderation.DeleteMessagesFrom(ctx, userID, roomID)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		g.publish(ctx, roomID, MessageDeleted{Old: Message{ID: id, RoomID: roomID, AuthorID: userID}})
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// applyWebhook runs a verified moderation webhook through the same paths as
// the admin REST routes.
func (g *Gateway) applyWebhook(p *WebhookPayload) (*WebhookResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	switch p.Action {
	case ActionMute:
		rest := MuteRestriction{UserID: p.UserID, Reason: p.Reason, CreatedAt: g.now().UTC()}
		if p.DurationHours != nil {
			if *p.DurationHours <= 0 {
				return nil, newMutationError("mute", CodeValidation, "duration must be positive", nil)
			}
			exp := rest.CreatedAt.Add(time.Duration(*p.DurationHours) * time.Hour)
			rest.ExpiresAt = &exp
		}
		if _, err := g.mute(ctx, rest); err != nil {
			return nil, err
		}
	case ActionUnmute:
		if err := g.unmute(ctx, p.UserID); err != nil {
			return nil, err
		}
	case ActionDeleteMessage:
		msg, err := g.cfg.Backend.GetMessage(ctx, p.MessageID)
		if err != nil {
			return nil, remoteError("delete_message", err)
		}
		if msg.RoomID != p.RoomID {
			return nil, newMutationError("delete_message", CodeNotFound, "message is not in this room", nil)
		}
		if err := g.removeMessage(ctx, msg); err != nil {
			return nil, remoteError("delete_message", err)
		}
	case ActionPurge:
		ids, err := g.purge(ctx, p.RoomID, p.UserID)
		if err != nil {
			return nil, remoteError("purge", err)
		}
		return &WebhookResult{Deleted: len(ids)}, nil
	}
	g.logger.Info().Str("action", p.Action).Str("user_id", p.UserID).Str("room_id", p.RoomID).Msg("webhook_applied")
	return nil, nil
}

// ============================================================================
// WebSocket
// ============================================================================

func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: g.cfg.OriginPatterns})
	if err != nil {
		g.logger.Warn().Err(err).Msg("ws_accept_failed")
		return
	}
	c := &gatewayConn{
		gw:      g,
		conn:    conn,
		session: session,
		subs:    make(map[string]Subscription),
		logger:  g.logger.With().Str("user_id", session.ID()).Logger(),
	}
	c.serve(r.Context())
}

// gatewayConn is one WebSocket client. Commands are handled in read order;
// each joined channel has its own forwarding goroutine.
type gatewayConn struct {
	gw      *Gateway
	conn    *websocket.Conn
	session *Session
	logger  zerolog.Logger

	mu   sync.Mutex
	subs map[string]Subscription
	wg   sync.WaitGroup
}

type inboundCommand struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"request_id"`
}

func (c *gatewayConn) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer func() {
		cancel()
		c.leaveAll()
		c.wg.Wait()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	ident := AuthenticatedPayload{UserID: c.session.ID()}
	if c.session != nil {
		ident.Role = c.session.Role
	}
	if err := c.write(ctx, frameAuthenticated, ident); err != nil {
		return
	}
	c.logger.Debug().Msg("ws_connected")

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				c.logger.Debug().Err(err).Msg("ws_read_failed")
			}
			return
		}
		var cmd inboundCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.reject(ctx, "invalid command")
			continue
		}
		c.handle(ctx, cmd)
	}
}

func (c *gatewayConn) handle(ctx context.Context, cmd inboundCommand) {
	switch cmd.Type {
	case commandJoin:
		var p ChannelPayload
		if json.Unmarshal(cmd.Payload, &p) != nil || p.Channel == "" {
			c.reject(ctx, "channel is required")
			return
		}
		c.join(ctx, p.Channel)
	case commandLeave:
		var p ChannelPayload
		if json.Unmarshal(cmd.Payload, &p) != nil || p.Channel == "" {
			c.reject(ctx, "channel is required")
			return
		}
		c.leave(p.Channel)
	case commandTyping:
		c.typing(ctx, cmd.Payload)
	case commandPing:
		_ = c.write(ctx, framePong, PongPayload{RequestID: cmd.RequestID})
	default:
		c.reject(ctx, "unknown command: "+cmd.Type)
	}
}

func (c *gatewayConn) join(ctx context.Context, channel string) {
	c.mu.Lock()
	_, joined := c.subs[channel]
	c.mu.Unlock()
	if !joined {
		sub, err := c.gw.cfg.Transport.Subscribe(ctx, channel)
		if err != nil {
			c.logger.Warn().Err(err).Str("channel", channel).Msg("ws_join_failed")
			c.reject(ctx, "join failed")
			return
		}
		c.mu.Lock()
		c.subs[channel] = sub
		c.mu.Unlock()
		c.wg.Add(1)
		go c.forward(ctx, channel, sub)
	}
	_ = c.write(ctx, frameJoined, ChannelPayload{Channel: channel})
}

func (c *gatewayConn) leave(channel string) {
	c.mu.Lock()
	sub, ok := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()
	if ok {
		_ = sub.Close()
	}
}

func (c *gatewayConn) leaveAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
}

func (c *gatewayConn) forward(ctx context.Context, channel string, sub Subscription) {
	defer c.wg.Done()
	for ev := range sub.Events() {
		data, err := EncodeEvent(channel, ev)
		if err != nil {
			c.logger.Debug().Err(err).Str("kind", ev.Kind()).Msg("event_dropped")
			continue
		}
		if err := c.writeRaw(ctx, frameEvent, data); err != nil {
			return
		}
	}
}

func (c *gatewayConn) typing(ctx context.Context, raw json.RawMessage) {
	if !c.session.Authenticated() {
		c.reject(ctx, "sign in to broadcast typing")
		return
	}
	var p TypingPayload
	if json.Unmarshal(raw, &p) != nil || p.Channel == "" {
		c.reject(ctx, "channel is required")
		return
	}
	// Stops always pass so indicators clear promptly.
	if p.IsTyping && !c.gw.limiters.Allow(c.session.UserID) {
		return
	}
	name := p.DisplayName
	if name == "" {
		name = c.session.DisplayName
	}
	sig := TypingSignal{RoomID: p.Channel, UserID: c.session.UserID, DisplayName: name, IsTyping: p.IsTyping}
	if err := c.gw.cfg.Transport.Broadcast(ctx, p.Channel, sig); err != nil {
		c.logger.Warn().Err(err).Str("channel", p.Channel).Msg("typing_broadcast_failed")
	}
}

func (c *gatewayConn) reject(ctx context.Context, message string) {
	_ = c.write(ctx, frameError, RealtimeErrorPayload{Message: message})
}

func (c *gatewayConn) write(ctx context.Context, frameType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.writeRaw(ctx, frameType, raw)
}

func (c *gatewayConn) writeRaw(ctx context.Context, frameType string, payload json.RawMessage) error {
	data, err := json.Marshal(RealtimeFrame{Type: frameType, Payload: payload})
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, data)
}
