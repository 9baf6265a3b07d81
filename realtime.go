package bullroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Frames
// ============================================================================

// Frame types exchanged with the gateway's /ws endpoint.
const (
	frameAuthenticated = "authenticated"
	frameEvent         = "event"
	frameJoined        = "joined"
	framePong          = "pong"
	frameError         = "error"

	commandJoin   = "room.join"
	commandLeave  = "room.leave"
	commandTyping = "typing"
	commandPing   = "ping"
)

// RealtimeFrame is the server-to-client wire format. Event frames carry an
// Envelope as payload.
type RealtimeFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// AuthenticatedPayload is the first frame on every connection.
type AuthenticatedPayload struct {
	UserID string `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
}

// ChannelPayload addresses a room.join or room.leave command.
type ChannelPayload struct {
	Channel string `json:"channel"`
}

// TypingPayload is the payload of a typing command.
type TypingPayload struct {
	Channel     string `json:"channel"`
	DisplayName string `json:"display_name,omitempty"`
	IsTyping    bool   `json:"is_typing"`
}

// PongPayload answers a ping.
type PongPayload struct {
	RequestID string `json:"request_id"`
}

// RealtimeErrorPayload reports a rejected command.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a WSTransport.
type RealtimeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	BufferSize           int
	Logger               zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.BufferSize == 0 {
		c.BufferSize = 256
	}
}

type RealtimeOption func(*RealtimeConfig)

func WithAutoReconnect(enabled bool) RealtimeOption {
	return func(c *RealtimeConfig) { c.AutoReconnect = enabled }
}

func WithReconnectDelays(base, max time.Duration) RealtimeOption {
	return func(c *RealtimeConfig) {
		c.ReconnectBaseDelay = base
		c.ReconnectMaxDelay = max
	}
}

func WithMaxReconnectAttempts(n int) RealtimeOption {
	return func(c *RealtimeConfig) { c.MaxReconnectAttempts = n }
}

func WithHeartbeatInterval(d time.Duration) RealtimeOption {
	return func(c *RealtimeConfig) { c.HeartbeatInterval = d }
}

func WithRealtimeLogger(l zerolog.Logger) RealtimeOption {
	return func(c *RealtimeConfig) { c.Logger = l }
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay grows exponentially with up to 50% jitter. A connection that
// stayed up for a minute resets the attempt count.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport is a Transport over the gateway's WebSocket endpoint. It dials
// on first Subscribe, re-joins every subscribed channel after a reconnect and
// keeps the connection alive with pings.
type WSTransport struct {
	baseURL string
	token   string
	config  *RealtimeConfig
	logger  zerolog.Logger
	recon   *reconnector

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu               sync.Mutex
	conn             *websocket.Conn
	connCancel       context.CancelFunc
	state            RealtimeState
	intentionalClose bool
	identity         AuthenticatedPayload
	subs             map[string]map[*wsSub]struct{}

	hooksMu        sync.RWMutex
	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnecting []func(attempt int, delay time.Duration)

	pingCounter  atomic.Int64
	pendingMu    sync.Mutex
	pendingPings map[string]chan PongPayload
}

// NewWSTransport creates a transport for the gateway at baseURL. Auto
// reconnect is on by default.
func NewWSTransport(baseURL, token string, opts ...RealtimeOption) *WSTransport {
	cfg := &RealtimeConfig{AutoReconnect: true, Logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &WSTransport{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		config:       cfg,
		logger:       cfg.Logger,
		recon:        newReconnector(cfg),
		rootCtx:      ctx,
		rootCancel:   cancel,
		state:        StateDisconnected,
		subs:         make(map[string]map[*wsSub]struct{}),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// OnConnected registers a handler run after every successful (re)connect.
func (ws *WSTransport) OnConnected(h func()) {
	ws.hooksMu.Lock()
	ws.onConnected = append(ws.onConnected, h)
	ws.hooksMu.Unlock()
}

// OnDisconnected registers a handler for unexpected disconnects.
func (ws *WSTransport) OnDisconnected(h func(reason string)) {
	ws.hooksMu.Lock()
	ws.onDisconnected = append(ws.onDisconnected, h)
	ws.hooksMu.Unlock()
}

// OnReconnecting registers a handler run before each reconnect attempt.
func (ws *WSTransport) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.hooksMu.Lock()
	ws.onReconnecting = append(ws.onReconnecting, h)
	ws.hooksMu.Unlock()
}

func (ws *WSTransport) emitConnected() {
	ws.hooksMu.RLock()
	handlers := append([]func(){}, ws.onConnected...)
	ws.hooksMu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (ws *WSTransport) emitDisconnected(reason string) {
	ws.hooksMu.RLock()
	handlers := append([]func(string){}, ws.onDisconnected...)
	ws.hooksMu.RUnlock()
	for _, h := range handlers {
		go h(reason)
	}
}

func (ws *WSTransport) emitReconnecting(attempt int, delay time.Duration) {
	ws.hooksMu.RLock()
	handlers := append([]func(int, time.Duration){}, ws.onReconnecting...)
	ws.hooksMu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// State returns the current connection state.
func (ws *WSTransport) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Identity returns what the gateway reported for the token.
func (ws *WSTransport) Identity() AuthenticatedPayload {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.identity
}

func (ws *WSTransport) endpoint() string {
	u := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += "/ws"
	if ws.token != "" {
		u += "?token=" + url.QueryEscape(ws.token)
	}
	return u
}

// Connect dials the gateway and waits for the authenticated frame. It is a
// no-op when already connected.
func (ws *WSTransport) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	fail := func(err error) error {
		ws.mu.Lock()
		ws.state = StateDisconnected
		ws.mu.Unlock()
		return err
	}

	conn, _, err := websocket.Dial(ctx, ws.endpoint(), nil)
	if err != nil {
		return fail(fmt.Errorf("websocket dial: %w", err))
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fail(fmt.Errorf("read auth frame: %w", err))
	}
	var frame RealtimeFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != frameAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		return fail(fmt.Errorf("expected %q, got %q", frameAuthenticated, frame.Type))
	}
	var ident AuthenticatedPayload
	_ = json.Unmarshal(frame.Payload, &ident)

	connCtx, cancel := context.WithCancel(ws.rootCtx)
	ws.mu.Lock()
	ws.conn = conn
	ws.connCancel = cancel
	ws.state = StateConnected
	ws.identity = ident
	channels := make([]string, 0, len(ws.subs))
	for ch := range ws.subs {
		channels = append(channels, ch)
	}
	ws.mu.Unlock()
	ws.recon.markConnected()

	for _, ch := range channels {
		if err := ws.send(ctx, &RealtimeCommand{Type: commandJoin, Payload: ChannelPayload{Channel: ch}}); err != nil {
			ws.logger.Warn().Err(err).Str("channel", ch).Msg("rejoin_failed")
		}
	}
	ws.logger.Debug().Str("user_id", ident.UserID).Int("channels", len(channels)).Msg("realtime_connected")
	ws.emitConnected()

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)
	return nil
}

// Close shuts the connection and ends every subscription.
func (ws *WSTransport) Close() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.connCancel != nil {
		ws.connCancel()
		ws.connCancel = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	var subs []*wsSub
	for _, set := range ws.subs {
		for s := range set {
			subs = append(subs, s)
		}
	}
	ws.subs = make(map[string]map[*wsSub]struct{})
	ws.mu.Unlock()

	ws.rootCancel()
	ws.clearPendingPings()
	for _, s := range subs {
		s.finish()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe joins channel, connecting first if needed.
func (ws *WSTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ws.Connect(ctx); err != nil {
		return nil, err
	}
	s := &wsSub{
		ws:      ws,
		channel: channel,
		events:  make(chan Event, ws.config.BufferSize),
	}
	ws.mu.Lock()
	set, ok := ws.subs[channel]
	if !ok {
		set = make(map[*wsSub]struct{})
		ws.subs[channel] = set
	}
	set[s] = struct{}{}
	first := !ok
	ws.mu.Unlock()

	if first {
		if err := ws.send(ctx, &RealtimeCommand{Type: commandJoin, Payload: ChannelPayload{Channel: channel}}); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("join %s: %w", channel, err)
		}
	}
	return s, nil
}

// Broadcast sends a typing signal through the gateway.
func (ws *WSTransport) Broadcast(ctx context.Context, channel string, sig TypingSignal) error {
	return ws.send(ctx, &RealtimeCommand{
		Type:    commandTyping,
		Payload: TypingPayload{Channel: channel, DisplayName: sig.DisplayName, IsTyping: sig.IsTyping},
	})
}

func (ws *WSTransport) send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the pong.
func (ws *WSTransport) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter.Add(1))

	ch := make(chan PongPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()
	forget := func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}

	if err := ws.send(ctx, &RealtimeCommand{Type: commandPing, RequestID: requestID}); err != nil {
		forget()
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, errors.New("connection closed")
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		forget()
		return nil, errors.New("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (ws *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if ws.conn == conn {
				ws.conn = nil
				ws.state = StateDisconnected
			}
			ws.mu.Unlock()
			if intentional {
				return
			}
			ws.logger.Warn().Err(err).Msg("realtime_disconnected")
			ws.emitDisconnected(err.Error())
			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect()
			}
			return
		}

		var frame RealtimeFrame
		if json.Unmarshal(data, &frame) != nil {
			continue
		}
		switch frame.Type {
		case frameEvent:
			ws.deliver(frame.Payload)
		case framePong:
			var p PongPayload
			if json.Unmarshal(frame.Payload, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				ch, ok := ws.pendingPings[p.RequestID]
				if ok {
					delete(ws.pendingPings, p.RequestID)
				}
				ws.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		case frameError:
			var p RealtimeErrorPayload
			_ = json.Unmarshal(frame.Payload, &p)
			ws.logger.Warn().Str("message", p.Message).Msg("realtime_error")
		}
	}
}

func (ws *WSTransport) deliver(payload json.RawMessage) {
	ev, channel, err := DecodeEvent(payload)
	if err != nil {
		ws.logger.Debug().Err(err).Msg("event_dropped")
		return
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for s := range ws.subs[channel] {
		select {
		case s.events <- ev:
		default:
			ws.logger.Warn().Str("channel", channel).Str("kind", ev.Kind()).Msg("subscriber_overflow")
		}
	}
}

func (ws *WSTransport) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if _, err := ws.Ping(ctx); err != nil {
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *WSTransport) scheduleReconnect() {
	for {
		delay := ws.recon.nextDelay()
		ws.mu.Lock()
		ws.state = StateReconnecting
		ws.mu.Unlock()
		ws.emitReconnecting(ws.recon.attempt, delay)

		select {
		case <-ws.rootCtx.Done():
			return
		case <-time.After(delay):
		}

		err := ws.Connect(ws.rootCtx)
		if err == nil {
			return
		}
		ws.logger.Debug().Err(err).Int("attempt", ws.recon.attempt).Msg("reconnect_failed")
		if !ws.config.AutoReconnect || !ws.recon.shouldReconnect() {
			ws.mu.Lock()
			ws.state = StateDisconnected
			ws.mu.Unlock()
			return
		}
	}
}

func (ws *WSTransport) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}

// ── Subscription ─────────────────────────────────────────

type wsSub struct {
	ws      *WSTransport
	channel string
	events  chan Event
	once    sync.Once
}

func (s *wsSub) Events() <-chan Event { return s.events }

// Close leaves the channel once its last subscription is gone.
func (s *wsSub) Close() error {
	var last bool
	s.ws.mu.Lock()
	if set, ok := s.ws.subs[s.channel]; ok {
		if _, mine := set[s]; mine {
			delete(set, s)
			if len(set) == 0 {
				delete(s.ws.subs, s.channel)
				last = true
			}
		}
	}
	s.ws.mu.Unlock()
	s.finish()

	if last {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.ws.send(ctx, &RealtimeCommand{Type: commandLeave, Payload: ChannelPayload{Channel: s.channel}}); err != nil {
			s.ws.logger.Debug().Err(err).Str("channel", s.channel).Msg("leave_failed")
		}
	}
	return nil
}

func (s *wsSub) finish() {
	s.once.Do(func() {
		s.ws.mu.Lock()
		close(s.events)
		s.ws.mu.Unlock()
	})
}
