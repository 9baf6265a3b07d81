// Package bullroom is the Bull Room chat synchronization engine.
//
// It keeps a per-room message cache consistent across optimistic local
// writes, remote confirmations and pushed change events, and ships adapters
// for the collaborators around it: an HTTP client and WebSocket transport for
// the gateway, Postgres and Redis for the server side.
//
// Example:
//
//	client := bullroom.NewClient(token, bullroom.WithBaseURL("https://bull.community"))
//	session, _ := bullroom.SessionFromUnverifiedToken(token)
//
//	engine, _ := bullroom.NewEngine(bullroom.EngineConfig{
//		Backend:    client,
//		Moderation: client,
//		Profiles:   client,
//		Transport:  client.Realtime(),
//		Session:    session,
//	})
//	_ = engine.Start(ctx)
//
//	room, _ := engine.Switch(ctx, "general")
//	room.LoadMore(ctx, nil)
//	room.Send(ctx, "gm", "", nil)
package bullroom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Local      Environment = "local"
)

var environments = map[Environment]string{
	Production: "https://bull.community",
	Local:      "http://localhost:8080",
}

const (
	DefaultBaseURL = "https://bull.community"
	DefaultTimeout = 30 * time.Second
)

// BaseURLFor returns the gateway URL of a named environment.
func BaseURLFor(env Environment) (string, bool) {
	u, ok := environments[env]
	return u, ok
}

// ============================================================================
// Response envelope
// ============================================================================

// APIError is the error body returned by the gateway.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the gateway's response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into v.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Client
// ============================================================================

// Client talks to a gateway over HTTP. It implements Backend,
// ModerationBackend, ProfileSource and RoomDirectory.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client. token is optional; anonymous clients can read
// history but every write is rejected by the gateway.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the gateway URL in use.
func (c *Client) BaseURL() string { return c.baseURL }

// Realtime returns a WebSocket transport for the same gateway and token.
func (c *Client) Realtime(opts ...RealtimeOption) *WSTransport {
	return NewWSTransport(c.baseURL, c.token, append([]RealtimeOption{WithRealtimeLogger(c.logger)}, opts...)...)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("%s %s: unexpected response (HTTP %d): %w", method, path, resp.StatusCode, err)
	}
	if !res.OK || resp.StatusCode >= 400 {
		apiErr := res.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "HTTP_ERROR", Message: http.StatusText(resp.StatusCode)}
		}
		apiErr.Status = resp.StatusCode
		if resp.StatusCode == http.StatusNotFound || apiErr.Code == string(CodeNotFound) {
			return fmt.Errorf("%s %s: %w", method, path, errors.Join(ErrRecordNotFound, apiErr))
		}
		return fmt.Errorf("%s %s: %w", method, path, apiErr)
	}
	if out == nil {
		return nil
	}
	if err := res.Decode(out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func pathEscape(s string) string { return url.PathEscape(s) }

// Health checks the gateway.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil, nil)
}

// Me returns the session the gateway derives from the token.
func (c *Client) Me(ctx context.Context) (*Session, error) {
	var s struct {
		UserID      string    `json:"user_id"`
		DisplayName string    `json:"display_name"`
		Role        string    `json:"role"`
		ExpiresAt   time.Time `json:"expires_at"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, nil, &s); err != nil {
		return nil, err
	}
	if s.UserID == "" {
		return nil, nil
	}
	return &Session{UserID: s.UserID, DisplayName: s.DisplayName, Role: s.Role, ExpiresAt: s.ExpiresAt}, nil
}

// ============================================================================
// Backend
// ============================================================================

func (c *Client) CreateMessage(ctx context.Context, msg NewMessage) (Message, error) {
	var out Message
	err := c.do(ctx, http.MethodPost, "/api/rooms/"+pathEscape(msg.RoomID)+"/messages", msg, nil, &out)
	return out, err
}

func (c *Client) EditMessage(ctx context.Context, id, body string) (Message, error) {
	var out Message
	err := c.do(ctx, http.MethodPatch, "/api/messages/"+pathEscape(id), map[string]string{"body": body}, nil, &out)
	return out, err
}

func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/messages/"+pathEscape(id), nil, nil, nil)
}

func (c *Client) ListMessages(ctx context.Context, roomID string, limit, offset int) ([]Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var out []Message
	err := c.do(ctx, http.MethodGet, "/api/rooms/"+pathEscape(roomID)+"/messages", nil, q, &out)
	return out, err
}

// AddReaction reacts as the token's user; edge.UserID is informational.
func (c *Client) AddReaction(ctx context.Context, edge ReactionEdge) error {
	return c.do(ctx, http.MethodPut, reactionPath(edge), nil, nil, nil)
}

func (c *Client) RemoveReaction(ctx context.Context, edge ReactionEdge) error {
	return c.do(ctx, http.MethodDelete, reactionPath(edge), nil, nil, nil)
}

func reactionPath(edge ReactionEdge) string {
	return "/api/messages/" + pathEscape(edge.MessageID) + "/reactions/" + pathEscape(edge.Emoji)
}

// ============================================================================
// ModerationBackend
// ============================================================================

func (c *Client) ListRestrictions(ctx context.Context) ([]MuteRestriction, error) {
	var out []MuteRestriction
	err := c.do(ctx, http.MethodGet, "/api/restrictions", nil, nil, &out)
	return out, err
}

func (c *Client) GetRestriction(ctx context.Context, userID string) (*MuteRestriction, error) {
	var out MuteRestriction
	err := c.do(ctx, http.MethodGet, "/api/restrictions/"+pathEscape(userID), nil, nil, &out)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateRestriction(ctx context.Context, r MuteRestriction) error {
	return c.do(ctx, http.MethodPost, "/api/restrictions", r, nil, nil)
}

func (c *Client) DeleteRestriction(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodDelete, "/api/restrictions/"+pathEscape(userID), nil, nil, nil)
}

func (c *Client) DeleteMessagesFrom(ctx context.Context, userID, roomID string) ([]string, error) {
	var out struct {
		Deleted []string `json:"deleted"`
	}
	path := "/api/rooms/" + pathEscape(roomID) + "/users/" + pathEscape(userID) + "/messages"
	if err := c.do(ctx, http.MethodDelete, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Deleted, nil
}

// ============================================================================
// ProfileSource / RoomDirectory
// ============================================================================

func (c *Client) LookupProfile(ctx context.Context, userID string) (Identity, error) {
	var out Identity
	err := c.do(ctx, http.MethodGet, "/api/profiles/"+pathEscape(userID), nil, nil, &out)
	return out, err
}

func (c *Client) ListRooms(ctx context.Context) ([]RoomInfo, error) {
	var out []RoomInfo
	err := c.do(ctx, http.MethodGet, "/api/rooms", nil, nil, &out)
	return out, err
}

func (c *Client) GetRoom(ctx context.Context, ref string) (RoomInfo, error) {
	var out RoomInfo
	err := c.do(ctx, http.MethodGet, "/api/rooms/"+pathEscape(ref), nil, nil, &out)
	return out, err
}
