package bullroom

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookSource identifies payloads produced for this receiver.
const WebhookSource = "bull_moderation"

// SignatureHeader carries the HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Bull-Signature"

// Moderation webhook actions.
const (
	ActionMute          = "mute"
	ActionUnmute        = "unmute"
	ActionDeleteMessage = "delete_message"
	ActionPurge         = "purge"
)

// WebhookPayload is a moderation decision pushed by an external service,
// such as an automated spam filter.
type WebhookPayload struct {
	Source        string `json:"source"`
	Action        string `json:"action"`
	Timestamp     int64  `json:"timestamp"`
	UserID        string `json:"user_id,omitempty"`
	RoomID        string `json:"room_id,omitempty"`
	MessageID     string `json:"message_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	DurationHours *int   `json:"duration_hours,omitempty"`
}

// WebhookResult is returned to the caller on success.
type WebhookResult struct {
	Deleted int `json:"deleted,omitempty"`
}

// WebhookHandlerFunc applies a verified payload.
type WebhookHandlerFunc func(payload *WebhookPayload) (*WebhookResult, error)

// ============================================================================
// Standalone Functions
// ============================================================================

// SignWebhookPayload returns the signature header value for body.
func SignWebhookPayload(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks an HMAC-SHA256 signature in constant time.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	expected := strings.TrimPrefix(SignWebhookPayload(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload parses and validates a raw body.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if payload.Source != WebhookSource {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}

	switch payload.Action {
	case ActionMute, ActionUnmute:
		if payload.UserID == "" {
			return nil, fmt.Errorf("%s requires user_id", payload.Action)
		}
	case ActionDeleteMessage:
		if payload.MessageID == "" || payload.RoomID == "" {
			return nil, fmt.Errorf("%s requires room_id and message_id", payload.Action)
		}
	case ActionPurge:
		if payload.UserID == "" || payload.RoomID == "" {
			return nil, fmt.Errorf("%s requires user_id and room_id", payload.Action)
		}
	case "":
		return nil, fmt.Errorf("missing action field in webhook payload")
	default:
		return nil, fmt.Errorf("unknown webhook action: %s", payload.Action)
	}
	return &payload, nil
}

// ============================================================================
// ModerationWebhook
// ============================================================================

// ModerationWebhook verifies, parses and dispatches moderation payloads.
type ModerationWebhook struct {
	secret   string
	onAction WebhookHandlerFunc
}

// NewModerationWebhook creates a receiver.
func NewModerationWebhook(secret string, onAction WebhookHandlerFunc) (*ModerationWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if onAction == nil {
		return nil, fmt.Errorf("webhook handler is required")
	}
	return &ModerationWebhook{secret: secret, onAction: onAction}, nil
}

// Handle processes one request body and returns the status code and the
// response body for the caller to write.
func (w *ModerationWebhook) Handle(body, signature string) (int, any) {
	if !VerifyWebhookSignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	res, err := w.onAction(payload)
	if err != nil {
		status := http.StatusInternalServerError
		switch CodeOf(err) {
		case CodeNotFound:
			status = http.StatusNotFound
		case CodeValidation:
			status = http.StatusBadRequest
		}
		return status, map[string]string{"error": err.Error()}
	}
	if res != nil {
		return http.StatusOK, res
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler for the receiver.
//
// Example:
//
//	wh, _ := bullroom.NewModerationWebhook("secret", apply)
//	http.Handle("/hooks/moderation", wh.HTTPHandler())
func (w *ModerationWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		writeJSON := func(status int, v any) {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(status)
			json.NewEncoder(rw).Encode(v)
		}
		if r.Method != http.MethodPost {
			writeJSON(http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}
		bodyBytes, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, 1<<20))
		if err != nil {
			writeJSON(http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		status, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(status, data)
	})
}
