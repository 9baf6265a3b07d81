package bullroom

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// ============================================================================
// Limits
// ============================================================================

const (
	// MaxBodyLength is the longest message body accepted by Send and Edit, in runes.
	MaxBodyLength = 2000

	// AuthenticatedBatchSize and AnonymousBatchSize are the history page sizes.
	AuthenticatedBatchSize = 50
	AnonymousBatchSize     = 10

	// DedupWindow bounds the content-based duplicate guard for pushed inserts.
	DedupWindow = 5 * time.Second

	// TypingTimeout is how long a typing signal stays visible without a refresh.
	TypingTimeout = 3 * time.Second

	// RetentionWindow is enforced by the system of record; the cache never asks
	// for anything older.
	RetentionWindow = 48 * time.Hour

	tempIDPrefix = "tmp-"
)

// ============================================================================
// Messages
// ============================================================================

// MessageKind discriminates how a message body is rendered.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindFile   MessageKind = "file"
	KindSystem MessageKind = "system"
)

// Valid reports whether k is one of the known kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile, KindSystem:
		return true
	}
	return false
}

// Attachment describes an already-uploaded blob referenced by a message.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Kind derives the message kind implied by the attachment's MIME type.
func (a *Attachment) Kind() MessageKind {
	if a == nil {
		return KindText
	}
	if strings.HasPrefix(strings.ToLower(a.MimeType), "image/") {
		return KindImage
	}
	return KindFile
}

// Reactions maps an emoji to the set of user ids that reacted with it.
type Reactions map[string]map[string]struct{}

// Has reports whether userID reacted with emoji.
func (r Reactions) Has(emoji, userID string) bool {
	_, ok := r[emoji][userID]
	return ok
}

// Add inserts userID into the emoji set. It reports whether the set changed.
func (r Reactions) Add(emoji, userID string) bool {
	users, ok := r[emoji]
	if !ok {
		users = make(map[string]struct{})
		r[emoji] = users
	}
	if _, exists := users[userID]; exists {
		return false
	}
	users[userID] = struct{}{}
	return true
}

// Remove deletes userID from the emoji set, dropping the emoji once empty.
func (r Reactions) Remove(emoji, userID string) bool {
	users, ok := r[emoji]
	if !ok {
		return false
	}
	if _, exists := users[userID]; !exists {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(r, emoji)
	}
	return true
}

// Count returns the number of users that reacted with emoji.
func (r Reactions) Count(emoji string) int {
	return len(r[emoji])
}

// Users returns the sorted user ids for emoji.
func (r Reactions) Users(emoji string) []string {
	out := make([]string, 0, len(r[emoji]))
	for id := range r[emoji] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy.
func (r Reactions) Clone() Reactions {
	if r == nil {
		return nil
	}
	out := make(Reactions, len(r))
	for emoji, users := range r {
		set := make(map[string]struct{}, len(users))
		for id := range users {
			set[id] = struct{}{}
		}
		out[emoji] = set
	}
	return out
}

// MarshalJSON encodes the sets as sorted user id lists.
func (r Reactions) MarshalJSON() ([]byte, error) {
	out := make(map[string][]string, len(r))
	for emoji := range r {
		out[emoji] = r.Users(emoji)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes emoji → user id lists.
func (r *Reactions) UnmarshalJSON(data []byte) error {
	var in map[string][]string
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	out := make(Reactions, len(in))
	for emoji, users := range in {
		for _, id := range users {
			out.Add(emoji, id)
		}
	}
	*r = out
	return nil
}

// Message is a single chat entry as held in the room cache.
type Message struct {
	ID          string      `json:"id"`
	RoomID      string      `json:"room_id"`
	AuthorID    string      `json:"author_id"`
	DisplayName string      `json:"display_name,omitempty"`
	AvatarURL   string      `json:"avatar_url,omitempty"`
	Body        string      `json:"body"`
	Kind        MessageKind `json:"kind"`
	Attachment  *Attachment `json:"attachment,omitempty"`
	// ReplyToID is a back-reference only; the target may not be loaded.
	ReplyToID string    `json:"reply_to_id,omitempty"`
	Reactions Reactions `json:"reactions,omitempty"`
	Edited    bool      `json:"edited"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsProvisional reports whether the message still carries a locally
// generated temporary id.
func (m *Message) IsProvisional() bool {
	return strings.HasPrefix(m.ID, tempIDPrefix)
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	out.Reactions = m.Reactions.Clone()
	if m.Attachment != nil {
		a := *m.Attachment
		out.Attachment = &a
	}
	return out
}

// NewMessage is the payload for a remote create.
type NewMessage struct {
	RoomID     string      `json:"room_id"`
	AuthorID   string      `json:"author_id"`
	Body       string      `json:"body"`
	Kind       MessageKind `json:"kind"`
	Attachment *Attachment `json:"attachment,omitempty"`
	ReplyToID  string      `json:"reply_to_id,omitempty"`
}

// ============================================================================
// Rooms and pages
// ============================================================================

// RoomInfo is owned by the content-management collaborator; the cache only uses
// its id as a key.
type RoomInfo struct {
	ID             string    `json:"id"`
	Slug           string    `json:"slug"`
	Name           string    `json:"name"`
	Topic          string    `json:"topic,omitempty"`
	Rules          string    `json:"rules,omitempty"`
	MessageCount   int       `json:"message_count"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Page is one newest-first batch of history.
type Page struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
	Offset   int       `json:"offset"`
}

// ============================================================================
// Reactions, moderation, typing, identity
// ============================================================================

// ReactionEdge records that a user reacted with an emoji on a message.
type ReactionEdge struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
}

// MuteRestriction blocks a user from sending until it expires or is removed.
type MuteRestriction struct {
	UserID    string     `json:"user_id"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ActiveAt reports whether the restriction is in force at now.
func (r MuteRestriction) ActiveAt(now time.Time) bool {
	return r.ExpiresAt == nil || r.ExpiresAt.After(now)
}

// TypingSignal is an ephemeral, never-persisted broadcast.
type TypingSignal struct {
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	IsTyping    bool   `json:"is_typing"`
}

// Identity is the resolved display identity of a user.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}
