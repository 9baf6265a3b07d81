package bullroom

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ============================================================================
// Event variants
// ============================================================================

// Event is a push event delivered by a Transport. The concrete type is one of
// the variants below; consumers switch on it exhaustively.
type Event interface {
	// Kind is a stable label used for logging and metrics.
	Kind() string
}

// MessageInserted carries a newly created message record.
type MessageInserted struct{ Record Message }

// MessageUpdated carries the full record after an edit.
type MessageUpdated struct{ Record Message }

// MessageDeleted carries the record as it was before deletion.
type MessageDeleted struct{ Old Message }

// ReactionInserted carries a newly created reaction edge.
type ReactionInserted struct{ Edge ReactionEdge }

// ReactionDeleted carries the full removed edge.
type ReactionDeleted struct{ Old ReactionEdge }

// RestrictionInserted carries a new mute restriction.
type RestrictionInserted struct{ Restriction MuteRestriction }

// RestrictionDeleted carries the removed mute restriction.
type RestrictionDeleted struct{ Old MuteRestriction }

// TypingChanged carries an ephemeral typing broadcast.
type TypingChanged struct{ Signal TypingSignal }

func (MessageInserted) Kind() string     { return "message.insert" }
func (MessageUpdated) Kind() string      { return "message.update" }
func (MessageDeleted) Kind() string      { return "message.delete" }
func (ReactionInserted) Kind() string    { return "reaction.insert" }
func (ReactionDeleted) Kind() string     { return "reaction.delete" }
func (RestrictionInserted) Kind() string { return "restriction.insert" }
func (RestrictionDeleted) Kind() string  { return "restriction.delete" }
func (TypingChanged) Kind() string       { return "typing" }

// ============================================================================
// Wire format
// ============================================================================

// ModerationChannel is the transport channel carrying restriction events.
const ModerationChannel = "moderation"

// Change types on the wire.
const (
	ChangeInsert    = "INSERT"
	ChangeUpdate    = "UPDATE"
	ChangeDelete    = "DELETE"
	ChangeBroadcast = "BROADCAST"
)

// Source tables on the wire. They are only interpreted inside this file.
const (
	tableMessages     = "bull_room_messages"
	tableReactions    = "bull_room_reactions"
	tableRestrictions = "bull_room_restrictions"
	broadcastTyping   = "typing"
)

// Envelope is the JSON frame used by every transport.
type Envelope struct {
	Type      string          `json:"type"`
	Table     string          `json:"table"`
	Channel   string          `json:"channel,omitempty"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}

// ErrUnknownEvent is returned for frames that map to no event variant.
var ErrUnknownEvent = errors.New("unknown event")

// EncodeEvent renders ev as an envelope addressed to channel.
func EncodeEvent(channel string, ev Event) ([]byte, error) {
	env := Envelope{Channel: channel}
	var (
		record any
		old    any
	)
	switch e := ev.(type) {
	case MessageInserted:
		env.Type, env.Table, record = ChangeInsert, tableMessages, e.Record
	case MessageUpdated:
		env.Type, env.Table, record = ChangeUpdate, tableMessages, e.Record
	case MessageDeleted:
		env.Type, env.Table, old = ChangeDelete, tableMessages, e.Old
	case ReactionInserted:
		env.Type, env.Table, record = ChangeInsert, tableReactions, e.Edge
	case ReactionDeleted:
		env.Type, env.Table, old = ChangeDelete, tableReactions, e.Old
	case RestrictionInserted:
		env.Type, env.Table, record = ChangeInsert, tableRestrictions, e.Restriction
	case RestrictionDeleted:
		env.Type, env.Table, old = ChangeDelete, tableRestrictions, e.Old
	case TypingChanged:
		env.Type, env.Table, record = ChangeBroadcast, broadcastTyping, e.Signal
	default:
		return nil, fmt.Errorf("encode %T: %w", ev, ErrUnknownEvent)
	}
	var err error
	if record != nil {
		if env.Record, err = json.Marshal(record); err != nil {
			return nil, fmt.Errorf("encode record: %w", err)
		}
	}
	if old != nil {
		if env.OldRecord, err = json.Marshal(old); err != nil {
			return nil, fmt.Errorf("encode old record: %w", err)
		}
	}
	return json.Marshal(env)
}

// DecodeEvent parses one frame. It returns the channel the frame was
// addressed to along with the event.
func DecodeEvent(data []byte) (Event, string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, "", fmt.Errorf("decode envelope: %w", err)
	}
	ev, err := env.Event()
	return ev, env.Channel, err
}

// Event converts the envelope into its variant.
func (env Envelope) Event() (Event, error) {
	switch env.Table {
	case tableMessages:
		switch env.Type {
		case ChangeInsert:
			m, err := decodeRecord[Message](env.Record)
			if err != nil || m.ID == "" {
				return nil, malformed(env, err)
			}
			return MessageInserted{Record: m}, nil
		case ChangeUpdate:
			m, err := decodeRecord[Message](env.Record)
			if err != nil || m.ID == "" {
				return nil, malformed(env, err)
			}
			return MessageUpdated{Record: m}, nil
		case ChangeDelete:
			m, err := decodeRecord[Message](env.OldRecord)
			if err != nil || m.ID == "" {
				return nil, malformed(env, err)
			}
			return MessageDeleted{Old: m}, nil
		}
	case tableReactions:
		switch env.Type {
		case ChangeInsert:
			e, err := decodeRecord[ReactionEdge](env.Record)
			if err != nil || !validEdge(e) {
				return nil, malformed(env, err)
			}
			return ReactionInserted{Edge: e}, nil
		case ChangeDelete:
			e, err := decodeRecord[ReactionEdge](env.OldRecord)
			if err != nil || !validEdge(e) {
				return nil, malformed(env, err)
			}
			return ReactionDeleted{Old: e}, nil
		}
	case tableRestrictions:
		switch env.Type {
		case ChangeInsert:
			r, err := decodeRecord[MuteRestriction](env.Record)
			if err != nil || r.UserID == "" {
				return nil, malformed(env, err)
			}
			return RestrictionInserted{Restriction: r}, nil
		case ChangeDelete:
			r, err := decodeRecord[MuteRestriction](env.OldRecord)
			if err != nil || r.UserID == "" {
				return nil, malformed(env, err)
			}
			return RestrictionDeleted{Old: r}, nil
		}
	case broadcastTyping:
		if env.Type == ChangeBroadcast {
			s, err := decodeRecord[TypingSignal](env.Record)
			if err != nil || s.UserID == "" {
				return nil, malformed(env, err)
			}
			if s.RoomID == "" {
				s.RoomID = env.Channel
			}
			return TypingChanged{Signal: s}, nil
		}
	}
	return nil, fmt.Errorf("%s on %q: %w", env.Type, env.Table, ErrUnknownEvent)
}

func decodeRecord[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, errors.New("empty record")
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}

func validEdge(e ReactionEdge) bool {
	return e.MessageID != "" && e.UserID != "" && e.Emoji != ""
}

func malformed(env Envelope, cause error) error {
	if cause == nil {
		cause = errors.New("missing key fields")
	}
	return fmt.Errorf("malformed %s on %q: %w", env.Type, env.Table, cause)
}
