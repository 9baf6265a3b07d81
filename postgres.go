package bullroom

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

// PostgresBackend is the system of record on Postgres. It implements
// Backend, ModerationBackend, ProfileSource, RoomDirectory and Purger.
type PostgresBackend struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// OpenPostgres opens a pool through the pgx stdlib driver and pings it.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*PostgresBackend, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return NewPostgresBackend(conn, opts...), nil
}

// NewPostgresBackend wraps an open pool.
func NewPostgresBackend(db *sql.DB, opts ...Option) *PostgresBackend {
	o := buildOptions(opts)
	return &PostgresBackend{db: db, logger: o.logger, now: o.now}
}

// DB exposes the pool.
func (p *PostgresBackend) DB() *sql.DB { return p.db }

// Close closes the pool.
func (p *PostgresBackend) Close() error { return p.db.Close() }

// Migrate creates the schema. It is safe to run repeatedly.
func (p *PostgresBackend) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
            id TEXT PRIMARY KEY,
            display_name TEXT NOT NULL DEFAULT '',
            avatar_url TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

		`CREATE TABLE IF NOT EXISTS bull_rooms (
            id TEXT PRIMARY KEY,
            slug TEXT UNIQUE NOT NULL,
            name TEXT NOT NULL,
            topic TEXT NOT NULL DEFAULT '',
            rules TEXT NOT NULL DEFAULT '',
            message_count INT NOT NULL DEFAULT 0,
            last_activity_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

		`CREATE TABLE IF NOT EXISTS bull_room_messages (
            id BIGSERIAL PRIMARY KEY,
            room_id TEXT NOT NULL,
            author_id TEXT NOT NULL,
            body TEXT NOT NULL DEFAULT '',
            kind TEXT NOT NULL DEFAULT 'text' CHECK (kind IN ('text', 'image', 'file', 'system')),
            attachment JSONB,
            reply_to_id BIGINT REFERENCES bull_room_messages(id) ON DELETE SET NULL,
            edited BOOLEAN NOT NULL DEFAULT false,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

		`CREATE INDEX IF NOT EXISTS bull_room_messages_timeline
            ON bull_room_messages (room_id, created_at DESC, id DESC)`,

		`CREATE TABLE IF NOT EXISTS bull_room_reactions (
            message_id BIGINT NOT NULL REFERENCES bull_room_messages(id) ON DELETE CASCADE,
            user_id TEXT NOT NULL,
            emoji TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            PRIMARY KEY (message_id, user_id, emoji)
        )`,

		`CREATE TABLE IF NOT EXISTS bull_room_restrictions (
            user_id TEXT PRIMARY KEY,
            reason TEXT NOT NULL DEFAULT '',
            expires_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// parseID converts a message id. Ids that cannot exist are reported as not
// found rather than as bad input.
func parseID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0, ErrRecordNotFound
	}
	return n, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// ============================================================================
// Messages
// ============================================================================

const messageColumns = `
    m.id, m.room_id, m.author_id, COALESCE(p.display_name, ''), COALESCE(p.avatar_url, ''),
    m.body, m.kind, m.attachment, m.reply_to_id, m.edited, m.created_at, m.updated_at`

const messageFrom = `
    FROM bull_room_messages m
    LEFT JOIN profiles p ON p.id = m.author_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m          Message
		id         int64
		kind       string
		attachment []byte
		replyTo    sql.NullInt64
	)
	if err := row.Scan(&id, &m.RoomID, &m.AuthorID, &m.DisplayName, &m.AvatarURL,
		&m.Body, &kind, &attachment, &replyTo, &m.Edited, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return Message{}, err
	}
	m.ID = strconv.FormatInt(id, 10)
	m.Kind = MessageKind(kind)
	if len(attachment) > 0 {
		var a Attachment
		if err := json.Unmarshal(attachment, &a); err != nil {
			return Message{}, fmt.Errorf("decode attachment of %d: %w", id, err)
		}
		m.Attachment = &a
	}
	if replyTo.Valid {
		m.ReplyToID = strconv.FormatInt(replyTo.Int64, 10)
	}
	m.Reactions = make(Reactions)
	return m, nil
}

func (p *PostgresBackend) getMessage(ctx context.Context, id int64) (Message, error) {
	row := p.db.QueryRowContext(ctx, `SELECT`+messageColumns+messageFrom+` WHERE m.id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrRecordNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	if err := p.loadReactions(ctx, []*Message{&m}); err != nil {
		return Message{}, err
	}
	return m, nil
}

// GetMessage returns one message with its reactions.
func (p *PostgresBackend) GetMessage(ctx context.Context, id string) (Message, error) {
	n, err := parseID(id)
	if err != nil {
		return Message{}, err
	}
	return p.getMessage(ctx, n)
}

func (p *PostgresBackend) CreateMessage(ctx context.Context, in NewMessage) (Message, error) {
	var attachment []byte
	if in.Attachment != nil {
		b, err := json.Marshal(in.Attachment)
		if err != nil {
			return Message{}, fmt.Errorf("encode attachment: %w", err)
		}
		attachment = b
	}
	var replyTo sql.NullInt64
	if in.ReplyToID != "" {
		n, err := parseID(in.ReplyToID)
		if err == nil {
			replyTo = sql.NullInt64{Int64: n, Valid: true}
		}
	}
	kind := in.Kind
	if kind == "" {
		kind = KindText
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("create message: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
        INSERT INTO bull_room_messages (room_id, author_id, body, kind, attachment, reply_to_id)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id`,
		in.RoomID, in.AuthorID, in.Body, string(kind), attachment, replyTo).Scan(&id)
	if isForeignKeyViolation(err) {
		// The reply target vanished; keep the message without the reference.
		return p.CreateMessage(ctx, NewMessage{RoomID: in.RoomID, AuthorID: in.AuthorID, Body: in.Body, Kind: in.Kind, Attachment: in.Attachment})
	}
	if err != nil {
		return Message{}, fmt.Errorf("create message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE bull_rooms SET message_count = message_count + 1, last_activity_at = now()
        WHERE id = $1`, in.RoomID); err != nil {
		return Message{}, fmt.Errorf("touch room: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("create message: %w", err)
	}
	return p.getMessage(ctx, id)
}

func (p *PostgresBackend) EditMessage(ctx context.Context, id, body string) (Message, error) {
	n, err := parseID(id)
	if err != nil {
		return Message{}, err
	}
	res, err := p.db.ExecContext(ctx, `
        UPDATE bull_room_messages SET body = $2, edited = true, updated_at = now()
        WHERE id = $1`, n, body)
	if err != nil {
		return Message{}, fmt.Errorf("edit message: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return Message{}, ErrRecordNotFound
	}
	return p.getMessage(ctx, n)
}

func (p *PostgresBackend) DeleteMessage(ctx context.Context, id string) error {
	n, err := parseID(id)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM bull_room_messages WHERE id = $1`, n)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (p *PostgresBackend) ListMessages(ctx context.Context, roomID string, limit, offset int) ([]Message, error) {
	cutoff := p.now().Add(-RetentionWindow)
	rows, err := p.db.QueryContext(ctx, `SELECT`+messageColumns+messageFrom+`
        WHERE m.room_id = $1 AND m.created_at > $2
        ORDER BY m.created_at DESC, m.id DESC
        LIMIT $3 OFFSET $4`, roomID, cutoff, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	ptrs := make([]*Message, len(out))
	for i := range out {
		ptrs[i] = &out[i]
	}
	if err := p.loadReactions(ctx, ptrs); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresBackend) loadReactions(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[int64]*Message, len(msgs))
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		n, err := strconv.ParseInt(m.ID, 10, 64)
		if err != nil {
			continue
		}
		byID[n] = m
		ids = append(ids, n)
	}
	rows, err := p.db.QueryContext(ctx, `
        SELECT message_id, user_id, emoji FROM bull_room_reactions
        WHERE message_id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("load reactions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id          int64
			user, emoji string
		)
		if err := rows.Scan(&id, &user, &emoji); err != nil {
			return fmt.Errorf("load reactions: %w", err)
		}
		if m, ok := byID[id]; ok {
			m.Reactions.Add(emoji, user)
		}
	}
	return rows.Err()
}

// ============================================================================
// Reactions
// ============================================================================

// AddReaction inserts the edge; the composite key makes repeats a no-op.
func (p *PostgresBackend) AddReaction(ctx context.Context, edge ReactionEdge) error {
	n, err := parseID(edge.MessageID)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
        INSERT INTO bull_room_reactions (message_id, user_id, emoji)
        VALUES ($1, $2, $3)
        ON CONFLICT DO NOTHING`, n, edge.UserID, edge.Emoji)
	if isForeignKeyViolation(err) {
		return ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("add reaction: %w", err)
	}
	return nil
}

func (p *PostgresBackend) RemoveReaction(ctx context.Context, edge ReactionEdge) error {
	n, err := parseID(edge.MessageID)
	if err != nil {
		return nil
	}
	if _, err := p.db.ExecContext(ctx, `
        DELETE FROM bull_room_reactions
        WHERE message_id = $1 AND user_id = $2 AND emoji = $3`, n, edge.UserID, edge.Emoji); err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	return nil
}

// ============================================================================
// Restrictions
// ============================================================================

func scanRestriction(row rowScanner) (MuteRestriction, error) {
	var (
		r       MuteRestriction
		expires sql.NullTime
	)
	if err := row.Scan(&r.UserID, &r.Reason, &expires, &r.CreatedAt); err != nil {
		return MuteRestriction{}, err
	}
	if expires.Valid {
		t := expires.Time
		r.ExpiresAt = &t
	}
	return r, nil
}

func (p *PostgresBackend) ListRestrictions(ctx context.Context) ([]MuteRestriction, error) {
	rows, err := p.db.QueryContext(ctx, `
        SELECT user_id, reason, expires_at, created_at FROM bull_room_restrictions
        ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list restrictions: %w", err)
	}
	defer rows.Close()
	var out []MuteRestriction
	for rows.Next() {
		r, err := scanRestriction(rows)
		if err != nil {
			return nil, fmt.Errorf("list restrictions: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) GetRestriction(ctx context.Context, userID string) (*MuteRestriction, error) {
	r, err := scanRestriction(p.db.QueryRowContext(ctx, `
        SELECT user_id, reason, expires_at, created_at FROM bull_room_restrictions
        WHERE user_id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get restriction: %w", err)
	}
	return &r, nil
}

// CreateRestriction upserts; muting an already muted user replaces the row.
func (p *PostgresBackend) CreateRestriction(ctx context.Context, r MuteRestriction) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = p.now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
        INSERT INTO bull_room_restrictions (user_id, reason, expires_at, created_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (user_id) DO UPDATE
        SET reason = EXCLUDED.reason, expires_at = EXCLUDED.expires_at, created_at = EXCLUDED.created_at`,
		r.UserID, r.Reason, r.ExpiresAt, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create restriction: %w", err)
	}
	return nil
}

func (p *PostgresBackend) DeleteRestriction(ctx context.Context, userID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM bull_room_restrictions WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete restriction: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (p *PostgresBackend) DeleteMessagesFrom(ctx context.Context, userID, roomID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
        DELETE FROM bull_room_messages WHERE author_id = $1 AND room_id = $2
        RETURNING id`, userID, roomID)
	if err != nil {
		return nil, fmt.Errorf("purge messages: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("purge messages: %w", err)
		}
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	return ids, rows.Err()
}

// ============================================================================
// Profiles, rooms, retention
// ============================================================================

func (p *PostgresBackend) LookupProfile(ctx context.Context, userID string) (Identity, error) {
	id := Identity{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
        SELECT display_name, avatar_url FROM profiles WHERE id = $1`, userID).
		Scan(&id.DisplayName, &id.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrRecordNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("lookup profile: %w", err)
	}
	return id, nil
}

// UpsertProfile stores a display identity.
func (p *PostgresBackend) UpsertProfile(ctx context.Context, id Identity) error {
	_, err := p.db.ExecContext(ctx, `
        INSERT INTO profiles (id, display_name, avatar_url) VALUES ($1, $2, $3)
        ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, avatar_url = EXCLUDED.avatar_url`,
		id.UserID, id.DisplayName, id.AvatarURL)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

const roomColumns = `id, slug, name, topic, rules, message_count, last_activity_at`

func scanRoom(row rowScanner) (RoomInfo, error) {
	var r RoomInfo
	err := row.Scan(&r.ID, &r.Slug, &r.Name, &r.Topic, &r.Rules, &r.MessageCount, &r.LastActivityAt)
	return r, err
}

func (p *PostgresBackend) ListRooms(ctx context.Context) ([]RoomInfo, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+roomColumns+` FROM bull_rooms ORDER BY last_activity_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()
	var out []RoomInfo
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("list rooms: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) GetRoom(ctx context.Context, ref string) (RoomInfo, error) {
	r, err := scanRoom(p.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM bull_rooms WHERE id = $1 OR lower(slug) = $2`, ref, strings.ToLower(ref)))
	if errors.Is(err, sql.ErrNoRows) {
		return RoomInfo{}, ErrRecordNotFound
	}
	if err != nil {
		return RoomInfo{}, fmt.Errorf("get room: %w", err)
	}
	return r, nil
}

// UpsertRoom creates or renames a room.
func (p *PostgresBackend) UpsertRoom(ctx context.Context, r RoomInfo) error {
	_, err := p.db.ExecContext(ctx, `
        INSERT INTO bull_rooms (id, slug, name, topic, rules) VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (id) DO UPDATE
        SET slug = EXCLUDED.slug, name = EXCLUDED.name, topic = EXCLUDED.topic, rules = EXCLUDED.rules`,
		r.ID, r.Slug, r.Name, r.Topic, r.Rules)
	if err != nil {
		return fmt.Errorf("upsert room: %w", err)
	}
	return nil
}

// PurgeExpired deletes messages created before cutoff.
func (p *PostgresBackend) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM bull_room_messages WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return res.RowsAffected()
}
