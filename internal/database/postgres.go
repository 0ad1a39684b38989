package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/npezzotti/go-fitsocial/internal/stream"
	"github.com/npezzotti/go-fitsocial/internal/types"
)

// ChangesChannel is the Postgres NOTIFY channel carrying stream topics.
const ChangesChannel = "fitsocial_changes"

type PgRepository struct {
	conn *sql.DB
}

func NewPgRepository(dsn string) (*PgRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgRepository{conn: db}, nil
}

func (db *PgRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *PgRepository) Ping(ctx context.Context) error {
	return classify(db.conn.PingContext(ctx))
}

const (
	insertRoomQuery = "INSERT INTO rooms (id, last_message_text, created_at, updated_at) " +
		"VALUES ($1, '', $2, $2) ON CONFLICT (id) DO NOTHING"
	lockRoomQuery     = "SELECT id FROM rooms WHERE id = $1 FOR UPDATE"
	upsertMemberQuery = `
		INSERT INTO room_members (room_id, member_id, display_name, avatar_url)
		SELECT $1, $2, COALESCE(u.display_name, ''), u.avatar_url
		FROM (SELECT 1) AS one
		LEFT JOIN users u ON u.id = $2
		ON CONFLICT (room_id, member_id) DO UPDATE
		SET display_name = EXCLUDED.display_name, avatar_url = EXCLUDED.avatar_url`
	insertMessageQuery = `
		INSERT INTO messages (id, room_id, sender_id, text, attachment_url, sender_name, sender_avatar, created_at)
		SELECT $1, $2, $3, $4, $5, m.display_name, m.avatar_url, clock_timestamp()
		FROM room_members m
		WHERE m.room_id = $2 AND m.member_id = $3
		RETURNING seq, sender_name, sender_avatar, created_at`
	updateRoomSummaryQuery = "UPDATE rooms SET last_message_text = $2, updated_at = $3 WHERE id = $1"
	incrementOthersQuery   = "UPDATE room_members SET unread_count = unread_count + 1 " +
		"WHERE room_id = $1 AND member_id <> $2"
	notifyQuery = "SELECT pg_notify($1, $2)"
)

// AppendMessage stores the message, refreshes the room summary and bumps
// every other member's unread count in one transaction. The room row is
// locked for the duration so concurrent appends to a room serialize.
func (db *PgRepository) AppendMessage(ctx context.Context, params AppendMessageParams) (types.Message, error) {
	msg := params.Message

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return types.Message{}, classify(err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, insertRoomQuery, msg.RoomId, now); err != nil {
		return types.Message{}, classify(fmt.Errorf("create room: %w", err))
	}

	if _, err := tx.ExecContext(ctx, lockRoomQuery, msg.RoomId); err != nil {
		return types.Message{}, classify(fmt.Errorf("lock room: %w", err))
	}

	for _, memberId := range params.Members {
		if _, err := tx.ExecContext(ctx, upsertMemberQuery, msg.RoomId, memberId); err != nil {
			return types.Message{}, classify(fmt.Errorf("upsert member: %w", err))
		}
	}

	var avatar sql.NullString
	err = tx.QueryRowContext(ctx, insertMessageQuery,
		msg.Id,
		msg.RoomId,
		msg.SenderId,
		msg.Text,
		msg.AttachmentUrl,
	).Scan(
		&msg.Seq,
		&msg.Sender.Name,
		&avatar,
		&msg.CreatedAt,
	)
	if err != nil {
		return types.Message{}, classify(fmt.Errorf("insert message: %w", err))
	}
	msg.Sender.AvatarUrl = nullStringPtr(avatar)
	msg.CreatedAt = msg.CreatedAt.UTC()

	if _, err := tx.ExecContext(ctx, updateRoomSummaryQuery, msg.RoomId, params.Summary, msg.CreatedAt); err != nil {
		return types.Message{}, classify(fmt.Errorf("update room: %w", err))
	}

	if _, err := tx.ExecContext(ctx, incrementOthersQuery, msg.RoomId, msg.SenderId); err != nil {
		return types.Message{}, classify(fmt.Errorf("increment unread: %w", err))
	}

	topics := []string{stream.RoomTopic(msg.RoomId)}
	for _, r := range params.recipients() {
		topics = append(topics, stream.UnreadTopic(r))
	}
	if err := notify(ctx, tx, topics...); err != nil {
		return types.Message{}, err
	}

	if err := tx.Commit(); err != nil {
		return types.Message{}, classify(fmt.Errorf("commit: %w", err))
	}

	return msg, nil
}

func (db *PgRepository) GetRoom(ctx context.Context, roomId string) (types.Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, last_message_text, created_at, updated_at FROM rooms "+
			"WHERE id = $1 LIMIT 1",
		roomId,
	)

	var room types.Room
	err := row.Scan(
		&room.Id,
		&room.LastMessageText,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if err != nil {
		return types.Room{}, classify(err)
	}

	if err := db.loadMembers(ctx, &room); err != nil {
		return types.Room{}, err
	}

	return room, nil
}

func (db *PgRepository) ListRooms(ctx context.Context, memberId string) ([]types.Room, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT r.id, r.last_message_text, r.created_at, r.updated_at
		FROM rooms r
		JOIN room_members m ON m.room_id = r.id
		WHERE m.member_id = $1
		ORDER BY r.updated_at DESC`,
		memberId,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("list rooms: %w", err))
	}
	defer rows.Close()

	var rooms []types.Room
	for rows.Next() {
		var room types.Room
		if err := rows.Scan(&room.Id, &room.LastMessageText, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, classify(err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	for i := range rooms {
		if err := db.loadMembers(ctx, &rooms[i]); err != nil {
			return nil, err
		}
	}

	return rooms, nil
}

func (db *PgRepository) loadMembers(ctx context.Context, room *types.Room) error {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT member_id, display_name, avatar_url, unread_count FROM room_members "+
			"WHERE room_id = $1 ORDER BY member_id",
		room.Id,
	)
	if err != nil {
		return classify(fmt.Errorf("load members: %w", err))
	}
	defer rows.Close()

	room.UnreadCounts = make(map[string]int)
	room.MemberInfo = make(map[string]types.MemberInfo)

	i := 0
	for rows.Next() {
		var (
			memberId string
			info     types.MemberInfo
			avatar   sql.NullString
			unread   int
		)
		if err := rows.Scan(&memberId, &info.Name, &avatar, &unread); err != nil {
			return classify(err)
		}
		info.AvatarUrl = nullStringPtr(avatar)

		if i < len(room.Members) {
			room.Members[i] = memberId
		}
		i++
		room.UnreadCounts[memberId] = unread
		room.MemberInfo[memberId] = info
	}

	return classify(rows.Err())
}

// ListMessages returns the most recent limit messages of a room, oldest
// first.
func (db *PgRepository) ListMessages(ctx context.Context, roomId string, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, room_id, sender_id, text, attachment_url, sender_name, sender_avatar, seq, created_at
		FROM messages
		WHERE room_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2`,
		roomId,
		limit,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("list messages: %w", err))
	}
	defer rows.Close()

	var msgs []types.Message
	for rows.Next() {
		var (
			m          types.Message
			attachment sql.NullString
			avatar     sql.NullString
		)
		err := rows.Scan(
			&m.Id,
			&m.RoomId,
			&m.SenderId,
			&m.Text,
			&attachment,
			&m.Sender.Name,
			&avatar,
			&m.Seq,
			&m.CreatedAt,
		)
		if err != nil {
			return nil, classify(err)
		}
		m.AttachmentUrl = nullStringPtr(attachment)
		m.Sender.AvatarUrl = nullStringPtr(avatar)
		m.CreatedAt = m.CreatedAt.UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	return msgs, nil
}

func (db *PgRepository) IncrementUnread(ctx context.Context, roomId, memberId string) error {
	return db.execUnread(ctx,
		"UPDATE room_members SET unread_count = unread_count + 1 WHERE room_id = $1 AND member_id = $2",
		roomId, memberId)
}

func (db *PgRepository) ResetUnread(ctx context.Context, roomId, memberId string) error {
	return db.execUnread(ctx,
		"UPDATE room_members SET unread_count = 0 WHERE room_id = $1 AND member_id = $2",
		roomId, memberId)
}

func (db *PgRepository) execUnread(ctx context.Context, query, roomId, memberId string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, roomId, memberId)
	if err != nil {
		return classify(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s is not a member of room %s", ErrNotFound, memberId, roomId)
	}

	if err := notify(ctx, tx, stream.UnreadTopic(memberId)); err != nil {
		return err
	}

	return classify(tx.Commit())
}

func (db *PgRepository) TotalUnread(ctx context.Context, memberId string) (int, error) {
	var total int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(unread_count), 0) FROM room_members WHERE member_id = $1",
		memberId,
	).Scan(&total)

	return total, classify(err)
}

func notify(ctx context.Context, tx *sql.Tx, topics ...string) error {
	for _, topic := range topics {
		if _, err := tx.ExecContext(ctx, notifyQuery, ChangesChannel, topic); err != nil {
			return classify(fmt.Errorf("notify %s: %w", topic, err))
		}
	}
	return nil
}

func nullStringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return stringPtr(s.String)
}
