package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaot623/gogo/realtime/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS auth_sessions (
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_activity INTEGER NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, session_id),
			FOREIGN KEY (user_id) REFERENCES users(user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			room_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			creator_id TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS room_participants (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			joined_at INTEGER NOT NULL,
			PRIMARY KEY (room_id, user_id),
			FOREIGN KEY (room_id) REFERENCES rooms(room_id),
			FOREIGN KEY (user_id) REFERENCES users(user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			file_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			mimetype TEXT,
			size INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			sender_id TEXT,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			file_id TEXT,
			persona TEXT,
			created_at INTEGER NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (room_id) REFERENCES rooms(room_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS message_reactions (
			message_id TEXT NOT NULL,
			emoji TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (message_id, emoji, user_id),
			FOREIGN KEY (message_id) REFERENCES messages(message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS message_readers (
			message_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			read_at INTEGER NOT NULL,
			PRIMARY KEY (message_id, user_id),
			FOREIGN KEY (message_id) REFERENCES messages(message_id)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Older databases predate AI personas.
	return s.ensureColumn("messages", "persona", "ALTER TABLE messages ADD COLUMN persona TEXT")
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dfltValue sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateUser creates a new user.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *domain.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, name, email, created_at) VALUES (?, ?, ?, ?)`,
		user.UserID, user.Name, nullString(user.Email), user.CreatedAt.UnixMicro())
	return err
}

// GetUser retrieves a user by ID. It returns nil when the user does not exist.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	var user domain.User
	var email sql.NullString
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, name, email, created_at FROM users WHERE user_id = ?`,
		userID).Scan(&user.UserID, &user.Name, &email, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	user.Email = email.String
	user.CreatedAt = fromMicros(createdAt)
	return &user, nil
}

// CreateAuthSession records a login session for a user.
func (s *SQLiteStore) CreateAuthSession(ctx context.Context, session *domain.AuthSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_sessions (user_id, session_id, created_at, last_activity, revoked) VALUES (?, ?, ?, ?, 0)`,
		session.UserID, session.SessionID, session.CreatedAt.UnixMicro(), session.LastActivity.UnixMicro())
	return err
}

// GetActiveSession returns the most recent non-revoked session of a user, or
// nil when there is none.
func (s *SQLiteStore) GetActiveSession(ctx context.Context, userID string) (*domain.AuthSession, error) {
	var session domain.AuthSession
	var createdAt, lastActivity int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, session_id, created_at, last_activity FROM auth_sessions
		 WHERE user_id = ? AND revoked = 0
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		userID).Scan(&session.UserID, &session.SessionID, &createdAt, &lastActivity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	session.CreatedAt = fromMicros(createdAt)
	session.LastActivity = fromMicros(lastActivity)
	return &session, nil
}

// TouchSession updates the last activity of a session.
func (s *SQLiteStore) TouchSession(ctx context.Context, userID, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE auth_sessions SET last_activity = ? WHERE user_id = ? AND session_id = ?`,
		at.UnixMicro(), userID, sessionID)
	return err
}

// RevokeSessions revokes every session of a user.
func (s *SQLiteStore) RevokeSessions(ctx context.Context, userID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE auth_sessions SET revoked = 1 WHERE user_id = ? AND revoked = 0`, userID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CreateRoom creates a new room.
func (s *SQLiteStore) CreateRoom(ctx context.Context, room *domain.Room) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (room_id, name, creator_id, created_at) VALUES (?, ?, ?, ?)`,
		room.RoomID, room.Name, nullString(room.CreatorID), room.CreatedAt.UnixMicro())
	return err
}

// GetRoom retrieves a room by ID. It returns nil when the room does not exist.
func (s *SQLiteStore) GetRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	var room domain.Room
	var creatorID sql.NullString
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT room_id, name, creator_id, created_at FROM rooms WHERE room_id = ?`,
		roomID).Scan(&room.RoomID, &room.Name, &creatorID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	room.CreatorID = creatorID.String
	room.CreatedAt = fromMicros(createdAt)
	return &room, nil
}

// AddParticipant adds a user to a room. Adding an existing participant is a no-op.
func (s *SQLiteStore) AddParticipant(ctx context.Context, roomID, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO room_participants (room_id, user_id, joined_at) VALUES (?, ?, ?)`,
		roomID, userID, at.UnixMicro())
	return err
}

// RemoveParticipant removes a user from a room.
func (s *SQLiteStore) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM room_participants WHERE room_id = ? AND user_id = ?`, roomID, userID)
	return err
}

// IsParticipant reports whether a user is a participant of a room.
func (s *SQLiteStore) IsParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM room_participants WHERE room_id = ? AND user_id = ?`,
		roomID, userID).Scan(&n)
	return n > 0, err
}

// ListParticipants lists the participants of a room in join order.
func (s *SQLiteStore) ListParticipants(ctx context.Context, roomID string) ([]domain.Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.user_id, u.name, u.email FROM room_participants p
		 JOIN users u ON u.user_id = p.user_id
		 WHERE p.room_id = ?
		 ORDER BY p.joined_at ASC, p.rowid ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	participants := []domain.Participant{}
	for rows.Next() {
		var p domain.Participant
		var email sql.NullString
		if err := rows.Scan(&p.UserID, &p.Name, &email); err != nil {
			return nil, err
		}
		p.Email = email.String
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// CreateFile registers a processed file.
func (s *SQLiteStore) CreateFile(ctx context.Context, file *domain.File) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (file_id, user_id, filename, mimetype, size, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		file.FileID, file.UserID, file.Filename, nullString(file.MimeType), file.Size, file.CreatedAt.UnixMicro())
	return err
}

// GetFile retrieves a file by ID. It returns nil when the file does not exist.
func (s *SQLiteStore) GetFile(ctx context.Context, fileID string) (*domain.File, error) {
	var file domain.File
	var mimeType sql.NullString
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT file_id, user_id, filename, mimetype, size, created_at FROM files WHERE file_id = ?`,
		fileID).Scan(&file.FileID, &file.UserID, &file.Filename, &mimeType, &file.Size, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	file.MimeType = mimeType.String
	file.CreatedAt = fromMicros(createdAt)
	return &file, nil
}

// CreateMessage creates a new message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, message *domain.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, room_id, sender_id, type, content, file_id, persona, created_at, deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.MessageID, message.RoomID, nullString(message.SenderID), string(message.Type), message.Content,
		nullString(message.FileID), nullString(message.Persona), message.CreatedAt.UnixMicro(), boolInt(message.Deleted))
	return err
}

const messageColumns = `m.message_id, m.room_id, m.sender_id, u.name, m.type, m.content, m.file_id, m.persona, m.created_at, m.deleted,
	f.filename, f.mimetype, f.size, f.user_id, f.created_at`

const messageFrom = ` FROM messages m
	LEFT JOIN users u ON u.user_id = m.sender_id
	LEFT JOIN files f ON f.file_id = m.file_id`

// GetMessage retrieves a message with its reactions and readers. It returns
// nil when the message does not exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+messageFrom+` WHERE m.message_id = ?`, messageID)
	if err != nil {
		return nil, err
	}
	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}
	if err := s.hydrate(ctx, messages); err != nil {
		return nil, err
	}
	return &messages[0], nil
}

// ListMessagesBefore returns non-deleted messages of a room strictly older
// than before, newest first. A zero before means no upper bound.
func (s *SQLiteStore) ListMessagesBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]domain.Message, error) {
	query := `SELECT ` + messageColumns + messageFrom + ` WHERE m.room_id = ? AND m.deleted = 0`
	args := []interface{}{roomID}

	if !before.IsZero() {
		query += ` AND m.created_at < ?`
		args = append(args, before.UnixMicro())
	}

	query += ` ORDER BY m.created_at DESC, m.rowid DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if err := s.hydrate(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func scanMessages(rows *sql.Rows) ([]domain.Message, error) {
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		var msg domain.Message
		var senderID, senderName, fileID, persona sql.NullString
		var fileName, fileMime, fileOwner sql.NullString
		var fileSize, fileCreated sql.NullInt64
		var msgType string
		var createdAt int64
		var deleted int
		if err := rows.Scan(&msg.MessageID, &msg.RoomID, &senderID, &senderName, &msgType, &msg.Content,
			&fileID, &persona, &createdAt, &deleted,
			&fileName, &fileMime, &fileSize, &fileOwner, &fileCreated); err != nil {
			return nil, err
		}
		msg.SenderID = senderID.String
		msg.SenderName = senderName.String
		msg.Type = domain.MessageType(msgType)
		msg.FileID = fileID.String
		msg.Persona = persona.String
		msg.CreatedAt = fromMicros(createdAt)
		msg.Deleted = deleted != 0
		if fileName.Valid {
			msg.File = &domain.File{
				FileID:    fileID.String,
				UserID:    fileOwner.String,
				Filename:  fileName.String,
				MimeType:  fileMime.String,
				Size:      fileSize.Int64,
				CreatedAt: fromMicros(fileCreated.Int64),
			}
		}
		msg.Reactions = []domain.Reaction{}
		msg.Readers = []domain.Reader{}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// hydrate loads reactions and readers for a batch of messages.
func (s *SQLiteStore) hydrate(ctx context.Context, messages []domain.Message) error {
	if len(messages) == 0 {
		return nil
	}
	index := make(map[string]int, len(messages))
	ids := make([]interface{}, 0, len(messages))
	for i, m := range messages {
		index[m.MessageID] = i
		ids = append(ids, m.MessageID)
	}
	in := placeholders(len(ids))

	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, emoji, user_id FROM message_reactions WHERE message_id IN (`+in+`) ORDER BY rowid ASC`, ids...)
	if err != nil {
		return err
	}
	grouped := make(map[string]*reactionGroup, len(messages))
	for rows.Next() {
		var messageID, emoji, userID string
		if err := rows.Scan(&messageID, &emoji, &userID); err != nil {
			rows.Close()
			return err
		}
		g, ok := grouped[messageID]
		if !ok {
			g = &reactionGroup{}
			grouped[messageID] = g
		}
		g.add(emoji, userID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	for messageID, g := range grouped {
		messages[index[messageID]].Reactions = g.reactions()
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT message_id, user_id, read_at FROM message_readers WHERE message_id IN (`+in+`) ORDER BY read_at ASC, rowid ASC`, ids...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var messageID string
		var reader domain.Reader
		var readAt int64
		if err := rows.Scan(&messageID, &reader.UserID, &readAt); err != nil {
			return err
		}
		reader.ReadAt = fromMicros(readAt)
		i := index[messageID]
		messages[i].Readers = append(messages[i].Readers, reader)
	}
	return rows.Err()
}

// AddReaction adds a user to the reaction set of an emoji. Re-adding is a no-op.
func (s *SQLiteStore) AddReaction(ctx context.Context, messageID, emoji, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_reactions (message_id, emoji, user_id, created_at) VALUES (?, ?, ?, ?)`,
		messageID, emoji, userID, at.UnixMicro())
	return err
}

// RemoveReaction removes a user from the reaction set of an emoji. An emoji
// with no remaining users disappears from ListReactions.
func (s *SQLiteStore) RemoveReaction(ctx context.Context, messageID, emoji, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM message_reactions WHERE message_id = ? AND emoji = ? AND user_id = ?`,
		messageID, emoji, userID)
	return err
}

// ListReactions returns the reaction map of a message, emojis in first-insertion order.
func (s *SQLiteStore) ListReactions(ctx context.Context, messageID string) ([]domain.Reaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT emoji, user_id FROM message_reactions WHERE message_id = ? ORDER BY rowid ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	g := &reactionGroup{}
	for rows.Next() {
		var emoji, userID string
		if err := rows.Scan(&emoji, &userID); err != nil {
			return nil, err
		}
		g.add(emoji, userID)
	}
	return g.reactions(), rows.Err()
}

// MarkRead adds a read marker for userID on every listed message of roomID
// that does not have one yet. Messages of other rooms and unknown ids are
// skipped. It returns the ids that belong to roomID, in request order.
func (s *SQLiteStore) MarkRead(ctx context.Context, roomID string, messageIDs []string, userID string, at time.Time) ([]string, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO message_readers (message_id, user_id, read_at)
		 SELECT message_id, ?, ? FROM messages WHERE message_id = ? AND room_id = ?`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	inRoom, err := tx.PrepareContext(ctx,
		`SELECT 1 FROM messages WHERE message_id = ? AND room_id = ?`)
	if err != nil {
		return nil, err
	}
	defer inRoom.Close()

	var matched []string
	seen := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		var one int
		err := inRoom.QueryRowContext(ctx, id, roomID).Scan(&one)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		if _, err := stmt.ExecContext(ctx, userID, at.UnixMicro(), id, roomID); err != nil {
			return nil, err
		}
		matched = append(matched, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return matched, nil
}

// ListReaders returns the read markers of a message.
func (s *SQLiteStore) ListReaders(ctx context.Context, messageID string) ([]domain.Reader, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, read_at FROM message_readers WHERE message_id = ? ORDER BY read_at ASC, rowid ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	readers := []domain.Reader{}
	for rows.Next() {
		var r domain.Reader
		var readAt int64
		if err := rows.Scan(&r.UserID, &readAt); err != nil {
			return nil, err
		}
		r.ReadAt = fromMicros(readAt)
		readers = append(readers, r)
	}
	return readers, rows.Err()
}

type reactionGroup struct {
	order []string
	users map[string][]string
}

func (g *reactionGroup) add(emoji, userID string) {
	if g.users == nil {
		g.users = make(map[string][]string)
	}
	if _, ok := g.users[emoji]; !ok {
		g.order = append(g.order, emoji)
	}
	g.users[emoji] = append(g.users[emoji], userID)
}

func (g *reactionGroup) reactions() []domain.Reaction {
	out := make([]domain.Reaction, 0, len(g.order))
	for _, emoji := range g.order {
		out = append(out, domain.Reaction{Emoji: emoji, UserIDs: g.users[emoji]})
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
