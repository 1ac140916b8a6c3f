// Package domain defines the core models shared by the chat core components.
package domain

import "time"

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	SessionID string `json:"-"`
}

// User is a registered chat user.
type User struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthSession is a login session issued for a user.
type AuthSession struct {
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Revoked      bool      `json:"revoked"`
}

// Room is a chat room.
type Room struct {
	RoomID    string    `json:"room_id"`
	Name      string    `json:"name"`
	CreatorID string    `json:"creator_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Participant is a room member as shown to clients.
type Participant struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
}

// File is an uploaded file processed by the work queue.
type File struct {
	FileID    string    `json:"file_id"`
	UserID    string    `json:"user_id"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mimetype"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Reaction lists the users that reacted to a message with one emoji.
type Reaction struct {
	Emoji   string   `json:"emoji"`
	UserIDs []string `json:"user_ids"`
}

// Reader is a read marker on a message.
type Reader struct {
	UserID string    `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

// Message is a persisted chat message. SenderID is empty for system and AI
// messages.
type Message struct {
	MessageID  string      `json:"message_id"`
	RoomID     string      `json:"room_id"`
	SenderID   string      `json:"sender_id,omitempty"`
	SenderName string      `json:"sender_name,omitempty"`
	Type       MessageType `json:"type"`
	Content    string      `json:"content"`
	FileID     string      `json:"file_id,omitempty"`
	File       *File       `json:"file,omitempty"`
	Persona    string      `json:"persona,omitempty"`
	Reactions  []Reaction  `json:"reactions"`
	Readers    []Reader    `json:"readers"`
	CreatedAt  time.Time   `json:"created_at"`
	Deleted    bool        `json:"deleted,omitempty"`
}

// StreamSnapshot is the client view of an in-progress AI response.
type StreamSnapshot struct {
	MessageID string    `json:"message_id"`
	Type      string    `json:"type"`
	Persona   string    `json:"persona"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Streaming bool      `json:"is_streaming"`
}

// Now returns the current time at the precision messages are stored with.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// HistoryPage is one page of room history in chronological order.
// OldestTimestamp is the cursor for the next page and is nil on an empty page.
type HistoryPage struct {
	Messages        []Message  `json:"messages"`
	HasMore         bool       `json:"has_more"`
	OldestTimestamp *time.Time `json:"oldest_timestamp,omitempty"`
}
