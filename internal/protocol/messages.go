// Package protocol defines the WebSocket message protocol between chat clients
// and the realtime server.
package protocol

import (
	"time"

	"github.com/xiaot623/gogo/realtime/internal/domain"
)

// Message types from client to server
const (
	TypeAuthenticate   = "authenticate"
	TypeJoinRoom       = "join_room"
	TypeLeaveRoom      = "leave_room"
	TypeSendMessage    = "send_message"
	TypeFetchHistory   = "fetch_history"
	TypeMarkRead       = "mark_read"
	TypeReactionToggle = "reaction_toggle"
	TypeHeartbeat      = "heartbeat"
	TypeForceLogout    = "force_logout"
)

// Message types from server to client
const (
	TypeConnectReady          = "connect_ready"
	TypeDuplicateLoginWarning = "duplicate_login_warning"
	TypeSessionTerminated     = "session_terminated"
	TypeJoinSuccess           = "join_success"
	TypeJoinError             = "join_error"
	TypeParticipantsChanged   = "participants_changed"
	TypeMessageCreated        = "message_created"
	TypeHistoryLoadStart      = "history_load_start"
	TypeHistoryPage           = "history_page"
	TypeHistoryLoadFailed     = "history_load_failed"
	TypeStreamStart           = "stream_start"
	TypeStreamChunk           = "stream_chunk"
	TypeStreamComplete        = "stream_complete"
	TypeStreamError           = "stream_error"
	TypeReactionsChanged      = "reactions_changed"
	TypeReadReceipt           = "read_receipt"
	TypePong                  = "pong"
	TypeError                 = "error"
)

// Reaction toggle actions
const (
	ReactionAdd    = "add"
	ReactionRemove = "remove"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"`
	RequestID string `json:"request_id,omitempty"`
}

// NewBase stamps a message of the given type with the current time.
func NewBase(msgType, requestID string) BaseMessage {
	return BaseMessage{Type: msgType, Ts: time.Now().UnixMilli(), RequestID: requestID}
}

// AuthenticateMessage carries the bearer credential when it was not presented
// at upgrade time.
type AuthenticateMessage struct {
	BaseMessage
	Token      string `json:"token"`
	SessionID  string `json:"session_id"`
	DeviceInfo string `json:"device_info,omitempty"`
}

// JoinRoomMessage requests joining a room.
type JoinRoomMessage struct {
	BaseMessage
	RoomID string `json:"room_id"`
}

// LeaveRoomMessage requests leaving a room.
type LeaveRoomMessage struct {
	BaseMessage
	RoomID string `json:"room_id"`
}

// SendMessageMessage posts a message to a room.
type SendMessageMessage struct {
	BaseMessage
	RoomID      string             `json:"room_id"`
	MessageType domain.MessageType `json:"message_type"`
	Content     string             `json:"content"`
	FileID      string             `json:"file_id,omitempty"`
}

// FetchHistoryMessage requests a page of messages older than Before.
type FetchHistoryMessage struct {
	BaseMessage
	RoomID string     `json:"room_id"`
	Before *time.Time `json:"before,omitempty"`
}

// MarkReadMessage marks messages as read.
type MarkReadMessage struct {
	BaseMessage
	RoomID     string   `json:"room_id"`
	MessageIDs []string `json:"message_ids"`
}

// ReactionToggleMessage adds or removes a reaction.
type ReactionToggleMessage struct {
	BaseMessage
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	Action    string `json:"action"` // "add" or "remove"
}

// ForceLogoutMessage asks the server to terminate the caller's prior session.
type ForceLogoutMessage struct {
	BaseMessage
	Token string `json:"token"`
}

// ConnectReadyMessage is sent once a connection is authenticated and registered.
type ConnectReadyMessage struct {
	BaseMessage
	ConnID string `json:"conn_id"`
	UserID string `json:"user_id"`
}

// DuplicateLoginWarningMessage tells a connection that a newer login is taking over.
type DuplicateLoginWarningMessage struct {
	BaseMessage
	DeviceInfo string `json:"device_info,omitempty"`
	Address    string `json:"address,omitempty"`
	GraceMs    int64  `json:"grace_ms"`
}

// SessionTerminatedMessage is sent right before the server closes a connection.
type SessionTerminatedMessage struct {
	BaseMessage
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// JoinSuccessMessage confirms a join.
type JoinSuccessMessage struct {
	BaseMessage
	RoomID       string               `json:"room_id"`
	Participants []domain.Participant `json:"participants"`
	domain.HistoryPage
	ActiveStreams []domain.StreamSnapshot `json:"active_streams"`
}

// JoinErrorMessage reports a failed join.
type JoinErrorMessage struct {
	BaseMessage
	RoomID  string `json:"room_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParticipantsChangedMessage carries the updated participant list of a room.
type ParticipantsChangedMessage struct {
	BaseMessage
	RoomID       string               `json:"room_id"`
	Participants []domain.Participant `json:"participants"`
}

// MessageCreatedMessage carries a newly persisted message.
type MessageCreatedMessage struct {
	BaseMessage
	RoomID  string         `json:"room_id"`
	Message domain.Message `json:"message"`
}

// HistoryLoadStartMessage is sent before the first history fetch attempt.
type HistoryLoadStartMessage struct {
	BaseMessage
	RoomID string `json:"room_id"`
}

// HistoryPageMessage carries a page of history.
type HistoryPageMessage struct {
	BaseMessage
	RoomID string `json:"room_id"`
	domain.HistoryPage
}

// HistoryLoadFailedMessage reports a rejected or exhausted history load.
type HistoryLoadFailedMessage struct {
	BaseMessage
	RoomID  string `json:"room_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StreamStartMessage opens an AI response stream.
type StreamStartMessage struct {
	BaseMessage
	RoomID    string    `json:"room_id"`
	MessageID string    `json:"message_id"`
	Persona   string    `json:"persona"`
	CreatedAt time.Time `json:"created_at"`
}

// StreamChunkMessage carries one increment plus the running total.
type StreamChunkMessage struct {
	BaseMessage
	RoomID       string `json:"room_id"`
	MessageID    string `json:"message_id"`
	Persona      string `json:"persona"`
	CurrentChunk string `json:"current_chunk"`
	FullContent  string `json:"full_content"`
}

// StreamCompleteMessage closes an AI response stream.
type StreamCompleteMessage struct {
	BaseMessage
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	Persona   string `json:"persona"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

// StreamErrorMessage closes an AI response stream after a failure.
type StreamErrorMessage struct {
	BaseMessage
	RoomID         string `json:"room_id"`
	MessageID      string `json:"message_id"`
	Persona        string `json:"persona"`
	Code           string `json:"code"`
	Error          string `json:"error"`
	PartialContent string `json:"partial_content,omitempty"`
}

// ReactionsChangedMessage carries the full reaction map of a message.
type ReactionsChangedMessage struct {
	BaseMessage
	RoomID    string            `json:"room_id"`
	MessageID string            `json:"message_id"`
	Reactions []domain.Reaction `json:"reactions"`
}

// ReadReceiptMessage carries a read marker delta.
type ReadReceiptMessage struct {
	BaseMessage
	RoomID     string   `json:"room_id"`
	UserID     string   `json:"user_id"`
	MessageIDs []string `json:"message_ids"`
}

// PongMessage answers a heartbeat.
type PongMessage struct {
	BaseMessage
}

// ErrorMessage is sent when a command fails.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError builds an error event for err.
func NewError(requestID string, err error) ErrorMessage {
	return ErrorMessage{
		BaseMessage: NewBase(TypeError, requestID),
		Code:        domain.CodeOf(err),
		Message:     domain.MessageOf(err),
	}
}
