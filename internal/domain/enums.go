package domain

// MessageType represents the kind of a message.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeSystem MessageType = "system"
	MessageTypeAI     MessageType = "ai"
	MessageTypeFile   MessageType = "file"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeSystem, MessageTypeAI, MessageTypeFile:
		return true
	}
	return false
}

// CloseReason records why a connection went away.
type CloseReason string

const (
	CloseReasonClientClose      CloseReason = "client_close"
	CloseReasonDuplicateLogin   CloseReason = "duplicate_login"
	CloseReasonForceLogout      CloseReason = "force_logout"
	CloseReasonSessionInvalid   CloseReason = "session_invalid"
	CloseReasonHeartbeatTimeout CloseReason = "heartbeat_timeout"
	CloseReasonAuthFailed       CloseReason = "auth_failed"
	CloseReasonNetwork          CloseReason = "network_error"
	CloseReasonServerShutdown   CloseReason = "server_shutdown"
)

// SuppressDepartureNotice reports whether a disconnect for this reason must
// not announce the departure to the room.
func (r CloseReason) SuppressDepartureNotice() bool {
	switch r {
	case CloseReasonClientClose, CloseReasonDuplicateLogin, CloseReasonForceLogout:
		return true
	}
	return false
}

// CloseCode is the WebSocket close code sent for a server-initiated close.
func (r CloseReason) CloseCode() int {
	switch r {
	case CloseReasonDuplicateLogin:
		return 4001
	case CloseReasonForceLogout:
		return 4002
	case CloseReasonSessionInvalid:
		return 4003
	case CloseReasonHeartbeatTimeout:
		return 4008
	case CloseReasonAuthFailed:
		return 4401
	case CloseReasonServerShutdown:
		return 1001
	default:
		return 1000
	}
}
