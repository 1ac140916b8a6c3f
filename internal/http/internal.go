package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"

	"github.com/xiaot623/gogo/realtime/internal/domain"
)

const defaultTokenTTL = 24 * time.Hour

// CreateUserRequest is the body of POST /internal/users.
type CreateUserRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

// CreateUser registers a user.
// POST /internal/users
func (s *Server) CreateUser(c echo.Context) error {
	var req CreateUserRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return badRequest(c, "name is required")
	}
	if req.UserID == "" {
		req.UserID = uuid.New().String()
	}

	user := &domain.User{UserID: req.UserID, Name: req.Name, Email: req.Email, CreatedAt: domain.Now()}
	if err := s.store.CreateUser(c.Request().Context(), user); err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusCreated, user)
}

// CreateRoomRequest is the body of POST /internal/rooms.
type CreateRoomRequest struct {
	RoomID    string `json:"room_id"`
	Name      string `json:"name"`
	CreatorID string `json:"creator_id"`
}

// CreateRoom registers a room.
// POST /internal/rooms
func (s *Server) CreateRoom(c echo.Context) error {
	var req CreateRoomRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return badRequest(c, "name is required")
	}
	if req.CreatorID == "" {
		return badRequest(c, "creator_id is required")
	}
	if req.RoomID == "" {
		req.RoomID = ulid.Make().String()
	}

	room := &domain.Room{RoomID: req.RoomID, Name: req.Name, CreatorID: req.CreatorID, CreatedAt: domain.Now()}
	if err := s.store.CreateRoom(c.Request().Context(), room); err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusCreated, room)
}

// CreateSessionRequest is the body of POST /internal/sessions.
type CreateSessionRequest struct {
	UserID     string `json:"user_id"`
	SessionID  string `json:"session_id"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// CreateSessionResponse carries the new authoritative session and a bearer
// credential for it.
type CreateSessionResponse struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateSession makes a new session the authoritative one for a user.
// POST /internal/sessions
func (s *Server) CreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.UserID == "" {
		return badRequest(c, "user_id is required")
	}
	ctx := c.Request().Context()

	user, err := s.store.GetUser(ctx, req.UserID)
	if err != nil {
		return errorJSON(c, err)
	}
	if user == nil {
		return errorJSON(c, domain.NewError(domain.ErrNotFound, "user not found"))
	}

	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}
	ttl := defaultTokenTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	now := domain.Now()
	session := &domain.AuthSession{UserID: user.UserID, SessionID: req.SessionID, CreatedAt: now, LastActivity: now}
	if err := s.store.CreateAuthSession(ctx, session); err != nil {
		return errorJSON(c, err)
	}
	token, err := s.issuer.IssueToken(user.UserID, user.Name, ttl)
	if err != nil {
		return errorJSON(c, err)
	}

	return c.JSON(http.StatusCreated, CreateSessionResponse{
		UserID:    user.UserID,
		SessionID: session.SessionID,
		Token:     token,
		ExpiresAt: now.Add(ttl),
	})
}

// CreateFileRequest is the body of POST /internal/files, sent by the file
// processing worker once an upload is processed.
type CreateFileRequest struct {
	FileID   string `json:"file_id"`
	UserID   string `json:"user_id"`
	Filename string `json:"filename"`
	MimeType string `json:"mimetype"`
	Size     int64  `json:"size"`
}

// CreateFile registers a processed file.
// POST /internal/files
func (s *Server) CreateFile(c echo.Context) error {
	var req CreateFileRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.UserID == "" || req.Filename == "" {
		return badRequest(c, "user_id and filename are required")
	}
	if req.Size < 0 {
		return badRequest(c, "size must not be negative")
	}
	if req.FileID == "" {
		req.FileID = ulid.Make().String()
	}

	file := &domain.File{
		FileID:    req.FileID,
		UserID:    req.UserID,
		Filename:  req.Filename,
		MimeType:  req.MimeType,
		Size:      req.Size,
		CreatedAt: domain.Now(),
	}
	if err := s.store.CreateFile(c.Request().Context(), file); err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusCreated, file)
}

// Logout revokes every session of a user and closes the live connection.
// POST /internal/users/:user_id/logout
func (s *Server) Logout(c echo.Context) error {
	userID := c.Param("user_id")
	revoked, terminated, err := s.chat.Logout(c.Request().Context(), userID)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"user_id":    userID,
		"revoked":    revoked,
		"terminated": terminated,
	})
}

// SystemMessageRequest is the body of POST /internal/rooms/:room_id/system.
type SystemMessageRequest struct {
	Content string `json:"content"`
}

// PostSystemMessage appends a system message to a room.
// POST /internal/rooms/:room_id/system
func (s *Server) PostSystemMessage(c echo.Context) error {
	var req SystemMessageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	msg, err := s.chat.PostSystemMessage(c.Request().Context(), c.Param("room_id"), strings.TrimSpace(req.Content))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusCreated, msg)
}

// RoomMembers lists the users currently joined to a room.
// GET /internal/rooms/:room_id/members
func (s *Server) RoomMembers(c echo.Context) error {
	roomID := c.Param("room_id")
	members := s.chat.RoomMembers(roomID)
	if members == nil {
		members = []string{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"room_id": roomID,
		"members": members,
	})
}
