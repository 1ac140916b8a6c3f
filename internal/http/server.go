// Package http provides the internal HTTP server of the realtime service.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaot623/gogo/realtime/internal/domain"
)

// Stats reports connection hub state.
type Stats interface {
	GetConnectionCount() int
	GetRoomCount() int
}

// Store provisions users, rooms, sessions and files.
type Store interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	CreateRoom(ctx context.Context, room *domain.Room) error
	CreateAuthSession(ctx context.Context, session *domain.AuthSession) error
	CreateFile(ctx context.Context, file *domain.File) error
}

// Chat is the part of the session coordinator exposed to internal callers.
type Chat interface {
	Logout(ctx context.Context, userID string) (int64, bool, error)
	PostSystemMessage(ctx context.Context, roomID, content string) (*domain.Message, error)
	RoomMembers(roomID string) []string
}

// TokenIssuer mints bearer credentials.
type TokenIssuer interface {
	IssueToken(userID, name string, ttl time.Duration) (string, error)
}

// Server is the internal HTTP server.
type Server struct {
	echo   *echo.Echo
	stats  Stats
	store  Store
	chat   Chat
	issuer TokenIssuer
}

// NewServer creates a new internal HTTP server.
func NewServer(stats Stats, store Store, chat Chat, issuer TokenIssuer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{
		echo:   e,
		stats:  stats,
		store:  store,
		chat:   chat,
		issuer: issuer,
	}
	s.RegisterRoutes(e)
	return s
}

// RegisterRoutes registers the internal routes.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Provisioning
	e.POST("/internal/users", s.CreateUser)
	e.POST("/internal/rooms", s.CreateRoom)
	e.POST("/internal/sessions", s.CreateSession)
	e.POST("/internal/files", s.CreateFile)

	// Session and room control
	e.POST("/internal/users/:user_id/logout", s.Logout)
	e.POST("/internal/rooms/:room_id/system", s.PostSystemMessage)
	e.GET("/internal/rooms/:room_id/members", s.RoomMembers)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"connections": s.stats.GetConnectionCount(),
		"rooms":       s.stats.GetRoomCount(),
	})
}

// errorJSON maps err to a status code and a {code, error} body.
func errorJSON(c echo.Context, err error) error {
	code := domain.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case domain.CodeValidation:
		status = http.StatusBadRequest
	case domain.CodeUnauthenticated, domain.CodeSessionInvalid:
		status = http.StatusUnauthorized
	case domain.CodeUnauthorized:
		status = http.StatusForbidden
	case domain.CodeNotFound:
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		c.Logger().Errorf("internal api failure: %v", err)
	}
	return c.JSON(status, map[string]string{"code": code, "error": domain.MessageOf(err)})
}

func badRequest(c echo.Context, format string, args ...any) error {
	return errorJSON(c, domain.NewError(domain.ErrValidation, format, args...))
}
