// Package ws provides WebSocket server functionality for chat clients.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xiaot623/gogo/realtime/internal/chat"
	"github.com/xiaot623/gogo/realtime/internal/config"
	"github.com/xiaot623/gogo/realtime/internal/domain"
	"github.com/xiaot623/gogo/realtime/internal/hub"
	"github.com/xiaot623/gogo/realtime/internal/protocol"
)

const commandTimeout = 30 * time.Second

// Authenticator validates connection credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, token, sessionID string) (domain.Identity, error)
}

// Chat handles the commands of authenticated connections.
type Chat interface {
	Connect(ctx context.Context, c chat.Client)
	Disconnect(ctx context.Context, c chat.Client, reason domain.CloseReason)
	Join(ctx context.Context, c chat.Client, requestID, roomID string) error
	Leave(ctx context.Context, c chat.Client, roomID string) error
	SendMessage(ctx context.Context, c chat.Client, req protocol.SendMessageMessage) error
	FetchHistory(ctx context.Context, c chat.Client, req protocol.FetchHistoryMessage)
	MarkRead(ctx context.Context, c chat.Client, req protocol.MarkReadMessage) error
	ToggleReaction(ctx context.Context, c chat.Client, req protocol.ReactionToggleMessage) error
	ForceLogout(ctx context.Context, c chat.Client, token string) error
	Heartbeat(c chat.Client, requestID string)
}

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	chat     Chat
	auth     Authenticator
	upgrader websocket.Upgrader
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, c Chat, auth Authenticator, logger *zap.Logger) *Server {
	return &Server{
		cfg:  cfg,
		hub:  h,
		chat: c,
		auth: auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger.Named("ws"),
	}
}

// session is the per-connection state owned by the read pump.
type session struct {
	conn    *hub.Connection
	client  chat.Client
	authed  bool
	limiter *rate.Limiter
	ctx     context.Context
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
// Credentials may be presented at upgrade time (Authorization bearer token
// plus X-Session-ID header, or token and session_id query parameters) or in
// a first authenticate frame.
func (s *Server) HandleWebSocket(c echo.Context) error {
	req := c.Request()
	var identity *domain.Identity
	if token, sessionID := credentials(req); token != "" || sessionID != "" {
		id, err := s.auth.Authenticate(req.Context(), token, sessionID)
		if err != nil {
			s.logger.Info("handshake rejected", zap.String("address", c.RealIP()), zap.Error(err))
			return c.JSON(http.StatusUnauthorized, protocol.NewError("", err))
		}
		identity = &id
	}

	ws, err := s.upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", zap.Error(err))
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	sess := &session{
		conn: conn,
		client: chat.Client{
			ConnID:     conn.ID,
			DeviceInfo: req.UserAgent(),
			Address:    c.RealIP(),
		},
		limiter: rate.NewLimiter(rate.Limit(s.cfg.MessageRatePerSec), s.cfg.MessageRateBurst),
	}

	s.wg.Add(2)
	go s.writePump(conn)
	go s.readPump(sess, identity)
	return nil
}

// Wait blocks until every pump has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

func credentials(r *http.Request) (token, sessionID string) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	sessionID = r.Header.Get("X-Session-ID")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session_id")
	}
	return token, sessionID
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(sess *session, identity *domain.Identity) {
	conn := sess.conn
	ctx, cancel := context.WithCancel(context.Background())
	sess.ctx = ctx
	reason := domain.CloseReasonNetwork

	defer func() {
		s.wg.Done()
		cancel()
		s.hub.Disconnect(conn.ID, reason)
		if sess.authed {
			dctx, dcancel := context.WithTimeout(context.Background(), commandTimeout)
			s.chat.Disconnect(dctx, sess.client, reason)
			dcancel()
		}
	}()

	s.armDeadline(conn)
	conn.Conn.SetPongHandler(func(string) error {
		s.armDeadline(conn)
		return nil
	})

	if identity != nil {
		s.establish(sess, *identity)
	}

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			reason = closeReason(conn, err)
			if reason == domain.CloseReasonNetwork {
				s.logger.Debug("websocket read failed", zap.String("conn_id", conn.ID), zap.Error(err))
			}
			return
		}

		if !s.handleMessage(sess, message) {
			reason = domain.CloseReasonAuthFailed
			return
		}
	}
}

// closeReason classifies a read error. A close the server already initiated
// keeps its reason.
func closeReason(conn *hub.Connection, err error) domain.CloseReason {
	if reason := conn.CloseReason(); reason != domain.CloseReasonNetwork {
		return reason
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.CloseReasonHeartbeatTimeout
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return domain.CloseReasonClientClose
	}
	return domain.CloseReasonNetwork
}

func (s *Server) armDeadline(conn *hub.Connection) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
		s.wg.Done()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				reason := conn.CloseReason()
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(reason.CloseCode(), string(reason)))
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug("failed to write message", zap.String("conn_id", conn.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) establish(sess *session, identity domain.Identity) {
	sess.conn.SetIdentity(identity)
	sess.client.Identity = identity
	sess.authed = true

	ctx, cancel := context.WithTimeout(sess.ctx, commandTimeout)
	defer cancel()
	s.chat.Connect(ctx, sess.client)
}

// handleMessage dispatches incoming messages to appropriate handlers. It
// returns false when the connection must be closed for failed authentication.
func (s *Server) handleMessage(sess *session, data []byte) bool {
	var base protocol.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		s.sendError(sess, "", domain.NewError(domain.ErrValidation, "invalid JSON message"))
		return true
	}

	if !sess.authed {
		return s.handleAuthenticate(sess, base, data)
	}

	ctx, cancel := context.WithTimeout(sess.ctx, commandTimeout)
	defer cancel()

	var err error
	switch base.Type {
	case protocol.TypeHeartbeat:
		s.armDeadline(sess.conn)
		s.chat.Heartbeat(sess.client, base.RequestID)

	case protocol.TypeJoinRoom:
		var msg protocol.JoinRoomMessage
		if err = decode(data, &msg); err == nil {
			err = s.chat.Join(ctx, sess.client, msg.RequestID, msg.RoomID)
		}

	case protocol.TypeLeaveRoom:
		var msg protocol.LeaveRoomMessage
		if err = decode(data, &msg); err == nil {
			err = s.chat.Leave(ctx, sess.client, msg.RoomID)
		}

	case protocol.TypeSendMessage:
		var msg protocol.SendMessageMessage
		if err = decode(data, &msg); err == nil {
			if !sess.limiter.Allow() {
				err = domain.NewError(domain.ErrRateLimited, "too many messages, slow down")
			} else {
				err = s.chat.SendMessage(ctx, sess.client, msg)
			}
		}

	case protocol.TypeFetchHistory:
		var msg protocol.FetchHistoryMessage
		if err = decode(data, &msg); err == nil {
			// History loads retry with backoff; run them off the read loop so
			// heartbeats keep flowing.
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.chat.FetchHistory(sess.ctx, sess.client, msg)
			}()
		}

	case protocol.TypeMarkRead:
		var msg protocol.MarkReadMessage
		if err = decode(data, &msg); err == nil {
			err = s.chat.MarkRead(ctx, sess.client, msg)
		}

	case protocol.TypeReactionToggle:
		var msg protocol.ReactionToggleMessage
		if err = decode(data, &msg); err == nil {
			err = s.chat.ToggleReaction(ctx, sess.client, msg)
		}

	case protocol.TypeForceLogout:
		var msg protocol.ForceLogoutMessage
		if err = decode(data, &msg); err == nil {
			err = s.chat.ForceLogout(ctx, sess.client, msg.Token)
		}

	case protocol.TypeAuthenticate:
		err = domain.NewError(domain.ErrValidation, "connection is already authenticated")

	default:
		err = domain.NewError(domain.ErrValidation, "unknown message type: %s", base.Type)
	}

	if err != nil {
		s.sendError(sess, base.RequestID, err)
	}
	return true
}

func (s *Server) handleAuthenticate(sess *session, base protocol.BaseMessage, data []byte) bool {
	if base.Type != protocol.TypeAuthenticate {
		s.sendError(sess, base.RequestID, domain.NewError(domain.ErrUnauthenticated, "must authenticate first"))
		return false
	}

	var msg protocol.AuthenticateMessage
	if err := decode(data, &msg); err != nil {
		s.sendError(sess, base.RequestID, domain.NewError(domain.ErrUnauthenticated, "invalid authenticate message"))
		return false
	}

	ctx, cancel := context.WithTimeout(sess.ctx, commandTimeout)
	defer cancel()
	identity, err := s.auth.Authenticate(ctx, msg.Token, msg.SessionID)
	if err != nil {
		s.logger.Info("authentication failed", zap.String("conn_id", sess.conn.ID), zap.Error(err))
		s.sendError(sess, msg.RequestID, err)
		return false
	}

	if msg.DeviceInfo != "" {
		sess.client.DeviceInfo = msg.DeviceInfo
	}
	s.establish(sess, identity)
	return true
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return domain.NewError(domain.ErrValidation, "invalid message payload")
	}
	return nil
}

// sendError sends an error message to a connection.
func (s *Server) sendError(sess *session, requestID string, err error) {
	if domain.CodeOf(err) == domain.CodeInternal {
		s.logger.Error("command failed", zap.String("conn_id", sess.conn.ID), zap.Error(err))
	}
	if sendErr := s.hub.SendToConnection(sess.conn.ID, protocol.NewError(requestID, err)); sendErr != nil {
		s.logger.Warn("failed to send error", zap.String("conn_id", sess.conn.ID), zap.Error(sendErr))
	}
}
