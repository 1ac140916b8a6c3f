// Package chat sequences the realtime components for each inbound command of
// an authenticated connection.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/realtime/internal/ai"
	"github.com/xiaot623/gogo/realtime/internal/domain"
	"github.com/xiaot623/gogo/realtime/internal/history"
	"github.com/xiaot623/gogo/realtime/internal/membership"
	"github.com/xiaot623/gogo/realtime/internal/presence"
	"github.com/xiaot623/gogo/realtime/internal/protocol"
	"github.com/xiaot623/gogo/realtime/internal/reaction"
)

// Store is the storage collaborator as used by the session coordinator.
type Store interface {
	GetRoom(ctx context.Context, roomID string) (*domain.Room, error)
	AddParticipant(ctx context.Context, roomID, userID string, at time.Time) error
	RemoveParticipant(ctx context.Context, roomID, userID string) error
	ListParticipants(ctx context.Context, roomID string) ([]domain.Participant, error)
	GetFile(ctx context.Context, fileID string) (*domain.File, error)
	CreateMessage(ctx context.Context, message *domain.Message) error
	RevokeSessions(ctx context.Context, userID string) (int64, error)
}

// Notifier delivers frames to connections and rooms.
type Notifier interface {
	SendToConnection(connID string, v any) error
	BroadcastToRoom(roomID string, v any, exceptConnID string) error
	Subscribe(connID, roomID string)
	Unsubscribe(connID, roomID string)
	Disconnect(connID string, reason domain.CloseReason)
}

// SessionValidator re-checks credentials after the handshake.
type SessionValidator interface {
	ValidateSession(ctx context.Context, userID, sessionID string) error
	VerifyOwner(token, userID string) error
}

// Authorizer decides whether a user may act in a room.
type Authorizer interface {
	Authorize(ctx context.Context, action, userID, roomID string) error
}

// Client is one authenticated connection.
type Client struct {
	ConnID     string
	Identity   domain.Identity
	DeviceInfo string
	Address    string
}

func (c Client) userID() string { return c.Identity.UserID }

// Deps are the components the service coordinates.
type Deps struct {
	Store       Store
	Notifier    Notifier
	Sessions    SessionValidator
	Authorizer  Authorizer
	Presence    *presence.Registry
	Membership  *membership.Tracker
	History     *history.Loader
	Coordinator *ai.Coordinator
	Reactions   *reaction.Service
}

// Service is the session coordinator. Commands of one identity are
// serialized; commands of different identities run concurrently.
type Service struct {
	Deps
	logger *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewService creates a session coordinator.
func NewService(deps Deps, logger *zap.Logger) *Service {
	return &Service{
		Deps:   deps,
		logger: logger.Named("chat"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *Service) lock(userID string) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[userID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[userID] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// Connect registers c as the authoritative connection of its identity,
// confirms readiness and re-announces the room the identity is still joined
// to, if any.
func (s *Service) Connect(ctx context.Context, c Client) {
	unlock := s.lock(c.userID())
	defer unlock()

	prior := s.Presence.Claim(c.userID(), presence.Entry{
		ConnID:     c.ConnID,
		DeviceInfo: c.DeviceInfo,
		Address:    c.Address,
	})

	s.send(c.ConnID, protocol.ConnectReadyMessage{
		BaseMessage: protocol.NewBase(protocol.TypeConnectReady, ""),
		ConnID:      c.ConnID,
		UserID:      c.userID(),
	})
	s.logger.Info("connection ready",
		zap.String("user_id", c.userID()), zap.String("conn_id", c.ConnID), zap.String("prior_conn_id", prior))

	roomID, ok := s.Membership.Current(c.userID())
	if !ok {
		return
	}
	s.Notifier.Subscribe(c.ConnID, roomID)
	resp, err := s.joinResponse(ctx, roomID, "")
	if err != nil {
		s.logger.Warn("failed to re-announce room", zap.String("user_id", c.userID()), zap.String("room_id", roomID), zap.Error(err))
		return
	}
	s.send(c.ConnID, resp)
}

// Disconnect cleans up after a closed connection. A connection that was
// superseded by a newer login leaves membership to its successor; otherwise
// the identity leaves its room. The room hears about it only when reason is
// not a voluntary close or an eviction.
func (s *Service) Disconnect(ctx context.Context, c Client, reason domain.CloseReason) {
	unlock := s.lock(c.userID())
	defer unlock()

	if !s.Presence.Release(c.userID(), c.ConnID) {
		s.logger.Debug("superseded connection closed",
			zap.String("user_id", c.userID()), zap.String("conn_id", c.ConnID), zap.String("reason", string(reason)))
		return
	}

	s.History.ClearUser(c.userID())
	s.Coordinator.TeardownUser(c.userID())

	if roomID, ok := s.Membership.Current(c.userID()); ok {
		notice := ""
		if !reason.SuppressDepartureNotice() {
			notice = fmt.Sprintf("%s disconnected", c.Identity.Name)
		}
		if err := s.leaveLocked(ctx, c, roomID, notice); err != nil {
			s.logger.Error("failed to leave room on disconnect",
				zap.String("user_id", c.userID()), zap.String("room_id", roomID), zap.Error(err))
		}
	}
	s.logger.Info("connection closed",
		zap.String("user_id", c.userID()), zap.String("conn_id", c.ConnID), zap.String("reason", string(reason)))
}

// Heartbeat answers a client heartbeat.
func (s *Service) Heartbeat(c Client, requestID string) {
	s.send(c.ConnID, protocol.PongMessage{BaseMessage: protocol.NewBase(protocol.TypePong, requestID)})
}

// ForceLogout terminates the caller's own prior connections that are still
// in their takeover grace period. token proves ownership of the identity.
func (s *Service) ForceLogout(ctx context.Context, c Client, token string) error {
	if err := s.Sessions.VerifyOwner(token, c.userID()); err != nil {
		return err
	}
	if n := s.Presence.TerminatePending(c.userID()); n == 0 {
		return domain.NewError(domain.ErrNotFound, "no pending session to terminate")
	}
	return nil
}

// Logout revokes every stored session of userID and terminates its live
// connection. It reports the number of revoked sessions and whether a
// connection was closed.
func (s *Service) Logout(ctx context.Context, userID string) (int64, bool, error) {
	revoked, err := s.Store.RevokeSessions(ctx, userID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	terminated := s.Presence.Terminate(userID, domain.CloseReasonForceLogout)
	s.logger.Info("user logged out", zap.String("user_id", userID), zap.Int64("revoked", revoked), zap.Bool("terminated", terminated))
	return revoked, terminated, nil
}

// requireCurrent rejects commands from a connection that a newer login has
// superseded.
func (s *Service) requireCurrent(c Client) error {
	if !s.Presence.IsCurrent(c.userID(), c.ConnID) {
		return domain.NewError(domain.ErrSessionInvalid, "this session has been taken over by another login")
	}
	return nil
}

// terminate tells a connection why it is being closed, then closes it.
func (s *Service) terminate(connID string, reason domain.CloseReason, text string) {
	s.send(connID, protocol.SessionTerminatedMessage{
		BaseMessage: protocol.NewBase(protocol.TypeSessionTerminated, ""),
		Reason:      string(reason),
		Message:     text,
	})
	s.Notifier.Disconnect(connID, reason)
}

func (s *Service) send(connID string, v any) {
	if err := s.Notifier.SendToConnection(connID, v); err != nil {
		s.logger.Warn("send failed", zap.String("conn_id", connID), zap.Error(err))
	}
}

func (s *Service) broadcast(roomID string, v any, except string) {
	if err := s.Notifier.BroadcastToRoom(roomID, v, except); err != nil {
		s.logger.Warn("broadcast failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

func isSessionInvalid(err error) bool {
	return errors.Is(err, domain.ErrSessionInvalid)
}
