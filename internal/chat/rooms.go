package chat

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/realtime/internal/domain"
	"github.com/xiaot623/gogo/realtime/internal/protocol"
)

// Join moves the caller into roomID. Joining the current room again only
// re-confirms it; joining another room leaves the current one first. Failures
// are reported to the caller as join_error.
func (s *Service) Join(ctx context.Context, c Client, requestID, roomID string) error {
	unlock := s.lock(c.userID())
	defer unlock()

	if err := s.join(ctx, c, requestID, roomID); err != nil {
		s.logger.Info("join failed",
			zap.String("user_id", c.userID()), zap.String("room_id", roomID), zap.Error(err))
		s.send(c.ConnID, protocol.JoinErrorMessage{
			BaseMessage: protocol.NewBase(protocol.TypeJoinError, requestID),
			RoomID:      roomID,
			Code:        domain.CodeOf(err),
			Message:     domain.MessageOf(err),
		})
	}
	return nil
}

func (s *Service) join(ctx context.Context, c Client, requestID, roomID string) error {
	if roomID == "" {
		return domain.NewError(domain.ErrValidation, "room_id is required")
	}
	if err := s.requireCurrent(c); err != nil {
		return err
	}

	room, err := s.Store.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to load room: %w", err)
	}
	if room == nil {
		return domain.NewError(domain.ErrNotFound, "room not found")
	}

	current, joined := s.Membership.Current(c.userID())
	if joined && current == roomID {
		s.Notifier.Subscribe(c.ConnID, roomID)
		resp, err := s.joinResponse(ctx, roomID, requestID)
		if err != nil {
			return err
		}
		s.send(c.ConnID, resp)
		return nil
	}
	if joined {
		if err := s.leaveLocked(ctx, c, current, fmt.Sprintf("%s left the room", c.Identity.Name)); err != nil {
			return err
		}
	}

	if err := s.Store.AddParticipant(ctx, roomID, c.userID(), domain.Now()); err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	s.Membership.Set(c.userID(), roomID)
	s.Notifier.Subscribe(c.ConnID, roomID)

	notice, err := s.appendSystemMessage(ctx, roomID, fmt.Sprintf("%s joined the room", c.Identity.Name))
	if err != nil {
		return err
	}

	resp, err := s.joinResponse(ctx, roomID, requestID)
	if err != nil {
		return err
	}
	s.send(c.ConnID, resp)

	s.broadcast(roomID, protocol.MessageCreatedMessage{
		BaseMessage: protocol.NewBase(protocol.TypeMessageCreated, ""),
		RoomID:      roomID,
		Message:     *notice,
	}, c.ConnID)
	s.broadcast(roomID, protocol.ParticipantsChangedMessage{
		BaseMessage:  protocol.NewBase(protocol.TypeParticipantsChanged, ""),
		RoomID:       roomID,
		Participants: resp.Participants,
	}, c.ConnID)

	s.logger.Info("joined room", zap.String("user_id", c.userID()), zap.String("room_id", roomID))
	return nil
}

// Leave takes the caller out of roomID. Leaving a room the caller is not in
// is ignored.
func (s *Service) Leave(ctx context.Context, c Client, roomID string) error {
	unlock := s.lock(c.userID())
	defer unlock()

	if err := s.requireCurrent(c); err != nil {
		return err
	}
	current, ok := s.Membership.Current(c.userID())
	if !ok || current != roomID {
		s.logger.Info("leave ignored, not in room",
			zap.String("user_id", c.userID()), zap.String("room_id", roomID), zap.String("current_room_id", current))
		return nil
	}
	return s.leaveLocked(ctx, c, roomID, fmt.Sprintf("%s left the room", c.Identity.Name))
}

// leaveLocked runs the leave sequence for roomID. An empty notice leaves
// silently: no departure message and no participant list broadcast. The
// caller must hold the identity lock.
func (s *Service) leaveLocked(ctx context.Context, c Client, roomID, notice string) error {
	s.Membership.Clear(c.userID(), roomID)
	s.Coordinator.TeardownOwned(roomID, c.userID())
	s.History.Clear(roomID, c.userID())
	s.Notifier.Unsubscribe(c.ConnID, roomID)

	if err := s.Store.RemoveParticipant(ctx, roomID, c.userID()); err != nil {
		return fmt.Errorf("failed to remove participant: %w", err)
	}

	if notice == "" {
		s.logger.Info("left room silently", zap.String("user_id", c.userID()), zap.String("room_id", roomID))
		return nil
	}

	msg, err := s.appendSystemMessage(ctx, roomID, notice)
	if err != nil {
		return err
	}
	s.broadcast(roomID, protocol.MessageCreatedMessage{
		BaseMessage: protocol.NewBase(protocol.TypeMessageCreated, ""),
		RoomID:      roomID,
		Message:     *msg,
	}, "")

	participants, err := s.Store.ListParticipants(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to list participants: %w", err)
	}
	s.broadcast(roomID, protocol.ParticipantsChangedMessage{
		BaseMessage:  protocol.NewBase(protocol.TypeParticipantsChanged, ""),
		RoomID:       roomID,
		Participants: participants,
	}, "")

	s.logger.Info("left room", zap.String("user_id", c.userID()), zap.String("room_id", roomID))
	return nil
}

func (s *Service) joinResponse(ctx context.Context, roomID, requestID string) (protocol.JoinSuccessMessage, error) {
	participants, err := s.Store.ListParticipants(ctx, roomID)
	if err != nil {
		return protocol.JoinSuccessMessage{}, fmt.Errorf("failed to list participants: %w", err)
	}
	page, err := s.History.LoadPage(ctx, roomID, time.Time{})
	if err != nil {
		return protocol.JoinSuccessMessage{}, err
	}
	return protocol.JoinSuccessMessage{
		BaseMessage:   protocol.NewBase(protocol.TypeJoinSuccess, requestID),
		RoomID:        roomID,
		Participants:  participants,
		HistoryPage:   page,
		ActiveStreams: s.Coordinator.ActiveStreams(roomID),
	}, nil
}

// PostSystemMessage appends a system message to roomID and broadcasts it.
func (s *Service) PostSystemMessage(ctx context.Context, roomID, content string) (*domain.Message, error) {
	if content == "" {
		return nil, domain.NewError(domain.ErrValidation, "content is required")
	}
	room, err := s.Store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load room: %w", err)
	}
	if room == nil {
		return nil, domain.NewError(domain.ErrNotFound, "room not found")
	}

	msg, err := s.appendSystemMessage(ctx, roomID, content)
	if err != nil {
		return nil, err
	}
	s.broadcast(roomID, protocol.MessageCreatedMessage{
		BaseMessage: protocol.NewBase(protocol.TypeMessageCreated, ""),
		RoomID:      roomID,
		Message:     *msg,
	}, "")
	return msg, nil
}

// RoomMembers lists the users joined to roomID through a live connection.
func (s *Service) RoomMembers(roomID string) []string {
	users := s.Membership.Members(roomID)
	sort.Strings(users)
	return users
}

func (s *Service) appendSystemMessage(ctx context.Context, roomID, content string) (*domain.Message, error) {
	msg := &domain.Message{
		MessageID: ulid.Make().String(),
		RoomID:    roomID,
		Type:      domain.MessageTypeSystem,
		Content:   content,
		Reactions: []domain.Reaction{},
		Readers:   []domain.Reader{},
		CreatedAt: domain.Now(),
	}
	if err := s.Store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to create system message: %w", err)
	}
	return msg, nil
}
