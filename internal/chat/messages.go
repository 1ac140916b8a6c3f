package chat

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/realtime/internal/domain"
	"github.com/xiaot623/gogo/realtime/internal/policy"
	"github.com/xiaot623/gogo/realtime/internal/protocol"
)

const maxContentLength = 10000

// SendMessage persists a text or file message, broadcasts it to the room and
// starts an AI response for every persona it mentions. Empty text is ignored.
// A session that is no longer valid is terminated.
func (s *Service) SendMessage(ctx context.Context, c Client, req protocol.SendMessageMessage) error {
	if err := s.Sessions.ValidateSession(ctx, c.userID(), c.Identity.SessionID); err != nil {
		if isSessionInvalid(err) {
			s.logger.Info("session invalidated, closing connection",
				zap.String("user_id", c.userID()), zap.String("conn_id", c.ConnID))
			s.terminate(c.ConnID, domain.CloseReasonSessionInvalid, domain.MessageOf(err))
			return nil
		}
		return err
	}

	unlock := s.lock(c.userID())
	defer unlock()

	if err := s.requireCurrent(c); err != nil {
		return err
	}
	if req.RoomID == "" {
		return domain.NewError(domain.ErrValidation, "room_id is required")
	}
	if err := s.Authorizer.Authorize(ctx, policy.ActionSend, c.userID(), req.RoomID); err != nil {
		return err
	}

	msg := &domain.Message{
		MessageID:  ulid.Make().String(),
		RoomID:     req.RoomID,
		SenderID:   c.userID(),
		SenderName: c.Identity.Name,
		Type:       req.MessageType,
		Reactions:  []domain.Reaction{},
		Readers:    []domain.Reader{},
		CreatedAt:  domain.Now(),
	}

	switch req.MessageType {
	case domain.MessageTypeText, "":
		content := strings.TrimSpace(req.Content)
		if content == "" {
			return nil
		}
		if utf8.RuneCountInString(content) > maxContentLength {
			return domain.NewError(domain.ErrValidation, "message is too long (max %d characters)", maxContentLength)
		}
		msg.Type = domain.MessageTypeText
		msg.Content = content

	case domain.MessageTypeFile:
		file, err := s.ownedFile(ctx, req.FileID, c.userID())
		if err != nil {
			return err
		}
		msg.FileID = file.FileID
		msg.File = file
		msg.Content = strings.TrimSpace(req.Content)
		if msg.Content == "" {
			msg.Content = file.Filename
		}

	default:
		return domain.NewError(domain.ErrValidation, "unsupported message type %q", req.MessageType)
	}

	if err := s.Store.CreateMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	s.broadcast(req.RoomID, protocol.MessageCreatedMessage{
		BaseMessage: protocol.NewBase(protocol.TypeMessageCreated, req.RequestID),
		RoomID:      req.RoomID,
		Message:     *msg,
	}, "")

	if msg.Type == domain.MessageTypeText {
		if ids := s.Coordinator.HandleMessage(req.RoomID, c.userID(), msg.Content); len(ids) > 0 {
			s.logger.Debug("ai responses started", zap.String("room_id", req.RoomID), zap.Strings("message_ids", ids))
		}
	}
	return nil
}

func (s *Service) ownedFile(ctx context.Context, fileID, userID string) (*domain.File, error) {
	if fileID == "" {
		return nil, domain.NewError(domain.ErrValidation, "file_id is required for file messages")
	}
	file, err := s.Store.GetFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load file: %w", err)
	}
	if file == nil {
		return nil, domain.NewError(domain.ErrNotFound, "file not found")
	}
	if file.UserID != userID {
		return nil, domain.NewError(domain.ErrUnauthorized, "file belongs to another user")
	}
	return file, nil
}

// FetchHistory loads the page of roomID older than req.Before and delivers it
// to the caller. The caller always receives history_load_start followed by
// either history_page or history_load_failed.
func (s *Service) FetchHistory(ctx context.Context, c Client, req protocol.FetchHistoryMessage) {
	fail := func(err error) {
		s.send(c.ConnID, protocol.HistoryLoadFailedMessage{
			BaseMessage: protocol.NewBase(protocol.TypeHistoryLoadFailed, req.RequestID),
			RoomID:      req.RoomID,
			Code:        domain.CodeOf(err),
			Message:     domain.MessageOf(err),
		})
	}

	if err := s.requireCurrent(c); err != nil {
		fail(err)
		return
	}
	if req.RoomID == "" {
		fail(domain.NewError(domain.ErrValidation, "room_id is required"))
		return
	}
	if err := s.Authorizer.Authorize(ctx, policy.ActionHistory, c.userID(), req.RoomID); err != nil {
		fail(err)
		return
	}

	s.send(c.ConnID, protocol.HistoryLoadStartMessage{
		BaseMessage: protocol.NewBase(protocol.TypeHistoryLoadStart, req.RequestID),
		RoomID:      req.RoomID,
	})

	var before time.Time
	if req.Before != nil {
		before = *req.Before
	}
	page, err := s.History.Load(ctx, req.RoomID, c.userID(), before)
	if err != nil {
		s.logger.Info("history load failed",
			zap.String("user_id", c.userID()), zap.String("room_id", req.RoomID), zap.Error(err))
		fail(err)
		return
	}
	s.send(c.ConnID, protocol.HistoryPageMessage{
		BaseMessage: protocol.NewBase(protocol.TypeHistoryPage, req.RequestID),
		RoomID:      req.RoomID,
		HistoryPage: page,
	})
}

// MarkRead records read markers for the caller and sends the delta to the
// rest of the room.
func (s *Service) MarkRead(ctx context.Context, c Client, req protocol.MarkReadMessage) error {
	if err := s.requireCurrent(c); err != nil {
		return err
	}
	if req.RoomID == "" {
		return domain.NewError(domain.ErrValidation, "room_id is required")
	}
	if err := s.Authorizer.Authorize(ctx, policy.ActionRead, c.userID(), req.RoomID); err != nil {
		return err
	}
	return s.Reactions.MarkRead(ctx, req.RoomID, req.MessageIDs, c.userID(), c.ConnID)
}

// ToggleReaction adds or removes the caller's reaction on a message.
func (s *Service) ToggleReaction(ctx context.Context, c Client, req protocol.ReactionToggleMessage) error {
	if err := s.requireCurrent(c); err != nil {
		return err
	}
	var add bool
	switch req.Action {
	case protocol.ReactionAdd:
		add = true
	case protocol.ReactionRemove:
	default:
		return domain.NewError(domain.ErrValidation, "action must be %q or %q", protocol.ReactionAdd, protocol.ReactionRemove)
	}
	_, err := s.Reactions.Toggle(ctx, req.MessageID, req.Emoji, c.userID(), add)
	return err
}
