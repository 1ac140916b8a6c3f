// Package reaction applies reaction toggles and read markers and fans out the
// resulting state to the room.
package reaction

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/realtime/internal/domain"
	"github.com/xiaot623/gogo/realtime/internal/protocol"
)

// Store is the persistence the broadcaster mutates.
type Store interface {
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)
	AddReaction(ctx context.Context, messageID, emoji, userID string, at time.Time) error
	RemoveReaction(ctx context.Context, messageID, emoji, userID string) error
	ListReactions(ctx context.Context, messageID string) ([]domain.Reaction, error)
	MarkRead(ctx context.Context, roomID string, messageIDs []string, userID string, at time.Time) ([]string, error)
}

// Authorizer decides whether a user may react to a message.
type Authorizer interface {
	AuthorizeReaction(ctx context.Context, userID string, msg *domain.Message) error
}

// Broadcaster fans events out to a room.
type Broadcaster interface {
	BroadcastToRoom(roomID string, v any, exceptConnID string) error
}

const (
	maxEmojiLen      = 32
	maxReadBatchSize = 500
)

// Service is the reaction and read-receipt broadcaster.
type Service struct {
	store    Store
	notifier Broadcaster
	authz    Authorizer
	logger   *zap.Logger
}

// NewService creates a reaction service. authz may be nil.
func NewService(store Store, notifier Broadcaster, authz Authorizer, logger *zap.Logger) *Service {
	return &Service{store: store, notifier: notifier, authz: authz, logger: logger.Named("reaction")}
}

// Toggle adds or removes userID's emoji reaction on a message and broadcasts
// the full reaction map of the message to its room. Both directions are
// idempotent.
func (s *Service) Toggle(ctx context.Context, messageID, emoji, userID string, add bool) ([]domain.Reaction, error) {
	if messageID == "" {
		return nil, domain.NewError(domain.ErrValidation, "message_id is required")
	}
	if emoji == "" || utf8.RuneCountInString(emoji) > maxEmojiLen {
		return nil, domain.NewError(domain.ErrValidation, "invalid emoji")
	}

	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	if msg == nil {
		return nil, domain.NewError(domain.ErrNotFound, "message not found")
	}
	if s.authz != nil {
		if err := s.authz.AuthorizeReaction(ctx, userID, msg); err != nil {
			return nil, err
		}
	}

	if add {
		err = s.store.AddReaction(ctx, messageID, emoji, userID, domain.Now())
	} else {
		err = s.store.RemoveReaction(ctx, messageID, emoji, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update reaction: %w", err)
	}

	reactions, err := s.store.ListReactions(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load reactions: %w", err)
	}

	s.broadcast(msg.RoomID, protocol.ReactionsChangedMessage{
		BaseMessage: protocol.NewBase(protocol.TypeReactionsChanged, ""),
		RoomID:      msg.RoomID,
		MessageID:   messageID,
		Reactions:   reactions,
	}, "")
	return reactions, nil
}

// MarkRead adds userID's read marker to the listed messages of roomID and
// sends the delta to the other connections in the room. Ids outside the room
// are ignored; when none remain nothing is sent.
func (s *Service) MarkRead(ctx context.Context, roomID string, messageIDs []string, userID, actorConnID string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if len(messageIDs) > maxReadBatchSize {
		return domain.NewError(domain.ErrValidation, "too many message ids (max %d)", maxReadBatchSize)
	}

	marked, err := s.store.MarkRead(ctx, roomID, messageIDs, userID, domain.Now())
	if err != nil {
		return fmt.Errorf("failed to mark messages read: %w", err)
	}
	if len(marked) == 0 {
		return nil
	}

	s.broadcast(roomID, protocol.ReadReceiptMessage{
		BaseMessage: protocol.NewBase(protocol.TypeReadReceipt, ""),
		RoomID:      roomID,
		UserID:      userID,
		MessageIDs:  marked,
	}, actorConnID)
	return nil
}

func (s *Service) broadcast(roomID string, v any, except string) {
	if err := s.notifier.BroadcastToRoom(roomID, v, except); err != nil {
		s.logger.Warn("broadcast failed", zap.String("room_id", roomID), zap.Error(err))
	}
}
