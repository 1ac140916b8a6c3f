package policy

import (
	"context"
	"fmt"

	"github.com/xiaot623/gogo/realtime/internal/domain"
)

// ParticipantChecker reports persisted room membership.
type ParticipantChecker interface {
	IsParticipant(ctx context.Context, roomID, userID string) (bool, error)
}

// Guard applies the policy to chat commands.
type Guard struct {
	engine  *Engine
	members ParticipantChecker
}

// NewGuard creates a guard.
func NewGuard(engine *Engine, members ParticipantChecker) *Guard {
	return &Guard{engine: engine, members: members}
}

// Authorize returns an Unauthorized error when userID may not perform action
// in roomID.
func (g *Guard) Authorize(ctx context.Context, action, userID, roomID string) error {
	return g.check(ctx, action, userID, roomID, nil)
}

// AuthorizeReaction checks a reaction on msg.
func (g *Guard) AuthorizeReaction(ctx context.Context, userID string, msg *domain.Message) error {
	return g.check(ctx, ActionReact, userID, msg.RoomID, map[string]interface{}{
		"message_id": msg.MessageID,
		"type":       string(msg.Type),
		"deleted":    msg.Deleted,
	})
}

func (g *Guard) check(ctx context.Context, action, userID, roomID string, message map[string]interface{}) error {
	isParticipant, err := g.members.IsParticipant(ctx, roomID, userID)
	if err != nil {
		return fmt.Errorf("failed to check participant: %w", err)
	}

	input := map[string]interface{}{
		"action":         action,
		"user_id":        userID,
		"room_id":        roomID,
		"is_participant": isParticipant,
	}
	if message != nil {
		input["message"] = message
	}

	decision, err := g.engine.Evaluate(ctx, input)
	if err != nil {
		return err
	}
	if !decision.Allow {
		return domain.NewError(domain.ErrUnauthorized, "%s", decision.Reason)
	}
	return nil
}
