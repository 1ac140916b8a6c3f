package store

import (
	"context"
	"time"

	"github.com/xiaot623/gogo/realtime/internal/domain"
)

// Store defines the storage collaborator used by the chat core.
type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *domain.User) error
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// Session operations
	CreateAuthSession(ctx context.Context, session *domain.AuthSession) error
	GetActiveSession(ctx context.Context, userID string) (*domain.AuthSession, error)
	TouchSession(ctx context.Context, userID, sessionID string, at time.Time) error
	RevokeSessions(ctx context.Context, userID string) (int64, error)

	// Room operations
	CreateRoom(ctx context.Context, room *domain.Room) error
	GetRoom(ctx context.Context, roomID string) (*domain.Room, error)
	AddParticipant(ctx context.Context, roomID, userID string, at time.Time) error
	RemoveParticipant(ctx context.Context, roomID, userID string) error
	IsParticipant(ctx context.Context, roomID, userID string) (bool, error)
	ListParticipants(ctx context.Context, roomID string) ([]domain.Participant, error)

	// File operations
	CreateFile(ctx context.Context, file *domain.File) error
	GetFile(ctx context.Context, fileID string) (*domain.File, error)

	// Message operations
	CreateMessage(ctx context.Context, message *domain.Message) error
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)
	ListMessagesBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]domain.Message, error)

	// Reaction and read marker operations
	AddReaction(ctx context.Context, messageID, emoji, userID string, at time.Time) error
	RemoveReaction(ctx context.Context, messageID, emoji, userID string) error
	ListReactions(ctx context.Context, messageID string) ([]domain.Reaction, error)
	MarkRead(ctx context.Context, roomID string, messageIDs []string, userID string, at time.Time) ([]string, error)
	ListReaders(ctx context.Context, messageID string) ([]domain.Reader, error)

	// Lifecycle
	Close() error
}

var _ Store = (*SQLiteStore)(nil)
