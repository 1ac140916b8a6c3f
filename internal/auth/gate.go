// Package auth validates connection credentials and resolves identities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xiaot623/gogo/realtime/internal/domain"
)

// Store resolves users and their authoritative sessions.
type Store interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	GetActiveSession(ctx context.Context, userID string) (*domain.AuthSession, error)
	TouchSession(ctx context.Context, userID, sessionID string, at time.Time) error
}

// Claims is the bearer token payload.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Gate authenticates connections.
type Gate struct {
	secret []byte
	store  Store
	now    func() time.Time
}

// NewGate creates a gate that verifies HS256 tokens signed with secret.
func NewGate(secret string, store Store) *Gate {
	return &Gate{secret: []byte(secret), store: store, now: time.Now}
}

// Authenticate verifies token, confirms sessionID is the user's authoritative
// session and returns the resolved identity. A missing, malformed or expired
// token yields ErrUnauthenticated; a stale or revoked session yields
// ErrSessionInvalid.
func (g *Gate) Authenticate(ctx context.Context, token, sessionID string) (domain.Identity, error) {
	if token == "" || sessionID == "" {
		return domain.Identity{}, domain.NewError(domain.ErrUnauthenticated, "credential and session id are required")
	}

	userID, err := g.verify(token)
	if err != nil {
		return domain.Identity{}, err
	}

	if err := g.ValidateSession(ctx, userID, sessionID); err != nil {
		return domain.Identity{}, err
	}

	user, err := g.store.GetUser(ctx, userID)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return domain.Identity{}, domain.NewError(domain.ErrUnauthenticated, "user not found")
	}

	return domain.Identity{
		UserID:    user.UserID,
		Name:      user.Name,
		Email:     user.Email,
		SessionID: sessionID,
	}, nil
}

// ValidateSession checks that sessionID is still the authoritative session of
// userID and records activity on it.
func (g *Gate) ValidateSession(ctx context.Context, userID, sessionID string) error {
	session, err := g.store.GetActiveSession(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil || session.SessionID != sessionID {
		return domain.NewError(domain.ErrSessionInvalid, "session is no longer valid")
	}
	if err := g.store.TouchSession(ctx, userID, sessionID, g.now().UTC()); err != nil {
		return fmt.Errorf("failed to update session activity: %w", err)
	}
	return nil
}

// VerifyOwner checks that token is valid and belongs to userID.
func (g *Gate) VerifyOwner(token, userID string) error {
	subject, err := g.verify(token)
	if err != nil {
		return err
	}
	if subject != userID {
		return domain.NewError(domain.ErrUnauthorized, "token does not belong to this user")
	}
	return nil
}

// IssueToken signs a token for userID valid for ttl.
func (g *Gate) IssueToken(userID, name string, ttl time.Duration) (string, error) {
	return IssueToken(g.secret, userID, name, g.now(), ttl)
}

// IssueToken signs an HS256 token for userID.
func IssueToken(secret []byte, userID, name string, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (g *Gate) verify(token string) (string, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return g.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", domain.NewError(domain.ErrUnauthenticated, "credential expired")
	default:
		return "", domain.NewError(domain.ErrUnauthenticated, "invalid credential")
	}
	if claims.Subject == "" {
		return "", domain.NewError(domain.ErrUnauthenticated, "credential has no subject")
	}
	return claims.Subject, nil
}
