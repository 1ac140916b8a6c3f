package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/realtime/internal/domain"
	"github.com/xiaot623/gogo/realtime/internal/repository"
)

const secret = "test-secret"

func newGate(t *testing.T) (*Gate, *store.SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	now := domain.Now()
	require.NoError(t, s.CreateUser(ctx, &domain.User{UserID: "u1", Name: "Ann", Email: "ann@example.com", CreatedAt: now}))
	require.NoError(t, s.CreateAuthSession(ctx, &domain.AuthSession{UserID: "u1", SessionID: "s1", CreatedAt: now, LastActivity: now}))
	return NewGate(secret, s), s
}

func TestAuthenticateSuccess(t *testing.T) {
	g, s := newGate(t)
	token, err := g.IssueToken("u1", "Ann", time.Hour)
	require.NoError(t, err)

	before, err := s.GetActiveSession(context.Background(), "u1")
	require.NoError(t, err)

	ident, err := g.Authenticate(context.Background(), token, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.Identity{UserID: "u1", Name: "Ann", Email: "ann@example.com", SessionID: "s1"}, ident)

	after, err := s.GetActiveSession(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, after.LastActivity.Before(before.LastActivity))
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	g, _ := newGate(t)
	expired, err := IssueToken([]byte(secret), "u1", "Ann", time.Now().Add(-2*time.Hour), time.Hour)
	require.NoError(t, err)
	forged, err := IssueToken([]byte("other-secret"), "u1", "Ann", time.Now(), time.Hour)
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u1"}).SignedString([]byte(secret))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"missing":   "",
		"malformed": "not-a-jwt",
		"expired":   expired,
		"forged":    forged,
		"no expiry": noExpiry,
	} {
		_, err := g.Authenticate(context.Background(), token, "s1")
		assert.True(t, errors.Is(err, domain.ErrUnauthenticated), "%s: %v", name, err)
		assert.Equal(t, domain.CodeUnauthenticated, domain.CodeOf(err), name)
	}
}

func TestAuthenticateRejectsStaleSession(t *testing.T) {
	g, s := newGate(t)
	ctx := context.Background()
	token, err := g.IssueToken("u1", "Ann", time.Hour)
	require.NoError(t, err)

	_, err = g.Authenticate(ctx, token, "other-session")
	assert.True(t, errors.Is(err, domain.ErrSessionInvalid))

	// A newer login supersedes s1.
	later := domain.Now().Add(time.Second)
	require.NoError(t, s.CreateAuthSession(ctx, &domain.AuthSession{UserID: "u1", SessionID: "s2", CreatedAt: later, LastActivity: later}))
	_, err = g.Authenticate(ctx, token, "s1")
	assert.True(t, errors.Is(err, domain.ErrSessionInvalid))

	// Centralized logout revokes everything.
	_, err = s.RevokeSessions(ctx, "u1")
	require.NoError(t, err)
	_, err = g.Authenticate(ctx, token, "s2")
	assert.True(t, errors.Is(err, domain.ErrSessionInvalid))
}

func TestAuthenticateSubjectWithoutSession(t *testing.T) {
	g, _ := newGate(t)
	token, err := g.IssueToken("ghost", "Ghost", time.Hour)
	require.NoError(t, err)

	_, err = g.Authenticate(context.Background(), token, "s1")
	assert.True(t, errors.Is(err, domain.ErrSessionInvalid))
}

func TestVerifyOwner(t *testing.T) {
	g, _ := newGate(t)
	token, err := g.IssueToken("u1", "Ann", time.Hour)
	require.NoError(t, err)

	assert.NoError(t, g.VerifyOwner(token, "u1"))
	assert.True(t, errors.Is(g.VerifyOwner(token, "u2"), domain.ErrUnauthorized))
	assert.True(t, errors.Is(g.VerifyOwner("junk", "u1"), domain.ErrUnauthenticated))
}
