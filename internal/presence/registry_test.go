package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/realtime/internal/domain"
	"github.com/xiaot623/gogo/realtime/internal/protocol"
	"github.com/xiaot623/gogo/realtime/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newRegistry(t *testing.T, grace time.Duration) (*Registry, *testutil.Notifier) {
	t.Helper()
	n := testutil.NewNotifier()
	r := NewRegistry(n, grace, zap.NewNop())
	t.Cleanup(r.Stop)
	return r, n
}

func TestClaimFirstLogin(t *testing.T) {
	r, n := newRegistry(t, time.Second)
	n.Connect("c1")

	assert.Empty(t, r.Claim("u1", Entry{ConnID: "c1"}))
	assert.True(t, r.IsCurrent("u1", "c1"))
	assert.Empty(t, n.Frames("c1"))
}

func TestClaimSameConnectionIsNoop(t *testing.T) {
	r, n := newRegistry(t, time.Second)
	n.Connect("c1")

	r.Claim("u1", Entry{ConnID: "c1"})
	assert.Empty(t, r.Claim("u1", Entry{ConnID: "c1"}))
	assert.Empty(t, n.Frames("c1"))
}

func TestDuplicateLoginEvictsPriorAfterGrace(t *testing.T) {
	r, n := newRegistry(t, 50*time.Millisecond)
	n.Connect("c1", "c2")

	r.Claim("u1", Entry{ConnID: "c1"})
	prior := r.Claim("u1", Entry{ConnID: "c2", DeviceInfo: "curl/8", Address: "10.0.0.2"})

	assert.Equal(t, "c1", prior)
	// The new connection is authoritative immediately.
	assert.True(t, r.IsCurrent("u1", "c2"))
	require.Equal(t, []string{protocol.TypeDuplicateLoginWarning}, n.Types("c1"))

	var warning protocol.DuplicateLoginWarningMessage
	require.NoError(t, n.Frames("c1")[0].Decode(&warning))
	assert.Equal(t, "curl/8", warning.DeviceInfo)
	assert.Equal(t, "10.0.0.2", warning.Address)
	assert.Empty(t, n.Disconnects())

	require.True(t, testutil.WaitFor(time.Second, func() bool { return len(n.Disconnects()) == 1 }))
	assert.Equal(t, testutil.Disconnection{ConnID: "c1", Reason: domain.CloseReasonDuplicateLogin}, n.Disconnects()[0])

	terminated := n.FramesOfType("c1", protocol.TypeSessionTerminated)
	require.Len(t, terminated, 1)
	var msg protocol.SessionTerminatedMessage
	require.NoError(t, terminated[0].Decode(&msg))
	assert.Equal(t, string(domain.CloseReasonDuplicateLogin), msg.Reason)
	assert.Empty(t, n.Frames("c2"))
}

func TestVoluntaryDisconnectWithinGraceCancelsEviction(t *testing.T) {
	r, n := newRegistry(t, 30*time.Millisecond)
	n.Connect("c1", "c2")

	r.Claim("u1", Entry{ConnID: "c1"})
	r.Claim("u1", Entry{ConnID: "c2"})

	n.Drop("c1")
	assert.False(t, r.Release("u1", "c1"), "superseded connection is not current")

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, n.Disconnects())
	assert.Empty(t, n.FramesOfType("c1", protocol.TypeSessionTerminated))
	assert.True(t, r.IsCurrent("u1", "c2"))
}

func TestReleaseKeepsSuccessor(t *testing.T) {
	r, n := newRegistry(t, time.Hour)
	n.Connect("c1", "c2")

	r.Claim("u1", Entry{ConnID: "c1"})
	r.Claim("u1", Entry{ConnID: "c2"})
	r.Release("u1", "c1")

	e, ok := r.Current("u1")
	require.True(t, ok)
	assert.Equal(t, "c2", e.ConnID)

	assert.True(t, r.Release("u1", "c2"))
	assert.Equal(t, 0, r.Len())
}

func TestTerminatePendingShortCircuitsGrace(t *testing.T) {
	r, n := newRegistry(t, time.Hour)
	n.Connect("c1", "c2")

	r.Claim("u1", Entry{ConnID: "c1"})
	r.Claim("u1", Entry{ConnID: "c2"})

	assert.Equal(t, 1, r.TerminatePending("u1"))
	assert.Equal(t, []testutil.Disconnection{{ConnID: "c1", Reason: domain.CloseReasonForceLogout}}, n.Disconnects())
	assert.Equal(t, 0, r.TerminatePending("u1"))
	assert.True(t, r.IsCurrent("u1", "c2"))
}

func TestTerminateClosesCurrentConnection(t *testing.T) {
	r, n := newRegistry(t, time.Hour)
	n.Connect("c1")
	r.Claim("u1", Entry{ConnID: "c1"})

	assert.True(t, r.Terminate("u1", domain.CloseReasonForceLogout))
	assert.False(t, r.Terminate("u2", domain.CloseReasonForceLogout))
	assert.Equal(t, []string{protocol.TypeSessionTerminated}, n.Types("c1"))
}
