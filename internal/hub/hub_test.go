package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xiaot623/gogo/realtime/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return h
}

func connect(t *testing.T, h *Hub) *Connection {
	t.Helper()
	conn := h.NewConnection(nil)
	h.Register(conn)
	require.Eventually(t, func() bool { return h.IsConnected(conn.ID) }, time.Second, 5*time.Millisecond)
	return conn
}

func receive(t *testing.T, conn *Connection) map[string]any {
	t.Helper()
	select {
	case data, ok := <-conn.Send:
		require.True(t, ok, "send channel closed")
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func assertClosed(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case _, ok := <-conn.Send:
		assert.False(t, ok, "expected closed send channel")
	case <-time.After(time.Second):
		t.Fatal("send channel was not closed")
	}
}

func TestBroadcastToRoomSkipsSenderAndOtherRooms(t *testing.T) {
	h := startHub(t)
	a, b, c := connect(t, h), connect(t, h), connect(t, h)
	h.Subscribe(a.ID, "r1")
	h.Subscribe(b.ID, "r1")
	h.Subscribe(c.ID, "r2")

	require.NoError(t, h.BroadcastToRoom("r1", map[string]any{"type": "message_created", "n": 1}, a.ID))
	require.NoError(t, h.SendToConnection(a.ID, map[string]any{"type": "pong"}))

	assert.Equal(t, "message_created", receive(t, b)["type"])
	assert.Equal(t, "pong", receive(t, a)["type"])
	require.NoError(t, h.SendToConnection(c.ID, map[string]any{"type": "pong"}))
	assert.Equal(t, "pong", receive(t, c)["type"])
	assert.Len(t, a.Send, 0)
	assert.True(t, h.HasSubscribers("r1"))
	assert.Equal(t, 2, h.GetRoomCount())
}

func TestUnsubscribeAfterQueuedBroadcast(t *testing.T) {
	h := startHub(t)
	a := connect(t, h)
	h.Subscribe(a.ID, "r1")

	require.NoError(t, h.BroadcastToRoom("r1", map[string]any{"type": "stream_complete"}, ""))
	h.Unsubscribe(a.ID, "r1")
	require.NoError(t, h.BroadcastToRoom("r1", map[string]any{"type": "stream_chunk"}, ""))
	require.NoError(t, h.SendToConnection(a.ID, map[string]any{"type": "pong"}))

	assert.Equal(t, "stream_complete", receive(t, a)["type"])
	assert.Equal(t, "pong", receive(t, a)["type"])
	assert.False(t, h.HasSubscribers("r1"))
}

func TestDeliveryPreservesSubmissionOrder(t *testing.T) {
	h := startHub(t)
	a := connect(t, h)
	h.Subscribe(a.ID, "r1")

	for i := 0; i < 50; i++ {
		if i%2 == 0 {
			require.NoError(t, h.BroadcastToRoom("r1", map[string]any{"type": "stream_chunk", "seq": i}, ""))
		} else {
			require.NoError(t, h.SendToConnection(a.ID, map[string]any{"type": "pong", "seq": i}))
		}
	}
	for i := 0; i < 50; i++ {
		assert.EqualValues(t, i, receive(t, a)["seq"])
	}
}

func TestDisconnectFlushesQueuedFramesThenCloses(t *testing.T) {
	h := startHub(t)
	a := connect(t, h)
	h.Subscribe(a.ID, "r1")

	require.NoError(t, h.SendToConnection(a.ID, map[string]any{"type": "session_terminated"}))
	h.Disconnect(a.ID, domain.CloseReasonDuplicateLogin)

	assert.Equal(t, "session_terminated", receive(t, a)["type"])
	assertClosed(t, a)
	assert.False(t, h.IsConnected(a.ID))
	assert.False(t, h.HasSubscribers("r1"))
	assert.Equal(t, domain.CloseReasonDuplicateLogin, a.CloseReason())

	// Later closes do not override the first reason.
	h.Disconnect(a.ID, domain.CloseReasonForceLogout)
	assert.Equal(t, domain.CloseReasonDuplicateLogin, a.CloseReason())
}

func TestUnregisterReportsNetworkClose(t *testing.T) {
	h := startHub(t)
	a := connect(t, h)
	h.Unregister(a)

	assertClosed(t, a)
	assert.Equal(t, domain.CloseReasonNetwork, a.CloseReason())
	assert.Equal(t, 0, h.GetConnectionCount())
}

func TestSlowConsumerIsDropped(t *testing.T) {
	h := startHub(t)
	slow := connect(t, h)
	fast := connect(t, h)
	h.Subscribe(slow.ID, "r1")
	h.Subscribe(fast.ID, "r1")

	for i := 0; i <= sendBufferSize; i++ {
		require.NoError(t, h.BroadcastToRoom("r1", map[string]any{"type": "stream_chunk"}, fast.ID))
	}
	require.Eventually(t, func() bool { return !h.IsConnected(slow.ID) }, time.Second, 5*time.Millisecond)
	assert.True(t, h.IsConnected(fast.ID))
	assert.Equal(t, domain.CloseReasonNetwork, slow.CloseReason())
}

func TestIdentity(t *testing.T) {
	conn := NewHub(nil).NewConnection(nil)
	_, ok := conn.Identity()
	assert.False(t, ok)

	conn.SetIdentity(domain.Identity{UserID: "u1", Name: "Ann"})
	id, ok := conn.Identity()
	assert.True(t, ok)
	assert.Equal(t, "u1", id.UserID)
}

func TestCallsAfterStopDoNotBlock(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	conn := h.NewConnection(nil)
	h.Register(conn)
	for i := 0; i < sendBufferSize*2; i++ {
		_ = h.SendToConnection(conn.ID, map[string]any{"type": "pong"})
	}
	h.Disconnect(conn.ID, domain.CloseReasonServerShutdown)
}
