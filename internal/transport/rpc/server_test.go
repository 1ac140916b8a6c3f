package rpc

import (
	"context"
	"encoding/json"
	"net"
	"net/rpc/jsonrpc"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xiaot623/gogo/realtime/internal/hub"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startServer(t *testing.T) (*hub.Hub, *Server) {
	t.Helper()
	h := hub.NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(hubDone)
	}()

	s, err := NewServer(h, nil)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()
	require.Eventually(t, func() bool { return s.Addr() != nil }, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), time.Second)
		defer stop()
		assert.NoError(t, s.Shutdown(shutdownCtx))
		assert.NoError(t, <-served)
		cancel()
		<-hubDone
	})
	return h, s
}

func TestPushRoomEventReachesSubscribers(t *testing.T) {
	h, s := startServer(t)

	member := h.NewConnection(nil)
	h.Register(member)
	h.Subscribe(member.ID, "r1")
	require.Eventually(t, func() bool { return h.HasSubscribers("r1") }, time.Second, 5*time.Millisecond)

	client, err := jsonrpc.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	var resp PushRoomEventResponse
	err = client.Call("Realtime.PushRoomEvent", &PushRoomEventRequest{
		RoomID: "r1",
		Event:  map[string]interface{}{"type": "file_processed", "file_id": "f1"},
	}, &resp)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.True(t, resp.Delivered)

	select {
	case data := <-member.Send:
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		assert.Equal(t, "file_processed", frame["type"])
		assert.Equal(t, "f1", frame["file_id"])
		assert.NotEmpty(t, frame["timestamp"])
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestPushRoomEventWithoutSubscribers(t *testing.T) {
	_, s := startServer(t)

	client, err := jsonrpc.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	var resp PushRoomEventResponse
	err = client.Call("Realtime.PushRoomEvent", &PushRoomEventRequest{
		RoomID: "empty",
		Event:  map[string]interface{}{"type": "file_processed"},
	}, &resp)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.False(t, resp.Delivered)
}

func TestPushRoomEventValidation(t *testing.T) {
	_, s := startServer(t)

	client, err := jsonrpc.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	cases := map[string]*PushRoomEventRequest{
		"room_id is required":    {Event: map[string]interface{}{"type": "x"}},
		"event is required":      {RoomID: "r1"},
		"event type is required": {RoomID: "r1", Event: map[string]interface{}{"file_id": "f1"}},
	}
	for want, req := range cases {
		var resp PushRoomEventResponse
		err := client.Call("Realtime.PushRoomEvent", req, &resp)
		require.Error(t, err)
		assert.Equal(t, want, err.Error())
	}
}
