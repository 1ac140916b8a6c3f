package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/realtime/internal/chat"
	"github.com/xiaot623/gogo/realtime/internal/config"
	"github.com/xiaot623/gogo/realtime/internal/domain"
	"github.com/xiaot623/gogo/realtime/internal/hub"
	"github.com/xiaot623/gogo/realtime/internal/protocol"
)

type fakeAuth struct{}

func (fakeAuth) Authenticate(ctx context.Context, token, sessionID string) (domain.Identity, error) {
	if token != "good" {
		return domain.Identity{}, domain.NewError(domain.ErrUnauthenticated, "invalid credential")
	}
	if sessionID != "s1" {
		return domain.Identity{}, domain.NewError(domain.ErrSessionInvalid, "session is no longer valid")
	}
	return domain.Identity{UserID: "u1", Name: "Ann", SessionID: sessionID}, nil
}

type disconnectCall struct {
	client chat.Client
	reason domain.CloseReason
}

// fakeChat answers heartbeats and joins through the hub and records lifecycle calls.
type fakeChat struct {
	hub *hub.Hub

	mu          sync.Mutex
	connected   []chat.Client
	disconnects []disconnectCall
	sent        []protocol.SendMessageMessage
}

func (f *fakeChat) Connect(ctx context.Context, c chat.Client) {
	f.mu.Lock()
	f.connected = append(f.connected, c)
	f.mu.Unlock()
	_ = f.hub.SendToConnection(c.ConnID, protocol.ConnectReadyMessage{
		BaseMessage: protocol.NewBase(protocol.TypeConnectReady, ""),
		ConnID:      c.ConnID,
		UserID:      c.Identity.UserID,
	})
}

func (f *fakeChat) Disconnect(ctx context.Context, c chat.Client, reason domain.CloseReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, disconnectCall{client: c, reason: reason})
}

func (f *fakeChat) Join(ctx context.Context, c chat.Client, requestID, roomID string) error {
	if roomID == "" {
		return domain.NewError(domain.ErrValidation, "room_id is required")
	}
	return nil
}

func (f *fakeChat) Leave(ctx context.Context, c chat.Client, roomID string) error { return nil }

func (f *fakeChat) SendMessage(ctx context.Context, c chat.Client, req protocol.SendMessageMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeChat) FetchHistory(ctx context.Context, c chat.Client, req protocol.FetchHistoryMessage) {
	_ = f.hub.SendToConnection(c.ConnID, protocol.HistoryLoadStartMessage{
		BaseMessage: protocol.NewBase(protocol.TypeHistoryLoadStart, req.RequestID),
		RoomID:      req.RoomID,
	})
}

func (f *fakeChat) MarkRead(ctx context.Context, c chat.Client, req protocol.MarkReadMessage) error {
	return nil
}

func (f *fakeChat) ToggleReaction(ctx context.Context, c chat.Client, req protocol.ReactionToggleMessage) error {
	return nil
}

func (f *fakeChat) ForceLogout(ctx context.Context, c chat.Client, token string) error {
	return domain.NewError(domain.ErrNotFound, "no pending session to terminate")
}

func (f *fakeChat) Heartbeat(c chat.Client, requestID string) {
	_ = f.hub.SendToConnection(c.ConnID, protocol.PongMessage{BaseMessage: protocol.NewBase(protocol.TypePong, requestID)})
}

func (f *fakeChat) disconnectCalls() []disconnectCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]disconnectCall(nil), f.disconnects...)
}

type testServer struct {
	url  string
	hub  *hub.Hub
	chat *fakeChat
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 5 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = time.Second
	}
	cfg.WriteTimeout = time.Second
	cfg.MaxMessageSize = 65536
	if cfg.MessageRatePerSec == 0 {
		cfg.MessageRatePerSec = 100
		cfg.MessageRateBurst = 100
	}

	h := hub.NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	fc := &fakeChat{hub: h}
	srv := NewServer(cfg, h, fc, fakeAuth{}, zap.NewNop())

	e := echo.New()
	e.GET("/ws", srv.HandleWebSocket)
	ts := httptest.NewServer(e)

	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return &testServer{url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", hub: h, chat: fc}
}

func (ts *testServer) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var out map[string]any
	require.NoError(t, conn.ReadJSON(&out))
	return out
}

func authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer good")
	h.Set("X-Session-ID", "s1")
	return h
}

func TestHandshakeRejectsBadCredentials(t *testing.T) {
	ts := newTestServer(t, nil)

	header := http.Header{}
	header.Set("Authorization", "Bearer bad")
	header.Set("X-Session-ID", "s1")
	_, resp, err := websocket.DefaultDialer.Dial(ts.url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(ts.url+"?token=good&session_id=stale", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHeaderAuthConnectsAndDispatches(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, authHeader())

	ready := readFrame(t, conn)
	assert.Equal(t, protocol.TypeConnectReady, ready["type"])
	assert.Equal(t, "u1", ready["user_id"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": protocol.TypeHeartbeat, "request_id": "hb"}))
	pong := readFrame(t, conn)
	assert.Equal(t, protocol.TypePong, pong["type"])
	assert.Equal(t, "hb", pong["request_id"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": protocol.TypeJoinRoom, "request_id": "j1"}))
	joinErr := readFrame(t, conn)
	assert.Equal(t, protocol.TypeError, joinErr["type"])
	assert.Equal(t, domain.CodeValidation, joinErr["code"])
	assert.Equal(t, "j1", joinErr["request_id"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "dance"}))
	unknown := readFrame(t, conn)
	assert.Equal(t, domain.CodeValidation, unknown["code"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": protocol.TypeFetchHistory, "room_id": "r1"}))
	assert.Equal(t, protocol.TypeHistoryLoadStart, readFrame(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": protocol.TypeForceLogout, "token": "good"}))
	assert.Equal(t, domain.CodeNotFound, readFrame(t, conn)["code"])
}

func TestFirstFrameAuthentication(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, nil)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": protocol.TypeAuthenticate, "token": "good", "session_id": "s1", "device_info": "cli",
	}))
	assert.Equal(t, protocol.TypeConnectReady, readFrame(t, conn)["type"])

	ts.chat.mu.Lock()
	require.Len(t, ts.chat.connected, 1)
	assert.Equal(t, "cli", ts.chat.connected[0].DeviceInfo)
	ts.chat.mu.Unlock()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": protocol.TypeAuthenticate, "token": "good", "session_id": "s1"}))
	assert.Equal(t, domain.CodeValidation, readFrame(t, conn)["code"])
}

func TestCommandBeforeAuthenticationClosesConnection(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, nil)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": protocol.TypeJoinRoom, "room_id": "r1"}))
	assert.Equal(t, domain.CodeUnauthenticated, readFrame(t, conn)["code"])

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, domain.CloseReasonAuthFailed.CloseCode()), "got %v", err)
	assert.Empty(t, ts.chat.disconnectCalls())
}

func TestSendMessageRateLimit(t *testing.T) {
	ts := newTestServer(t, &config.Config{MessageRatePerSec: 0.001, MessageRateBurst: 2})
	conn := ts.dial(t, authHeader())
	readFrame(t, conn)

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteJSON(map[string]any{"type": protocol.TypeSendMessage, "room_id": "r1", "content": "hi"}))
	}
	limited := readFrame(t, conn)
	assert.Equal(t, domain.CodeRateLimited, limited["code"])

	ts.chat.mu.Lock()
	assert.Len(t, ts.chat.sent, 2)
	ts.chat.mu.Unlock()
}

func TestClientCloseIsReported(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, authHeader())
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	require.Eventually(t, func() bool { return len(ts.chat.disconnectCalls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	call := ts.chat.disconnectCalls()[0]
	assert.Equal(t, domain.CloseReasonClientClose, call.reason)
	assert.Equal(t, "u1", call.client.Identity.UserID)
	require.Eventually(t, func() bool { return ts.hub.GetConnectionCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHeartbeatTimeoutClosesConnection(t *testing.T) {
	ts := newTestServer(t, &config.Config{HeartbeatTimeout: 150 * time.Millisecond, PingInterval: time.Hour})
	conn := ts.dial(t, authHeader())
	readFrame(t, conn)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, domain.CloseReasonHeartbeatTimeout.CloseCode()), "got %v", err)

	require.Eventually(t, func() bool { return len(ts.chat.disconnectCalls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.CloseReasonHeartbeatTimeout, ts.chat.disconnectCalls()[0].reason)
}

func TestServerInitiatedCloseCarriesReason(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, authHeader())
	ready := readFrame(t, conn)

	ts.hub.Disconnect(ready["conn_id"].(string), domain.CloseReasonDuplicateLogin)

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, domain.CloseReasonDuplicateLogin.CloseCode()), "got %v", err)
	require.Eventually(t, func() bool { return len(ts.chat.disconnectCalls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.CloseReasonDuplicateLogin, ts.chat.disconnectCalls()[0].reason)
}
