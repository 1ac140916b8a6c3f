// Package hub provides connection management for WebSocket clients.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/realtime/internal/domain"
	"github.com/xiaot623/gogo/realtime/internal/metrics"
)

const sendBufferSize = 256

// Connection represents a single WebSocket connection.
type Connection struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	writeMu sync.Mutex

	mu          sync.Mutex
	identity    domain.Identity
	closeReason domain.CloseReason
}

// SetIdentity binds the authenticated user to the connection.
func (c *Connection) SetIdentity(id domain.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = id
}

// Identity returns the authenticated user, and false before authentication.
func (c *Connection) Identity() (domain.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.identity.UserID != ""
}

// CloseReason reports why the server closed the connection. It is
// CloseReasonNetwork when the server did not initiate the close.
func (c *Connection) CloseReason() domain.CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeReason == "" {
		return domain.CloseReasonNetwork
	}
	return c.closeReason
}

func (c *Connection) setCloseReason(reason domain.CloseReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeReason == "" {
		c.closeReason = reason
	}
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	if c.Conn == nil {
		return nil
	}
	return c.Conn.Close()
}

type op int

const (
	opSend op = iota
	opBroadcast
	opClose
	opSubscribe
	opUnsubscribe
)

// envelope is one unit of work for the hub loop.
type envelope struct {
	op     op
	connID string
	roomID string
	except string
	data   []byte
	reason domain.CloseReason
}

// Hub manages all WebSocket connections and their room subscriptions. Every
// delivery, subscription change and server-initiated close goes through one
// loop, so frames reach a connection in the order they were submitted.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	// Rooms maps room_id to the set of subscribed connection IDs
	rooms map[string]map[string]bool

	register   chan *Connection
	unregister chan *Connection
	outbound   chan envelope
	done       chan struct{}

	logger *zap.Logger
	mu     sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		connections: make(map[string]*Connection),
		rooms:       make(map[string]map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		outbound:    make(chan envelope, sendBufferSize),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Run processes registrations and deliveries until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			metrics.OpenConnections.Set(float64(len(h.connections)))
			h.mu.Unlock()
			h.logger.Debug("connection registered", zap.String("conn_id", conn.ID))

		case conn := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(conn)
			h.mu.Unlock()

		case env := <-h.outbound:
			h.deliver(env)
		}
	}
}

func (h *Hub) deliver(env envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch env.op {
	case opSend:
		if conn, ok := h.connections[env.connID]; ok {
			h.push(conn, env.data)
		}

	case opBroadcast:
		for connID := range h.rooms[env.roomID] {
			if connID == env.except {
				continue
			}
			if conn, ok := h.connections[connID]; ok {
				h.push(conn, env.data)
			}
		}

	case opClose:
		if conn, ok := h.connections[env.connID]; ok {
			conn.setCloseReason(env.reason)
			h.removeLocked(conn)
		}

	case opSubscribe:
		if _, ok := h.connections[env.connID]; !ok {
			return
		}
		if h.rooms[env.roomID] == nil {
			h.rooms[env.roomID] = make(map[string]bool)
		}
		h.rooms[env.roomID][env.connID] = true

	case opUnsubscribe:
		if members, ok := h.rooms[env.roomID]; ok {
			delete(members, env.connID)
			if len(members) == 0 {
				delete(h.rooms, env.roomID)
			}
		}
	}
}

// push must be called with h.mu held.
func (h *Hub) push(conn *Connection, data []byte) {
	select {
	case conn.Send <- data:
	default:
		// Buffer full, close the connection
		h.logger.Warn("connection buffer full, closing", zap.String("conn_id", conn.ID))
		metrics.BroadcastDrops.Inc()
		conn.setCloseReason(domain.CloseReasonNetwork)
		h.removeLocked(conn)
	}
}

// removeLocked must be called with h.mu held.
func (h *Hub) removeLocked(conn *Connection) {
	if current, ok := h.connections[conn.ID]; !ok || current != conn {
		return
	}
	delete(h.connections, conn.ID)
	for roomID, members := range h.rooms {
		delete(members, conn.ID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	close(conn.Send)
	metrics.OpenConnections.Set(float64(len(h.connections)))
	h.logger.Debug("connection unregistered", zap.String("conn_id", conn.ID))
}

// NewConnection creates a new connection. It is not reachable until it is
// registered.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, sendBufferSize),
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
	}
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

func (h *Hub) enqueue(env envelope) {
	select {
	case h.outbound <- env:
	case <-h.done:
	}
}

// SendToConnection sends a JSON message to one connection. Unknown
// connections are ignored.
func (h *Hub) SendToConnection(connID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.enqueue(envelope{op: opSend, connID: connID, data: data})
	return nil
}

// BroadcastToRoom sends a JSON message to every connection subscribed to
// roomID except exceptConnID.
func (h *Hub) BroadcastToRoom(roomID string, v any, exceptConnID string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.BroadcastRaw(roomID, data, exceptConnID)
	return nil
}

// BroadcastRaw sends pre-encoded data to a room.
func (h *Hub) BroadcastRaw(roomID string, data []byte, exceptConnID string) {
	h.enqueue(envelope{op: opBroadcast, roomID: roomID, except: exceptConnID, data: data})
}

// Disconnect closes a connection on behalf of the server. Frames submitted
// before the call are still flushed; the close frame carries reason's code.
func (h *Hub) Disconnect(connID string, reason domain.CloseReason) {
	h.enqueue(envelope{op: opClose, connID: connID, reason: reason})
}

// DisconnectAll closes every connection with the same reason.
func (h *Hub) DisconnectAll(reason domain.CloseReason) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.connections))
	for id := range h.connections {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.Disconnect(id, reason)
	}
}

// IsConnected reports whether connID is registered.
func (h *Hub) IsConnected(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.connections[connID]
	return ok
}

// Subscribe adds a connection to a room's fan-out set. Frames broadcast
// before the call do not reach the connection.
func (h *Hub) Subscribe(connID, roomID string) {
	h.enqueue(envelope{op: opSubscribe, connID: connID, roomID: roomID})
}

// Unsubscribe removes a connection from a room's fan-out set after frames
// already submitted for it are delivered.
func (h *Hub) Unsubscribe(connID, roomID string) {
	h.enqueue(envelope{op: opUnsubscribe, connID: connID, roomID: roomID})
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// GetRoomCount returns the number of rooms with at least one subscriber.
func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// HasSubscribers reports whether any connection is subscribed to roomID.
func (h *Hub) HasSubscribers(roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID]) > 0
}
