// Package rpc exposes the realtime JSON-RPC endpoint used by internal
// workers to push events into rooms.
package rpc

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/realtime/internal/domain"
)

// Broadcaster fans events out to the live subscribers of a room.
type Broadcaster interface {
	BroadcastToRoom(roomID string, v any, exceptConnID string) error
	HasSubscribers(roomID string) bool
}

// Server exposes realtime RPC endpoints.
type Server struct {
	mu        sync.Mutex
	listener  net.Listener
	closed    bool
	rpcServer *rpc.Server
	logger    *zap.Logger
	done      chan struct{}
}

// NewServer creates a new realtime RPC server.
func NewServer(b Broadcaster, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("rpc")

	rpcServer := rpc.NewServer()
	handler := &Handler{rooms: b, logger: logger}
	if err := rpcServer.RegisterName("Realtime", handler); err != nil {
		return nil, err
	}

	return &Server{
		rpcServer: rpcServer,
		logger:    logger,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(s.done)
		return ln.Close()
	}
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.closed = true
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements realtime RPC methods.
type Handler struct {
	rooms  Broadcaster
	logger *zap.Logger
}

// PushRoomEventRequest carries an event for every live member of a room.
type PushRoomEventRequest struct {
	RoomID string                 `json:"room_id"`
	Event  map[string]interface{} `json:"event"`
}

// PushRoomEventResponse reports whether anyone was listening.
type PushRoomEventResponse struct {
	OK        bool `json:"ok"`
	Delivered bool `json:"delivered"`
}

// PushRoomEvent forwards an event from an internal worker to a room.
func (h *Handler) PushRoomEvent(req *PushRoomEventRequest, resp *PushRoomEventResponse) error {
	if req == nil {
		return errors.New("push request is required")
	}
	if req.RoomID == "" {
		return errors.New("room_id is required")
	}
	if req.Event == nil {
		return errors.New("event is required")
	}
	if t, _ := req.Event["type"].(string); t == "" {
		return errors.New("event type is required")
	}

	if _, ok := req.Event["timestamp"]; !ok {
		req.Event["timestamp"] = domain.Now()
	}

	delivered := h.rooms.HasSubscribers(req.RoomID)
	if err := h.rooms.BroadcastToRoom(req.RoomID, req.Event, ""); err != nil {
		return err
	}

	h.logger.Debug("room event pushed",
		zap.String("room_id", req.RoomID),
		zap.Any("type", req.Event["type"]),
		zap.Bool("delivered", delivered))

	if resp != nil {
		resp.OK = true
		resp.Delivered = delivered
	}
	return nil
}
