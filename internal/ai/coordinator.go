package ai

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/realtime/internal/adapter/llm"
	"github.com/xiaot623/gogo/realtime/internal/domain"
	"github.com/xiaot623/gogo/realtime/internal/metrics"
	"github.com/xiaot623/gogo/realtime/internal/protocol"
)

// Broadcaster fans events out to every connection joined to a room.
type Broadcaster interface {
	BroadcastToRoom(roomID string, v any, exceptConnID string) error
}

// MessageSink persists completed assistant replies.
type MessageSink interface {
	CreateMessage(ctx context.Context, message *domain.Message) error
}

// Options configures a Coordinator.
type Options struct {
	Model       string
	Temperature float64
	// StreamTimeout bounds one upstream request.
	StreamTimeout time.Duration
}

const (
	codeStreamTimeout = "stream_timeout"
	streamFailureText = "AI service error"
)

var errStreamClosed = errors.New("stream closed")

type session struct {
	messageID  string
	roomID     string
	ownerID    string
	persona    Persona
	content    strings.Builder
	createdAt  time.Time
	lastUpdate time.Time
	cancel     context.CancelFunc
	done       bool
}

// Coordinator owns the streaming sessions. Every event of a session is
// broadcast under the coordinator lock, so a session that has been closed
// never emits another event.
type Coordinator struct {
	streamer llm.Streamer
	catalog  *Catalog
	notifier Broadcaster
	sink     MessageSink
	opts     Options
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session            // message_id -> session
	byRoom   map[string]map[string]struct{} // room_id -> message_ids
	wg       sync.WaitGroup
}

// NewCoordinator creates a coordinator.
func NewCoordinator(streamer llm.Streamer, catalog *Catalog, notifier Broadcaster, sink MessageSink, opts Options, logger *zap.Logger) *Coordinator {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if opts.Temperature == 0 {
		opts.Temperature = 0.7
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = 2 * time.Minute
	}
	return &Coordinator{
		streamer: streamer,
		catalog:  catalog,
		notifier: notifier,
		sink:     sink,
		opts:     opts,
		logger:   logger.Named("ai"),
		sessions: make(map[string]*session),
		byRoom:   make(map[string]map[string]struct{}),
	}
}

// HandleMessage starts one independent stream per distinct persona mentioned
// in content and returns the synthetic message IDs.
func (c *Coordinator) HandleMessage(roomID, ownerID, content string) []string {
	var ids []string
	for _, p := range ExtractMentions(content) {
		ids = append(ids, c.Invoke(roomID, ownerID, p, StripMention(content, p)))
	}
	return ids
}

// Invoke opens a streaming session for persona in roomID, broadcasts
// stream_start and relays the reply in the background.
func (c *Coordinator) Invoke(roomID, ownerID string, persona Persona, query string) string {
	now := domain.Now()
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.StreamTimeout)
	s := &session{
		messageID:  persona.String() + "-" + ulid.Make().String(),
		roomID:     roomID,
		ownerID:    ownerID,
		persona:    persona,
		createdAt:  now,
		lastUpdate: now,
		cancel:     cancel,
	}

	c.mu.Lock()
	c.sessions[s.messageID] = s
	if c.byRoom[roomID] == nil {
		c.byRoom[roomID] = make(map[string]struct{})
	}
	c.byRoom[roomID][s.messageID] = struct{}{}
	c.broadcast(roomID, protocol.StreamStartMessage{
		BaseMessage: protocol.NewBase(protocol.TypeStreamStart, ""),
		RoomID:      roomID,
		MessageID:   s.messageID,
		Persona:     persona.String(),
		CreatedAt:   now,
	})
	c.mu.Unlock()

	metrics.ActiveStreams.Inc()
	c.logger.Info("ai stream started",
		zap.String("message_id", s.messageID),
		zap.String("room_id", roomID),
		zap.String("persona", persona.String()))

	c.wg.Add(1)
	go c.run(ctx, s, query)
	return s.messageID
}

func (c *Coordinator) run(ctx context.Context, s *session, query string) {
	defer c.wg.Done()
	defer s.cancel()

	temperature := c.opts.Temperature
	req := &llm.ChatCompletionRequest{
		Model: c.opts.Model,
		Messages: []llm.ChatMessage{
			{Role: "system", Content: c.catalog.SystemPrompt(s.persona)},
			{Role: "user", Content: query},
		},
		Temperature: &temperature,
	}

	_, err := c.streamer.CreateChatCompletionStream(ctx, req, func(chunk *llm.StreamChunk) error {
		text := chunk.Text()
		if text == "" {
			return nil
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if s.done {
			return errStreamClosed
		}
		s.content.WriteString(text)
		s.lastUpdate = time.Now()
		c.broadcast(s.roomID, protocol.StreamChunkMessage{
			BaseMessage:  protocol.NewBase(protocol.TypeStreamChunk, ""),
			RoomID:       s.roomID,
			MessageID:    s.messageID,
			Persona:      s.persona.String(),
			CurrentChunk: text,
			FullContent:  s.content.String(),
		})
		return nil
	})
	c.finish(s, err)
}

func (c *Coordinator) finish(s *session, streamErr error) {
	c.mu.Lock()
	if s.done {
		c.mu.Unlock()
		return
	}
	c.removeLocked(s)
	content := s.content.String()
	persona := s.persona.String()

	if streamErr != nil {
		c.broadcast(s.roomID, protocol.StreamErrorMessage{
			BaseMessage:    protocol.NewBase(protocol.TypeStreamError, ""),
			RoomID:         s.roomID,
			MessageID:      s.messageID,
			Persona:        persona,
			Code:           domain.CodeStreamError,
			Error:          streamFailureText,
			PartialContent: content,
		})
		c.mu.Unlock()
		metrics.StreamOutcomes.WithLabelValues(persona, metrics.StreamErrored).Inc()
		c.logger.Error("ai stream failed",
			zap.String("message_id", s.messageID), zap.String("room_id", s.roomID),
			zap.Int("partial_len", len(content)), zap.Error(streamErr))
		return
	}

	final := strings.TrimSpace(content)
	c.broadcast(s.roomID, protocol.StreamCompleteMessage{
		BaseMessage: protocol.NewBase(protocol.TypeStreamComplete, ""),
		RoomID:      s.roomID,
		MessageID:   s.messageID,
		Persona:     persona,
		Content:     final,
	})
	c.mu.Unlock()
	metrics.StreamOutcomes.WithLabelValues(persona, metrics.StreamCompleted).Inc()

	if final == "" || c.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.sink.CreateMessage(ctx, &domain.Message{
		MessageID: s.messageID,
		RoomID:    s.roomID,
		Type:      domain.MessageTypeAI,
		Content:   final,
		Persona:   persona,
		CreatedAt: s.createdAt,
	})
	if err != nil {
		c.logger.Error("failed to persist ai message", zap.String("message_id", s.messageID), zap.Error(err))
	}
}

// ActiveStreams returns snapshots of the streams running in roomID, oldest first.
func (c *Coordinator) ActiveStreams(roomID string) []domain.StreamSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.StreamSnapshot, 0, len(c.byRoom[roomID]))
	for id := range c.byRoom[roomID] {
		s := c.sessions[id]
		out = append(out, domain.StreamSnapshot{
			MessageID: s.messageID,
			Type:      string(domain.MessageTypeAI),
			Persona:   s.persona.String(),
			Content:   s.content.String(),
			CreatedAt: s.createdAt,
			Streaming: true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// TeardownOwned closes the streams ownerID started in roomID. Each closed
// stream gets one final stream_complete marked truncated.
func (c *Coordinator) TeardownOwned(roomID, ownerID string) int {
	c.mu.Lock()
	var targets []*session
	for id := range c.byRoom[roomID] {
		if s := c.sessions[id]; s.ownerID == ownerID {
			targets = append(targets, s)
		}
	}
	c.mu.Unlock()
	return c.truncate(targets)
}

// TeardownUser closes every stream ownerID started, in any room.
func (c *Coordinator) TeardownUser(ownerID string) int {
	c.mu.Lock()
	var targets []*session
	for _, s := range c.sessions {
		if s.ownerID == ownerID {
			targets = append(targets, s)
		}
	}
	c.mu.Unlock()
	return c.truncate(targets)
}

func (c *Coordinator) truncate(targets []*session) int {
	closed := 0
	for _, s := range targets {
		c.mu.Lock()
		if s.done {
			c.mu.Unlock()
			continue
		}
		c.removeLocked(s)
		c.broadcast(s.roomID, protocol.StreamCompleteMessage{
			BaseMessage: protocol.NewBase(protocol.TypeStreamComplete, ""),
			RoomID:      s.roomID,
			MessageID:   s.messageID,
			Persona:     s.persona.String(),
			Content:     s.content.String(),
			Truncated:   true,
		})
		c.mu.Unlock()

		s.cancel()
		closed++
		metrics.StreamOutcomes.WithLabelValues(s.persona.String(), metrics.StreamTruncated).Inc()
		c.logger.Info("ai stream torn down", zap.String("message_id", s.messageID), zap.String("room_id", s.roomID))
	}
	return closed
}

// RunStaleMonitor closes streams that have not produced output for maxIdle.
func (c *Coordinator) RunStaleMonitor(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepStale(time.Now().Add(-maxIdle))
		}
	}
}

func (c *Coordinator) sweepStale(cutoff time.Time) int {
	c.mu.Lock()
	var stale []*session
	for _, s := range c.sessions {
		if s.lastUpdate.Before(cutoff) {
			stale = append(stale, s)
		}
	}
	for _, s := range stale {
		c.removeLocked(s)
		c.broadcast(s.roomID, protocol.StreamErrorMessage{
			BaseMessage:    protocol.NewBase(protocol.TypeStreamError, ""),
			RoomID:         s.roomID,
			MessageID:      s.messageID,
			Persona:        s.persona.String(),
			Code:           codeStreamTimeout,
			Error:          "AI response timed out",
			PartialContent: s.content.String(),
		})
	}
	c.mu.Unlock()

	for _, s := range stale {
		s.cancel()
		metrics.StreamOutcomes.WithLabelValues(s.persona.String(), metrics.StreamTimedOut).Inc()
		c.logger.Warn("ai stream timed out", zap.String("message_id", s.messageID), zap.String("room_id", s.roomID))
	}
	return len(stale)
}

// Len returns the number of active streams.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Wait blocks until every stream goroutine has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Shutdown cancels all upstream requests and waits for them to unwind.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	for _, s := range c.sessions {
		s.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) removeLocked(s *session) {
	s.done = true
	delete(c.sessions, s.messageID)
	if ids := c.byRoom[s.roomID]; ids != nil {
		delete(ids, s.messageID)
		if len(ids) == 0 {
			delete(c.byRoom, s.roomID)
		}
	}
	metrics.ActiveStreams.Dec()
}

func (c *Coordinator) broadcast(roomID string, v any) {
	if err := c.notifier.BroadcastToRoom(roomID, v, ""); err != nil {
		c.logger.Warn("ai broadcast failed", zap.String("room_id", roomID), zap.Error(err))
	}
}
