package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/realtime/internal/protocol"
)

// Client is a WebSocket chat connection.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	userID  string
}

// Dial connects and authenticates with the credential in the upgrade
// headers, then waits for connect_ready.
func Dial(addr, token, sessionID string) (*Client, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-Session-ID", sessionID)

	conn, resp, err := websocket.DefaultDialer.Dial(addr, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			var rejected protocol.ErrorMessage
			_ = json.NewDecoder(resp.Body).Decode(&rejected)
			return nil, fmt.Errorf("authentication failed: %s - %s", rejected.Code, rejected.Message)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read connect_ready: %w", err)
	}
	var ready protocol.ConnectReadyMessage
	if err := json.Unmarshal(data, &ready); err != nil {
		conn.Close()
		return nil, fmt.Errorf("unmarshal connect_ready: %w", err)
	}
	if ready.Type != protocol.TypeConnectReady {
		conn.Close()
		return nil, fmt.Errorf("expected connect_ready, got: %s", ready.Type)
	}

	return &Client{conn: conn, userID: ready.UserID}, nil
}

// Send writes one frame.
func (c *Client) Send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Close performs a clean close handshake.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// ReadMessages prints frames until the connection ends, keeping cur at
// the oldest loaded message of the current room.
func (c *Client) ReadMessages(out io.Writer, cur *cursor) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				fmt.Fprintf(out, "\n[closed] %d %s\n", ce.Code, ce.Text)
				return nil
			}
			return err
		}
		cur.track(data)
		fmt.Fprintln(out, render(data))
	}
}

// cursor is the pagination position shared by the reader and the prompt.
type cursor struct {
	mu     sync.Mutex
	oldest *time.Time
}

func (c *cursor) track(data []byte) {
	var page struct {
		Type            string     `json:"type"`
		OldestTimestamp *time.Time `json:"oldest_timestamp"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		return
	}
	if page.Type != protocol.TypeJoinSuccess && page.Type != protocol.TypeHistoryPage {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if page.OldestTimestamp != nil {
		c.oldest = page.OldestTimestamp
	}
}

func (c *cursor) get() *time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.oldest
}

func (c *cursor) reset() {
	c.mu.Lock()
	c.oldest = nil
	c.mu.Unlock()
}

// render formats a server frame for the terminal.
func render(data []byte) string {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return string(data)
	}
	t, _ := frame["type"].(string)

	switch t {
	case protocol.TypeMessageCreated:
		msg, _ := frame["message"].(map[string]any)
		return formatMessage(msg)
	case protocol.TypeStreamChunk:
		return fmt.Sprintf("  %v… %v", frame["persona"], frame["current_chunk"])
	case protocol.TypeStreamComplete:
		suffix := ""
		if truncated, _ := frame["truncated"].(bool); truncated {
			suffix = " (truncated)"
		}
		return fmt.Sprintf("[%v] %v%s", frame["persona"], frame["content"], suffix)
	case protocol.TypeHistoryPage, protocol.TypeJoinSuccess:
		var b strings.Builder
		fmt.Fprintf(&b, "[%s] room %v", t, frame["room_id"])
		if msgs, ok := frame["messages"].([]any); ok {
			for _, m := range msgs {
				mm, _ := m.(map[string]any)
				b.WriteString("\n  ")
				b.WriteString(formatMessage(mm))
			}
		}
		if more, _ := frame["has_more"].(bool); more {
			b.WriteString("\n  (older messages available: /history)")
		}
		return b.String()
	case protocol.TypeError, protocol.TypeJoinError, protocol.TypeHistoryLoadFailed, protocol.TypeStreamError:
		text, _ := frame["message"].(string)
		if text == "" {
			text, _ = frame["error"].(string)
		}
		return fmt.Sprintf("[%s] %v: %s", t, frame["code"], text)
	}

	formatted, _ := json.MarshalIndent(frame, "", "  ")
	return fmt.Sprintf("[%s]\n%s", t, formatted)
}

func formatMessage(msg map[string]any) string {
	if msg == nil {
		return ""
	}
	who, _ := msg["sender_name"].(string)
	if p, _ := msg["persona"].(string); p != "" {
		who = p
	}
	if msg["type"] == "system" {
		who = "*"
	}
	return fmt.Sprintf("%v <%s> %v (%v)", msg["created_at"], who, msg["content"], msg["message_id"])
}
