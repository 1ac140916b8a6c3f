// Package testutil provides fakes shared by package tests.
package testutil

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/xiaot623/gogo/realtime/internal/domain"
)

// Frame is one delivery recorded by Notifier.
type Frame struct {
	ConnID string
	Type   string
	Raw    json.RawMessage
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Raw, v)
}

// Disconnection records a server-initiated close.
type Disconnection struct {
	ConnID string
	Reason domain.CloseReason
}

// Notifier is an in-memory stand-in for the connection hub. Room broadcasts are
// expanded into one frame per subscribed connection.
type Notifier struct {
	mu           sync.Mutex
	connected    map[string]bool
	rooms        map[string]map[string]bool
	frames       []Frame
	disconnects  []Disconnection
	onDisconnect func(connID string, reason domain.CloseReason)
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		connected: make(map[string]bool),
		rooms:     make(map[string]map[string]bool),
	}
}

// OnDisconnect installs a hook run after Disconnect records a close.
func (n *Notifier) OnDisconnect(fn func(connID string, reason domain.CloseReason)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onDisconnect = fn
}

// Connect marks a connection as live.
func (n *Notifier) Connect(connIDs ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, id := range connIDs {
		n.connected[id] = true
	}
}

// Drop marks a connection as gone without recording a server close.
func (n *Notifier) Drop(connID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.connected, connID)
	for _, members := range n.rooms {
		delete(members, connID)
	}
}

func (n *Notifier) IsConnected(connID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected[connID]
}

func (n *Notifier) SendToConnection(connID string, v any) error {
	raw, msgType, err := encode(v)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.connected[connID] {
		return nil
	}
	n.frames = append(n.frames, Frame{ConnID: connID, Type: msgType, Raw: raw})
	return nil
}

func (n *Notifier) BroadcastToRoom(roomID string, v any, exceptConnID string) error {
	raw, msgType, err := encode(v)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for connID := range n.rooms[roomID] {
		if connID == exceptConnID || !n.connected[connID] {
			continue
		}
		n.frames = append(n.frames, Frame{ConnID: connID, Type: msgType, Raw: raw})
	}
	return nil
}

func (n *Notifier) Subscribe(connID, roomID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.rooms[roomID] == nil {
		n.rooms[roomID] = make(map[string]bool)
	}
	n.rooms[roomID][connID] = true
}

func (n *Notifier) Unsubscribe(connID, roomID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.rooms[roomID], connID)
}

func (n *Notifier) Disconnect(connID string, reason domain.CloseReason) {
	n.mu.Lock()
	if !n.connected[connID] {
		n.mu.Unlock()
		return
	}
	delete(n.connected, connID)
	for _, members := range n.rooms {
		delete(members, connID)
	}
	n.disconnects = append(n.disconnects, Disconnection{ConnID: connID, Reason: reason})
	hook := n.onDisconnect
	n.mu.Unlock()

	if hook != nil {
		hook(connID, reason)
	}
}

// Frames returns the frames delivered to connID, in delivery order.
func (n *Notifier) Frames(connID string) []Frame {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Frame
	for _, f := range n.frames {
		if f.ConnID == connID {
			out = append(out, f)
		}
	}
	return out
}

// All returns every delivered frame in global delivery order.
func (n *Notifier) All() []Frame {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Frame(nil), n.frames...)
}

// Types returns the frame types delivered to connID, in delivery order.
func (n *Notifier) Types(connID string) []string {
	var out []string
	for _, f := range n.Frames(connID) {
		out = append(out, f.Type)
	}
	return out
}

// FramesOfType returns the frames of one type delivered to connID.
func (n *Notifier) FramesOfType(connID, msgType string) []Frame {
	var out []Frame
	for _, f := range n.Frames(connID) {
		if f.Type == msgType {
			out = append(out, f)
		}
	}
	return out
}

// Disconnects returns every recorded server close.
func (n *Notifier) Disconnects() []Disconnection {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Disconnection(nil), n.disconnects...)
}

// WaitFor polls until cond holds or timeout elapses.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func encode(v any) (json.RawMessage, string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(raw, &head)
	return raw, head.Type, nil
}
