// Package presence tracks which connection currently represents each user and
// arbitrates duplicate logins.
package presence

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/realtime/internal/domain"
	"github.com/xiaot623/gogo/realtime/internal/metrics"
	"github.com/xiaot623/gogo/realtime/internal/protocol"
)

// Notifier delivers frames to individual connections and closes them.
type Notifier interface {
	SendToConnection(connID string, v any) error
	Disconnect(connID string, reason domain.CloseReason)
	IsConnected(connID string) bool
}

// Entry is the presence record of one user.
type Entry struct {
	ConnID     string
	DeviceInfo string
	Address    string
	Since      time.Time
}

type eviction struct {
	userID string
	timer  *time.Timer
}

// Registry maps users to their authoritative connection.
type Registry struct {
	notifier Notifier
	grace    time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[string]Entry     // user_id -> current connection
	pending map[string]*eviction // conn_id -> scheduled eviction
}

// NewRegistry creates a registry that evicts superseded connections after grace.
func NewRegistry(notifier Notifier, grace time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		notifier: notifier,
		grace:    grace,
		logger:   logger.Named("presence"),
		entries:  make(map[string]Entry),
		pending:  make(map[string]*eviction),
	}
}

// Claim installs entry as the current connection of userID. A different,
// still-connected prior connection is warned and scheduled for eviction after
// the grace period. It returns the prior connection ID, if any.
func (r *Registry) Claim(userID string, entry Entry) string {
	if entry.Since.IsZero() {
		entry.Since = time.Now()
	}

	r.mu.Lock()
	prev, had := r.entries[userID]
	r.entries[userID] = entry
	if !had || prev.ConnID == entry.ConnID || !r.notifier.IsConnected(prev.ConnID) {
		r.mu.Unlock()
		return ""
	}
	if _, scheduled := r.pending[prev.ConnID]; !scheduled {
		prevConnID := prev.ConnID
		r.pending[prevConnID] = &eviction{
			userID: userID,
			timer: time.AfterFunc(r.grace, func() {
				r.evict(prevConnID, domain.CloseReasonDuplicateLogin)
			}),
		}
	}
	r.mu.Unlock()

	warning := protocol.DuplicateLoginWarningMessage{
		BaseMessage: protocol.NewBase(protocol.TypeDuplicateLoginWarning, ""),
		DeviceInfo:  entry.DeviceInfo,
		Address:     entry.Address,
		GraceMs:     r.grace.Milliseconds(),
	}
	if err := r.notifier.SendToConnection(prev.ConnID, warning); err != nil {
		r.logger.Warn("failed to deliver duplicate login warning",
			zap.String("user_id", userID), zap.String("conn_id", prev.ConnID), zap.Error(err))
	}
	r.logger.Info("duplicate login, prior connection scheduled for eviction",
		zap.String("user_id", userID),
		zap.String("prior_conn_id", prev.ConnID),
		zap.String("conn_id", entry.ConnID),
		zap.Duration("grace", r.grace))
	return prev.ConnID
}

// Current returns the authoritative connection of userID.
func (r *Registry) Current(userID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	return e, ok
}

// IsCurrent reports whether connID is the authoritative connection of userID.
func (r *Registry) IsCurrent(userID, connID string) bool {
	e, ok := r.Current(userID)
	return ok && e.ConnID == connID
}

// Release forgets connID. The entry of userID is only removed if it still
// points at connID, so a superseded connection never removes its successor.
// It reports whether connID was the authoritative connection.
func (r *Registry) Release(userID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev, ok := r.pending[connID]; ok {
		ev.timer.Stop()
		delete(r.pending, connID)
	}
	if e, ok := r.entries[userID]; ok && e.ConnID == connID {
		delete(r.entries, userID)
		return true
	}
	return false
}

// TerminatePending immediately terminates every connection of userID that is
// waiting out its grace period. It returns the number of connections closed.
func (r *Registry) TerminatePending(userID string) int {
	r.mu.Lock()
	var targets []string
	for connID, ev := range r.pending {
		if ev.userID == userID {
			ev.timer.Stop()
			targets = append(targets, connID)
		}
	}
	r.mu.Unlock()

	closed := 0
	for _, connID := range targets {
		if r.evict(connID, domain.CloseReasonForceLogout) {
			closed++
		}
	}
	return closed
}

// Terminate closes the current connection of userID with reason. Used for
// centralized forced logout.
func (r *Registry) Terminate(userID string, reason domain.CloseReason) bool {
	e, ok := r.Current(userID)
	if !ok {
		return false
	}
	r.TerminatePending(userID)
	return r.terminate(e.ConnID, reason)
}

// Len returns the number of users with a presence entry.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Stop cancels all scheduled evictions.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for connID, ev := range r.pending {
		ev.timer.Stop()
		delete(r.pending, connID)
	}
}

func (r *Registry) evict(connID string, reason domain.CloseReason) bool {
	r.mu.Lock()
	_, scheduled := r.pending[connID]
	delete(r.pending, connID)
	r.mu.Unlock()
	if !scheduled {
		return false
	}
	if !r.terminate(connID, reason) {
		return false
	}
	metrics.DuplicateLoginEvictions.WithLabelValues(string(reason)).Inc()
	return true
}

func (r *Registry) terminate(connID string, reason domain.CloseReason) bool {
	if !r.notifier.IsConnected(connID) {
		return false
	}
	msg := protocol.SessionTerminatedMessage{
		BaseMessage: protocol.NewBase(protocol.TypeSessionTerminated, ""),
		Reason:      string(reason),
		Message:     terminationText(reason),
	}
	if err := r.notifier.SendToConnection(connID, msg); err != nil {
		r.logger.Warn("failed to deliver session termination",
			zap.String("conn_id", connID), zap.Error(err))
	}
	r.notifier.Disconnect(connID, reason)
	r.logger.Info("connection terminated", zap.String("conn_id", connID), zap.String("reason", string(reason)))
	return true
}

func terminationText(reason domain.CloseReason) string {
	switch reason {
	case domain.CloseReasonDuplicateLogin, domain.CloseReasonForceLogout:
		return "Your session was ended because you signed in on another device."
	case domain.CloseReasonSessionInvalid:
		return "Your session is no longer valid. Please sign in again."
	default:
		return ""
	}
}
