// Package membership tracks the single room each user is joined to.
package membership

import "sync"

// Tracker maps users to their current room. A user is joined to at most one
// room at a time.
type Tracker struct {
	mu    sync.RWMutex
	rooms map[string]string // user_id -> room_id
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{rooms: make(map[string]string)}
}

// Current returns the room userID is joined to.
func (t *Tracker) Current(userID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	roomID, ok := t.rooms[userID]
	return roomID, ok
}

// Set records userID as joined to roomID and returns the room it replaced.
func (t *Tracker) Set(userID, roomID string) (previous string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	previous = t.rooms[userID]
	t.rooms[userID] = roomID
	return previous
}

// Clear removes userID from roomID. It reports false, and changes nothing,
// when userID is not joined to roomID.
func (t *Tracker) Clear(userID, roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.rooms[userID]; !ok || current != roomID {
		return false
	}
	delete(t.rooms, userID)
	return true
}

// Members returns the users currently joined to roomID.
func (t *Tracker) Members(roomID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var users []string
	for userID, r := range t.rooms {
		if r == roomID {
			users = append(users, userID)
		}
	}
	return users
}

// Len returns the number of joined users.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms)
}
