// Package presence tracks which users are currently online, driven solely
// by push channel events. There is no local heartbeat expiry: the set is
// authoritative only while the channel delivers events.
package presence

import (
	"sync"

	"chatsync/pkg/telemetry"
)

// Tracker holds the set of online user ids.
type Tracker struct {
	mu     sync.RWMutex
	online map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{online: make(map[string]struct{})}
}

// SetOnline marks a user online (user:online).
func (t *Tracker) SetOnline(userID string) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	t.online[userID] = struct{}{}
	n := len(t.online)
	t.mu.Unlock()
	telemetry.OnlineUsers.Set(float64(n))
}

// SetOffline removes a user (user:offline). Unknown ids are a no-op.
func (t *Tracker) SetOffline(userID string) {
	t.mu.Lock()
	delete(t.online, userID)
	n := len(t.online)
	t.mu.Unlock()
	telemetry.OnlineUsers.Set(float64(n))
}

// IsOnline is an O(1) membership test.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

// Snapshot returns the online set as a slice.
func (t *Tracker) Snapshot() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	return out
}

// Reset clears all presence state; used when the channel is torn down.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.online = make(map[string]struct{})
	t.mu.Unlock()
	telemetry.OnlineUsers.Set(0)
}
