package status

import (
	"sync"

	"github.com/mfigueiredo/msgsync/internal/bus"
)

// Tracker holds the device connectivity state and publishes edge-triggered
// transitions on the bus. The sync engine and the store consult IsOnline at
// submit and replay time; the daemon's reconnect trigger listens for the
// connectivity.online event.
type Tracker struct {
	mu     sync.RWMutex
	online bool
	bus    *bus.Bus
}

// NewTracker creates a tracker that starts offline; the owning process
// reports the first real state via SetOnline.
func NewTracker(b *bus.Bus) *Tracker {
	return &Tracker{bus: b}
}

// IsOnline reports the current connectivity state.
func (t *Tracker) IsOnline() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online
}

// SetOnline records the connectivity state. Only actual transitions publish
// an event; repeated reports of the same state are ignored.
func (t *Tracker) SetOnline(online bool) {
	t.mu.Lock()
	if t.online == online {
		t.mu.Unlock()
		return
	}
	t.online = online
	t.mu.Unlock()

	if t.bus == nil {
		return
	}
	kind := "connectivity.offline"
	if online {
		kind = "connectivity.online"
	}
	t.bus.Publish(bus.Event{Kind: kind})
}
