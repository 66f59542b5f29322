package poller

import (
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mfigueiredo/msgsync/internal/bus"
	"github.com/mfigueiredo/msgsync/internal/gateway"
)

// itemKey is the deduplication identity of a displayed message: the server
// id once confirmed, the body text while the message is still local-only.
type itemKey struct {
	ref       string
	createdAt int64
	senderID  int64
}

// Item is one row of the merged, displayed message list.
type Item struct {
	ServerID  int64
	SenderID  int64
	Body      string
	CreatedAt int64 // unix milliseconds
	Read      bool
	Pending   bool

	// DateSeparator and SenderLabel are display hints recomputed on every
	// merge by comparing to the previous row.
	DateSeparator bool
	SenderLabel   bool
}

func (it Item) key() itemKey {
	if it.Pending {
		return itemKey{ref: it.Body, createdAt: it.CreatedAt, senderID: it.SenderID}
	}
	return itemKey{ref: strconv.FormatInt(it.ServerID, 10), createdAt: it.CreatedAt, senderID: it.SenderID}
}

// NewMessageEvent is the payload of message.new bus events.
type NewMessageEvent struct {
	Target    gateway.Target
	SenderID  int64
	Body      string
	CreatedAt int64
	Pending   bool
}

// View is the merged message list for one open conversation. Server truth
// arrives through Merge; optimistic local messages through AppendPending.
// The list never contains two entries with the same key, stays ordered by
// (createdAt, id) with pending entries always last, and survives refetches
// unchanged when the server response is identical.
type View struct {
	mu     sync.Mutex
	target gateway.Target
	bus    *bus.Bus

	items        []Item
	lastNotified itemKey
	hasNotified  bool
}

// NewView creates an empty view for the target. bus may be nil.
func NewView(target gateway.Target, b *bus.Bus) *View {
	return &View{target: target, bus: b}
}

// Merge applies one poll result. Confirmed messages are inserted or updated
// by key and marked kept; anything previously displayed but not kept this
// pass is removed, except pending local entries, which persist until their
// confirmed counterpart arrives, and history older than this pass's window,
// which only a pass covering it can judge missing.
func (v *View) Merge(msgs []gateway.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	index := make(map[itemKey]int, len(v.items))
	for i, it := range v.items {
		index[it.key()] = i
	}

	kept := make(map[itemKey]struct{}, len(msgs))
	confirmedBodies := make(map[int64]map[string]struct{})
	readChanged := false
	for _, m := range msgs {
		it := Item{
			ServerID:  m.ID,
			SenderID:  m.SenderID,
			Body:      m.Body,
			CreatedAt: m.CreatedAt,
			Read:      m.Read,
		}
		key := it.key()
		kept[key] = struct{}{}
		if i, ok := index[key]; ok {
			if v.items[i].Read != it.Read {
				readChanged = true
			}
			v.items[i] = it
		} else {
			index[key] = len(v.items)
			v.items = append(v.items, it)
		}
		if confirmedBodies[m.SenderID] == nil {
			confirmedBodies[m.SenderID] = make(map[string]struct{})
		}
		confirmedBodies[m.SenderID][gateway.NormalizeBody(m.Body)] = struct{}{}
	}

	// Removal only applies within the window this pass refetched: from the
	// oldest message of the page onward. History pages loaded through
	// MergeOlder lie before the window and persist.
	windowStart := int64(math.MinInt64)
	if len(msgs) > 0 {
		windowStart = msgs[0].CreatedAt
		for _, m := range msgs[1:] {
			if m.CreatedAt < windowStart {
				windowStart = m.CreatedAt
			}
		}
	}

	filtered := v.items[:0]
	for _, it := range v.items {
		if it.Pending {
			// A pending entry is dropped once the server echoes the same
			// text from the same sender; until then it persists.
			if bodies := confirmedBodies[it.SenderID]; bodies != nil {
				if _, confirmed := bodies[gateway.NormalizeBody(it.Body)]; confirmed {
					continue
				}
			}
			filtered = append(filtered, it)
			continue
		}
		if _, ok := kept[it.key()]; ok || it.CreatedAt < windowStart {
			filtered = append(filtered, it)
		}
	}
	v.items = filtered

	v.sortAndFlagLocked()
	if readChanged && v.bus != nil {
		v.bus.Publish(bus.Event{Kind: "message.read_changed", Payload: v.target})
	}
	v.notifyLocked()
}

// MergeOlder inserts a history page without the removal pass. Pagination
// only ever extends the list backwards; which messages still exist on the
// server is decided by Merge refreshing the current page.
func (v *View) MergeOlder(msgs []gateway.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	index := make(map[itemKey]int, len(v.items))
	for i, it := range v.items {
		index[it.key()] = i
	}
	for _, m := range msgs {
		it := Item{
			ServerID:  m.ID,
			SenderID:  m.SenderID,
			Body:      m.Body,
			CreatedAt: m.CreatedAt,
			Read:      m.Read,
		}
		key := it.key()
		if i, ok := index[key]; ok {
			v.items[i] = it
		} else {
			index[key] = len(v.items)
			v.items = append(v.items, it)
		}
	}
	v.sortAndFlagLocked()
}

// AppendPending adds an optimistic local message. It replaces an existing
// pending entry with the same identity rather than duplicating it.
func (v *View) AppendPending(senderID int64, body string, createdAt int64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	it := Item{SenderID: senderID, Body: body, CreatedAt: createdAt, Pending: true}
	key := it.key()
	for i, existing := range v.items {
		if existing.Pending && existing.key() == key {
			v.items[i] = it
			v.sortAndFlagLocked()
			return
		}
	}
	v.items = append(v.items, it)
	v.sortAndFlagLocked()
}

// RemovePending discards an optimistic local message, e.g. when the user
// deletes a queued entry.
func (v *View) RemovePending(senderID int64, body string, createdAt int64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := itemKey{ref: body, createdAt: createdAt, senderID: senderID}
	for i, it := range v.items {
		if it.Pending && it.key() == key {
			v.items = append(v.items[:i], v.items[i+1:]...)
			v.sortAndFlagLocked()
			return
		}
	}
}

// Items returns a snapshot of the merged list in display order.
func (v *View) Items() []Item {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Item(nil), v.items...)
}

// sortAndFlagLocked restores display order and recomputes the per-row
// display hints. Pending entries sort after all confirmed ones regardless
// of timestamp; everything else orders by (createdAt, id).
func (v *View) sortAndFlagLocked() {
	sort.SliceStable(v.items, func(i, j int) bool {
		a, b := v.items[i], v.items[j]
		if a.Pending != b.Pending {
			return !a.Pending
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ServerID < b.ServerID
	})

	for i := range v.items {
		if i == 0 {
			v.items[i].DateSeparator = true
			v.items[i].SenderLabel = true
			continue
		}
		prev := v.items[i-1]
		v.items[i].DateSeparator = !sameDay(prev.CreatedAt, v.items[i].CreatedAt)
		v.items[i].SenderLabel = prev.SenderID != v.items[i].SenderID
	}
}

func (v *View) notifyLocked() {
	if len(v.items) == 0 {
		return
	}
	last := v.items[len(v.items)-1]
	key := last.key()
	if v.hasNotified && key == v.lastNotified {
		return
	}
	v.lastNotified = key
	v.hasNotified = true
	if v.bus == nil {
		return
	}
	v.bus.Publish(bus.Event{
		Kind: "message.new",
		Payload: NewMessageEvent{
			Target:    v.target,
			SenderID:  last.SenderID,
			Body:      last.Body,
			CreatedAt: last.CreatedAt,
			Pending:   last.Pending,
		},
	})
}

// sameDay compares calendar days in UTC so separator placement does not
// shift with the machine's timezone.
func sameDay(a, b int64) bool {
	ta, tb := time.UnixMilli(a).UTC(), time.UnixMilli(b).UTC()
	return ta.Year() == tb.Year() && ta.YearDay() == tb.YearDay()
}
