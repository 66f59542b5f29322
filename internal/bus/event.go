package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds used across the module:
//
//	message.new                  — the merged view gained a new last message
//	message.read_changed         — read markers moved for a conversation
//	conversation.counts_changed  — unread/badge counters should be recomputed
//	connectivity.online          — the device transitioned offline -> online
//	connectivity.offline         — the device transitioned online -> offline
//	sync.completed               — a reconciliation run finished
//	sync.failed                  — a reconciliation run aborted
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}
