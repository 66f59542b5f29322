package sync

import (
	"github.com/mfigueiredo/msgsync/internal/gateway"
)

// Warning describes a message the server rejected during a reconciliation
// run. Rejections are non-fatal: the run continues and the caller decides
// how to surface the collected warnings.
type Warning struct {
	Target  gateway.Target
	Message string
	Err     error
}

// Warnings is the ordered list of distinct warnings produced by one run.
type Warnings []Warning

// Namer resolves display names when rendering warnings. The conversation
// snapshot captured at submit time takes precedence; the namer is the
// fallback for threads the snapshot cannot describe.
type Namer interface {
	PeerName(userID int64) string
	ConversationName(conversationID int64) string
}

// CompletedEvent is the payload of sync.completed bus events.
type CompletedEvent struct {
	Target   gateway.Target
	Sent     int
	Skipped  int
	Warnings int
}

// FailedEvent is the payload of sync.failed bus events.
type FailedEvent struct {
	Target gateway.Target
	Reason string
}
