package gateway

import (
	"context"
	"fmt"
)

// TargetKind distinguishes the two addressing modes of the messaging server.
type TargetKind int

const (
	// TargetPeer addresses a legacy two-party thread by the peer's user id.
	TargetPeer TargetKind = iota + 1
	// TargetConversation addresses a conversation by its id.
	TargetConversation
)

// Target identifies where a message goes. It is the single key used for
// queue grouping and reconciliation locking, replacing the old practice of
// mixing peer user ids and conversation ids in one untyped map.
type Target struct {
	Kind TargetKind
	ID   int64
}

// Peer builds a target for a legacy two-party thread.
func Peer(userID int64) Target {
	return Target{Kind: TargetPeer, ID: userID}
}

// Conversation builds a target for a conversation.
func Conversation(conversationID int64) Target {
	return Target{Kind: TargetConversation, ID: conversationID}
}

// Key returns a stable string form used as a lock and cache-scope key.
func (t Target) Key() string {
	if t.Kind == TargetPeer {
		return fmt.Sprintf("peer:%d", t.ID)
	}
	return fmt.Sprintf("conversation:%d", t.ID)
}

func (t Target) String() string { return t.Key() }

// Message is a server-confirmed message.
type Message struct {
	ID        int64
	SenderID  int64
	Body      string
	CreatedAt int64 // unix milliseconds
	Read      bool
}

// SendResult is the server's answer to a successful send.
type SendResult struct {
	ServerID  int64
	CreatedAt int64
	Accepted  bool
}

// FetchResult is one page of a conversation fetch.
type FetchResult struct {
	Messages    []Message
	CanLoadMore bool
}

// RemoteGateway abstracts the authenticated request/response channel to the
// messaging server. Implementations hold no local state; all durable state
// lives in the outgoing store and the server.
//
// Failed calls return errors classified by IsConnectivity / IsServerRejected
// (see errors.go).
type RemoteGateway interface {
	// SendToPeer delivers a message to a legacy two-party thread.
	SendToPeer(ctx context.Context, peerID int64, body string) (*SendResult, error)

	// SendToConversation delivers a message to a conversation.
	SendToConversation(ctx context.Context, conversationID int64, body string) (*SendResult, error)

	// FetchMessages returns one page of a conversation, newest first.
	// timeFrom (unix seconds, 0 = no bound) limits how far back the server
	// looks; excludePending drops messages the server has accepted but not
	// yet fully processed.
	FetchMessages(ctx context.Context, target Target, offset, limit int, timeFrom int64, excludePending bool) (*FetchResult, error)

	// FetchMessagesSince returns all messages created at or after timeFrom
	// (unix seconds). Used to build the de-duplication window before replay.
	FetchMessagesSince(ctx context.Context, target Target, timeFrom int64, excludePending bool) ([]Message, error)

	// MarkRead advances the read marker up to and including messageID.
	MarkRead(ctx context.Context, target Target, messageID int64) error

	// Invalidate drops any server-side or intermediary cache for the scope
	// so the next fetch observes fresh data.
	Invalidate(scope string)
}
