package store

// ConversationType mirrors the server's conversation kinds.
type ConversationType string

const (
	ConversationIndividual ConversationType = "individual"
	ConversationGroup      ConversationType = "group"
	ConversationSelf       ConversationType = "self"
)

// ConversationSnapshot holds the minimal conversation metadata captured at
// submit time. A brand-new individual thread may not exist on the server
// yet, so the snapshot is the only source for its name and image until the
// first successful sync.
type ConversationSnapshot struct {
	Name      string           `json:"name"`
	ImageURL  string           `json:"image_url,omitempty"`
	Favourite bool             `json:"favourite"`
	Type      ConversationType `json:"type"`
}

// OutgoingMessage is a queued message for a legacy two-party thread.
// Identity is (RecipientUserID, BodyText, CreatedAt).
type OutgoingMessage struct {
	RecipientUserID    int64
	SenderUserID       int64
	BodyText           string
	CreatedAt          int64 // unix milliseconds
	QueuedWhileOffline bool
}

// OutgoingConversationMessage is a queued message for a conversation.
// Identity is (ConversationID, BodyText, CreatedAt).
type OutgoingConversationMessage struct {
	ConversationID     int64
	BodyText           string
	CreatedAt          int64 // unix milliseconds
	QueuedWhileOffline bool
	Snapshot           ConversationSnapshot
}
