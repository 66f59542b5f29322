package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// The store is a durable queue only: it never touches the network. Entries
// are written synchronously on submit and removed once the sync engine has
// confirmed delivery (or the user discards them).

// SaveForPeer persists a queued message for a legacy two-party thread.
// Re-submitting byte-identical text at the same timestamp replaces the
// earlier entry; the legacy identity tuple makes them indistinguishable.
func (db *DB) SaveForPeer(m *OutgoingMessage) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO outgoing_peer_messages
			(recipient_user_id, sender_user_id, body_text, created_at, was_queued_while_offline)
		VALUES (?, ?, ?, ?, ?)`,
		m.RecipientUserID, m.SenderUserID, m.BodyText, m.CreatedAt, m.QueuedWhileOffline)
	return err
}

// SaveForConversation persists a queued message for a conversation,
// including the conversation snapshot captured at submit time.
func (db *DB) SaveForConversation(m *OutgoingConversationMessage) error {
	snap, err := json.Marshal(m.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = db.Exec(`
		INSERT OR REPLACE INTO outgoing_conversation_messages
			(conversation_id, body_text, created_at, was_queued_while_offline, conversation_snapshot_json)
		VALUES (?, ?, ?, ?, ?)`,
		m.ConversationID, m.BodyText, m.CreatedAt, m.QueuedWhileOffline, string(snap))
	return err
}

// ListForPeer returns the queued messages for one peer, oldest first.
func (db *DB) ListForPeer(recipientUserID int64) ([]OutgoingMessage, error) {
	rows, err := db.Query(`
		SELECT recipient_user_id, sender_user_id, body_text, created_at, was_queued_while_offline
		FROM outgoing_peer_messages
		WHERE recipient_user_id = ?
		ORDER BY created_at ASC, body_text ASC`, recipientUserID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []OutgoingMessage
	for rows.Next() {
		var m OutgoingMessage
		if err := rows.Scan(&m.RecipientUserID, &m.SenderUserID, &m.BodyText, &m.CreatedAt, &m.QueuedWhileOffline); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListForConversation returns the queued messages for one conversation,
// oldest first.
func (db *DB) ListForConversation(conversationID int64) ([]OutgoingConversationMessage, error) {
	rows, err := db.Query(`
		SELECT conversation_id, body_text, created_at, was_queued_while_offline, conversation_snapshot_json
		FROM outgoing_conversation_messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, body_text ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanConversationMessages(rows)
}

// ListAllPeer returns queued peer messages across all threads. With
// onlyDeviceOffline set, only entries flagged as composed offline are
// returned.
func (db *DB) ListAllPeer(onlyDeviceOffline bool) ([]OutgoingMessage, error) {
	q := `
		SELECT recipient_user_id, sender_user_id, body_text, created_at, was_queued_while_offline
		FROM outgoing_peer_messages`
	if onlyDeviceOffline {
		q += ` WHERE was_queued_while_offline = 1`
	}
	q += ` ORDER BY created_at ASC, body_text ASC`

	rows, err := db.Query(q)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []OutgoingMessage
	for rows.Next() {
		var m OutgoingMessage
		if err := rows.Scan(&m.RecipientUserID, &m.SenderUserID, &m.BodyText, &m.CreatedAt, &m.QueuedWhileOffline); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListAllConversation returns queued conversation messages across all
// conversations, optionally restricted to entries composed offline.
func (db *DB) ListAllConversation(onlyDeviceOffline bool) ([]OutgoingConversationMessage, error) {
	q := `
		SELECT conversation_id, body_text, created_at, was_queued_while_offline, conversation_snapshot_json
		FROM outgoing_conversation_messages`
	if onlyDeviceOffline {
		q += ` WHERE was_queued_while_offline = 1`
	}
	q += ` ORDER BY created_at ASC, body_text ASC`

	rows, err := db.Query(q)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanConversationMessages(rows)
}

// DeleteForPeer removes one queued peer message by its identity tuple.
func (db *DB) DeleteForPeer(recipientUserID int64, bodyText string, createdAt int64) error {
	_, err := db.Exec(`
		DELETE FROM outgoing_peer_messages
		WHERE recipient_user_id = ? AND body_text = ? AND created_at = ?`,
		recipientUserID, bodyText, createdAt)
	return err
}

// DeleteForConversation removes one queued conversation message by its
// identity tuple.
func (db *DB) DeleteForConversation(conversationID int64, bodyText string, createdAt int64) error {
	_, err := db.Exec(`
		DELETE FROM outgoing_conversation_messages
		WHERE conversation_id = ? AND body_text = ? AND created_at = ?`,
		conversationID, bodyText, createdAt)
	return err
}

// MarkPeerDeviceOffline sets the offline flag on the given peer entries.
func (db *DB) MarkPeerDeviceOffline(entries []OutgoingMessage, flag bool) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range entries {
		if _, err := tx.Exec(`
			UPDATE outgoing_peer_messages SET was_queued_while_offline = ?
			WHERE recipient_user_id = ? AND body_text = ? AND created_at = ?`,
			flag, m.RecipientUserID, m.BodyText, m.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MarkConversationDeviceOffline sets the offline flag on the given
// conversation entries.
func (db *DB) MarkConversationDeviceOffline(entries []OutgoingConversationMessage, flag bool) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range entries {
		if _, err := tx.Exec(`
			UPDATE outgoing_conversation_messages SET was_queued_while_offline = ?
			WHERE conversation_id = ? AND body_text = ? AND created_at = ?`,
			flag, m.ConversationID, m.BodyText, m.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func scanConversationMessages(rows *sql.Rows) ([]OutgoingConversationMessage, error) {
	var msgs []OutgoingConversationMessage
	for rows.Next() {
		var m OutgoingConversationMessage
		var snap string
		if err := rows.Scan(&m.ConversationID, &m.BodyText, &m.CreatedAt, &m.QueuedWhileOffline, &snap); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(snap), &m.Snapshot); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
