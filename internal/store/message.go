package store

import (
	"encoding/json"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on conversation_id + msg_id).
// The provisional and server identifiers share the msg_id column; ReplaceMessageID
// swaps one for the other when the server confirms.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	msgID := m.ID
	if msgID == "" {
		msgID = m.ProvisionalID
	}
	reactions, err := json.Marshal(orEmptyReactions(m.Reactions))
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, content, kind, created_at, attachment_ref, reply_to_id, reactions, unsent, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			content = excluded.content,
			reactions = excluded.reactions,
			unsent = excluded.unsent`,
		m.ConversationID, msgID, m.SenderID, m.SenderName, m.Content, m.Kind,
		m.CreatedAt, m.AttachmentRef, m.ReplyToID, string(reactions), m.Unsent, now)
	return err
}

// ReplaceMessageID rewrites a provisional message id with its server-assigned
// one once confirmation arrives. A no-op if the provisional row is gone.
func (db *DB) ReplaceMessageID(conversationID, provisionalID, serverID string) error {
	_, err := db.Exec(`
		UPDATE messages SET msg_id = ?
		WHERE conversation_id = ? AND msg_id = ?`,
		serverID, conversationID, provisionalID)
	return err
}

// DeleteMessage removes a message row. Used to roll back optimistic inserts.
func (db *DB) DeleteMessage(conversationID, msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination by
// created_at, newest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT conversation_id, msg_id, sender_id, sender_name, content, kind, created_at, attachment_ref, reply_to_id, reactions, unsent
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var (
			m         Message
			reactions string
		)
		if err := rows.Scan(&m.ConversationID, &m.ID, &m.SenderID, &m.SenderName, &m.Content, &m.Kind, &m.CreatedAt, &m.AttachmentRef, &m.ReplyToID, &reactions, &m.Unsent); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(reactions), &m.Reactions); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the total number of stored messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

func orEmptyReactions(r map[string]string) map[string]string {
	if r == nil {
		return map[string]string{}
	}
	return r
}
