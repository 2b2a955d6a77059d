package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// UpsertConversation inserts or updates a roster entry.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return err
	}
	preview := ""
	lastAt := int64(0)
	lastID := ""
	if c.LastMessage != nil {
		preview = truncate(c.LastMessage.Content, 100)
		lastAt = c.LastMessage.CreatedAt
		lastID = c.LastMessage.ID
	}
	_, err = db.Exec(`
		INSERT INTO conversations (id, is_group, participants, unread_count, last_message_at, last_message_id, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_group = excluded.is_group,
			participants = CASE WHEN excluded.participants != '[]' THEN excluded.participants ELSE conversations.participants END,
			unread_count = excluded.unread_count,
			last_message_at = excluded.last_message_at,
			last_message_id = excluded.last_message_id,
			last_message_preview = excluded.last_message_preview,
			updated_at = MAX(conversations.updated_at, excluded.updated_at)`,
		c.ID, c.IsGroup, string(participants), c.UnreadCount, lastAt, lastID, preview, maxInt64(c.UpdatedAt, now))
	return err
}

// ListConversations returns roster entries sorted by last message timestamp
// descending. LastMessage carries only the preview fields.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, is_group, participants, unread_count, last_message_at, last_message_id, last_message_preview, updated_at
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single roster entry by id, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	row := db.QueryRow(`
		SELECT id, is_group, participants, unread_count, last_message_at, last_message_id, last_message_preview, updated_at
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ConversationCount returns the total number of roster entries.
func (db *DB) ConversationCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c            Conversation
		participants string
		lastAt       int64
		lastID       string
		preview      string
	)
	if err := row.Scan(&c.ID, &c.IsGroup, &participants, &c.UnreadCount, &lastAt, &lastID, &preview, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return nil, err
	}
	if lastAt > 0 {
		c.LastMessage = &Message{
			ID:             lastID,
			ConversationID: c.ID,
			Content:        preview,
			CreatedAt:      lastAt,
		}
	}
	return &c, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
