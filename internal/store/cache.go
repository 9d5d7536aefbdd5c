package store

import (
	"fmt"
	"time"

	"github.com/macaw-im/macaw/internal/message"
)

// CacheMessages upserts a batch into the message cache in one transaction
// (idempotent on conversation + msg_id). The cache is best-effort: it exists
// so a restarted client can show history before the first archive query.
func (db *DB) CacheMessages(conversation string, msgs []message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO message_cache (conversation, msg_id, stanza_id, sender, body, kind, from_self, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation, msg_id) DO UPDATE SET
				stanza_id = CASE WHEN excluded.stanza_id != '' THEN excluded.stanza_id ELSE message_cache.stanza_id END,
				body = excluded.body`,
			conversation, m.ID, m.StanzaID, m.From, m.Body, m.Kind, m.FromSelf, m.Timestamp.UnixMilli(), now); err != nil {
			return fmt.Errorf("upsert cached message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cache batch: %w", err)
	}
	return nil
}

// CachedMessages returns up to limit of the newest cached messages for a
// conversation, in ascending timestamp order. limit <= 0 means no limit.
func (db *DB) CachedMessages(conversation string, limit int) ([]message.Message, error) {
	if limit <= 0 {
		limit = -1 // sqlite: LIMIT -1 is unlimited
	}
	rows, err := db.Query(`
		SELECT msg_id, stanza_id, sender, body, kind, from_self, timestamp
		FROM message_cache
		WHERE conversation = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, conversation, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []message.Message
	for rows.Next() {
		var m message.Message
		var ts int64
		if err := rows.Scan(&m.ID, &m.StanzaID, &m.From, &m.Body, &m.Kind, &m.FromSelf, &ts); err != nil {
			return nil, err
		}
		m.Conversation = conversation
		m.Timestamp = time.UnixMilli(ts).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first from the query; flip to canonical ascending order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// CachedConversations lists all conversations with cached messages.
func (db *DB) CachedConversations() ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT conversation FROM message_cache ORDER BY conversation`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// ClearConversation drops a conversation's cached history. Called when the
// user clears or leaves a conversation.
func (db *DB) ClearConversation(conversation string) error {
	_, err := db.Exec(`DELETE FROM message_cache WHERE conversation = ?`, conversation)
	return err
}
