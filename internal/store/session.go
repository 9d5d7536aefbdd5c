package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/macaw-im/macaw/internal/resume"
)

// SaveSession upserts the session record and replaces the room snapshot in
// one transaction (idempotent on account_jid).
func (db *DB) SaveSession(accountJID string, s resume.SessionState) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO sessions (account_jid, session_id, inbound_count, resource, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_jid) DO UPDATE SET
			session_id = excluded.session_id,
			inbound_count = excluded.inbound_count,
			resource = excluded.resource,
			saved_at = excluded.saved_at`,
		accountJID, s.SessionID, s.InboundCount, s.Resource, s.SavedAt.UnixMilli()); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM session_rooms WHERE account_jid = ?`, accountJID); err != nil {
		return fmt.Errorf("clear rooms: %w", err)
	}
	for _, r := range s.JoinedRooms {
		if _, err := tx.Exec(`
			INSERT INTO session_rooms (account_jid, room_jid, nick, password)
			VALUES (?, ?, ?, ?)`,
			accountJID, r.JID, r.Nick, r.Password); err != nil {
			return fmt.Errorf("insert room %s: %w", r.JID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}

// LoadSession returns the stored session state, or nil when none exists.
func (db *DB) LoadSession(accountJID string) (*resume.SessionState, error) {
	var s resume.SessionState
	var savedAt int64
	err := db.QueryRow(`
		SELECT session_id, inbound_count, resource, saved_at
		FROM sessions WHERE account_jid = ?`, accountJID).
		Scan(&s.SessionID, &s.InboundCount, &s.Resource, &savedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.SavedAt = time.UnixMilli(savedAt)

	rows, err := db.Query(`
		SELECT room_jid, nick, password
		FROM session_rooms WHERE account_jid = ? ORDER BY room_jid`, accountJID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var r resume.Room
		if err := rows.Scan(&r.JID, &r.Nick, &r.Password); err != nil {
			return nil, err
		}
		s.JoinedRooms = append(s.JoinedRooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &s, nil
}

// ClearSession removes the session record; the room snapshot cascades.
func (db *DB) ClearSession(accountJID string) error {
	_, err := db.Exec(`DELETE FROM sessions WHERE account_jid = ?`, accountJID)
	return err
}
