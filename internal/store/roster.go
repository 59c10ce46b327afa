package store

import (
	"database/sql"
	"fmt"
	"time"
)

const rosterColumns = `id, chat_id, pubkey, nickname, permissions, joined_at, updated_at, banned, online, last_seen, gone`

func scanMember(row interface{ Scan(...any) error }) (*RosterEntry, error) {
	var m RosterEntry
	err := row.Scan(&m.ID, &m.ChatID, &m.Pubkey, &m.Nickname, &m.Permissions,
		&m.JoinedAt, &m.UpdatedAt, &m.Banned, &m.Online, &m.LastSeen, &m.Gone)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpsertMember inserts or updates a roster row keyed by (chat, pubkey).
// Upserting a gone member reactivates the same row: gone clears and
// joined_at resets; a second row for the pubkey is never created.
func (db *DB) UpsertMember(m *RosterEntry) error {
	now := time.Now().UnixMilli()
	joined := m.JoinedAt
	if joined == 0 {
		joined = now
	}
	_, err := db.Exec(`
		INSERT INTO roster (chat_id, pubkey, nickname, permissions, joined_at, updated_at, banned, online, last_seen, gone)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(chat_id, pubkey) DO UPDATE SET
			nickname = CASE WHEN excluded.nickname != '' THEN excluded.nickname ELSE roster.nickname END,
			joined_at = CASE WHEN roster.gone = 1 THEN excluded.joined_at ELSE roster.joined_at END,
			gone = 0,
			updated_at = excluded.updated_at`,
		m.ChatID, m.Pubkey, m.Nickname, m.Permissions, joined, now, m.Banned, m.Online, m.LastSeen)
	return err
}

// GetMember returns a roster entry by pubkey, or nil if unknown.
func (db *DB) GetMember(chatID string, pubkey []byte) (*RosterEntry, error) {
	return scanMember(db.QueryRow(`
		SELECT `+rosterColumns+` FROM roster WHERE chat_id = ? AND pubkey = ?`, chatID, pubkey))
}

// ListMembers returns the chat roster. Gone members are filtered out of the
// default view; pass includeGone for historical sender resolution.
func (db *DB) ListMembers(chatID string, includeGone bool) ([]RosterEntry, error) {
	query := `SELECT ` + rosterColumns + ` FROM roster WHERE chat_id = ?`
	if !includeGone {
		query += ` AND gone = 0`
	}
	query += ` ORDER BY nickname, id`

	rows, err := db.Query(query, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []RosterEntry
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

// MarkMemberGone soft-removes a member. The row stays so historical
// messages keep resolving the sender.
func (db *DB) MarkMemberGone(chatID string, pubkey []byte) error {
	_, err := db.Exec(`
		UPDATE roster SET gone = 1, online = 0, updated_at = ?
		WHERE chat_id = ? AND pubkey = ?`, time.Now().UnixMilli(), chatID, pubkey)
	return err
}

// SetMemberPermissions updates permission bits and online state.
func (db *DB) SetMemberPermissions(chatID string, pubkey []byte, permissions int64, online bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE roster SET permissions = ?, online = ?, last_seen = CASE WHEN ? THEN ? ELSE last_seen END, updated_at = ?
		WHERE chat_id = ? AND pubkey = ?`, permissions, online, online, now, now, chatID, pubkey)
	return err
}

// SetMemberBanned updates the banned flag.
func (db *DB) SetMemberBanned(chatID string, pubkey []byte, banned bool) error {
	_, err := db.Exec(`
		UPDATE roster SET banned = ?, updated_at = ?
		WHERE chat_id = ? AND pubkey = ?`, banned, time.Now().UnixMilli(), chatID, pubkey)
	return err
}

// ReconcileMembers applies an authoritative roster snapshot in one
// transaction: each listed member is upserted and its permission/online
// fields refreshed. Members present locally but absent from the snapshot
// are left alone; removal only happens via explicit system events.
func (db *DB) ReconcileMembers(chatID string, members []RosterEntry) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, m := range members {
		joined := m.JoinedAt
		if joined == 0 {
			joined = now
		}
		if _, err := tx.Exec(`
			INSERT INTO roster (chat_id, pubkey, nickname, permissions, joined_at, updated_at, banned, online, last_seen, gone)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(chat_id, pubkey) DO UPDATE SET
				nickname = CASE WHEN excluded.nickname != '' THEN excluded.nickname ELSE roster.nickname END,
				permissions = excluded.permissions,
				online = excluded.online,
				last_seen = excluded.last_seen,
				banned = excluded.banned,
				joined_at = CASE WHEN roster.gone = 1 THEN excluded.joined_at ELSE roster.joined_at END,
				gone = 0,
				updated_at = excluded.updated_at`,
			chatID, m.Pubkey, m.Nickname, m.Permissions, joined, now, m.Banned, m.Online, m.LastSeen); err != nil {
			return fmt.Errorf("reconcile member: %w", err)
		}
	}
	return tx.Commit()
}

// MemberCount returns the number of active (not gone) members in a chat.
func (db *DB) MemberCount(chatID string) (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM roster WHERE chat_id = ? AND gone = 0`, chatID).Scan(&count)
	return count, err
}
