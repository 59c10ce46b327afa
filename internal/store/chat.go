package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateChat inserts a chat row. Fails if the chat already exists.
func (db *DB) CreateChat(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (id, name, mediator_pubkey, shared_key, watermark, unread_count, muted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.MediatorPubkey, c.SharedKey, c.Watermark, c.UnreadCount, c.Muted, now, now)
	return err
}

// GetChat returns a single chat by id, or nil if it does not exist.
func (db *DB) GetChat(id string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT id, name, mediator_pubkey, shared_key, watermark, unread_count, muted, created_at, updated_at
		FROM chats WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.MediatorPubkey, &c.SharedKey, &c.Watermark, &c.UnreadCount, &c.Muted, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChats returns chats sorted by most recently updated.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, name, mediator_pubkey, shared_key, watermark, unread_count, muted, created_at, updated_at
		FROM chats ORDER BY updated_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Name, &c.MediatorPubkey, &c.SharedKey, &c.Watermark, &c.UnreadCount, &c.Muted, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// DeleteChat removes a chat. Messages, roster entries, reactions and the
// chat row itself go in one transaction; the outbox keeps no foreign key so
// queued operations for the chat are swept explicitly.
func (db *DB) DeleteChat(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM outbox WHERE target = ?`, id); err != nil {
		return fmt.Errorf("sweep outbox: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM chats WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return tx.Commit()
}

// SetChatName updates the chat display name.
func (db *DB) SetChatName(id, name string) error {
	_, err := db.Exec(`UPDATE chats SET name = ?, updated_at = ? WHERE id = ?`,
		name, time.Now().UnixMilli(), id)
	return err
}

// SetMuted updates the chat muted flag.
func (db *DB) SetMuted(id string, muted bool) error {
	_, err := db.Exec(`UPDATE chats SET muted = ?, updated_at = ? WHERE id = ?`,
		muted, time.Now().UnixMilli(), id)
	return err
}

// MarkChatRead marks every incoming message in the chat as read and zeroes
// the unread counter in the same transaction.
func (db *DB) MarkChatRead(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		UPDATE messages SET read = 1
		WHERE chat_id = ? AND direction = ? AND read = 0`, id, DirectionIncoming); err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}
	if _, err := tx.Exec(`UPDATE chats SET unread_count = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id); err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	return tx.Commit()
}

// RecomputeUnread recounts unread incoming non-system messages from scratch
// and stores the result, returning it. Used to verify and repair the
// denormalized counter.
func (db *DB) RecomputeUnread(id string) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int64
	if err := tx.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE chat_id = ? AND direction = ? AND read = 0 AND kind != ?`,
		id, DirectionIncoming, KindSystem).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	if _, err := tx.Exec(`UPDATE chats SET unread_count = ? WHERE id = ?`, n, id); err != nil {
		return 0, fmt.Errorf("store unread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// ClearHistory deletes every message and reaction in the chat while rolling
// the watermark forward to the highest marker ever applied, so the next
// sync does not re-download cleared history. Returns the resulting
// watermark.
func (db *DB) ClearHistory(id string) (uint64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq uint64
	if err := tx.QueryRow(`
		SELECT COALESCE(MAX(seq), 0) FROM messages WHERE chat_id = ?`, id).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM reactions WHERE chat_id = ?`, id); err != nil {
		return 0, fmt.Errorf("clear reactions: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ?`, id); err != nil {
		return 0, fmt.Errorf("clear messages: %w", err)
	}
	if _, err := tx.Exec(`
		UPDATE chats SET watermark = MAX(watermark, ?), unread_count = 0, updated_at = ?
		WHERE id = ?`, maxSeq, time.Now().UnixMilli(), id); err != nil {
		return 0, fmt.Errorf("roll watermark: %w", err)
	}

	var wm uint64
	if err := tx.QueryRow(`SELECT watermark FROM chats WHERE id = ?`, id).Scan(&wm); err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return wm, nil
}

// ChatCount returns the total number of chats.
func (db *DB) ChatCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM chats`).Scan(&count)
	return count, err
}
