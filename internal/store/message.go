package store

import (
	"database/sql"
	"fmt"
	"time"
)

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ChatID, &m.Guid, &m.Seq, &m.SenderPubkey, &m.Direction,
		&m.Timestamp, &m.Kind, &m.Payload, &m.Delivered, &m.Read, &m.ReplyTo, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

const messageColumns = `id, chat_id, guid, seq, sender_pubkey, direction, timestamp, kind, payload, delivered, read, reply_to, created_at`

// InsertMessage inserts a new message row and bumps the chat unread counter
// for unread incoming non-system messages, atomically.
func (db *DB) InsertMessage(m *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	res, err := tx.Exec(`
		INSERT INTO messages (chat_id, guid, seq, sender_pubkey, direction, timestamp, kind, payload, delivered, read, reply_to, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ChatID, m.Guid, m.Seq, m.SenderPubkey, m.Direction, m.Timestamp, m.Kind,
		m.Payload, m.Delivered, m.Read, m.ReplyTo, now)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if m.Direction == DirectionIncoming && !m.Read && m.Kind != KindSystem {
		if _, err := tx.Exec(`
			UPDATE chats SET unread_count = unread_count + 1, updated_at = ?
			WHERE id = ?`, now, m.ChatID); err != nil {
			return fmt.Errorf("bump unread: %w", err)
		}
	} else {
		if _, err := tx.Exec(`UPDATE chats SET updated_at = ? WHERE id = ?`, now, m.ChatID); err != nil {
			return fmt.Errorf("touch chat: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	m.ID, _ = res.LastInsertId()
	m.CreatedAt = now
	return nil
}

// GetMessageByGuid returns a message by its guid, or nil if absent.
func (db *DB) GetMessageByGuid(chatID, guid string) (*Message, error) {
	return scanMessage(db.QueryRow(`
		SELECT `+messageColumns+` FROM messages WHERE chat_id = ? AND guid = ?`, chatID, guid))
}

// AttachSeq attaches a mediator sequence marker to an existing row and
// marks it delivered. No-op on rows that already carry a marker.
func (db *DB) AttachSeq(chatID, guid string, seq uint64) error {
	_, err := db.Exec(`
		UPDATE messages SET seq = ?, delivered = 1
		WHERE chat_id = ? AND guid = ? AND seq = 0`, seq, chatID, guid)
	return err
}

// ListMessages returns messages for a chat in local insertion order,
// using keyset pagination by local id.
func (db *DB) ListMessages(chatID string, beforeID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeID <= 0 {
		beforeID = int64(^uint64(0) >> 1)
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? AND id < ?
		ORDER BY id DESC LIMIT ?`, chatID, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the number of messages in a chat.
func (db *DB) MessageCount(chatID string) (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE chat_id = ?`, chatID).Scan(&count)
	return count, err
}

// MaxSeq returns the highest sequence marker present in the chat's local
// message set, 0 when none carry one.
func (db *DB) MaxSeq(chatID string) (uint64, error) {
	var seq uint64
	err := db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE chat_id = ?`, chatID).Scan(&seq)
	return seq, err
}

// MarkMessageRead marks one message read, decrementing the unread counter
// when the row was an unread incoming non-system message.
func (db *DB) MarkMessageRead(chatID, guid string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		UPDATE messages SET read = 1
		WHERE chat_id = ? AND guid = ? AND direction = ? AND read = 0 AND kind != ?`,
		chatID, guid, DirectionIncoming, KindSystem)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if _, err := tx.Exec(`
			UPDATE chats SET unread_count = MAX(unread_count - ?, 0) WHERE id = ?`,
			n, chatID); err != nil {
			return fmt.Errorf("decrement unread: %w", err)
		}
	} else {
		// Outgoing, system or already-read rows flip the flag only.
		if _, err := tx.Exec(`
			UPDATE messages SET read = 1 WHERE chat_id = ? AND guid = ?`, chatID, guid); err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteMessage removes a message and its reactions, decrementing the
// unread counter when the removed row was unread incoming non-system.
// Returns the deleted row, or nil if nothing matched.
func (db *DB) DeleteMessage(chatID, guid string) (*Message, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	m, err := scanMessage(tx.QueryRow(`
		SELECT `+messageColumns+` FROM messages WHERE chat_id = ? AND guid = ?`, chatID, guid))
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	if m == nil {
		return nil, nil
	}

	if _, err := tx.Exec(`DELETE FROM reactions WHERE chat_id = ? AND message_guid = ?`, chatID, guid); err != nil {
		return nil, fmt.Errorf("delete reactions: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ? AND guid = ?`, chatID, guid); err != nil {
		return nil, fmt.Errorf("delete message: %w", err)
	}
	if m.Direction == DirectionIncoming && !m.Read && m.Kind != KindSystem {
		if _, err := tx.Exec(`
			UPDATE chats SET unread_count = MAX(unread_count - 1, 0) WHERE id = ?`, chatID); err != nil {
			return nil, fmt.Errorf("decrement unread: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return m, nil
}

// RekeyMessage renames a message identity in place after the mediator
// reports a guid collision. Read/delivered flags stay untouched; reactions,
// reply references and queued outbox operations keyed by the old guid are
// re-associated in the same transaction.
func (db *DB) RekeyMessage(chatID, oldGuid, newGuid string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		UPDATE messages SET guid = ? WHERE chat_id = ? AND guid = ?`, newGuid, chatID, oldGuid)
	if err != nil {
		return fmt.Errorf("rekey message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rekey %s: no such guid in chat %s", oldGuid, chatID)
	}
	if _, err := tx.Exec(`
		UPDATE messages SET reply_to = ? WHERE chat_id = ? AND reply_to = ?`, newGuid, chatID, oldGuid); err != nil {
		return fmt.Errorf("rekey reply refs: %w", err)
	}
	if _, err := tx.Exec(`
		UPDATE reactions SET message_guid = ? WHERE chat_id = ? AND message_guid = ?`, newGuid, chatID, oldGuid); err != nil {
		return fmt.Errorf("rekey reactions: %w", err)
	}
	if _, err := tx.Exec(`
		UPDATE outbox SET guid = ? WHERE target = ? AND guid = ?`, newGuid, chatID, oldGuid); err != nil {
		return fmt.Errorf("rekey outbox: %w", err)
	}
	return tx.Commit()
}
