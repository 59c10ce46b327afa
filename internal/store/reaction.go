package store

import "time"

// AddReaction records an emoji reaction. Idempotent per
// (chat, message guid, sender, emoji), so duplicate replays are safe.
func (db *DB) AddReaction(chatID, messageGuid string, senderPubkey []byte, emoji string) error {
	_, err := db.Exec(`
		INSERT INTO reactions (chat_id, message_guid, sender_pubkey, emoji, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, message_guid, sender_pubkey, emoji) DO NOTHING`,
		chatID, messageGuid, senderPubkey, emoji, time.Now().UnixMilli())
	return err
}

// RemoveReaction deletes a reaction. Removing an absent reaction is a no-op.
func (db *DB) RemoveReaction(chatID, messageGuid string, senderPubkey []byte, emoji string) error {
	_, err := db.Exec(`
		DELETE FROM reactions
		WHERE chat_id = ? AND message_guid = ? AND sender_pubkey = ? AND emoji = ?`,
		chatID, messageGuid, senderPubkey, emoji)
	return err
}

// ListReactions returns the reactions attached to one message.
func (db *DB) ListReactions(chatID, messageGuid string) ([]Reaction, error) {
	rows, err := db.Query(`
		SELECT id, chat_id, message_guid, sender_pubkey, emoji, created_at
		FROM reactions WHERE chat_id = ? AND message_guid = ? ORDER BY id`,
		chatID, messageGuid)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var reactions []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.ID, &r.ChatID, &r.MessageGuid, &r.SenderPubkey, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, err
		}
		reactions = append(reactions, r)
	}
	return reactions, rows.Err()
}
