package store

import "time"

// Watermark returns the chat's persisted watermark.
// Returns sql.ErrNoRows for unknown chats.
func (db *DB) Watermark(chatID string) (uint64, error) {
	var wm uint64
	err := db.QueryRow(`SELECT watermark FROM chats WHERE id = ?`, chatID).Scan(&wm)
	return wm, err
}

// AdvanceWatermark moves the watermark forward monotonically. A marker at
// or below the current watermark is a no-op, which makes out-of-order
// delivery within a batch harmless.
func (db *DB) AdvanceWatermark(chatID string, seq uint64) error {
	_, err := db.Exec(`
		UPDATE chats SET watermark = MAX(watermark, ?), updated_at = ? WHERE id = ?`,
		seq, time.Now().UnixMilli(), chatID)
	return err
}
