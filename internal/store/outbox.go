package store

import "time"

// EnqueueOutbox adds an operation to the durable outbox.
func (db *DB) EnqueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO outbox (op_id, target, guid, op, payload, emoji, reply_to, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.OpID, e.Target, e.Guid, e.Op, e.Payload, e.Emoji, e.ReplyTo, now)
	if err != nil {
		return err
	}
	e.ID, _ = res.LastInsertId()
	e.EnqueuedAt = now
	return nil
}

// DrainOutbox returns the queued operations for one target in enqueue
// order. Entries stay queued until acked.
func (db *DB) DrainOutbox(target string) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, op_id, target, guid, op, payload, emoji, reply_to, enqueued_at
		FROM outbox WHERE target = ? ORDER BY id`, target)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.OpID, &e.Target, &e.Guid, &e.Op, &e.Payload, &e.Emoji, &e.ReplyTo, &e.EnqueuedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AckOutbox removes an acknowledged entry by operation id.
func (db *DB) AckOutbox(opID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE op_id = ?`, opID)
	return err
}

// AckOutboxByGuid removes queued message operations for a guid once the
// remote side confirms it, regardless of which replay attempt got through.
func (db *DB) AckOutboxByGuid(target, guid string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE target = ? AND guid = ? AND op = ?`,
		target, guid, OpMessage)
	return err
}

// OutboxTargets returns the distinct targets that currently have queued
// operations, in oldest-entry-first order.
func (db *DB) OutboxTargets() ([]string, error) {
	rows, err := db.Query(`SELECT target FROM outbox GROUP BY target ORDER BY MIN(id)`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var targets []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// OutboxCount returns the number of queued operations for a target.
func (db *DB) OutboxCount(target string) (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM outbox WHERE target = ?`, target).Scan(&count)
	return count, err
}
