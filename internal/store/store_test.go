package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testChat(t *testing.T, db *DB, id string) *Chat {
	t.Helper()
	c := &Chat{ID: id, Name: "chat " + id, MediatorPubkey: []byte("mediator-" + id)}
	if err := db.CreateChat(c); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + reactions)", result.Version)
	}
}

func TestMigrateSchemaHasRequiredColumns(t *testing.T) {
	db := testDB(t)

	requiredOps := []struct {
		desc  string
		query string
		args  []any
	}{
		{"insert chat", "INSERT INTO chats (id, name, mediator_pubkey, watermark, unread_count) VALUES (?, ?, ?, ?, ?)", []any{"c1", "Test", []byte("med"), 0, 0}},
		{"insert message", "INSERT INTO messages (chat_id, guid, seq, sender_pubkey, direction, timestamp, kind, payload) VALUES (?, ?, ?, ?, ?, ?, ?, ?)", []any{"c1", "g1", 1, []byte("pk"), "incoming", 1000, "text", []byte("hi")}},
		{"insert roster", "INSERT INTO roster (chat_id, pubkey, nickname, permissions, gone) VALUES (?, ?, ?, ?, ?)", []any{"c1", []byte("pk"), "Alice", 0, 0}},
		{"insert reaction", "INSERT INTO reactions (chat_id, message_guid, sender_pubkey, emoji) VALUES (?, ?, ?, ?)", []any{"c1", "g1", []byte("pk"), "👍"}},
		{"insert outbox", "INSERT INTO outbox (op_id, target, guid, op) VALUES (?, ?, ?, ?)", []any{"op1", "c1", "g1", "message"}},
	}

	for _, op := range requiredOps {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.Exec(op.query, op.args...); err != nil {
				t.Fatalf("%s failed: %v", op.desc, err)
			}
		})
	}
}

func TestChatCascadeDelete(t *testing.T) {
	db := testDB(t)
	testChat(t, db, "c1")

	if err := db.InsertMessage(&Message{ChatID: "c1", Guid: "g1", SenderPubkey: []byte("pk"), Direction: DirectionIncoming, Kind: KindText}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMember(&RosterEntry{ChatID: "c1", Pubkey: []byte("pk")}); err != nil {
		t.Fatal(err)
	}
	if err := db.AddReaction("c1", "g1", []byte("pk"), "👍"); err != nil {
		t.Fatal(err)
	}
	if err := db.EnqueueOutbox(&OutboxEntry{OpID: "op1", Target: "c1", Guid: "g2", Op: OpMessage}); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteChat("c1"); err != nil {
		t.Fatal(err)
	}

	counts := map[string]string{
		"messages":  "SELECT COUNT(*) FROM messages",
		"roster":    "SELECT COUNT(*) FROM roster",
		"reactions": "SELECT COUNT(*) FROM reactions",
		"outbox":    "SELECT COUNT(*) FROM outbox",
	}
	for table, q := range counts {
		var n int
		if err := db.QueryRow(q).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Errorf("%s count = %d after chat delete, want 0", table, n)
		}
	}
}

func TestDuplicateGuidRejected(t *testing.T) {
	db := testDB(t)
	testChat(t, db, "c1")

	msg := &Message{ChatID: "c1", Guid: "g1", SenderPubkey: []byte("pk"), Direction: DirectionIncoming, Kind: KindText}
	if err := db.InsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	dup := &Message{ChatID: "c1", Guid: "g1", SenderPubkey: []byte("pk"), Direction: DirectionIncoming, Kind: KindText}
	if err := db.InsertMessage(dup); err == nil {
		t.Error("inserting duplicate guid should fail")
	}
}

func TestDuplicateSeqRejectedButZeroAllowed(t *testing.T) {
	db := testDB(t)
	testChat(t, db, "c1")

	// Multiple pending rows (seq=0) must coexist.
	for _, g := range []string{"g1", "g2", "g3"} {
		if err := db.InsertMessage(&Message{ChatID: "c1", Guid: g, SenderPubkey: []byte("pk"), Direction: DirectionOutgoing, Kind: KindText}); err != nil {
			t.Fatalf("pending insert %s: %v", g, err)
		}
	}

	if err := db.InsertMessage(&Message{ChatID: "c1", Guid: "g4", Seq: 7, SenderPubkey: []byte("pk"), Direction: DirectionIncoming, Kind: KindText}); err != nil {
		t.Fatal(err)
	}
	err := db.InsertMessage(&Message{ChatID: "c1", Guid: "g5", Seq: 7, SenderPubkey: []byte("pk"), Direction: DirectionIncoming, Kind: KindText})
	if err == nil {
		t.Error("inserting duplicate seq should fail")
	}
}
