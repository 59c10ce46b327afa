package store

import "testing"

func TestOutboxFIFOPerTarget(t *testing.T) {
	db := testDB(t)

	entries := []*OutboxEntry{
		{OpID: "op1", Target: "c1", Guid: "g1", Op: OpMessage},
		{OpID: "op2", Target: "c2", Guid: "g2", Op: OpMessage},
		{OpID: "op3", Target: "c1", Guid: "g3", Op: OpReactionAdd, Emoji: "👍"},
		{OpID: "op4", Target: "c1", Guid: "g3", Op: OpReactionRemove, Emoji: "👍"},
	}
	for _, e := range entries {
		if err := db.EnqueueOutbox(e); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := db.DrainOutbox("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("got %d entries for c1, want 3", len(pending))
	}
	want := []string{"op1", "op3", "op4"}
	for i, e := range pending {
		if e.OpID != want[i] {
			t.Errorf("entry %d = %s, want %s (FIFO)", i, e.OpID, want[i])
		}
	}
}

func TestAckRemovesEntry(t *testing.T) {
	db := testDB(t)

	if err := db.EnqueueOutbox(&OutboxEntry{OpID: "op1", Target: "c1", Guid: "g1", Op: OpMessage}); err != nil {
		t.Fatal(err)
	}
	if err := db.AckOutbox("op1"); err != nil {
		t.Fatal(err)
	}
	count, err := db.OutboxCount("c1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("outbox count = %d after ack, want 0", count)
	}

	// Acking again is a no-op, matching at-least-once replay.
	if err := db.AckOutbox("op1"); err != nil {
		t.Errorf("double ack error = %v", err)
	}
}

func TestAckByGuidRemovesMessageOpsOnly(t *testing.T) {
	db := testDB(t)

	if err := db.EnqueueOutbox(&OutboxEntry{OpID: "op1", Target: "c1", Guid: "g1", Op: OpMessage}); err != nil {
		t.Fatal(err)
	}
	if err := db.EnqueueOutbox(&OutboxEntry{OpID: "op2", Target: "c1", Guid: "g1", Op: OpReactionAdd, Emoji: "👍"}); err != nil {
		t.Fatal(err)
	}

	if err := db.AckOutboxByGuid("c1", "g1"); err != nil {
		t.Fatal(err)
	}
	pending, _ := db.DrainOutbox("c1")
	if len(pending) != 1 || pending[0].Op != OpReactionAdd {
		t.Errorf("pending = %v, want only the reaction op", pending)
	}
}

func TestOutboxTargets(t *testing.T) {
	db := testDB(t)

	if err := db.EnqueueOutbox(&OutboxEntry{OpID: "op1", Target: "c2", Guid: "g1", Op: OpMessage}); err != nil {
		t.Fatal(err)
	}
	if err := db.EnqueueOutbox(&OutboxEntry{OpID: "op2", Target: "c1", Guid: "g2", Op: OpMessage}); err != nil {
		t.Fatal(err)
	}
	if err := db.EnqueueOutbox(&OutboxEntry{OpID: "op3", Target: "c2", Guid: "g3", Op: OpMessage}); err != nil {
		t.Fatal(err)
	}

	targets, err := db.OutboxTargets()
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 2 || targets[0] != "c2" || targets[1] != "c1" {
		t.Errorf("targets = %v, want [c2 c1] (oldest entry first)", targets)
	}
}

func TestWatermarkMonotonic(t *testing.T) {
	db := testDB(t)
	testChat(t, db, "c1")

	for _, seq := range []uint64{5, 3, 9, 9, 1} {
		if err := db.AdvanceWatermark("c1", seq); err != nil {
			t.Fatal(err)
		}
	}
	wm, err := db.Watermark("c1")
	if err != nil {
		t.Fatal(err)
	}
	if wm != 9 {
		t.Errorf("watermark = %d, want 9", wm)
	}
}
