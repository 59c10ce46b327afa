package store

import "testing"

func incoming(chatID, guid string, seq uint64) *Message {
	return &Message{
		ChatID:       chatID,
		Guid:         guid,
		Seq:          seq,
		SenderPubkey: []byte("sender"),
		Direction:    DirectionIncoming,
		Timestamp:    1000,
		Kind:         KindText,
		Payload:      []byte("hello"),
	}
}

func TestInsertBumpsUnread(t *testing.T) {
	db := testDB(t)
	testChat(t, db, "c1")

	if err := db.InsertMessage(incoming("c1", "g1", 1)); err != nil {
		t.Fatal(err)
	}
	chat, err := db.GetChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if chat.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", chat.UnreadCount)
	}

	// Outgoing and system rows do not count.
	if err := db.InsertMessage(&Message{ChatID: "c1", Guid: "g2", SenderPubkey: []byte("me"), Direction: DirectionOutgoing, Kind: KindText}); err != nil {
		t.Fatal(err)
	}
	sys := incoming("c1", "g3", 2)
	sys.Kind = KindSystem
	if err := db.InsertMessage(sys); err != nil {
		t.Fatal(err)
	}
	chat, _ = db.GetChat("c1")
	if chat.UnreadCount != 1 {
		t.Errorf("unread = %d after outgoing+system, want 1", chat.UnreadCount)
	}
}

func TestAttachSeqOnlyOnPendingRows(t *testing.T) {
	db := testDB(t)
	testChat(t, db, "c1")

	if err := db.InsertMessage(&Message{ChatID: "c1", Guid: "g1", SenderPubkey: []byte("me"), Direction: DirectionOutgoing, Kind: KindText}); err != nil {
		t.Fatal(err)
	}
	if err := db.AttachSeq("c1", "g1", 9); err != nil {
		t.Fatal(err)
	}

	m, err := db.GetMessageByGuid("c1", "g1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Seq != 9 || !m.Delivered {
		t.Errorf("seq = %d delivered = %v, want 9/true", m.Seq, m.Delivered)
	}

	// A second attach must not overwrite an existing marker.
	if err := db.AttachSeq("c1", "g1", 12); err != nil {
		t.Fatal(err)
	}
	m, _ = db.GetMessageByGuid("c1", "g1")
	if m.Seq != 9 {
		t.Errorf("seq = %d after re-attach, want 9", m.Seq)
	}
}

func TestDeleteMessageDecrementsUnread(t *testing.T) {
	db := testDB(t)
	testChat(t, db, "c1")

	if err := db.InsertMessage(incoming("c1", "g1", 1)); err != nil {
		t.Fatal(err)
	}
	deleted, err := db.DeleteMessage("c1", "g1")
	if err != nil {
		t.Fatal(err)
	}
	if deleted == nil {
		t.Fatal("expected deleted row")
	}
	chat, _ := db.GetChat("c1")
	if chat.UnreadCount != 0 {
		t.Errorf("unread = %d after delete, want 0", chat.UnreadCount)
	}

	// Deleting a missing guid is a no-op.
	deleted, err = db.DeleteMessage("c1", "missing")
	if err != nil {
		t.Fatal(err)
	}
	if deleted != nil {
		t.Error("expected nil for missing guid")
	}
}

func TestMarkMessageRead(t *testing.T) {
	db := testDB(t)
	testChat(t, db, "c1")

	if err := db.InsertMessage(incoming("c1", "g1", 1)); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkMessageRead("c1", "g1"); err != nil {
		t.Fatal(err)
	}
	chat, _ := db.GetChat("c1")
	if chat.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", chat.UnreadCount)
	}

	// Marking again must not go negative.
	if err := db.MarkMessageRead("c1", "g1"); err != nil {
		t.Fatal(err)
	}
	chat, _ = db.GetChat("c1")
	if chat.UnreadCount != 0 {
		t.Errorf("unread = %d after double mark, want 0", chat.UnreadCount)
	}
}

func TestRekeyPreservesFlagsAndReactions(t *testing.T) {
	db := testDB(t)
	testChat(t, db, "c1")

	msg := incoming("c1", "g1", 0)
	msg.Read = true
	if err := db.InsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	if err := db.AddReaction("c1", "g1", []byte("pk"), "🔥"); err != nil {
		t.Fatal(err)
	}
	reply := incoming("c1", "g2", 0)
	reply.ReplyTo = "g1"
	if err := db.InsertMessage(reply); err != nil {
		t.Fatal(err)
	}
	if err := db.EnqueueOutbox(&OutboxEntry{OpID: "op1", Target: "c1", Guid: "g1", Op: OpMessage}); err != nil {
		t.Fatal(err)
	}

	if err := db.RekeyMessage("c1", "g1", "g9"); err != nil {
		t.Fatal(err)
	}

	old, _ := db.GetMessageByGuid("c1", "g1")
	if old != nil {
		t.Error("old guid still resolves")
	}
	m, err := db.GetMessageByGuid("c1", "g9")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("new guid does not resolve")
	}
	if !m.Read || m.Delivered {
		t.Errorf("read = %v delivered = %v, want true/false", m.Read, m.Delivered)
	}

	reactions, err := db.ListReactions("c1", "g9")
	if err != nil {
		t.Fatal(err)
	}
	if len(reactions) != 1 || reactions[0].Emoji != "🔥" {
		t.Errorf("reactions under new guid = %v, want one 🔥", reactions)
	}

	r, _ := db.GetMessageByGuid("c1", "g2")
	if r.ReplyTo != "g9" {
		t.Errorf("reply_to = %q, want g9", r.ReplyTo)
	}

	pending, _ := db.DrainOutbox("c1")
	if len(pending) != 1 || pending[0].Guid != "g9" {
		t.Errorf("outbox guid = %v, want g9", pending)
	}
}

func TestRekeyUnknownGuidFails(t *testing.T) {
	db := testDB(t)
	testChat(t, db, "c1")

	if err := db.RekeyMessage("c1", "missing", "g9"); err == nil {
		t.Error("rekey of unknown guid should fail")
	}
}

func TestUnreadInvariantAfterMixedOperations(t *testing.T) {
	db := testDB(t)
	testChat(t, db, "c1")

	for i, g := range []string{"g1", "g2", "g3", "g4"} {
		if err := db.InsertMessage(incoming("c1", g, uint64(i+1))); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.MarkMessageRead("c1", "g2"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.DeleteMessage("c1", "g3"); err != nil {
		t.Fatal(err)
	}

	chat, _ := db.GetChat("c1")
	recomputed, err := db.RecomputeUnread("c1")
	if err != nil {
		t.Fatal(err)
	}
	if chat.UnreadCount != recomputed {
		t.Errorf("denormalized unread %d != recomputed %d", chat.UnreadCount, recomputed)
	}
	if recomputed != 2 {
		t.Errorf("recomputed = %d, want 2", recomputed)
	}
}

func TestClearHistoryPreservesWatermark(t *testing.T) {
	db := testDB(t)
	testChat(t, db, "c1")

	for i, g := range []string{"g1", "g2", "g3"} {
		if err := db.InsertMessage(incoming("c1", g, uint64(i+3))); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.AdvanceWatermark("c1", 4); err != nil {
		t.Fatal(err)
	}

	wm, err := db.ClearHistory("c1")
	if err != nil {
		t.Fatal(err)
	}
	if wm != 5 {
		t.Errorf("watermark after clear = %d, want 5 (max seq)", wm)
	}

	count, _ := db.MessageCount("c1")
	if count != 0 {
		t.Errorf("message count = %d after clear, want 0", count)
	}
	chat, _ := db.GetChat("c1")
	if chat.UnreadCount != 0 {
		t.Errorf("unread = %d after clear, want 0", chat.UnreadCount)
	}
	if chat.Watermark != 5 {
		t.Errorf("persisted watermark = %d, want 5", chat.Watermark)
	}
}

func TestListMessagesKeysetOrder(t *testing.T) {
	db := testDB(t)
	testChat(t, db, "c1")

	for i, g := range []string{"g1", "g2", "g3"} {
		if err := db.InsertMessage(incoming("c1", g, uint64(i+1))); err != nil {
			t.Fatal(err)
		}
	}
	msgs, err := db.ListMessages("c1", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Guid != "g3" || msgs[1].Guid != "g2" {
		t.Errorf("page = %v, want [g3 g2]", msgs)
	}

	older, err := db.ListMessages("c1", msgs[1].ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 1 || older[0].Guid != "g1" {
		t.Errorf("older page = %v, want [g1]", older)
	}
}
