package roster

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/mimir-im/mimir/internal/store"
)

func testReconciler(t *testing.T, avatars AvatarSink) (*Reconciler, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.CreateChat(&store.Chat{ID: "c1", Name: "Test", MediatorPubkey: []byte("med")}); err != nil {
		t.Fatal(err)
	}
	return New(db, nil, avatars, nil), db
}

type fakeAvatarSink struct {
	calls int
	fail  bool
}

func (s *fakeAvatarSink) StoreAvatar(chatID string, pubkey, data []byte) (string, error) {
	s.calls++
	if s.fail {
		return "", errors.New("sink down")
	}
	return fmt.Sprintf("avatar://%s/%d", chatID, s.calls), nil
}

func TestApplyMemberUpdateReactivation(t *testing.T) {
	r, db := testReconciler(t, nil)
	pk := []byte("alice")

	if _, err := r.ApplyMemberUpdate("c1", pk, "Alice", nil); err != nil {
		t.Fatal(err)
	}
	if err := r.MarkGone("c1", pk); err != nil {
		t.Fatal(err)
	}
	// Re-join twice: one row, gone=false, both times.
	for i := 0; i < 2; i++ {
		if _, err := r.ApplyMemberUpdate("c1", pk, "Alice", nil); err != nil {
			t.Fatal(err)
		}
	}

	members, err := db.ListMembers("c1", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0].Gone {
		t.Errorf("roster = %+v, want one active row", members)
	}
}

func TestApplyMemberUpdateAvatarSink(t *testing.T) {
	sink := &fakeAvatarSink{}
	r, _ := testReconciler(t, sink)

	ref, err := r.ApplyMemberUpdate("c1", []byte("a"), "A", []byte{0xff, 0xd8})
	if err != nil {
		t.Fatal(err)
	}
	if ref == "" || sink.calls != 1 {
		t.Errorf("ref = %q calls = %d, want stored once", ref, sink.calls)
	}

	// Sink failure must not fail the roster update.
	sink.fail = true
	ref, err = r.ApplyMemberUpdate("c1", []byte("b"), "B", []byte{0xff, 0xd8})
	if err != nil {
		t.Fatal(err)
	}
	if ref != "" {
		t.Errorf("ref = %q on sink failure, want empty", ref)
	}
}

func TestApplySystemEventMemberLifecycle(t *testing.T) {
	r, db := testReconciler(t, nil)
	pk := []byte("bob")

	if _, err := r.ApplySystemEvent("c1", &SystemEvent{Type: EventMemberJoined, Target: pk, Nickname: "Bob"}); err != nil {
		t.Fatal(err)
	}
	m, _ := db.GetMember("c1", pk)
	if m == nil || m.Gone {
		t.Fatalf("member after join = %v, want active", m)
	}

	if _, err := r.ApplySystemEvent("c1", &SystemEvent{Type: EventMemberBanned, Target: pk}); err != nil {
		t.Fatal(err)
	}
	m, _ = db.GetMember("c1", pk)
	if !m.Banned || !m.Gone {
		t.Errorf("member after ban = %+v, want banned+gone", m)
	}

	if _, err := r.ApplySystemEvent("c1", &SystemEvent{Type: EventMemberUnbanned, Target: pk}); err != nil {
		t.Fatal(err)
	}
	m, _ = db.GetMember("c1", pk)
	if m.Banned {
		t.Error("member still banned after unban")
	}

	if _, err := r.ApplySystemEvent("c1", &SystemEvent{Type: EventMemberLeft, Target: pk}); err != nil {
		t.Fatal(err)
	}
	m, _ = db.GetMember("c1", pk)
	if !m.Gone {
		t.Error("member not gone after leave")
	}
}

func TestApplySystemEventEffects(t *testing.T) {
	r, db := testReconciler(t, nil)

	eff, err := r.ApplySystemEvent("c1", &SystemEvent{Type: EventChatDeleted})
	if err != nil {
		t.Fatal(err)
	}
	if !eff.DeleteChat {
		t.Error("chat-deleted event should demand chat teardown")
	}

	eff, err = r.ApplySystemEvent("c1", &SystemEvent{Type: EventMessageDeleted, TargetGuid: "g1"})
	if err != nil {
		t.Fatal(err)
	}
	if eff.DeleteMessageGuid != "g1" {
		t.Errorf("effect guid = %q, want g1", eff.DeleteMessageGuid)
	}

	if _, err := r.ApplySystemEvent("c1", &SystemEvent{Type: EventChatInfoChanged, ChatName: "Renamed"}); err != nil {
		t.Fatal(err)
	}
	chat, _ := db.GetChat("c1")
	if chat.Name != "Renamed" {
		t.Errorf("chat name = %q, want Renamed", chat.Name)
	}

	// Unknown event types are ignored, never an error.
	if _, err := r.ApplySystemEvent("c1", &SystemEvent{Type: "future-thing"}); err != nil {
		t.Errorf("unknown event type = %v, want nil", err)
	}
}

func TestApplySystemEventPermissionChange(t *testing.T) {
	r, db := testReconciler(t, nil)
	pk := []byte("mod")

	if _, err := r.ApplyMemberUpdate("c1", pk, "Mod", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ApplySystemEvent("c1", &SystemEvent{Type: EventPermissionChanged, Target: pk, Permissions: 3, Online: true}); err != nil {
		t.Fatal(err)
	}
	m, _ := db.GetMember("c1", pk)
	if m.Permissions != 3 || !m.Online {
		t.Errorf("member = %+v, want permissions=3 online", m)
	}
}

func TestDisplayNameFallback(t *testing.T) {
	r, _ := testReconciler(t, nil)
	pk := []byte("carol-key")

	if _, err := r.ApplyMemberUpdate("c1", pk, "Carol", nil); err != nil {
		t.Fatal(err)
	}
	if got := r.DisplayName("c1", pk); got != "Carol" {
		t.Errorf("display name = %q, want Carol", got)
	}

	unknown := []byte("stranger-key-bytes")
	got := r.DisplayName("c1", unknown)
	if len(got) != 12 {
		t.Errorf("fallback = %q, want 12-char identity prefix", got)
	}
}
