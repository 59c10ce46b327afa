// Package mirror maintains the durable per-chat message log: idempotent
// ingestion of mediator records, local appends awaiting acknowledgment,
// guid rekeying and deletion with unread accounting.
package mirror

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mimir-im/mimir/internal/bus"
	"github.com/mimir-im/mimir/internal/store"
	"go.uber.org/zap"
)

// Outcome describes what ingesting a remote record did.
type Outcome int

const (
	// OutcomeInserted means a new message row was created.
	OutcomeInserted Outcome = iota
	// OutcomeAttached means the record matched an existing guid and the
	// sequence marker was attached to that row.
	OutcomeAttached
	// OutcomeDuplicate means the record matched an existing row that
	// already carries a marker; nothing changed.
	OutcomeDuplicate
	// OutcomeReaction means the record was a reaction op applied to the
	// reactions table; no message row was created.
	OutcomeReaction
)

// Record is a decrypted mediator record ready for ingestion.
type Record struct {
	ChatID       string
	Seq          uint64
	Guid         string
	SenderPubkey []byte
	Timestamp    int64
	Kind         string
	Payload      []byte
	ReplyTo      string
}

// ReactionOp is the payload of a kind=reaction record.
type ReactionOp struct {
	TargetGuid string `json:"target"`
	Emoji      string `json:"emoji"`
	Remove     bool   `json:"remove,omitempty"`
}

// Mirror owns all message-row writes for the local replica.
type Mirror struct {
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	localPub []byte
}

// New creates a mirror. localPub is this device's identity; records it
// authored come back from the mediator as outgoing rows.
func New(db *store.DB, b *bus.Bus, localPub []byte, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{db: db, bus: b, localPub: localPub, logger: logger}
}

// IngestRemote applies one mediator record. Ingestion is idempotent on
// guid: a record whose guid already exists attaches its sequence marker to
// the existing row instead of inserting a duplicate, so retransmission is
// always safe.
func (m *Mirror) IngestRemote(rec *Record) (Outcome, error) {
	if rec.Kind == store.KindReaction {
		return m.ingestReaction(rec)
	}

	existing, err := m.db.GetMessageByGuid(rec.ChatID, rec.Guid)
	if err != nil {
		return 0, fmt.Errorf("lookup guid: %w", err)
	}
	if existing != nil {
		if rec.Seq == 0 || existing.Seq != 0 {
			return OutcomeDuplicate, nil
		}
		if err := m.db.AttachSeq(rec.ChatID, rec.Guid, rec.Seq); err != nil {
			return 0, fmt.Errorf("attach seq: %w", err)
		}
		m.publish(bus.KindMessageAttached, bus.MessageRef{ChatID: rec.ChatID, Guid: rec.Guid})
		return OutcomeAttached, nil
	}

	msg := &store.Message{
		ChatID:       rec.ChatID,
		Guid:         rec.Guid,
		Seq:          rec.Seq,
		SenderPubkey: rec.SenderPubkey,
		Direction:    store.DirectionIncoming,
		Timestamp:    rec.Timestamp,
		Kind:         rec.Kind,
		Payload:      rec.Payload,
		Delivered:    true,
		ReplyTo:      rec.ReplyTo,
	}
	if bytes.Equal(rec.SenderPubkey, m.localPub) {
		// Our own message echoed back under a guid we no longer hold
		// (e.g. sent from before a history clear).
		msg.Direction = store.DirectionOutgoing
		msg.Read = true
	}
	if err := m.db.InsertMessage(msg); err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	m.publish(bus.KindMessageInserted, bus.MessageRef{ChatID: rec.ChatID, Guid: rec.Guid})
	m.publishUnread(rec.ChatID)
	return OutcomeInserted, nil
}

func (m *Mirror) ingestReaction(rec *Record) (Outcome, error) {
	var op ReactionOp
	if err := json.Unmarshal(rec.Payload, &op); err != nil {
		return 0, fmt.Errorf("decode reaction op: %w", err)
	}
	if err := m.ApplyReaction(rec.ChatID, op.TargetGuid, rec.SenderPubkey, op.Emoji, op.Remove); err != nil {
		return 0, err
	}
	return OutcomeReaction, nil
}

// ApplyReaction adds or removes a reaction. Naturally idempotent per
// (guid, sender, emoji), so replays are safe in either direction.
func (m *Mirror) ApplyReaction(chatID, targetGuid string, sender []byte, emoji string, remove bool) error {
	if remove {
		if err := m.db.RemoveReaction(chatID, targetGuid, sender, emoji); err != nil {
			return fmt.Errorf("remove reaction: %w", err)
		}
	} else {
		if err := m.db.AddReaction(chatID, targetGuid, sender, emoji); err != nil {
			return fmt.Errorf("add reaction: %w", err)
		}
	}
	m.publish(bus.KindMessageAttached, bus.MessageRef{ChatID: chatID, Guid: targetGuid})
	return nil
}

// AppendLocal inserts an outgoing message that has not been acknowledged
// yet. It carries no sequence marker and shows as pending until the
// mediator confirms.
func (m *Mirror) AppendLocal(chatID, guid, kind string, payload []byte, replyTo string) error {
	msg := &store.Message{
		ChatID:       chatID,
		Guid:         guid,
		SenderPubkey: m.localPub,
		Direction:    store.DirectionOutgoing,
		Timestamp:    time.Now().UnixMilli(),
		Kind:         kind,
		Payload:      payload,
		Read:         true,
		ReplyTo:      replyTo,
	}
	if err := m.db.InsertMessage(msg); err != nil {
		return fmt.Errorf("append local: %w", err)
	}
	m.publish(bus.KindMessageInserted, bus.MessageRef{ChatID: chatID, Guid: guid})
	return nil
}

// MarkDelivered attaches the mediator marker to a locally-sent message
// once acknowledged.
func (m *Mirror) MarkDelivered(chatID, guid string, seq uint64) error {
	if err := m.db.AttachSeq(chatID, guid, seq); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	m.publish(bus.KindMessageAttached, bus.MessageRef{ChatID: chatID, Guid: guid})
	return nil
}

// Rekey renames a message identity after the mediator reports a guid
// collision, preserving flags and re-associating reactions, reply
// references and queued outbox operations.
func (m *Mirror) Rekey(chatID, oldGuid, newGuid string) error {
	if err := m.db.RekeyMessage(chatID, oldGuid, newGuid); err != nil {
		return fmt.Errorf("rekey: %w", err)
	}
	m.publish(bus.KindMessageRekeyed, bus.RekeyRef{ChatID: chatID, OldGuid: oldGuid, NewGuid: newGuid})
	return nil
}

// DeleteByGuid removes a message. Deleting an unknown guid is a no-op.
func (m *Mirror) DeleteByGuid(chatID, guid string) error {
	deleted, err := m.db.DeleteMessage(chatID, guid)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if deleted == nil {
		return nil
	}
	m.publish(bus.KindMessageDeleted, bus.MessageRef{ChatID: chatID, Guid: guid})
	if deleted.Direction == store.DirectionIncoming && !deleted.Read && deleted.Kind != store.KindSystem {
		m.publishUnread(chatID)
	}
	return nil
}

func (m *Mirror) publish(kind string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func (m *Mirror) publishUnread(chatID string) {
	if m.bus == nil {
		return
	}
	chat, err := m.db.GetChat(chatID)
	if err != nil || chat == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindUnreadChanged,
		Timestamp: time.Now(),
		Payload:   bus.UnreadChange{ChatID: chatID, Unread: chat.UnreadCount},
	})
}
