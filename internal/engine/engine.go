// Package engine is the write-side entry point of the sync core. It wires
// the mirror, roster reconciler, sync cursor and outbox behind the surface
// the transport collaborator drives, serializing writes per chat so the
// mirror -> roster -> cursor -> outbox pipeline stays causally ordered.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mimir-im/mimir/internal/bus"
	"github.com/mimir-im/mimir/internal/cursor"
	"github.com/mimir-im/mimir/internal/guid"
	"github.com/mimir-im/mimir/internal/mirror"
	"github.com/mimir-im/mimir/internal/outbox"
	"github.com/mimir-im/mimir/internal/roster"
	"github.com/mimir-im/mimir/internal/store"
	"github.com/mimir-im/mimir/internal/transport"
	"go.uber.org/zap"
)

// retryBufferCap bounds the per-chat buffer of records waiting for their
// sender's roster entry. Oldest records drop first; the watermark has not
// advanced past them, so a re-pull recovers anything dropped.
const retryBufferCap = 256

// Engine implements the inbound surface driven by the connection-handling
// collaborator and the local send path driven by the application.
type Engine struct {
	db        *store.DB
	mirror    *mirror.Mirror
	roster    *roster.Reconciler
	cursor    *cursor.Cursor
	outbox    *outbox.Replayer
	submitter transport.Submitter
	bus       *bus.Bus
	logger    *zap.Logger
	localPub  []byte

	mu     sync.Mutex
	chats  map[string]*sync.Mutex
	parked map[string][]*mirror.Record
}

// New creates an engine. submitter may be nil; every send then goes
// straight to the outbox.
func New(db *store.DB, m *mirror.Mirror, r *roster.Reconciler, c *cursor.Cursor, o *outbox.Replayer, submitter transport.Submitter, b *bus.Bus, localPub []byte, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:        db,
		mirror:    m,
		roster:    r,
		cursor:    c,
		outbox:    o,
		submitter: submitter,
		bus:       b,
		logger:    logger,
		localPub:  localPub,
		chats:     make(map[string]*sync.Mutex),
		parked:    make(map[string][]*mirror.Record),
	}
}

// chatLock returns the mutex serializing writes for one chat. Writes to
// different chats proceed concurrently.
func (e *Engine) chatLock(chatID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.chats[chatID]
	if !ok {
		l = &sync.Mutex{}
		e.chats[chatID] = l
	}
	return l
}

// OnMessage ingests one decrypted mediator record. Records authored by the
// chat's mediator identity are system events; everything else must resolve
// its sender in the roster or the record is parked until the next roster
// pass for the chat.
func (e *Engine) OnMessage(rec *mirror.Record) error {
	l := e.chatLock(rec.ChatID)
	l.Lock()
	defer l.Unlock()
	return e.ingestLocked(rec)
}

func (e *Engine) ingestLocked(rec *mirror.Record) error {
	chat, err := e.db.GetChat(rec.ChatID)
	if err != nil {
		return fmt.Errorf("load chat: %w", err)
	}
	if chat == nil {
		return fmt.Errorf("ingest %s: %w", rec.ChatID, ErrUnknownChat)
	}

	if bytes.Equal(rec.SenderPubkey, chat.MediatorPubkey) {
		return e.ingestSystemLocked(chat, rec)
	}

	if !bytes.Equal(rec.SenderPubkey, e.localPub) {
		member, err := e.db.GetMember(rec.ChatID, rec.SenderPubkey)
		if err != nil {
			return fmt.Errorf("resolve sender: %w", err)
		}
		if member == nil {
			e.park(rec)
			return fmt.Errorf("ingest %s: %w", rec.Guid, ErrUnknownSender)
		}
	}

	if _, err := e.mirror.IngestRemote(rec); err != nil {
		return err
	}
	if err := e.cursor.Advance(rec.ChatID, rec.Seq); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// ingestSystemLocked decodes and applies a mediator-authored record.
// Invisible events (message-deleted) leave no system row; everything else
// is mirrored as a kind=system message so history shows the transition.
func (e *Engine) ingestSystemLocked(chat *store.Chat, rec *mirror.Record) error {
	var ev roster.SystemEvent
	if err := json.Unmarshal(rec.Payload, &ev); err != nil {
		return fmt.Errorf("decode system event: %w", err)
	}

	effect, err := e.roster.ApplySystemEvent(rec.ChatID, &ev)
	if err != nil {
		return fmt.Errorf("apply system event: %w", err)
	}

	switch {
	case effect.DeleteChat:
		if err := e.db.DeleteChat(rec.ChatID); err != nil {
			return fmt.Errorf("delete chat: %w", err)
		}
		e.publish(bus.KindChatDeleted, bus.ChatRef{ChatID: rec.ChatID})
		return nil
	case effect.DeleteMessageGuid != "":
		if err := e.mirror.DeleteByGuid(rec.ChatID, effect.DeleteMessageGuid); err != nil {
			return err
		}
	default:
		sys := *rec
		sys.Kind = store.KindSystem
		if _, err := e.mirror.IngestRemote(&sys); err != nil {
			return err
		}
	}

	if err := e.cursor.Advance(rec.ChatID, rec.Seq); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	e.replayParked(rec.ChatID)
	return nil
}

// OnMemberEvent applies a member update from the transport collaborator
// and retries any records that were waiting for this chat's roster.
func (e *Engine) OnMemberEvent(chatID string, pubkey []byte, nickname string, avatar []byte) (string, error) {
	l := e.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	chat, err := e.db.GetChat(chatID)
	if err != nil {
		return "", fmt.Errorf("load chat: %w", err)
	}
	if chat == nil {
		return "", fmt.Errorf("member event %s: %w", chatID, ErrUnknownChat)
	}

	ref, err := e.roster.ApplyMemberUpdate(chatID, pubkey, nickname, avatar)
	if err != nil {
		return "", err
	}
	e.replayParked(chatID)
	return ref, nil
}

// OnSystemEvent applies an already-decoded system event.
func (e *Engine) OnSystemEvent(chatID string, ev *roster.SystemEvent) error {
	l := e.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	chat, err := e.db.GetChat(chatID)
	if err != nil {
		return fmt.Errorf("load chat: %w", err)
	}
	if chat == nil {
		return fmt.Errorf("system event %s: %w", chatID, ErrUnknownChat)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode system event: %w", err)
	}
	rec := &mirror.Record{
		ChatID:       chatID,
		Guid:         guid.New(payload, time.Now().UnixMilli()),
		SenderPubkey: chat.MediatorPubkey,
		Timestamp:    time.Now().UnixMilli(),
		Kind:         store.KindSystem,
		Payload:      payload,
	}
	return e.ingestSystemLocked(chat, rec)
}

// OnRosterSnapshot applies an authoritative member list after a full
// roster pull.
func (e *Engine) OnRosterSnapshot(chatID string, members []store.RosterEntry) error {
	l := e.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	if err := e.roster.ReconcileAll(chatID, members); err != nil {
		return err
	}
	e.replayParked(chatID)
	return nil
}

// OnAck resolves an outbox operation once the mediator or peer confirms
// it: the local row gets its sequence marker, the watermark advances, and
// the queued operation is removed.
func (e *Engine) OnAck(target, msgGuid string, seq uint64) error {
	l := e.chatLock(target)
	l.Lock()
	defer l.Unlock()

	if seq > 0 {
		if err := e.mirror.MarkDelivered(target, msgGuid, seq); err != nil {
			return err
		}
		if err := e.cursor.Advance(target, seq); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
	}
	if err := e.db.AckOutboxByGuid(target, msgGuid); err != nil {
		return fmt.Errorf("ack outbox: %w", err)
	}
	e.publish(bus.KindOutboxAcked, bus.MessageRef{ChatID: target, Guid: msgGuid})
	return nil
}

// OnRekey renames a message identity after the mediator rejected the
// client-chosen guid with a replacement.
func (e *Engine) OnRekey(chatID, oldGuid, newGuid string) error {
	l := e.chatLock(chatID)
	l.Lock()
	defer l.Unlock()
	return e.mirror.Rekey(chatID, oldGuid, newGuid)
}

// NextSyncRequest returns the watermark to build a "give me everything
// after N" pull for the chat.
func (e *Engine) NextSyncRequest(chatID string) (uint64, error) {
	wm, err := e.cursor.RequestRange(chatID)
	if err != nil {
		chat, lookupErr := e.db.GetChat(chatID)
		if lookupErr == nil && chat == nil {
			return 0, fmt.Errorf("sync request %s: %w", chatID, ErrUnknownChat)
		}
		return 0, err
	}
	return wm, nil
}

// DrainOutbox returns the pending operations for a target in replay order.
func (e *Engine) DrainOutbox(target string) ([]transport.PendingOperation, error) {
	return e.outbox.Drain(target)
}

func (e *Engine) park(rec *mirror.Record) {
	buf := e.appendParked(rec)
	e.logger.Debug("parked record awaiting roster",
		zap.String("chat", rec.ChatID), zap.String("guid", rec.Guid), zap.Int("parked", buf))
}

func (e *Engine) appendParked(rec *mirror.Record) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := e.parked[rec.ChatID]
	if len(buf) >= retryBufferCap {
		buf = buf[1:]
	}
	buf = append(buf, rec)
	e.parked[rec.ChatID] = buf
	return len(buf)
}

// replayParked re-ingests records that failed with UnknownSender. Records
// whose sender is still unknown are parked again by the failed ingest.
func (e *Engine) replayParked(chatID string) {
	e.mu.Lock()
	buf := e.parked[chatID]
	delete(e.parked, chatID)
	e.mu.Unlock()

	for _, rec := range buf {
		if err := e.ingestLocked(rec); err != nil {
			e.logger.Debug("parked record still not ingestable",
				zap.String("chat", chatID), zap.String("guid", rec.Guid), zap.Error(err))
		}
	}
}

func (e *Engine) publish(kind string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// SendMessage appends an outgoing message and attempts direct submission,
// falling back to the outbox when the transport is down or the send fails.
// Returns the message guid; the message shows as pending until an ack
// attaches its sequence marker.
func (e *Engine) SendMessage(ctx context.Context, chatID, kind string, payload []byte, replyTo string) (string, error) {
	l := e.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	chat, err := e.db.GetChat(chatID)
	if err != nil {
		return "", fmt.Errorf("load chat: %w", err)
	}
	if chat == nil {
		return "", fmt.Errorf("send %s: %w", chatID, ErrUnknownChat)
	}

	g := guid.New(payload, time.Now().UnixMilli())
	if err := e.mirror.AppendLocal(chatID, g, kind, payload, replyTo); err != nil {
		return "", err
	}

	op := transport.PendingOperation{
		OpID:    uuid.NewString(),
		Target:  chatID,
		Guid:    g,
		Op:      store.OpMessage,
		Payload: payload,
		ReplyTo: replyTo,
	}
	e.submitOrEnqueue(ctx, op)
	return g, nil
}

// SendReaction applies a reaction locally and submits or queues it.
func (e *Engine) SendReaction(ctx context.Context, chatID, targetGuid, emoji string, remove bool) error {
	l := e.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	chat, err := e.db.GetChat(chatID)
	if err != nil {
		return fmt.Errorf("load chat: %w", err)
	}
	if chat == nil {
		return fmt.Errorf("react %s: %w", chatID, ErrUnknownChat)
	}

	if err := e.mirror.ApplyReaction(chatID, targetGuid, e.localPub, emoji, remove); err != nil {
		return err
	}

	opKind := store.OpReactionAdd
	if remove {
		opKind = store.OpReactionRemove
	}
	e.submitOrEnqueue(ctx, transport.PendingOperation{
		OpID:   uuid.NewString(),
		Target: chatID,
		Guid:   targetGuid,
		Op:     opKind,
		Emoji:  emoji,
	})
	return nil
}

func (e *Engine) submitOrEnqueue(ctx context.Context, op transport.PendingOperation) {
	if e.submitter != nil {
		seq, err := e.submitter.Submit(ctx, op)
		if err == nil {
			if op.Op == store.OpMessage && seq > 0 {
				if err := e.mirror.MarkDelivered(op.Target, op.Guid, seq); err != nil {
					e.logger.Error("failed to mark delivered", zap.String("guid", op.Guid), zap.Error(err))
				}
				if err := e.cursor.Advance(op.Target, seq); err != nil {
					e.logger.Error("failed to advance watermark", zap.String("chat", op.Target), zap.Error(err))
				}
			}
			return
		}
		e.logger.Info("direct send failed, queueing",
			zap.String("target", op.Target), zap.String("guid", op.Guid), zap.Error(err))
	}
	if err := e.outbox.Enqueue(&store.OutboxEntry{
		OpID:    op.OpID,
		Target:  op.Target,
		Guid:    op.Guid,
		Op:      op.Op,
		Payload: op.Payload,
		Emoji:   op.Emoji,
		ReplyTo: op.ReplyTo,
	}); err != nil {
		e.logger.Error("failed to enqueue operation",
			zap.String("target", op.Target), zap.String("guid", op.Guid), zap.Error(err))
	}
}
