package engine

import (
	"errors"
	"fmt"

	"github.com/mimir-im/mimir/internal/bus"
	"github.com/mimir-im/mimir/internal/store"
	"go.uber.org/zap"
)

// CreateChat registers a joined or newly created chat and seeds the roster
// with the local identity so own messages resolve a sender.
func (e *Engine) CreateChat(chatID, name string, mediatorPubkey, sharedKey []byte) error {
	l := e.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	if err := e.db.CreateChat(&store.Chat{
		ID:             chatID,
		Name:           name,
		MediatorPubkey: mediatorPubkey,
		SharedKey:      sharedKey,
	}); err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	if _, err := e.roster.ApplyMemberUpdate(chatID, e.localPub, "", nil); err != nil {
		return fmt.Errorf("seed roster: %w", err)
	}
	return nil
}

// LeaveChat destroys the local replica of a chat: messages, roster,
// reactions, queued operations and the chat row go in one transaction.
func (e *Engine) LeaveChat(chatID string) error {
	l := e.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	if err := e.db.DeleteChat(chatID); err != nil {
		return fmt.Errorf("leave chat: %w", err)
	}
	e.publish(bus.KindChatDeleted, bus.ChatRef{ChatID: chatID})
	return nil
}

// ClearHistory removes all messages while keeping the sync position: the
// watermark rolls forward to the highest marker seen, so cleared history
// is not re-downloaded. Local deletion is a presentation operation, not a
// resynchronization request.
func (e *Engine) ClearHistory(chatID string) error {
	l := e.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	wm, err := e.db.ClearHistory(chatID)
	if err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	e.publish(bus.KindChatCleared, bus.ChatRef{ChatID: chatID})
	e.publish(bus.KindUnreadChanged, bus.UnreadChange{ChatID: chatID})
	e.logger.Info("history cleared", zap.String("chat", chatID), zap.Uint64("watermark", wm))
	return nil
}

// MarkChatRead marks everything in the chat read and zeroes the unread
// counter.
func (e *Engine) MarkChatRead(chatID string) error {
	l := e.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	if err := e.db.MarkChatRead(chatID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	e.publish(bus.KindUnreadChanged, bus.UnreadChange{ChatID: chatID})
	return nil
}

// SetMuted toggles notification muting for a chat.
func (e *Engine) SetMuted(chatID string, muted bool) error {
	return e.db.SetMuted(chatID, muted)
}

// VerifyChat recomputes the unread counter from scratch and compares it to
// the denormalized value. A mismatch means the replica broke an invariant;
// the caller should trigger a full resync of the chat.
func (e *Engine) VerifyChat(chatID string) error {
	l := e.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	chat, err := e.db.GetChat(chatID)
	if err != nil {
		return fmt.Errorf("load chat: %w", err)
	}
	if chat == nil {
		return fmt.Errorf("verify %s: %w", chatID, ErrUnknownChat)
	}

	recomputed, err := e.db.RecomputeUnread(chatID)
	if err != nil {
		return fmt.Errorf("recompute unread: %w", err)
	}
	if recomputed != chat.UnreadCount {
		e.publish(bus.KindChatResync, bus.ChatRef{ChatID: chatID})
		return fmt.Errorf("unread counter %d != recount %d in chat %s: %w",
			chat.UnreadCount, recomputed, chatID, ErrStoreCorruption)
	}
	return nil
}

// IsCorruption reports whether err demands a full resync.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrStoreCorruption)
}
