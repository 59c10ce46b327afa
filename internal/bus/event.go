package bus

import "time"

// Event represents a mirror change event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds emitted by the engine. Subscribers filter by prefix, e.g.
// "message." for all message changes or "chat.unread_changed" for exactly
// one kind.
const (
	KindMessageInserted = "message.inserted"
	KindMessageAttached = "message.attached"
	KindMessageDeleted  = "message.deleted"
	KindMessageRekeyed  = "message.rekeyed"
	KindRosterChanged   = "roster.changed"
	KindUnreadChanged   = "chat.unread_changed"
	KindChatCleared     = "chat.cleared"
	KindChatDeleted     = "chat.deleted"
	KindChatResync      = "chat.resync_needed"
	KindOutboxEnqueued  = "outbox.enqueued"
	KindOutboxAcked     = "outbox.acked"
)

// ChatRef identifies one chat in payloads.
type ChatRef struct {
	ChatID string
}

// MessageRef identifies one message in payloads.
type MessageRef struct {
	ChatID string
	Guid   string
}

// RekeyRef carries both identities of a renamed message.
type RekeyRef struct {
	ChatID  string
	OldGuid string
	NewGuid string
}

// UnreadChange carries the new unread counter for a chat.
type UnreadChange struct {
	ChatID string
	Unread int64
}
