package store

// Message direction values.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Message kind values. The payload is opaque ciphertext-derived bytes for
// text/media; system payloads are mediator-authored event records and
// reaction payloads are reaction ops.
const (
	KindText     = "text"
	KindMedia    = "media"
	KindSystem   = "system"
	KindReaction = "reaction"
)

// Outbox operation values.
const (
	OpMessage        = "message"
	OpReactionAdd    = "reaction_add"
	OpReactionRemove = "reaction_remove"
)

// Chat is the per-conversation metadata row. Watermark is the highest
// mediator sequence marker fully applied to the local mirror.
type Chat struct {
	ID             string
	Name           string
	MediatorPubkey []byte
	SharedKey      []byte
	Watermark      uint64
	UnreadCount    int64
	Muted          bool
	CreatedAt      int64
	UpdatedAt      int64
}

// Message is one mirrored message row. Guid is the client-generated
// identity; Seq is the mediator-assigned total-order marker, 0 until the
// mediator acknowledges the message.
type Message struct {
	ID           int64
	ChatID       string
	Guid         string
	Seq          uint64
	SenderPubkey []byte
	Direction    string
	Timestamp    int64
	Kind         string
	Payload      []byte
	Delivered    bool
	Read         bool
	ReplyTo      string
	CreatedAt    int64
}

// RosterEntry is one known member of a chat. Rows are never physically
// removed while messages reference them; removal sets Gone instead.
type RosterEntry struct {
	ID          int64
	ChatID      string
	Pubkey      []byte
	Nickname    string
	Permissions int64
	JoinedAt    int64
	UpdatedAt   int64
	Banned      bool
	Online      bool
	LastSeen    int64
	Gone        bool
}

// Reaction is one emoji reaction, idempotent per
// (chat, message guid, sender, emoji).
type Reaction struct {
	ID           int64
	ChatID       string
	MessageGuid  string
	SenderPubkey []byte
	Emoji        string
	CreatedAt    int64
}

// OutboxEntry is a local operation awaiting mediator/peer acknowledgment.
// Target is a chat id for group operations or a peer pubkey (hex) for
// direct ones.
type OutboxEntry struct {
	ID         int64
	OpID       string
	Target     string
	Guid       string
	Op         string
	Payload    []byte
	Emoji      string
	ReplyTo    string
	EnqueuedAt int64
}
