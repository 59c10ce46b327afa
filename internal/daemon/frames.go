package daemon

import "encoding/json"

// Frame is the envelope for every line on the transport bridge socket.
// Payload bytes ([]byte fields) travel base64-encoded, which keeps the
// bridge oblivious to what the crypto collaborator put in them.
type Frame struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Frame types spoken on the bridge. The transport collaborator sends
// message/member/system/roster/ack/rekey/sync_request/submit_result;
// the daemon sends sync_range/submit/error.
const (
	frameMessage      = "message"
	frameMember       = "member"
	frameSystem       = "system"
	frameRoster       = "roster"
	frameAck          = "ack"
	frameRekey        = "rekey"
	frameSyncRequest  = "sync_request"
	frameSyncRange    = "sync_range"
	frameSubmit       = "submit"
	frameSubmitResult = "submit_result"
	frameError        = "error"
)

type messageBody struct {
	ChatID    string `json:"chat_id"`
	Seq       uint64 `json:"seq,omitempty"`
	Guid      string `json:"guid"`
	Sender    []byte `json:"sender"`
	Timestamp int64  `json:"timestamp"`
	Kind      string `json:"kind"`
	Payload   []byte `json:"payload"`
	ReplyTo   string `json:"reply_to,omitempty"`
}

type memberBody struct {
	ChatID   string `json:"chat_id"`
	Pubkey   []byte `json:"pubkey"`
	Nickname string `json:"nickname,omitempty"`
	Avatar   []byte `json:"avatar,omitempty"`
}

type systemBody struct {
	ChatID      string `json:"chat_id"`
	Event       string `json:"event"`
	Actor       []byte `json:"actor,omitempty"`
	Target      []byte `json:"target,omitempty"`
	Permissions int64  `json:"permissions,omitempty"`
	Online      bool   `json:"online,omitempty"`
	Nickname    string `json:"nickname,omitempty"`
	ChatName    string `json:"chat_name,omitempty"`
	TargetGuid  string `json:"target_guid,omitempty"`
}

type rosterBody struct {
	ChatID  string             `json:"chat_id"`
	Members []rosterMemberBody `json:"members"`
}

type rosterMemberBody struct {
	Pubkey      []byte `json:"pubkey"`
	Nickname    string `json:"nickname,omitempty"`
	Permissions int64  `json:"permissions,omitempty"`
	Online      bool   `json:"online,omitempty"`
	LastSeen    int64  `json:"last_seen,omitempty"`
	Banned      bool   `json:"banned,omitempty"`
}

type ackBody struct {
	Target string `json:"target"`
	Guid   string `json:"guid"`
	Seq    uint64 `json:"seq,omitempty"`
}

type rekeyBody struct {
	ChatID  string `json:"chat_id"`
	OldGuid string `json:"old_guid"`
	NewGuid string `json:"new_guid"`
}

type syncRequestBody struct {
	ChatID string `json:"chat_id"`
}

type syncRangeBody struct {
	ChatID string `json:"chat_id"`
	From   uint64 `json:"from"`
}

type submitBody struct {
	Target  string `json:"target"`
	Guid    string `json:"guid"`
	Op      string `json:"op"`
	Payload []byte `json:"payload,omitempty"`
	Emoji   string `json:"emoji,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`
}

type submitResultBody struct {
	Seq   uint64 `json:"seq,omitempty"`
	Error string `json:"error,omitempty"`
}

type errorBody struct {
	Message string `json:"message"`
}
