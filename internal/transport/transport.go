// Package transport declares the surface between the sync engine and the
// connection-handling collaborator. The engine performs no network I/O
// itself; the collaborator locates peers and mediators, holds the session,
// and seals/unseals payloads before they reach the engine.
package transport

import "context"

// PendingOperation is one queued local operation handed to the transport
// for submission.
type PendingOperation struct {
	OpID    string
	Target  string
	Guid    string
	Op      string
	Payload []byte
	Emoji   string
	ReplyTo string
}

// Submitter submits a single operation to the mediator or peer and blocks
// until it is confirmed. For message operations the returned seq is the
// mediator-assigned sequence marker; reaction confirmations return 0.
type Submitter interface {
	Submit(ctx context.Context, op PendingOperation) (seq uint64, err error)
}
