package engine

import "errors"

var (
	// ErrUnknownChat is returned for operations referencing a chat not
	// present locally. Fatal to that operation only.
	ErrUnknownChat = errors.New("unknown chat")

	// ErrUnknownSender is returned when a message references a roster
	// member not yet synced. The record is parked and retried after the
	// next roster pass; not surfaced to the user.
	ErrUnknownSender = errors.New("unknown sender")

	// ErrStoreCorruption is returned when a transaction invariant is
	// violated. A hard failure: the affected chat needs a full resync.
	ErrStoreCorruption = errors.New("store corruption")
)
