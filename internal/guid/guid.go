// Package guid generates client-chosen message identifiers.
//
// A guid is a fingerprint of the message bytes mixed with the send time.
// It only needs to be unique within one chat by accident-avoidance, not
// adversarially unguessable: the mediator resolves the rare collision by
// handing back a replacement identifier, and the mirror rekeys the row.
package guid

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

// New derives a guid from the message payload and a unix-milli timestamp.
func New(payload []byte, timestamp int64) string {
	h := fnv.New64a()
	_, _ = h.Write(payload)
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(timestamp))
	_, _ = h.Write(ts[:])
	return fmt.Sprintf("%016x", h.Sum64())
}
