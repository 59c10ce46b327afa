// Package cursor tracks the last mediator-acknowledged sequence marker per
// chat and drives incremental catch-up after reconnect.
package cursor

import (
	"fmt"

	"github.com/mimir-im/mimir/internal/store"
	"go.uber.org/zap"
)

// Cursor is the only writer of the per-chat watermark.
type Cursor struct {
	db     *store.DB
	logger *zap.Logger
}

// New creates a cursor over the shared store.
func New(db *store.DB, logger *zap.Logger) *Cursor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cursor{db: db, logger: logger}
}

// Watermark returns the persisted watermark for a chat.
func (c *Cursor) Watermark(chatID string) (uint64, error) {
	return c.db.Watermark(chatID)
}

// Advance moves the watermark to max(current, seq). Markers at or below
// the watermark are no-ops, so batches may arrive out of order.
func (c *Cursor) Advance(chatID string, seq uint64) error {
	if seq == 0 {
		return nil
	}
	return c.db.AdvanceWatermark(chatID, seq)
}

// RequestRange resolves the marker to hand the mediator in a "give me
// everything after N" pull. When no watermark was ever persisted (cold
// start after reinstall) it derives one from the highest marker in the
// local message set and persists it, falling back to zero for a full
// resync.
func (c *Cursor) RequestRange(chatID string) (uint64, error) {
	wm, err := c.db.Watermark(chatID)
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	if wm > 0 {
		return wm, nil
	}

	derived, err := c.db.MaxSeq(chatID)
	if err != nil {
		return 0, fmt.Errorf("derive watermark: %w", err)
	}
	if derived == 0 {
		return 0, nil
	}
	if err := c.db.AdvanceWatermark(chatID, derived); err != nil {
		return 0, fmt.Errorf("persist derived watermark: %w", err)
	}
	c.logger.Info("derived watermark from local messages",
		zap.String("chat", chatID), zap.Uint64("watermark", derived))
	return derived, nil
}
