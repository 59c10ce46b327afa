// Package outbox queues operations performed while disconnected and
// replays them once connectivity returns. Entries are removed only after
// the remote side acknowledges, so a crash between submission and ack
// re-submits on the next pass; guid-based dedup on the mediator side makes
// the duplicate harmless.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mimir-im/mimir/internal/bus"
	"github.com/mimir-im/mimir/internal/cursor"
	"github.com/mimir-im/mimir/internal/mirror"
	"github.com/mimir-im/mimir/internal/store"
	"github.com/mimir-im/mimir/internal/transport"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by submitters while no transport session is
// up. Replay passes treat it as "try again later".
var ErrNotConnected = errors.New("transport not connected")

// Replayer drains the durable outbox through a transport submitter, one
// operation at a time in enqueue order, acking each entry only after the
// remote side confirms it.
type Replayer struct {
	db        *store.DB
	submitter transport.Submitter
	mirror    *mirror.Mirror
	cursor    *cursor.Cursor
	bus       *bus.Bus
	logger    *zap.Logger
	interval  time.Duration
	cancel    context.CancelFunc
}

// NewReplayer creates a replayer.
func NewReplayer(db *store.DB, submitter transport.Submitter, m *mirror.Mirror, c *cursor.Cursor, b *bus.Bus, logger *zap.Logger) *Replayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replayer{
		db:        db,
		submitter: submitter,
		mirror:    m,
		cursor:    c,
		bus:       b,
		logger:    logger,
		interval:  2 * time.Second,
	}
}

// Enqueue records an operation for later replay. Called when a direct send
// attempt fails or no connection exists; the direct path stays the default.
func (r *Replayer) Enqueue(e *store.OutboxEntry) error {
	if e.OpID == "" {
		e.OpID = uuid.NewString()
	}
	if err := r.db.EnqueueOutbox(e); err != nil {
		return err
	}
	r.publish(bus.KindOutboxEnqueued, bus.MessageRef{ChatID: e.Target, Guid: e.Guid})
	return nil
}

// Drain returns the queued operations for one target in FIFO order without
// removing them.
func (r *Replayer) Drain(target string) ([]transport.PendingOperation, error) {
	entries, err := r.db.DrainOutbox(target)
	if err != nil {
		return nil, err
	}
	ops := make([]transport.PendingOperation, 0, len(entries))
	for _, e := range entries {
		ops = append(ops, pendingOp(e))
	}
	return ops, nil
}

// Ack removes an entry once its operation is confirmed.
func (r *Replayer) Ack(opID string) error {
	if err := r.db.AckOutbox(opID); err != nil {
		return err
	}
	r.publish(bus.KindOutboxAcked, opID)
	return nil
}

// Start begins the background replay loop.
func (r *Replayer) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go r.loop(ctx)
}

// Stop stops the replay loop.
func (r *Replayer) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Replayer) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.ReplayAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ReplayAll replays every target with queued operations.
func (r *Replayer) ReplayAll(ctx context.Context) {
	targets, err := r.db.OutboxTargets()
	if err != nil {
		r.logger.Error("failed to read outbox targets", zap.Error(err))
		return
	}
	for _, target := range targets {
		if err := r.ReplayTarget(ctx, target); err != nil {
			if !errors.Is(err, ErrNotConnected) {
				r.logger.Warn("replay pass stopped",
					zap.String("target", target), zap.Error(err))
			}
			// Remaining entries stay queued for the next pass.
		}
	}
}

// ReplayTarget submits the target's queued operations one at a time in
// enqueue order. FIFO matters: a queued reaction-remove must not overtake
// the reaction-add it undoes. The pass stops at the first failure, leaving
// that entry and everything behind it queued.
func (r *Replayer) ReplayTarget(ctx context.Context, target string) error {
	entries, err := r.db.DrainOutbox(target)
	if err != nil {
		return err
	}
	for _, e := range entries {
		seq, err := r.submitter.Submit(ctx, pendingOp(e))
		if err != nil {
			return err
		}
		r.confirm(e, seq)
	}
	return nil
}

func (r *Replayer) confirm(e store.OutboxEntry, seq uint64) {
	if e.Op == store.OpMessage && seq > 0 {
		if err := r.mirror.MarkDelivered(e.Target, e.Guid, seq); err != nil {
			r.logger.Error("failed to mark delivered",
				zap.String("guid", e.Guid), zap.Error(err))
		}
		if err := r.cursor.Advance(e.Target, seq); err != nil {
			r.logger.Error("failed to advance watermark",
				zap.String("target", e.Target), zap.Error(err))
		}
	}
	if err := r.db.AckOutbox(e.OpID); err != nil {
		r.logger.Error("failed to ack outbox entry",
			zap.String("op_id", e.OpID), zap.Error(err))
		return
	}
	r.logger.Info("outbox entry confirmed",
		zap.String("target", e.Target), zap.String("op", e.Op), zap.String("guid", e.Guid))
	r.publish(bus.KindOutboxAcked, e.OpID)
}

func (r *Replayer) publish(kind string, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func pendingOp(e store.OutboxEntry) transport.PendingOperation {
	return transport.PendingOperation{
		OpID:    e.OpID,
		Target:  e.Target,
		Guid:    e.Guid,
		Op:      e.Op,
		Payload: e.Payload,
		Emoji:   e.Emoji,
		ReplyTo: e.ReplyTo,
	}
}
