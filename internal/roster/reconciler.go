// Package roster maintains the per-chat membership table. Members are
// soft-removed (gone flag) so historical messages keep resolving their
// sender, and a re-joining member reactivates its original row.
package roster

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/mimir-im/mimir/internal/bus"
	"github.com/mimir-im/mimir/internal/store"
	"go.uber.org/zap"
)

// AvatarSink stores avatar bytes somewhere presentation-owned and returns
// a reference. The reconciler never interprets the bytes.
type AvatarSink interface {
	StoreAvatar(chatID string, pubkey, data []byte) (ref string, err error)
}

// SystemEventType enumerates mediator-authored system events.
type SystemEventType string

const (
	EventMemberJoined      SystemEventType = "member-joined"
	EventMemberLeft        SystemEventType = "member-left"
	EventMemberBanned      SystemEventType = "member-banned"
	EventMemberUnbanned    SystemEventType = "member-unbanned"
	EventChatDeleted       SystemEventType = "chat-deleted"
	EventChatInfoChanged   SystemEventType = "chat-info-changed"
	EventPermissionChanged SystemEventType = "permission-changed"
	EventMessageDeleted    SystemEventType = "message-deleted"
)

// SystemEvent is a decoded mediator system record.
type SystemEvent struct {
	Type        SystemEventType `json:"type"`
	Actor       []byte          `json:"actor,omitempty"`
	Target      []byte          `json:"target,omitempty"`
	Permissions int64           `json:"permissions,omitempty"`
	Online      bool            `json:"online,omitempty"`
	Nickname    string          `json:"nickname,omitempty"`
	ChatName    string          `json:"chat_name,omitempty"`
	TargetGuid  string          `json:"target_guid,omitempty"`
}

// Effect tells the caller which cross-component action a system event
// demands. The reconciler owns roster and chat-metadata state; message
// deletion and chat teardown belong to the mirror and the engine.
type Effect struct {
	DeleteMessageGuid string
	DeleteChat        bool
}

// Reconciler owns all roster-row writes for the local replica.
type Reconciler struct {
	db      *store.DB
	bus     *bus.Bus
	avatars AvatarSink
	logger  *zap.Logger
}

// New creates a reconciler. avatars may be nil; avatar bytes are then
// dropped.
func New(db *store.DB, b *bus.Bus, avatars AvatarSink, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, bus: b, avatars: avatars, logger: logger}
}

// ApplyMemberUpdate upserts a roster row. A gone member is reactivated in
// place. Returns the avatar reference when avatar bytes were handed to the
// sink.
func (r *Reconciler) ApplyMemberUpdate(chatID string, pubkey []byte, nickname string, avatar []byte) (string, error) {
	if err := r.db.UpsertMember(&store.RosterEntry{
		ChatID:   chatID,
		Pubkey:   pubkey,
		Nickname: nickname,
	}); err != nil {
		return "", fmt.Errorf("upsert member: %w", err)
	}
	r.publishRoster(chatID)

	if len(avatar) == 0 || r.avatars == nil {
		return "", nil
	}
	ref, err := r.avatars.StoreAvatar(chatID, pubkey, avatar)
	if err != nil {
		// Avatar storage is a display concern; the roster update stands.
		r.logger.Warn("avatar sink failed", zap.String("chat", chatID), zap.Error(err))
		return "", nil
	}
	return ref, nil
}

// MarkGone soft-removes a member.
func (r *Reconciler) MarkGone(chatID string, pubkey []byte) error {
	if err := r.db.MarkMemberGone(chatID, pubkey); err != nil {
		return fmt.Errorf("mark gone: %w", err)
	}
	r.publishRoster(chatID)
	return nil
}

// ApplyPermissionUpdate stores new permission bits and online state.
func (r *Reconciler) ApplyPermissionUpdate(chatID string, pubkey []byte, permissions int64, online bool) error {
	if err := r.db.SetMemberPermissions(chatID, pubkey, permissions, online); err != nil {
		return fmt.Errorf("permission update: %w", err)
	}
	r.publishRoster(chatID)
	return nil
}

// ReconcileAll applies an authoritative roster snapshot after a full pull.
// Members missing from the snapshot are kept: a transient partial response
// must not erase membership; only explicit system events remove members.
func (r *Reconciler) ReconcileAll(chatID string, members []store.RosterEntry) error {
	if err := r.db.ReconcileMembers(chatID, members); err != nil {
		return fmt.Errorf("reconcile roster: %w", err)
	}
	r.publishRoster(chatID)
	return nil
}

// ApplySystemEvent applies the authoritative state transition of one
// mediator system event and reports any cross-component effect. Unknown
// event types are logged and ignored.
func (r *Reconciler) ApplySystemEvent(chatID string, ev *SystemEvent) (Effect, error) {
	switch ev.Type {
	case EventMemberJoined:
		if _, err := r.ApplyMemberUpdate(chatID, ev.Target, ev.Nickname, nil); err != nil {
			return Effect{}, err
		}
	case EventMemberLeft:
		if err := r.MarkGone(chatID, ev.Target); err != nil {
			return Effect{}, err
		}
	case EventMemberBanned:
		if err := r.db.SetMemberBanned(chatID, ev.Target, true); err != nil {
			return Effect{}, fmt.Errorf("ban member: %w", err)
		}
		if err := r.MarkGone(chatID, ev.Target); err != nil {
			return Effect{}, err
		}
	case EventMemberUnbanned:
		if err := r.db.SetMemberBanned(chatID, ev.Target, false); err != nil {
			return Effect{}, fmt.Errorf("unban member: %w", err)
		}
		r.publishRoster(chatID)
	case EventPermissionChanged:
		if err := r.ApplyPermissionUpdate(chatID, ev.Target, ev.Permissions, ev.Online); err != nil {
			return Effect{}, err
		}
	case EventChatInfoChanged:
		if err := r.db.SetChatName(chatID, ev.ChatName); err != nil {
			return Effect{}, fmt.Errorf("chat info: %w", err)
		}
	case EventChatDeleted:
		return Effect{DeleteChat: true}, nil
	case EventMessageDeleted:
		return Effect{DeleteMessageGuid: ev.TargetGuid}, nil
	default:
		r.logger.Warn("unknown system event",
			zap.String("chat", chatID), zap.String("type", string(ev.Type)))
	}
	return Effect{}, nil
}

// DisplayName resolves a member pubkey to a display name, falling back to
// a truncated identity string when the member is unknown or nameless.
func (r *Reconciler) DisplayName(chatID string, pubkey []byte) string {
	member, err := r.db.GetMember(chatID, pubkey)
	if err == nil && member != nil && member.Nickname != "" {
		return member.Nickname
	}
	h := hex.EncodeToString(pubkey)
	if len(h) > 12 {
		h = h[:12]
	}
	return h
}

func (r *Reconciler) publishRoster(chatID string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.Event{
		Kind:      bus.KindRosterChanged,
		Timestamp: time.Now(),
		Payload:   bus.ChatRef{ChatID: chatID},
	})
}
