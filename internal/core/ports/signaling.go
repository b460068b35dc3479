package ports

import (
	"context"

	"teleconsult/internal/core/domain"
)

// MessageHandler receives messages for a subscribed room. Handlers are
// invoked sequentially per channel and must not block.
type MessageHandler func(msg domain.SignalMessage)

// SignalingChannel is a best effort, at-most-once relay of signaling
// messages between the members of a room. It never interprets payloads.
type SignalingChannel interface {
	// Join registers the participant in the room. Members already present
	// are announced to the newcomer through subscribed handlers.
	Join(ctx context.Context, room domain.RoomID, participant domain.ParticipantID) (domain.JoinReceipt, error)
	// Send delivers msg to target, or to every other member when target is empty.
	Send(ctx context.Context, room domain.RoomID, msg domain.SignalMessage, target domain.ParticipantID) error
	Subscribe(room domain.RoomID, handler MessageHandler) (unsubscribe func(), err error)
	Leave(ctx context.Context, room domain.RoomID) error
}
