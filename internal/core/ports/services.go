package ports

import (
	"context"
	"time"

	"teleconsult/internal/core/domain"
)

type RoomService interface {
	CreateRoom(ctx context.Context) (*domain.RoomInfo, error)
	GetRoom(ctx context.Context, room domain.RoomID) (*domain.RoomInfo, error)
	ListRooms(ctx context.Context) ([]*domain.RoomInfo, error)
}

// RelayLocator picks the signaling relay that serves a room.
type RelayLocator interface {
	Locate(room domain.RoomID) string
}

type CallMetrics interface {
	ObserveTransition(from, to domain.CallState)
	ObserveNegotiationFailure(kind domain.ErrorKind)
	ObserveTimeToConnect(d time.Duration)
	ObserveQuality(sample domain.QualitySample)
}

type RelayMetrics interface {
	ObserveRelayed(msgType domain.MessageType)
	ObserveRejected(reason string)
	SetConnections(n int)
	SetRooms(n int)
}
