package ports

import (
	"context"

	"teleconsult/internal/core/domain"
)

// RoomRepository tracks relay side room membership.
type RoomRepository interface {
	Create(ctx context.Context, room domain.RoomID) (*domain.RoomInfo, error)
	Get(ctx context.Context, room domain.RoomID) (*domain.RoomInfo, error)
	List(ctx context.Context) ([]*domain.RoomInfo, error)
	// AddMember assigns the next join sequence number. It fails with
	// domain.ErrRoomFull once RoomCapacity members are present.
	AddMember(ctx context.Context, room domain.RoomID, participant domain.ParticipantID) (domain.Member, error)
	// RemoveMember returns the number of members left. Empty rooms are deleted.
	RemoveMember(ctx context.Context, room domain.RoomID, participant domain.ParticipantID) (int, error)
	Members(ctx context.Context, room domain.RoomID) ([]domain.Member, error)
}
