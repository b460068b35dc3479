package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"teleconsult/internal/core/domain"
	"teleconsult/internal/core/ports"
	"teleconsult/pkg/utils"
	"teleconsult/pkg/validation"

	"go.uber.org/zap"
)

const maxRoomIDAttempts = 5

type roomService struct {
	rooms  ports.RoomRepository
	now    func() time.Time
	logger *zap.SugaredLogger
}

// NewRoomService returns the service behind the room HTTP API. Room ids are
// derived from the creation time.
func NewRoomService(rooms ports.RoomRepository, logger *zap.SugaredLogger) ports.RoomService {
	return &roomService{rooms: rooms, now: time.Now, logger: logger}
}

func (s *roomService) CreateRoom(ctx context.Context) (*domain.RoomInfo, error) {
	at := s.now()
	for attempt := 0; attempt < maxRoomIDAttempts; attempt++ {
		id := domain.RoomID(utils.GenerateRoomID(at))
		info, err := s.rooms.Create(ctx, id)
		if err == nil {
			s.logger.Infow("consultation room created", "room_id", id)
			return info, nil
		}
		if !errors.Is(err, domain.ErrRoomExists) {
			return nil, fmt.Errorf("create room: %w", err)
		}
		// Two rooms created in the same millisecond.
		at = at.Add(time.Millisecond)
	}
	return nil, fmt.Errorf("create room: %w", domain.ErrRoomExists)
}

func (s *roomService) GetRoom(ctx context.Context, room domain.RoomID) (*domain.RoomInfo, error) {
	if err := validation.ValidateRoomID(string(room)); err != nil {
		return nil, err
	}
	return s.rooms.Get(ctx, room)
}

func (s *roomService) ListRooms(ctx context.Context) ([]*domain.RoomInfo, error) {
	return s.rooms.List(ctx)
}
