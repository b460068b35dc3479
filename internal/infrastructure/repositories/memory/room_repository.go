package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"teleconsult/internal/core/domain"
	"teleconsult/internal/core/ports"
)

type MemoryRoomRepository struct {
	rooms map[domain.RoomID]*roomRecord
	mu    sync.RWMutex
}

type roomRecord struct {
	createdAt time.Time
	nextSeq   uint64
	members   map[domain.ParticipantID]domain.Member
}

func NewMemoryRoomRepository() ports.RoomRepository {
	return &MemoryRoomRepository{
		rooms: make(map[domain.RoomID]*roomRecord),
	}
}

func (r *MemoryRoomRepository) Create(ctx context.Context, room domain.RoomID) (*domain.RoomInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[room]; exists {
		return nil, domain.ErrRoomExists
	}
	rec := &roomRecord{createdAt: time.Now().UTC(), members: make(map[domain.ParticipantID]domain.Member)}
	r.rooms[room] = rec
	return rec.info(room), nil
}

func (r *MemoryRoomRepository) Get(ctx context.Context, room domain.RoomID) (*domain.RoomInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.rooms[room]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}
	return rec.info(room), nil
}

func (r *MemoryRoomRepository) List(ctx context.Context) ([]*domain.RoomInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]*domain.RoomInfo, 0, len(r.rooms))
	for id, rec := range r.rooms {
		rooms = append(rooms, rec.info(id))
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
	return rooms, nil
}

// AddMember registers participant, creating the room on first join.
func (r *MemoryRoomRepository) AddMember(ctx context.Context, room domain.RoomID, participant domain.ParticipantID) (domain.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.rooms[room]
	if !exists {
		rec = &roomRecord{createdAt: time.Now().UTC(), members: make(map[domain.ParticipantID]domain.Member)}
		r.rooms[room] = rec
	}
	if _, joined := rec.members[participant]; joined {
		return domain.Member{}, domain.ErrAlreadyJoined
	}
	if len(rec.members) >= domain.RoomCapacity {
		return domain.Member{}, domain.ErrRoomFull
	}

	rec.nextSeq++
	member := domain.Member{ID: participant, Seq: rec.nextSeq, JoinedAt: time.Now().UTC()}
	rec.members[participant] = member
	return member, nil
}

func (r *MemoryRoomRepository) RemoveMember(ctx context.Context, room domain.RoomID, participant domain.ParticipantID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.rooms[room]
	if !exists {
		return 0, domain.ErrRoomNotFound
	}
	if _, joined := rec.members[participant]; !joined {
		return len(rec.members), domain.ErrNotJoined
	}
	delete(rec.members, participant)
	if len(rec.members) == 0 {
		delete(r.rooms, room)
	}
	return len(rec.members), nil
}

func (r *MemoryRoomRepository) Members(ctx context.Context, room domain.RoomID) ([]domain.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.rooms[room]
	if !exists {
		return nil, nil
	}
	return rec.sortedMembers(), nil
}

func (rec *roomRecord) sortedMembers() []domain.Member {
	members := make([]domain.Member, 0, len(rec.members))
	for _, m := range rec.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Seq < members[j].Seq })
	return members
}

func (rec *roomRecord) info(id domain.RoomID) *domain.RoomInfo {
	return &domain.RoomInfo{ID: id, Members: rec.sortedMembers(), CreatedAt: rec.createdAt}
}
