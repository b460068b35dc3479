package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"teleconsult/internal/core/domain"
	"teleconsult/internal/core/ports"
	"teleconsult/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 5

// RedisRoomRepository keeps room membership in Redis so several relay
// instances agree on capacity and join order.
type RedisRoomRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisRoomRepository(client *redis.Client, prefix string) ports.RoomRepository {
	return &RedisRoomRepository{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisRoomRepository) roomKey(room domain.RoomID) string {
	return fmt.Sprintf("%s:room:%s", r.prefix, room)
}

func (r *RedisRoomRepository) membersKey(room domain.RoomID) string {
	return fmt.Sprintf("%s:room:%s:members", r.prefix, room)
}

func (r *RedisRoomRepository) seqKey(room domain.RoomID) string {
	return fmt.Sprintf("%s:room:%s:seq", r.prefix, room)
}

func (r *RedisRoomRepository) indexKey() string {
	return roomIndexKey(r.prefix)
}

func roomIndexKey(prefix string) string {
	return prefix + ":rooms"
}

func (r *RedisRoomRepository) Create(ctx context.Context, room domain.RoomID) (*domain.RoomInfo, error) {
	ctx, span := tracing.TraceRedisOperation(ctx, "create_room", r.roomKey(room))
	defer span.End()

	createdAt := time.Now().UTC()
	created, err := r.client.HSetNX(ctx, r.roomKey(room), "created_at", createdAt.Format(time.RFC3339Nano)).Result()
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to create room in Redis: %w", err)
	}
	if !created {
		return nil, domain.ErrRoomExists
	}
	if err := r.client.SAdd(ctx, r.indexKey(), string(room)).Err(); err != nil {
		return nil, fmt.Errorf("failed to index room: %w", err)
	}
	return &domain.RoomInfo{ID: room, Members: []domain.Member{}, CreatedAt: createdAt}, nil
}

func (r *RedisRoomRepository) Get(ctx context.Context, room domain.RoomID) (*domain.RoomInfo, error) {
	ctx, span := tracing.TraceRedisOperation(ctx, "get_room", r.roomKey(room))
	defer span.End()

	raw, err := r.client.HGet(ctx, r.roomKey(room), "created_at").Result()
	if err == redis.Nil {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at for room %s: %w", room, err)
	}

	members, err := r.Members(ctx, room)
	if err != nil {
		return nil, err
	}
	return &domain.RoomInfo{ID: room, Members: members, CreatedAt: createdAt}, nil
}

func (r *RedisRoomRepository) List(ctx context.Context) ([]*domain.RoomInfo, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms from Redis: %w", err)
	}

	rooms := make([]*domain.RoomInfo, 0, len(ids))
	for _, id := range ids {
		info, err := r.Get(ctx, domain.RoomID(id))
		if errors.Is(err, domain.ErrRoomNotFound) {
			// Skip rooms removed since the index was read
			continue
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, info)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].CreatedAt.Before(rooms[j].CreatedAt) })
	return rooms, nil
}

// AddMember checks capacity under WATCH on the members hash so concurrent
// joins through different relays cannot overfill a room.
func (r *RedisRoomRepository) AddMember(ctx context.Context, room domain.RoomID, participant domain.ParticipantID) (domain.Member, error) {
	membersKey := r.membersKey(room)
	ctx, span := tracing.TraceRedisOperation(ctx, "add_member", membersKey)
	defer span.End()

	var member domain.Member
	txf := func(tx *redis.Tx) error {
		joined, err := tx.HExists(ctx, membersKey, string(participant)).Result()
		if err != nil {
			return err
		}
		if joined {
			return domain.ErrAlreadyJoined
		}
		count, err := tx.HLen(ctx, membersKey).Result()
		if err != nil {
			return err
		}
		if count >= domain.RoomCapacity {
			return domain.ErrRoomFull
		}

		seq, err := tx.Incr(ctx, r.seqKey(room)).Result()
		if err != nil {
			return err
		}
		member = domain.Member{ID: participant, Seq: uint64(seq), JoinedAt: time.Now().UTC()}
		data, err := json.Marshal(member)
		if err != nil {
			return fmt.Errorf("failed to marshal member: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, membersKey, string(participant), data)
			pipe.HSetNX(ctx, r.roomKey(room), "created_at", member.JoinedAt.Format(time.RFC3339Nano))
			pipe.SAdd(ctx, r.indexKey(), string(room))
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, membersKey)
		if err == nil {
			return member, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		tracing.RecordError(ctx, err)
		return domain.Member{}, err
	}
	return domain.Member{}, fmt.Errorf("failed to add member to room %s: too many concurrent updates", room)
}

// RemoveMember deletes the room and its sequence once the last member leaves.
func (r *RedisRoomRepository) RemoveMember(ctx context.Context, room domain.RoomID, participant domain.ParticipantID) (int, error) {
	membersKey := r.membersKey(room)
	ctx, span := tracing.TraceRedisOperation(ctx, "remove_member", membersKey)
	defer span.End()

	var remaining int
	txf := func(tx *redis.Tx) error {
		joined, err := tx.HExists(ctx, membersKey, string(participant)).Result()
		if err != nil {
			return err
		}
		if !joined {
			return domain.ErrNotJoined
		}
		count, err := tx.HLen(ctx, membersKey).Result()
		if err != nil {
			return err
		}
		remaining = int(count) - 1

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, membersKey, string(participant))
			if remaining == 0 {
				pipe.Del(ctx, r.roomKey(room), r.seqKey(room))
				pipe.SRem(ctx, r.indexKey(), string(room))
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, membersKey)
		if err == nil {
			return remaining, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		tracing.RecordError(ctx, err)
		return 0, err
	}
	return 0, fmt.Errorf("failed to remove member from room %s: too many concurrent updates", room)
}

func (r *RedisRoomRepository) Members(ctx context.Context, room domain.RoomID) ([]domain.Member, error) {
	raw, err := r.client.HGetAll(ctx, r.membersKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room members from Redis: %w", err)
	}

	members := make([]domain.Member, 0, len(raw))
	for id, data := range raw {
		var m domain.Member
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal member %s: %w", id, err)
		}
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Seq < members[j].Seq })
	return members, nil
}
