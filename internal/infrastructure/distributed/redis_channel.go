package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"teleconsult/internal/core/domain"
	"teleconsult/internal/core/ports"
	"teleconsult/pkg/cache"
	"teleconsult/pkg/circuitbreaker"
	"teleconsult/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// membersTTL bounds how stale the membership check in Send may be when a
// join or leave announcement is lost.
const membersTTL = 2 * time.Second

// envelope is what travels over a room's pub/sub channel.
type envelope struct {
	InstanceID string               `json:"instance_id"`
	Message    domain.SignalMessage `json:"message"`
}

type handlerEntry struct {
	id      uint64
	handler ports.MessageHandler
}

type roomSubscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

// RedisChannel is a SignalingChannel for participants that share a Redis
// deployment instead of a relay server. Membership and join order live in the
// room repository; messages go over one pub/sub channel per room.
type RedisChannel struct {
	client     *redis.Client
	rooms      ports.RoomRepository
	prefix     string
	instanceID string
	breaker    *circuitbreaker.CircuitBreaker
	members    *cache.Cache[domain.RoomID, []domain.Member]
	logger     *zap.SugaredLogger

	mu            sync.Mutex
	self          domain.ParticipantID
	joined        map[domain.RoomID]*roomSubscription
	handlers      map[domain.RoomID][]handlerEntry
	nextHandlerID uint64
	closed        bool

	// dispatchMu keeps handler invocations sequential across rooms.
	dispatchMu sync.Mutex
}

var _ ports.SignalingChannel = (*RedisChannel)(nil)

func NewRedisChannel(
	client *redis.Client,
	rooms ports.RoomRepository,
	prefix string,
	instanceID string,
	breaker *circuitbreaker.CircuitBreaker,
	logger *zap.SugaredLogger,
) *RedisChannel {
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.DefaultConfig())
	}
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("redis publish circuit changed state", "from", from, "to", to)
	})
	return &RedisChannel{
		client:     client,
		rooms:      rooms,
		prefix:     prefix,
		instanceID: instanceID,
		breaker:    breaker,
		members:    cache.New[domain.RoomID, []domain.Member](membersTTL),
		logger:     logger,
		joined:     make(map[domain.RoomID]*roomSubscription),
		handlers:   make(map[domain.RoomID][]handlerEntry),
	}
}

func (c *RedisChannel) channelName(room domain.RoomID) string {
	return fmt.Sprintf("%s:room:%s:signal", c.prefix, room)
}

func (c *RedisChannel) Join(ctx context.Context, room domain.RoomID, participant domain.ParticipantID) (domain.JoinReceipt, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.JoinReceipt{}, domain.ErrChannelClosed
	}
	if c.self != "" && c.self != participant {
		c.mu.Unlock()
		return domain.JoinReceipt{}, fmt.Errorf("channel is joined as %s, not %s", c.self, participant)
	}
	if _, ok := c.joined[room]; ok {
		c.mu.Unlock()
		return domain.JoinReceipt{}, domain.ErrAlreadyJoined
	}
	c.self = participant
	// Reserve the slot while talking to Redis.
	c.joined[room] = nil
	c.mu.Unlock()

	sub, member, err := c.join(ctx, room, participant)
	if err != nil {
		c.mu.Lock()
		delete(c.joined, room)
		c.mu.Unlock()
		return domain.JoinReceipt{}, err
	}

	c.mu.Lock()
	c.joined[room] = sub
	c.mu.Unlock()

	c.logger.Infow("joined room over redis", "room_id", room, "participant_id", participant, "seq", member.Seq)
	return domain.JoinReceipt{Room: room, Participant: participant, Seq: member.Seq}, nil
}

// join subscribes before registering so no announcement published after our
// registration can be missed.
func (c *RedisChannel) join(ctx context.Context, room domain.RoomID, participant domain.ParticipantID) (*roomSubscription, domain.Member, error) {
	ctx, span := tracing.TraceSignalMessage(ctx, string(domain.MessageJoin), string(room), string(participant))
	defer span.End()

	pubsub := c.client.Subscribe(ctx, c.channelName(room))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		tracing.RecordError(ctx, err)
		return nil, domain.Member{}, fmt.Errorf("%w: subscribe: %v", domain.ErrSignalingDelivery, err)
	}

	member, err := c.rooms.AddMember(ctx, room, participant)
	if err != nil {
		pubsub.Close()
		tracing.RecordError(ctx, err)
		return nil, domain.Member{}, err
	}

	present, err := c.rooms.Members(ctx, room)
	if err != nil {
		c.rooms.RemoveMember(context.Background(), room, participant)
		pubsub.Close()
		return nil, domain.Member{}, fmt.Errorf("list members: %w", err)
	}

	sub := &roomSubscription{pubsub: pubsub, done: make(chan struct{})}
	go c.receive(room, sub)

	// Present members are announced to the newcomer locally.
	for _, m := range present {
		if m.ID == participant {
			continue
		}
		c.dispatch(domain.SignalMessage{Type: domain.MessageJoin, Room: room, ParticipantID: m.ID, Seq: m.Seq})
	}

	announce := domain.SignalMessage{Type: domain.MessageJoin, Room: room, ParticipantID: participant, Seq: member.Seq}
	if err := c.publish(ctx, room, announce); err != nil {
		c.logger.Warnw("join announcement failed", "room_id", room, "participant_id", participant, "error", err)
	}
	return sub, member, nil
}

func (c *RedisChannel) Send(ctx context.Context, room domain.RoomID, msg domain.SignalMessage, target domain.ParticipantID) error {
	c.mu.Lock()
	sub, joined := c.joined[room]
	self := c.self
	c.mu.Unlock()
	if !joined || sub == nil {
		return domain.ErrNotJoined
	}

	msg.Room = room
	msg.To = target
	msg.From = self
	if err := msg.Validate(); err != nil {
		return err
	}

	ctx, span := tracing.TraceSignalMessage(ctx, string(msg.Type), string(room), string(self))
	defer span.End()

	if target != "" {
		members, err := c.members.GetOrLoad(ctx, room, func(ctx context.Context) ([]domain.Member, error) {
			return c.rooms.Members(ctx, room)
		})
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrSignalingDelivery, err)
		}
		if !containsMember(members, target) {
			return fmt.Errorf("%w: participant %s is not in room %s", domain.ErrSignalingDelivery, target, room)
		}
	}
	return c.publish(ctx, room, msg)
}

func containsMember(members []domain.Member, id domain.ParticipantID) bool {
	for _, m := range members {
		if m.ID == id {
			return true
		}
	}
	return false
}

func (c *RedisChannel) publish(ctx context.Context, room domain.RoomID, msg domain.SignalMessage) error {
	data, err := json.Marshal(envelope{InstanceID: c.instanceID, Message: msg})
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}

	err = c.breaker.Execute(ctx, func() error {
		return c.client.Publish(ctx, c.channelName(room), data).Err()
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%w: publish %s: %v", domain.ErrSignalingDelivery, msg.Type, err)
	}
	return nil
}

func (c *RedisChannel) receive(room domain.RoomID, sub *roomSubscription) {
	defer close(sub.done)

	for raw := range sub.pubsub.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(raw.Payload), &env); err != nil {
			c.logger.Warnw("failed to decode signaling message", "room_id", room, "error", err)
			continue
		}
		msg := env.Message

		c.mu.Lock()
		self := c.self
		c.mu.Unlock()

		if msg.Type == domain.MessageJoin || msg.Type == domain.MessageLeave {
			c.members.Delete(room)
		}
		if !addressedTo(msg, self) {
			continue
		}
		c.dispatch(msg)
	}
}

// addressedTo drops our own announcements and messages meant for someone else.
func addressedTo(msg domain.SignalMessage, self domain.ParticipantID) bool {
	switch msg.Type {
	case domain.MessageJoin, domain.MessageLeave:
		return msg.ParticipantID != self
	default:
		return msg.From != self && (msg.To == "" || msg.To == self)
	}
}

func (c *RedisChannel) dispatch(msg domain.SignalMessage) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	entries := append([]handlerEntry(nil), c.handlers[msg.Room]...)
	c.mu.Unlock()

	for _, e := range entries {
		e.handler(msg)
	}
}

func (c *RedisChannel) Subscribe(room domain.RoomID, handler ports.MessageHandler) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, domain.ErrChannelClosed
	}
	c.nextHandlerID++
	id := c.nextHandlerID
	c.handlers[room] = append(c.handlers[room], handlerEntry{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			entries := c.handlers[room]
			for i, e := range entries {
				if e.id == id {
					c.handlers[room] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
			if len(c.handlers[room]) == 0 {
				delete(c.handlers, room)
			}
		})
	}, nil
}

func (c *RedisChannel) Leave(ctx context.Context, room domain.RoomID) error {
	c.mu.Lock()
	sub, joined := c.joined[room]
	if joined && sub != nil {
		delete(c.joined, room)
	}
	self := c.self
	c.mu.Unlock()
	if !joined || sub == nil {
		return domain.ErrNotJoined
	}

	var errs []error
	if _, err := c.rooms.RemoveMember(ctx, room, self); err != nil && !errors.Is(err, domain.ErrNotJoined) && !errors.Is(err, domain.ErrRoomNotFound) {
		errs = append(errs, fmt.Errorf("remove member: %w", err))
	}
	if err := c.publish(ctx, room, domain.SignalMessage{Type: domain.MessageLeave, Room: room, ParticipantID: self}); err != nil {
		errs = append(errs, err)
	}
	if err := sub.pubsub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
	}
	<-sub.done
	c.members.Delete(room)

	c.logger.Infow("left room over redis", "room_id", room, "participant_id", self)
	return errors.Join(errs...)
}

// Close leaves every joined room. Later calls are no-ops.
func (c *RedisChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	rooms := make([]domain.RoomID, 0, len(c.joined))
	for room := range c.joined {
		rooms = append(rooms, room)
	}
	c.mu.Unlock()

	var errs []error
	for _, room := range rooms {
		if err := c.Leave(context.Background(), room); err != nil && !errors.Is(err, domain.ErrNotJoined) {
			errs = append(errs, err)
		}
	}
	c.members.Stop()
	return errors.Join(errs...)
}
