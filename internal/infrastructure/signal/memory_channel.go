package signal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"teleconsult/internal/core/domain"
	"teleconsult/internal/core/ports"

	"github.com/gammazero/deque"
	"go.uber.org/zap"
)

// MemoryHub is an in-process signaling relay. Each participant talks to it
// through its own MemoryChannel endpoint.
type MemoryHub struct {
	mu     sync.Mutex
	rooms  map[domain.RoomID]*memoryRoom
	logger *zap.SugaredLogger
}

type memoryRoom struct {
	nextSeq uint64
	members map[domain.ParticipantID]*memoryMember
}

type memoryMember struct {
	endpoint *MemoryChannel
	member   domain.Member
}

func NewMemoryHub(logger *zap.SugaredLogger) *MemoryHub {
	return &MemoryHub{
		rooms:  make(map[domain.RoomID]*memoryRoom),
		logger: logger,
	}
}

// Channel creates a new endpoint attached to the hub.
func (h *MemoryHub) Channel() *MemoryChannel {
	c := &MemoryChannel{
		hub:      h,
		joined:   make(map[domain.RoomID]domain.ParticipantID),
		handlers: make(map[domain.RoomID][]handlerEntry),
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	go c.deliverLoop()
	return c
}

// Members returns the current members of room ordered by join sequence.
func (h *MemoryHub) Members(room domain.RoomID) []domain.Member {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[room]
	if !ok {
		return nil
	}
	return sortedMembers(r.members)
}

func sortedMembers(members map[domain.ParticipantID]*memoryMember) []domain.Member {
	out := make([]domain.Member, 0, len(members))
	for _, m := range members {
		out = append(out, m.member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

type handlerEntry struct {
	id      uint64
	handler ports.MessageHandler
}

// MemoryChannel is one participant's endpoint on a MemoryHub. Deliveries
// to an endpoint run on a single goroutine in enqueue order.
type MemoryChannel struct {
	hub *MemoryHub

	mu            sync.Mutex
	joined        map[domain.RoomID]domain.ParticipantID
	handlers      map[domain.RoomID][]handlerEntry
	nextHandlerID uint64
	queue         deque.Deque[domain.SignalMessage]
	interceptor   func(domain.SignalMessage) error
	closed        bool

	notify chan struct{}
	stop   chan struct{}
}

var _ ports.SignalingChannel = (*MemoryChannel)(nil)

// SetSendInterceptor installs a hook consulted before every Send. A non-nil
// error fails the send without delivering it.
func (c *MemoryChannel) SetSendInterceptor(fn func(domain.SignalMessage) error) {
	c.mu.Lock()
	c.interceptor = fn
	c.mu.Unlock()
}

func (c *MemoryChannel) Join(ctx context.Context, room domain.RoomID, participant domain.ParticipantID) (domain.JoinReceipt, error) {
	if err := ctx.Err(); err != nil {
		return domain.JoinReceipt{}, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.JoinReceipt{}, domain.ErrChannelClosed
	}
	if _, ok := c.joined[room]; ok {
		c.mu.Unlock()
		return domain.JoinReceipt{}, domain.ErrAlreadyJoined
	}
	c.mu.Unlock()

	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[room]
	if !ok {
		r = &memoryRoom{members: make(map[domain.ParticipantID]*memoryMember)}
		h.rooms[room] = r
	}
	if _, dup := r.members[participant]; dup {
		return domain.JoinReceipt{}, domain.ErrAlreadyJoined
	}
	if len(r.members) >= domain.RoomCapacity {
		return domain.JoinReceipt{}, domain.ErrRoomFull
	}

	r.nextSeq++
	self := domain.Member{ID: participant, Seq: r.nextSeq, JoinedAt: time.Now()}
	existing := sortedMembers(r.members)
	r.members[participant] = &memoryMember{endpoint: c, member: self}

	c.mu.Lock()
	c.joined[room] = participant
	c.mu.Unlock()

	for _, m := range existing {
		c.enqueue(domain.SignalMessage{Type: domain.MessageJoin, Room: room, ParticipantID: m.ID, Seq: m.Seq})
		r.members[m.ID].endpoint.enqueue(domain.SignalMessage{Type: domain.MessageJoin, Room: room, ParticipantID: participant, Seq: self.Seq})
	}

	h.logger.Debugw("participant joined memory room", "room_id", room, "participant_id", participant, "seq", self.Seq)
	return domain.JoinReceipt{Room: room, Participant: participant, Seq: self.Seq}, nil
}

func (c *MemoryChannel) Send(ctx context.Context, room domain.RoomID, msg domain.SignalMessage, target domain.ParticipantID) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSignalingDelivery, err)
	}
	c.mu.Lock()
	self, joined := c.joined[room]
	interceptor := c.interceptor
	c.mu.Unlock()
	if !joined {
		return domain.ErrNotJoined
	}

	msg.Room = room
	msg.To = target
	if msg.From == "" {
		msg.From = self
	}
	if interceptor != nil {
		if err := interceptor(msg); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrSignalingDelivery, err)
		}
	}

	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[room]
	if !ok {
		return domain.ErrRoomNotFound
	}
	if target != "" {
		m, ok := r.members[target]
		if !ok {
			return fmt.Errorf("%w: %s is not in room %s", domain.ErrSignalingDelivery, target, room)
		}
		m.endpoint.enqueue(msg)
		return nil
	}
	for id, m := range r.members {
		if id != self {
			m.endpoint.enqueue(msg)
		}
	}
	return nil
}

func (c *MemoryChannel) Subscribe(room domain.RoomID, handler ports.MessageHandler) (func(), error) {
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

func (c *MemoryChannel) Leave(ctx context.Context, room domain.RoomID) error {
	c.mu.Lock()
	participant, ok := c.joined[room]
	delete(c.joined, room)
	c.mu.Unlock()
	if !ok {
		return domain.ErrNotJoined
	}

	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[room]
	if !ok {
		return nil
	}
	delete(r.members, participant)
	for _, m := range r.members {
		m.endpoint.enqueue(domain.SignalMessage{Type: domain.MessageLeave, Room: room, ParticipantID: participant})
	}
	if len(r.members) == 0 {
		delete(h.rooms, room)
	}
	h.logger.Debugw("participant left memory room", "room_id", room, "participant_id", participant)
	return nil
}

// Close leaves every room, the way a dropped connection would, and stops
// deliveries.
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	rooms := make([]domain.RoomID, 0, len(c.joined))
	for room := range c.joined {
		rooms = append(rooms, room)
	}
	c.mu.Unlock()

	for _, room := range rooms {
		c.Leave(context.Background(), room)
	}

	c.mu.Lock()
	c.closed = true
	c.queue.Clear()
	c.mu.Unlock()
	close(c.stop)
	return nil
}

func (c *MemoryChannel) enqueue(msg domain.SignalMessage) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue.PushBack(msg)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *MemoryChannel) deliverLoop() {
	for {
		select {
		case <-c.notify:
		case <-c.stop:
			return
		}
		for {
			c.mu.Lock()
			if c.closed || c.queue.Len() == 0 {
				c.mu.Unlock()
				break
			}
			msg := c.queue.PopFront()
			entries := append([]handlerEntry(nil), c.handlers[msg.Room]...)
			c.mu.Unlock()

			for _, e := range entries {
				e.handler(msg)
			}
		}
	}
}
