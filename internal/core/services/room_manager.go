package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"teleconsult/internal/core/domain"
	"teleconsult/internal/core/ports"
	"teleconsult/pkg/validation"

	"go.uber.org/zap"
)

type RoomManagerConfig struct {
	Session             SessionConfig
	JoinTimeout         time.Duration
	RenegotiateDebounce time.Duration
}

func DefaultRoomManagerConfig() RoomManagerConfig {
	return RoomManagerConfig{
		Session:             DefaultSessionConfig(),
		JoinTimeout:         10 * time.Second,
		RenegotiateDebounce: 250 * time.Millisecond,
	}
}

// RoomManager reconciles room membership reported by the signaling channel
// with the participant's negotiation sessions, one per room.
type RoomManager struct {
	channel ports.SignalingChannel
	deps    SessionDeps
	cfg     RoomManagerConfig
	logger  *zap.SugaredLogger

	mu    sync.Mutex
	rooms map[domain.RoomID]*roomEntry
}

type roomEntry struct {
	self        domain.ParticipantID
	session     *NegotiationSession
	call        *Call
	unsubscribe func()

	// leaveOnce makes the channel leave happen once, whether it comes from
	// a failure or from the shell; later callers wait for the first.
	leaveOnce sync.Once
	leaveErr  error

	mu      sync.Mutex
	started bool
	backlog []domain.SignalMessage
	members map[domain.ParticipantID]domain.Member
}

// NewRoomManager returns a manager that runs one session per joined room.
func NewRoomManager(deps SessionDeps, cfg RoomManagerConfig, logger *zap.SugaredLogger) *RoomManager {
	if deps.Metrics == nil {
		deps.Metrics = NopCallMetrics{}
	}
	return &RoomManager{
		channel: deps.Channel,
		deps:    deps,
		cfg:     cfg,
		logger:  logger,
		rooms:   make(map[domain.RoomID]*roomEntry),
	}
}

// Join enters room as self and returns the call handle for the shell.
// Joining a room whose previous session ended replaces that session.
func (m *RoomManager) Join(ctx context.Context, room domain.RoomID, self domain.ParticipantID) (*Call, error) {
	if err := validation.ValidateRoomID(string(room)); err != nil {
		return nil, err
	}
	if err := validation.ValidateParticipantID(string(self)); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.rooms[room]; ok {
		if !existing.session.State().Terminal() {
			m.mu.Unlock()
			return nil, domain.ErrSessionExists
		}
		m.mu.Unlock()
		if err := m.Leave(ctx, room); err != nil {
			m.logger.Warnw("closing previous session failed", "room_id", room, "error", err)
		}
		m.mu.Lock()
		if _, ok := m.rooms[room]; ok {
			m.mu.Unlock()
			return nil, domain.ErrSessionExists
		}
	}

	session := NewNegotiationSession(room, self, m.deps, m.cfg.Session, m.logger)
	entry := &roomEntry{
		self:    self,
		session: session,
		members: make(map[domain.ParticipantID]domain.Member),
	}
	entry.call = newCall(room, self, session, m, m.cfg.RenegotiateDebounce, m.logger)
	session.SetFailureHandler(func(err error) {
		m.logger.Warnw("negotiation failed", "room_id", room, "participant_id", self, "kind", domain.KindOf(err), "error", err)
		go m.leaveAfterFailure(room, entry)
	})
	m.rooms[room] = entry
	m.mu.Unlock()

	unsubscribe, err := m.channel.Subscribe(room, func(msg domain.SignalMessage) {
		m.dispatch(entry, msg)
	})
	if err != nil {
		m.abandon(room, entry)
		return nil, fmt.Errorf("subscribe to room %s: %w", room, err)
	}
	entry.unsubscribe = unsubscribe

	joinCtx, cancel := context.WithTimeout(ctx, m.cfg.JoinTimeout)
	defer cancel()
	receipt, err := m.channel.Join(joinCtx, room, self)
	if err != nil {
		m.abandon(room, entry)
		return nil, fmt.Errorf("join room %s: %w", room, err)
	}

	entry.mu.Lock()
	err = session.Start(receipt.Seq)
	if err == nil {
		entry.started = true
		backlog := entry.backlog
		entry.backlog = nil
		for _, msg := range backlog {
			m.route(entry, msg)
		}
	}
	entry.mu.Unlock()
	if err != nil {
		m.abandon(room, entry)
		m.leaveChannel(context.Background(), room, entry)
		return nil, fmt.Errorf("start session in room %s: %w", room, err)
	}

	m.logger.Infow("joined room", "room_id", room, "participant_id", self, "seq", receipt.Seq)
	return entry.call, nil
}

func (m *RoomManager) abandon(room domain.RoomID, entry *roomEntry) {
	m.mu.Lock()
	if m.rooms[room] == entry {
		delete(m.rooms, room)
	}
	m.mu.Unlock()
	if entry.unsubscribe != nil {
		entry.unsubscribe()
	}
	entry.call.stop()
	entry.session.Leave(context.Background())
}

// Leave ends the session in room and leaves it on the signaling channel.
// Leaving a room that was not joined is a no-op.
func (m *RoomManager) Leave(ctx context.Context, room domain.RoomID) error {
	return m.leave(ctx, room, nil)
}

// leave removes the room entry. When owner is set only that call's entry is
// removed, so a stale handle cannot end a newer session in the same room.
func (m *RoomManager) leave(ctx context.Context, room domain.RoomID, owner *Call) error {
	m.mu.Lock()
	entry, ok := m.rooms[room]
	if ok && owner != nil && entry.call != owner {
		ok = false
	}
	if ok {
		delete(m.rooms, room)
	}
	m.mu.Unlock()
	if !ok {
		if owner != nil {
			return owner.session.Leave(ctx)
		}
		return nil
	}

	if entry.unsubscribe != nil {
		entry.unsubscribe()
	}
	entry.call.stop()

	var errs []error
	if err := entry.session.Leave(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close session: %w", err))
	}
	if err := m.leaveChannel(ctx, room, entry); err != nil && !errors.Is(err, domain.ErrNotJoined) {
		errs = append(errs, fmt.Errorf("leave channel: %w", err))
	}

	m.logger.Infow("left room", "room_id", room, "participant_id", entry.self)
	return errors.Join(errs...)
}

func (m *RoomManager) leaveChannel(ctx context.Context, room domain.RoomID, entry *roomEntry) error {
	entry.leaveOnce.Do(func() {
		entry.leaveErr = m.channel.Leave(ctx, room)
	})
	return entry.leaveErr
}

// leaveAfterFailure takes a failed participant out of the room so the peer
// sees a leave instead of waiting on a session that will never answer.
func (m *RoomManager) leaveAfterFailure(room domain.RoomID, entry *roomEntry) {
	m.mu.Lock()
	current := m.rooms[room] == entry
	m.mu.Unlock()
	if !current {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.JoinTimeout)
	defer cancel()
	if err := m.leaveChannel(ctx, room, entry); err != nil && !errors.Is(err, domain.ErrNotJoined) {
		m.logger.Warnw("leaving room after failure failed", "room_id", room, "participant_id", entry.self, "error", err)
		return
	}
	m.logger.Infow("left room after failure", "room_id", room, "participant_id", entry.self)
}

// Close leaves every joined room.
func (m *RoomManager) Close(ctx context.Context) error {
	m.mu.Lock()
	rooms := make([]domain.RoomID, 0, len(m.rooms))
	for room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.Unlock()

	var errs []error
	for _, room := range rooms {
		if err := m.Leave(ctx, room); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Session returns the session for room, if it is joined.
func (m *RoomManager) Session(room domain.RoomID) (*NegotiationSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.rooms[room]
	if !ok {
		return nil, false
	}
	return entry.session, true
}

// Call returns the call handle for room, if it is joined.
func (m *RoomManager) Call(room domain.RoomID) (*Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.rooms[room]
	if !ok {
		return nil, false
	}
	return entry.call, true
}

func (m *RoomManager) dispatch(entry *roomEntry, msg domain.SignalMessage) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.started {
		entry.backlog = append(entry.backlog, msg)
		return
	}
	m.route(entry, msg)
}

// route applies membership changes and forwards negotiation messages.
// Called with entry.mu held.
func (m *RoomManager) route(entry *roomEntry, msg domain.SignalMessage) {
	switch msg.Type {
	case domain.MessageJoin:
		id := msg.ParticipantID
		if id == "" || id == entry.self {
			return
		}
		if existing, ok := entry.members[id]; ok {
			if existing.Seq == 0 && msg.Seq != 0 {
				existing.Seq = msg.Seq
				entry.members[id] = existing
			}
			return
		}
		if len(entry.members)+1 >= domain.RoomCapacity {
			m.logger.Warnw("room already has a peer, ignoring participant",
				"room_id", msg.Room, "participant_id", entry.self, "ignored_id", id)
			return
		}
		member := domain.Member{ID: id, Seq: msg.Seq, JoinedAt: time.Now()}
		entry.members[id] = member
		m.logger.Infow("room membership changed", "room_id", msg.Room, "participant_id", entry.self,
			"joined", id, "members", len(entry.members)+1)
		entry.session.PeerJoined(member)

	case domain.MessageLeave:
		id := msg.ParticipantID
		if _, ok := entry.members[id]; !ok {
			return
		}
		delete(entry.members, id)
		m.logger.Infow("room membership changed", "room_id", msg.Room, "participant_id", entry.self,
			"left", id, "members", len(entry.members)+1)
		entry.session.PeerLeft(id)

	case domain.MessageOffer, domain.MessageAnswer, domain.MessageICECandidate:
		entry.session.HandleSignal(msg)

	case domain.MessageError:
		m.logger.Warnw("relay reported error", "room_id", msg.Room, "participant_id", entry.self, "error", msg.Error)

	case domain.MessageChannelLost:
		m.logger.Warnw("signaling channel lost", "room_id", msg.Room, "participant_id", entry.self, "error", msg.Error)
		entry.session.ChannelLost(msg.Error)
	}
}
