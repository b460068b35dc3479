package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"teleconsult/internal/core/domain"
	"teleconsult/internal/core/ports"
	"teleconsult/pkg/tracing"
	"teleconsult/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the dashboard is served from a different origin
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

type ServerConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	MaxMessageSize    int64
	RateLimitEnabled  bool
	MessagesPerSecond float64
	Burst             int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SendBuffer:        64,
		MaxMessageSize:    64 * 1024,
		RateLimitEnabled:  true,
		MessagesPerSecond: 50,
		Burst:             100,
	}
}

// WebSocketServer relays signaling messages between the two members of a
// consultation room. A dropped connection counts as leaving every room the
// participant had joined.
type WebSocketServer struct {
	rooms   ports.RoomRepository
	metrics ports.RelayMetrics
	cfg     ServerConfig
	logger  *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[domain.ParticipantID]*relayClient
}

type relayClient struct {
	id      domain.ParticipantID
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	done    chan struct{}

	mu        sync.Mutex
	rooms     map[domain.RoomID]struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func NewWebSocketServer(rooms ports.RoomRepository, metrics ports.RelayMetrics, cfg ServerConfig, logger *zap.SugaredLogger) *WebSocketServer {
	if metrics == nil {
		metrics = nopRelayMetrics{}
	}
	return &WebSocketServer{
		rooms:   rooms,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
		clients: make(map[domain.ParticipantID]*relayClient),
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	participantID := domain.ParticipantID(r.URL.Query().Get("participant_id"))
	if err := validation.ValidateParticipantID(string(participantID)); err != nil {
		s.metrics.ObserveRejected("invalid_participant")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &relayClient{
		id:     participantID,
		conn:   conn,
		send:   make(chan []byte, s.cfg.SendBuffer),
		done:   make(chan struct{}),
		rooms:  make(map[domain.RoomID]struct{}),
		closed: make(chan struct{}),
	}
	if s.cfg.RateLimitEnabled {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	// A reconnecting participant replaces its previous connection once the
	// old one has left its rooms.
	s.mu.Lock()
	previous, isReconnect := s.clients[participantID]
	s.mu.Unlock()
	if isReconnect {
		s.logger.Infow("closing old connection for reconnecting participant", "participant_id", participantID)
		previous.close()
		<-previous.done
	}

	s.mu.Lock()
	s.clients[participantID] = c
	connections := len(s.clients)
	s.mu.Unlock()
	s.metrics.SetConnections(connections)
	s.logger.Infow("participant connected", "participant_id", participantID, "reconnect", isReconnect)

	go s.writePump(c)
	s.readPump(c)
	s.cleanup(c)
}

func (s *WebSocketServer) readPump(c *relayClient) {
	c.conn.SetReadLimit(s.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	for {
		var msg domain.SignalMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				s.metrics.ObserveRejected("malformed")
				s.sendError(c, "", fmt.Sprintf("malformed message: %v", err))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from participant", "participant_id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if c.limiter != nil && !c.limiter.Allow() {
			s.metrics.ObserveRejected("rate_limited")
			s.sendError(c, msg.Room, "rate limit exceeded")
			continue
		}

		if err := s.handleMessage(context.Background(), c, msg); err != nil {
			s.logger.Infow("error handling message from participant", "participant_id", c.id, "type", msg.Type, "error", err)
			s.sendError(c, msg.Room, err.Error())
		}
	}
}

func (s *WebSocketServer) writePump(c *relayClient) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Infow("error writing to participant", "participant_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "participant_id", c.id, "error", err)
				return
			}
		case <-c.closed:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WriteTimeout))
			return
		}
	}
}

func (s *WebSocketServer) cleanup(c *relayClient) {
	c.close()
	c.conn.Close()

	c.mu.Lock()
	rooms := make([]domain.RoomID, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.rooms = make(map[domain.RoomID]struct{})
	c.mu.Unlock()

	ctx := context.Background()
	for _, room := range rooms {
		if err := s.leaveRoom(ctx, c, room); err != nil {
			s.logger.Warnw("error leaving room on disconnect", "participant_id", c.id, "room_id", room, "error", err)
		}
	}

	s.mu.Lock()
	if s.clients[c.id] == c {
		delete(s.clients, c.id)
	}
	connections := len(s.clients)
	s.mu.Unlock()
	s.metrics.SetConnections(connections)
	s.updateRoomGauge(ctx)
	close(c.done)

	s.logger.Infow("participant disconnected", "participant_id", c.id, "rooms_left", len(rooms))
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *relayClient, msg domain.SignalMessage) error {
	ctx, span := tracing.TraceSignalMessage(ctx, string(msg.Type), string(msg.Room), string(c.id))
	defer span.End()

	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}
	if err := validation.ValidateRoomID(string(msg.Room)); err != nil {
		return err
	}

	var err error
	switch msg.Type {
	case domain.MessageJoin:
		err = s.handleJoin(ctx, c, msg.Room)
	case domain.MessageLeave:
		err = s.handleLeave(ctx, c, msg.Room)
	case domain.MessageOffer, domain.MessageAnswer, domain.MessageICECandidate:
		err = s.handleRelay(ctx, c, msg)
	default:
		err = fmt.Errorf("unknown message type: %s", msg.Type)
	}
	if err != nil {
		s.metrics.ObserveRejected(string(msg.Type))
		tracing.RecordError(ctx, err)
	}
	return err
}

func (s *WebSocketServer) handleJoin(ctx context.Context, c *relayClient, room domain.RoomID) error {
	member, err := s.rooms.AddMember(ctx, room, c.id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()

	members, err := s.rooms.Members(ctx, room)
	if err != nil {
		return fmt.Errorf("list members of %s: %w", room, err)
	}

	// The echo completes the participant's join before any announcement.
	s.deliver(c.id, domain.SignalMessage{Type: domain.MessageJoin, Room: room, ParticipantID: c.id, Seq: member.Seq})
	for _, m := range members {
		if m.ID == c.id {
			continue
		}
		s.deliver(c.id, domain.SignalMessage{Type: domain.MessageJoin, Room: room, ParticipantID: m.ID, Seq: m.Seq})
		s.deliver(m.ID, domain.SignalMessage{Type: domain.MessageJoin, Room: room, ParticipantID: c.id, Seq: member.Seq})
	}

	s.metrics.ObserveRelayed(domain.MessageJoin)
	s.updateRoomGauge(ctx)
	s.logger.Infow("participant joined room", "participant_id", c.id, "room_id", room, "seq", member.Seq, "members", len(members))
	return nil
}

func (s *WebSocketServer) handleLeave(ctx context.Context, c *relayClient, room domain.RoomID) error {
	c.mu.Lock()
	_, joined := c.rooms[room]
	delete(c.rooms, room)
	c.mu.Unlock()
	if !joined {
		return domain.ErrNotJoined
	}
	if err := s.leaveRoom(ctx, c, room); err != nil {
		return err
	}
	s.updateRoomGauge(ctx)
	return nil
}

func (s *WebSocketServer) leaveRoom(ctx context.Context, c *relayClient, room domain.RoomID) error {
	remaining, err := s.rooms.RemoveMember(ctx, room, c.id)
	if err != nil {
		return err
	}
	if remaining > 0 {
		members, err := s.rooms.Members(ctx, room)
		if err != nil {
			return fmt.Errorf("list members of %s: %w", room, err)
		}
		for _, m := range members {
			s.deliver(m.ID, domain.SignalMessage{Type: domain.MessageLeave, Room: room, ParticipantID: c.id})
		}
	}
	s.metrics.ObserveRelayed(domain.MessageLeave)
	s.logger.Infow("participant left room", "participant_id", c.id, "room_id", room, "remaining", remaining)
	return nil
}

// handleRelay forwards an offer, answer or candidate. The relay stamps the
// sender but never inspects descriptions or candidates.
func (s *WebSocketServer) handleRelay(ctx context.Context, c *relayClient, msg domain.SignalMessage) error {
	c.mu.Lock()
	_, joined := c.rooms[msg.Room]
	c.mu.Unlock()
	if !joined {
		return fmt.Errorf("not a member of room %s", msg.Room)
	}

	msg.From = c.id
	msg.ParticipantID = ""
	if err := msg.Validate(); err != nil {
		return err
	}

	members, err := s.rooms.Members(ctx, msg.Room)
	if err != nil {
		return fmt.Errorf("list members of %s: %w", msg.Room, err)
	}

	delivered := 0
	for _, m := range members {
		if m.ID == c.id || (msg.To != "" && m.ID != msg.To) {
			continue
		}
		if err := s.deliver(m.ID, msg); err != nil {
			return err
		}
		delivered++
	}
	if delivered == 0 {
		if msg.To != "" {
			return fmt.Errorf("participant %s is not in room %s", msg.To, msg.Room)
		}
		return fmt.Errorf("room %s has no other participant", msg.Room)
	}

	s.metrics.ObserveRelayed(msg.Type)
	s.logger.Debugw("relayed message", "type", msg.Type, "room_id", msg.Room, "from", c.id, "to", msg.To)
	return nil
}

func (s *WebSocketServer) deliver(to domain.ParticipantID, msg domain.SignalMessage) error {
	s.mu.RLock()
	c, ok := s.clients[to]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("participant %s is not connected", to)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return fmt.Errorf("participant %s is disconnecting", to)
	default:
		s.logger.Warnw("send buffer full, dropping participant", "participant_id", to)
		c.close()
		return fmt.Errorf("participant %s is not keeping up", to)
	}
}

func (s *WebSocketServer) sendError(c *relayClient, room domain.RoomID, message string) {
	s.deliver(c.id, domain.SignalMessage{Type: domain.MessageError, Room: room, Error: message})
}

func (s *WebSocketServer) updateRoomGauge(ctx context.Context) {
	rooms, err := s.rooms.List(ctx)
	if err != nil {
		s.logger.Debugw("failed to count rooms", "error", err)
		return
	}
	s.metrics.SetRooms(len(rooms))
}

func (c *relayClient) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.ConnectionCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *WebSocketServer) IsParticipantConnected(id domain.ParticipantID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[id]
	return ok
}

// Shutdown closes every connection and waits for their cleanup.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	clients := make([]*relayClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
	for _, c := range clients {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

type nopRelayMetrics struct{}

func (nopRelayMetrics) ObserveRelayed(domain.MessageType) {}
func (nopRelayMetrics) ObserveRejected(string)            {}
func (nopRelayMetrics) SetConnections(int)                {}
func (nopRelayMetrics) SetRooms(int)                      {}
