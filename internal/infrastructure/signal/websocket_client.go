package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"teleconsult/internal/core/domain"
	"teleconsult/internal/core/ports"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ClientConfig struct {
	URL              string
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	SendBuffer       int
	MaxMessageSize   int64
}

func DefaultClientConfig(rawURL string) ClientConfig {
	return ClientConfig{
		URL:              rawURL,
		PingInterval:     30 * time.Second,
		PongTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		SendBuffer:       64,
		MaxMessageSize:   64 * 1024,
	}
}

// WebSocketChannel is a SignalingChannel backed by one websocket connection
// to the relay server. The connection is opened by the first Join.
type WebSocketChannel struct {
	cfg    ClientConfig
	logger *zap.SugaredLogger

	mu            sync.Mutex
	conn          *websocket.Conn
	self          domain.ParticipantID
	send          chan []byte
	joined        map[domain.RoomID]struct{}
	pending       map[domain.RoomID]chan joinResult
	handlers      map[domain.RoomID][]handlerEntry
	nextHandlerID uint64
	closed        bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type joinResult struct {
	seq uint64
	err error
}

var _ ports.SignalingChannel = (*WebSocketChannel)(nil)

func NewWebSocketChannel(cfg ClientConfig, logger *zap.SugaredLogger) *WebSocketChannel {
	return &WebSocketChannel{
		cfg:      cfg,
		logger:   logger,
		joined:   make(map[domain.RoomID]struct{}),
		pending:  make(map[domain.RoomID]chan joinResult),
		handlers: make(map[domain.RoomID][]handlerEntry),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *WebSocketChannel) connect(ctx context.Context, participant domain.ParticipantID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrChannelClosed
	}
	if c.conn != nil {
		if c.self != participant {
			return fmt.Errorf("channel is connected as %s, not %s", c.self, participant)
		}
		return nil
	}

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("participant_id", string(participant))
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: dial relay: %v", domain.ErrSignalingDelivery, err)
	}

	c.conn = conn
	c.self = participant
	c.send = make(chan []byte, c.cfg.SendBuffer)
	go c.writePump(conn)
	go c.readPump(conn)

	c.logger.Infow("connected to relay", "url", c.cfg.URL, "participant_id", participant)
	return nil
}

func (c *WebSocketChannel) Join(ctx context.Context, room domain.RoomID, participant domain.ParticipantID) (domain.JoinReceipt, error) {
	if err := c.connect(ctx, participant); err != nil {
		return domain.JoinReceipt{}, err
	}

	c.mu.Lock()
	if _, ok := c.joined[room]; ok {
		c.mu.Unlock()
		return domain.JoinReceipt{}, domain.ErrAlreadyJoined
	}
	if _, ok := c.pending[room]; ok {
		c.mu.Unlock()
		return domain.JoinReceipt{}, domain.ErrAlreadyJoined
	}
	result := make(chan joinResult, 1)
	c.pending[room] = result
	c.mu.Unlock()

	err := c.write(ctx, domain.SignalMessage{Type: domain.MessageJoin, Room: room, ParticipantID: participant})
	if err != nil {
		c.clearPending(room)
		return domain.JoinReceipt{}, err
	}

	select {
	case res := <-result:
		if res.err != nil {
			return domain.JoinReceipt{}, res.err
		}
		return domain.JoinReceipt{Room: room, Participant: participant, Seq: res.seq}, nil
	case <-ctx.Done():
		c.clearPending(room)
		return domain.JoinReceipt{}, ctx.Err()
	case <-c.done:
		return domain.JoinReceipt{}, domain.ErrChannelClosed
	}
}

func (c *WebSocketChannel) clearPending(room domain.RoomID) {
	c.mu.Lock()
	delete(c.pending, room)
	c.mu.Unlock()
}

func (c *WebSocketChannel) Send(ctx context.Context, room domain.RoomID, msg domain.SignalMessage, target domain.ParticipantID) error {
	c.mu.Lock()
	_, joined := c.joined[room]
	self := c.self
	c.mu.Unlock()
	if !joined {
		return domain.ErrNotJoined
	}

	msg.Room = room
	msg.To = target
	msg.From = self
	return c.write(ctx, msg)
}

func (c *WebSocketChannel) Subscribe(room domain.RoomID, handler ports.MessageHandler) (func(), error) {
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

func (c *WebSocketChannel) Leave(ctx context.Context, room domain.RoomID) error {
	c.mu.Lock()
	_, joined := c.joined[room]
	delete(c.joined, room)
	self := c.self
	c.mu.Unlock()
	if !joined {
		return domain.ErrNotJoined
	}
	return c.write(ctx, domain.SignalMessage{Type: domain.MessageLeave, Room: room, ParticipantID: self})
}

// Close disconnects from the relay, which treats it as leaving every room.
func (c *WebSocketChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stop) })
	if conn == nil {
		close(c.done)
		return nil
	}
	select {
	case <-c.done:
	case <-time.After(c.cfg.WriteTimeout):
		conn.Close()
		<-c.done
	}
	return nil
}

func (c *WebSocketChannel) write(ctx context.Context, msg domain.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}

	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return domain.ErrChannelClosed
	}

	select {
	case send <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: connection closed", domain.ErrSignalingDelivery)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrSignalingDelivery, ctx.Err())
	}
}

func (c *WebSocketChannel) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Infow("error writing to relay", "error", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Infow("error sending ping", "error", err)
				conn.Close()
				return
			}
		case <-c.stop:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			return
		case <-c.done:
			return
		}
	}
}

func (c *WebSocketChannel) readPump(conn *websocket.Conn) {
	reason := "connection closed"
	defer func() {
		conn.Close()
		c.mu.Lock()
		wasClosed := c.closed
		c.closed = true
		pending := c.pending
		c.pending = make(map[domain.RoomID]chan joinResult)
		joined := c.joined
		c.joined = make(map[domain.RoomID]struct{})
		c.mu.Unlock()
		for _, ch := range pending {
			ch <- joinResult{err: domain.ErrChannelClosed}
		}
		c.stopOnce.Do(func() { close(c.stop) })
		close(c.done)

		if wasClosed {
			return
		}
		for room := range joined {
			c.dispatch(domain.SignalMessage{Type: domain.MessageChannelLost, Room: room, Error: reason})
		}
	}()

	conn.SetReadLimit(c.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		var msg domain.SignalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warnw("relay connection lost", "error", err)
			}
			reason = err.Error()
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		c.dispatch(msg)
	}
}

func (c *WebSocketChannel) dispatch(msg domain.SignalMessage) {
	c.mu.Lock()
	if msg.Type == domain.MessageJoin && msg.ParticipantID == c.self {
		if result, ok := c.pending[msg.Room]; ok {
			delete(c.pending, msg.Room)
			c.joined[msg.Room] = struct{}{}
			c.mu.Unlock()
			result <- joinResult{seq: msg.Seq}
			return
		}
	}
	if msg.Type == domain.MessageError {
		if result, ok := c.pending[msg.Room]; ok {
			delete(c.pending, msg.Room)
			c.mu.Unlock()
			result <- joinResult{err: relayError(msg.Error)}
			return
		}
	}
	entries := append([]handlerEntry(nil), c.handlers[msg.Room]...)
	c.mu.Unlock()

	for _, e := range entries {
		e.handler(msg)
	}
}

func relayError(message string) error {
	for _, known := range []error{domain.ErrRoomFull, domain.ErrAlreadyJoined, domain.ErrNotJoined} {
		if strings.Contains(message, known.Error()) {
			return fmt.Errorf("relay: %w", known)
		}
	}
	return fmt.Errorf("relay: %s", message)
}
