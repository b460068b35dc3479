package services

import (
	"context"
	"sync"
	"time"

	"teleconsult/internal/core/domain"
	"teleconsult/internal/core/ports"

	"github.com/bep/debounce"
	"go.uber.org/zap"
)

const statusBuffer = 64

// Call is the surface the call shell drives: a status stream, mute toggles
// and hang up.
type Call struct {
	room    domain.RoomID
	self    domain.ParticipantID
	session *NegotiationSession
	manager *RoomManager
	logger  *zap.SugaredLogger

	status      chan domain.Status
	debounced   func(func())
	renegotiate func()
	stopped     chan struct{}
	stopOnce    sync.Once
}

func newCall(room domain.RoomID, self domain.ParticipantID, session *NegotiationSession, manager *RoomManager, debounceInterval time.Duration, logger *zap.SugaredLogger) *Call {
	c := &Call{
		room:    room,
		self:    self,
		session: session,
		manager: manager,
		logger:  logger.With("room_id", room, "participant_id", self),
		status:  make(chan domain.Status, statusBuffer),
		stopped: make(chan struct{}),
	}
	if debounceInterval > 0 {
		c.debounced = debounce.New(debounceInterval)
	} else {
		c.debounced = func(f func()) { f() }
	}
	c.renegotiate = func() {
		select {
		case <-c.stopped:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.session.Renegotiate(ctx, false); err != nil {
			c.logger.Infow("renegotiation request dropped", "error", err)
		}
	}

	session.OnStatus(c.publish)
	go func() {
		<-session.Done()
		close(c.status)
	}()
	return c
}

func (c *Call) publish(st domain.Status) {
	select {
	case c.status <- st:
	default:
		c.logger.Warnw("status consumer is lagging, dropping event", "state", st.State)
	}
}

// Room returns the room the call was joined in.
func (c *Call) Room() domain.RoomID { return c.room }

// Participant returns the local participant ID.
func (c *Call) Participant() domain.ParticipantID { return c.self }

// Status streams status events. The channel is closed once the call ends.
func (c *Call) Status() <-chan domain.Status { return c.status }

// State returns the current call state.
func (c *Call) State() domain.CallState { return c.session.State() }

// LocalMedia returns the local media handle, or nil when none is held.
func (c *Call) LocalMedia() ports.MediaHandle { return c.session.LocalMedia() }

// Done is closed when the call has ended.
func (c *Call) Done() <-chan struct{} { return c.session.Done() }

// ToggleAudio flips the microphone and returns whether it is now enabled.
func (c *Call) ToggleAudio() (bool, error) {
	return c.session.ToggleTrack(context.Background(), domain.TrackAudio)
}

// ToggleVideo flips the camera and returns whether it is now enabled.
func (c *Call) ToggleVideo() (bool, error) {
	return c.session.ToggleTrack(context.Background(), domain.TrackVideo)
}

// Renegotiate immediately issues a fresh offer.
func (c *Call) Renegotiate(ctx context.Context) error {
	return c.session.Renegotiate(ctx, false)
}

// RequestRenegotiation coalesces bursts of renegotiation requests.
func (c *Call) RequestRenegotiation() {
	c.debounced(c.renegotiate)
}

// EndCall hangs up and leaves the room. Safe to call repeatedly.
func (c *Call) EndCall(ctx context.Context) error {
	return c.manager.leave(ctx, c.room, c)
}

func (c *Call) stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
}
