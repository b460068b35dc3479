package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"teleconsult/internal/core/domain"
	"teleconsult/internal/core/ports"
	"teleconsult/pkg/retry"
	"teleconsult/pkg/tracing"
	"teleconsult/pkg/validation"

	"go.uber.org/zap"
)

const sessionEventBuffer = 128

type SessionConfig struct {
	Constraints        domain.MediaConstraints
	NegotiationTimeout time.Duration // 0 disables the deadline
	LivenessThreshold  time.Duration
	OperationTimeout   time.Duration
	SendTimeout        time.Duration
	CandidateRetry     retry.Config
}

func DefaultSessionConfig() SessionConfig {
	candidateRetry := retry.DefaultConfig()
	candidateRetry.NonRetryableErrors = []error{domain.ErrNotJoined}
	return SessionConfig{
		Constraints:        domain.MediaConstraints{Audio: true, Video: true},
		NegotiationTimeout: 30 * time.Second,
		LivenessThreshold:  5 * time.Second,
		OperationTimeout:   10 * time.Second,
		SendTimeout:        5 * time.Second,
		CandidateRetry:     candidateRetry,
	}
}

type SessionDeps struct {
	Channel ports.SignalingChannel
	Factory ports.PeerConnectionFactory
	Media   ports.MediaSource
	Metrics ports.CallMetrics
}

// NegotiationSession drives one participant's side of a two party call.
// Every state change happens on a single event loop goroutine; slow work
// runs on helper goroutines whose results are posted back and discarded if
// the session moved on in the meantime.
type NegotiationSession struct {
	room    domain.RoomID
	self    domain.ParticipantID
	channel ports.SignalingChannel
	factory ports.PeerConnectionFactory
	media   ports.MediaSource
	metrics ports.CallMetrics
	cfg     SessionConfig
	logger  *zap.SugaredLogger

	events chan func()
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	postMu sync.RWMutex
	closed bool

	mu        sync.RWMutex
	status    domain.Status
	handle    ports.MediaHandle
	observers []func(domain.Status)
	onFailure func(error)

	// owned by the event loop
	state            domain.CallState
	gen              uint64
	selfSeq          uint64
	peer             domain.Member
	role             domain.Role
	pc               ports.PeerConnection
	localMedia       ports.MediaHandle
	remoteMedia      *domain.RemoteMedia
	pendingOffer     *domain.SignalMessage
	pendingLocal     []domain.ICECandidate
	candidates       candidateBuffer
	localDescSet     bool
	remoteDescSet    bool
	exchangePending  bool
	offerSent        bool
	exchanges        int
	localCandidates  int
	remoteCandidates int
	transportUp      bool
	connectedOnce    bool
	negotiationStart time.Time
	livenessTimer    *time.Timer
	deadlineTimer    *time.Timer
}

// NewNegotiationSession returns an idle session. Call Start once the
// participant has joined the room.
func NewNegotiationSession(room domain.RoomID, self domain.ParticipantID, deps SessionDeps, cfg SessionConfig, logger *zap.SugaredLogger) *NegotiationSession {
	if deps.Metrics == nil {
		deps.Metrics = NopCallMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &NegotiationSession{
		room:    room,
		self:    self,
		channel: deps.Channel,
		factory: deps.Factory,
		media:   deps.Media,
		metrics: deps.Metrics,
		cfg:     cfg,
		logger:  logger.With("room_id", room, "participant_id", self),
		events:  make(chan func(), sessionEventBuffer),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		state:   domain.StateIdle,
	}
	s.status = domain.Status{State: domain.StateIdle, Room: room, Participant: self, At: time.Now()}

	go s.run()
	return s
}

func (s *NegotiationSession) run() {
	for fn := range s.events {
		fn()
		if s.state == domain.StateClosed {
			break
		}
	}
	close(s.done)

	// Events that raced with the close still run so late results can
	// release what they carry.
	s.postMu.Lock()
	s.closed = true
	s.postMu.Unlock()
	for {
		select {
		case fn := <-s.events:
			fn()
		default:
			return
		}
	}
}

// post schedules fn on the event loop. It reports false once the session
// is closed.
func (s *NegotiationSession) post(fn func()) bool {
	s.postMu.RLock()
	defer s.postMu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

// call runs fn on the event loop and waits for its result.
func (s *NegotiationSession) call(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	if !s.post(func() { errCh <- fn() }) {
		return domain.ErrSessionClosed
	}
	select {
	case err := <-errCh:
		return err
	case <-s.done:
		select {
		case err := <-errCh:
			return err
		default:
			return domain.ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnStatus registers an observer. Observers run on the event loop and must
// not block.
func (s *NegotiationSession) OnStatus(fn func(domain.Status)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// SetFailureHandler installs the callback invoked when the session fails.
func (s *NegotiationSession) SetFailureHandler(fn func(error)) {
	s.mu.Lock()
	s.onFailure = fn
	s.mu.Unlock()
}

// Room returns the room this session negotiates in.
func (s *NegotiationSession) Room() domain.RoomID { return s.room }

// Participant returns the local participant ID.
func (s *NegotiationSession) Participant() domain.ParticipantID { return s.self }

// Status returns the last emitted status.
func (s *NegotiationSession) Status() domain.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// State returns the current call state.
func (s *NegotiationSession) State() domain.CallState {
	return s.Status().State
}

// LocalMedia returns the acquired media handle, or nil before acquisition
// and after release.
func (s *NegotiationSession) LocalMedia() ports.MediaHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

// Done is closed once the session has shut down.
func (s *NegotiationSession) Done() <-chan struct{} {
	return s.done
}

// Start moves the session to awaiting-peer and begins media acquisition.
// seq is the join sequence number assigned by the signaling channel.
func (s *NegotiationSession) Start(seq uint64) error {
	return s.call(context.Background(), func() error {
		if s.state != domain.StateIdle {
			return fmt.Errorf("%w: start from %s", domain.ErrInvalidTransition, s.state)
		}
		s.selfSeq = seq
		s.transition(domain.StateAwaitingPeer, nil)
		s.acquireMedia()
		return nil
	})
}

// PeerJoined reports a room member other than ourselves.
func (s *NegotiationSession) PeerJoined(member domain.Member) {
	s.post(func() { s.handlePeerJoined(member) })
}

// PeerLeft reports that a room member went away.
func (s *NegotiationSession) PeerLeft(id domain.ParticipantID) {
	s.post(func() { s.handlePeerLeft(id) })
}

// HandleSignal feeds an offer, answer or candidate from the peer.
func (s *NegotiationSession) HandleSignal(msg domain.SignalMessage) {
	s.post(func() { s.handleSignal(msg) })
}

// Renegotiate issues a fresh offer from a connected session. Only the side
// that made the original offer may renegotiate.
func (s *NegotiationSession) Renegotiate(ctx context.Context, iceRestart bool) error {
	return s.call(ctx, func() error {
		if s.state != domain.StateConnected {
			return fmt.Errorf("%w: renegotiate from %s", domain.ErrInvalidTransition, s.state)
		}
		if s.role != domain.RoleOfferer {
			return domain.ErrNotOfferer
		}
		s.startNegotiationClock()
		s.transition(domain.StateRenegotiating, nil)
		s.beginOffer(iceRestart)
		return nil
	})
}

// SetTrackEnabled toggles a local track without touching negotiation state.
func (s *NegotiationSession) SetTrackEnabled(ctx context.Context, kind domain.TrackKind, enabled bool) error {
	return s.call(ctx, func() error {
		if s.localMedia == nil {
			return s.mediaUnavailable()
		}
		return s.localMedia.SetTrackEnabled(kind, enabled)
	})
}

// ToggleTrack flips a local track and returns its new enabled flag.
func (s *NegotiationSession) ToggleTrack(ctx context.Context, kind domain.TrackKind) (bool, error) {
	var enabled bool
	err := s.call(ctx, func() error {
		if s.localMedia == nil {
			return s.mediaUnavailable()
		}
		enabled = !s.localMedia.TrackEnabled(kind)
		return s.localMedia.SetTrackEnabled(kind, enabled)
	})
	return enabled, err
}

func (s *NegotiationSession) mediaUnavailable() error {
	if s.state.Terminal() {
		return domain.ErrMediaReleased
	}
	return domain.ErrMediaNotReady
}

// Leave tears the session down from any state and closes it. Calling it
// again is a no-op.
func (s *NegotiationSession) Leave(ctx context.Context) error {
	if !s.post(s.handleLeave) {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ChannelLost reports that the signaling transport dropped. An established
// call keeps its media and only warns; any other session fails.
func (s *NegotiationSession) ChannelLost(reason string) {
	s.post(func() { s.handleChannelLost(reason) })
}

func (s *NegotiationSession) handleChannelLost(reason string) {
	if s.state.Terminal() {
		return
	}
	err := fmt.Errorf("%w: %s", domain.ErrSignalingDelivery, reason)
	if s.state == domain.StateConnected {
		s.warnDelivery("signaling channel", err)
		return
	}
	s.fail(domain.KindSignalingDeliveryFailure, "signaling channel", err)
}

func (s *NegotiationSession) handleLeave() {
	if s.state == domain.StateClosed {
		return
	}
	if s.state != domain.StateDisconnected {
		s.teardown()
		s.transition(domain.StateDisconnected, nil)
	}
	s.cancel()
	s.transition(domain.StateClosed, nil)
	s.logger.Infow("call session closed", "exchanges", s.exchanges)
}

func (s *NegotiationSession) acquireMedia() {
	gen := s.gen
	go func() {
		ctx, span := tracing.TraceNegotiation(s.ctx, "acquire_media", string(s.room), string(s.self))
		handle, err := s.media.Acquire(ctx, s.cfg.Constraints)
		tracing.RecordError(ctx, err)
		span.End()

		posted := s.post(func() { s.onMediaAcquired(gen, handle, err) })
		if !posted && handle != nil {
			handle.Release()
		}
	}()
}

func (s *NegotiationSession) onMediaAcquired(gen uint64, handle ports.MediaHandle, err error) {
	if gen != s.gen || s.state.Terminal() {
		if handle != nil {
			handle.Release()
		}
		return
	}
	if err != nil {
		s.fail(domain.KindDeviceUnavailable, "acquire media", err)
		return
	}

	s.setLocalMedia(handle)

	pc, err := s.factory.NewPeerConnection(s.ctx)
	if err != nil {
		s.fail(domain.KindNegotiationFailure, "create peer connection", err)
		return
	}
	s.pc = pc
	s.wirePeerConnection(pc, gen)
	if err := pc.AttachMedia(handle); err != nil {
		s.fail(domain.KindNegotiationFailure, "attach media", err)
		return
	}

	s.logger.Debugw("local media ready", "media_id", handle.ID(), "kinds", handle.Kinds())
	s.emit(nil)

	switch s.state {
	case domain.StateOffering:
		s.beginOffer(false)
	case domain.StateAnswering:
		if s.pendingOffer != nil {
			offer := *s.pendingOffer
			s.pendingOffer = nil
			s.beginAnswer(offer)
		}
	}
}

func (s *NegotiationSession) wirePeerConnection(pc ports.PeerConnection, gen uint64) {
	pc.OnICECandidate(func(c *domain.ICECandidate) {
		if c == nil {
			return
		}
		candidate := *c
		s.post(func() { s.onLocalCandidate(gen, candidate) })
	})
	pc.OnConnectionStateChange(func(state ports.PeerConnectionState) {
		s.post(func() { s.onTransportState(gen, state) })
	})
	pc.OnRemoteTrack(func(track domain.RemoteTrack) {
		s.post(func() { s.onRemoteTrack(gen, track) })
	})
}

func (s *NegotiationSession) handlePeerJoined(member domain.Member) {
	if s.state.Terminal() || member.ID == s.self {
		return
	}
	if s.peer.ID != "" && s.peer.ID != member.ID {
		s.logger.Warnw("ignoring additional participant", "peer_id", s.peer.ID, "ignored_id", member.ID)
		return
	}
	if s.state != domain.StateAwaitingPeer {
		if s.peer.ID == member.ID && s.peer.Seq == 0 {
			s.peer.Seq = member.Seq
		}
		return
	}

	s.peer = member
	offerer := domain.ElectOfferer(domain.Member{ID: s.self, Seq: s.selfSeq}, member)
	if offerer != s.self {
		s.role = domain.RoleAnswerer
		s.logger.Infow("peer joined, waiting for offer", "peer_id", member.ID, "self_seq", s.selfSeq, "peer_seq", member.Seq)
		s.startNegotiationClock()
		s.emit(nil)
		return
	}

	s.role = domain.RoleOfferer
	s.logger.Infow("peer joined, creating offer", "peer_id", member.ID, "self_seq", s.selfSeq, "peer_seq", member.Seq)
	s.startNegotiationClock()
	s.transition(domain.StateOffering, nil)
	if s.pc != nil {
		s.beginOffer(false)
	}
}

func (s *NegotiationSession) handlePeerLeft(id domain.ParticipantID) {
	if s.state.Terminal() || s.peer.ID == "" || id != s.peer.ID {
		return
	}
	s.logger.Infow("peer left the room", "peer_id", id, "state", s.state)
	s.teardown()
	s.transition(domain.StateDisconnected, nil)
}

func (s *NegotiationSession) handleSignal(msg domain.SignalMessage) {
	if s.state.Terminal() {
		s.logger.Debugw("dropping signal for inactive session", "type", msg.Type, "state", s.state)
		return
	}
	sender := msg.Sender()
	if sender == s.self || (msg.To != "" && msg.To != s.self) {
		return
	}
	if s.peer.ID != "" && sender != s.peer.ID {
		s.logger.Warnw("ignoring signal from non-peer", "type", msg.Type, "from", sender)
		return
	}

	switch msg.Type {
	case domain.MessageOffer:
		s.onRemoteOffer(msg)
	case domain.MessageAnswer:
		s.onRemoteAnswer(msg)
	case domain.MessageICECandidate:
		s.onRemoteCandidate(msg)
	default:
		s.logger.Debugw("ignoring signal", "type", msg.Type)
	}
}

func (s *NegotiationSession) onRemoteOffer(msg domain.SignalMessage) {
	if err := validateDescription(msg); err != nil {
		s.fail(domain.KindNegotiationFailure, "decode offer", err)
		return
	}

	switch s.state {
	case domain.StateAwaitingPeer:
		if s.peer.ID == "" {
			s.peer = domain.Member{ID: msg.From}
		}
		s.role = domain.RoleAnswerer
		s.startNegotiationClock()
		s.transition(domain.StateAnswering, nil)
		if s.pc == nil {
			s.pendingOffer = &msg
			return
		}
		s.beginAnswer(msg)
	case domain.StateConnected:
		if s.role != domain.RoleAnswerer {
			s.logger.Warnw("ignoring offer from answering side", "from", msg.From)
			return
		}
		s.startNegotiationClock()
		s.transition(domain.StateRenegotiating, nil)
		s.beginAnswer(msg)
	default:
		s.logger.Warnw("ignoring unexpected offer", "from", msg.From, "state", s.state)
	}
}

func (s *NegotiationSession) beginOffer(iceRestart bool) {
	gen, pc := s.gen, s.pc
	s.exchangePending = true
	s.offerSent = false
	s.localDescSet = false
	if s.state == domain.StateRenegotiating {
		s.remoteDescSet = false
	}

	go func() {
		ctx, span := tracing.TraceNegotiation(s.ctx, "offer", string(s.room), string(s.self))
		defer span.End()
		ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
		defer cancel()

		offer, err := pc.CreateOffer(ctx, ports.OfferOptions{ICERestart: iceRestart})
		if err == nil {
			err = pc.SetLocalDescription(ctx, offer)
		}
		tracing.RecordError(ctx, err)
		s.post(func() { s.onOfferCreated(gen, offer, err) })
	}()
}

func (s *NegotiationSession) onOfferCreated(gen uint64, offer domain.SessionDescription, err error) {
	if gen != s.gen || s.state.Terminal() {
		return
	}
	if err != nil {
		s.fail(domain.KindNegotiationFailure, "create offer", err)
		return
	}
	s.localDescSet = true

	msg := domain.SignalMessage{Type: domain.MessageOffer, Room: s.room, From: s.self, To: s.peer.ID, Description: &offer}
	if err := s.send(msg); err != nil {
		s.warnDelivery("send offer", err)
		return
	}
	s.offerSent = true
	s.flushLocalCandidates()

	if s.state == domain.StateOffering {
		s.transition(domain.StateAnswerPending, nil)
	}
}

func (s *NegotiationSession) onRemoteAnswer(msg domain.SignalMessage) {
	if err := validateDescription(msg); err != nil {
		s.fail(domain.KindNegotiationFailure, "decode answer", err)
		return
	}
	expecting := s.state == domain.StateAnswerPending ||
		(s.state == domain.StateRenegotiating && s.role == domain.RoleOfferer)
	if !expecting || !s.offerSent {
		s.logger.Warnw("ignoring unexpected answer", "from", msg.From, "state", s.state)
		return
	}
	s.offerSent = false

	gen, pc, answer := s.gen, s.pc, *msg.Description
	go func() {
		ctx, span := tracing.TraceNegotiation(s.ctx, "apply_answer", string(s.room), string(s.self))
		defer span.End()
		ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
		defer cancel()

		err := pc.SetRemoteDescription(ctx, answer)
		tracing.RecordError(ctx, err)
		s.post(func() { s.onAnswerApplied(gen, err) })
	}()
}

func (s *NegotiationSession) onAnswerApplied(gen uint64, err error) {
	if gen != s.gen || s.state.Terminal() {
		return
	}
	if err != nil {
		s.fail(domain.KindNegotiationFailure, "apply answer", err)
		return
	}
	s.remoteDescSet = true
	s.exchangePending = false
	s.exchanges++
	if !s.flushCandidates() {
		return
	}
	s.checkConnected()
}

func (s *NegotiationSession) beginAnswer(msg domain.SignalMessage) {
	gen, pc, offer := s.gen, s.pc, *msg.Description
	s.exchangePending = true
	s.localDescSet = false
	s.remoteDescSet = false

	go func() {
		ctx, span := tracing.TraceNegotiation(s.ctx, "answer", string(s.room), string(s.self))
		defer span.End()
		ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
		defer cancel()

		var answer domain.SessionDescription
		err := pc.SetRemoteDescription(ctx, offer)
		if err == nil {
			answer, err = pc.CreateAnswer(ctx)
		}
		if err == nil {
			err = pc.SetLocalDescription(ctx, answer)
		}
		tracing.RecordError(ctx, err)
		s.post(func() { s.onAnswerCreated(gen, answer, err) })
	}()
}

func (s *NegotiationSession) onAnswerCreated(gen uint64, answer domain.SessionDescription, err error) {
	if gen != s.gen || s.state.Terminal() {
		return
	}
	if err != nil {
		s.fail(domain.KindNegotiationFailure, "apply offer", err)
		return
	}
	s.localDescSet = true
	s.remoteDescSet = true
	s.exchangePending = false
	s.exchanges++

	msg := domain.SignalMessage{Type: domain.MessageAnswer, Room: s.room, From: s.self, To: s.peer.ID, Description: &answer}
	if err := s.send(msg); err != nil {
		s.warnDelivery("send answer", err)
	}
	s.flushLocalCandidates()
	if !s.flushCandidates() {
		return
	}
	s.checkConnected()
}

func (s *NegotiationSession) onRemoteCandidate(msg domain.SignalMessage) {
	if err := msg.Validate(); err != nil {
		s.fail(domain.KindNegotiationFailure, "decode candidate", err)
		return
	}
	if err := validation.ValidateICECandidate(msg.Candidate.Candidate); err != nil {
		s.fail(domain.KindNegotiationFailure, "decode candidate", err)
		return
	}
	if s.peer.ID == "" {
		s.peer = domain.Member{ID: msg.From}
	}
	if msg.Candidate.Candidate == "" {
		return
	}

	if s.pc == nil || !s.localDescSet || !s.remoteDescSet {
		s.candidates.Push(*msg.Candidate)
		s.logger.Debugw("buffered remote candidate", "buffered", s.candidates.Len())
		return
	}
	if s.applyCandidate(*msg.Candidate) {
		s.checkConnected()
	}
}

var errCandidateRejected = errors.New("candidate rejected")

// flushCandidates replays buffered remote candidates once both descriptions
// are applied. It reports false if the session failed while doing so.
func (s *NegotiationSession) flushCandidates() bool {
	if !s.localDescSet || !s.remoteDescSet || s.candidates.Len() == 0 {
		return true
	}
	s.logger.Debugw("replaying buffered candidates", "count", s.candidates.Len())
	err := s.candidates.Drain(func(c domain.ICECandidate) error {
		if !s.applyCandidate(c) {
			return errCandidateRejected
		}
		return nil
	})
	return err == nil
}

func (s *NegotiationSession) applyCandidate(c domain.ICECandidate) bool {
	if err := s.pc.AddICECandidate(c); err != nil {
		s.fail(domain.KindNegotiationFailure, "apply candidate", err)
		return false
	}
	s.remoteCandidates++
	return true
}

func (s *NegotiationSession) onLocalCandidate(gen uint64, c domain.ICECandidate) {
	if gen != s.gen || s.state.Terminal() {
		return
	}
	// Hold candidates until our description went out so the peer sees the
	// offer or answer first.
	if s.peer.ID == "" || s.exchangePending && !s.localDescSent() {
		s.pendingLocal = append(s.pendingLocal, c)
		return
	}
	s.sendCandidate(gen, c)
}

func (s *NegotiationSession) localDescSent() bool {
	if s.role == domain.RoleOfferer {
		return s.offerSent || !s.exchangePending
	}
	return !s.exchangePending
}

func (s *NegotiationSession) flushLocalCandidates() {
	pending := s.pendingLocal
	s.pendingLocal = nil
	for _, c := range pending {
		s.sendCandidate(s.gen, c)
	}
}

func (s *NegotiationSession) sendCandidate(gen uint64, c domain.ICECandidate) {
	peer := s.peer.ID
	msg := domain.SignalMessage{Type: domain.MessageICECandidate, Room: s.room, From: s.self, To: peer, Candidate: &c}
	go func() {
		err := retry.Retry(s.ctx, s.cfg.CandidateRetry, func() error {
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SendTimeout)
			defer cancel()
			return s.channel.Send(ctx, s.room, msg, peer)
		})
		s.post(func() { s.onCandidateSent(gen, err) })
	}()
}

func (s *NegotiationSession) onCandidateSent(gen uint64, err error) {
	if gen != s.gen || s.state.Terminal() {
		return
	}
	if err != nil {
		s.warnDelivery("send candidate", err)
		return
	}
	s.localCandidates++
	s.checkConnected()
}

func (s *NegotiationSession) onTransportState(gen uint64, state ports.PeerConnectionState) {
	if gen != s.gen || s.state.Terminal() {
		return
	}
	s.logger.Debugw("transport state changed", "transport_state", state, "state", s.state)

	switch state {
	case ports.PeerConnectionConnected:
		s.transportUp = true
		s.stopLivenessTimer()
		s.checkConnected()
	case ports.PeerConnectionDisconnected:
		s.transportUp = false
		if s.connectedOnce {
			s.armLivenessTimer(gen)
		}
	case ports.PeerConnectionFailed:
		s.transportUp = false
		if s.connectedOnce {
			s.fail(domain.KindPeerLost, "transport", errors.New("ice transport failed"))
		} else {
			s.fail(domain.KindNegotiationFailure, "transport", errors.New("ice transport failed before connecting"))
		}
	}
}

func (s *NegotiationSession) onRemoteTrack(gen uint64, track domain.RemoteTrack) {
	if gen != s.gen || s.state.Terminal() {
		return
	}
	if s.remoteMedia == nil || s.remoteMedia.StreamID != track.StreamID {
		s.remoteMedia = &domain.RemoteMedia{StreamID: track.StreamID}
	}
	s.remoteMedia.Tracks = append(s.remoteMedia.Tracks, track)
	s.logger.Infow("remote track received", "track_id", track.ID, "kind", track.Kind, "codec", track.Codec)
	s.emit(nil)
}

// checkConnected enters connected once one complete exchange is applied,
// candidates flowed both ways and the transport selected a pair.
func (s *NegotiationSession) checkConnected() {
	switch s.state {
	case domain.StateAnswering, domain.StateAnswerPending, domain.StateRenegotiating:
	default:
		return
	}
	if s.exchangePending || !s.localDescSet || !s.remoteDescSet {
		return
	}
	if s.localCandidates == 0 || s.remoteCandidates == 0 || !s.transportUp {
		return
	}

	s.stopDeadlineTimer()
	if !s.connectedOnce {
		s.connectedOnce = true
		s.metrics.ObserveTimeToConnect(time.Since(s.negotiationStart))
	}
	s.transition(domain.StateConnected, nil)
}

func (s *NegotiationSession) startNegotiationClock() {
	s.negotiationStart = time.Now()
	s.stopDeadlineTimer()
	if s.cfg.NegotiationTimeout <= 0 {
		return
	}
	gen, timeout := s.gen, s.cfg.NegotiationTimeout
	s.deadlineTimer = time.AfterFunc(timeout, func() {
		s.post(func() { s.onNegotiationDeadline(gen, timeout) })
	})
}

func (s *NegotiationSession) onNegotiationDeadline(gen uint64, timeout time.Duration) {
	awaitingOffer := s.state == domain.StateAwaitingPeer && s.role == domain.RoleAnswerer
	if gen != s.gen || s.state.Terminal() || !(s.state.Negotiating() || awaitingOffer) {
		return
	}
	s.deadlineTimer = nil
	s.fail(domain.KindNegotiationFailure, "negotiate", fmt.Errorf("not connected after %s", timeout))
}

func (s *NegotiationSession) armLivenessTimer(gen uint64) {
	if s.livenessTimer != nil {
		return
	}
	threshold := s.cfg.LivenessThreshold
	s.logger.Infow("transport interrupted, waiting for recovery", "threshold", threshold)
	s.livenessTimer = time.AfterFunc(threshold, func() {
		s.post(func() { s.onLivenessExpired(gen, threshold) })
	})
}

func (s *NegotiationSession) onLivenessExpired(gen uint64, threshold time.Duration) {
	if gen != s.gen || s.state.Terminal() {
		return
	}
	s.livenessTimer = nil
	if s.transportUp {
		return
	}
	s.fail(domain.KindPeerLost, "liveness", fmt.Errorf("transport did not recover within %s", threshold))
}

func (s *NegotiationSession) stopLivenessTimer() {
	if s.livenessTimer != nil {
		s.livenessTimer.Stop()
		s.livenessTimer = nil
	}
}

func (s *NegotiationSession) stopDeadlineTimer() {
	if s.deadlineTimer != nil {
		s.deadlineTimer.Stop()
		s.deadlineTimer = nil
	}
}

func (s *NegotiationSession) send(msg domain.SignalMessage) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SendTimeout)
	defer cancel()
	if err := s.channel.Send(ctx, s.room, msg, msg.To); err != nil {
		return domain.NewCallError(domain.KindSignalingDeliveryFailure, string(msg.Type), err)
	}
	return nil
}

func (s *NegotiationSession) warnDelivery(op string, err error) {
	s.metrics.ObserveNegotiationFailure(domain.KindSignalingDeliveryFailure)
	s.logger.Warnw("signaling delivery failed", "op", op, "error", err)
	s.emit(&domain.StatusError{Kind: domain.KindSignalingDeliveryFailure, Message: fmt.Sprintf("%s: %v", op, err)})
}

// fail tears the session down and reports a fatal error.
func (s *NegotiationSession) fail(kind domain.ErrorKind, op string, err error) {
	if s.state.Terminal() {
		return
	}
	callErr := domain.NewCallError(kind, op, err)
	s.metrics.ObserveNegotiationFailure(kind)
	s.logger.Warnw("call failed", "kind", kind, "op", op, "state", s.state, "error", err)

	s.teardown()
	s.transition(domain.StateDisconnected, &domain.StatusError{Kind: kind, Message: callErr.Error()})

	s.mu.RLock()
	onFailure := s.onFailure
	s.mu.RUnlock()
	if onFailure != nil {
		onFailure(callErr)
	}
}

// teardown releases media and closes the peer connection. Results of work
// started before the teardown are discarded through the generation bump.
func (s *NegotiationSession) teardown() {
	s.gen++
	s.stopLivenessTimer()
	s.stopDeadlineTimer()

	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.logger.Debugw("closing peer connection failed", "error", err)
		}
		s.pc = nil
	}
	if s.localMedia != nil {
		if err := s.localMedia.Release(); err != nil {
			s.logger.Debugw("releasing local media failed", "error", err)
		}
		s.setLocalMedia(nil)
	}
	s.remoteMedia = nil

	s.candidates.Reset()
	s.pendingLocal = nil
	s.pendingOffer = nil
	s.localDescSet, s.remoteDescSet = false, false
	s.exchangePending, s.offerSent = false, false
	s.transportUp = false
}

func (s *NegotiationSession) setLocalMedia(handle ports.MediaHandle) {
	s.localMedia = handle
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()
}

func (s *NegotiationSession) transition(to domain.CallState, statusErr *domain.StatusError) {
	from := s.state
	s.state = to
	s.metrics.ObserveTransition(from, to)
	s.logger.Infow("call state changed", "from", from, "to", to, "role", s.role, "peer_id", s.peer.ID)
	s.emit(statusErr)
}

func (s *NegotiationSession) emit(statusErr *domain.StatusError) {
	st := domain.Status{
		State:       s.state,
		Room:        s.room,
		Participant: s.self,
		Peer:        s.peer.ID,
		Role:        s.role,
		Error:       statusErr,
		At:          time.Now(),
	}
	if s.localMedia != nil {
		info := s.localMedia.Info()
		st.LocalMedia = &info
	}
	if s.remoteMedia != nil {
		remote := *s.remoteMedia
		remote.Tracks = append([]domain.RemoteTrack(nil), s.remoteMedia.Tracks...)
		st.RemoteMedia = &remote
	}

	s.mu.Lock()
	s.status = st
	observers := append([]func(domain.Status){}, s.observers...)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(st)
	}
}

func validateDescription(msg domain.SignalMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return validation.ValidateSDP(msg.Description.SDP)
}
