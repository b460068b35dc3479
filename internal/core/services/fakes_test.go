package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"teleconsult/internal/core/domain"
	"teleconsult/internal/core/ports"
	"teleconsult/pkg/retry"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testSDP(kind domain.SDPType, version int) *domain.SessionDescription {
	return &domain.SessionDescription{
		Type: kind,
		SDP:  fmt.Sprintf("v=0\r\no=- 4611731400430051336 %d IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\na=group:BUNDLE 0 1\r\n", version),
	}
}

func offerFrom(from, to domain.ParticipantID) domain.SignalMessage {
	return domain.SignalMessage{Type: domain.MessageOffer, Room: "room-1", From: from, To: to, Description: testSDP(domain.SDPOffer, 1)}
}

func answerFrom(from, to domain.ParticipantID) domain.SignalMessage {
	return domain.SignalMessage{Type: domain.MessageAnswer, Room: "room-1", From: from, To: to, Description: testSDP(domain.SDPAnswer, 1)}
}

func candidateFrom(from, to domain.ParticipantID, n int) domain.SignalMessage {
	return domain.SignalMessage{
		Type: domain.MessageICECandidate,
		Room: "room-1",
		From: from,
		To:   to,
		Candidate: &domain.ICECandidate{
			Candidate: fmt.Sprintf("candidate:%d 1 udp 2122260223 192.168.1.%d 5400%d typ host", n, n, n),
		},
	}
}

func testSessionConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.NegotiationTimeout = 0
	cfg.LivenessThreshold = time.Second
	cfg.OperationTimeout = time.Second
	cfg.SendTimeout = time.Second
	cfg.CandidateRetry = retry.Config{
		Enabled:      true,
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
	return cfg
}

// fakePeerConnection emits one local candidate per local description and
// reports connected once both descriptions are set and a remote candidate
// was added.
type fakePeerConnection struct {
	id int

	mu            sync.Mutex
	local         *domain.SessionDescription
	remote        *domain.SessionDescription
	candidates    []domain.ICECandidate
	media         ports.MediaHandle
	offers        int
	restarts      int
	connected     bool
	closed        bool
	manualConnect bool
	remoteErr     error
	candidateErr  error

	onCandidate func(*domain.ICECandidate)
	onState     func(ports.PeerConnectionState)
	onTrack     func(domain.RemoteTrack)
}

func (pc *fakePeerConnection) CreateOffer(ctx context.Context, opts ports.OfferOptions) (domain.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return domain.SessionDescription{}, errors.New("peer connection closed")
	}
	pc.offers++
	if opts.ICERestart {
		pc.restarts++
	}
	return *testSDP(domain.SDPOffer, pc.offers), nil
}

func (pc *fakePeerConnection) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.remote == nil {
		return domain.SessionDescription{}, errors.New("no remote offer")
	}
	return *testSDP(domain.SDPAnswer, 1), nil
}

func (pc *fakePeerConnection) SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return errors.New("peer connection closed")
	}
	pc.local = &desc
	onCandidate := pc.onCandidate
	n := pc.id
	pc.mu.Unlock()

	if onCandidate != nil {
		go onCandidate(&domain.ICECandidate{
			Candidate: fmt.Sprintf("candidate:%d 1 udp 2122260223 10.0.0.%d 6000%d typ host", n, n, n),
		})
	}
	pc.maybeConnect()
	return nil
}

func (pc *fakePeerConnection) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	pc.mu.Lock()
	if pc.remoteErr != nil {
		err := pc.remoteErr
		pc.mu.Unlock()
		return err
	}
	first := pc.remote == nil
	pc.remote = &desc
	onTrack := pc.onTrack
	pc.mu.Unlock()

	if first && onTrack != nil {
		go onTrack(domain.RemoteTrack{ID: "remote-audio", StreamID: "remote-stream", Kind: domain.TrackAudio, Codec: "opus"})
	}
	pc.maybeConnect()
	return nil
}

func (pc *fakePeerConnection) AddICECandidate(candidate domain.ICECandidate) error {
	pc.mu.Lock()
	if pc.candidateErr != nil {
		err := pc.candidateErr
		pc.mu.Unlock()
		return err
	}
	if pc.remote == nil {
		pc.mu.Unlock()
		return errors.New("remote description not set")
	}
	pc.candidates = append(pc.candidates, candidate)
	pc.mu.Unlock()
	pc.maybeConnect()
	return nil
}

func (pc *fakePeerConnection) AttachMedia(media ports.MediaHandle) error {
	pc.mu.Lock()
	pc.media = media
	pc.mu.Unlock()
	return nil
}

func (pc *fakePeerConnection) OnICECandidate(fn func(*domain.ICECandidate)) {
	pc.mu.Lock()
	pc.onCandidate = fn
	pc.mu.Unlock()
}

func (pc *fakePeerConnection) OnConnectionStateChange(fn func(ports.PeerConnectionState)) {
	pc.mu.Lock()
	pc.onState = fn
	pc.mu.Unlock()
}

func (pc *fakePeerConnection) OnRemoteTrack(fn func(domain.RemoteTrack)) {
	pc.mu.Lock()
	pc.onTrack = fn
	pc.mu.Unlock()
}

func (pc *fakePeerConnection) Close() error {
	pc.mu.Lock()
	pc.closed = true
	pc.mu.Unlock()
	return nil
}

func (pc *fakePeerConnection) maybeConnect() {
	pc.mu.Lock()
	ready := !pc.connected && !pc.closed && !pc.manualConnect &&
		pc.local != nil && pc.remote != nil && len(pc.candidates) > 0
	if ready {
		pc.connected = true
	}
	onState := pc.onState
	pc.mu.Unlock()
	if ready && onState != nil {
		go onState(ports.PeerConnectionConnected)
	}
}

// SetState reports a transport state as if the ICE agent changed it.
func (pc *fakePeerConnection) SetState(state ports.PeerConnectionState) {
	pc.mu.Lock()
	pc.connected = state == ports.PeerConnectionConnected
	onState := pc.onState
	pc.mu.Unlock()
	if onState != nil {
		onState(state)
	}
}

func (pc *fakePeerConnection) Candidates() []string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make([]string, 0, len(pc.candidates))
	for _, c := range pc.candidates {
		out = append(out, c.Candidate)
	}
	return out
}

func (pc *fakePeerConnection) Offers() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.offers
}

func (pc *fakePeerConnection) Restarts() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.restarts
}

func (pc *fakePeerConnection) Closed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}

type fakeFactory struct {
	mu        sync.Mutex
	created   []*fakePeerConnection
	configure func(*fakePeerConnection)
	err       error
}

func (f *fakeFactory) NewPeerConnection(ctx context.Context) (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pc := &fakePeerConnection{id: len(f.created) + 1}
	if f.configure != nil {
		f.configure(pc)
	}
	f.created = append(f.created, pc)
	return pc, nil
}

func (f *fakeFactory) Last() *fakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

type fakeMediaHandle struct {
	id    string
	kinds []domain.TrackKind

	mu       sync.Mutex
	enabled  map[domain.TrackKind]bool
	released int
}

func (h *fakeMediaHandle) ID() string { return h.id }

func (h *fakeMediaHandle) Kinds() []domain.TrackKind { return h.kinds }

func (h *fakeMediaHandle) SetTrackEnabled(kind domain.TrackKind, enabled bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released > 0 {
		return domain.ErrMediaReleased
	}
	if _, ok := h.enabled[kind]; !ok {
		return fmt.Errorf("no %s track", kind)
	}
	h.enabled[kind] = enabled
	return nil
}

func (h *fakeMediaHandle) TrackEnabled(kind domain.TrackKind) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled[kind]
}

func (h *fakeMediaHandle) Info() domain.MediaInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, hasAudio := h.enabled[domain.TrackAudio]
	_, hasVideo := h.enabled[domain.TrackVideo]
	return domain.MediaInfo{
		ID:           h.id,
		AudioEnabled: h.enabled[domain.TrackAudio],
		VideoEnabled: h.enabled[domain.TrackVideo],
		HasAudio:     hasAudio,
		HasVideo:     hasVideo,
	}
}

func (h *fakeMediaHandle) Release() error {
	h.mu.Lock()
	h.released++
	h.mu.Unlock()
	return nil
}

func (h *fakeMediaHandle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released > 0
}

type fakeMediaSource struct {
	mu          sync.Mutex
	unavailable bool
	gate        chan struct{}
	handles     []*fakeMediaHandle
}

func (m *fakeMediaSource) Acquire(ctx context.Context, constraints domain.MediaConstraints) (ports.MediaHandle, error) {
	m.mu.Lock()
	gate, unavailable := m.gate, m.unavailable
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if unavailable {
		return nil, fmt.Errorf("camera: %w", domain.ErrDeviceUnavailable)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	h := &fakeMediaHandle{
		id:      fmt.Sprintf("media-%d", len(m.handles)+1),
		kinds:   constraints.Kinds(),
		enabled: make(map[domain.TrackKind]bool),
	}
	for _, k := range h.kinds {
		h.enabled[k] = true
	}
	m.handles = append(m.handles, h)
	return h, nil
}

func (m *fakeMediaSource) Handles() []*fakeMediaHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakeMediaHandle(nil), m.handles...)
}

// recordingChannel captures outgoing messages and lets a test inject
// incoming ones.
type recordingChannel struct {
	mu      sync.Mutex
	seq     uint64
	sent    []domain.SignalMessage
	sendErr func(domain.SignalMessage) error
	handler ports.MessageHandler
	joined  bool
}

func (c *recordingChannel) Join(ctx context.Context, room domain.RoomID, participant domain.ParticipantID) (domain.JoinReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = true
	return domain.JoinReceipt{Room: room, Participant: participant, Seq: c.seq}, nil
}

func (c *recordingChannel) Send(ctx context.Context, room domain.RoomID, msg domain.SignalMessage, target domain.ParticipantID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		if err := c.sendErr(msg); err != nil {
			return err
		}
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *recordingChannel) Subscribe(room domain.RoomID, handler ports.MessageHandler) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
	return func() {
		c.mu.Lock()
		c.handler = nil
		c.mu.Unlock()
	}, nil
}

func (c *recordingChannel) Leave(ctx context.Context, room domain.RoomID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined {
		return domain.ErrNotJoined
	}
	c.joined = false
	return nil
}

func (c *recordingChannel) Deliver(msg domain.SignalMessage) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

func (c *recordingChannel) Sent(kind domain.MessageType) []domain.SignalMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.SignalMessage
	for _, m := range c.sent {
		if m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}

func (c *recordingChannel) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

type statusRecorder struct {
	mu     sync.Mutex
	events []domain.Status
}

func (r *statusRecorder) record(st domain.Status) {
	r.mu.Lock()
	r.events = append(r.events, st)
	r.mu.Unlock()
}

func (r *statusRecorder) Events() []domain.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Status(nil), r.events...)
}

// States returns the sequence of states with consecutive repeats collapsed.
func (r *statusRecorder) States() []domain.CallState {
	var out []domain.CallState
	for _, st := range r.Events() {
		if len(out) == 0 || out[len(out)-1] != st.State {
			out = append(out, st.State)
		}
	}
	return out
}

type sessionHarness struct {
	session *NegotiationSession
	channel *recordingChannel
	factory *fakeFactory
	media   *fakeMediaSource
	status  *statusRecorder
}

func newSessionHarness(t *testing.T, self domain.ParticipantID, cfg SessionConfig) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		channel: &recordingChannel{},
		factory: &fakeFactory{},
		media:   &fakeMediaSource{},
		status:  &statusRecorder{},
	}
	logger := zaptest.NewLogger(t).Sugar()
	h.session = NewNegotiationSession("room-1", self, SessionDeps{
		Channel: h.channel,
		Factory: h.factory,
		Media:   h.media,
	}, cfg, logger)
	h.session.OnStatus(h.status.record)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.session.Leave(ctx)
	})
	return h
}

// barrier returns once every event posted before it has been handled.
func (h *sessionHarness) barrier(t *testing.T) {
	t.Helper()
	require.NoError(t, h.session.call(context.Background(), func() error { return nil }))
}

func waitForState(t *testing.T, s *NegotiationSession, want domain.CallState) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want },
		2*time.Second, 5*time.Millisecond, "state stuck at %s, want %s", s.State(), want)
}
