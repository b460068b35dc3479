package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"teleconsult/internal/core/domain"
	"teleconsult/internal/core/ports"
	"teleconsult/internal/core/services"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// Factory builds pion peer connections for negotiation sessions.
type Factory struct {
	config  Config
	metrics ports.CallMetrics
	logger  *zap.SugaredLogger
	api     *webrtc.API
}

var _ ports.PeerConnectionFactory = (*Factory)(nil)

func NewFactory(config Config, metrics ports.CallMetrics, logger *zap.SugaredLogger) (*Factory, error) {
	if metrics == nil {
		metrics = services.NopCallMetrics{}
	}
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}

	return &Factory{
		config:  config,
		metrics: metrics,
		logger:  logger,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
	}, nil
}

func (f *Factory) NewPeerConnection(ctx context.Context) (ports.PeerConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &PeerConnection{pc: pc, metrics: f.metrics, logger: f.logger}, nil
}

// PeerConnection adapts *webrtc.PeerConnection to the negotiation session.
type PeerConnection struct {
	pc      *webrtc.PeerConnection
	metrics ports.CallMetrics
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	attached bool
}

var _ ports.PeerConnection = (*PeerConnection)(nil)

func (p *PeerConnection) CreateOffer(ctx context.Context, opts ports.OfferOptions) (domain.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: opts.ICERestart})
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPionDescription(offer), nil
}

func (p *PeerConnection) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPionDescription(answer), nil
}

func (p *PeerConnection) SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error {
	pionDesc, err := toPionDescription(desc)
	if err != nil {
		return err
	}
	return p.pc.SetLocalDescription(pionDesc)
}

func (p *PeerConnection) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	pionDesc, err := toPionDescription(desc)
	if err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(pionDesc)
}

func (p *PeerConnection) AddICECandidate(candidate domain.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	})
}

// AttachMedia adds the local tracks and starts reading the peer's RTCP
// feedback for each of them.
func (p *PeerConnection) AttachMedia(media ports.MediaHandle) error {
	local, ok := media.(*LocalMedia)
	if !ok {
		return fmt.Errorf("unsupported media handle %T", media)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached {
		return errors.New("media already attached")
	}

	for _, track := range local.Tracks() {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		go p.readRTCP(domain.TrackKind(track.Kind().String()), sender)
	}
	p.attached = true
	return nil
}

func (p *PeerConnection) readRTCP(kind domain.TrackKind, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debugw("rtcp reader stopped", "kind", kind, "error", err)
			}
			return
		}
		if sample, ok := SummarizeRTCP(kind, packets); ok {
			p.metrics.ObserveQuality(sample)
		}
	}
}

func (p *PeerConnection) OnICECandidate(fn func(candidate *domain.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&domain.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (p *PeerConnection) OnConnectionStateChange(fn func(state ports.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(connectionState(state))
	})
}

func connectionState(state webrtc.PeerConnectionState) ports.PeerConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return ports.PeerConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return ports.PeerConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ports.PeerConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ports.PeerConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return ports.PeerConnectionClosed
	default:
		return ports.PeerConnectionNew
	}
}

// OnRemoteTrack reports each remote track and drains its packets so the
// interceptors keep producing receiver reports.
func (p *PeerConnection) OnRemoteTrack(fn func(track domain.RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		fn(domain.RemoteTrack{
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     domain.TrackKind(track.Kind().String()),
			Codec:    track.Codec().MimeType,
		})
		go drainTrack(track)
	})
}

func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func (p *PeerConnection) Close() error {
	return p.pc.Close()
}

func fromPionDescription(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPType(desc.Type.String()), SDP: desc.SDP}
}

func toPionDescription(desc domain.SessionDescription) (webrtc.SessionDescription, error) {
	var sdpType webrtc.SDPType
	switch desc.Type {
	case domain.SDPOffer:
		sdpType = webrtc.SDPTypeOffer
	case domain.SDPAnswer:
		sdpType = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported description type %q", desc.Type)
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}, nil
}
