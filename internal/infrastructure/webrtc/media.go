package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"teleconsult/internal/core/domain"
	"teleconsult/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// DeviceConfig says which capture devices exist on this host.
type DeviceConfig struct {
	AudioAvailable bool
	VideoAvailable bool
}

// MediaSource hands out pion local tracks in place of capture devices.
type MediaSource struct {
	devices DeviceConfig
	logger  *zap.SugaredLogger
}

var _ ports.MediaSource = (*MediaSource)(nil)

func NewMediaSource(devices DeviceConfig, logger *zap.SugaredLogger) *MediaSource {
	return &MediaSource{devices: devices, logger: logger}
}

func (s *MediaSource) Acquire(ctx context.Context, constraints domain.MediaConstraints) (ports.MediaHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kinds := constraints.Kinds()
	if len(kinds) == 0 {
		return nil, fmt.Errorf("%w: no audio or video requested", domain.ErrDeviceUnavailable)
	}
	if constraints.Audio && !s.devices.AudioAvailable {
		return nil, fmt.Errorf("%w: no microphone", domain.ErrDeviceUnavailable)
	}
	if constraints.Video && !s.devices.VideoAvailable {
		return nil, fmt.Errorf("%w: no camera", domain.ErrDeviceUnavailable)
	}

	id := uuid.NewString()
	media := &LocalMedia{
		id:     id,
		tracks: make(map[domain.TrackKind]*localTrack, len(kinds)),
	}
	streamID := "teleconsult-" + id
	for _, kind := range kinds {
		track, err := webrtc.NewTrackLocalStaticRTP(codecFor(kind), string(kind), streamID)
		if err != nil {
			return nil, fmt.Errorf("%w: create %s track: %v", domain.ErrDeviceUnavailable, kind, err)
		}
		media.tracks[kind] = &localTrack{track: track, enabled: true}
		media.order = append(media.order, kind)
	}

	s.logger.Debugw("local media acquired", "media_id", id, "kinds", kinds)
	return media, nil
}

func codecFor(kind domain.TrackKind) webrtc.RTPCodecCapability {
	if kind == domain.TrackVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

type localTrack struct {
	track   *webrtc.TrackLocalStaticRTP
	enabled bool
}

// LocalMedia owns the local tracks of one call. A disabled track stays
// attached to the peer connection and drops the packets written to it.
type LocalMedia struct {
	id    string
	order []domain.TrackKind

	mu       sync.RWMutex
	tracks   map[domain.TrackKind]*localTrack
	released bool
}

var _ ports.MediaHandle = (*LocalMedia)(nil)

func (m *LocalMedia) ID() string { return m.id }

func (m *LocalMedia) Kinds() []domain.TrackKind {
	return append([]domain.TrackKind(nil), m.order...)
}

// Tracks returns the tracks to add to a peer connection, audio first.
func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tracks := make([]webrtc.TrackLocal, 0, len(m.order))
	for _, kind := range m.order {
		tracks = append(tracks, m.tracks[kind].track)
	}
	return tracks
}

func (m *LocalMedia) SetTrackEnabled(kind domain.TrackKind, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return domain.ErrMediaReleased
	}
	t, ok := m.tracks[kind]
	if !ok {
		return fmt.Errorf("no %s track", kind)
	}
	t.enabled = enabled
	return nil
}

func (m *LocalMedia) TrackEnabled(kind domain.TrackKind) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tracks[kind]
	return ok && t.enabled && !m.released
}

func (m *LocalMedia) Info() domain.MediaInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info := domain.MediaInfo{ID: m.id}
	if t, ok := m.tracks[domain.TrackAudio]; ok {
		info.HasAudio = true
		info.AudioEnabled = t.enabled && !m.released
	}
	if t, ok := m.tracks[domain.TrackVideo]; ok {
		info.HasVideo = true
		info.VideoEnabled = t.enabled && !m.released
	}
	return info
}

// WriteRTP feeds one packet into the track of the given kind. Packets for a
// disabled track are dropped without error.
func (m *LocalMedia) WriteRTP(kind domain.TrackKind, packet *rtp.Packet) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.released {
		return domain.ErrMediaReleased
	}
	t, ok := m.tracks[kind]
	if !ok {
		return fmt.Errorf("no %s track", kind)
	}
	if !t.enabled {
		return nil
	}
	return t.track.WriteRTP(packet)
}

func (m *LocalMedia) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = true
	return nil
}

func (m *LocalMedia) Released() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.released
}

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// FeedSilence writes Opus silence into the audio track every 20ms until ctx is
// done or the media is released. Headless participants use it to keep the
// audio path alive.
func FeedSilence(ctx context.Context, media *LocalMedia) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version: 2,
			Marker:  true,
		},
		Payload: opusSilence,
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := media.WriteRTP(domain.TrackAudio, packet)
			if errors.Is(err, domain.ErrMediaReleased) {
				return nil
			}
			if err != nil {
				return err
			}
			packet.SequenceNumber++
			packet.Timestamp += 960
		}
	}
}
