package webrtc

import (
	"context"
	"testing"
	"time"

	"teleconsult/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func acquire(t *testing.T, devices DeviceConfig, constraints domain.MediaConstraints) *LocalMedia {
	t.Helper()
	source := NewMediaSource(devices, zaptest.NewLogger(t).Sugar())
	handle, err := source.Acquire(context.Background(), constraints)
	require.NoError(t, err)
	return handle.(*LocalMedia)
}

func TestMediaSource_Acquire(t *testing.T) {
	media := acquire(t, DeviceConfig{AudioAvailable: true, VideoAvailable: true}, domain.MediaConstraints{Audio: true, Video: true})

	assert.NotEmpty(t, media.ID())
	assert.Equal(t, []domain.TrackKind{domain.TrackAudio, domain.TrackVideo}, media.Kinds())

	tracks := media.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, "audio", tracks[0].Kind().String())
	assert.Equal(t, "video", tracks[1].Kind().String())
	assert.Equal(t, tracks[0].StreamID(), tracks[1].StreamID())

	info := media.Info()
	assert.True(t, info.HasAudio && info.HasVideo)
	assert.True(t, info.AudioEnabled && info.VideoEnabled)
}

func TestMediaSource_DeviceUnavailable(t *testing.T) {
	source := NewMediaSource(DeviceConfig{AudioAvailable: true}, zaptest.NewLogger(t).Sugar())

	_, err := source.Acquire(context.Background(), domain.MediaConstraints{Audio: true, Video: true})
	assert.ErrorIs(t, err, domain.ErrDeviceUnavailable)
	assert.Equal(t, domain.KindDeviceUnavailable, domain.KindOf(err))

	_, err = source.Acquire(context.Background(), domain.MediaConstraints{})
	assert.ErrorIs(t, err, domain.ErrDeviceUnavailable)

	handle, err := source.Acquire(context.Background(), domain.MediaConstraints{Audio: true})
	require.NoError(t, err)
	assert.Equal(t, []domain.TrackKind{domain.TrackAudio}, handle.Kinds())
}

func TestLocalMedia_ToggleGatesPackets(t *testing.T) {
	media := acquire(t, DeviceConfig{AudioAvailable: true, VideoAvailable: true}, domain.MediaConstraints{Audio: true, Video: true})
	packet := &rtp.Packet{Header: rtp.Header{Version: 2}, Payload: opusSilence}

	require.NoError(t, media.WriteRTP(domain.TrackAudio, packet))

	require.NoError(t, media.SetTrackEnabled(domain.TrackAudio, false))
	assert.False(t, media.TrackEnabled(domain.TrackAudio))
	assert.True(t, media.TrackEnabled(domain.TrackVideo))
	assert.NoError(t, media.WriteRTP(domain.TrackAudio, packet))
	assert.Len(t, media.Tracks(), 2)
	assert.False(t, media.Info().AudioEnabled)

	require.NoError(t, media.SetTrackEnabled(domain.TrackAudio, true))
	assert.True(t, media.Info().AudioEnabled)
}

func TestLocalMedia_Release(t *testing.T) {
	media := acquire(t, DeviceConfig{AudioAvailable: true}, domain.MediaConstraints{Audio: true})

	require.NoError(t, media.Release())
	require.NoError(t, media.Release())
	assert.True(t, media.Released())
	assert.False(t, media.TrackEnabled(domain.TrackAudio))
	assert.ErrorIs(t, media.WriteRTP(domain.TrackAudio, &rtp.Packet{}), domain.ErrMediaReleased)
	assert.ErrorIs(t, media.SetTrackEnabled(domain.TrackAudio, false), domain.ErrMediaReleased)
	assert.Error(t, media.WriteRTP(domain.TrackVideo, &rtp.Packet{}))
}

func TestFeedSilence(t *testing.T) {
	media := acquire(t, DeviceConfig{AudioAvailable: true}, domain.MediaConstraints{Audio: true})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, FeedSilence(ctx, media), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- FeedSilence(context.Background(), media) }()
	media.Release()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("feeder did not stop after release")
	}
}
