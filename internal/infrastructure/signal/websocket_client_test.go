package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"teleconsult/internal/core/domain"
	"teleconsult/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestChannel(t *testing.T, url string) *WebSocketChannel {
	t.Helper()
	cfg := DefaultClientConfig(url)
	cfg.PingInterval = time.Second
	cfg.PongTimeout = 2 * time.Second
	cfg.WriteTimeout = time.Second
	ch := NewWebSocketChannel(cfg, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestWebSocketChannel_RoundTrip(t *testing.T) {
	_, url := newTestRelay(t, testServerConfig())
	ctx := context.Background()

	doctor := newTestChannel(t, url)
	doctorBox := &inbox{}
	_, err := doctor.Subscribe("room-1", doctorBox.handle)
	require.NoError(t, err)
	receipt, err := doctor.Join(ctx, "room-1", "doctor")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), receipt.Seq)

	patient := newTestChannel(t, url)
	patientBox := &inbox{}
	_, err = patient.Subscribe("room-1", patientBox.handle)
	require.NoError(t, err)
	receipt, err = patient.Join(ctx, "room-1", "patient")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), receipt.Seq)

	announced := doctorBox.waitFor(t, 1)
	assert.Equal(t, domain.ParticipantID("patient"), announced[0].ParticipantID)
	present := patientBox.waitFor(t, 1)
	assert.Equal(t, domain.ParticipantID("doctor"), present[0].ParticipantID)

	offer := domain.SignalMessage{
		Type:        domain.MessageOffer,
		Description: &domain.SessionDescription{Type: domain.SDPOffer, SDP: "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"},
	}
	require.NoError(t, doctor.Send(ctx, "room-1", offer, "patient"))

	got := patientBox.waitFor(t, 2)[1]
	assert.Equal(t, domain.MessageOffer, got.Type)
	assert.Equal(t, domain.ParticipantID("doctor"), got.From)
	assert.Equal(t, domain.ParticipantID("patient"), got.To)
	assert.Equal(t, domain.RoomID("room-1"), got.Room)
}

func TestWebSocketChannel_RoomFull(t *testing.T) {
	_, url := newTestRelay(t, testServerConfig())
	ctx := context.Background()

	for _, id := range []domain.ParticipantID{"doctor", "patient"} {
		_, err := newTestChannel(t, url).Join(ctx, "room-1", id)
		require.NoError(t, err)
	}

	_, err := newTestChannel(t, url).Join(ctx, "room-1", "nurse")
	assert.ErrorIs(t, err, domain.ErrRoomFull)
}

func TestWebSocketChannel_LeaveAndCloseNotifyPeer(t *testing.T) {
	_, url := newTestRelay(t, testServerConfig())
	ctx := context.Background()

	doctor := newTestChannel(t, url)
	doctorBox := &inbox{}
	doctor.Subscribe("room-1", doctorBox.handle)
	doctor.Subscribe("room-2", doctorBox.handle)
	_, err := doctor.Join(ctx, "room-1", "doctor")
	require.NoError(t, err)
	_, err = doctor.Join(ctx, "room-2", "doctor")
	require.NoError(t, err)

	patient := newTestChannel(t, url)
	_, err = patient.Join(ctx, "room-1", "patient")
	require.NoError(t, err)
	_, err = patient.Join(ctx, "room-2", "patient")
	require.NoError(t, err)
	doctorBox.waitFor(t, 2)

	require.NoError(t, patient.Leave(ctx, "room-1"))
	got := doctorBox.waitFor(t, 3)
	assert.Equal(t, domain.MessageLeave, got[2].Type)
	assert.Equal(t, domain.RoomID("room-1"), got[2].Room)
	assert.ErrorIs(t, patient.Leave(ctx, "room-1"), domain.ErrNotJoined)

	require.NoError(t, patient.Close())
	got = doctorBox.waitFor(t, 4)
	assert.Equal(t, domain.MessageLeave, got[3].Type)
	assert.Equal(t, domain.RoomID("room-2"), got[3].Room)

	err = patient.Send(ctx, "room-2", domain.SignalMessage{Type: domain.MessageOffer}, "doctor")
	assert.ErrorIs(t, err, domain.ErrNotJoined)
}

func TestWebSocketChannel_SendBeforeJoin(t *testing.T) {
	_, url := newTestRelay(t, testServerConfig())
	ch := newTestChannel(t, url)

	err := ch.Send(context.Background(), "room-1", domain.SignalMessage{Type: domain.MessageOffer}, "peer")
	assert.ErrorIs(t, err, domain.ErrNotJoined)
}

func TestWebSocketChannel_DialFailure(t *testing.T) {
	ch := newTestChannel(t, "ws://127.0.0.1:1/ws")
	_, err := ch.Join(context.Background(), "room-1", "doctor")
	assert.ErrorIs(t, err, domain.ErrSignalingDelivery)
}

func TestWebSocketChannel_SingleIdentity(t *testing.T) {
	_, url := newTestRelay(t, testServerConfig())
	ch := newTestChannel(t, url)

	_, err := ch.Join(context.Background(), "room-1", "doctor")
	require.NoError(t, err)
	_, err = ch.Join(context.Background(), "room-2", "patient")
	assert.Error(t, err)
	_, err = ch.Join(context.Background(), "room-1", "doctor")
	assert.ErrorIs(t, err, domain.ErrAlreadyJoined)
}

func TestWebSocketChannel_RelayLossNotifiesJoinedRooms(t *testing.T) {
	server := NewWebSocketServer(memory.NewMemoryRoomRepository(), nil, testServerConfig(), zaptest.NewLogger(t).Sugar())
	httpServer := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(httpServer.Close)
	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"

	ch := newTestChannel(t, url)
	box := &inbox{}
	_, err := ch.Subscribe("room-1", box.handle)
	require.NoError(t, err)
	other := &inbox{}
	_, err = ch.Subscribe("room-2", other.handle)
	require.NoError(t, err)
	_, err = ch.Join(context.Background(), "room-1", "doctor")
	require.NoError(t, err)

	httpServer.CloseClientConnections()

	got := box.waitFor(t, 1)
	assert.Equal(t, domain.MessageChannelLost, got[0].Type)
	assert.Equal(t, domain.RoomID("room-1"), got[0].Room)
	assert.NotEmpty(t, got[0].Error)
	assert.Empty(t, other.all(), "rooms never joined get no notice")

	err = ch.Send(context.Background(), "room-1", domain.SignalMessage{Type: domain.MessageOffer}, "patient")
	assert.Error(t, err)
}

func TestWebSocketChannel_CloseDoesNotReportLoss(t *testing.T) {
	_, url := newTestRelay(t, testServerConfig())

	ch := newTestChannel(t, url)
	box := &inbox{}
	_, err := ch.Subscribe("room-1", box.handle)
	require.NoError(t, err)
	_, err = ch.Join(context.Background(), "room-1", "doctor")
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, box.all())
}
