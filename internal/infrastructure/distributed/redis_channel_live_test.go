package distributed

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"teleconsult/internal/core/domain"
	redisrepo "teleconsult/internal/infrastructure/repositories/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testPrefix = "teleconsult-test"

type inbox struct {
	mu   sync.Mutex
	msgs []domain.SignalMessage
}

func (i *inbox) handle(msg domain.SignalMessage) {
	i.mu.Lock()
	i.msgs = append(i.msgs, msg)
	i.mu.Unlock()
}

func (i *inbox) all() []domain.SignalMessage {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]domain.SignalMessage(nil), i.msgs...)
}

func (i *inbox) waitFor(t *testing.T, n int) []domain.SignalMessage {
	t.Helper()
	require.Eventually(t, func() bool { return len(i.all()) >= n }, 2*time.Second, 5*time.Millisecond)
	return i.all()
}

func newRedisClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

// newRedisParticipant gives each participant its own client, as separate
// processes would have.
func newRedisParticipant(t *testing.T, mr *miniredis.Miniredis, instanceID string) (*RedisChannel, *inbox) {
	t.Helper()
	client := newRedisClient(t, mr)
	ch := NewRedisChannel(client, redisrepo.NewRedisRoomRepository(client, testPrefix), testPrefix, instanceID, nil, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { ch.Close() })
	box := &inbox{}
	_, err := ch.Subscribe("room-1", box.handle)
	require.NoError(t, err)
	return ch, box
}

func testOffer() domain.SignalMessage {
	return domain.SignalMessage{
		Type:        domain.MessageOffer,
		Description: &domain.SessionDescription{Type: domain.SDPOffer, SDP: "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"},
	}
}

func TestRedisChannel_JoinAnnouncesWithSeq(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	doctor, doctorBox := newRedisParticipant(t, mr, "instance-a")
	receipt, err := doctor.Join(ctx, "room-1", "doctor")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), receipt.Seq)

	patient, patientBox := newRedisParticipant(t, mr, "instance-b")
	receipt, err = patient.Join(ctx, "room-1", "patient")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), receipt.Seq)

	present := patientBox.waitFor(t, 1)
	assert.Equal(t, domain.MessageJoin, present[0].Type)
	assert.Equal(t, domain.ParticipantID("doctor"), present[0].ParticipantID)
	assert.Equal(t, uint64(1), present[0].Seq)

	announced := doctorBox.waitFor(t, 1)
	assert.Equal(t, domain.MessageJoin, announced[0].Type)
	assert.Equal(t, domain.ParticipantID("patient"), announced[0].ParticipantID)
	assert.Equal(t, uint64(2), announced[0].Seq)

	// Own announcements are not echoed back.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, doctorBox.all(), 1)
	assert.Len(t, patientBox.all(), 1)

	_, err = doctor.Join(ctx, "room-1", "doctor")
	assert.ErrorIs(t, err, domain.ErrAlreadyJoined)

	nurse, _ := newRedisParticipant(t, mr, "instance-c")
	_, err = nurse.Join(ctx, "room-1", "nurse")
	assert.ErrorIs(t, err, domain.ErrRoomFull)
}

func TestRedisChannel_TargetedRouting(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	doctor, doctorBox := newRedisParticipant(t, mr, "instance-a")
	_, err := doctor.Join(ctx, "room-1", "doctor")
	require.NoError(t, err)
	patient, patientBox := newRedisParticipant(t, mr, "instance-b")
	_, err = patient.Join(ctx, "room-1", "patient")
	require.NoError(t, err)
	doctorBox.waitFor(t, 1)
	patientBox.waitFor(t, 1)

	// A message for someone else on the same room channel is dropped.
	stray, err := json.Marshal(envelope{
		InstanceID: "instance-x",
		Message: domain.SignalMessage{
			Type:      domain.MessageICECandidate,
			Room:      "room-1",
			From:      "doctor",
			To:        "nurse",
			Candidate: &domain.ICECandidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, newRedisClient(t, mr).Publish(ctx, doctor.channelName("room-1"), stray).Err())

	require.NoError(t, doctor.Send(ctx, "room-1", testOffer(), "patient"))

	got := patientBox.waitFor(t, 2)
	require.Len(t, got, 2)
	assert.Equal(t, domain.MessageOffer, got[1].Type)
	assert.Equal(t, domain.ParticipantID("doctor"), got[1].From)
	assert.Equal(t, domain.ParticipantID("patient"), got[1].To)
	assert.Equal(t, domain.RoomID("room-1"), got[1].Room)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, doctorBox.all(), 1, "sender does not receive its own offer")

	err = doctor.Send(ctx, "room-1", testOffer(), "nurse")
	assert.ErrorIs(t, err, domain.ErrSignalingDelivery)

	err = doctor.Send(ctx, "room-2", testOffer(), "patient")
	assert.ErrorIs(t, err, domain.ErrNotJoined)
}

func TestRedisChannel_LeaveNotifiesPeer(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	doctor, doctorBox := newRedisParticipant(t, mr, "instance-a")
	_, err := doctor.Join(ctx, "room-1", "doctor")
	require.NoError(t, err)
	patient, _ := newRedisParticipant(t, mr, "instance-b")
	_, err = patient.Join(ctx, "room-1", "patient")
	require.NoError(t, err)
	doctorBox.waitFor(t, 1)

	require.NoError(t, patient.Leave(ctx, "room-1"))

	got := doctorBox.waitFor(t, 2)
	assert.Equal(t, domain.MessageLeave, got[1].Type)
	assert.Equal(t, domain.ParticipantID("patient"), got[1].ParticipantID)

	rooms := redisrepo.NewRedisRoomRepository(newRedisClient(t, mr), testPrefix)
	members, err := rooms.Members(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, domain.ParticipantID("doctor"), members[0].ID)

	assert.ErrorIs(t, patient.Leave(ctx, "room-1"), domain.ErrNotJoined)
	err = doctor.Send(ctx, "room-1", testOffer(), "patient")
	assert.ErrorIs(t, err, domain.ErrSignalingDelivery, "patient is no longer a member")

	// Closing the last member removes the room.
	require.NoError(t, doctor.Close())
	members, err = rooms.Members(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, members)
	_, err = rooms.Get(ctx, "room-1")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}
