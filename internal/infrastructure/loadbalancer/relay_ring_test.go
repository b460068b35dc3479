package loadbalancer

import (
	"fmt"
	"testing"

	"teleconsult/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestRelayRing_Empty(t *testing.T) {
	ring := NewRelayRing([]string{"", ""})
	assert.Empty(t, ring.Relays())
	assert.Equal(t, "", ring.Locate("room-1"))
}

func TestRelayRing_StableAssignment(t *testing.T) {
	relays := []string{"ws://a/ws", "ws://b/ws", "ws://c/ws", "ws://a/ws"}
	ring := NewRelayRing(relays)
	assert.Equal(t, []string{"ws://a/ws", "ws://b/ws", "ws://c/ws"}, ring.Relays())

	reordered := NewRelayRing([]string{"ws://c/ws", "ws://a/ws", "ws://b/ws"})
	for i := 0; i < 50; i++ {
		room := domain.RoomID(fmt.Sprintf("room-%d", i))
		assert.Equal(t, ring.Locate(room), ring.Locate(room))
		assert.Equal(t, ring.Locate(room), reordered.Locate(room))
	}
}

func TestRelayRing_RemovingRelayOnlyMovesItsRooms(t *testing.T) {
	full := NewRelayRing([]string{"ws://a/ws", "ws://b/ws", "ws://c/ws"})
	reduced := NewRelayRing([]string{"ws://a/ws", "ws://b/ws"})

	used := map[string]bool{}
	for i := 0; i < 200; i++ {
		room := domain.RoomID(fmt.Sprintf("room-%d", i))
		before := full.Locate(room)
		used[before] = true
		if before != "ws://c/ws" {
			assert.Equal(t, before, reduced.Locate(room), "room %s moved", room)
		}
	}
	assert.Len(t, used, 3)
}
