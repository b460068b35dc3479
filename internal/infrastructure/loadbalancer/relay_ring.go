package loadbalancer

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"teleconsult/internal/core/domain"
)

// RelayRing assigns every room to one relay instance so that both
// participants of a consultation meet on the same relay. Highest random
// weight hashing keeps most assignments stable when relays are added or
// removed.
type RelayRing struct {
	relays []string
}

func NewRelayRing(relays []string) *RelayRing {
	seen := make(map[string]struct{}, len(relays))
	out := make([]string, 0, len(relays))
	for _, r := range relays {
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Strings(out)
	return &RelayRing{relays: out}
}

// Locate returns the relay for room, or "" when the ring is empty.
func (r *RelayRing) Locate(room domain.RoomID) string {
	var (
		best      string
		bestScore uint64
	)
	for _, relay := range r.relays {
		if s := score(string(room), relay); best == "" || s > bestScore {
			best, bestScore = relay, s
		}
	}
	return best
}

func (r *RelayRing) Relays() []string {
	return append([]string(nil), r.relays...)
}

func score(key, relay string) uint64 {
	h := sha256.New()
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(relay))
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}
