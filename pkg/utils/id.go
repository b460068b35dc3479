package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const roomPrefix = "consultation"

// GenerateRoomID returns a consultation room key derived from the creation time.
func GenerateRoomID(now time.Time) string {
	return fmt.Sprintf("%s-%d", roomPrefix, now.UnixMilli())
}

// GenerateParticipantID returns a random session scoped participant id.
func GenerateParticipantID() string {
	return uuid.NewString()
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", time.Now().UnixNano(), hex.EncodeToString(b))
}
