package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestGenerateRoomID(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	if got := GenerateRoomID(at); got != "consultation-1700000000123" {
		t.Errorf("unexpected room id %q", got)
	}
	if GenerateRoomID(at) == GenerateRoomID(at.Add(time.Millisecond)) {
		t.Error("expected different ids for different creation times")
	}
}

func TestGenerateParticipantID(t *testing.T) {
	id1 := GenerateParticipantID()
	id2 := GenerateParticipantID()
	if id1 == id2 {
		t.Error("expected different IDs")
	}
	if _, err := uuid.Parse(id1); err != nil {
		t.Errorf("expected a uuid, got %q: %v", id1, err)
	}
}

func TestGenerateRequestID(t *testing.T) {
	id := GenerateRequestID()
	if !strings.HasPrefix(id, "req_") {
		t.Errorf("expected prefix 'req_', got %s", id)
	}
	if id == GenerateRequestID() {
		t.Error("expected different IDs")
	}
}
