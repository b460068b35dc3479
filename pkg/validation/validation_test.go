package validation

import (
	"strings"
	"testing"
)

const sampleSDP = "v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\na=group:BUNDLE 0\r\n"

func TestValidateRoomID(t *testing.T) {
	tests := []struct {
		name    string
		roomID  string
		wantErr bool
	}{
		{"consultation room", "consultation-1712345678901", false},
		{"underscore", "room_1", false},
		{"empty", "", true},
		{"spaces", "room 1", true},
		{"slash", "room/1", true},
		{"too long", strings.Repeat("r", 101), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRoomID(tt.roomID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRoomID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateParticipantID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"uuid", "0b8c6a0e-52a6-4d4e-9f0b-0f7c3c1b1e11", false},
		{"short", "doctor", false},
		{"empty", "", true},
		{"invalid chars", "doc@tor", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateParticipantID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateParticipantID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSDP(t *testing.T) {
	tests := []struct {
		name    string
		sdp     string
		wantErr bool
	}{
		{"valid", sampleSDP, false},
		{"empty", "", true},
		{"no version", "o=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n", true},
		{"missing timing", "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\n", true},
		{"too long", "v=0\r\no=-\r\ns=-\r\nt=0 0\r\n" + strings.Repeat("a", maxSDPLength), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSDP(tt.sdp)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSDP() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateICECandidate(t *testing.T) {
	tests := []struct {
		name      string
		candidate string
		wantErr   bool
	}{
		{"host candidate", "candidate:1 1 udp 2130706431 192.168.1.2 54321 typ host", false},
		{"attribute form", "a=candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host", false},
		{"end of candidates", "", false},
		{"garbage", "hello", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateICECandidate(tt.candidate)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateICECandidate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateICEServerURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"google stun", "stun:stun.l.google.com:19302", false},
		{"turn", "turn:turn.example.org:3478?transport=udp", false},
		{"scheme only", "stun:", true},
		{"http", "http://example.org", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateICEServerURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateICEServerURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"ws", "ws://localhost:8081/ws", false},
		{"https", "https://example.org", false},
		{"ftp", "ftp://example.org", true},
		{"no host", "ws:///ws", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
