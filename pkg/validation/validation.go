package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// RoomIDRegex validates room ID format
	RoomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// ParticipantIDRegex validates participant ID format
	ParticipantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

const (
	maxIDLength        = 100
	maxSDPLength       = 64 * 1024
	maxCandidateLength = 1024
)

// ValidateRoomID validates room ID
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if len(roomID) > maxIDLength {
		return fmt.Errorf("room ID is too long (max %d characters)", maxIDLength)
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("invalid room ID format")
	}
	return nil
}

// ValidateParticipantID validates participant ID
func ValidateParticipantID(participantID string) error {
	if participantID == "" {
		return fmt.Errorf("participant ID is required")
	}
	if len(participantID) > maxIDLength {
		return fmt.Errorf("participant ID is too long (max %d characters)", maxIDLength)
	}
	if !ParticipantIDRegex.MatchString(participantID) {
		return fmt.Errorf("invalid participant ID format")
	}
	return nil
}

// ValidateSDP performs a structural check of a session description body.
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	if len(sdp) > maxSDPLength {
		return fmt.Errorf("SDP is too long (max %d bytes)", maxSDPLength)
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}
	for _, field := range []string{"o=", "s=", "t="} {
		if !strings.Contains(sdp, "\n"+field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}
	return nil
}

// ValidateICECandidate checks a candidate attribute line. An empty candidate
// marks end of gathering and is accepted.
func ValidateICECandidate(candidate string) error {
	if candidate == "" {
		return nil
	}
	if len(candidate) > maxCandidateLength {
		return fmt.Errorf("ICE candidate is too long (max %d characters)", maxCandidateLength)
	}
	if !strings.HasPrefix(strings.TrimPrefix(candidate, "a="), "candidate:") {
		return fmt.Errorf("invalid ICE candidate format: must start with 'candidate:'")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEServerURL accepts stun:, stuns:, turn: and turns: URLs.
func ValidateICEServerURL(raw string) error {
	for _, scheme := range []string{"stun:", "stuns:", "turn:", "turns:"} {
		if strings.HasPrefix(raw, scheme) {
			if len(raw) == len(scheme) {
				return fmt.Errorf("ICE server URL %q has no host", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("invalid ICE server URL %q (must be stun:, stuns:, turn: or turns:)", raw)
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
