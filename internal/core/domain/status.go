package domain

import "time"

type StatusError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Status is emitted to the call shell on every state transition and on
// non-fatal warnings.
type Status struct {
	State       CallState     `json:"state"`
	Room        RoomID        `json:"room"`
	Participant ParticipantID `json:"participant"`
	Peer        ParticipantID `json:"peer,omitempty"`
	Role        Role          `json:"role,omitempty"`
	LocalMedia  *MediaInfo    `json:"localMedia,omitempty"`
	RemoteMedia *RemoteMedia  `json:"remoteMedia,omitempty"`
	Error       *StatusError  `json:"error,omitempty"`
	At          time.Time     `json:"at"`
}
