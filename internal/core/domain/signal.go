package domain

import "fmt"

type MessageType string

const (
	MessageJoin         MessageType = "join"
	MessageLeave        MessageType = "leave"
	MessageOffer        MessageType = "offer"
	MessageAnswer       MessageType = "answer"
	MessageICECandidate MessageType = "ice-candidate"
	// MessageError is only produced by the relay.
	MessageError MessageType = "error"
	// MessageChannelLost is raised locally by a channel whose transport
	// dropped. It never travels on the wire.
	MessageChannelLost MessageType = "channel-lost"
)

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SignalMessage is the wire envelope exchanged through the signaling channel.
type SignalMessage struct {
	Type          MessageType         `json:"type"`
	Room          RoomID              `json:"room"`
	ParticipantID ParticipantID       `json:"participantId,omitempty"`
	Seq           uint64              `json:"seq,omitempty"`
	From          ParticipantID       `json:"from,omitempty"`
	To            ParticipantID       `json:"to,omitempty"`
	Description   *SessionDescription `json:"description,omitempty"`
	Candidate     *ICECandidate       `json:"candidate,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// Sender returns the participant that originated the message.
func (m SignalMessage) Sender() ParticipantID {
	if m.From != "" {
		return m.From
	}
	return m.ParticipantID
}

// Validate checks that the payload required by the message type is present.
func (m SignalMessage) Validate() error {
	if m.Room == "" {
		return fmt.Errorf("%s: room is required", m.Type)
	}
	switch m.Type {
	case MessageJoin, MessageLeave:
		if m.ParticipantID == "" {
			return fmt.Errorf("%s: participantId is required", m.Type)
		}
	case MessageOffer, MessageAnswer:
		if m.From == "" {
			return fmt.Errorf("%s: from is required", m.Type)
		}
		if m.Description == nil || m.Description.SDP == "" {
			return fmt.Errorf("%s: description is required", m.Type)
		}
		if string(m.Description.Type) != string(m.Type) {
			return fmt.Errorf("%s: description type %q does not match", m.Type, m.Description.Type)
		}
	case MessageICECandidate:
		if m.From == "" {
			return fmt.Errorf("%s: from is required", m.Type)
		}
		if m.Candidate == nil {
			return fmt.Errorf("%s: candidate is required", m.Type)
		}
	case MessageError:
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}
