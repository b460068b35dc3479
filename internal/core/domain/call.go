package domain

import "time"

type RoomID string

type ParticipantID string

type Role string

const (
	RoleUndecided Role = ""
	RoleOfferer   Role = "offerer"
	RoleAnswerer  Role = "answerer"
)

// CallState is the negotiation state of one participant's session.
type CallState string

const (
	StateIdle          CallState = "idle"
	StateAwaitingPeer  CallState = "awaiting-peer"
	StateOffering      CallState = "offering"
	StateAnswering     CallState = "answering"
	StateAnswerPending CallState = "answer-pending"
	StateConnected     CallState = "connected"
	StateRenegotiating CallState = "renegotiating"
	StateDisconnected  CallState = "disconnected"
	StateClosed        CallState = "closed"
)

// Terminal reports whether the state no longer accepts negotiation events.
func (s CallState) Terminal() bool {
	return s == StateDisconnected || s == StateClosed
}

// Negotiating reports whether an offer/answer exchange is in flight.
func (s CallState) Negotiating() bool {
	switch s {
	case StateOffering, StateAnswering, StateAnswerPending, StateRenegotiating:
		return true
	}
	return false
}

// Member is a participant registered in a room. Seq is assigned by the
// signaling transport in join order and is strictly increasing per room.
type Member struct {
	ID       ParticipantID `json:"participantId"`
	Seq      uint64        `json:"seq"`
	JoinedAt time.Time     `json:"joinedAt"`
}

// JoinReceipt is returned by the signaling transport on a successful join.
type JoinReceipt struct {
	Room        RoomID
	Participant ParticipantID
	Seq         uint64
}

type RoomInfo struct {
	ID        RoomID    `json:"id"`
	Members   []Member  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}

// RoomCapacity is the number of participants a consultation room admits.
const RoomCapacity = 2

// ElectOfferer decides which of two participants creates the offer. The
// earlier joiner offers. Equal or unknown sequence numbers fall back to the
// lexicographically smaller id so both sides reach the same answer.
func ElectOfferer(a Member, b Member) ParticipantID {
	if a.Seq != 0 && b.Seq != 0 && a.Seq != b.Seq {
		if a.Seq < b.Seq {
			return a.ID
		}
		return b.ID
	}
	if a.ID < b.ID {
		return a.ID
	}
	return b.ID
}
