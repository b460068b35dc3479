package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindDeviceUnavailable        ErrorKind = "DeviceUnavailable"
	KindSignalingDeliveryFailure ErrorKind = "SignalingDeliveryFailure"
	KindNegotiationFailure       ErrorKind = "NegotiationFailure"
	KindPeerLost                 ErrorKind = "PeerLost"
)

var (
	ErrDeviceUnavailable = errors.New("media device unavailable")
	ErrSignalingDelivery = errors.New("signaling delivery failed")
	ErrNegotiation       = errors.New("negotiation failed")
	ErrPeerLost          = errors.New("peer lost")

	ErrRoomFull          = errors.New("room is full")
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoomExists        = errors.New("room already exists")
	ErrNotJoined         = errors.New("not joined to room")
	ErrAlreadyJoined     = errors.New("already joined to room")
	ErrSessionExists     = errors.New("active session already exists for room")
	ErrSessionClosed     = errors.New("session closed")
	ErrMediaNotReady     = errors.New("local media not ready")
	ErrMediaReleased     = errors.New("local media released")
	ErrNotOfferer        = errors.New("only the offering side can renegotiate")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrChannelClosed     = errors.New("signaling channel closed")
)

var kindSentinels = map[ErrorKind]error{
	KindDeviceUnavailable:        ErrDeviceUnavailable,
	KindSignalingDeliveryFailure: ErrSignalingDelivery,
	KindNegotiationFailure:       ErrNegotiation,
	KindPeerLost:                 ErrPeerLost,
}

// CallError carries the taxonomy kind together with the failing operation.
type CallError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func NewCallError(kind ErrorKind, op string, err error) *CallError {
	return &CallError{Kind: kind, Op: op, Err: err}
}

func (e *CallError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error kind, so errors.Is(err, ErrPeerLost)
// holds for any CallError of kind PeerLost.
func (e *CallError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// Fatal reports whether the error ends the session.
func (k ErrorKind) Fatal() bool {
	return k != KindSignalingDeliveryFailure
}

// KindOf extracts the taxonomy kind of err, or "" if it has none.
func KindOf(err error) ErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}
