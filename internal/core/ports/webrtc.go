package ports

import (
	"context"

	"teleconsult/internal/core/domain"
)

type PeerConnectionState string

const (
	PeerConnectionNew          PeerConnectionState = "new"
	PeerConnectionConnecting   PeerConnectionState = "connecting"
	PeerConnectionConnected    PeerConnectionState = "connected"
	PeerConnectionDisconnected PeerConnectionState = "disconnected"
	PeerConnectionFailed       PeerConnectionState = "failed"
	PeerConnectionClosed       PeerConnectionState = "closed"
)

type OfferOptions struct {
	ICERestart bool
}

// PeerConnection is the slice of a WebRTC peer connection the negotiation
// session drives. Callbacks may fire on any goroutine.
type PeerConnection interface {
	CreateOffer(ctx context.Context, opts OfferOptions) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	AddICECandidate(candidate domain.ICECandidate) error
	AttachMedia(media MediaHandle) error

	// OnICECandidate is called for each gathered local candidate and once
	// with nil when gathering completes.
	OnICECandidate(fn func(candidate *domain.ICECandidate))
	OnConnectionStateChange(fn func(state PeerConnectionState))
	OnRemoteTrack(fn func(track domain.RemoteTrack))

	Close() error
}

type PeerConnectionFactory interface {
	NewPeerConnection(ctx context.Context) (PeerConnection, error)
}
