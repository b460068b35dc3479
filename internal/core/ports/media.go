package ports

import (
	"context"

	"teleconsult/internal/core/domain"
)

type MediaSource interface {
	Acquire(ctx context.Context, constraints domain.MediaConstraints) (MediaHandle, error)
}

// MediaHandle owns the local tracks of one call. Toggling a track never
// detaches it from the peer connection.
type MediaHandle interface {
	ID() string
	Kinds() []domain.TrackKind
	SetTrackEnabled(kind domain.TrackKind, enabled bool) error
	TrackEnabled(kind domain.TrackKind) bool
	Info() domain.MediaInfo
	// Release stops every track. Safe to call more than once.
	Release() error
	Released() bool
}
