package domain

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

type MediaConstraints struct {
	Audio bool
	Video bool
}

// Kinds lists the requested track kinds in a stable order.
func (c MediaConstraints) Kinds() []TrackKind {
	kinds := make([]TrackKind, 0, 2)
	if c.Audio {
		kinds = append(kinds, TrackAudio)
	}
	if c.Video {
		kinds = append(kinds, TrackVideo)
	}
	return kinds
}

// MediaInfo is a snapshot of the local media handle for status reporting.
type MediaInfo struct {
	ID           string `json:"id"`
	AudioEnabled bool   `json:"audioEnabled"`
	VideoEnabled bool   `json:"videoEnabled"`
	HasAudio     bool   `json:"hasAudio"`
	HasVideo     bool   `json:"hasVideo"`
}

// RemoteTrack describes a track received from the peer.
type RemoteTrack struct {
	ID       string    `json:"id"`
	StreamID string    `json:"streamId"`
	Kind     TrackKind `json:"kind"`
	Codec    string    `json:"codec,omitempty"`
}

type RemoteMedia struct {
	StreamID string        `json:"streamId"`
	Tracks   []RemoteTrack `json:"tracks"`
}

// QualitySample summarises RTCP feedback for one outgoing track.
type QualitySample struct {
	Kind         TrackKind
	FractionLost float64
	Jitter       uint32
	NACKs        int
	PLIs         int
}
