package core

import (
	"github.com/pion/webrtc/v4"
)

// SessionID identifies one call session.
type SessionID string

// Sender is the outbound half of a negotiated transceiver.
// *webrtc.RTPSender satisfies it.
type Sender interface {
	// ReplaceTrack swaps the media source without renegotiation. The new
	// track must have the same kind as the negotiated one.
	ReplaceTrack(track webrtc.TrackLocal) error
	Track() webrtc.TrackLocal
}

// RemoteTrack is the read-only view of an inbound track.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// PeerConnection is the negotiated transport owned by a call session.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (Sender, error)

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback invoked when a remote track arrives.
	OnTrack(func(RemoteTrack))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))

	// Close stops all underlying transports. Closing twice is a no-op.
	Close() error
	IsClosed() bool
}

// PeerConnectionFactory creates peer connections for new sessions.
type PeerConnectionFactory interface {
	NewPeerConnection(sid SessionID) (PeerConnection, error)
}
