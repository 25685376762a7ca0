package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/dkeye/Call/internal/media"
	"github.com/dkeye/Call/internal/signaling"
)

// Session is one call. Everything below opMu is guarded by the
// orchestrator mutex.
type Session struct {
	ID      core.SessionID
	ChatID  domain.ChatID
	Role    Role
	IsVideo bool
	Peer    domain.User
	// CallID is shared with the peer: the caller's session ID, adopted by
	// the callee from call:incoming.
	CallID string

	// opMu serializes the SDP steps of StartCall, AcceptCall and answer
	// handling. Teardown never takes it.
	opMu sync.Mutex

	status Status
	offer  signaling.SDP
	pc     core.PeerConnection
	media  *media.Controller
	ice    *ICEBuffer
	remote *RemoteStream
	timer  *time.Timer

	ctx    context.Context
	cancel context.CancelFunc

	// announced is set once the peer has heard about this session; local
	// candidates gathered earlier wait in localCands.
	announced  bool
	localCands []webrtc.ICECandidateInit

	log zerolog.Logger
}

func newSession(chat domain.ChatID, role Role, video bool, iceLimit int) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := core.SessionID(uuid.NewString())
	return &Session{
		ID:      id,
		CallID:  string(id),
		ChatID:  chat,
		Role:    role,
		IsVideo: video,
		ice:     NewICEBuffer(iceLimit),
		remote:  &RemoteStream{},
		ctx:     ctx,
		cancel:  cancel,
		log: log.With().
			Str("module", "call").
			Str("sid", string(id)).
			Str("chat", string(chat)).
			Str("role", role.String()).
			Logger(),
	}
}

// peerKnows reports whether the remote side has a session to tear down.
func (s *Session) peerKnows() bool {
	return s.Role == RoleCallee || s.announced
}

// Info is a point-in-time copy of a session for callers outside the package.
type Info struct {
	ID      core.SessionID
	CallID  string
	ChatID  domain.ChatID
	Role    Role
	Status  Status
	IsVideo bool
	Peer    domain.User
	Media   media.Flags
}

// RemoteStream groups the inbound tracks of a call. It is surfaced to
// subscribers but owned by the peer connection.
type RemoteStream struct {
	mu     sync.RWMutex
	id     string
	tracks []core.RemoteTrack
}

func (r *RemoteStream) add(t core.RemoteTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.id == "" {
		r.id = t.StreamID()
	}
	r.tracks = append(r.tracks, t)
}

func (r *RemoteStream) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id
}

func (r *RemoteStream) Tracks() []core.RemoteTrack {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.RemoteTrack, len(r.tracks))
	copy(out, r.tracks)
	return out
}

// HasKind reports whether a track of kind has arrived.
func (r *RemoteStream) HasKind(kind webrtc.RTPCodecType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tracks {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}
