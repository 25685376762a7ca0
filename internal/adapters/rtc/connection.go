package rtc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/core"
)

// Connection adapts a pion PeerConnection to core.PeerConnection. Remote
// tracks are drained for their lifetime so the receive pipeline keeps
// running and the packet counters stay current.
type Connection struct {
	pc  *webrtc.PeerConnection
	sid core.SessionID
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.RemoteTrack)
	onState func(webrtc.PeerConnectionState)

	closeOnce sync.Once
	closed    atomic.Bool

	packets atomic.Uint64
	bytes   atomic.Uint64
	lost    atomic.Uint64
}

var _ core.PeerConnection = (*Connection)(nil)

func newConnection(pc *webrtc.PeerConnection, sid core.SessionID) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		pc:     pc,
		sid:    sid,
		log:    log.With().Str("module", "webrtc").Str("sid", string(sid)).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Info().Str("peer_connection_state", s.String()).Msg("peer state")
		c.mu.RLock()
		fn := c.onState
		c.mu.RUnlock()
		if fn != nil {
			fn(s)
		}
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if cand == nil {
			return
		}
		c.mu.RLock()
		fn := c.onICE
		c.mu.RUnlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.RLock()
		fn := c.onTrack
		c.mu.RUnlock()
		if fn != nil {
			fn(track)
		}
		go c.drain(track)
	})
	return c
}

// drain reads RTP from t until the track or the connection ends.
func (c *Connection) drain(t *webrtc.TrackRemote) {
	var seq sequence
	for {
		if c.ctx.Err() != nil {
			return
		}
		pkt, _, err := t.ReadRTP()
		if err != nil {
			c.log.Debug().Err(err).Str("track_id", t.ID()).Msg("remote track finished")
			return
		}
		c.observe(&seq, pkt)
	}
}

// sequence follows the RTP sequence numbers of one track.
type sequence struct {
	last uint16
	seen bool
}

// observe counts pkt and any packets skipped since the previous one on the
// same track. Numbers wrap at 1<<16; a jump backwards is reordering, not loss.
func (c *Connection) observe(seq *sequence, pkt *rtp.Packet) {
	if seq.seen {
		if gap := pkt.SequenceNumber - seq.last - 1; gap > 0 && gap < 1<<15 {
			c.lost.Add(uint64(gap))
		}
	}
	seq.seen, seq.last = true, pkt.SequenceNumber
	c.packets.Add(1)
	c.bytes.Add(uint64(len(pkt.Payload)))
}

// Stats are cumulative counters over every remote track.
type Stats struct {
	PacketsReceived uint64
	BytesReceived   uint64
	PacketsLost     uint64
}

func (c *Connection) Stats() Stats {
	return Stats{
		PacketsReceived: c.packets.Load(),
		BytesReceived:   c.bytes.Load(),
		PacketsLost:     c.lost.Load(),
	}
}

func (c *Connection) AddTrack(t webrtc.TrackLocal) (core.Sender, error) {
	sender, err := c.pc.AddTrack(t)
	if err != nil {
		return nil, err
	}
	// RTCP must be read for interceptors such as NACK to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(d webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(d)
}

func (c *Connection) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Close is safe to call more than once; only the first call closes the
// underlying connection.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		if err = c.pc.Close(); err != nil {
			c.log.Error().Err(err).Msg("close error")
			return
		}
		c.log.Info().Msg("closed")
	})
	return err
}

func (c *Connection) IsClosed() bool {
	return c.closed.Load() || c.pc.ConnectionState() == webrtc.PeerConnectionStateClosed
}
