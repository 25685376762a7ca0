package media

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// Source produces encoded samples for one local track. ReadSample blocks
// until a sample is ready and returns io.EOF once the source has ended.
type Source interface {
	ReadSample() (pmedia.Sample, error)
	Close() error
}

type TrackState int32

const (
	TrackStateLive TrackState = iota
	TrackStateMuted
	TrackStateEnded
)

func (s TrackState) String() string {
	switch s {
	case TrackStateMuted:
		return "muted"
	case TrackStateEnded:
		return "ended"
	default:
		return "live"
	}
}

// Label tells what kind of capture a track came from.
type Label string

const (
	LabelMicrophone Label = "microphone"
	LabelCamera     Label = "camera"
	LabelScreen     Label = "screen"
)

var (
	Opus = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	VP8  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// Track is a local capture track. A pump goroutine copies samples from its
// Source into a pion sample track; muted samples are dropped at the pump.
type Track struct {
	label Label
	local *webrtc.TrackLocalStaticSample
	src   Source

	state   atomic.Int32 // Zero by default (TrackStateLive)
	written atomic.Uint64

	stopOnce sync.Once
	ended    chan struct{}
}

// NewTrack wraps src and starts pumping it. streamID groups the tracks of
// one capture request.
func NewTrack(label Label, codec webrtc.RTPCodecCapability, streamID string, src Source) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(codec, string(label)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}
	t := &Track{
		label: label,
		local: local,
		src:   src,
		ended: make(chan struct{}),
	}
	go t.pump()
	return t, nil
}

func (t *Track) pump() {
	defer t.end()
	for {
		sample, err := t.src.ReadSample()
		if err != nil {
			if !errors.Is(err, io.EOF) && t.State() != TrackStateEnded {
				log.Warn().Err(err).Str("module", "media").Str("track", t.ID()).Msg("source read error")
			}
			return
		}
		switch t.State() {
		case TrackStateEnded:
			return
		case TrackStateMuted:
		case TrackStateLive:
			if err := t.local.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				log.Debug().Err(err).Str("module", "media").Str("track", t.ID()).Msg("write sample")
				continue
			}
			t.written.Add(1)
		}
	}
}

func (t *Track) end() {
	t.stopOnce.Do(func() {
		t.state.Store(int32(TrackStateEnded))
		if err := t.src.Close(); err != nil {
			log.Debug().Err(err).Str("module", "media").Str("track", t.ID()).Msg("source close")
		}
		close(t.ended)
	})
}

func (t *Track) ID() string                { return t.local.ID() }
func (t *Track) Label() Label              { return t.label }
func (t *Track) Kind() webrtc.RTPCodecType { return t.local.Kind() }

// Local is the pion track handed to AddTrack and ReplaceTrack.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) State() TrackState { return TrackState(t.state.Load()) }

func (t *Track) Enabled() bool { return t.State() == TrackStateLive }

// SetEnabled flips between live and muted. It has no effect on an ended track.
func (t *Track) SetEnabled(on bool) {
	from, to := TrackStateLive, TrackStateMuted
	if on {
		from, to = to, from
	}
	t.state.CompareAndSwap(int32(from), int32(to))
}

// Stop ends the track and releases its source. Stopping twice is a no-op.
func (t *Track) Stop() { t.end() }

// Ended is closed once the track has stopped, whether by Stop or because
// the source ran out.
func (t *Track) Ended() <-chan struct{} { return t.ended }

// Written reports how many samples reached the outbound track.
func (t *Track) Written() uint64 { return t.written.Load() }
