package media

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Synthetic is a capture layer that needs no hardware. It emits fixed-size
// placeholder frames at a steady rate, which is enough for the far side to
// see RTP on every negotiated track.
type Synthetic struct {
	AudioInterval time.Duration
	VideoInterval time.Duration

	live atomic.Int64

	mu      sync.Mutex
	screens map[*synthSource]struct{}
}

func NewSynthetic() *Synthetic {
	return &Synthetic{
		AudioInterval: 20 * time.Millisecond,
		VideoInterval: 33 * time.Millisecond,
		screens:       make(map[*synthSource]struct{}),
	}
}

func (d *Synthetic) GetUserMedia(ctx context.Context, c Constraints) ([]*Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, ErrNoDevice
	}
	streamID := uuid.NewString()
	var tracks []*Track
	if c.Audio {
		t, err := NewTrack(LabelMicrophone, Opus, streamID, d.newSource(d.AudioInterval, 160))
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := NewTrack(LabelCamera, VP8, streamID, d.newSource(d.VideoInterval, 1000))
		if err != nil {
			for _, t := range tracks {
				t.Stop()
			}
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func (d *Synthetic) GetDisplayMedia(ctx context.Context) (*Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src := d.newSource(d.VideoInterval, 1200)
	d.mu.Lock()
	d.screens[src] = struct{}{}
	d.mu.Unlock()
	return NewTrack(LabelScreen, VP8, uuid.NewString(), src)
}

// StopSharing ends every open screen capture as if the user pressed the
// system "stop sharing" control.
func (d *Synthetic) StopSharing() {
	d.mu.Lock()
	srcs := make([]*synthSource, 0, len(d.screens))
	for s := range d.screens {
		srcs = append(srcs, s)
	}
	d.mu.Unlock()
	for _, s := range srcs {
		_ = s.Close()
	}
}

// Live reports how many capture sources are open.
func (d *Synthetic) Live() int { return int(d.live.Load()) }

func (d *Synthetic) newSource(every time.Duration, size int) *synthSource {
	if every <= 0 {
		every = 20 * time.Millisecond
	}
	d.live.Add(1)
	return &synthSource{
		owner:  d,
		every:  every,
		ticker: time.NewTicker(every),
		frame:  make([]byte, size),
		done:   make(chan struct{}),
	}
}

type synthSource struct {
	owner  *Synthetic
	every  time.Duration
	ticker *time.Ticker
	frame  []byte
	seq    byte

	once sync.Once
	done chan struct{}
}

func (s *synthSource) ReadSample() (pmedia.Sample, error) {
	select {
	case <-s.done:
		return pmedia.Sample{}, io.EOF
	case <-s.ticker.C:
	}
	s.seq++
	data := make([]byte, len(s.frame))
	copy(data, s.frame)
	data[0] = s.seq
	return pmedia.Sample{Data: data, Duration: s.every}, nil
}

func (s *synthSource) Close() error {
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.done)
		s.owner.live.Add(-1)
		s.owner.mu.Lock()
		delete(s.owner.screens, s)
		s.owner.mu.Unlock()
	})
	return nil
}
