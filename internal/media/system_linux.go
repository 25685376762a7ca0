//go:build linux && cgo

package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// System captures from V4L2 cameras, the default microphone and the X11
// screen through pion/mediadevices. Encoded frames are re-pumped into our
// own sample tracks so mute and replacement work the same as for any
// other source.
type System struct {
	selector *mediadevices.CodecSelector
}

func NewSystem() (Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	for _, d := range mediadevices.EnumerateDevices() {
		log.Debug().Str("module", "media").Str("label", d.Label).Str("kind", fmt.Sprint(d.Kind)).Msg("device")
	}
	return &System{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (s *System) GetUserMedia(ctx context.Context, c Constraints) ([]*Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, ErrNoDevice
	}
	constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420, frame.FormatI444, frame.FormatRGBA}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}
	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	return s.wrap(stream.GetTracks(), false)
}

func (s *System) GetDisplayMedia(ctx context.Context) (*Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: s.selector,
		Video: func(*mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	tracks, err := s.wrap(stream.GetTracks(), true)
	if err != nil {
		return nil, err
	}
	if len(tracks) == 0 {
		return nil, ErrNoDevice
	}
	return tracks[0], nil
}

func (s *System) wrap(src []mediadevices.Track, screen bool) ([]*Track, error) {
	streamID := uuid.NewString()
	out := make([]*Track, 0, len(src))
	fail := func(err error) ([]*Track, error) {
		for _, t := range out {
			t.Stop()
		}
		for _, mt := range src {
			_ = mt.Close()
		}
		return nil, err
	}
	for _, mt := range src {
		label, codec, every := LabelMicrophone, Opus, 20*time.Millisecond
		if mt.Kind() == webrtc.RTPCodecTypeVideo {
			label, codec, every = LabelCamera, VP8, 33*time.Millisecond
			if screen {
				label = LabelScreen
			}
		}
		r, err := mt.NewEncodedReader(codec.MimeType)
		if err != nil {
			return fail(fmt.Errorf("%w: %s encoder: %v", ErrNoDevice, label, err))
		}
		t, err := NewTrack(label, codec, streamID, &deviceSource{track: mt, r: r, every: every})
		if err != nil {
			_ = r.Close()
			return fail(err)
		}
		out = append(out, t)
	}
	return out, nil
}

type deviceSource struct {
	track mediadevices.Track
	r     mediadevices.EncodedReadCloser
	every time.Duration
	once  sync.Once
}

func (d *deviceSource) ReadSample() (pmedia.Sample, error) {
	buf, release, err := d.r.Read()
	if err != nil {
		return pmedia.Sample{}, err
	}
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	if release != nil {
		release()
	}
	return pmedia.Sample{Data: data, Duration: d.every}, nil
}

func (d *deviceSource) Close() error {
	var err error
	d.once.Do(func() {
		_ = d.r.Close()
		err = d.track.Close()
	})
	return err
}
