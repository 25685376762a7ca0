package media

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Call/internal/core"
)

type fakeSender struct {
	mu    sync.Mutex
	track webrtc.TrackLocal
	swaps int
}

func (s *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	s.swaps++
	return nil
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

type fakePC struct {
	senders []*fakeSender
}

func (p *fakePC) AddTrack(t webrtc.TrackLocal) (core.Sender, error) {
	s := &fakeSender{track: t}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *fakePC) videoSender() *fakeSender {
	for _, s := range p.senders {
		if s.Track().Kind() == webrtc.RTPCodecTypeVideo {
			return s
		}
	}
	return nil
}

type deniedDevices struct{}

func (deniedDevices) GetUserMedia(context.Context, Constraints) ([]*Track, error) {
	return nil, ErrPermissionDenied
}

func (deniedDevices) GetDisplayMedia(context.Context) (*Track, error) {
	return nil, ErrPermissionDenied
}

func newVideoCall(t *testing.T) (*Controller, *Synthetic, *fakePC) {
	t.Helper()
	dev := NewSynthetic()
	c := NewController(dev)
	require.NoError(t, c.Acquire(context.Background(), true))
	pc := &fakePC{}
	require.NoError(t, c.Attach(pc))
	require.Len(t, pc.senders, 2)
	t.Cleanup(c.Release)
	return c, dev, pc
}

func TestToggleScreenShareTwiceRestoresCamera(t *testing.T) {
	c, dev, pc := newVideoCall(t)
	sender := pc.videoSender()
	require.NotNil(t, sender)
	camera := sender.Track()

	on, err := c.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	assert.True(t, on)
	assert.NotEqual(t, camera.ID(), sender.Track().ID())
	assert.True(t, c.Flags().ScreenSharing)
	assert.Equal(t, 3, dev.Live())

	on, err = c.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	assert.False(t, on)
	assert.Equal(t, camera.ID(), sender.Track().ID())
	assert.False(t, c.Flags().ScreenSharing)
	assert.Equal(t, 2, dev.Live())
}

func TestScreenShareEndedBySourceRestoresCamera(t *testing.T) {
	c, dev, pc := newVideoCall(t)
	sender := pc.videoSender()
	camera := sender.Track()

	var ended atomic.Bool
	c.OnScreenShareEnded(func() { ended.Store(true) })

	_, err := c.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	dev.StopSharing()

	require.Eventually(t, ended.Load, time.Second, 5*time.Millisecond)
	assert.Equal(t, camera.ID(), sender.Track().ID())
	assert.False(t, c.Flags().ScreenSharing)
}

func TestToggleMuteAndVideo(t *testing.T) {
	c, _, _ := newVideoCall(t)

	muted, err := c.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)
	assert.True(t, c.Flags().Muted)

	muted, err = c.ToggleMute()
	require.NoError(t, err)
	assert.False(t, muted)

	off, err := c.ToggleVideo()
	require.NoError(t, err)
	assert.True(t, off)
	assert.Equal(t, Flags{VideoOff: true}, c.Flags())
}

func TestToggleVideoRefusedWhileSharing(t *testing.T) {
	c, _, pc := newVideoCall(t)
	sender := pc.videoSender()

	_, err := c.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	screen := sender.Track()

	_, err = c.ToggleVideo()
	assert.ErrorIs(t, err, ErrSharing)
	assert.Equal(t, Flags{ScreenSharing: true}, c.Flags())
	assert.Equal(t, screen.ID(), sender.Track().ID())

	_, err = c.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	off, err := c.ToggleVideo()
	require.NoError(t, err)
	assert.True(t, off)
}

func TestAudioOnlyCall(t *testing.T) {
	dev := NewSynthetic()
	c := NewController(dev)
	require.NoError(t, c.Acquire(context.Background(), false))
	pc := &fakePC{}
	require.NoError(t, c.Attach(pc))
	defer c.Release()

	assert.Len(t, pc.senders, 1)
	assert.False(t, c.HasVideo())

	_, err := c.ToggleVideo()
	assert.ErrorIs(t, err, ErrNoVideoTrack)
	_, err = c.ToggleScreenShare(context.Background())
	assert.ErrorIs(t, err, ErrNoVideoTrack)
	assert.Equal(t, 1, dev.Live())
}

func TestReleaseStopsEveryTrackOnce(t *testing.T) {
	dev := NewSynthetic()
	c := NewController(dev)
	require.NoError(t, c.Acquire(context.Background(), true))
	require.NoError(t, c.Attach(&fakePC{}))
	_, err := c.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, dev.Live())

	c.Release()
	c.Release()
	assert.Equal(t, 0, dev.Live())

	_, err = c.ToggleMute()
	assert.Error(t, err)
	assert.ErrorIs(t, c.Attach(&fakePC{}), ErrReleased)
}

func TestAcquireAfterReleaseDropsTracks(t *testing.T) {
	dev := NewSynthetic()
	c := NewController(dev)
	c.Release()

	err := c.Acquire(context.Background(), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMediaAcquisition)
	assert.Equal(t, 0, dev.Live())
}

func TestAcquireDenied(t *testing.T) {
	c := NewController(deniedDevices{})
	err := c.Acquire(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMediaAcquisition)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}
