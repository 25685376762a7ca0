package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/core"
)

var (
	ErrNoAudioTrack = errors.New("call has no audio track")
	ErrNoVideoTrack = errors.New("call has no video track")
	ErrReleased     = errors.New("media released")
	ErrSharing      = errors.New("camera is not on the call while sharing the screen")
)

// TrackAdder is the part of a peer connection the controller attaches to.
type TrackAdder interface {
	AddTrack(track webrtc.TrackLocal) (core.Sender, error)
}

// Flags mirror what the local side currently sends.
type Flags struct {
	Muted         bool
	VideoOff      bool
	ScreenSharing bool
}

// Controller owns the local tracks of one call.
type Controller struct {
	devices Devices

	mu          sync.Mutex
	audio       *Track
	camera      *Track
	screen      *Track
	videoSender core.Sender
	released    bool
	onShareEnd  func()
}

func NewController(devices Devices) *Controller {
	return &Controller{devices: devices}
}

// Acquire opens audio, plus the camera when video is set. Failures are
// MediaAcquisitionErrors.
func (c *Controller) Acquire(ctx context.Context, video bool) error {
	tracks, err := c.devices.GetUserMedia(ctx, Constraints{Audio: true, Video: video})
	if err != nil {
		return core.NewError(core.KindMediaAcquisition, "get user media", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		for _, t := range tracks {
			t.Stop()
		}
		return core.NewError(core.KindMediaAcquisition, "get user media", ErrReleased)
	}
	for _, t := range tracks {
		switch {
		case t.Kind() == webrtc.RTPCodecTypeAudio && c.audio == nil:
			c.audio = t
		case t.Kind() == webrtc.RTPCodecTypeVideo && c.camera == nil:
			c.camera = t
		default:
			t.Stop()
		}
	}
	if c.audio == nil {
		return core.NewError(core.KindMediaAcquisition, "get user media", ErrNoAudioTrack)
	}
	if video && c.camera == nil {
		return core.NewError(core.KindMediaAcquisition, "get user media", ErrNoVideoTrack)
	}
	log.Info().Str("module", "media").Bool("video", c.camera != nil).Msg("local media acquired")
	return nil
}

// Attach adds the acquired tracks to pc and remembers the video sender for
// later replacement.
func (c *Controller) Attach(pc TrackAdder) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return ErrReleased
	}
	if c.audio != nil {
		if _, err := pc.AddTrack(c.audio.Local()); err != nil {
			return err
		}
	}
	if c.camera != nil {
		sender, err := pc.AddTrack(c.camera.Local())
		if err != nil {
			return err
		}
		c.videoSender = sender
	}
	return nil
}

// ToggleMute flips the microphone and reports whether it is now muted.
func (c *Controller) ToggleMute() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audio == nil || c.released {
		return false, ErrNoAudioTrack
	}
	c.audio.SetEnabled(!c.audio.Enabled())
	return !c.audio.Enabled(), nil
}

// ToggleVideo flips the camera and reports whether video is now off. It is
// refused while the screen is shared, since the camera is not being sent.
func (c *Controller) ToggleVideo() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.camera == nil || c.released {
		return false, ErrNoVideoTrack
	}
	if c.screen != nil {
		return false, ErrSharing
	}
	c.camera.SetEnabled(!c.camera.Enabled())
	return !c.camera.Enabled(), nil
}

// ToggleScreenShare swaps the outbound video between the camera and a
// display capture. It reports whether sharing is now on.
func (c *Controller) ToggleScreenShare(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.released || c.videoSender == nil {
		c.mu.Unlock()
		return false, ErrNoVideoTrack
	}
	if c.screen != nil {
		err := c.stopShareLocked()
		c.mu.Unlock()
		return false, err
	}
	c.mu.Unlock()

	screen, err := c.devices.GetDisplayMedia(ctx)
	if err != nil {
		return false, core.NewError(core.KindMediaAcquisition, "get display media", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.released:
		screen.Stop()
		return false, ErrReleased
	case c.screen != nil:
		// a concurrent toggle won
		screen.Stop()
		return true, nil
	}
	if err := c.videoSender.ReplaceTrack(screen.Local()); err != nil {
		screen.Stop()
		return false, core.NewError(core.KindPeerConnection, "replace track", err)
	}
	c.screen = screen
	go c.watchShare(screen)
	log.Info().Str("module", "media").Str("track", screen.ID()).Msg("screen share started")
	return true, nil
}

// stopShareLocked restores the camera on the video sender.
func (c *Controller) stopShareLocked() error {
	screen := c.screen
	c.screen = nil
	var err error
	if c.camera != nil && c.videoSender != nil {
		if rerr := c.videoSender.ReplaceTrack(c.camera.Local()); rerr != nil {
			err = core.NewError(core.KindPeerConnection, "replace track", rerr)
		}
	}
	screen.Stop()
	log.Info().Str("module", "media").Msg("screen share stopped")
	return err
}

// watchShare restores the camera when the display source ends by itself.
func (c *Controller) watchShare(screen *Track) {
	<-screen.Ended()
	c.mu.Lock()
	if c.screen != screen || c.released {
		c.mu.Unlock()
		return
	}
	if err := c.stopShareLocked(); err != nil {
		log.Error().Err(err).Str("module", "media").Msg("restore camera after share ended")
	}
	fn := c.onShareEnd
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// OnScreenShareEnded sets a callback for shares ended by the source rather
// than by ToggleScreenShare.
func (c *Controller) OnScreenShareEnded(fn func()) {
	c.mu.Lock()
	c.onShareEnd = fn
	c.mu.Unlock()
}

func (c *Controller) Flags() Flags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Flags{
		Muted:         c.audio != nil && !c.audio.Enabled(),
		VideoOff:      c.camera == nil || !c.camera.Enabled(),
		ScreenSharing: c.screen != nil,
	}
}

// HasVideo reports whether a camera track was acquired.
func (c *Controller) HasVideo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.camera != nil
}

// Release stops every track. Later calls do nothing.
func (c *Controller) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	tracks := []*Track{c.audio, c.camera, c.screen}
	c.screen = nil
	c.videoSender = nil
	c.mu.Unlock()

	n := 0
	for _, t := range tracks {
		if t != nil {
			t.Stop()
			n++
		}
	}
	log.Info().Str("module", "media").Int("tracks", n).Msg("local media released")
}
