// Package media acquires local capture tracks and mutates what a call
// sends: mute, camera on/off and screen share by in-place track replacement.
package media

import (
	"context"
	"errors"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNoDevice         = errors.New("no capture device")
	ErrDeviceBusy       = errors.New("device in use")
)

// Constraints selects which capture kinds to open. Audio is always wanted
// for a call; Video only when the call type needs it.
type Constraints struct {
	Audio bool
	Video bool
}

// Devices is the capture layer. Implementations return tracks that are
// already pumping; the caller owns them and must Stop each one.
type Devices interface {
	GetUserMedia(ctx context.Context, c Constraints) ([]*Track, error)
	// GetDisplayMedia opens a screen capture. Its track ends on its own
	// when the user stops sharing.
	GetDisplayMedia(ctx context.Context) (*Track, error)
}
