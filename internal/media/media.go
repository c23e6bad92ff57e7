// Package media owns local capture for a call: acquiring microphone and
// camera tracks from a Device, toggling them, swapping in a screen source
// and releasing everything exactly once.
package media

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAccessDenied means local capture could not be opened. It is always
	// fatal to the pending call.
	ErrAccessDenied = errors.New("media access denied")
	ErrReleased     = errors.New("media pipeline released")
	ErrNotAcquired  = errors.New("media not acquired")
	ErrNotSharing   = errors.New("screen share not active")
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track is a local media source. Disabling a track keeps it attached to its
// sender; the peer receives silence or black frames instead.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

type Constraints struct {
	Audio bool
	Video bool
}

// DefaultConstraints requests both microphone and camera.
func DefaultConstraints() Constraints {
	return Constraints{Audio: true, Video: true}
}

// Device opens local capture sources.
type Device interface {
	Open(ctx context.Context, c Constraints) ([]Track, error)
	OpenScreen(ctx context.Context) (Track, error)
}

// Flags is the locally authoritative media state. It is never signaled.
type Flags struct {
	AudioEnabled  bool
	VideoEnabled  bool
	ScreenSharing bool
}

func accessDenied(err error) error {
	if errors.Is(err, ErrAccessDenied) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrAccessDenied, err)
}
