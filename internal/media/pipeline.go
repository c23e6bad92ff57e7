package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var errAcquireInProgress = errors.New("media acquisition already in progress")

// Pipeline owns the local stream of one call.
//
// Acquire, StartScreenShare and Release may race: a capture that completes
// after Release is stopped immediately and reported as ErrReleased.
type Pipeline struct {
	dev Device
	log *slog.Logger

	mu        sync.Mutex
	acquiring bool
	audio     Track
	camera    Track
	screen    Track
	released  bool
}

func NewPipeline(dev Device, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{dev: dev, log: logger}
}

// Acquire opens the requested tracks. Any failure, including a missing
// requested kind, is reported as ErrAccessDenied; there is no fallback to a
// subset of the constraints.
func (p *Pipeline) Acquire(ctx context.Context, c Constraints) ([]Track, error) {
	p.mu.Lock()
	switch {
	case p.released:
		p.mu.Unlock()
		return nil, ErrReleased
	case p.audio != nil || p.camera != nil:
		tracks := p.tracksLocked()
		p.mu.Unlock()
		return tracks, nil
	case p.acquiring:
		p.mu.Unlock()
		return nil, errAcquireInProgress
	}
	p.acquiring = true
	p.mu.Unlock()

	tracks, err := p.open(ctx, c)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquiring = false
	if err != nil {
		return nil, err
	}
	if p.released {
		stopAll(tracks)
		return nil, ErrReleased
	}
	for _, t := range tracks {
		switch t.Kind() {
		case KindAudio:
			p.audio = t
		case KindVideo:
			p.camera = t
		}
	}
	p.log.Debug("local media acquired", "tracks", len(tracks))
	return p.tracksLocked(), nil
}

func (p *Pipeline) open(ctx context.Context, c Constraints) ([]Track, error) {
	if p.dev == nil {
		return nil, accessDenied(errors.New("no capture device configured"))
	}
	tracks, err := p.dev.Open(ctx, c)
	if err != nil {
		stopAll(tracks)
		return nil, accessDenied(err)
	}

	var haveAudio, haveVideo bool
	var kept []Track
	for _, t := range tracks {
		switch {
		case t.Kind() == KindAudio && c.Audio && !haveAudio:
			haveAudio = true
			kept = append(kept, t)
		case t.Kind() == KindVideo && c.Video && !haveVideo:
			haveVideo = true
			kept = append(kept, t)
		default:
			t.Stop()
		}
	}
	if c.Audio && !haveAudio {
		stopAll(kept)
		return nil, accessDenied(fmt.Errorf("no %s track", KindAudio))
	}
	if c.Video && !haveVideo {
		stopAll(kept)
		return nil, accessDenied(fmt.Errorf("no %s track", KindVideo))
	}
	return kept, nil
}

// Tracks returns the outgoing tracks: audio first, then the active video
// source (the screen while sharing, otherwise the camera).
func (p *Pipeline) Tracks() []Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracksLocked()
}

func (p *Pipeline) tracksLocked() []Track {
	var out []Track
	if p.audio != nil {
		out = append(out, p.audio)
	}
	if v := p.videoLocked(); v != nil {
		out = append(out, v)
	}
	return out
}

func (p *Pipeline) videoLocked() Track {
	if p.screen != nil {
		return p.screen
	}
	return p.camera
}

func (p *Pipeline) SetAudioEnabled(enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return ErrReleased
	}
	if p.audio == nil {
		return ErrNotAcquired
	}
	p.audio.SetEnabled(enabled)
	return nil
}

// SetVideoEnabled toggles the camera and, while sharing, the screen source.
func (p *Pipeline) SetVideoEnabled(enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return ErrReleased
	}
	if p.camera == nil {
		return ErrNotAcquired
	}
	p.camera.SetEnabled(enabled)
	if p.screen != nil {
		p.screen.SetEnabled(enabled)
	}
	return nil
}

// StartScreenShare opens a screen source. The camera keeps running so it can
// be swapped back without reacquiring. Calling it while already sharing
// returns the current screen track.
func (p *Pipeline) StartScreenShare(ctx context.Context) (Track, error) {
	p.mu.Lock()
	switch {
	case p.released:
		p.mu.Unlock()
		return nil, ErrReleased
	case p.camera == nil:
		p.mu.Unlock()
		return nil, ErrNotAcquired
	case p.screen != nil:
		screen := p.screen
		p.mu.Unlock()
		return screen, nil
	}
	videoEnabled := p.camera.Enabled()
	p.mu.Unlock()

	if p.dev == nil {
		return nil, accessDenied(errors.New("no capture device configured"))
	}
	screen, err := p.dev.OpenScreen(ctx)
	if err != nil {
		return nil, accessDenied(err)
	}
	screen.SetEnabled(videoEnabled)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		screen.Stop()
		return nil, ErrReleased
	}
	if p.screen != nil {
		screen.Stop()
		return p.screen, nil
	}
	p.screen = screen
	return screen, nil
}

// StopScreenShare stops the screen source and returns the camera track that
// should feed the video sender again.
func (p *Pipeline) StopScreenShare() (Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil, ErrReleased
	}
	if p.screen == nil {
		return nil, ErrNotSharing
	}
	p.screen.Stop()
	p.screen = nil
	return p.camera, nil
}

func (p *Pipeline) Flags() Flags {
	p.mu.Lock()
	defer p.mu.Unlock()
	var f Flags
	if p.audio != nil {
		f.AudioEnabled = p.audio.Enabled()
	}
	if p.camera != nil {
		f.VideoEnabled = p.camera.Enabled()
	}
	f.ScreenSharing = p.screen != nil
	return f
}

// Release stops every track. It is safe to call more than once.
func (p *Pipeline) Release() {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	tracks := []Track{p.audio, p.camera, p.screen}
	p.audio, p.camera, p.screen = nil, nil, nil
	p.mu.Unlock()

	stopAll(tracks)
	p.log.Debug("local media released")
}

func (p *Pipeline) Released() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

func stopAll(tracks []Track) {
	for _, t := range tracks {
		if t != nil {
			t.Stop()
		}
	}
}
