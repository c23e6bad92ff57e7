package loopback

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
)

// Device hands out BasicTracks named after Name. Setting OpenErr or
// ScreenErr makes the corresponding capture fail.
type Device struct {
	Name      string
	OpenErr   error
	ScreenErr error

	mu      sync.Mutex
	opened  []*media.BasicTrack
	screens int
	stopped atomic.Int32
}

func NewDevice(name string) *Device {
	return &Device{Name: name}
}

func (d *Device) Open(ctx context.Context, c media.Constraints) ([]media.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	var out []media.Track
	if c.Audio {
		out = append(out, d.track(d.Name+"-mic", media.KindAudio))
	}
	if c.Video {
		out = append(out, d.track(d.Name+"-cam", media.KindVideo))
	}
	return out, nil
}

func (d *Device) OpenScreen(ctx context.Context) (media.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.ScreenErr != nil {
		return nil, d.ScreenErr
	}
	d.mu.Lock()
	d.screens++
	n := d.screens
	d.mu.Unlock()
	return d.track(fmt.Sprintf("%s-screen-%d", d.Name, n), media.KindVideo), nil
}

func (d *Device) track(id string, kind media.Kind) *media.BasicTrack {
	t := media.NewBasicTrack(id, kind, func() { d.stopped.Add(1) })
	d.mu.Lock()
	d.opened = append(d.opened, t)
	d.mu.Unlock()
	return t
}

// Opened returns every track handed out so far.
func (d *Device) Opened() []*media.BasicTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*media.BasicTrack(nil), d.opened...)
}

// Live counts opened tracks that have not been stopped.
func (d *Device) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.opened) - int(d.stopped.Load())
}

func (d *Device) Stopped() int { return int(d.stopped.Load()) }
