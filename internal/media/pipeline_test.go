package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
)

type fakeDevice struct {
	openErr   error
	kinds     []Kind
	screenErr error

	opened  []*BasicTrack
	stopped atomic.Int32

	entered chan struct{}
	block   chan struct{}
}

func (d *fakeDevice) track(id string, kind Kind) *BasicTrack {
	t := NewBasicTrack(id, kind, func() { d.stopped.Add(1) })
	d.opened = append(d.opened, t)
	return t
}

func (d *fakeDevice) Open(ctx context.Context, c Constraints) ([]Track, error) {
	if d.entered != nil {
		close(d.entered)
	}
	if d.block != nil {
		<-d.block
	}
	if d.openErr != nil {
		return nil, d.openErr
	}
	kinds := d.kinds
	if kinds == nil {
		kinds = []Kind{KindAudio, KindVideo}
	}
	var out []Track
	for _, k := range kinds {
		out = append(out, d.track("cam-"+string(k), k))
	}
	return out, nil
}

func (d *fakeDevice) OpenScreen(ctx context.Context) (Track, error) {
	if d.screenErr != nil {
		return nil, d.screenErr
	}
	return d.track("screen", KindVideo), nil
}

func newTestPipeline(dev Device) *Pipeline {
	return NewPipeline(dev, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAcquire_AudioAndVideo(t *testing.T) {
	dev := &fakeDevice{}
	p := newTestPipeline(dev)

	tracks, err := p.Acquire(context.Background(), DefaultConstraints())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(tracks) != 2 || tracks[0].Kind() != KindAudio || tracks[1].Kind() != KindVideo {
		t.Fatalf("unexpected tracks: %v", tracks)
	}
	f := p.Flags()
	if !f.AudioEnabled || !f.VideoEnabled || f.ScreenSharing {
		t.Fatalf("flags=%+v", f)
	}
}

func TestAcquire_FailureIsAccessDenied(t *testing.T) {
	p := newTestPipeline(&fakeDevice{openErr: errors.New("permission denied")})
	_, err := p.Acquire(context.Background(), DefaultConstraints())
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("err=%v, want %v", err, ErrAccessDenied)
	}
}

func TestAcquire_NoAudioOnlyFallback(t *testing.T) {
	dev := &fakeDevice{kinds: []Kind{KindAudio}}
	p := newTestPipeline(dev)

	_, err := p.Acquire(context.Background(), DefaultConstraints())
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("err=%v, want %v", err, ErrAccessDenied)
	}
	if got := dev.stopped.Load(); got != 1 {
		t.Fatalf("stopped=%d, want the lone audio track stopped", got)
	}
	if len(p.Tracks()) != 0 {
		t.Fatalf("pipeline must not keep a partial stream")
	}
}

func TestRelease_IdempotentAndStopsTracks(t *testing.T) {
	dev := &fakeDevice{}
	p := newTestPipeline(dev)
	if _, err := p.Acquire(context.Background(), DefaultConstraints()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := p.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("screen share: %v", err)
	}

	p.Release()
	p.Release()

	if got := dev.stopped.Load(); got != 3 {
		t.Fatalf("stopped=%d, want 3", got)
	}
	for _, tr := range dev.opened {
		tr.Stop()
	}
	if got := dev.stopped.Load(); got != 3 {
		t.Fatalf("Stop must be idempotent, stopped=%d", got)
	}
	if err := p.SetAudioEnabled(false); !errors.Is(err, ErrReleased) {
		t.Fatalf("err=%v, want %v", err, ErrReleased)
	}
}

func TestAcquire_CompletingAfterReleaseStopsTracks(t *testing.T) {
	dev := &fakeDevice{entered: make(chan struct{}), block: make(chan struct{})}
	p := newTestPipeline(dev)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), DefaultConstraints())
		errCh <- err
	}()

	<-dev.entered
	p.Release()
	close(dev.block)

	if err := <-errCh; !errors.Is(err, ErrReleased) {
		t.Fatalf("err=%v, want %v", err, ErrReleased)
	}
	if got := dev.stopped.Load(); got != 2 {
		t.Fatalf("stopped=%d, want 2", got)
	}
}

func TestMuteAndScreenShare(t *testing.T) {
	dev := &fakeDevice{}
	p := newTestPipeline(dev)
	if _, err := p.Acquire(context.Background(), DefaultConstraints()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := p.SetAudioEnabled(false); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if err := p.SetVideoEnabled(false); err != nil {
		t.Fatalf("video off: %v", err)
	}
	f := p.Flags()
	if f.AudioEnabled || f.VideoEnabled {
		t.Fatalf("flags=%+v, want both disabled", f)
	}

	screen, err := p.StartScreenShare(context.Background())
	if err != nil {
		t.Fatalf("screen share: %v", err)
	}
	if screen.Enabled() {
		t.Fatalf("screen track should inherit the disabled video state")
	}
	if tracks := p.Tracks(); tracks[1].ID() != "screen" {
		t.Fatalf("outgoing video=%q, want screen", tracks[1].ID())
	}
	if !p.Flags().ScreenSharing {
		t.Fatalf("expected ScreenSharing")
	}

	camera, err := p.StopScreenShare()
	if err != nil {
		t.Fatalf("stop share: %v", err)
	}
	if camera.ID() != "cam-video" {
		t.Fatalf("camera=%q", camera.ID())
	}
	if _, err := p.StopScreenShare(); !errors.Is(err, ErrNotSharing) {
		t.Fatalf("err=%v, want %v", err, ErrNotSharing)
	}
}

func TestScreenShare_RequiresAcquire(t *testing.T) {
	p := newTestPipeline(&fakeDevice{})
	if _, err := p.StartScreenShare(context.Background()); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("err=%v, want %v", err, ErrNotAcquired)
	}
}
