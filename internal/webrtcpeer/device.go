package webrtcpeer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
)

const (
	defaultFrameInterval = 20 * time.Millisecond
	syntheticFrameBytes  = 64
)

// sourceMarker prefixes the source id embedded in every enabled sample so
// the receiver can tell which local source is feeding a track.
var sourceMarker = []byte("src=")

// SyntheticDevice produces opus and VP8 sample tracks carrying generated
// payloads instead of captured media. It is used by the CLI client and in
// tests; it never touches real hardware.
type SyntheticDevice struct {
	Name string
	// FrameInterval is the sample cadence. Zero means 20ms.
	FrameInterval time.Duration

	mu      sync.Mutex
	screens int
}

func NewSyntheticDevice(name string) *SyntheticDevice {
	return &SyntheticDevice{Name: name}
}

func (d *SyntheticDevice) interval() time.Duration {
	if d.FrameInterval > 0 {
		return d.FrameInterval
	}
	return defaultFrameInterval
}

func (d *SyntheticDevice) Open(ctx context.Context, c media.Constraints) ([]media.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []media.Track
	if c.Audio {
		t, err := NewSampleTrack(d.Name+"-mic", media.KindAudio, d.Name, d.interval())
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if c.Video {
		t, err := NewSampleTrack(d.Name+"-cam", media.KindVideo, d.Name, d.interval())
		if err != nil {
			for _, prev := range out {
				prev.Stop()
			}
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (d *SyntheticDevice) OpenScreen(ctx context.Context) (media.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.screens++
	n := d.screens
	d.mu.Unlock()
	return NewSampleTrack(fmt.Sprintf("%s-screen-%d", d.Name, n), media.KindVideo, d.Name, d.interval())
}

// SampleTrack pumps generated samples into a TrackLocalStaticSample until
// stopped. While disabled it sends zeroed frames without a source marker.
type SampleTrack struct {
	*media.BasicTrack

	local    *webrtc.TrackLocalStaticSample
	interval time.Duration
}

func NewSampleTrack(id string, kind media.Kind, streamID string, interval time.Duration) (*SampleTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == media.KindVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	local, err := webrtc.NewTrackLocalStaticSample(capability, string(kind), streamID)
	if err != nil {
		return nil, fmt.Errorf("new %s sample track: %w", kind, err)
	}
	t := &SampleTrack{
		BasicTrack: media.NewBasicTrack(id, kind, nil),
		local:      local,
		interval:   interval,
	}
	go t.pump()
	return t, nil
}

func (t *SampleTrack) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *SampleTrack) pump() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	marked := append(append([]byte(nil), sourceMarker...), t.ID()...)
	marked = append(marked, ';')
	for {
		select {
		case <-t.Done():
			return
		case <-ticker.C:
		}
		frame := make([]byte, syntheticFrameBytes)
		if t.Enabled() {
			copy(frame, marked)
		}
		// Unbound tracks return nil; write errors only mean no receiver yet.
		_ = t.local.WriteSample(pionmedia.Sample{Data: frame, Duration: t.interval})
	}
}

type remoteTrack struct {
	remote *webrtc.TrackRemote
	log    *slog.Logger

	source atomic.Value // string
}

func newRemoteTrack(remote *webrtc.TrackRemote, logger *slog.Logger) *remoteTrack {
	rt := &remoteTrack{remote: remote, log: logger}
	rt.source.Store("")
	return rt
}

func (r *remoteTrack) ID() string { return r.remote.ID() }

func (r *remoteTrack) Kind() media.Kind {
	if r.remote.Kind() == webrtc.RTPCodecTypeVideo {
		return media.KindVideo
	}
	return media.KindAudio
}

func (r *remoteTrack) SourceID() string {
	return r.source.Load().(string)
}

func (r *remoteTrack) readLoop() {
	for {
		pkt, _, err := r.remote.ReadRTP()
		if err != nil {
			r.log.Debug("remote track ended", "track_id", r.remote.ID(), "err", err)
			return
		}
		if id, ok := parseSourceID(pkt.Payload); ok && id != r.SourceID() {
			r.source.Store(id)
		}
	}
}

// parseSourceID finds the marker anywhere in the payload so codec payload
// descriptors in front of the sample don't matter.
func parseSourceID(payload []byte) (string, bool) {
	i := bytes.Index(payload, sourceMarker)
	if i < 0 {
		return "", false
	}
	rest := payload[i+len(sourceMarker):]
	end := bytes.IndexByte(rest, ';')
	if end <= 0 {
		return "", false
	}
	return string(rest[:end]), true
}
