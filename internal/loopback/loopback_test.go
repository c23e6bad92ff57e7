package loopback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

type side struct {
	engine    *negotiation.Engine
	connected chan struct{}
	tracks    chan negotiation.RemoteTrack
}

func newSide(t *testing.T, n *Network, dev *Device, initiator bool, peer **side) *side {
	t.Helper()
	tracks, err := dev.Open(context.Background(), media.DefaultConstraints())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := &side{connected: make(chan struct{}), tracks: make(chan negotiation.RemoteTrack, 4)}
	var once sync.Once
	e, err := negotiation.New(context.Background(), n.Factory(), negotiation.Config{
		CallID:    "42",
		Initiator: initiator,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnLocalCandidate: func(c signaling.Candidate) {
			go func() { _ = (*peer).engine.AddRemoteCandidate(c) }()
		},
		OnConnected:   func() { once.Do(func() { close(s.connected) }) },
		OnRemoteTrack: func(rt negotiation.RemoteTrack) { s.tracks <- rt },
	}, tracks)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	s.engine = e
	return s
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

func TestLoopback_PairConnectsAndSwapsSource(t *testing.T) {
	n := NewNetwork(3)
	devA, devB := NewDevice("alice"), NewDevice("bob")
	var a, b *side
	a = newSide(t, n, devA, true, &b)
	b = newSide(t, n, devB, false, &a)

	ctx := context.Background()
	offer, err := a.engine.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	a.engine.LocalDescriptionSent()
	answer, err := b.engine.AcceptOffer(ctx, offer)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	b.engine.LocalDescriptionSent()
	if err := a.engine.AcceptAnswer(answer); err != nil {
		t.Fatalf("accept answer: %v", err)
	}

	waitClosed(t, a.connected, "alice connected")
	waitClosed(t, b.connected, "bob connected")

	var video negotiation.RemoteTrack
	for i := 0; i < 2; i++ {
		select {
		case rt := <-b.tracks:
			if rt.Kind() == media.KindVideo {
				video = rt
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for remote tracks")
		}
	}
	if video == nil || video.SourceID() != "alice-cam" {
		t.Fatalf("remote video source=%v, want alice-cam", video)
	}

	screen, err := devA.OpenScreen(ctx)
	if err != nil {
		t.Fatalf("screen: %v", err)
	}
	if err := a.engine.ReplaceTrack(media.KindVideo, screen); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if got := video.SourceID(); got != "alice-screen-1" {
		t.Fatalf("remote video source=%q, want alice-screen-1", got)
	}
	if got := n.Offers(); got != 1 {
		t.Fatalf("offers=%d, want 1", got)
	}
}

func TestLoopback_CandidateBeforeRemoteDescriptionFails(t *testing.T) {
	n := NewNetwork(0)
	tr, err := n.NewTransport(context.Background(), "c")
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	if err := tr.AddICECandidate(signaling.Candidate{Candidate: "x"}); !errors.Is(err, ErrNoRemote) {
		t.Fatalf("err=%v, want %v", err, ErrNoRemote)
	}
}

func TestLoopback_ThirdTransportRejected(t *testing.T) {
	n := NewNetwork(0)
	for i := 0; i < 2; i++ {
		if _, err := n.NewTransport(context.Background(), "c"); err != nil {
			t.Fatalf("transport %d: %v", i, err)
		}
	}
	if _, err := n.NewTransport(context.Background(), "c"); !errors.Is(err, ErrCallFull) {
		t.Fatalf("err=%v, want %v", err, ErrCallFull)
	}
}

func TestDevice_FailureAndLiveCount(t *testing.T) {
	d := NewDevice("x")
	tracks, err := d.Open(context.Background(), media.DefaultConstraints())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if d.Live() != 2 {
		t.Fatalf("live=%d, want 2", d.Live())
	}
	for _, tr := range tracks {
		tr.Stop()
	}
	if d.Live() != 0 {
		t.Fatalf("live=%d, want 0", d.Live())
	}

	d.OpenErr = errors.New("denied")
	if _, err := d.Open(context.Background(), media.DefaultConstraints()); err == nil {
		t.Fatalf("expected open error")
	}
}
