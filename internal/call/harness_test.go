package call

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/loopback"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/presence"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

const waitTimeout = 2 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Time
	f     func()
	done  bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	pending := !t.done
	t.done = true
	return pending
}

// Advance moves the clock and runs every timer that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	kept := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.done:
		case !t.at.After(c.now):
			t.done = true
			due = append(due, t.f)
		default:
			kept = append(kept, t)
		}
	}
	c.timers = kept
	c.mu.Unlock()
	for _, f := range due {
		f()
	}
}

type recorder struct {
	mu       sync.Mutex
	states   []Snapshot
	incoming []IncomingCall
	ended    []EndedCall
	tracks   map[media.Kind]negotiation.RemoteTrack
}

func (r *recorder) Incoming(c IncomingCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incoming = append(r.incoming, c)
}

func (r *recorder) StateChanged(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) Ended(e EndedCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, e)
}

func (r *recorder) RemoteTrack(_ string, t negotiation.RemoteTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tracks == nil {
		r.tracks = make(map[media.Kind]negotiation.RemoteTrack)
	}
	r.tracks[t.Kind()] = t
}

func (r *recorder) incomingCalls() []IncomingCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]IncomingCall(nil), r.incoming...)
}

func (r *recorder) endedCalls() []EndedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EndedCall(nil), r.ended...)
}

func (r *recorder) track(kind media.Kind) negotiation.RemoteTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracks[kind]
}

func (r *recorder) sawState(callID string, st State) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s.State == st && (callID == "" || s.CallID == callID) {
			return s, true
		}
	}
	return Snapshot{}, false
}

func (r *recorder) waitIncoming(t *testing.T) IncomingCall {
	t.Helper()
	eventually(t, "incoming call", func() bool { return len(r.incomingCalls()) > 0 })
	return r.incomingCalls()[0]
}

func (r *recorder) waitState(t *testing.T, callID string, st State) Snapshot {
	t.Helper()
	var snap Snapshot
	eventually(t, "state "+st.String(), func() bool {
		var ok bool
		snap, ok = r.sawState(callID, st)
		return ok
	})
	return snap
}

func (r *recorder) waitEnded(t *testing.T) EndedCall {
	t.Helper()
	eventually(t, "ended call", func() bool { return len(r.endedCalls()) > 0 })
	return r.endedCalls()[0]
}

type harness struct {
	hub *relay.Hub
	net *loopback.Network
}

func newHarness(t *testing.T, candidates int) *harness {
	t.Helper()
	hub := relay.NewHub(relay.HubConfig{Logger: quietLogger()})
	t.Cleanup(hub.Close)
	return &harness{hub: hub, net: loopback.NewNetwork(candidates)}
}

type peer struct {
	id     string
	ctl    *Controller
	dev    *loopback.Device
	clock  *fakeClock
	rec    *recorder
	runErr chan error
}

func (h *harness) join(t *testing.T, id string, opts ...func(*Config)) *peer {
	t.Helper()
	conn, err := h.hub.Connect(auth.Principal{UserID: id})
	if err != nil {
		t.Fatalf("Connect(%s): %v", id, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	p := &peer{
		id:     id,
		dev:    loopback.NewDevice(id),
		clock:  newFakeClock(),
		rec:    &recorder{},
		runErr: make(chan error, 1),
	}
	cfg := Config{
		LocalUserID: id,
		LocalMeta:   signaling.PeerMeta{DisplayName: strings.ToUpper(id[:1]) + id[1:]},
		Channel:     conn,
		Directory:   h.hub,
		Device:      p.dev,
		Transports:  h.net.Factory(),
		Notifier:    p.rec,
		Clock:       p.clock,
		Logger:      quietLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ctl, err := New(cfg)
	if err != nil {
		t.Fatalf("New(%s): %v", id, err)
	}
	p.ctl = ctl

	ctx, cancel := context.WithCancel(context.Background())
	go func() { p.runErr <- ctl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-ctl.Done()
	})
	return p
}

func (p *peer) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := p.ctl.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("%s Snapshot: %v", p.id, err)
	}
	return snap
}

// connectCall dials callee from caller, accepts, and waits for both sides
// to become active.
func connectCall(t *testing.T, caller, callee *peer) string {
	t.Helper()
	ctx := context.Background()
	callID, err := caller.ctl.Initiate(ctx, callee.id)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	eventually(t, callee.id+" ringing", func() bool {
		_, ok := callee.rec.sawState(callID, StateRinging)
		return ok
	})
	if err := callee.ctl.Accept(ctx, callID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	caller.rec.waitState(t, callID, StateActive)
	callee.rec.waitState(t, callID, StateActive)
	return callID
}

// holdChannel withholds envelopes of the given types until the test
// releases them, in any order.
type holdChannel struct {
	signaling.Channel
	out chan signaling.Envelope

	mu   sync.Mutex
	hold map[signaling.MessageType]bool
	held []signaling.Envelope
}

func newHoldChannel(inner signaling.Channel, types ...signaling.MessageType) *holdChannel {
	h := &holdChannel{
		Channel: inner,
		out:     make(chan signaling.Envelope),
		hold:    make(map[signaling.MessageType]bool),
	}
	for _, typ := range types {
		h.hold[typ] = true
	}
	go h.pump()
	return h
}

func (h *holdChannel) pump() {
	defer close(h.out)
	for env := range h.Channel.Receive() {
		h.mu.Lock()
		if h.hold[env.Type] {
			h.held = append(h.held, env)
			h.mu.Unlock()
			continue
		}
		h.mu.Unlock()
		h.out <- env
	}
}

func (h *holdChannel) Receive() <-chan signaling.Envelope { return h.out }

func (h *holdChannel) waitHeld(t *testing.T, n int) []signaling.Envelope {
	t.Helper()
	var held []signaling.Envelope
	eventually(t, "held envelopes", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		held = append([]signaling.Envelope(nil), h.held...)
		return len(held) >= n
	})
	return held
}

func (h *holdChannel) release(envs ...signaling.Envelope) {
	for _, env := range envs {
		h.out <- env
	}
}

func splitHeld(t *testing.T, held []signaling.Envelope, desc signaling.MessageType) (signaling.Envelope, []signaling.Envelope) {
	t.Helper()
	var sdp signaling.Envelope
	var found bool
	var cands []signaling.Envelope
	for _, env := range held {
		switch env.Type {
		case desc:
			sdp, found = env, true
		case signaling.TypeICECandidate:
			cands = append(cands, env)
		}
	}
	if !found {
		t.Fatalf("no %s among held envelopes", desc)
	}
	return sdp, cands
}

func candidateOf(t *testing.T, env signaling.Envelope) string {
	t.Helper()
	p, err := signaling.ICECandidate.Decode(env)
	if err != nil {
		t.Fatalf("decode candidate: %v", err)
	}
	return p.Candidate.Candidate
}

// gatedDirectory blocks lookups until gate is closed.
type gatedDirectory struct {
	presence.Directory
	gate chan struct{}
}

func (d gatedDirectory) Lookup(ctx context.Context, userID string) (presence.Entry, error) {
	select {
	case <-d.gate:
	case <-ctx.Done():
		return presence.Entry{}, ctx.Err()
	}
	return d.Directory.Lookup(ctx, userID)
}
