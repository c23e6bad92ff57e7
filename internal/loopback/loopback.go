// Package loopback provides in-memory implementations of the negotiation
// and media capability interfaces. Two transports created for the same call
// id on one Network are wired to each other: descriptions and candidates are
// checked for ordering, and once both sides are ready the pair connects and
// each side sees the other's tracks.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

var (
	ErrClosed          = errors.New("loopback transport closed")
	ErrNoRemote        = errors.New("remote description not set")
	ErrCallFull        = errors.New("loopback call already has two transports")
	ErrUnexpectedOrder = errors.New("unexpected description order")
)

// Network pairs transports by call id.
type Network struct {
	// Candidates is the number of local candidates each transport gathers.
	Candidates int
	// Manual disables automatic connection; use Transport.Connect.
	Manual bool

	mu     sync.Mutex
	calls  map[string][]*Transport
	offers int
}

func NewNetwork(candidates int) *Network {
	return &Network{Candidates: candidates}
}

// Factory returns a negotiation.Factory backed by n.
func (n *Network) Factory() negotiation.Factory {
	return negotiation.FactoryFunc(n.NewTransport)
}

func (n *Network) NewTransport(ctx context.Context, callID string) (negotiation.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.calls == nil {
		n.calls = make(map[string][]*Transport)
	}
	pair := n.calls[callID]
	if len(pair) >= 2 {
		return nil, fmt.Errorf("%w: %s", ErrCallFull, callID)
	}
	t := &Transport{net: n, callID: callID, side: len(pair)}
	if len(pair) == 1 {
		t.peer = pair[0]
		pair[0].mu.Lock()
		pair[0].peer = t
		pair[0].mu.Unlock()
	}
	n.calls[callID] = append(pair, t)
	return t, nil
}

// Transports returns the transports created for callID in creation order.
func (n *Network) Transports(callID string) []*Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Transport(nil), n.calls[callID]...)
}

// Offers counts every offer created on the network.
func (n *Network) Offers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.offers
}

type sender struct {
	t    *Transport
	kind media.Kind

	mu     sync.Mutex
	track  media.Track
	remote *RemoteTrack
}

func (s *sender) ReplaceTrack(track media.Track) error {
	s.t.mu.Lock()
	closed := s.t.closed
	s.t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if track != nil && track.Kind() != s.kind {
		return fmt.Errorf("replace %s sender with %s track", s.kind, track.Kind())
	}
	s.mu.Lock()
	s.track = track
	remote := s.remote
	s.mu.Unlock()
	if remote != nil {
		remote.setSource(sourceOf(track))
	}
	return nil
}

func (s *sender) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sourceOf(s.track)
}

func sourceOf(track media.Track) string {
	if track == nil {
		return ""
	}
	return track.ID()
}

// RemoteTrack mirrors the track behind one of the peer's senders.
type RemoteTrack struct {
	id   string
	kind media.Kind

	mu     sync.Mutex
	source string
}

func (r *RemoteTrack) ID() string       { return r.id }
func (r *RemoteTrack) Kind() media.Kind { return r.kind }

func (r *RemoteTrack) SourceID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.source
}

func (r *RemoteTrack) setSource(id string) {
	r.mu.Lock()
	r.source = id
	r.mu.Unlock()
}

// Transport is one side of a loopback call.
type Transport struct {
	net    *Network
	callID string
	side   int

	mu        sync.Mutex
	peer      *Transport
	senders   []*sender
	local     *signaling.SessionDescription
	remote    *signaling.SessionDescription
	applied   []string
	state     negotiation.ConnectionState
	closed    bool
	gathering bool

	onCand  func(signaling.Candidate)
	onState func(negotiation.ConnectionState)
	onTrack func(negotiation.RemoteTrack)
}

func (t *Transport) AddTrack(track media.Track) (negotiation.Sender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	s := &sender{t: t, kind: track.Kind(), track: track}
	t.senders = append(t.senders, s)
	return s, nil
}

func (t *Transport) CreateOffer(ctx context.Context) (signaling.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return signaling.SessionDescription{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return signaling.SessionDescription{}, ErrClosed
	}
	t.net.mu.Lock()
	t.net.offers++
	n := t.net.offers
	t.net.mu.Unlock()
	return signaling.SessionDescription{Type: "offer", SDP: fmt.Sprintf("v=0\r\no=loopback %d %s\r\n", n, t.callID)}, nil
}

func (t *Transport) CreateAnswer(ctx context.Context) (signaling.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return signaling.SessionDescription{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return signaling.SessionDescription{}, ErrClosed
	}
	if t.remote == nil || t.remote.Type != "offer" {
		return signaling.SessionDescription{}, fmt.Errorf("%w: answer without remote offer", ErrUnexpectedOrder)
	}
	return signaling.SessionDescription{Type: "answer", SDP: fmt.Sprintf("v=0\r\no=loopback-answer %s\r\n", t.callID)}, nil
}

func (t *Transport) SetLocalDescription(desc signaling.SessionDescription) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.local != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: local description already set", ErrUnexpectedOrder)
	}
	t.local = &desc
	start := !t.gathering
	t.gathering = true
	onCand := t.onCand
	count := t.net.Candidates
	t.mu.Unlock()

	if start && onCand != nil && count > 0 {
		go func() {
			for i := 0; i < count; i++ {
				if t.isClosed() {
					return
				}
				onCand(signaling.Candidate{Candidate: fmt.Sprintf("candidate:%d-%d 1 udp 2130706431 127.0.0.1 %d typ host", t.side, i, 50000+t.side*100+i)})
			}
		}()
	}
	t.maybeConnect()
	return nil
}

func (t *Transport) SetRemoteDescription(desc signaling.SessionDescription) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.remote != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: remote description already set", ErrUnexpectedOrder)
	}
	t.remote = &desc
	t.mu.Unlock()
	t.maybeConnect()
	return nil
}

// AddICECandidate fails without a remote description, like a browser does.
func (t *Transport) AddICECandidate(c signaling.Candidate) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.remote == nil {
		t.mu.Unlock()
		return ErrNoRemote
	}
	t.applied = append(t.applied, c.Candidate)
	t.mu.Unlock()
	t.maybeConnect()
	return nil
}

func (t *Transport) OnICECandidate(fn func(signaling.Candidate)) {
	t.mu.Lock()
	t.onCand = fn
	t.mu.Unlock()
}

func (t *Transport) OnConnectionStateChange(fn func(negotiation.ConnectionState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *Transport) OnTrack(fn func(negotiation.RemoteTrack)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.state = negotiation.ConnectionStateClosed
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// ready reports whether this side has both descriptions and, when the
// network gathers candidates, has applied at least one remote candidate.
func (t *Transport) readyLocked() bool {
	if t.closed || t.local == nil || t.remote == nil {
		return false
	}
	return t.net.Candidates == 0 || len(t.applied) > 0
}

func (t *Transport) maybeConnect() {
	if t.net.Manual {
		return
	}
	t.mu.Lock()
	peer := t.peer
	t.mu.Unlock()
	if peer == nil {
		return
	}
	a, b := t, peer
	if b.side < a.side {
		a, b = b, a
	}
	a.mu.Lock()
	b.mu.Lock()
	ok := a.readyLocked() && b.readyLocked() && a.state != negotiation.ConnectionStateConnected
	b.mu.Unlock()
	a.mu.Unlock()
	if ok {
		t.Connect()
	}
}

// Connect moves both sides to connected and delivers each side's tracks to
// the other.
func (t *Transport) Connect() {
	t.mu.Lock()
	peer := t.peer
	t.mu.Unlock()
	if peer == nil {
		return
	}
	a, b := t, peer
	if b.side < a.side {
		a, b = b, a
	}
	a.mu.Lock()
	b.mu.Lock()
	if a.closed || b.closed || a.state == negotiation.ConnectionStateConnected {
		b.mu.Unlock()
		a.mu.Unlock()
		return
	}
	a.state = negotiation.ConnectionStateConnected
	b.state = negotiation.ConnectionStateConnected
	aTracks := attachRemote(b.senders)
	bTracks := attachRemote(a.senders)
	aTrack, aState := a.onTrack, a.onState
	bTrack, bState := b.onTrack, b.onState
	b.mu.Unlock()
	a.mu.Unlock()

	deliver := func(tracks []*RemoteTrack, onTrack func(negotiation.RemoteTrack), onState func(negotiation.ConnectionState)) {
		if onState != nil {
			onState(negotiation.ConnectionStateConnecting)
		}
		if onTrack != nil {
			for _, rt := range tracks {
				onTrack(rt)
			}
		}
		if onState != nil {
			onState(negotiation.ConnectionStateConnected)
		}
	}
	go deliver(aTracks, aTrack, aState)
	go deliver(bTracks, bTrack, bState)
}

func attachRemote(senders []*sender) []*RemoteTrack {
	out := make([]*RemoteTrack, 0, len(senders))
	for i, s := range senders {
		rt := &RemoteTrack{id: fmt.Sprintf("remote-%s-%d", s.kind, i), kind: s.kind, source: s.current()}
		s.mu.Lock()
		s.remote = rt
		s.mu.Unlock()
		out = append(out, rt)
	}
	return out
}

// Fail reports a failed connection on this side only.
func (t *Transport) Fail() {
	t.SetState(negotiation.ConnectionStateFailed)
}

// SetState forces a state change on this side.
func (t *Transport) SetState(state negotiation.ConnectionState) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.state = state
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		go fn(state)
	}
}

func (t *Transport) State() negotiation.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Closed() bool { return t.isClosed() }

// AppliedCandidates returns remote candidates in the order they were applied.
func (t *Transport) AppliedCandidates() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.applied...)
}

func (t *Transport) RemoteDescription() (signaling.SessionDescription, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return signaling.SessionDescription{}, false
	}
	return *t.remote, true
}
