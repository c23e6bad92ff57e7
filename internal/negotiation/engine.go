package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

type Config struct {
	CallID string
	// Initiator creates the offer; the other side answers.
	Initiator bool
	Logger    *slog.Logger

	// OnLocalCandidate receives local candidates in gathering order, only
	// after LocalDescriptionSent. It must not block on the engine.
	OnLocalCandidate func(signaling.Candidate)
	// OnConnected fires at most once.
	OnConnected func()
	// OnFailed fires at most once, with an error wrapping ErrICEFailed.
	OnFailed      func(err error)
	OnRemoteTrack func(RemoteTrack)
}

type phase int

const (
	phaseIdle phase = iota
	phaseOffered
	phaseDone
)

// Engine negotiates one call. All methods are safe for concurrent use.
type Engine struct {
	cfg Config
	log *slog.Logger
	t   Transport

	senders map[media.Kind]Sender

	// mu orders remote description application against candidate arrival.
	mu            sync.Mutex
	phase         phase
	remoteSet     bool
	pendingRemote []signaling.Candidate
	closed        bool

	localMu      sync.Mutex
	localSent    bool
	pendingLocal []signaling.Candidate

	connectedOnce sync.Once
	failedOnce    sync.Once
	closeOnce     sync.Once
}

// New creates the transport for cfg.CallID and attaches the local tracks.
func New(ctx context.Context, factory Factory, cfg Config, tracks []media.Track) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t, err := factory.NewTransport(ctx, cfg.CallID)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		log:     logger,
		t:       t,
		senders: make(map[media.Kind]Sender),
	}

	t.OnICECandidate(e.handleLocalCandidate)
	t.OnConnectionStateChange(e.handleState)
	t.OnTrack(func(rt RemoteTrack) {
		if e.isClosed() {
			return
		}
		e.log.Debug("remote track", "track_id", rt.ID(), "kind", rt.Kind())
		if cfg.OnRemoteTrack != nil {
			cfg.OnRemoteTrack(rt)
		}
	})

	for _, track := range tracks {
		sender, err := t.AddTrack(track)
		if err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		if _, ok := e.senders[track.Kind()]; !ok {
			e.senders[track.Kind()] = sender
		}
	}
	return e, nil
}

func (e *Engine) Initiator() bool { return e.cfg.Initiator }

// CreateOffer creates and applies the local offer. Initiator only.
func (e *Engine) CreateOffer(ctx context.Context) (signaling.SessionDescription, error) {
	if !e.cfg.Initiator {
		return signaling.SessionDescription{}, ErrWrongRole
	}
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return signaling.SessionDescription{}, ErrClosed
	case e.phase != phaseIdle:
		e.mu.Unlock()
		return signaling.SessionDescription{}, ErrAlreadyNegotiated
	}
	e.phase = phaseOffered
	e.mu.Unlock()

	offer, err := e.t.CreateOffer(ctx)
	if err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := e.t.SetLocalDescription(offer); err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

// AcceptOffer applies the peer's offer, flushes queued candidates and
// returns the local answer. Responder only.
func (e *Engine) AcceptOffer(ctx context.Context, offer signaling.SessionDescription) (signaling.SessionDescription, error) {
	if e.cfg.Initiator {
		return signaling.SessionDescription{}, ErrWrongRole
	}
	if err := e.applyRemote(offer, phaseIdle); err != nil {
		return signaling.SessionDescription{}, err
	}

	answer, err := e.t.CreateAnswer(ctx)
	if err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := e.t.SetLocalDescription(answer); err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

// AcceptAnswer applies the peer's answer and flushes queued candidates.
// Initiator only.
func (e *Engine) AcceptAnswer(answer signaling.SessionDescription) error {
	if !e.cfg.Initiator {
		return ErrWrongRole
	}
	return e.applyRemote(answer, phaseOffered)
}

func (e *Engine) applyRemote(desc signaling.SessionDescription, want phase) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.closed:
		return ErrClosed
	case e.remoteSet || e.phase == phaseDone:
		return ErrAlreadyNegotiated
	case e.phase != want:
		return ErrNoOffer
	}

	if err := e.t.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	e.remoteSet = true
	e.phase = phaseDone

	queued := e.pendingRemote
	e.pendingRemote = nil
	for _, c := range queued {
		if err := e.t.AddICECandidate(c); err != nil {
			e.log.Warn("dropping queued remote candidate", "err", err)
		}
	}
	if len(queued) > 0 {
		e.log.Debug("applied queued remote candidates", "count", len(queued))
	}
	return nil
}

// AddRemoteCandidate applies c, or queues it while the remote description is
// unset. Empty end-of-candidates markers are ignored.
func (e *Engine) AddRemoteCandidate(c signaling.Candidate) error {
	if c.Candidate == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if !e.remoteSet {
		e.pendingRemote = append(e.pendingRemote, c)
		return nil
	}
	if err := e.t.AddICECandidate(c); err != nil {
		return fmt.Errorf("add remote candidate: %w", err)
	}
	return nil
}

// PendingCandidates reports how many remote candidates are queued.
func (e *Engine) PendingCandidates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pendingRemote)
}

func (e *Engine) RemoteDescriptionSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteSet
}

func (e *Engine) handleLocalCandidate(c signaling.Candidate) {
	e.localMu.Lock()
	defer e.localMu.Unlock()
	if e.isClosed() {
		return
	}
	if !e.localSent {
		e.pendingLocal = append(e.pendingLocal, c)
		return
	}
	e.emitLocal(c)
}

// LocalDescriptionSent releases local candidates held back until the offer
// or answer was handed to signaling.
func (e *Engine) LocalDescriptionSent() {
	e.localMu.Lock()
	defer e.localMu.Unlock()
	if e.localSent || e.isClosed() {
		return
	}
	e.localSent = true
	held := e.pendingLocal
	e.pendingLocal = nil
	for _, c := range held {
		e.emitLocal(c)
	}
}

func (e *Engine) emitLocal(c signaling.Candidate) {
	if e.cfg.OnLocalCandidate != nil {
		e.cfg.OnLocalCandidate(c)
	}
}

func (e *Engine) handleState(state ConnectionState) {
	if e.isClosed() {
		return
	}
	e.log.Debug("transport state", "state", state)
	switch state {
	case ConnectionStateConnected:
		e.connectedOnce.Do(func() {
			if e.cfg.OnConnected != nil {
				e.cfg.OnConnected()
			}
		})
	case ConnectionStateFailed:
		e.failedOnce.Do(func() {
			if e.cfg.OnFailed != nil {
				e.cfg.OnFailed(fmt.Errorf("call %s: %w", e.cfg.CallID, ErrICEFailed))
			}
		})
	}
}

// ReplaceTrack swaps the source of the existing sender for kind.
func (e *Engine) ReplaceTrack(kind media.Kind, track media.Track) error {
	if e.isClosed() {
		return ErrClosed
	}
	sender, ok := e.senders[kind]
	if !ok {
		return fmt.Errorf("%w %q", ErrNoSender, kind)
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("replace %s track: %w", kind, err)
	}
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close drops both candidate queues and closes the transport. It is safe to
// call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.pendingRemote = nil
		e.mu.Unlock()

		e.localMu.Lock()
		e.pendingLocal = nil
		e.localMu.Unlock()

		err = e.t.Close()
	})
	return err
}
