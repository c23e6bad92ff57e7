package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/presence"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

const (
	DefaultAcceptTimeout      = 30 * time.Second
	DefaultNegotiationTimeout = 30 * time.Second

	sendTimeout  = 5 * time.Second
	eventBacklog = 32
)

type Config struct {
	LocalUserID string
	LocalMeta   signaling.PeerMeta

	Channel signaling.Channel
	// Directory is consulted before dialing. Nil skips the presence check.
	Directory  presence.Directory
	Device     media.Device
	Transports negotiation.Factory
	Notifier   Notifier
	Clock      Clock
	Logger     *slog.Logger

	AcceptTimeout      time.Duration
	NegotiationTimeout time.Duration

	// NewCallID generates ids for outgoing calls. Defaults to UUIDv4.
	NewCallID func() string
}

// Controller owns the call sessions of one local user. All session state is
// confined to the goroutine running Run; exported methods hand work to it
// and wait for the result.
type Controller struct {
	cfg    Config
	log    *slog.Logger
	clock  Clock
	router *signaling.Router

	events  chan func()
	done    chan struct{}
	running atomic.Bool

	// Owned by the Run goroutine.
	runCtx context.Context
	sess   *session
	recent *recentSet
}

func New(cfg Config) (*Controller, error) {
	cfg.LocalUserID = strings.TrimSpace(cfg.LocalUserID)
	if cfg.LocalUserID == "" {
		return nil, errors.New("call: LocalUserID is required")
	}
	if cfg.Channel == nil {
		return nil, errors.New("call: Channel is required")
	}
	if cfg.Transports == nil {
		return nil, errors.New("call: Transports is required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NotifierFuncs{}
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = DefaultAcceptTimeout
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.NewCallID == nil {
		cfg.NewCallID = uuid.NewString
	}

	c := &Controller{
		cfg:    cfg,
		log:    cfg.Logger.With("user_id", cfg.LocalUserID),
		clock:  cfg.Clock,
		router: signaling.NewRouter(),
		events: make(chan func(), eventBacklog),
		done:   make(chan struct{}),
		recent: newRecentSet(recentCallIDs),
	}
	signaling.Handle(c.router, signaling.Incoming, c.onIncoming)
	signaling.Handle(c.router, signaling.Accepted, c.onAccepted)
	signaling.Handle(c.router, signaling.Declined, c.onDeclined)
	signaling.Handle(c.router, signaling.Ended, c.onEnded)
	signaling.Handle(c.router, signaling.Offer, c.onOffer)
	signaling.Handle(c.router, signaling.Answer, c.onAnswer)
	signaling.Handle(c.router, signaling.ICECandidate, c.onCandidate)
	signaling.Handle(c.router, signaling.Error, c.onRelayError)
	return c, nil
}

func (c *Controller) LocalUserID() string { return c.cfg.LocalUserID }

// Run processes signaling messages, timers and API calls until ctx is done
// or the signaling channel is lost. A call still in progress when ctx ends
// is hung up.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("call: Run called more than once")
	}
	defer close(c.done)
	c.runCtx = ctx

	recv := c.cfg.Channel.Receive()
	for {
		select {
		case <-ctx.Done():
			if s := c.sess; s != nil {
				c.hangup(s)
			}
			return ctx.Err()
		case fn := <-c.events:
			fn()
		case env, ok := <-recv:
			if !ok {
				cause := c.cfg.Channel.Err()
				if s := c.sess; s != nil {
					c.teardown(s, ReasonSignalingLost, cause)
				}
				return fmt.Errorf("%w: %v", ErrSignalingChannelLost, cause)
			}
			c.dispatch(env)
		}
	}
}

// Done is closed when Run returns.
func (c *Controller) Done() <-chan struct{} { return c.done }

// do runs fn on the Run goroutine and returns its result.
func (c *Controller) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case c.events <- func() { errc <- fn() }:
	case <-c.done:
		return ErrControllerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-c.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrControllerClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues a continuation from another goroutine.
func (c *Controller) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

// postAsync is used from transport callbacks, which may run while the
// transport holds its own locks.
func (c *Controller) postAsync(fn func()) {
	go c.post(fn)
}

func (c *Controller) dispatch(env signaling.Envelope) {
	if c.recent.has(env.CallID) {
		c.log.Debug("ignoring message for ended call", "call_id", env.CallID, "type", env.Type)
		return
	}
	if err := c.router.Dispatch(env); err != nil {
		c.log.Warn("dropping signaling message", "call_id", env.CallID, "type", env.Type, "err", err)
	}
}

// Initiate starts an outgoing call and returns its id. Presence lookup and
// media acquisition continue in the background; failures end the session
// and are reported through the Notifier.
func (c *Controller) Initiate(ctx context.Context, targetID string) (string, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" || targetID == c.cfg.LocalUserID {
		return "", fmt.Errorf("%w %q", ErrInvalidTarget, targetID)
	}
	var callID string
	err := c.do(ctx, func() error {
		if s := c.sess; s != nil {
			return fmt.Errorf("%w (%s)", ErrCallInProgress, s.id)
		}
		s := c.newSession(c.cfg.NewCallID(), RoleInitiator, targetID, nil)
		s.state = StateDialing
		s.acceptTimer = c.clock.AfterFunc(c.cfg.AcceptTimeout, func() {
			c.post(func() { c.onAcceptTimeout(s) })
		})
		callID = s.id
		s.log.Info("dialing")
		c.publish(s)
		go c.prepareOutgoing(s)
		return nil
	})
	return callID, err
}

// Accept answers a ringing call. It is a no-op once the call has been
// answered or has ended.
func (c *Controller) Accept(ctx context.Context, callID string) error {
	return c.do(ctx, func() error {
		s, err := c.lookupCall(callID)
		if s == nil {
			return err
		}
		if s.role != RoleResponder {
			return fmt.Errorf("%w: cannot accept an outgoing call", ErrInvalidState)
		}
		if s.answered || s.state != StateRinging {
			return nil
		}
		s.answered = true
		s.log.Info("accepting")
		go func() {
			_, err := s.pipeline.Acquire(s.ctx, media.DefaultConstraints())
			c.post(func() { c.onAnswerMedia(s, err) })
		}()
		return nil
	})
}

// Decline rejects a ringing call. It is a no-op once the call has been
// answered or has ended.
func (c *Controller) Decline(ctx context.Context, callID string) error {
	return c.do(ctx, func() error {
		s, err := c.lookupCall(callID)
		if s == nil {
			return err
		}
		if s.role != RoleResponder {
			return fmt.Errorf("%w: cannot decline an outgoing call", ErrInvalidState)
		}
		if s.answered {
			return nil
		}
		s.answered = true
		c.decline(s)
		return nil
	})
}

// Cancel abandons an outgoing call. It shares End's teardown.
func (c *Controller) Cancel(ctx context.Context, callID string) error {
	return c.End(ctx, callID)
}

// End hangs up callID from whatever state it is in. Ending a call that
// already ended is a no-op.
func (c *Controller) End(ctx context.Context, callID string) error {
	return c.do(ctx, func() error {
		s, err := c.lookupCall(callID)
		if s == nil {
			return err
		}
		c.hangup(s)
		return nil
	})
}

func (c *Controller) SetAudioEnabled(ctx context.Context, enabled bool) error {
	return c.withMedia(ctx, func(p *media.Pipeline) error { return p.SetAudioEnabled(enabled) })
}

func (c *Controller) SetVideoEnabled(ctx context.Context, enabled bool) error {
	return c.withMedia(ctx, func(p *media.Pipeline) error { return p.SetVideoEnabled(enabled) })
}

func (c *Controller) withMedia(ctx context.Context, fn func(*media.Pipeline) error) error {
	return c.do(ctx, func() error {
		s := c.sess
		if s == nil {
			return ErrNoCall
		}
		if err := fn(s.pipeline); err != nil {
			return err
		}
		c.publish(s)
		return nil
	})
}

// StartScreenShare swaps the outgoing video sender to a screen source. The
// media line is reused; no new offer is made.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	var s *session
	err := c.do(ctx, func() error {
		s = c.sess
		if s == nil {
			return ErrNoCall
		}
		if s.engine == nil || (s.state != StateConnecting && s.state != StateActive) {
			return fmt.Errorf("%w: cannot share screen while %s", ErrInvalidState, s.state)
		}
		return nil
	})
	if err != nil {
		return err
	}

	screen, err := s.pipeline.StartScreenShare(ctx)
	if err != nil {
		return err
	}

	return c.do(ctx, func() error {
		if !c.current(s) {
			return ErrNoCall
		}
		if err := s.engine.ReplaceTrack(media.KindVideo, screen); err != nil {
			_, _ = s.pipeline.StopScreenShare()
			return err
		}
		s.log.Info("screen share started", "track_id", screen.ID())
		c.publish(s)
		return nil
	})
}

// StopScreenShare puts the camera back on the video sender.
func (c *Controller) StopScreenShare(ctx context.Context) error {
	return c.do(ctx, func() error {
		s := c.sess
		if s == nil {
			return ErrNoCall
		}
		if s.engine == nil {
			return fmt.Errorf("%w: no screen share while %s", ErrInvalidState, s.state)
		}
		camera, err := s.pipeline.StopScreenShare()
		if err != nil {
			return err
		}
		if err := s.engine.ReplaceTrack(media.KindVideo, camera); err != nil {
			return err
		}
		s.log.Info("screen share stopped")
		c.publish(s)
		return nil
	})
}

// Snapshot reports the current session, or StateIdle when there is none.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.do(ctx, func() error {
		if s := c.sess; s != nil {
			snap = s.snapshot(c.clock.Now())
		}
		return nil
	})
	return snap, err
}

func (c *Controller) newSession(id string, role Role, remote string, pipeline *media.Pipeline) *session {
	ctx, cancel := context.WithCancel(c.runCtx)
	logger := c.log.With("call_id", id, "remote_user_id", remote, "role", role.String())
	if pipeline == nil {
		pipeline = media.NewPipeline(c.cfg.Device, logger)
	}
	s := &session{
		id:        id,
		role:      role,
		remote:    remote,
		createdAt: c.clock.Now(),
		pipeline:  pipeline,
		ctx:       ctx,
		cancel:    cancel,
		log:       logger,
	}
	c.sess = s
	return s
}

func (c *Controller) current(s *session) bool {
	return s != nil && c.sess == s
}

// lookupCall returns the current session for callID. A recently ended id
// yields (nil, nil) so repeated hangups are no-ops.
func (c *Controller) lookupCall(callID string) (*session, error) {
	if s := c.sess; s != nil && s.id == callID {
		return s, nil
	}
	if c.recent.has(callID) {
		return nil, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownCall, callID)
}

func (c *Controller) publish(s *session) {
	c.cfg.Notifier.StateChanged(s.snapshot(c.clock.Now()))
}

// send delivers one message to target. It may be called from any goroutine.
func send[P signaling.Payload](c *Controller, target string, kind signaling.Kind[P], p P) error {
	env, err := kind.Envelope(c.cfg.LocalUserID, target, p, c.clock.Now())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := c.cfg.Channel.Send(ctx, env); err != nil {
		return fmt.Errorf("send %s: %w", kind.Type(), err)
	}
	return nil
}
