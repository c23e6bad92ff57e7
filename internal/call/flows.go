package call

import (
	"errors"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/presence"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

// prepareOutgoing runs off the loop: presence first, then local media.
func (c *Controller) prepareOutgoing(s *session) {
	var entry presence.Entry
	if dir := c.cfg.Directory; dir != nil {
		var err error
		entry, err = dir.Lookup(s.ctx, s.remote)
		if err == nil && !entry.Online {
			err = fmt.Errorf("%s is offline", s.remote)
		}
		if err != nil {
			c.post(func() {
				if c.current(s) {
					c.teardown(s, ReasonPeerUnreachable, err)
				}
			})
			return
		}
	}
	_, err := s.pipeline.Acquire(s.ctx, media.DefaultConstraints())
	c.post(func() { c.onOutgoingMedia(s, entry, err) })
}

func (c *Controller) onOutgoingMedia(s *session, entry presence.Entry, err error) {
	if !c.current(s) || s.state != StateDialing {
		return
	}
	if err != nil {
		c.teardown(s, ReasonMediaAccessDenied, err)
		return
	}
	s.mediaReady = true
	if entry.DisplayName != "" {
		s.remoteMeta.DisplayName = entry.DisplayName
	}
	if s.adopt != nil {
		c.adoptIncoming(s, *s.adopt)
		return
	}

	p := signaling.InitiatePayload{CallID: s.id, CallerID: c.cfg.LocalUserID, CallerMeta: c.cfg.LocalMeta}
	if err := send(c, s.remote, signaling.Initiate, p); err != nil {
		c.teardown(s, ReasonSignalingLost, err)
		return
	}
	s.initiateSent = true
	s.log.Debug("call:initiate sent")
}

func (c *Controller) onAcceptTimeout(s *session) {
	if !c.current(s) || s.state != StateDialing {
		return
	}
	s.log.Info("no answer", "timeout", c.cfg.AcceptTimeout)
	c.abort(s, ReasonNoAnswer, nil)
}

func (c *Controller) onNegotiationTimeout(s *session) {
	if !c.current(s) || s.state != StateConnecting {
		return
	}
	c.abort(s, ReasonNegotiationFailed, fmt.Errorf("not connected after %s", c.cfg.NegotiationTimeout))
}

// sessionFor returns the current session when env belongs to it.
func (c *Controller) sessionFor(env signaling.Envelope, callID string) *session {
	s := c.sess
	if s == nil || s.id != callID {
		c.log.Debug("ignoring message for unknown call", "call_id", callID, "type", env.Type)
		return nil
	}
	if env.SenderID != s.remote {
		s.log.Warn("ignoring message from unexpected sender", "type", env.Type, "sender_id", env.SenderID)
		return nil
	}
	return s
}

func (c *Controller) onIncoming(env signaling.Envelope, p signaling.InitiatePayload) {
	caller := env.SenderID
	if caller == "" || caller != p.CallerID {
		c.log.Warn("ignoring call:incoming with mismatched caller", "call_id", p.CallID, "sender_id", env.SenderID, "caller_id", p.CallerID)
		return
	}

	s := c.sess
	switch {
	case s == nil:
		ns := c.newSession(p.CallID, RoleResponder, caller, nil)
		ns.state = StateRinging
		ns.remoteMeta = p.CallerMeta
		ns.log.Info("ringing")
		c.publish(ns)
		c.cfg.Notifier.Incoming(IncomingCall{CallID: p.CallID, CallerID: caller, CallerMeta: p.CallerMeta})
	case s.id == p.CallID && s.remote == caller:
		s.log.Debug("duplicate call:incoming")
	case s.state == StateDialing && s.remote == caller:
		c.resolveGlare(s, p)
	default:
		c.log.Info("busy, declining incoming call", "call_id", p.CallID, "caller_id", caller, "current_call_id", s.id)
		if err := send(c, caller, signaling.Decline, signaling.DeclinePayload{CallID: p.CallID, Reason: signaling.DeclineBusy}); err != nil {
			c.log.Warn("busy decline failed", "call_id", p.CallID, "err", err)
		}
	}
}

// resolveGlare handles both users dialing each other. The lower user id
// keeps its outgoing call; the other side ends its own call and answers the
// incoming one.
func (c *Controller) resolveGlare(s *session, p signaling.InitiatePayload) {
	if c.cfg.LocalUserID < s.remote {
		s.log.Info("glare: keeping outgoing call", "incoming_call_id", p.CallID)
		return
	}
	s.log.Info("glare: yielding to incoming call", "incoming_call_id", p.CallID)
	if !s.mediaReady {
		adopt := p
		s.adopt = &adopt
		return
	}
	c.adoptIncoming(s, p)
}

// adoptIncoming replaces the outgoing session s with the peer's call and
// auto-accepts it, reusing the media s already acquired.
func (c *Controller) adoptIncoming(s *session, p signaling.InitiatePayload) {
	if s.initiateSent {
		if err := send(c, s.remote, signaling.End, signaling.CallRef{CallID: s.id}); err != nil {
			s.log.Warn("call:end for yielded call failed", "err", err)
		}
	}
	c.detach(s)

	ns := c.newSession(p.CallID, RoleResponder, s.remote, s.pipeline)
	ns.state = StateRinging
	ns.remoteMeta = p.CallerMeta
	if ns.remoteMeta.DisplayName == "" {
		ns.remoteMeta.DisplayName = s.remoteMeta.DisplayName
	}
	ns.answered = true
	ns.mediaReady = true
	c.startResponder(ns)
}

func (c *Controller) onAnswerMedia(s *session, err error) {
	if !c.current(s) || s.state != StateRinging {
		return
	}
	if err != nil {
		if serr := send(c, s.remote, signaling.Decline, signaling.DeclinePayload{CallID: s.id, Reason: signaling.DeclineMediaUnavailable}); serr != nil {
			s.log.Warn("media-unavailable decline failed", "err", serr)
		}
		c.teardown(s, ReasonMediaAccessDenied, err)
		return
	}
	s.mediaReady = true
	c.startResponder(s)
}

// startResponder moves an answered call to Connecting and tells the caller.
// The engine exists before call:accept goes out so the offer always finds
// it.
func (c *Controller) startResponder(s *session) {
	if err := c.startEngine(s); err != nil {
		c.abort(s, ReasonNegotiationFailed, err)
		return
	}
	if err := send(c, s.remote, signaling.Accept, signaling.CallRef{CallID: s.id}); err != nil {
		c.teardown(s, ReasonSignalingLost, err)
	}
}

// startEngine enters Connecting, arms the negotiation deadline and builds
// the engine over the session's local tracks.
func (c *Controller) startEngine(s *session) error {
	s.state = StateConnecting
	if s.acceptTimer != nil {
		s.acceptTimer.Stop()
		s.acceptTimer = nil
	}
	s.negotiationTimer = c.clock.AfterFunc(c.cfg.NegotiationTimeout, func() {
		c.post(func() { c.onNegotiationTimeout(s) })
	})

	eng, err := negotiation.New(s.ctx, c.cfg.Transports, negotiation.Config{
		CallID:           s.id,
		Initiator:        s.role == RoleInitiator,
		Logger:           s.log,
		OnLocalCandidate: func(cand signaling.Candidate) { c.sendCandidate(s, cand) },
		OnConnected: func() {
			c.postAsync(func() { c.onConnected(s) })
		},
		OnFailed: func(err error) {
			c.postAsync(func() {
				if c.current(s) {
					c.abort(s, ReasonICEFailed, err)
				}
			})
		},
		OnRemoteTrack: func(rt negotiation.RemoteTrack) {
			c.postAsync(func() {
				if c.current(s) {
					c.cfg.Notifier.RemoteTrack(s.id, rt)
				}
			})
		},
	}, s.pipeline.Tracks())
	if err != nil {
		return err
	}
	s.engine = eng
	s.log.Debug("connecting")
	c.publish(s)
	return nil
}

// sendCandidate is called by the engine from transport goroutines.
func (c *Controller) sendCandidate(s *session, cand signaling.Candidate) {
	if s.ctx.Err() != nil {
		return
	}
	if err := send(c, s.remote, signaling.ICECandidate, signaling.CandidatePayload{CallID: s.id, Candidate: cand}); err != nil {
		s.log.Debug("local candidate not sent", "err", err)
	}
}

func (c *Controller) onConnected(s *session) {
	if !c.current(s) || s.state != StateConnecting {
		return
	}
	if s.negotiationTimer != nil {
		s.negotiationTimer.Stop()
		s.negotiationTimer = nil
	}
	s.state = StateActive
	s.activeAt = c.clock.Now()
	s.log.Info("call active")
	c.publish(s)
}

func (c *Controller) onAccepted(env signaling.Envelope, p signaling.CallRef) {
	s := c.sessionFor(env, p.CallID)
	if s == nil || s.role != RoleInitiator || s.state != StateDialing || !s.initiateSent {
		return
	}
	s.log.Info("accepted by peer")
	if err := c.startEngine(s); err != nil {
		c.abort(s, ReasonNegotiationFailed, err)
		return
	}
	eng := s.engine
	go func() {
		offer, err := eng.CreateOffer(s.ctx)
		c.post(func() { c.onLocalDescription(s, signaling.Offer, offer, err) })
	}()
}

// onLocalDescription sends the offer or answer and then releases the local
// candidates held behind it.
func (c *Controller) onLocalDescription(s *session, kind signaling.Kind[signaling.SDPPayload], desc signaling.SessionDescription, err error) {
	if !c.current(s) || s.state != StateConnecting {
		return
	}
	if errors.Is(err, negotiation.ErrAlreadyNegotiated) {
		s.log.Debug("ignoring duplicate description", "type", kind.Type())
		return
	}
	if err != nil {
		c.abort(s, ReasonNegotiationFailed, err)
		return
	}
	if err := send(c, s.remote, kind, signaling.SDPPayload{CallID: s.id, SDP: desc}); err != nil {
		c.teardown(s, ReasonSignalingLost, err)
		return
	}
	s.engine.LocalDescriptionSent()
}

func (c *Controller) onOffer(env signaling.Envelope, p signaling.SDPPayload) {
	s := c.sessionFor(env, p.CallID)
	if s == nil || s.role != RoleResponder || s.engine == nil {
		return
	}
	eng := s.engine
	go func() {
		answer, err := eng.AcceptOffer(s.ctx, p.SDP)
		c.post(func() { c.onLocalDescription(s, signaling.Answer, answer, err) })
	}()
}

func (c *Controller) onAnswer(env signaling.Envelope, p signaling.SDPPayload) {
	s := c.sessionFor(env, p.CallID)
	if s == nil || s.role != RoleInitiator || s.engine == nil {
		return
	}
	eng := s.engine
	go func() {
		err := eng.AcceptAnswer(p.SDP)
		c.post(func() {
			if !c.current(s) || err == nil {
				return
			}
			if errors.Is(err, negotiation.ErrAlreadyNegotiated) {
				s.log.Debug("ignoring duplicate call:answer")
				return
			}
			c.abort(s, ReasonNegotiationFailed, err)
		})
	}()
}

func (c *Controller) onCandidate(env signaling.Envelope, p signaling.CandidatePayload) {
	s := c.sessionFor(env, p.CallID)
	if s == nil {
		return
	}
	if s.engine == nil {
		s.log.Debug("dropping candidate before negotiation", "state", s.state)
		return
	}
	if err := s.engine.AddRemoteCandidate(p.Candidate); err != nil {
		s.log.Debug("remote candidate rejected", "err", err)
	}
}

func (c *Controller) onDeclined(env signaling.Envelope, p signaling.DeclinePayload) {
	s := c.sessionFor(env, p.CallID)
	if s == nil || s.role != RoleInitiator || s.state != StateDialing {
		return
	}
	switch p.Reason {
	case signaling.DeclineBusy:
		c.teardown(s, ReasonBusy, nil)
	case signaling.DeclineMediaUnavailable:
		c.teardown(s, ReasonRejected, errors.New("peer media unavailable"))
	default:
		c.teardown(s, ReasonRejected, nil)
	}
}

func (c *Controller) onEnded(env signaling.Envelope, p signaling.CallRef) {
	if s := c.sess; s != nil && s.adopt != nil && s.adopt.CallID == p.CallID && env.SenderID == s.remote {
		s.adopt = nil
		return
	}
	s := c.sessionFor(env, p.CallID)
	if s == nil {
		return
	}
	if s.state == StateActive {
		s.state = StateEnding
		c.publish(s)
		c.teardown(s, ReasonNormal, nil)
		return
	}
	c.teardown(s, ReasonCancelledByPeer, nil)
}

func (c *Controller) onRelayError(env signaling.Envelope, p signaling.ErrorPayload) {
	s := c.sess
	if s == nil || p.CallID != s.id {
		c.log.Warn("relay error", "call_id", p.CallID, "error", p.Error, "message", p.Message)
		return
	}
	cause := fmt.Errorf("relay: %s: %s", p.Error, p.Message)
	switch {
	case p.Error != signaling.ErrorTargetOffline:
		s.log.Warn("relay error", "error", p.Error, "message", p.Message)
	case s.state == StateDialing:
		c.teardown(s, ReasonPeerUnreachable, cause)
	default:
		c.teardown(s, ReasonSignalingLost, cause)
	}
}

// hangup is the local End: the reason depends on how far the call got.
func (c *Controller) hangup(s *session) {
	switch s.state {
	case StateDialing:
		c.abort(s, ReasonCancelled, nil)
	case StateRinging:
		s.answered = true
		c.decline(s)
	case StateConnecting:
		c.abort(s, ReasonCancelled, nil)
	case StateActive:
		s.state = StateEnding
		c.publish(s)
		c.abort(s, ReasonNormal, nil)
	}
}

func (c *Controller) decline(s *session) {
	if err := send(c, s.remote, signaling.Decline, signaling.DeclinePayload{CallID: s.id, Reason: signaling.DeclineRejected}); err != nil {
		s.log.Warn("call:decline failed", "err", err)
	}
	c.teardown(s, ReasonDeclined, nil)
}

// abort tells the peer the call is over, when it knows about it, then tears
// down.
func (c *Controller) abort(s *session, reason EndReason, cause error) {
	if s.role == RoleResponder || s.initiateSent {
		if err := send(c, s.remote, signaling.End, signaling.CallRef{CallID: s.id}); err != nil {
			s.log.Warn("call:end failed", "err", err)
		}
	}
	c.teardown(s, reason, cause)
}

// teardown is the single terminal path: release media, close the engine,
// stop timers, detach, then notify once.
func (c *Controller) teardown(s *session, reason EndReason, cause error) {
	if !c.current(s) {
		return
	}
	if s.adopt != nil {
		if err := send(c, s.remote, signaling.Decline, signaling.DeclinePayload{CallID: s.adopt.CallID, Reason: signaling.DeclineRejected}); err != nil {
			s.log.Warn("call:decline for pending glare call failed", "err", err)
		}
		s.adopt = nil
	}
	now := c.clock.Now()
	duration := s.duration(now)

	s.pipeline.Release()
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			s.log.Debug("close engine", "err", err)
		}
	}
	c.detach(s)

	s.state = reason.state()
	err := endError(reason, cause)
	if err != nil {
		s.log.Info("call ended", "reason", reason, "state", s.state, "err", err)
	} else {
		s.log.Info("call ended", "reason", reason, "duration", duration)
	}
	snap := s.snapshot(now)
	snap.Duration = duration
	c.cfg.Notifier.StateChanged(snap)
	c.cfg.Notifier.Ended(EndedCall{
		CallID:       s.id,
		RemoteUserID: s.remote,
		Role:         s.role,
		State:        s.state,
		Reason:       reason,
		Err:          err,
		Duration:     duration,
	})
}

// detach drops s from the controller without releasing its media.
func (c *Controller) detach(s *session) {
	s.stopTimers()
	if c.sess == s {
		c.sess = nil
	}
	c.recent.add(s.id)
	s.cancel()
}
