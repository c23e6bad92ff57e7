// Package call implements the call session controller: the state machine
// that owns at most one 1:1 call at a time, drives the negotiation engine
// and the local media pipeline, and reports every terminal transition to
// the UI exactly once.
package call

import (
	"errors"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/negotiation"
)

var (
	ErrMediaAccessDenied    = media.ErrAccessDenied
	ErrPeerUnreachable      = errors.New("peer unreachable")
	ErrBusy                 = errors.New("peer busy")
	ErrNoAnswer             = errors.New("no answer")
	ErrRejected             = errors.New("call rejected")
	ErrCancelledByCaller    = errors.New("call cancelled")
	ErrNegotiationFailed    = errors.New("negotiation failed")
	ErrIceConnectionFailed  = negotiation.ErrICEFailed
	ErrSignalingChannelLost = errors.New("signaling channel lost")

	ErrCallInProgress   = errors.New("a call is already in progress")
	ErrNoCall           = errors.New("no call in progress")
	ErrUnknownCall      = errors.New("unknown call id")
	ErrInvalidState     = errors.New("operation not valid in current call state")
	ErrInvalidTarget    = errors.New("invalid call target")
	ErrControllerClosed = errors.New("call controller stopped")
)

type State int

const (
	StateIdle State = iota
	StateDialing
	StateRinging
	StateConnecting
	StateActive
	StateEnding
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is Ended or Failed.
func (s State) Terminal() bool { return s == StateEnded || s == StateFailed }

type Role int

const (
	RoleInitiator Role = iota + 1
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return ""
	}
}

// EndReason is attached to every terminal transition.
type EndReason string

const (
	ReasonNormal            EndReason = "normal"
	ReasonDeclined          EndReason = "declined"
	ReasonRejected          EndReason = "rejected"
	ReasonBusy              EndReason = "busy"
	ReasonNoAnswer          EndReason = "no-answer"
	ReasonCancelled         EndReason = "cancelled"
	ReasonCancelledByPeer   EndReason = "cancelled-by-peer"
	ReasonMediaAccessDenied EndReason = "media-access-denied"
	ReasonPeerUnreachable   EndReason = "peer-unreachable"
	ReasonNegotiationFailed EndReason = "negotiation-failed"
	ReasonICEFailed         EndReason = "ice-failed"
	ReasonSignalingLost     EndReason = "signaling-lost"
)

// Err returns the sentinel for r, or nil for reasons that are not errors
// from the local user's point of view.
func (r EndReason) Err() error {
	switch r {
	case ReasonRejected:
		return ErrRejected
	case ReasonBusy:
		return ErrBusy
	case ReasonNoAnswer:
		return ErrNoAnswer
	case ReasonCancelled, ReasonCancelledByPeer:
		return ErrCancelledByCaller
	case ReasonMediaAccessDenied:
		return ErrMediaAccessDenied
	case ReasonPeerUnreachable:
		return ErrPeerUnreachable
	case ReasonNegotiationFailed:
		return ErrNegotiationFailed
	case ReasonICEFailed:
		return ErrIceConnectionFailed
	case ReasonSignalingLost:
		return ErrSignalingChannelLost
	default:
		return nil
	}
}

// Failed reports whether r ends the session in StateFailed.
func (r EndReason) Failed() bool {
	switch r {
	case ReasonMediaAccessDenied, ReasonPeerUnreachable, ReasonNegotiationFailed, ReasonICEFailed, ReasonSignalingLost:
		return true
	default:
		return false
	}
}

func (r EndReason) state() State {
	if r.Failed() {
		return StateFailed
	}
	return StateEnded
}

// endError attaches cause to the sentinel for r without double wrapping.
func endError(r EndReason, cause error) error {
	sentinel := r.Err()
	switch {
	case sentinel == nil:
		return nil
	case cause == nil:
		return sentinel
	case errors.Is(cause, sentinel):
		return cause
	default:
		return fmt.Errorf("%w: %v", sentinel, cause)
	}
}
