package call

import (
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

// IncomingCall is reported when a call starts ringing locally.
type IncomingCall struct {
	CallID     string
	CallerID   string
	CallerMeta signaling.PeerMeta
}

// EndedCall is reported exactly once per session.
type EndedCall struct {
	CallID       string
	RemoteUserID string
	Role         Role
	State        State
	Reason       EndReason
	// Err is nil for normal hangups and local declines.
	Err      error
	Duration time.Duration
}

// Notifier is the UI collaborator. Methods run on the controller goroutine
// and must return promptly; calling back into the Controller from inside a
// Notifier method deadlocks.
type Notifier interface {
	Incoming(IncomingCall)
	StateChanged(Snapshot)
	Ended(EndedCall)
	RemoteTrack(callID string, track negotiation.RemoteTrack)
}

// NotifierFuncs adapts optional functions to Notifier.
type NotifierFuncs struct {
	OnIncoming     func(IncomingCall)
	OnStateChanged func(Snapshot)
	OnEnded        func(EndedCall)
	OnRemoteTrack  func(callID string, track negotiation.RemoteTrack)
}

func (n NotifierFuncs) Incoming(c IncomingCall) {
	if n.OnIncoming != nil {
		n.OnIncoming(c)
	}
}

func (n NotifierFuncs) StateChanged(s Snapshot) {
	if n.OnStateChanged != nil {
		n.OnStateChanged(s)
	}
}

func (n NotifierFuncs) Ended(e EndedCall) {
	if n.OnEnded != nil {
		n.OnEnded(e)
	}
}

func (n NotifierFuncs) RemoteTrack(callID string, t negotiation.RemoteTrack) {
	if n.OnRemoteTrack != nil {
		n.OnRemoteTrack(callID, t)
	}
}
