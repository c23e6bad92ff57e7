// Package negotiation drives the offer/answer exchange and ICE candidate
// trickle for one call over an abstract Transport.
//
// Remote candidates that arrive before the remote description are queued and
// applied in arrival order immediately after it is set. Local candidates are
// held until the caller reports that the local description went out, so the
// peer never sees a candidate ahead of the SDP it belongs to.
package negotiation

import (
	"context"
	"errors"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

var (
	ErrWrongRole         = errors.New("operation not valid for this negotiation role")
	ErrAlreadyNegotiated = errors.New("offer/answer already exchanged")
	ErrNoOffer           = errors.New("no local offer outstanding")
	ErrNoSender          = errors.New("no sender for track kind")
	ErrClosed            = errors.New("negotiation closed")
	// ErrICEFailed is reported when the transport gives up connecting.
	ErrICEFailed = errors.New("ice connection failed")
)

type ConnectionState int

const (
	ConnectionStateNew ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateDisconnected
	ConnectionStateFailed
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sender carries one outgoing local track.
type Sender interface {
	// ReplaceTrack swaps the source without renegotiating.
	ReplaceTrack(track media.Track) error
}

// RemoteTrack is a track received from the peer.
type RemoteTrack interface {
	ID() string
	Kind() media.Kind
	// SourceID identifies the peer's local source currently feeding this
	// track, or "" before any media has arrived.
	SourceID() string
}

// Transport is the peer-to-peer media connection for a single call.
//
// Handlers are registered before any description is set and may be invoked
// from any goroutine.
type Transport interface {
	AddTrack(track media.Track) (Sender, error)

	CreateOffer(ctx context.Context) (signaling.SessionDescription, error)
	CreateAnswer(ctx context.Context) (signaling.SessionDescription, error)
	SetLocalDescription(desc signaling.SessionDescription) error
	SetRemoteDescription(desc signaling.SessionDescription) error
	AddICECandidate(c signaling.Candidate) error

	OnICECandidate(fn func(signaling.Candidate))
	OnConnectionStateChange(fn func(ConnectionState))
	OnTrack(fn func(RemoteTrack))

	Close() error
}

// Factory creates transports. Implementations carry the ICE server list.
type Factory interface {
	NewTransport(ctx context.Context, callID string) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, callID string) (Transport, error)

func (f FactoryFunc) NewTransport(ctx context.Context, callID string) (Transport, error) {
	return f(ctx, callID)
}
