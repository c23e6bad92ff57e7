package signaling

import (
	"context"
	"errors"
)

// ErrChannelClosed is reported by Channel.Err after a local Close, and
// wrapped by implementations when the underlying connection drops.
var ErrChannelClosed = errors.New("signaling channel closed")

// Channel is a persistent, per-user-addressed message channel to the relay.
//
// Messages sent to one target arrive in the order they were sent. Nothing is
// guaranteed across a disconnect: when the channel is lost Receive is closed
// and Err reports the cause. Delivery may duplicate messages.
type Channel interface {
	Send(ctx context.Context, env Envelope) error
	Receive() <-chan Envelope
	Err() error
	Close() error
}
