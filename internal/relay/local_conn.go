package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

// LocalConn is an in-process signaling.Channel registered directly on a Hub.
type LocalConn struct {
	hub  *Hub
	ep   *endpoint
	recv chan signaling.Envelope

	errOnce sync.Once
	err     error
}

var _ signaling.Channel = (*LocalConn)(nil)

// Connect registers an in-process connection for p.
func (h *Hub) Connect(p auth.Principal) (*LocalConn, error) {
	if err := auth.ValidateUserID(p.UserID); err != nil {
		return nil, err
	}
	ep, err := h.attach(p, nil)
	if err != nil {
		return nil, err
	}
	c := &LocalConn{
		hub:  h,
		ep:   ep,
		recv: make(chan signaling.Envelope),
	}
	go c.pump()
	return c, nil
}

func (c *LocalConn) pump() {
	defer close(c.recv)
	for {
		env, ok := c.ep.queue.Dequeue()
		if !ok {
			return
		}
		select {
		case c.recv <- env:
		case <-c.ep.done:
			return
		}
	}
}

func (c *LocalConn) UserID() string { return c.ep.userID() }

func (c *LocalConn) Send(ctx context.Context, env signaling.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cause := c.ep.closedCause(); cause != nil {
		return fmt.Errorf("%w: %v", signaling.ErrChannelClosed, cause)
	}
	if rerr := c.hub.Route(c.ep, env); rerr != nil {
		c.hub.log.Debug("signaling_rejected", "user_id", c.ep.userID(), "call_id", env.CallID, "err", rerr)
	}
	return nil
}

func (c *LocalConn) Receive() <-chan signaling.Envelope { return c.recv }

// Err reports why the connection was lost once Receive is closed.
func (c *LocalConn) Err() error {
	select {
	case <-c.ep.done:
	default:
		return nil
	}
	c.errOnce.Do(func() {
		cause := c.ep.closedCause()
		switch {
		case cause == nil, errors.Is(cause, ErrConnClosed):
			c.err = signaling.ErrChannelClosed
		default:
			c.err = fmt.Errorf("%w: %w", signaling.ErrChannelClosed, cause)
		}
	})
	return c.err
}

func (c *LocalConn) Close() error {
	c.hub.closeEndpoint(c.ep, ErrConnClosed)
	return nil
}
