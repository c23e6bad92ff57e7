package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 1 * time.Second

	defaultReceiveBuffer = 64
)

// DialConfig configures a WebSocket connection to the relay.
type DialConfig struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	Logger *slog.Logger

	// MaxMessageBytes caps inbound frames. Zero means DefaultMaxMessageBytes.
	MaxMessageBytes int64
	// IdleTimeout closes the channel when nothing (including relay pings) has
	// been received for this long. Zero disables the check.
	IdleTimeout time.Duration

	// Auth, when set, is sent as the first frame and Dial waits for the
	// relay's ready frame before returning.
	Auth *AuthMessage
}

// WSChannel is a Channel over a gorilla/websocket client connection.
type WSChannel struct {
	conn *websocket.Conn
	log  *slog.Logger

	idleTimeout time.Duration

	recv chan Envelope
	done chan struct{}

	writeMu sync.Mutex

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// Dial connects to the relay's signaling endpoint.
func Dial(ctx context.Context, cfg DialConfig) (*WSChannel, error) {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (http status %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	if cfg.Auth != nil {
		if err := authenticate(ctx, conn, *cfg.Auth); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return NewWSChannel(conn, cfg), nil
}

const defaultAuthWait = 5 * time.Second

func authenticate(ctx context.Context, conn *websocket.Conn, msg AuthMessage) error {
	msg.Type = AuthMessageType
	deadline := time.Now().Add(defaultAuthWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await ready: %w", err)
		}
		if ControlType(data) == ReadyMessageType {
			return nil
		}
		env, err := ParseEnvelope(data)
		if err != nil {
			continue
		}
		if env.Type == TypeError {
			p, err := Error.Decode(env)
			if err != nil {
				return fmt.Errorf("relay rejected auth")
			}
			return fmt.Errorf("relay rejected auth: %s: %s", p.Error, p.Message)
		}
	}
}

// NewWSChannel wraps an established connection and starts its read loop.
func NewWSChannel(conn *websocket.Conn, cfg DialConfig) *WSChannel {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}

	c := &WSChannel{
		conn:        conn,
		log:         logger,
		idleTimeout: cfg.IdleTimeout,
		recv:        make(chan Envelope, defaultReceiveBuffer),
		done:        make(chan struct{}),
	}
	conn.SetReadLimit(maxBytes)
	c.extendReadDeadline()
	conn.SetPingHandler(func(data string) error {
		c.extendReadDeadline()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	go c.readLoop()
	return c
}

func (c *WSChannel) extendReadDeadline() {
	if c.idleTimeout <= 0 {
		return
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
}

func (c *WSChannel) readLoop() {
	defer close(c.recv)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.setErr(fmt.Errorf("%w: %v", ErrChannelClosed, err))
			_ = c.conn.Close()
			return
		}
		c.extendReadDeadline()
		if msgType != websocket.TextMessage {
			c.log.Warn("dropping non-text signaling frame", "frame_type", msgType)
			continue
		}
		if ControlType(data) != "" {
			continue
		}
		env, err := ParseEnvelope(data)
		if err != nil {
			c.log.Warn("dropping malformed signaling message", "err", err)
			continue
		}
		select {
		case c.recv <- env:
		case <-c.done:
			c.setErr(ErrChannelClosed)
			return
		}
	}
}

func (c *WSChannel) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

func (c *WSChannel) Receive() <-chan Envelope { return c.recv }

func (c *WSChannel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *WSChannel) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() {
		c.setErr(ErrChannelClosed)
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	return nil
}
