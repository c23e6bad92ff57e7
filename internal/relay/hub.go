package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/presence"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

const defaultQueueLength = 256

type HubConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// QueueLength bounds each connection's outbound queue. A connection whose
	// queue is full is dropped. Zero means 256.
	QueueLength int
	// MessagesPerSecond limits inbound messages per connection, with an
	// equal burst. Zero disables the limit.
	MessagesPerSecond int

	Now func() time.Time
}

// RouteError is a forwarding failure reported to the sender as call:error.
type RouteError struct {
	Code    signaling.ErrorCode
	Message string
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Hub routes envelopes between connections keyed by user id.
type Hub struct {
	cfg     HubConfig
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	conns  map[string]*endpoint
	closed bool
}

func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.QueueLength <= 0 {
		cfg.QueueLength = defaultQueueLength
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Hub{
		cfg:     cfg,
		log:     logger,
		metrics: cfg.Metrics,
		now:     now,
		conns:   make(map[string]*endpoint),
	}
}

// endpoint is one registered connection. onClose tears down whatever
// carries it (a WebSocket, an in-process channel) and runs exactly once.
type endpoint struct {
	principal auth.Principal
	queue     *sendQueue
	limiter   *rate.Limiter
	onClose   func(cause error)

	closeOnce sync.Once
	done      chan struct{}
	cause     error
}

func (e *endpoint) userID() string { return e.principal.UserID }

// Cause is valid after done is closed.
func (e *endpoint) closedCause() error {
	select {
	case <-e.done:
		return e.cause
	default:
		return nil
	}
}

// attach registers a connection for p, replacing any existing connection for
// the same user.
func (h *Hub) attach(p auth.Principal, onClose func(cause error)) (*endpoint, error) {
	ep := &endpoint{
		principal: p,
		queue:     newSendQueue(h.cfg.QueueLength),
		onClose:   onClose,
		done:      make(chan struct{}),
	}
	if mps := h.cfg.MessagesPerSecond; mps > 0 {
		ep.limiter = rate.NewLimiter(rate.Limit(mps), mps)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	old := h.conns[p.UserID]
	h.conns[p.UserID] = ep
	h.mu.Unlock()

	h.metrics.Inc(metrics.EventConnAccepted)
	h.metrics.ConnectionOpened()
	if old != nil {
		h.metrics.Inc(metrics.EventConnReplaced)
		h.log.Info("signaling_replaced", "user_id", p.UserID)
		h.closeEndpoint(old, ErrReplaced)
	}
	return ep, nil
}

func (h *Hub) closeEndpoint(ep *endpoint, cause error) {
	ep.closeOnce.Do(func() {
		h.mu.Lock()
		if h.conns[ep.userID()] == ep {
			delete(h.conns, ep.userID())
		}
		h.mu.Unlock()

		ep.cause = cause
		close(ep.done)
		ep.queue.Close()
		h.metrics.ConnectionClosed()
		if ep.onClose != nil {
			ep.onClose(cause)
		}
	})
}

func (h *Hub) lookup(userID string) *endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[userID]
}

// Route forwards env from the sender's connection. Failures are reported
// back to the sender as call:error and also returned.
func (h *Hub) Route(from *endpoint, env signaling.Envelope) *RouteError {
	if from.limiter != nil && !from.limiter.AllowN(h.now(), 1) {
		h.metrics.Inc(metrics.EventRateLimited)
		return h.reject(from, env.CallID, signaling.ErrorRateLimited, "rate limit exceeded")
	}
	if err := env.Validate(); err != nil {
		h.metrics.Inc(metrics.EventBadMessage)
		return h.reject(from, env.CallID, signaling.ErrorBadMessage, err.Error())
	}
	if env.SenderID != "" && env.SenderID != from.userID() {
		h.metrics.Inc(metrics.EventSenderMismatch)
		return h.reject(from, env.CallID, signaling.ErrorSenderMismatch, "senderId does not match authenticated user")
	}
	delivered, ok := signaling.Relabel(env.Type)
	if !ok {
		h.metrics.Inc(metrics.EventBadMessage)
		return h.reject(from, env.CallID, signaling.ErrorBadMessage, fmt.Sprintf("%s cannot be sent by clients", env.Type))
	}
	if env.TargetID == "" || env.TargetID == from.userID() {
		h.metrics.Inc(metrics.EventBadMessage)
		return h.reject(from, env.CallID, signaling.ErrorBadMessage, "invalid targetId")
	}

	target := h.lookup(env.TargetID)
	if target == nil {
		h.metrics.Inc(metrics.EventTargetOffline)
		return h.reject(from, env.CallID, signaling.ErrorTargetOffline, "target is not connected")
	}

	out := env
	out.Type = delivered
	out.SenderID = from.userID()
	if out.SentAt.IsZero() {
		out.SentAt = h.now().UTC()
	}
	if !h.deliver(target, out) {
		h.metrics.Inc(metrics.EventTargetOffline)
		return h.reject(from, env.CallID, signaling.ErrorTargetOffline, "target is not connected")
	}
	h.metrics.Forwarded(string(delivered))
	h.log.Debug("signaling_forwarded", "type", delivered, "call_id", env.CallID, "sender_id", out.SenderID, "target_id", out.TargetID)
	return nil
}

func (h *Hub) deliver(to *endpoint, env signaling.Envelope) bool {
	if to.queue.Enqueue(env) {
		return true
	}
	if to.closedCause() == nil {
		h.metrics.Inc(metrics.EventSlowConsumer)
		h.log.Warn("signaling_slow_consumer", "user_id", to.userID())
		h.closeEndpoint(to, ErrSlowConsumer)
	}
	return false
}

func (h *Hub) reject(to *endpoint, callID string, code signaling.ErrorCode, message string) *RouteError {
	rerr := &RouteError{Code: code, Message: message}
	if callID == "" || len(callID) > signaling.MaxCallIDLength {
		callID = signaling.NoCallID
	}
	env, err := signaling.Error.Envelope("", to.userID(), signaling.ErrorPayload{
		CallID:  callID,
		Error:   code,
		Message: message,
	}, h.now())
	if err != nil {
		h.log.Error("build call:error", "err", err)
		return rerr
	}
	h.deliver(to, env)
	return rerr
}

// Lookup implements presence.Directory against the live connection table.
func (h *Hub) Lookup(ctx context.Context, userID string) (presence.Entry, error) {
	if err := ctx.Err(); err != nil {
		return presence.Entry{}, err
	}
	ep := h.lookup(userID)
	if ep == nil {
		return presence.Entry{UserID: userID}, nil
	}
	return presence.Entry{UserID: userID, Online: true, DisplayName: ep.principal.DisplayName}, nil
}

// Disconnect drops the user's connection as if it had been lost.
func (h *Hub) Disconnect(userID string) bool {
	ep := h.lookup(userID)
	if ep == nil {
		return false
	}
	h.closeEndpoint(ep, ErrConnClosed)
	return true
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close drops every connection and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	eps := make([]*endpoint, 0, len(h.conns))
	for _, ep := range h.conns {
		eps = append(eps, ep)
	}
	h.mu.Unlock()

	for _, ep := range eps {
		h.closeEndpoint(ep, ErrHubClosed)
	}
}
