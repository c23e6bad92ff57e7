package relay

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

const wsWriteWait = 1 * time.Second

// Server implements GET /v1/signal: each WebSocket text frame is one
// signaling envelope routed through the Hub.
type Server struct {
	cfg      config.Config
	hub      *Hub
	verifier auth.Verifier
	log      *slog.Logger
	metrics  *metrics.Metrics
	origins  *cors.Cors

	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, hub *Hub, m *metrics.Metrics, logger *slog.Logger) (*Server, error) {
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		cfg:      cfg,
		hub:      hub,
		verifier: verifier,
		log:      logger,
		metrics:  m,
		origins:  cors.New(cors.Options{AllowedOrigins: cfg.AllowedOrigins}),
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s, nil
}

// NewHubFromConfig builds the hub the relay binary serves.
func NewHubFromConfig(cfg config.Config, m *metrics.Metrics, logger *slog.Logger) *Hub {
	return NewHub(HubConfig{
		Logger:            logger,
		Metrics:           m,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
	})
}

// checkOrigin allows non-browser clients (no Origin header), same-origin
// pages when no allow-list is configured, and otherwise the allow-list.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && u.Host != "" && strings.EqualFold(u.Host, r.Host)
	}
	return s.origins.OriginAllowed(r)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	closeConn := func(code int, reason string) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
		_ = conn.Close()
	}
	sendErrorAndClose := func(wsCloseCode int, code signaling.ErrorCode, message string) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if env, err := signaling.Error.Envelope("", "", signaling.ErrorPayload{CallID: signaling.NoCallID, Error: code, Message: message}, time.Now()); err == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteJSON(env)
		}
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(wsCloseCode, message), time.Now().Add(wsWriteWait))
		_ = conn.Close()
	}

	maxBytes := s.cfg.MaxSignalingMessageBytes
	if maxBytes <= 0 {
		maxBytes = signaling.DefaultMaxMessageBytes
	}
	conn.SetReadLimit(maxBytes)

	principal, ok := s.authenticate(r, conn, sendErrorAndClose)
	if !ok {
		return
	}
	if principal.DisplayName == "" {
		principal.DisplayName = strings.TrimSpace(r.URL.Query().Get("name"))
	}

	ep, err := s.hub.attach(principal, func(cause error) {
		switch {
		case errors.Is(cause, ErrReplaced):
			closeConn(websocket.ClosePolicyViolation, "replaced")
		case errors.Is(cause, ErrSlowConsumer):
			closeConn(websocket.CloseTryAgainLater, "slow consumer")
		case errors.Is(cause, ErrHubClosed):
			closeConn(websocket.CloseGoingAway, "shutting down")
		default:
			_ = conn.Close()
		}
	})
	if err != nil {
		closeConn(websocket.CloseGoingAway, "shutting down")
		return
	}
	defer s.hub.closeEndpoint(ep, ErrConnClosed)

	s.log.Info("signaling_connected", "user_id", principal.UserID, "remote_addr", r.RemoteAddr)
	defer s.log.Info("signaling_disconnected", "user_id", principal.UserID, "remote_addr", r.RemoteAddr)

	writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	err = conn.WriteJSON(signaling.ReadyMessage{Type: signaling.ReadyMessageType, UserID: principal.UserID})
	writeMu.Unlock()
	if err != nil {
		return
	}

	go s.writeLoop(conn, &writeMu, ep)
	go s.pingLoop(conn, &writeMu, ep)

	idle := s.cfg.SignalingWSIdleTimeout
	extendDeadline := func() {
		if idle > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idle))
		}
	}
	conn.SetPongHandler(func(string) error {
		extendDeadline()
		return nil
	})
	extendDeadline()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.metrics.Inc(metrics.EventBadMessage)
				sendErrorAndClose(websocket.CloseMessageTooBig, signaling.ErrorBadMessage, "message too large")
			}
			return
		}
		extendDeadline()

		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.EventBadMessage)
			sendErrorAndClose(websocket.CloseUnsupportedData, signaling.ErrorBadMessage, "expected text message")
			return
		}
		// Clients using query auth may still send an auth frame.
		if signaling.ControlType(data) == signaling.AuthMessageType {
			continue
		}

		env, err := signaling.ParseEnvelope(data)
		if err != nil {
			s.metrics.Inc(metrics.EventBadMessage)
			s.hub.reject(ep, signaling.NoCallID, signaling.ErrorBadMessage, err.Error())
			continue
		}
		if rerr := s.hub.Route(ep, env); rerr != nil {
			s.log.Debug("signaling_rejected", "user_id", principal.UserID, "call_id", env.CallID, "type", env.Type, "err", rerr)
		}
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, writeMu *sync.Mutex, ep *endpoint) {
	for {
		env, ok := ep.queue.Dequeue()
		if !ok {
			return
		}
		data, err := env.Marshal()
		if err != nil {
			s.log.Error("marshal envelope", "err", err)
			continue
		}
		writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		err = conn.WriteMessage(websocket.TextMessage, data)
		writeMu.Unlock()
		if err != nil {
			s.hub.closeEndpoint(ep, ErrConnClosed)
			return
		}
	}
}

func (s *Server) pingLoop(conn *websocket.Conn, writeMu *sync.Mutex, ep *endpoint) {
	interval := s.cfg.SignalingWSPingInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ep.done:
			return
		case <-ticker.C:
			writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			writeMu.Unlock()
			if err != nil {
				s.hub.closeEndpoint(ep, ErrConnClosed)
				return
			}
		}
	}
}

// authenticate checks request credentials and otherwise waits for a first
// auth frame. On failure the connection has already been closed.
func (s *Server) authenticate(r *http.Request, conn *websocket.Conn, fail func(int, signaling.ErrorCode, string)) (auth.Principal, bool) {
	reject := func(message string) (auth.Principal, bool) {
		s.metrics.Inc(metrics.EventAuthFailed)
		fail(websocket.ClosePolicyViolation, signaling.ErrorUnauthorized, message)
		return auth.Principal{}, false
	}

	cred, err := auth.CredentialFromRequest(s.cfg.AuthMode, r)
	switch {
	case err == nil:
		p, err := s.verifier.Verify(cred)
		if err != nil {
			return reject("invalid credentials")
		}
		return p, true
	case !errors.Is(err, auth.ErrMissingCredentials):
		fail(websocket.CloseInternalServerErr, signaling.ErrorUnauthorized, "invalid auth configuration")
		return auth.Principal{}, false
	}

	timeout := s.cfg.SignalingAuthTimeout
	if timeout <= 0 {
		timeout = config.DefaultSignalingAuthTimeout
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			return reject("authentication timeout")
		}
		return auth.Principal{}, false
	}
	_ = conn.SetReadDeadline(time.Time{})
	if msgType != websocket.TextMessage || signaling.ControlType(data) != signaling.AuthMessageType {
		return reject("authentication required")
	}
	msg, err := signaling.ParseAuthMessage(data)
	if err != nil {
		s.metrics.Inc(metrics.EventAuthFailed)
		fail(websocket.CloseUnsupportedData, signaling.ErrorBadMessage, "invalid auth message")
		return auth.Principal{}, false
	}
	cred, err = auth.CredentialFromAuthMessage(s.cfg.AuthMode, msg)
	if err != nil {
		return reject("missing credentials")
	}
	p, err := s.verifier.Verify(cred)
	if err != nil {
		return reject("invalid credentials")
	}
	return p, true
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
