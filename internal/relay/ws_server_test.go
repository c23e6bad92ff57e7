package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/presence"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(mode config.AuthMode) config.Config {
	return config.Config{
		AuthMode:                      mode,
		SignalingAuthTimeout:          200 * time.Millisecond,
		SignalingWSIdleTimeout:        5 * time.Second,
		SignalingWSPingInterval:       time.Second,
		MaxSignalingMessageBytes:      signaling.DefaultMaxMessageBytes,
		MaxSignalingMessagesPerSecond: 100,
	}
}

func startRelay(t *testing.T, cfg config.Config) (*httptest.Server, *Hub, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	hub := NewHubFromConfig(cfg, m, quietLogger())
	srv, err := NewServer(cfg, hub, m, quietLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle("GET /v1/signal", srv)
	mux.Handle("GET /v1/presence/{userId}", srv.PresenceHandler())
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return ts, hub, m
}

func wsURL(ts *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/signal"
	if query != "" {
		u += "?" + query
	}
	return u
}

func dialAuthed(t *testing.T, ts *httptest.Server, msg signaling.AuthMessage) *signaling.WSChannel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := signaling.Dial(ctx, signaling.DialConfig{URL: wsURL(ts, ""), Logger: quietLogger(), Auth: &msg})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readError(t *testing.T, c *websocket.Conn) signaling.ErrorPayload {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if signaling.ControlType(data) != "" {
			continue
		}
		env, err := signaling.ParseEnvelope(data)
		if err != nil {
			t.Fatalf("ParseEnvelope(%s): %v", data, err)
		}
		p, err := signaling.Error.Decode(env)
		if err != nil {
			t.Fatalf("decode call:error: %v", err)
		}
		return p
	}
}

func TestServer_ForwardsBetweenClients(t *testing.T) {
	ts, _, m := startRelay(t, testConfig(config.AuthModeNone))
	alice := dialAuthed(t, ts, signaling.AuthMessage{Token: "alice"})
	bob := dialAuthed(t, ts, signaling.AuthMessage{Token: "bob"})

	env := mustEnvelope(t, signaling.Initiate, "alice", "bob", signaling.InitiatePayload{CallID: "c1", CallerID: "alice", CallerMeta: signaling.PeerMeta{DisplayName: "Alice"}})
	if err := alice.Send(context.Background(), env); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := recv(t, bob)
	if got.Type != signaling.TypeIncoming || got.SenderID != "alice" {
		t.Fatalf("envelope=%+v", got)
	}
	p, err := signaling.Incoming.Decode(got)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.CallerMeta.DisplayName != "Alice" {
		t.Fatalf("callerMeta=%+v", p.CallerMeta)
	}

	offline := mustEnvelope(t, signaling.End, "bob", "carol", signaling.CallRef{CallID: "c2"})
	if err := bob.Send(context.Background(), offline); err != nil {
		t.Fatalf("Send: %v", err)
	}
	errEnv := recv(t, bob)
	ep, err := signaling.Error.Decode(errEnv)
	if err != nil || ep.Error != signaling.ErrorTargetOffline || ep.CallID != "c2" {
		t.Fatalf("call:error=%+v, %v", ep, err)
	}
	if got := m.Get(metrics.EventTargetOffline); got != 1 {
		t.Fatalf("target_offline=%d, want 1", got)
	}
}

func TestServer_JWTHeaderAuth(t *testing.T) {
	cfg := testConfig(config.AuthModeJWT)
	cfg.JWTSecret = "s3cret"
	ts, hub, _ := startRelay(t, cfg)

	token, err := auth.SignToken("s3cret", "alice", "Alice", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	c, err := signaling.Dial(context.Background(), signaling.DialConfig{
		URL:    wsURL(ts, ""),
		Header: http.Header{"Authorization": {"Bearer " + token}},
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	waitFor(t, "registration", func() bool { return hub.Count() == 1 })
	e, _ := hub.Lookup(context.Background(), "alice")
	if !e.Online || e.DisplayName != "Alice" {
		t.Fatalf("entry=%+v", e)
	}
}

func TestServer_RejectsBadFirstMessageCredentials(t *testing.T) {
	cfg := testConfig(config.AuthModeJWT)
	cfg.JWTSecret = "s3cret"
	ts, _, m := startRelay(t, cfg)

	token, _ := auth.SignToken("wrong", "alice", "", time.Hour, time.Now())
	_, err := signaling.Dial(context.Background(), signaling.DialConfig{
		URL:    wsURL(ts, ""),
		Logger: quietLogger(),
		Auth:   &signaling.AuthMessage{Token: token},
	})
	if err == nil || !strings.Contains(err.Error(), string(signaling.ErrorUnauthorized)) {
		t.Fatalf("Dial err=%v, want unauthorized", err)
	}
	waitFor(t, "auth failure metric", func() bool { return m.Get(metrics.EventAuthFailed) == 1 })
}

func TestServer_AuthTimeout(t *testing.T) {
	ts, _, _ := startRelay(t, testConfig(config.AuthModeAPIKey))

	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts, ""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	p := readError(t, c)
	if p.Error != signaling.ErrorUnauthorized || !strings.Contains(p.Message, "timeout") {
		t.Fatalf("call:error=%+v", p)
	}
	if _, _, err := c.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v, want policy violation close", err)
	}
}

func TestServer_BadMessageKeepsConnection(t *testing.T) {
	ts, _, _ := startRelay(t, testConfig(config.AuthModeNone))

	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "user=alice"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.WriteMessage(websocket.TextMessage, []byte(`{"type":"call:end","callId":"c1","payload":{},"extra":1}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if p := readError(t, c); p.Error != signaling.ErrorBadMessage {
		t.Fatalf("call:error=%+v, want bad_message", p)
	}

	// Still routed afterwards.
	env := mustEnvelope(t, signaling.End, "alice", "nobody", signaling.CallRef{CallID: "c1"})
	data, _ := env.Marshal()
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	if p := readError(t, c); p.Error != signaling.ErrorTargetOffline {
		t.Fatalf("call:error=%+v, want target_offline", p)
	}
}

func TestServer_ReplacedConnectionIsClosed(t *testing.T) {
	ts, hub, _ := startRelay(t, testConfig(config.AuthModeNone))
	first := dialAuthed(t, ts, signaling.AuthMessage{Token: "alice"})
	dialAuthed(t, ts, signaling.AuthMessage{Token: "alice"})

	select {
	case _, ok := <-first.Receive():
		if ok {
			t.Fatalf("unexpected envelope on replaced connection")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("replaced connection not closed")
	}
	if first.Err() == nil {
		t.Fatalf("expected Err after close")
	}
	waitFor(t, "single registration", func() bool { return hub.Count() == 1 })
}

func TestServer_OriginAllowList(t *testing.T) {
	cfg := testConfig(config.AuthModeNone)
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	ts, _, _ := startRelay(t, cfg)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "user=alice"), http.Header{"Origin": {"https://evil.example.com"}})
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v, want 403", resp)
	}

	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "user=alice"), http.Header{"Origin": {"https://app.example.com"}})
	if err != nil {
		t.Fatalf("allowed origin dial: %v", err)
	}
	_ = c.Close()
}

func TestServer_PresenceRequiresCredentials(t *testing.T) {
	cfg := testConfig(config.AuthModeAPIKey)
	cfg.APIKeys = map[string]string{"ka": "alice", "kb": "bob"}
	ts, _, _ := startRelay(t, cfg)
	dialAuthed(t, ts, signaling.AuthMessage{APIKey: "kb"})

	resp, err := http.Get(ts.URL + "/v1/presence/bob")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", resp.StatusCode)
	}

	dir := presence.NewHTTP(ts.URL, http.Header{"X-API-Key": {"ka"}})
	e, err := dir.Lookup(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !e.Online {
		t.Fatalf("entry=%+v, want online", e)
	}
	e, err = dir.Lookup(context.Background(), "carol")
	if err != nil || e.Online {
		t.Fatalf("entry=%+v, %v, want offline carol", e, err)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/presence/bob", nil)
	req.Header.Set("X-API-Key", "ka")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if raw["userId"] != "bob" || raw["online"] != true {
		t.Fatalf("body=%v", raw)
	}
}
