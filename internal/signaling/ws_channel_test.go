package signaling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startEchoRelay upgrades every request and writes each received text frame
// back to the client. Closing drop makes the server hang up.
func startEchoRelay(t *testing.T) (wsURL string, drop chan struct{}) {
	t.Helper()

	drop = make(chan struct{})
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		go func() {
			<-drop
			_ = conn.Close()
		}()

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http"), drop
}

func TestWSChannel_SendReceive(t *testing.T) {
	wsURL, _ := startEchoRelay(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := Dial(ctx, DialConfig{URL: wsURL, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })

	for i, id := range []string{"a", "b", "c"} {
		env, err := End.Envelope("alice", "bob", CallRef{CallID: id}, time.Now())
		if err != nil {
			t.Fatalf("envelope %d: %v", i, err)
		}
		if err := ch.Send(ctx, env); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		select {
		case env := <-ch.Receive():
			if env.CallID != want {
				t.Fatalf("callId=%q, want %q", env.CallID, want)
			}
		case <-ctx.Done():
			t.Fatalf("timeout waiting for %q", want)
		}
	}
}

func TestWSChannel_ReportsLossWhenServerHangsUp(t *testing.T) {
	wsURL, drop := startEchoRelay(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := Dial(ctx, DialConfig{URL: wsURL, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })

	close(drop)

	select {
	case _, ok := <-ch.Receive():
		if ok {
			t.Fatalf("expected receive channel to close")
		}
	case <-ctx.Done():
		t.Fatalf("timeout waiting for channel loss")
	}
	if !errors.Is(ch.Err(), ErrChannelClosed) {
		t.Fatalf("err=%v, want %v", ch.Err(), ErrChannelClosed)
	}
}

func TestWSChannel_DropsMalformedFrames(t *testing.T) {
	wsURL, _ := startEchoRelay(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ch := NewWSChannel(conn, DialConfig{Logger: quietLogger()})
	t.Cleanup(func() { _ = ch.Close() })

	ch.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"call:end","bogus":true}`))
	ch.writeMu.Unlock()
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	env, err := Ended.Envelope("bob", "alice", CallRef{CallID: "ok"}, time.Now())
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if err := ch.Send(ctx, env); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-ch.Receive():
		if got.CallID != "ok" {
			t.Fatalf("callId=%q, want ok", got.CallID)
		}
	case <-ctx.Done():
		t.Fatalf("timeout")
	}
}

func TestWSChannel_SendAfterCloseFails(t *testing.T) {
	wsURL, _ := startEchoRelay(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := Dial(ctx, DialConfig{URL: wsURL, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	env, err := End.Envelope("alice", "bob", CallRef{CallID: "c"}, time.Now())
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if err := ch.Send(ctx, env); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("err=%v, want %v", err, ErrChannelClosed)
	}
}
