package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	return slog.New(h), func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{level: r.Level, msg: r.Message, attrs: map[string]any{}}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	return &recordingHandler{
		mu:      h.mu,
		records: h.records,
		attrs:   append([]slog.Attr(nil), h.attrs...),
		groups:  append([]string(nil), h.groups...),
	}
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]recordedLog {
	out := map[string]recordedLog{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = r
		}
	}
	return out
}

func TestStartupSecurityWarnings_AuthModeNone(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{Mode: config.ModeDev, AuthMode: config.AuthModeNone})

	r, ok := warningCodes(records())["auth_mode_none"]
	if !ok {
		t.Fatalf("expected warning_code=auth_mode_none, got %#v", records())
	}
	if r.attrs["auth_mode"] != config.AuthModeNone {
		t.Fatalf("auth_mode attr = %#v, want %q", r.attrs["auth_mode"], config.AuthModeNone)
	}
}

func TestStartupSecurityWarnings_Table(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{
			name: "wildcard origins",
			cfg:  config.Config{Mode: config.ModeDev, AuthMode: config.AuthModeAPIKey, AllowedOrigins: []string{"*"}},
			want: "allowed_origins_wildcard",
		},
		{
			name: "short jwt secret",
			cfg:  config.Config{Mode: config.ModeDev, AuthMode: config.AuthModeJWT, JWTSecret: "short"},
			want: "jwt_secret_short",
		},
		{
			name: "prod without origins",
			cfg:  config.Config{Mode: config.ModeProd, AuthMode: config.AuthModeAPIKey},
			want: "allowed_origins_unset_in_prod",
		},
		{
			name: "huge messages",
			cfg:  config.Config{Mode: config.ModeDev, AuthMode: config.AuthModeAPIKey, MaxSignalingMessageBytes: 4 << 20},
			want: "max_signaling_message_bytes_large",
		},
	}
	for _, tc := range cases {
		logger, records := newRecordingLogger()
		logStartupSecurityWarnings(logger, tc.cfg)
		if _, ok := warningCodes(records())[tc.want]; !ok {
			t.Fatalf("%s: expected warning_code=%s, got %#v", tc.name, tc.want, records())
		}
	}
}

func TestStartupSecurityWarnings_QuietForHardenedConfig(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{
		Mode:                     config.ModeProd,
		AuthMode:                 config.AuthModeJWT,
		JWTSecret:                strings.Repeat("k", 48),
		AllowedOrigins:           []string{"https://app.example.com"},
		MaxSignalingMessageBytes: config.DefaultMaxSignalingMessageBytes,
	})

	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("unexpected warnings: %v", codes)
	}
}

func TestStartupSecurityWarnings_NilLoggerUsesDefault(t *testing.T) {
	logger, records := newRecordingLogger()
	prev := slog.Default()
	slog.SetDefault(logger)
	t.Cleanup(func() { slog.SetDefault(prev) })

	logStartupSecurityWarnings(nil, config.Config{Mode: config.ModeDev, AuthMode: config.AuthModeNone})

	if _, ok := warningCodes(records())["auth_mode_none"]; !ok {
		t.Fatalf("expected default logger to receive warnings")
	}
}
