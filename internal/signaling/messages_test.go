package signaling

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseEnvelope_Valid(t *testing.T) {
	raw := []byte(`{
		"type":"call:offer",
		"callId":"c1",
		"senderId":"alice",
		"targetId":"bob",
		"payload":{"callId":"c1","sdp":{"type":"offer","sdp":"v=0"}},
		"sentAt":"2024-01-02T03:04:05Z"
	}`)

	env, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.Type != TypeOffer || env.CallID != "c1" || env.SenderID != "alice" || env.TargetID != "bob" {
		t.Fatalf("unexpected envelope: %#v", env)
	}
	p, err := Offer.Decode(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.SDP.Type != "offer" || p.SDP.SDP != "v=0" {
		t.Fatalf("unexpected payload: %#v", p)
	}
}

func TestParseEnvelope_Rejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"unknown field", `{"type":"call:end","callId":"c","payload":{"callId":"c"},"sentAt":"2024-01-02T03:04:05Z","x":1}`},
		{"unknown type", `{"type":"call:nope","callId":"c","payload":{"callId":"c"},"sentAt":"2024-01-02T03:04:05Z"}`},
		{"missing callId", `{"type":"call:end","payload":{"callId":"c"},"sentAt":"2024-01-02T03:04:05Z"}`},
		{"payload not object", `{"type":"call:end","callId":"c","payload":"c","sentAt":"2024-01-02T03:04:05Z"}`},
		{"missing payload", `{"type":"call:end","callId":"c","sentAt":"2024-01-02T03:04:05Z"}`},
		{"trailing data", `{"type":"call:end","callId":"c","payload":{"callId":"c"},"sentAt":"2024-01-02T03:04:05Z"} {}`},
		{"callId too long", `{"type":"call:end","callId":"` + strings.Repeat("a", MaxCallIDLength+1) + `","payload":{"callId":"c"},"sentAt":"2024-01-02T03:04:05Z"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseEnvelope([]byte(tc.raw)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestKindDecode_RejectsCallIDMismatch(t *testing.T) {
	env := Envelope{
		Type:    TypeEnd,
		CallID:  "a",
		Payload: json.RawMessage(`{"callId":"b"}`),
	}
	_, err := End.Decode(env)
	if !errors.Is(err, ErrCallIDMismatch) {
		t.Fatalf("err=%v, want %v", err, ErrCallIDMismatch)
	}
}

func TestKindDecode_RejectsWrongSDPType(t *testing.T) {
	env, err := Answer.Envelope("bob", "alice", SDPPayload{CallID: "c", SDP: SessionDescription{Type: "answer", SDP: "v=0"}}, time.Now())
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	env.Type = TypeOffer
	if _, err := Offer.Decode(env); err == nil {
		t.Fatalf("expected offer kind to reject sdp.type=answer")
	}
}

func TestKindEnvelope_Validates(t *testing.T) {
	if _, err := Decline.Envelope("bob", "alice", DeclinePayload{CallID: "c"}, time.Now()); err == nil {
		t.Fatalf("expected error for missing reason")
	}
	if _, err := Initiate.Envelope("alice", "bob", InitiatePayload{CallID: "c"}, time.Now()); err == nil {
		t.Fatalf("expected error for missing callerId")
	}
	if _, err := End.Envelope("alice", "bob", CallRef{}, time.Now()); err == nil {
		t.Fatalf("expected error for missing callId")
	}

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	env, err := Initiate.Envelope("alice", "bob", InitiatePayload{
		CallID:     "c",
		CallerID:   "alice",
		CallerMeta: PeerMeta{DisplayName: "Alice"},
	}, at)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if env.CallID != "c" || env.Type != TypeInitiate || !env.SentAt.Equal(at) || env.SentAt.Location() != time.UTC {
		t.Fatalf("unexpected envelope: %#v", env)
	}

	data, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := ParseEnvelope(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p, err := Initiate.Decode(parsed)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.CallerMeta.DisplayName != "Alice" {
		t.Fatalf("callerMeta=%#v", p.CallerMeta)
	}
}

func TestRelabel(t *testing.T) {
	cases := map[MessageType]MessageType{
		TypeInitiate:     TypeIncoming,
		TypeAccept:       TypeAccepted,
		TypeDecline:      TypeDeclined,
		TypeEnd:          TypeEnded,
		TypeOffer:        TypeOffer,
		TypeAnswer:       TypeAnswer,
		TypeICECandidate: TypeICECandidate,
	}
	for in, want := range cases {
		got, ok := Relabel(in)
		if !ok || got != want {
			t.Fatalf("Relabel(%q)=%q,%v, want %q", in, got, ok, want)
		}
	}
	for _, relayOnly := range []MessageType{TypeIncoming, TypeAccepted, TypeDeclined, TypeEnded, TypeError} {
		if _, ok := Relabel(relayOnly); ok {
			t.Fatalf("Relabel(%q) should not be client-originated", relayOnly)
		}
		if !Known(relayOnly) {
			t.Fatalf("Known(%q)=false", relayOnly)
		}
	}
}

func TestParseAuthMessage(t *testing.T) {
	msg, err := ParseAuthMessage([]byte(`{"type":"auth","token":"secret","apiKey":"secret"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Credential() != "secret" {
		t.Fatalf("credential=%q", msg.Credential())
	}
	if _, err := ParseAuthMessage([]byte(`{"type":"auth","token":"a","apiKey":"b"}`)); err == nil {
		t.Fatalf("expected error for mismatched credentials")
	}
	if _, err := ParseAuthMessage([]byte(`{"type":"auth"}`)); err == nil {
		t.Fatalf("expected error for missing credentials")
	}
	if _, err := ParseAuthMessage([]byte(`{"type":"call:end","token":"a"}`)); err == nil {
		t.Fatalf("expected error for non-auth type")
	}
}
