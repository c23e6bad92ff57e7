package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// MessageType is the `type` field of a relay envelope.
type MessageType string

const (
	TypeInitiate     MessageType = "call:initiate"
	TypeIncoming     MessageType = "call:incoming"
	TypeAccept       MessageType = "call:accept"
	TypeAccepted     MessageType = "call:accepted"
	TypeDecline      MessageType = "call:decline"
	TypeDeclined     MessageType = "call:declined"
	TypeEnd          MessageType = "call:end"
	TypeEnded        MessageType = "call:ended"
	TypeOffer        MessageType = "call:offer"
	TypeAnswer       MessageType = "call:answer"
	TypeICECandidate MessageType = "call:ice-candidate"
	TypeError        MessageType = "call:error"
)

// MaxCallIDLength bounds callId on the wire.
const MaxCallIDLength = 128

// NoCallID is used as the callId of connection-level call:error messages.
const NoCallID = "-"

// DefaultMaxMessageBytes is the default cap for a single encoded envelope.
const DefaultMaxMessageBytes = int64(64 * 1024)

var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrCallIDMismatch = errors.New("payload callId does not match envelope callId")
)

// relabels maps every client-originated type to the type the relay delivers
// to the target.
var relabels = map[MessageType]MessageType{
	TypeInitiate:     TypeIncoming,
	TypeAccept:       TypeAccepted,
	TypeDecline:      TypeDeclined,
	TypeEnd:          TypeEnded,
	TypeOffer:        TypeOffer,
	TypeAnswer:       TypeAnswer,
	TypeICECandidate: TypeICECandidate,
}

var relayOnly = map[MessageType]bool{
	TypeIncoming: true,
	TypeAccepted: true,
	TypeDeclined: true,
	TypeEnded:    true,
	TypeError:    true,
}

// Relabel returns the type delivered to the target for a client-originated
// message type. ok is false for relay-only or unknown types.
func Relabel(t MessageType) (MessageType, bool) {
	out, ok := relabels[t]
	return out, ok
}

// Known reports whether t is part of the call protocol.
func Known(t MessageType) bool {
	_, client := relabels[t]
	return client || relayOnly[t]
}

// Envelope is the immutable relay message. The relay forwards it by TargetID
// and never decodes Payload.
type Envelope struct {
	Type     MessageType     `json:"type"`
	CallID   string          `json:"callId"`
	SenderID string          `json:"senderId,omitempty"`
	TargetID string          `json:"targetId,omitempty"`
	Payload  json.RawMessage `json:"payload"`
	SentAt   time.Time       `json:"sentAt"`
}

// ParseEnvelope strictly decodes a single envelope. The payload is only
// checked to be a JSON object.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := decodeStrict(data, &env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Marshal encodes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Validate checks the envelope fields the relay relies on. The payload is
// only checked to be a JSON object.
func (e Envelope) Validate() error {
	if !Known(e.Type) {
		return fmt.Errorf("%w %q", ErrUnknownType, e.Type)
	}
	if err := validateCallID(e.CallID); err != nil {
		return err
	}
	payload := bytes.TrimSpace(e.Payload)
	if len(payload) == 0 || payload[0] != '{' {
		return fmt.Errorf("%s message payload must be a JSON object", e.Type)
	}
	return nil
}

func validateCallID(id string) error {
	if id == "" {
		return fmt.Errorf("missing callId")
	}
	if len(id) > MaxCallIDLength {
		return fmt.Errorf("callId exceeds %d bytes", MaxCallIDLength)
	}
	return nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

// PeerMeta is display metadata the caller attaches to call:initiate.
type PeerMeta struct {
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// DeclineReason is carried by call:decline / call:declined.
type DeclineReason string

const (
	DeclineBusy             DeclineReason = "busy"
	DeclineRejected         DeclineReason = "rejected"
	DeclineMediaUnavailable DeclineReason = "media-unavailable"
)

// ErrorCode is carried by call:error.
type ErrorCode string

const (
	ErrorTargetOffline  ErrorCode = "target_offline"
	ErrorSenderMismatch ErrorCode = "sender_mismatch"
	ErrorBadMessage     ErrorCode = "bad_message"
	ErrorRateLimited    ErrorCode = "rate_limited"
	ErrorUnauthorized   ErrorCode = "unauthorized"
)

type InitiatePayload struct {
	CallID     string   `json:"callId"`
	CallerID   string   `json:"callerId"`
	CallerMeta PeerMeta `json:"callerMeta"`
}

func (p InitiatePayload) callID() string { return p.CallID }

func (p InitiatePayload) validate() error {
	if p.CallerID == "" {
		return fmt.Errorf("missing callerId")
	}
	return nil
}

// CallRef is the payload of accept/accepted/end/ended.
type CallRef struct {
	CallID string `json:"callId"`
}

func (p CallRef) callID() string { return p.CallID }
func (p CallRef) validate() error { return nil }

type DeclinePayload struct {
	CallID string        `json:"callId"`
	Reason DeclineReason `json:"reason"`
}

func (p DeclinePayload) callID() string { return p.CallID }

func (p DeclinePayload) validate() error {
	if p.Reason == "" {
		return fmt.Errorf("missing reason")
	}
	return nil
}

type SDPPayload struct {
	CallID string             `json:"callId"`
	SDP    SessionDescription `json:"sdp"`
}

func (p SDPPayload) callID() string { return p.CallID }

func (p SDPPayload) validate() error {
	if p.SDP.SDP == "" {
		return fmt.Errorf("missing sdp.sdp")
	}
	return nil
}

type CandidatePayload struct {
	CallID    string    `json:"callId"`
	Candidate Candidate `json:"candidate"`
}

func (p CandidatePayload) callID() string { return p.CallID }
func (p CandidatePayload) validate() error { return nil }

type ErrorPayload struct {
	CallID  string    `json:"callId"`
	Error   ErrorCode `json:"error"`
	Message string    `json:"message,omitempty"`
}

func (p ErrorPayload) callID() string { return p.CallID }

func (p ErrorPayload) validate() error {
	if p.Error == "" {
		return fmt.Errorf("missing error")
	}
	return nil
}

// AuthMessage is the optional first frame a client sends when it could not
// attach credentials to the WebSocket upgrade request.
type AuthMessage struct {
	Type   string `json:"type"`
	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`
}

const AuthMessageType = "auth"

// ParseAuthMessage strictly decodes an auth frame.
func ParseAuthMessage(data []byte) (AuthMessage, error) {
	var msg AuthMessage
	if err := decodeStrict(data, &msg); err != nil {
		return AuthMessage{}, err
	}
	if msg.Type != AuthMessageType {
		return AuthMessage{}, fmt.Errorf("expected auth message, got type %q", msg.Type)
	}
	if msg.APIKey == "" && msg.Token == "" {
		return AuthMessage{}, fmt.Errorf("auth message missing apiKey/token")
	}
	if msg.APIKey != "" && msg.Token != "" && msg.APIKey != msg.Token {
		return AuthMessage{}, fmt.Errorf("auth message must not include both apiKey and token unless they match")
	}
	return msg, nil
}

// ReadyMessage is sent by the relay once a connection is authenticated and
// registered.
type ReadyMessage struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

const ReadyMessageType = "ready"

// ControlType returns the type of a non-envelope control frame ("auth" or
// "ready"), or "" when data is not one.
func ControlType(data []byte) string {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	switch probe.Type {
	case AuthMessageType, ReadyMessageType:
		return probe.Type
	default:
		return ""
	}
}

// Credential returns whichever credential field is set.
func (m AuthMessage) Credential() string {
	if m.Token != "" {
		return m.Token
	}
	return m.APIKey
}
