package signaling

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is implemented by every message payload in this package.
type Payload interface {
	InitiatePayload | CallRef | DeclinePayload | SDPPayload | CandidatePayload | ErrorPayload

	callID() string
	validate() error
}

// Kind binds a message type to its payload type so that handlers and
// senders are checked by the compiler.
type Kind[P Payload] struct {
	t     MessageType
	check func(P) error
}

var (
	Initiate     = Kind[InitiatePayload]{t: TypeInitiate}
	Incoming     = Kind[InitiatePayload]{t: TypeIncoming}
	Accept       = Kind[CallRef]{t: TypeAccept}
	Accepted     = Kind[CallRef]{t: TypeAccepted}
	Decline      = Kind[DeclinePayload]{t: TypeDecline}
	Declined     = Kind[DeclinePayload]{t: TypeDeclined}
	End          = Kind[CallRef]{t: TypeEnd}
	Ended        = Kind[CallRef]{t: TypeEnded}
	Offer        = Kind[SDPPayload]{t: TypeOffer, check: sdpTypeIs("offer")}
	Answer       = Kind[SDPPayload]{t: TypeAnswer, check: sdpTypeIs("answer")}
	ICECandidate = Kind[CandidatePayload]{t: TypeICECandidate}
	Error        = Kind[ErrorPayload]{t: TypeError}
)

func sdpTypeIs(want string) func(SDPPayload) error {
	return func(p SDPPayload) error {
		if p.SDP.Type != want {
			return fmt.Errorf("sdp.type=%q, want %q", p.SDP.Type, want)
		}
		return nil
	}
}

func (k Kind[P]) Type() MessageType { return k.t }

func (k Kind[P]) validate(p P) error {
	if err := validateCallID(p.callID()); err != nil {
		return fmt.Errorf("%s: %w", k.t, err)
	}
	if err := p.validate(); err != nil {
		return fmt.Errorf("%s: %w", k.t, err)
	}
	if k.check != nil {
		if err := k.check(p); err != nil {
			return fmt.Errorf("%s: %w", k.t, err)
		}
	}
	return nil
}

// Envelope builds the wire envelope for p. The envelope callId is taken from
// the payload.
func (k Kind[P]) Envelope(senderID, targetID string, p P, sentAt time.Time) (Envelope, error) {
	if err := k.validate(p); err != nil {
		return Envelope{}, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:     k.t,
		CallID:   p.callID(),
		SenderID: senderID,
		TargetID: targetID,
		Payload:  raw,
		SentAt:   sentAt.UTC(),
	}, nil
}

// Decode strictly decodes and validates the payload of env.
func (k Kind[P]) Decode(env Envelope) (P, error) {
	var p P
	if env.Type != k.t {
		return p, fmt.Errorf("envelope type %q, want %q", env.Type, k.t)
	}
	if err := decodeStrict(env.Payload, &p); err != nil {
		return p, fmt.Errorf("%s payload: %w", k.t, err)
	}
	if err := k.validate(p); err != nil {
		return p, err
	}
	if p.callID() != env.CallID {
		return p, fmt.Errorf("%s: %w", k.t, ErrCallIDMismatch)
	}
	return p, nil
}
