package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

// ErrUnsupportedTrack is returned for tracks that carry no pion TrackLocal.
var ErrUnsupportedTrack = errors.New("track has no webrtc source")

// LocalTrack is a media.Track that can be attached to a PeerConnection.
type LocalTrack interface {
	media.Track
	TrackLocal() webrtc.TrackLocal
}

// Factory creates one PeerConnection per call.
type Factory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	log        *slog.Logger
}

func NewFactory(api *webrtc.API, iceServers []webrtc.ICEServer, logger *slog.Logger) *Factory {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{api: api, iceServers: iceServers, log: logger}
}

func (f *Factory) NewTransport(ctx context.Context, callID string) (negotiation.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &Transport{pc: pc, log: f.log.With("call_id", callID)}, nil
}

// Transport adapts a pion PeerConnection to negotiation.Transport.
type Transport struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	closeOnce sync.Once
}

func (t *Transport) PeerConnection() *webrtc.PeerConnection { return t.pc }

func (t *Transport) AddTrack(track media.Track) (negotiation.Sender, error) {
	lt, ok := track.(LocalTrack)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTrack, track.ID())
	}
	rtpSender, err := t.pc.AddTrack(lt.TrackLocal())
	if err != nil {
		return nil, err
	}
	// Drain RTCP so interceptors (NACK, reports) keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(buf); err != nil {
				return
			}
		}
	}()
	return &sender{rtp: rtpSender}, nil
}

func (t *Transport) CreateOffer(ctx context.Context) (signaling.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return signaling.SessionDescription{}, err
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return signaling.SessionDescription{}, err
	}
	return fromPion(offer), nil
}

func (t *Transport) CreateAnswer(ctx context.Context) (signaling.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return signaling.SessionDescription{}, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SessionDescription{}, err
	}
	return fromPion(answer), nil
}

func (t *Transport) SetLocalDescription(desc signaling.SessionDescription) error {
	return t.pc.SetLocalDescription(toPion(desc))
}

func (t *Transport) SetRemoteDescription(desc signaling.SessionDescription) error {
	return t.pc.SetRemoteDescription(toPion(desc))
}

func (t *Transport) AddICECandidate(c signaling.Candidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (t *Transport) OnICECandidate(fn func(signaling.Candidate)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering; trickle has nothing to send for it.
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(signaling.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (t *Transport) OnConnectionStateChange(fn func(negotiation.ConnectionState)) {
	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(connectionState(state))
	})
}

func (t *Transport) OnTrack(fn func(negotiation.RemoteTrack)) {
	t.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := newRemoteTrack(remote, t.log)
		go rt.readLoop()
		fn(rt)
	})
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.pc.Close()
	})
	return err
}

type sender struct {
	rtp *webrtc.RTPSender
}

func (s *sender) ReplaceTrack(track media.Track) error {
	if track == nil {
		return s.rtp.ReplaceTrack(nil)
	}
	lt, ok := track.(LocalTrack)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedTrack, track.ID())
	}
	return s.rtp.ReplaceTrack(lt.TrackLocal())
}

func connectionState(state webrtc.PeerConnectionState) negotiation.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return negotiation.ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return negotiation.ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return negotiation.ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return negotiation.ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return negotiation.ConnectionStateClosed
	default:
		return negotiation.ConnectionStateNew
	}
}

func fromPion(desc webrtc.SessionDescription) signaling.SessionDescription {
	return signaling.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func toPion(desc signaling.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
}
