package call

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

// session is owned by the controller goroutine. ctx is cancelled when the
// session is detached; work started for it checks c.sess == s on return.
type session struct {
	id         string
	role       Role
	remote     string
	remoteMeta signaling.PeerMeta
	state      State

	createdAt time.Time
	activeAt  time.Time

	// answered latches the first Accept or Decline of a ringing call.
	answered     bool
	initiateSent bool
	mediaReady   bool
	// adopt holds a glare call from the peer that this side yields to once
	// its own media acquisition finishes.
	adopt *signaling.InitiatePayload

	pipeline *media.Pipeline
	engine   *negotiation.Engine

	acceptTimer      Timer
	negotiationTimer Timer

	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
}

func (s *session) stopTimers() {
	if s.acceptTimer != nil {
		s.acceptTimer.Stop()
		s.acceptTimer = nil
	}
	if s.negotiationTimer != nil {
		s.negotiationTimer.Stop()
		s.negotiationTimer = nil
	}
}

func (s *session) duration(now time.Time) time.Duration {
	if s.activeAt.IsZero() {
		return 0
	}
	return now.Sub(s.activeAt)
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	State        State
	CallID       string
	Role         Role
	RemoteUserID string
	RemoteMeta   signaling.PeerMeta
	Media        media.Flags
	// PendingCandidates counts remote candidates waiting for the remote
	// description.
	PendingCandidates int
	// Duration is measured from the transition to Active.
	Duration time.Duration
}

// DurationLabel renders Duration as mm:ss.
func (s Snapshot) DurationLabel() string {
	total := int(s.Duration / time.Second)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

func (s *session) snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		State:        s.state,
		CallID:       s.id,
		Role:         s.role,
		RemoteUserID: s.remote,
		RemoteMeta:   s.remoteMeta,
		Duration:     s.duration(now),
	}
	if s.pipeline != nil {
		snap.Media = s.pipeline.Flags()
	}
	if s.engine != nil {
		snap.PendingCandidates = s.engine.PendingCandidates()
	}
	return snap
}

const recentCallIDs = 64

// recentSet remembers the last ended call ids so late or duplicated relay
// messages for them are ignored.
type recentSet struct {
	ring []string
	next int
	set  map[string]struct{}
}

func newRecentSet(n int) *recentSet {
	return &recentSet{ring: make([]string, n), set: make(map[string]struct{}, n)}
}

func (r *recentSet) add(id string) {
	if _, ok := r.set[id]; ok {
		return
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ring[r.next] = id
	r.set[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
}

func (r *recentSet) has(id string) bool {
	_, ok := r.set[id]
	return ok
}
