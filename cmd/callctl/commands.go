package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/negotiation"
)

type command struct {
	name string
	run  func(ctx context.Context, ctl *call.Controller, events *eventQueue, logger *slog.Logger) error
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, errors.New("usage: callctl [flags] dial [-hold d] <user> | answer [-once]")
	}
	switch name, rest := args[0], args[1:]; name {
	case "dial":
		fs := flag.NewFlagSet("dial", flag.ContinueOnError)
		hold := fs.Duration("hold", 0, "Hang up this long after the call becomes active (0 waits for the peer)")
		if err := fs.Parse(rest); err != nil {
			return command{}, err
		}
		if fs.NArg() != 1 {
			return command{}, errors.New("dial: exactly one target user is required")
		}
		target := fs.Arg(0)
		return command{name: name, run: func(ctx context.Context, ctl *call.Controller, events *eventQueue, logger *slog.Logger) error {
			return dial(ctx, ctl, events, logger, target, *hold)
		}}, nil
	case "answer":
		fs := flag.NewFlagSet("answer", flag.ContinueOnError)
		once := fs.Bool("once", false, "Exit after the first call ends")
		if err := fs.Parse(rest); err != nil {
			return command{}, err
		}
		if fs.NArg() != 0 {
			return command{}, fmt.Errorf("answer: unexpected arguments %v", fs.Args())
		}
		return command{name: name, run: func(ctx context.Context, ctl *call.Controller, events *eventQueue, logger *slog.Logger) error {
			return answer(ctx, ctl, events, logger, *once)
		}}, nil
	default:
		return command{}, fmt.Errorf("unknown command %q", name)
	}
}

// dial places one call and returns when it ends. Remote hangups and
// declines are not errors; failures are.
func dial(ctx context.Context, ctl *call.Controller, events *eventQueue, logger *slog.Logger, target string, hold time.Duration) error {
	callID, err := ctl.Initiate(ctx, target)
	if err != nil {
		return err
	}
	logger.Info("dialing", "call_id", callID, "target", target)

	var hangup <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-hangup:
			logger.Info("hanging up", "call_id", callID, "after", hold)
			if err := ctl.End(ctx, callID); err != nil && !errors.Is(err, call.ErrNoCall) {
				return err
			}
			hangup = nil
		case ev := <-events.C():
			switch {
			case ev.state != nil && ev.state.CallID == callID && ev.state.State == call.StateActive && hold > 0 && hangup == nil:
				hangup = time.After(hold)
			case ev.ended != nil && ev.ended.CallID == callID:
				return outcome(*ev.ended)
			}
		}
	}
}

// answer accepts every incoming call, one at a time.
func answer(ctx context.Context, ctl *call.Controller, events *eventQueue, logger *slog.Logger, once bool) error {
	logger.Info("waiting for calls", "user_id", ctl.LocalUserID())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events.C():
			switch {
			case ev.incoming != nil:
				logger.Info("answering", "call_id", ev.incoming.CallID, "caller_id", ev.incoming.CallerID, "caller_name", ev.incoming.CallerMeta.DisplayName)
				// The caller may have given up already.
				if err := ctl.Accept(ctx, ev.incoming.CallID); err != nil && !errors.Is(err, call.ErrUnknownCall) && !errors.Is(err, call.ErrNoCall) {
					return err
				}
			case ev.ended != nil && once:
				return outcome(*ev.ended)
			}
		}
	}
}

func outcome(e call.EndedCall) error {
	switch {
	case e.Err == nil, errors.Is(e.Err, call.ErrCancelledByCaller):
		return nil
	case e.State == call.StateFailed:
		return e.Err
	default:
		// Busy, declined and unanswered calls end the command cleanly but are
		// still reported.
		return fmt.Errorf("call %s ended: %w", e.CallID, e.Err)
	}
}

type event struct {
	incoming *call.IncomingCall
	state    *call.Snapshot
	ended    *call.EndedCall
}

// eventQueue implements call.Notifier. It logs every event and hands it to
// the command goroutine without blocking the controller.
type eventQueue struct {
	log *slog.Logger

	mu      sync.Mutex
	pending []event
	ready   chan struct{}
	out     chan event
	once    sync.Once
}

func newEventQueue(logger *slog.Logger) *eventQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &eventQueue{log: logger, ready: make(chan struct{}, 1), out: make(chan event)}
}

// C delivers events in order.
func (q *eventQueue) C() <-chan event {
	q.once.Do(func() { go q.pump() })
	return q.out
}

func (q *eventQueue) pump() {
	for range q.ready {
		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			ev := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			q.out <- ev
		}
	}
}

func (q *eventQueue) push(ev event) {
	q.mu.Lock()
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *eventQueue) Incoming(c call.IncomingCall) {
	q.log.Info("incoming call", "call_id", c.CallID, "caller_id", c.CallerID)
	q.push(event{incoming: &c})
}

func (q *eventQueue) StateChanged(s call.Snapshot) {
	q.log.Info("call state", "call_id", s.CallID, "state", s.State, "role", s.Role, "remote_user_id", s.RemoteUserID,
		"audio", s.Media.AudioEnabled, "video", s.Media.VideoEnabled, "duration", s.DurationLabel())
	q.push(event{state: &s})
}

func (q *eventQueue) Ended(e call.EndedCall) {
	q.log.Info("call ended", "call_id", e.CallID, "state", e.State, "reason", e.Reason,
		"duration", call.Snapshot{Duration: e.Duration}.DurationLabel(), "err", e.Err)
	q.push(event{ended: &e})
}

func (q *eventQueue) RemoteTrack(callID string, t negotiation.RemoteTrack) {
	q.log.Info("remote track", "call_id", callID, "track_id", t.ID(), "kind", t.Kind())
}
