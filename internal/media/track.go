package media

import (
	"sync"
	"sync/atomic"
)

// BasicTrack implements the enable and stop bookkeeping shared by concrete
// sources. Stop is idempotent and runs onStop at most once.
type BasicTrack struct {
	id   string
	kind Kind

	enabled atomic.Bool

	stopOnce sync.Once
	done     chan struct{}
	onStop   func()
}

func NewBasicTrack(id string, kind Kind, onStop func()) *BasicTrack {
	t := &BasicTrack{
		id:     id,
		kind:   kind,
		done:   make(chan struct{}),
		onStop: onStop,
	}
	t.enabled.Store(true)
	return t
}

func (t *BasicTrack) ID() string   { return t.id }
func (t *BasicTrack) Kind() Kind   { return t.kind }
func (t *BasicTrack) Enabled() bool { return t.enabled.Load() }

func (t *BasicTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *BasicTrack) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		if t.onStop != nil {
			t.onStop()
		}
	})
}

// Done is closed once the track is stopped.
func (t *BasicTrack) Done() <-chan struct{} { return t.done }

func (t *BasicTrack) Stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
