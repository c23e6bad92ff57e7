package signaling

import (
	"fmt"
	"sync"
)

// Router is a dispatch table from message type to a typed handler.
type Router struct {
	mu     sync.RWMutex
	routes map[MessageType]func(Envelope) error
}

func NewRouter() *Router {
	return &Router{routes: make(map[MessageType]func(Envelope) error)}
}

// Handle registers fn for kind, replacing any previous handler. The payload
// is decoded and validated before fn runs.
func Handle[P Payload](r *Router, kind Kind[P], fn func(Envelope, P)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[kind.Type()] = func(env Envelope) error {
		p, err := kind.Decode(env)
		if err != nil {
			return err
		}
		fn(env, p)
		return nil
	}
}

// Dispatch routes env to its handler. Unregistered types return
// ErrUnknownType.
func (r *Router) Dispatch(env Envelope) error {
	r.mu.RLock()
	route, ok := r.routes[env.Type]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownType, env.Type)
	}
	return route(env)
}

// Handles reports whether a handler is registered for t.
func (r *Router) Handles(t MessageType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.routes[t]
	return ok
}
