package relay

import "errors"

var (
	ErrHubClosed = errors.New("relay hub closed")
	// ErrReplaced is the loss cause reported to a connection superseded by a
	// newer connection for the same user.
	ErrReplaced     = errors.New("connection replaced by a newer one")
	ErrSlowConsumer = errors.New("connection closed: outbound queue full")
	ErrConnClosed   = errors.New("relay connection closed")
)
