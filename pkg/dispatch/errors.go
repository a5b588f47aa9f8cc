package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolClosed is returned by a pool that has been closed.
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrConnectionClosed is wrapped in the TransportError a closed Connection returns.
	ErrConnectionClosed = errors.New("connection is closed")

	// ErrDispatchDefect marks a failure on the send path that is not a transport failure.
	// It signals a bug, not an undeliverable message.
	ErrDispatchDefect = errors.New("unexpected dispatch failure")
)

// TransportError is the delivery failure kind reported by a Connection.
type TransportError struct {
	Platform Platform
	Token    string

	// StatusCode and Reason are set when the gateway answered and refused the message.
	StatusCode int
	Reason     string

	// Permanent means the token is dead and should be removed.
	Permanent bool

	// Err is the underlying network or SDK error, if any.
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil && e.Reason != "":
		return fmt.Sprintf("%s transport failed: %s (status %d): %v", e.Platform, e.Reason, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s transport failed: %v", e.Platform, e.Err)
	default:
		return fmt.Sprintf("%s gateway rejected notification: %s (status %d)", e.Platform, e.Reason, e.StatusCode)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err carries a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsPermanent reports whether err carries a *TransportError for a dead token.
func IsPermanent(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Permanent
}
