package mqrpc

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned by NewClient for missing or invalid credentials.
	ErrConfiguration = errors.New("mqrpc: configuration error")
	// ErrNotConnected is returned when no live session exists.
	ErrNotConnected = errors.New("mqrpc: not connected")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("mqrpc: session closed")
	// ErrConsumerClosed is returned when a delivery stream ends unexpectedly.
	ErrConsumerClosed = errors.New("mqrpc: consumer closed")
	// ErrUnknownDeliveryTag is returned when acking a tag the session does not hold.
	ErrUnknownDeliveryTag = errors.New("mqrpc: unknown delivery tag")
	// ErrFetchTimeout is returned when no reply arrives before the fetch deadline.
	ErrFetchTimeout = errors.New("mqrpc: fetch timed out waiting for reply")
	// ErrClientClosed is returned by operations on a closed Client.
	ErrClientClosed = errors.New("mqrpc: client closed")
)

// TransportFault wraps a failure of a broker operation caught by the fault guard.
type TransportFault struct {
	Op         string
	Resource   string
	Transport  string
	Generation uint64
	Err        error
}

func (f *TransportFault) Error() string {
	if f.Resource == "" {
		return fmt.Sprintf("mqrpc: %s fault on %s (generation %d): %v", f.Op, f.Transport, f.Generation, f.Err)
	}
	return fmt.Sprintf("mqrpc: %s %q fault on %s (generation %d): %v", f.Op, f.Resource, f.Transport, f.Generation, f.Err)
}

func (f *TransportFault) Unwrap() error { return f.Err }

// HandlerError is returned by Listen when a handler fails or panics. The
// delivery it was processing is never acknowledged.
type HandlerError struct {
	Queue string
	Tag   uint64
	Err   error
	Stack []byte

	// Requeued is set once the delivery was handed back to its queue on the
	// same session. Otherwise only closing the session releases it.
	Requeued bool
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("mqrpc: handler failed on %q (tag %d): %v", e.Queue, e.Tag, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
