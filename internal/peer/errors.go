package peer

import (
	"errors"
	"fmt"
)

var (
	ErrNoTransport = errors.New("peer connection not open")
	ErrClosed      = errors.New("peer connection manager closed")
)

// NegotiationError wraps a failed offer/answer step.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed: %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// ConnectionFailedError is terminal: the retry budget is spent.
type ConnectionFailedError struct {
	Attempts  int
	Diagnosis string
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("connection failed after %d attempts: %s", e.Attempts, e.Diagnosis)
}

func IsNegotiationError(err error) bool {
	var ne *NegotiationError
	return errors.As(err, &ne)
}

func IsConnectionFailedError(err error) bool {
	var cf *ConnectionFailedError
	return errors.As(err, &cf)
}
