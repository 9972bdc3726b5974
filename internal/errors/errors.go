// Package errors classifies the failures the bridge can report. Every error
// that leaves the protocol engine can be mapped to a Kind so the server can
// decide whether it concerns one request, one client or the whole link.
package errors

import (
	"errors"
	"fmt"
)

// Kind is the classification of a bridge error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransport is a port open/read/write failure. Triggers reconnect.
	KindTransport
	// KindHandshakeTimeout means the firmware never answered hello.
	KindHandshakeTimeout
	// KindCommandTimeout is a per-request timeout.
	KindCommandTimeout
	// KindCommandRejected is a firmware failure token such as {stop_false}.
	KindCommandRejected
	// KindValidation is a malformed client message.
	KindValidation
	// KindProtocolDesync is an unclassifiable or unmatched line.
	KindProtocolDesync
	KindShutdown
	KindNotReady
	KindQueueFull
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindHandshakeTimeout:
		return "handshake_timeout"
	case KindCommandTimeout:
		return "timeout"
	case KindCommandRejected:
		return "rejected"
	case KindValidation:
		return "validation"
	case KindProtocolDesync:
		return "desync"
	case KindShutdown:
		return "shutdown"
	case KindNotReady:
		return "not_ready"
	case KindQueueFull:
		return "queue_full"
	default:
		return "unknown"
	}
}

// Standard error variables
var (
	ErrTransport        = errors.New("transport error")
	ErrPortClosed       = errors.New("serial port closed")
	ErrHandshakeTimeout = errors.New("handshake timeout")
	// ErrCommandTimeout prints as "timeout", which is what clients see.
	ErrCommandTimeout  = errors.New("timeout")
	ErrCommandRejected = errors.New("command rejected by firmware")
	ErrValidation      = errors.New("invalid message")
	ErrProtocolDesync  = errors.New("protocol desync")
	ErrShutdown        = errors.New("bridge shutting down")
	ErrNotReady        = errors.New("transport not ready")
	ErrQueueFull       = errors.New("command queue full")
)

var sentinelKinds = []struct {
	err  error
	kind Kind
}{
	{ErrTransport, KindTransport},
	{ErrPortClosed, KindTransport},
	{ErrHandshakeTimeout, KindHandshakeTimeout},
	{ErrCommandTimeout, KindCommandTimeout},
	{ErrCommandRejected, KindCommandRejected},
	{ErrValidation, KindValidation},
	{ErrProtocolDesync, KindProtocolDesync},
	{ErrShutdown, KindShutdown},
	{ErrNotReady, KindNotReady},
	{ErrQueueFull, KindQueueFull},
}

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Op == "" {
		return ce.Err.Error()
	}
	return fmt.Sprintf("%s: %v", ce.Op, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: kind, Op: op, Err: err}
}

// Transport wraps an I/O failure on the serial link.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return Wrap(KindTransport, op, fmt.Errorf("%w: %w", ErrTransport, err))
}

// Validation builds a validation error with a formatted reason.
func Validation(format string, args ...any) error {
	return Wrap(KindValidation, "", fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...)))
}

// KindOf returns the classification of err, looking through wrapping.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	for _, s := range sentinelKinds {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindUnknown
}

// IsTimeout reports whether err is a command timeout.
func IsTimeout(err error) bool {
	return KindOf(err) == KindCommandTimeout
}

// IsValidation reports whether err is a client validation failure.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// New is errors.New.
func New(text string) error { return errors.New(text) }
