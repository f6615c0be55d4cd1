package stream

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	// TransportUnavailable: the transport could not be established.
	TransportUnavailable ErrorKind = iota + 1
	// ConnectionLost: an established transport dropped without a clean close.
	ConnectionLost
	// RetriesExhausted is terminal, only an explicit Open resumes.
	RetriesExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case TransportUnavailable:
		return "transport_unavailable"
	case ConnectionLost:
		return "connection_lost"
	case RetriesExhausted:
		return "retries_exhausted"
	default:
		return "unknown"
	}
}

// Error is delivered through OnError.
type Error struct {
	Kind     ErrorKind
	Endpoint string
	Err      error
}

var (
	ErrTransportUnavailable = &Error{Kind: TransportUnavailable}
	ErrConnectionLost       = &Error{Kind: ConnectionLost}
	ErrRetriesExhausted     = &Error{Kind: RetriesExhausted}
)

func (e *Error) Error() string {
	if e.Err == nil {
		return "stream: " + e.Kind.String()
	}
	return fmt.Sprintf("stream: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrConnectionLost)
// works regardless of the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func (e *Error) Terminal() bool {
	return e.Kind == RetriesExhausted
}

// CloseError is returned by Transport.Recv when the transport terminates.
type CloseError struct {
	Code   int
	Reason string
	Clean  bool
}

func (e *CloseError) Error() string {
	if e.Clean {
		return fmt.Sprintf("closed cleanly (%d) %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("closed abnormally (%d) %s", e.Code, e.Reason)
}

const codeAbnormal = 1006

// closeInfo classifies a Recv error. Anything that is not a CloseError is an
// unclean termination.
func closeInfo(err error) (CloseEvent, bool) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return CloseEvent{Code: ce.Code, Reason: ce.Reason, Clean: ce.Clean}, true
	}
	return CloseEvent{Code: codeAbnormal, Reason: err.Error()}, false
}
