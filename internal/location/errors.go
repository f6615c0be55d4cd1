package location

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	// SensorUnsupported: the source has no position capability.
	SensorUnsupported ErrorKind = iota + 1
	// FixTimeout: no fix arrived within Config.Timeout.
	FixTimeout
	// FixDenied: the source refused access. Only a new Start retries.
	FixDenied
	// PositionUnavailable: the source is up but reports no usable fix.
	PositionUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case SensorUnsupported:
		return "sensor_unsupported"
	case FixTimeout:
		return "fix_timeout"
	case FixDenied:
		return "fix_denied"
	case PositionUnavailable:
		return "position_unavailable"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind ErrorKind
	Err  error
}

var (
	ErrSensorUnsupported   = &Error{Kind: SensorUnsupported}
	ErrFixTimeout          = &Error{Kind: FixTimeout}
	ErrFixDenied           = &Error{Kind: FixDenied}
	ErrPositionUnavailable = &Error{Kind: PositionUnavailable}
)

func (e *Error) Error() string {
	if e.Err == nil {
		return "location: " + e.Kind.String()
	}
	return fmt.Sprintf("location: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Terminal reports whether the error ends the current session.
func (e *Error) Terminal() bool {
	return e.Kind == SensorUnsupported || e.Kind == FixDenied
}

// asError classifies an error coming from a source. Anything unknown is
// treated as an unavailable position.
func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: PositionUnavailable, Err: err}
}
