// Package iaqerr defines the error taxonomy shared by drivers, the
// coordinator, and every external-facing layer. Every error is one *Error
// type carrying a Kind, so callers can branch with errors.As (then on Kind)
// or with Is instead of string matching, the way
// aht20's NotInitializedError/ReadTimeoutError/DataCorruptionError do for a
// single driver; here the same shape is generalized across the whole system.
package iaqerr

import "fmt"

// Kind identifies which of the eight taxonomy buckets an error belongs to.
type Kind int

const (
	// KindInvalidArg means the caller supplied a value outside a declared
	// range. State is left unchanged.
	KindInvalidArg Kind = iota
	// KindInvalidState means a precondition was not met (read before init,
	// force-read a disabled sensor, ...).
	KindInvalidState
	// KindTimeout means a bounded wait elapsed.
	KindTimeout
	// KindNotReady means the sensor is warming up or its internal algorithm
	// has not stabilized.
	KindNotReady
	// KindTransient means a bus or framing failure that the coordinator
	// will retry.
	KindTransient
	// KindFatal means the sensor is non-functional until reset.
	KindFatal
	// KindNoMemory means an allocation failed, primarily in the history
	// store.
	KindNoMemory
	// KindNotSupported means the feature was compiled out.
	KindNotSupported
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArg:
		return "invalid_arg"
	case KindInvalidState:
		return "invalid_state"
	case KindTimeout:
		return "timeout"
	case KindNotReady:
		return "not_ready"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindNoMemory:
		return "no_memory"
	case KindNotSupported:
		return "not_supported"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carried across every layer of the
// system. Op names the failing operation (e.g. "sht4x.Read",
// "coordinator.ForceReadSync") and Msg is a short human description.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is match any *Error target with the same Kind, e.g.
// errors.Is(err, iaqerr.Timeout("", "")); other targets never match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(k Kind, op, msg string, err error) *Error {
	return &Error{Kind: k, Op: op, Msg: msg, Err: err}
}

// InvalidArg builds a KindInvalidArg error.
func InvalidArg(op, msg string) *Error { return newErr(KindInvalidArg, op, msg, nil) }

// InvalidState builds a KindInvalidState error.
func InvalidState(op, msg string) *Error { return newErr(KindInvalidState, op, msg, nil) }

// Timeout builds a KindTimeout error.
func Timeout(op, msg string) *Error { return newErr(KindTimeout, op, msg, nil) }

// NotReady builds a KindNotReady error.
func NotReady(op, msg string) *Error { return newErr(KindNotReady, op, msg, nil) }

// Transient wraps a driver/bus failure that the coordinator should retry.
func Transient(op, msg string, err error) *Error { return newErr(KindTransient, op, msg, err) }

// Fatal wraps a driver failure that requires an explicit reset.
func Fatal(op, msg string, err error) *Error { return newErr(KindFatal, op, msg, err) }

// NoMemory builds a KindNoMemory error.
func NoMemory(op, msg string) *Error { return newErr(KindNoMemory, op, msg, nil) }

// NotSupported builds a KindNotSupported error.
func NotSupported(op, msg string) *Error { return newErr(KindNotSupported, op, msg, nil) }

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, k Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return false
	}
	return e.Kind == k
}
