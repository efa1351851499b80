// Package xerr defines the closed error-kind taxonomy the engine's public
// sequences return, and wraps driver-level causes so callers can still
// recover them with errors.Cause.
package xerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the contractual result codes a public sequence can return.
type Kind int

const (
	// Ok is success. Sequences return a nil error rather than an Ok error,
	// but Kind is still used where a result needs representing as a value
	// (e.g. for logging).
	Ok Kind = iota
	// Warn marks partial success: fail_on_first_error=false and at least
	// one node failed during ActivateFlashloader or ReadDeviceInformation.
	Warn
	// Config marks internally inconsistent configuration or a parsed
	// artifact lacking required content.
	Config
	// Overflow marks a size mismatch or a device-name mismatch between
	// image and target.
	Overflow
	// NoAct marks an invalid caller request.
	NoAct
	// RdWr marks file I/O failure or invalid image format.
	RdWr
	// Com marks a driver-reported error.
	Com
	// Busy marks an abort via the sink's vote, or a failed temp-dir erase.
	Busy
	// Range marks a parameter out of range.
	Range
	// Timeout marks a service exceeding its polling timeout.
	Timeout
)

func (k Kind) String() string {
	switch k {
	case Ok:
		return "Ok"
	case Warn:
		return "Warn"
	case Config:
		return "Config"
	case Overflow:
		return "Overflow"
	case NoAct:
		return "NoAct"
	case RdWr:
		return "RdWr"
	case Com:
		return "Com"
	case Busy:
		return "Busy"
	case Range:
		return "Range"
	case Timeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Error is a Kind plus an optional wrapped cause. Equality of Kind, not of
// the wrapped cause, is what TimeoutNodes latching and test assertions key
// off; see Is.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

// Unwrap supports errors.Is / errors.As over the wrapped driver error.
func (e *Error) Unwrap() error { return e.cause }

// Cause supports errors.Cause over the wrapped driver error.
func (e *Error) Cause() error { return e.cause }

// New builds a bare Error of the given Kind with a formatted message.
func New(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, cause: errors.Errorf(format, args...)}
}

// Wrap attaches a Kind to an existing cause (typically a driver error).
// A nil cause yields a nil *Error so call sites can do:
//
//	if e := xerr.Wrap(xerr.Com, err); e != nil { return e }
func Wrap(k Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: k, cause: errors.WithStack(cause)}
}

// Is reports whether err is an *Error of kind k. A Timeout never compares
// equal to any other kind on propagation: this is satisfied
// trivially because Is only ever compares Kind to Kind.
func Is(err error, k Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}

// KindOf extracts the Kind of err, or Ok if err is nil, or Com if err is a
// non-xerr error (an unexpected internal failure is surfaced as a
// communication-layer error rather than silently swallowed).
func KindOf(err error) Kind {
	if err == nil {
		return Ok
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Com
}
