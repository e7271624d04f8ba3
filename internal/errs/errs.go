// Package errs defines the error kinds shared by the engine packages.
//
// Every engine error wraps exactly one kind sentinel so callers can branch
// with errors.Is without parsing messages:
//
//	if errors.Is(err, errs.ErrCapacityExceeded) { ... }
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrLoad reports malformed or mismatched model weights. Fatal at startup.
	ErrLoad = errors.New("load error")
	// ErrShape reports a dimension mismatch between inputs and the model.
	ErrShape = errors.New("shape error")
	// ErrState reports an internal contract violation, such as using an
	// evicted cache or an illegal session transition.
	ErrState = errors.New("state error")
	// ErrCapacityExceeded reports that a session would grow past the
	// model's maximum context length.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrInvalidConfig reports bad sampling or request parameters.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrCancelled marks a session stopped at the caller's request.
	ErrCancelled = errors.New("cancelled")
)

var kinds = []error{
	ErrLoad,
	ErrShape,
	ErrState,
	ErrCapacityExceeded,
	ErrInvalidConfig,
	ErrCancelled,
}

// Error attaches a kind and the failing operation to an underlying cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return fmt.Sprint(e.Kind)
	}
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Wrap tags err with kind. A nil err yields nil.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func newf(kind error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func Load(op, format string, args ...any) error {
	return newf(ErrLoad, op, format, args...)
}

func Shape(op, format string, args ...any) error {
	return newf(ErrShape, op, format, args...)
}

func State(op, format string, args ...any) error {
	return newf(ErrState, op, format, args...)
}

func Capacity(op, format string, args ...any) error {
	return newf(ErrCapacityExceeded, op, format, args...)
}

func Invalid(op, format string, args ...any) error {
	return newf(ErrInvalidConfig, op, format, args...)
}

// KindOf returns the kind sentinel carried by err, or nil if err has none.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
