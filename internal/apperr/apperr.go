// Package apperr defines the error kinds shared across the scan pipeline.
//
// Every expected failure carries one Kind. Callers branch with errors.Is
// against the sentinel for that kind, or with KindOf.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindFatal Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
	ErrNotFound   = errors.New("not found")
	ErrTransient  = errors.New("temporarily unavailable")
	ErrFatal      = errors.New("internal error")
)

func sentinel(k Kind) error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindConflict:
		return ErrConflict
	case KindNotFound:
		return ErrNotFound
	case KindTransient:
		return ErrTransient
	default:
		return ErrFatal
	}
}

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == sentinel(e.Kind)
}

func newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Validation(op, format string, args ...any) error {
	return newf(KindValidation, op, format, args...)
}

func Conflict(op, format string, args ...any) error {
	return newf(KindConflict, op, format, args...)
}

func NotFound(op, format string, args ...any) error {
	return newf(KindNotFound, op, format, args...)
}

func Transient(op, format string, args ...any) error {
	return newf(KindTransient, op, format, args...)
}

func Fatal(op, format string, args ...any) error {
	return newf(KindFatal, op, format, args...)
}

// Wrap classifies err under kind. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain.
// Unclassified errors are Fatal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// IsRetryable reports whether the caller may retry with backoff.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}
