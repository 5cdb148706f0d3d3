package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindExtraction          Kind = "ExtractionError"
	KindValidation          Kind = "ValidationError"
	KindTransientIO         Kind = "TransientIOError"
	KindConflict            Kind = "ConflictError"
	KindInitializationFatal Kind = "InitializationFatalError"
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Extraction(op string, err error) *Error { return New(KindExtraction, op, err) }
func Validation(op string, err error) *Error { return New(KindValidation, op, err) }
func Transient(op string, err error) *Error { return New(KindTransientIO, op, err) }
func Conflict(op string, err error) *Error { return New(KindConflict, op, err) }
func Fatal(op string, err error) *Error { return New(KindInitializationFatal, op, err) }
func Validationf(op, format string, a ...any) *Error {
	return New(KindValidation, op, fmt.Errorf(format, a...))
}

// KindOf returns the classification of err. Unclassified errors are
// treated as transient I/O.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransientIO
}

func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Retryable reports whether a caller may re-trigger the operation and
// expect a different outcome.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindExtraction, KindValidation, KindInitializationFatal:
		return false
	default:
		return true
	}
}

// Message returns the innermost human readable message.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}
