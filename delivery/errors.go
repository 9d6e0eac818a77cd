package delivery

import (
	"errors"
	"fmt"
)

// Kind classifies delivery errors.
type Kind string

const (
	// KindConfiguration: the connection is missing, inactive or has bad
	// credentials. Retrying cannot help.
	KindConfiguration Kind = "configuration"
	// KindTransient: the provider failed to send. Retried with backoff.
	KindTransient Kind = "transient_provider"
	// KindDraftGeneration: the draft could not be produced. Retried like a
	// transient send failure.
	KindDraftGeneration Kind = "draft_generation"
	// KindValidation: bad input or an operation not allowed in the job's state.
	KindValidation Kind = "validation"
)

// Error is a classified delivery error. Its message is the underlying
// error's message so it can be stored verbatim on the job.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validationf builds a KindValidation error.
func Validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Op: "validate", Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, or "" if it is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether a failure of this kind may be retried.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindDraftGeneration
}
