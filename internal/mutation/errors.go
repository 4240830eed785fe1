package mutation

import (
	"errors"
	"fmt"

	"taskboard/api/internal/ai"
	"taskboard/api/internal/store"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConflict
	KindTransient
	KindAuthorization
	KindAuxiliary
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindAuthorization:
		return "authorization"
	case KindAuxiliary:
		return "auxiliary"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the failure of one mutation step. Op names the mutation.
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
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same mutation may succeed if issued again.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var mErr *Error
	if errors.As(err, &mErr) {
		return mErr.Kind
	}
	return KindUnknown
}

func IsRetryable(err error) bool {
	var mErr *Error
	return errors.As(err, &mErr) && mErr.Retryable()
}

func validationError(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func notFoundError(op, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// classify maps a store or collaborator failure onto the taxonomy.
func classify(op string, err error) *Error {
	var mErr *Error
	if errors.As(err, &mErr) {
		return mErr
	}
	switch {
	case errors.Is(err, ai.ErrInvalidResponse):
		return &Error{Kind: KindValidation, Op: op, Err: err}
	case store.IsForbidden(err):
		return &Error{Kind: KindAuthorization, Op: op, Err: err}
	case store.IsNotFound(err):
		return &Error{Kind: KindNotFound, Op: op, Err: err}
	case store.IsTransient(err), errors.Is(err, ai.ErrUnavailable):
		return &Error{Kind: KindTransient, Op: op, Err: err}
	default:
		return &Error{Kind: KindUnknown, Op: op, Err: err}
	}
}
