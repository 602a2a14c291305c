package xerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindUpstream
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUpstream:
		return "upstream"
	case KindStorage:
		return "storage"
	default:
		return "internal"
	}
}

// Error is the error type crossing component boundaries. Code is the stable
// snake_case identifier returned to HTTP clients.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error

	// Set for KindUpstream only.
	UpstreamStatus int
	UpstreamBody   string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, code, msg string) error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

func Wrap(kind Kind, code, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Msg: msg, Err: err}
}

func Validation(code, msg string) error {
	return New(KindValidation, code, msg)
}

func NotFound(code, msg string) error {
	return New(KindNotFound, code, msg)
}

func Conflict(code, msg string) error {
	return New(KindConflict, code, msg)
}

func Storage(msg string, err error) error {
	return Wrap(KindStorage, "storage_error", msg, err)
}

func Upstream(status int, body string, err error) error {
	return &Error{
		Kind:           KindUpstream,
		Code:           "upstream_error",
		Msg:            "payment gateway request failed",
		Err:            err,
		UpstreamStatus: status,
		UpstreamBody:   body,
	}
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
