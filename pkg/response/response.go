package response

import (
	"errors"
)

type Error struct {
	Code int
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Is(target error) bool {
	var t *Error
	ok := errors.As(target, &t)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Err.Error() == t.Err.Error()
}

// ClientFacing reports whether the error message can be returned to the caller as is.
func (e *Error) ClientFacing() bool {
	return e.Code < 500
}

func NewError(code int, err string) error {
	return &Error{code, errors.New(err)}
}

// Wrap attaches cause to a response error while keeping it matchable with errors.Is and errors.As.
func Wrap(err error, cause error) error {
	if cause == nil {
		return err
	}
	return &wrapped{err: err, cause: cause}
}

type wrapped struct {
	err   error
	cause error
}

func (w *wrapped) Error() string {
	return w.err.Error() + ": " + w.cause.Error()
}

func (w *wrapped) Unwrap() []error {
	return []error{w.err, w.cause}
}
