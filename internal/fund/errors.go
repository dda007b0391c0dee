package fund

import (
	"errors"
	"fmt"
)

// Domain errors. Callers match them with errors.Is; the wrapped message
// carries the detail shown to the client.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("not authorized")
	ErrConflict          = errors.New("conflict")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidToken      = errors.New("invalid or expired invitation")
)

// Error pairs a domain error kind with a client-facing message.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func validationf(format string, args ...any) error { return newError(ErrValidation, format, args...) }
func notFoundf(format string, args ...any) error   { return newError(ErrNotFound, format, args...) }
func forbiddenf(format string, args ...any) error  { return newError(ErrForbidden, format, args...) }
func conflictf(format string, args ...any) error   { return newError(ErrConflict, format, args...) }
