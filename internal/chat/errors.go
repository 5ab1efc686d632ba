package chat

import (
	"errors"
	"fmt"
)

var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrBusy        = errors.New("busy")
	ErrGeneration  = errors.New("generation failure")
	ErrPersistence = errors.New("persistence failure")
)

// Error is the result kind returned by every chat operation. Message is safe to show to clients.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NewValidationError(msg string) error {
	return &Error{Code: "VALIDATION", Message: msg, Err: ErrValidation}
}

func NewNotFoundError(what string) error {
	return &Error{Code: "NOT_FOUND", Message: what + " not found", Err: ErrNotFound}
}

func NewBusyError() error {
	return &Error{Code: "BUSY", Message: "A reply is still being generated", Err: ErrBusy}
}

func newGenerationError(cause error) error {
	return &Error{Code: "GENERATION", Message: "Failed to generate reply", Err: fmt.Errorf("%w: %v", ErrGeneration, cause)}
}

func newPersistenceError(cause error) error {
	return &Error{Code: "PERSISTENCE", Message: "Failed to save message", Err: fmt.Errorf("%w: %v", ErrPersistence, cause)}
}

func IsValidation(err error) bool  { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool    { return errors.Is(err, ErrNotFound) }
func IsBusy(err error) bool        { return errors.Is(err, ErrBusy) }
func IsPersistence(err error) bool { return errors.Is(err, ErrPersistence) }

// UserMessage returns the client-facing text for err.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "Internal error"
}
