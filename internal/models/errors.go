package models

import (
	"errors"
	"fmt"
)

// Error kinds shared by the repository, service and transports. Match them
// with errors.Is.
var (
	ErrValidation      = errors.New("validation_error")
	ErrNotFound        = errors.New("not_found")
	ErrOwnership       = errors.New("ownership_error")
	ErrInvalidState    = errors.New("invalid_state")
	ErrPolicyDenied    = errors.New("policy_denied")
	ErrConflict        = errors.New("conflict")
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Error is a classified queue error with a caller-facing message.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// Code is the stable machine-readable code for the error kind.
func (e *Error) Code() string {
	if e.Kind == nil {
		return "internal_error"
	}
	return e.Kind.Error()
}

func newError(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) error {
	return newError(ErrValidation, format, args...)
}

func NotFoundf(format string, args ...any) error {
	return newError(ErrNotFound, format, args...)
}

func Ownershipf(format string, args ...any) error {
	return newError(ErrOwnership, format, args...)
}

func InvalidStatef(format string, args ...any) error {
	return newError(ErrInvalidState, format, args...)
}

func PolicyDeniedf(format string, args ...any) error {
	return newError(ErrPolicyDenied, format, args...)
}

func Conflictf(format string, args ...any) error {
	return newError(ErrConflict, format, args...)
}

func Unauthenticatedf(format string, args ...any) error {
	return newError(ErrUnauthenticated, format, args...)
}

// JobNotFound is the canonical error for an unknown job id.
func JobNotFound(id string) error {
	return NotFoundf("job %s was not found", id)
}

// CheckOwned classifies why job cannot be mutated by workerID. It returns nil
// when the job is running and claimed by workerID. Ownership is checked
// before status so a non-owner always sees ErrOwnership.
func CheckOwned(job Job, workerID string) error {
	if !job.OwnedBy(workerID) {
		owner := "none"
		if job.ClaimedBy != nil {
			owner = *job.ClaimedBy
		}
		return Ownershipf("job %s is owned by %s, not %s", job.ID, owner, workerID)
	}
	if job.Status != StatusRunning {
		return InvalidStatef("job %s is %s and cannot be mutated", job.ID, job.Status)
	}
	return nil
}
