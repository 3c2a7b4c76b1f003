package scheduler

import (
	"errors"
	"strings"
)

var (
	// ErrScheduleNotFound is returned when a schedule is not found
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrValidation is wrapped by every ValidationError
	ErrValidation = errors.New("invalid schedule")

	// ErrConflictDetected is returned when a schedule collides with existing ones and was not forced
	ErrConflictDetected = errors.New("scheduling conflict detected")

	// ErrConflictVersion is returned when an update was based on a stale version
	ErrConflictVersion = errors.New("schedule version conflict")

	// ErrVerificationFailed is recorded when the content hash no longer matches
	ErrVerificationFailed = errors.New("content verification failed")

	// ErrPublishFailed is recorded when the publish API rejected the content
	ErrPublishFailed = errors.New("content publish failed")

	// ErrInvalidApprover is returned when a decision comes from someone other than the current approver
	ErrInvalidApprover = errors.New("invalid approver")

	// ErrAlreadyDecided is returned when a decision targets a finished workflow
	ErrAlreadyDecided = errors.New("approval workflow already decided")

	// ErrWorkflowNotFound is returned when an approval workflow is not found
	ErrWorkflowNotFound = errors.New("approval workflow not found")

	// ErrTerminalState is returned when mutating a published or cancelled schedule
	ErrTerminalState = errors.New("schedule is in a terminal state")

	// ErrInvalidTransition is returned when a status change is not allowed
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicateSchedule is returned when a schedule ID already exists
	ErrDuplicateSchedule = errors.New("duplicate schedule")

	// errUnchanged ends an Update from inside mutate without committing
	errUnchanged = errors.New("schedule unchanged")
)

// FieldError describes one rejected input field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned for malformed schedule input; nothing is persisted
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func (e *ValidationError) add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}
