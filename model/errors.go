package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Scheduling-core error codes.
const (
	ErrInvalidTransition      = "INVALID_TRANSITION"
	ErrConcurrentModification = "CONCURRENT_MODIFICATION"
	ErrUnresolvedStage        = "UNRESOLVED_STAGE"
	ErrTemplateHydration      = "TEMPLATE_HYDRATION"
	ErrStepsStillSnoozed      = "STEPS_STILL_SNOOZED"
	ErrScoringFailure         = "SCORING_FAILURE"
	ErrCompositionFailure     = "COMPOSITION_FAILURE"
)

// ErrorEnvelope is the standard error value returned by the core and
// serialised by the HTTP layer. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HasCode reports whether err (or anything it wraps) is an ErrorEnvelope
// with the given code.
func HasCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// CodeOf returns the code of the first ErrorEnvelope in err's chain, or
// INTERNAL_ERROR when there is none.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrInternalError
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewInvalidTransitionError is returned when a step move is not allowed from
// the step's current status. The caller can correct it.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewConcurrentModificationError is returned when a compare-and-swap lost a
// race. The caller should re-read and retry or abort.
func NewConcurrentModificationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConcurrentModification, Message: msg}
}

// NewUnresolvedStageError is returned when a workflow definition references a
// stage template that is not in the catalog.
func NewUnresolvedStageError(workflowID, stageID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnresolvedStage,
		Message: fmt.Sprintf("workflow %q references unknown stage %q", workflowID, stageID),
	}
}

// NewTemplateHydrationError is returned when a required placeholder has no
// value in the account context.
func NewTemplateHydrationError(stageID, placeholder string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTemplateHydration,
		Message: fmt.Sprintf("stage %q: placeholder {{%s}} has no value", stageID, placeholder),
		Details: []FieldError{{Field: placeholder, Code: "MISSING_PLACEHOLDER", Message: "no value in account context"}},
	}
}

// NewStepsStillSnoozedError is returned by Complete while steps are snoozed.
func NewStepsStillSnoozedError(instanceID string, snoozed []int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStepsStillSnoozed,
		Message: fmt.Sprintf("workflow instance %q has snoozed steps %v; wake or skip them first", instanceID, snoozed),
	}
}

// NewScoringFailure wraps a per-account scoring error.
func NewScoringFailure(accountID string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrScoringFailure,
		Message: fmt.Sprintf("account %q: scoring failed: %v", accountID, cause),
		cause:   cause,
	}
}

// NewCompositionFailure wraps a per-account composition or instance-creation
// error.
func NewCompositionFailure(accountID, workflowID string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrCompositionFailure,
		Message: fmt.Sprintf("account %q: composing %q failed: %v", accountID, workflowID, cause),
		cause:   cause,
	}
}
