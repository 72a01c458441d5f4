package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "instance not found"}
	want := "NOT_FOUND: instance not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "until", Code: "REQUIRED", Message: "until or condition is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "until" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "until")
	}
}

func TestHasCode_wrapped(t *testing.T) {
	err := fmt.Errorf("advance: %w", NewConcurrentModificationError("lost race"))
	if !HasCode(err, ErrConcurrentModification) {
		t.Error("HasCode should see through fmt.Errorf wrapping")
	}
	if HasCode(err, ErrInvalidTransition) {
		t.Error("HasCode matched the wrong code")
	}
	if HasCode(errors.New("plain"), ErrConcurrentModification) {
		t.Error("HasCode matched a plain error")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(NewStepsStillSnoozedError("wf-1", []int{2})); got != ErrStepsStillSnoozed {
		t.Errorf("CodeOf = %q, want %q", got, ErrStepsStillSnoozed)
	}
	if got := CodeOf(errors.New("boom")); got != ErrInternalError {
		t.Errorf("CodeOf(plain) = %q, want %q", got, ErrInternalError)
	}
}

func TestFailures_unwrapCause(t *testing.T) {
	cause := errors.New("store unavailable")
	err := NewScoringFailure("acct-1", cause)
	if !errors.Is(err, cause) {
		t.Error("scoring failure should unwrap to its cause")
	}
	comp := NewCompositionFailure("acct-1", "renewal-urgent", NewUnresolvedStageError("renewal-urgent", "kickoff"))
	if !HasCode(comp, ErrCompositionFailure) {
		t.Errorf("code = %q", comp.Code)
	}
	if !HasCode(errors.Unwrap(comp), ErrUnresolvedStage) {
		t.Error("composition failure should unwrap to the unresolved stage error")
	}
}

func TestNewTemplateHydrationError_namesPlaceholder(t *testing.T) {
	e := NewTemplateHydrationError("exec-review", "account.owner.name")
	if e.Code != ErrTemplateHydration {
		t.Errorf("Code = %q", e.Code)
	}
	if len(e.Details) != 1 || e.Details[0].Field != "account.owner.name" {
		t.Errorf("Details = %+v", e.Details)
	}
}
