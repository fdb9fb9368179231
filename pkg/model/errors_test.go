package model

import "testing"

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Code: ErrNotFound, Message: "Domain '/a' not found"}
	want := "NOT_FOUND: Domain '/a' not found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("Task", "42")
	if err.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrNotFound)
	}
	if err.Message != "Task '42' not found" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("Invalid request",
		FieldError{Field: "name", Message: "required"},
		FieldError{Field: "nice", Message: "must be in -20..19"},
	)
	if err.Code != ErrValidation {
		t.Errorf("Code = %q, want %q", err.Code, ErrValidation)
	}
	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}
}

func TestNewConflictError(t *testing.T) {
	if err := NewConflictError("domain busy"); err.Code != ErrConflict || err.Error() != "CONFLICT: domain busy" {
		t.Errorf("err = %v", err)
	}
}
