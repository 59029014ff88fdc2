package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Workflow and notification error codes.
const (
	ErrInvalidTransition   = "INVALID_TRANSITION"
	ErrMisconfiguredRule   = "MISCONFIGURED_RULE"
	ErrSendFailure         = "SEND_FAILURE"
	ErrJobExecutionFailure = "JOB_EXECUTION_FAILURE"
)

// ErrorEnvelope is the standard typed error returned by referralflow
// components. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
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

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewMisconfiguredRuleError returns a MISCONFIGURED_RULE error.
func NewMisconfiguredRuleError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrMisconfiguredRule, Message: msg}
}

// NewSendFailureError returns a SEND_FAILURE error.
func NewSendFailureError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrSendFailure, Message: msg}
}

// NewJobExecutionError returns a JOB_EXECUTION_FAILURE error.
func NewJobExecutionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrJobExecutionFailure, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// CodeOf extracts the error code from an error, or INTERNAL_ERROR if the
// error is not an ErrorEnvelope.
func CodeOf(err error) string {
	if env, ok := err.(*ErrorEnvelope); ok {
		return env.Code
	}
	return ErrInternalError
}
