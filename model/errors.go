package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Engine and task error codes.
const (
	ErrInvalidLifecycle  = "INVALID_LIFECYCLE"
	ErrUnknownTransition = "UNKNOWN_TRANSITION"
	ErrGuardRejected     = "GUARD_REJECTED"
	ErrNodeNotFound      = "NODE_NOT_FOUND"
	ErrHandlerFailure    = "HANDLER_FAILURE"
	ErrTraversalLimit    = "TRAVERSAL_LIMIT_EXCEEDED"
	ErrTaskNotFound      = "TASK_NOT_FOUND"
	ErrInvalidTaskState  = "INVALID_TASK_STATE"
)

// ErrorEnvelope is the standard error carried across API and engine
// boundaries. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause, when one was attached.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code of err, or INTERNAL_ERROR for any other
// error type.
func CodeOf(err error) string {
	if ee, ok := err.(*ErrorEnvelope); ok {
		return ee.Code
	}
	return ErrInternalError
}

// IsCode reports whether err is an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	ee, ok := err.(*ErrorEnvelope)
	return ok && ee.Code == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
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

// NewInvalidLifecycleError returns an INVALID_LIFECYCLE error: an operation
// was attempted against an instance in the wrong status.
func NewInvalidLifecycleError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidLifecycle, Message: msg}
}

// NewUnknownTransitionError returns an UNKNOWN_TRANSITION error.
func NewUnknownTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnknownTransition, Message: msg}
}

// NewGuardRejectedError returns a GUARD_REJECTED error. This is a
// business-rule rejection, not a system fault.
func NewGuardRejectedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrGuardRejected, Message: msg}
}

// NewNodeNotFoundError returns a NODE_NOT_FOUND error.
func NewNodeNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNodeNotFound, Message: msg}
}

// NewHandlerFailureError returns a HANDLER_FAILURE error attributed to a
// flow node. The underlying cause is preserved for errors.Is/As.
func NewHandlerFailureError(nodeID string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrHandlerFailure,
		Message: fmt.Sprintf("node %s handler failed: %v", nodeID, cause),
		cause:   cause,
	}
}

// NewTraversalLimitError returns a TRAVERSAL_LIMIT_EXCEEDED error.
func NewTraversalLimitError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTraversalLimit, Message: msg}
}

// NewTaskNotFoundError returns a TASK_NOT_FOUND error.
func NewTaskNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTaskNotFound, Message: msg}
}

// NewInvalidTaskStateError returns an INVALID_TASK_STATE error.
func NewInvalidTaskStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTaskState, Message: msg}
}
