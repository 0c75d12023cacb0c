package capability

import (
	"errors"
	"fmt"
)

// Code classifies a capability error. Codes are decisions or faults, never
// free text: callers branch on them for retry and audit outcomes.
type Code string

const (
	// CodeNotFound: the id is in neither the manifest table nor the registry.
	CodeNotFound Code = "NOT_FOUND"
	// CodeSecurityViolation: the caller's execution context failed policy
	// validation. Never retried.
	CodeSecurityViolation Code = "SECURITY_VIOLATION"
	// CodeResourceExceeded: a Hard resource limit was breached at runtime.
	// Retry candidate; retry policy belongs to the caller.
	CodeResourceExceeded Code = "RESOURCE_EXCEEDED"
	// CodeProviderUnavailable: an isolation or remote backend failed to start
	// or respond. Retry candidate; never auto-retried here.
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
	// CodeUserDenied: explicit rejection during the approval workflow.
	CodeUserDenied Code = "USER_DENIED"
	// CodeInvalidInput: malformed approval response or manifest.
	CodeInvalidInput Code = "INVALID_INPUT"
	// CodeDuplicateID: registration collided with an existing id and no
	// overwrite was requested.
	CodeDuplicateID Code = "DUPLICATE_ID"
	// CodeExecution: the capability itself returned an error. Distinct from
	// resource breaches so the caller can judge retryability.
	CodeExecution Code = "EXECUTION_FAILED"
)

// Error is the typed error for every failure this core produces.
type Error struct {
	Code   Code
	ID     string // capability id, when known
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s: capability=%s: %s", e.Code, e.ID, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed capability error.
func NewError(code Code, id, detail string) *Error {
	return &Error{Code: code, ID: id, Detail: detail}
}

// WrapError builds a typed capability error wrapping an underlying cause.
func WrapError(code Code, id string, err error) *Error {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return &Error{Code: code, ID: id, Detail: detail, Err: err}
}

// CodeOf extracts the Code from err, or CodeExecution when err is not a
// capability error.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeExecution
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether err is a retry-candidate fault. Decisions
// (security violations, user denials, invalid input) are never retryable.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeResourceExceeded, CodeProviderUnavailable:
		return true
	}
	return false
}
