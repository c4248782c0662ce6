// Package errors provides the typed error taxonomy of the plan execution engine.
package errors

import (
	"errors"
	"fmt"
)

// Error codes, one per failure class of the engine.
const (
	CodePlanValidation    = "PLAN_VALIDATION"
	CodeCompilation       = "COMPILATION"
	CodeExecution         = "EXECUTION"
	CodeStepDependency    = "STEP_DEPENDENCY"
	CodeSanityCheck       = "SANITY_CHECK"
	CodeNotFound          = "NOT_FOUND"
	CodeConnectionFailed  = "CONNECTION_FAILED"
	CodeReadOnlyViolation = "READ_ONLY_VIOLATION"
	CodeInternal          = "INTERNAL_ERROR"
)

// EngineError is an engine failure with code, message, and optional details.
type EngineError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an EngineError with the same code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails replaces the error details.
func (e *EngineError) WithDetails(details map[string]interface{}) *EngineError {
	e.Details = details
	return e
}

// WithDetail adds a single detail to the error.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is comparisons by code.
var (
	ErrPlanValidation    = &EngineError{Code: CodePlanValidation, Message: "invalid plan"}
	ErrCompilation       = &EngineError{Code: CodeCompilation, Message: "plan compilation failed"}
	ErrExecution         = &EngineError{Code: CodeExecution, Message: "query execution failed"}
	ErrStepDependency    = &EngineError{Code: CodeStepDependency, Message: "step dependency unresolved"}
	ErrSanityCheck       = &EngineError{Code: CodeSanityCheck, Message: "result failed sanity check"}
	ErrTableNotFound     = &EngineError{Code: CodeNotFound, Message: "table not found"}
	ErrReadOnlyViolation = &EngineError{Code: CodeReadOnlyViolation, Message: "storage is read-only"}
)

// New creates a new EngineError with the given code and message.
func New(code, message string) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new EngineError with a formatted message.
func Newf(code, format string, args ...interface{}) *EngineError {
	return &EngineError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with an EngineError.
func Wrap(err error, code, message string) *EngineError {
	if err == nil {
		return nil
	}
	return &EngineError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code, format string, args ...interface{}) *EngineError {
	if err == nil {
		return nil
	}
	return &EngineError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

func hasCode(err error, code string) bool {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Code == code
	}
	return false
}

// IsPlanValidation checks if an error is a plan validation error.
func IsPlanValidation(err error) bool { return hasCode(err, CodePlanValidation) }

// IsCompilation checks if an error is a compilation error.
func IsCompilation(err error) bool { return hasCode(err, CodeCompilation) }

// IsExecution checks if an error is a storage execution error.
func IsExecution(err error) bool { return hasCode(err, CodeExecution) }

// IsStepDependency checks if an error is a multi-step dependency error.
func IsStepDependency(err error) bool { return hasCode(err, CodeStepDependency) }

// IsSanityCheck checks if an error is a sanity check failure.
func IsSanityCheck(err error) bool { return hasCode(err, CodeSanityCheck) }

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

// GetCode extracts the error code from an error.
func GetCode(err error) string {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Code
	}
	return CodeInternal
}

// GetMessage extracts the error message from an error.
func GetMessage(err error) string {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Message
	}
	return err.Error()
}
