// Package errors provides the coded error taxonomy shared by the gate, the engines and the CLI.
package errors

import (
	"errors"
	"fmt"
)

// Error codes. These strings are part of the output contract and must stay stable.
const (
	CodeInvalidInput        = "INVALID_INPUT"
	CodeCapabilityViolation = "CAPABILITY_VIOLATION"
	CodeConnectionFailed    = "CONNECTION_FAILED"
	CodeQueryFailed         = "QUERY_FAILED"
	CodeQueryTimeout        = "QUERY_TIMEOUT"
	CodeEngineError         = "ENGINE_ERROR"
	CodeConfigError         = "CONFIG_ERROR"
)

// GateError is an error with a stable code, a human readable message and optional details.
// Engine is set for errors raised by a dialect engine.
type GateError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Engine  string                 `json:"engine,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *GateError) Error() string {
	prefix := e.Code
	if e.Engine != "" {
		prefix = fmt.Sprintf("%s[%s]", e.Code, e.Engine)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying error.
func (e *GateError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *GateError) Is(target error) bool {
	t, ok := target.(*GateError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails replaces the error details.
func (e *GateError) WithDetails(details map[string]interface{}) *GateError {
	e.Details = details
	return e
}

// WithDetail adds a single detail to the error.
func (e *GateError) WithDetail(key string, value interface{}) *GateError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithEngine tags the error with the dialect that raised it.
func (e *GateError) WithEngine(engine string) *GateError {
	e.Engine = engine
	return e
}

// Common errors
var (
	ErrEmptyStatement    = &GateError{Code: CodeInvalidInput, Message: "statement is empty"}
	ErrWriteNotPermitted = &GateError{Code: CodeCapabilityViolation, Message: "write operations require allow_write"}
	ErrDDLNotPermitted   = &GateError{Code: CodeCapabilityViolation, Message: "DDL operations require allow_ddl"}
	ErrQueryTimeout      = &GateError{Code: CodeQueryTimeout, Message: "statement execution exceeded timeout"}
)

// New creates a new GateError with the given code and message.
func New(code, message string) *GateError {
	return &GateError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new GateError with a formatted message.
func Newf(code, format string, args ...interface{}) *GateError {
	return &GateError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with a GateError.
func Wrap(err error, code, message string) *GateError {
	if err == nil {
		return nil
	}
	return &GateError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code, format string, args ...interface{}) *GateError {
	if err == nil {
		return nil
	}
	return &GateError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// IsInvalidInput checks if an error is an invalid input error.
func IsInvalidInput(err error) bool {
	return hasCode(err, CodeInvalidInput)
}

// IsCapabilityViolation checks if an error is a capability violation.
func IsCapabilityViolation(err error) bool {
	return hasCode(err, CodeCapabilityViolation)
}

// IsTimeout checks if an error is a statement timeout.
func IsTimeout(err error) bool {
	return hasCode(err, CodeQueryTimeout)
}

func hasCode(err error, code string) bool {
	var gateErr *GateError
	if errors.As(err, &gateErr) {
		return gateErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) string {
	var gateErr *GateError
	if errors.As(err, &gateErr) {
		return gateErr.Code
	}
	return CodeEngineError
}

// GetMessage extracts the error message from an error.
func GetMessage(err error) string {
	var gateErr *GateError
	if errors.As(err, &gateErr) {
		return gateErr.Message
	}
	return err.Error()
}
