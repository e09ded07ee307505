// Package errors defines the error-kind taxonomy shared by every layer of
// the daemon. Callers should compare against the Is* predicates rather
// than string-matching Error(). A few internal/ paths (the config loader,
// the Anthropic provider, JSONLLog.Close) return plain fmt.Errorf-wrapped
// errors, which these predicates do not classify.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies an AppError into one of the kinds the engine and
// the daemon host branch on.
type ErrorCode string

const (
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeAlreadyExists     ErrorCode = "ALREADY_EXISTS"
	CodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	CodeForbidden         ErrorCode = "FORBIDDEN"
	CodeInternal          ErrorCode = "INTERNAL_ERROR"
	CodeServiceUnavail    ErrorCode = "SERVICE_UNAVAILABLE"
	CodeInvalidState      ErrorCode = "INVALID_STATE"
	CodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
	CodeLLM               ErrorCode = "LLM_ERROR"
	CodeTool              ErrorCode = "TOOL_ERROR"
	CodeWorkspace         ErrorCode = "WORKSPACE_ERROR"
	CodeClientProtocol    ErrorCode = "CLIENT_PROTOCOL_ERROR"
)

// AppError is the one error type every package in this repo returns for
// conditions that the caller is expected to branch on.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewInvalidInputError(message string) *AppError {
	return &AppError{Code: CodeInvalidInput, Message: message}
}

func NewNotFoundError(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message}
}

func NewAlreadyExistsError(message string) *AppError {
	return &AppError{Code: CodeAlreadyExists, Message: message}
}

func NewInternalError(message string) *AppError {
	return &AppError{Code: CodeInternal, Message: message}
}

func NewInternalErrorWithCause(message string, cause error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: cause}
}

// NewInvalidStateError reports an illegal loop-status transition (e.g.
// pausing a loop that has already reached a terminal status).
func NewInvalidStateError(message string) *AppError {
	return &AppError{Code: CodeInvalidState, Message: message}
}

// NewValidationFailureError wraps a validator's structural failure so it
// can be fed back into the iteration loop as progress text.
func NewValidationFailureError(message string) *AppError {
	return &AppError{Code: CodeValidationFailure, Message: message}
}

// NewLLMErrorWithCause wraps a provider-side failure (including rate limiting).
func NewLLMErrorWithCause(message string, cause error) *AppError {
	return &AppError{Code: CodeLLM, Message: message, Err: cause}
}

// NewToolErrorWithCause wraps a tool-dispatch failure (timeout, non-zero exit,
// unknown tool). Never fatal to the loop.
func NewToolErrorWithCause(message string, cause error) *AppError {
	return &AppError{Code: CodeTool, Message: message, Err: cause}
}

// NewWorkspaceErrorWithCause wraps a fatal workspace-manager failure.
func NewWorkspaceErrorWithCause(message string, cause error) *AppError {
	return &AppError{Code: CodeWorkspace, Message: message, Err: cause}
}

// NewClientProtocolError wraps a malformed or unsupported client request.
func NewClientProtocolError(message string) *AppError {
	return &AppError{Code: CodeClientProtocol, Message: message}
}

func codeIs(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

func IsNotFound(err error) bool          { return codeIs(err, CodeNotFound) }
func IsInvalidInput(err error) bool      { return codeIs(err, CodeInvalidInput) }
func IsInvalidState(err error) bool      { return codeIs(err, CodeInvalidState) }
func IsValidationFailure(err error) bool { return codeIs(err, CodeValidationFailure) }
func IsLLMError(err error) bool          { return codeIs(err, CodeLLM) }
func IsToolError(err error) bool         { return codeIs(err, CodeTool) }
func IsWorkspaceError(err error) bool    { return codeIs(err, CodeWorkspace) }
func IsClientProtocolError(err error) bool {
	return codeIs(err, CodeClientProtocol)
}

// IsFatal reports whether err belongs to one of the two kinds §7 of the
// specification names as fatal to a running loop: workspace and
// persistence/internal errors.
func IsFatal(err error) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	switch appErr.Code {
	case CodeWorkspace, CodeInternal:
		return true
	default:
		return false
	}
}
