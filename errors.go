package bunker

import (
	"errors"
	"fmt"
)

// ErrorCode classifies why a command did not complete.
type ErrorCode string

const (
	CodeDecrypt           ErrorCode = "decrypt_error"
	CodeParse             ErrorCode = "parse_error"
	CodePolicyDenied      ErrorCode = "policy_denied"
	CodeBudgetExceeded    ErrorCode = "budget_exceeded"
	CodeSigningRejected   ErrorCode = "signing_rejected"
	CodeTransport         ErrorCode = "transport_error"
	CodeRevoked           ErrorCode = "revoked"
	CodeUserDenied        ErrorCode = "user_denied"
	CodeUnsupportedMethod ErrorCode = "unsupported_method"
	CodeExecutionFailed   ErrorCode = "execution_failed"
	CodeInterrupted       ErrorCode = "interrupted"
)

// Error is a protocol-level failure. Two errors match under errors.Is when
// their codes are equal.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Errorf builds an *Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is checks.
var (
	ErrDecrypt           = &Error{Code: CodeDecrypt, Message: "failed to decrypt request"}
	ErrParse             = &Error{Code: CodeParse, Message: "malformed request"}
	ErrPolicyDenied      = &Error{Code: CodePolicyDenied, Message: "permission denied"}
	ErrBudgetExceeded    = &Error{Code: CodeBudgetExceeded, Message: "daily budget exceeded"}
	ErrSigningRejected   = &Error{Code: CodeSigningRejected, Message: "signing rejected"}
	ErrTransport         = &Error{Code: CodeTransport, Message: "relay transport failed"}
	ErrRevoked           = &Error{Code: CodeRevoked, Message: "connection revoked"}
	ErrUserDenied        = &Error{Code: CodeUserDenied, Message: "request denied by user"}
	ErrUnsupportedMethod = &Error{Code: CodeUnsupportedMethod, Message: "unsupported method"}
	ErrExecutionFailed   = &Error{Code: CodeExecutionFailed, Message: "execution failed"}
	ErrInterrupted       = &Error{Code: CodeInterrupted, Message: "request interrupted by restart"}
)

// CodeOf extracts the error code, defaulting to execution_failed.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeExecutionFailed
}

// FromRecord rebuilds the error stored on a record.
func FromRecord(code ErrorCode, message string) error {
	if code == "" {
		return nil
	}
	return &Error{Code: code, Message: message}
}
