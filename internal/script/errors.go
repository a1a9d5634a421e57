package script

import "fmt"

// ErrorCode classifies compile failures so callers (and the supervisor UI)
// can react without string matching.
type ErrorCode string

const (
	ErrCodeUnknownCommand  ErrorCode = "UNKNOWN_COMMAND"
	ErrCodeMissingArgument ErrorCode = "MISSING_ARGUMENT"
	ErrCodeBadVarsToken    ErrorCode = "BAD_VARS_TOKEN"
	ErrCodeUnresolvedRef   ErrorCode = "UNRESOLVED_SCRIPT"
	ErrCodeCircularInclude ErrorCode = "CIRCULAR_INCLUDE"
	ErrCodeDepthExceeded   ErrorCode = "DEPTH_EXCEEDED"
	ErrCodeBadStatement    ErrorCode = "BAD_STATEMENT"
)

// CompileError is the only error type Compile returns. Compilation is
// all-or-nothing: the first failing statement aborts the whole compile.
type CompileError struct {
	Code    ErrorCode
	Message string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("script: %s", e.Message)
}

func compileErrorf(code ErrorCode, format string, args ...any) *CompileError {
	return &CompileError{Code: code, Message: fmt.Sprintf(format, args...)}
}
