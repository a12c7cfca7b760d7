package dragonflow

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Error codes for specific failure types
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeFlowValidation   = "FLOW_VALIDATION_ERROR"
	ErrCodeToolNotFound     = "TOOL_NOT_FOUND"
	ErrCodeToolResolution   = "TOOL_RESOLUTION_ERROR"
	ErrCodeToolExecution    = "TOOL_EXECUTION_ERROR"
	ErrCodeArgResolution    = "ARGUMENT_RESOLUTION_ERROR"
	ErrCodeLineTimeout      = "LINE_TIMEOUT"
	ErrCodeBatchTimeout     = "BATCH_TIMEOUT"
	ErrCodeCancelled        = "EXECUTION_CANCELLED"
	ErrCodeWorkerCrashed    = "WORKER_CRASHED"
	ErrCodeCache            = "CACHE_ERROR"
	ErrCodeStorage          = "STORAGE_ERROR"
	ErrCodeConfiguration    = "CONFIGURATION_ERROR"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeUpstreamBypassed = "UPSTREAM_BYPASSED"
)

// Error is the coded error type shared by every engine component.
type Error struct {
	Code    string   // A machine-readable error code (e.g., ErrCodeToolNotFound)
	Message string   // A human-readable message
	Stage   string   // The stage where the error occurred (e.g., "resolve", "execute")
	Cause   error    // The underlying error, if any
	Stack   []string // Tool frames captured at failure time, engine frames removed
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error, allowing for error chaining.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, stage, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

// Specific error constructors

func NewValidationError(stage, message string, cause error) *Error {
	return NewError(ErrCodeValidation, stage, message, cause)
}

func NewFlowValidationError(message string, cause error) *Error {
	return NewError(ErrCodeFlowValidation, "load", message, cause)
}

func NewToolNotFoundError(stage, toolName string) *Error {
	return NewError(ErrCodeToolNotFound, stage, fmt.Sprintf("tool '%s' not found", toolName), nil)
}

func NewToolResolutionError(node, artifact string, cause error) *Error {
	return NewError(ErrCodeToolResolution, "resolve", fmt.Sprintf("cannot resolve tool for node '%s': %s", node, artifact), cause)
}

func NewToolExecutionError(stage, toolName string, cause error) *Error {
	return NewError(ErrCodeToolExecution, stage, fmt.Sprintf("execution failed for tool '%s'", toolName), cause)
}

func NewArgResolutionError(stage, node, argName string, cause error) *Error {
	msg := fmt.Sprintf("failed to resolve input '%s' for node '%s'", argName, node)
	return NewError(ErrCodeArgResolution, stage, msg, cause)
}

func NewLineTimeoutError(index int, cause error) *Error {
	return NewError(ErrCodeLineTimeout, "batch", fmt.Sprintf("line %d execution timed out", index), cause)
}

func NewBatchTimeoutError(index int, cause error) *Error {
	return NewError(ErrCodeBatchTimeout, "batch", fmt.Sprintf("line %d stopped: batch timeout reached", index), cause)
}

func NewCancelledError(stage string, cause error) *Error {
	msg := "execution cancelled"
	if cause != nil && cause.Error() != "" && cause.Error() != "context canceled" {
		msg = fmt.Sprintf("execution cancelled: %v", cause)
	}
	return NewError(ErrCodeCancelled, stage, msg, cause)
}

func NewWorkerCrashedError(index int, cause error) *Error {
	return NewError(ErrCodeWorkerCrashed, "batch", fmt.Sprintf("worker exited while executing line %d", index), cause)
}

func NewCacheError(stage, operation string, cause error) *Error {
	return NewError(ErrCodeCache, stage, fmt.Sprintf("cache operation '%s' failed", operation), cause)
}

func NewStorageError(operation string, cause error) *Error {
	return NewError(ErrCodeStorage, "persist", fmt.Sprintf("run storage operation '%s' failed", operation), cause)
}

func NewConfigurationError(message string, cause error) *Error {
	return NewError(ErrCodeConfiguration, "initialization", message, cause)
}

func NewInternalError(stage, message string, cause error) *Error {
	return NewError(ErrCodeInternal, stage, message, cause)
}

// IsEngineError reports whether err (or anything it wraps) is an *Error.
func IsEngineError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// CodeOf returns the code of the outermost *Error in err's chain, or
// ErrCodeInternal when err carries no code.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether any *Error in err's chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// ErrorDetail is the serializable form of an error. It crosses process
// boundaries inside ResultEnvelope and is stored on NodeRunInfo.
type ErrorDetail struct {
	Code    string       `json:"code"`
	Type    string       `json:"type"`
	Message string       `json:"message"`
	Stage   string       `json:"stage,omitempty"`
	Stack   []string     `json:"stack,omitempty"`
	Inner   *ErrorDetail `json:"inner,omitempty"`
}

// FromError converts err into an ErrorDetail. A nil error yields nil.
func FromError(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		d := &ErrorDetail{
			Code:    e.Code,
			Type:    fmt.Sprintf("%T", e),
			Message: e.Message,
			Stage:   e.Stage,
			Stack:   e.Stack,
		}
		if e.Cause != nil {
			d.Inner = FromError(e.Cause)
		}
		return d
	}
	return &ErrorDetail{
		Code:    ErrCodeInternal,
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
}

// Err rebuilds an error from the detail so codes survive the round trip.
func (d *ErrorDetail) Err() error {
	if d == nil {
		return nil
	}
	e := &Error{Code: d.Code, Stage: d.Stage, Message: d.Message, Stack: d.Stack}
	if d.Inner != nil {
		e.Cause = d.Inner.Err()
	}
	return e
}

func (d *ErrorDetail) Error() string {
	if d == nil {
		return ""
	}
	return d.Err().Error()
}

// CaptureStack records the caller's stack, dropping runtime frames and every
// frame that belongs to this module's engine packages.
func CaptureStack(skip int) []string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var out []string
	for {
		f, more := frames.Next()
		if !engineFrame(f.Function) {
			out = append(out, fmt.Sprintf("%s\n\t%s:%d", f.Function, f.File, f.Line))
		}
		if !more {
			break
		}
	}
	return out
}

func engineFrame(fn string) bool {
	if strings.HasPrefix(fn, "runtime.") || strings.HasPrefix(fn, "testing.") {
		return true
	}
	for _, pkg := range []string{"/internal/executor.", "/internal/bridge.", "/internal/batch.", "/internal/retry.", "sourcegraph/conc"} {
		if strings.Contains(fn, pkg) {
			return true
		}
	}
	return false
}
