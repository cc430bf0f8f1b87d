package core

import (
	"errors"
	"fmt"
)

// Exit codes returned by the CLI.
const (
	ExitOK          = 0
	ExitFailed      = 1
	ExitConfigError = 2 // spec or configuration error, nothing touched the device
)

// ExecutionError represents a structured error with category and details
type ExecutionError struct {
	Category ErrorCategory
	Code     string                 // Machine-readable code: missing_required, device_command, etc.
	Message  string                 // Human-readable message
	Details  map[string]interface{} // Additional context
	Cause    error                  // Underlying error
}

// Error implements the error interface
func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Is matches on category and code so copies made by With* still match
// their sentinel.
func (e *ExecutionError) Is(target error) bool {
	t, ok := target.(*ExecutionError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause
func (e *ExecutionError) WithCause(cause error) *ExecutionError {
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  e.Details,
		Cause:    cause,
	}
}

// WithMessage returns a copy of the error with a custom message
func (e *ExecutionError) WithMessage(msg string) *ExecutionError {
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  msg,
		Details:  e.Details,
		Cause:    e.Cause,
	}
}

// WithDetails returns a copy of the error with additional details
func (e *ExecutionError) WithDetails(details map[string]interface{}) *ExecutionError {
	merged := make(map[string]interface{})
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  merged,
		Cause:    e.Cause,
	}
}

// Predefined errors
var (
	// Config errors
	ErrInvalidSpec = &ExecutionError{
		Category: ErrCategoryConfig,
		Code:     "invalid_spec",
		Message:  "invalid test specification",
	}
	ErrMissingRequired = &ExecutionError{
		Category: ErrCategoryConfig,
		Code:     "missing_required",
		Message:  "missing required field",
	}
	ErrUnknownCommand = &ExecutionError{
		Category: ErrCategoryConfig,
		Code:     "unknown_command",
		Message:  "unknown command",
	}
	ErrUnknownProvider = &ExecutionError{
		Category: ErrCategoryConfig,
		Code:     "unknown_provider",
		Message:  "unknown LLM provider",
	}

	// Device errors
	ErrDeviceCommand = &ExecutionError{
		Category: ErrCategoryDevice,
		Code:     "device_command",
		Message:  "device command failed",
	}
	ErrScreenshot = &ExecutionError{
		Category: ErrCategoryDevice,
		Code:     "screenshot_failed",
		Message:  "failed to take screenshot",
	}
	ErrDeviceDisconnected = &ExecutionError{
		Category: ErrCategoryDevice,
		Code:     "device_disconnected",
		Message:  "device connection lost",
	}
	ErrNoDevice = &ExecutionError{
		Category: ErrCategoryDevice,
		Code:     "no_device",
		Message:  "no ready device available",
	}

	// Backend errors
	ErrBackendRequest = &ExecutionError{
		Category: ErrCategoryBackend,
		Code:     "backend_request",
		Message:  "model request failed",
	}
	ErrBackendResponse = &ExecutionError{
		Category: ErrCategoryBackend,
		Code:     "backend_response",
		Message:  "malformed model response",
	}

	// App errors
	ErrAppNotInstalled = &ExecutionError{
		Category: ErrCategoryApp,
		Code:     "app_not_installed",
		Message:  "application is not installed",
	}
	ErrInstallFailed = &ExecutionError{
		Category: ErrCategoryApp,
		Code:     "install_failed",
		Message:  "failed to install APK",
	}
	ErrInsufficientStorage = &ExecutionError{
		Category: ErrCategoryApp,
		Code:     "insufficient_storage",
		Message:  "not enough space on device to install APK",
	}

	// Timeout errors
	ErrTimeout = &ExecutionError{
		Category: ErrCategoryTimeout,
		Code:     "timeout",
		Message:  "operation timed out",
	}
)

// NewExecutionError creates a new ExecutionError with the given parameters
func NewExecutionError(category ErrorCategory, code, message string) *ExecutionError {
	return &ExecutionError{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// CategoryOf returns the category of the first ExecutionError in the chain.
func CategoryOf(err error) ErrorCategory {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Category
	}
	return ErrCategoryNone
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if CategoryOf(err) == ErrCategoryConfig {
		return ExitConfigError
	}
	return ExitFailed
}
