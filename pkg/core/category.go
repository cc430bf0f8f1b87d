package core

// ErrorCategory classifies the type of error for reporting and exit codes
type ErrorCategory int

const (
	ErrCategoryNone          ErrorCategory = iota // No error
	ErrCategoryConfig                             // Invalid spec, missing field, unknown command
	ErrCategoryDevice                             // adb command or screenshot failure
	ErrCategoryNormalization                      // Malformed action payload from the model
	ErrCategoryBackend                            // Model endpoint failure or malformed response
	ErrCategoryApp                                // App not installed, install failed
	ErrCategoryTimeout                            // Operation timed out
)

// String returns the string representation of ErrorCategory
func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryNone:
		return "none"
	case ErrCategoryConfig:
		return "config"
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryNormalization:
		return "normalization"
	case ErrCategoryBackend:
		return "backend"
	case ErrCategoryApp:
		return "app"
	case ErrCategoryTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}
