package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code surfaced to callers.
type ErrorCode string

const (
	// Configuration errors
	CodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	CodeMissingConfig ErrorCode = "MISSING_CONFIG"

	// Transformation and validation errors
	CodeTransformationFailed  ErrorCode = "TRANSFORMATION_FAILED"
	CodeValidationFailed      ErrorCode = "VALIDATION_FAILED"
	CodeFinalValidationFailed ErrorCode = "FINAL_VALIDATION_FAILED"
	CodeInvalidJSON           ErrorCode = "INVALID_JSON"

	// Security errors
	CodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	CodeForbidden         ErrorCode = "FORBIDDEN"
	CodeIPBlocked         ErrorCode = "IP_BLOCKED"
	CodePayloadTooLarge   ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeSuspiciousPayload ErrorCode = "SUSPICIOUS_PAYLOAD"
	CodeUnsupportedMedia  ErrorCode = "UNSUPPORTED_MEDIA_TYPE"

	// WebSocket errors
	CodeMessageTooLarge ErrorCode = "MESSAGE_TOO_LARGE"
	CodeUnknownType     ErrorCode = "UNKNOWN_MESSAGE_TYPE"
	CodeUserNotFound    ErrorCode = "USER_NOT_FOUND"

	// Storage and transport errors
	CodeStorageFailed   ErrorCode = "STORAGE_FAILED"
	CodeTransportFailed ErrorCode = "TRANSPORT_FAILED"
	CodeServerError     ErrorCode = "SERVER_ERROR"
	CodeUnknownError    ErrorCode = "UNKNOWN_ERROR"
)

// ErrorCategory groups error codes by which stage produced them.
type ErrorCategory string

const (
	CategoryConfig         ErrorCategory = "CONFIG"
	CategoryTransformation ErrorCategory = "TRANSFORMATION"
	CategoryValidation     ErrorCategory = "VALIDATION"
	CategorySecurity       ErrorCategory = "SECURITY"
	CategoryStorage        ErrorCategory = "STORAGE"
	CategoryTransport      ErrorCategory = "TRANSPORT"
	CategoryInternal       ErrorCategory = "INTERNAL"
)

// IngestError represents a standardized error with category and code.
// Details carries per-field validation messages or other structured context.
type IngestError struct {
	Code     ErrorCode      `json:"code"`
	Category ErrorCategory  `json:"category"`
	Message  string         `json:"message"`
	Source   string         `json:"source,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Cause    error          `json:"-"`
}

// Error implements the error interface.
func (e *IngestError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("[%s:%s] %s (source: %s)", e.Category, e.Code, e.Message, e.Source)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *IngestError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison by code and category.
func (e *IngestError) Is(target error) bool {
	if t, ok := target.(*IngestError); ok {
		return e.Code == t.Code && e.Category == t.Category
	}
	return false
}

// IsRetryable reports whether the caller may usefully retry the request.
// Transformation, validation and security rejections are terminal.
func (e *IngestError) IsRetryable() bool {
	switch e.Category {
	case CategoryStorage, CategoryTransport, CategoryInternal:
		return true
	default:
		return false
	}
}

// HTTPStatusCode returns the HTTP status an HTTP-facing caller should map to.
func (e *IngestError) HTTPStatusCode() int {
	switch e.Code {
	case CodeValidationFailed, CodeFinalValidationFailed, CodeTransformationFailed,
		CodeInvalidJSON, CodeUnknownType:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden, CodeIPBlocked:
		return http.StatusForbidden
	case CodeUserNotFound:
		return http.StatusNotFound
	case CodePayloadTooLarge, CodeMessageTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeUnsupportedMedia:
		return http.StatusUnsupportedMediaType
	case CodeSuspiciousPayload:
		return http.StatusUnprocessableEntity
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new IngestError.
func New(code ErrorCode, category ErrorCategory, message string) *IngestError {
	return &IngestError{
		Code:     code,
		Category: category,
		Message:  message,
	}
}

// Newf creates a new IngestError with a formatted message.
func Newf(code ErrorCode, category ErrorCategory, format string, args ...any) *IngestError {
	return New(code, category, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an IngestError.
func Wrap(code ErrorCode, category ErrorCategory, message string, cause error) *IngestError {
	return &IngestError{
		Code:     code,
		Category: category,
		Message:  message,
		Cause:    cause,
	}
}

// WithSource returns a copy of the error annotated with the ingestion source.
func (e *IngestError) WithSource(source string) *IngestError {
	clone := *e
	clone.Source = source
	return &clone
}

// WithDetails returns a copy of the error annotated with structured details.
func (e *IngestError) WithDetails(details map[string]any) *IngestError {
	clone := *e
	clone.Details = details
	return &clone
}

// AsIngestError converts any error to an IngestError, wrapping unknown
// errors as internal failures so handlers always have a code to report.
func AsIngestError(err error) *IngestError {
	if err == nil {
		return nil
	}
	if ie, ok := err.(*IngestError); ok {
		return ie
	}
	return Wrap(CodeUnknownError, CategoryInternal, err.Error(), err)
}
