package errors

// Standard error values shared across the ingestion pipeline and endpoints.

// Configuration errors
var (
	ErrInvalidConfig = New(CodeInvalidConfig, CategoryConfig, "invalid configuration")
	ErrMissingConfig = New(CodeMissingConfig, CategoryConfig, "missing required configuration")
)

// Pipeline errors
var (
	ErrTransformationFailed  = New(CodeTransformationFailed, CategoryTransformation, "no transformer recognized the payload")
	ErrValidationFailed      = New(CodeValidationFailed, CategoryValidation, "payload failed schema validation")
	ErrFinalValidationFailed = New(CodeFinalValidationFailed, CategoryValidation, "notification failed validation after enrichment")
	ErrInvalidJSON           = New(CodeInvalidJSON, CategoryValidation, "payload is not well-formed JSON")
)

// Security errors
var (
	ErrRateLimitExceeded = New(CodeRateLimitExceeded, CategorySecurity, "rate limit exceeded")
	ErrUnauthorized      = New(CodeUnauthorized, CategorySecurity, "valid API key required")
	ErrForbidden         = New(CodeForbidden, CategorySecurity, "API key lacks required scope")
	ErrIPBlocked         = New(CodeIPBlocked, CategorySecurity, "client address is not allowed")
	ErrPayloadTooLarge   = New(CodePayloadTooLarge, CategorySecurity, "payload exceeds the configured size ceiling")
	ErrSuspiciousPayload = New(CodeSuspiciousPayload, CategorySecurity, "payload matched too many suspicious patterns")
	ErrUnsupportedMedia  = New(CodeUnsupportedMedia, CategorySecurity, "content type is not allowed")
)

// Transport errors
var (
	ErrMessageTooLarge = New(CodeMessageTooLarge, CategoryTransport, "message exceeds the maximum size")
	ErrUnknownType     = New(CodeUnknownType, CategoryTransport, "unknown message type")
	ErrUserNotFound    = New(CodeUserNotFound, CategoryStorage, "referenced user does not exist")
	ErrStorageFailed   = New(CodeStorageFailed, CategoryStorage, "storage operation failed")
	ErrTransportFailed = New(CodeTransportFailed, CategoryTransport, "transport operation failed")
)

// IsValidationError checks if the error is a validation failure of either tier.
func IsValidationError(err error) bool {
	if ie, ok := err.(*IngestError); ok {
		return ie.Category == CategoryValidation
	}
	return false
}

// IsSecurityError checks if the error is a security-perimeter rejection.
func IsSecurityError(err error) bool {
	if ie, ok := err.(*IngestError); ok {
		return ie.Category == CategorySecurity
	}
	return false
}

// IsRateLimitError checks if the error is a rate-limit rejection.
func IsRateLimitError(err error) bool {
	if ie, ok := err.(*IngestError); ok {
		return ie.Code == CodeRateLimitExceeded
	}
	return false
}
