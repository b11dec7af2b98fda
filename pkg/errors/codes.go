package errors

// Error codes for categorizing errors.
const (
	// CodeOK indicates success (not an error).
	CodeOK = "OK"

	// CodeInternal indicates internal errors.
	CodeInternal = "INTERNAL"

	// CodeValidation indicates input or configuration validation failed.
	CodeValidation = "VALIDATION_ERROR"

	// CodeTimeout indicates an operation timed out.
	CodeTimeout = "TIMEOUT"

	// Bridge error codes

	// CodeTransport indicates a connection-level failure.
	CodeTransport = "TRANSPORT_ERROR"

	// CodeEncoding indicates an outgoing message could not be serialized.
	CodeEncoding = "ENCODING_ERROR"

	// CodeDecoding indicates an inbound payload could not be deserialized.
	CodeDecoding = "DECODING_ERROR"

	// CodeChannelConflict indicates a conflicting descriptor registration.
	CodeChannelConflict = "CHANNEL_CONFLICT"

	// CodePoolExhausted indicates no publish connection was available.
	CodePoolExhausted = "POOL_EXHAUSTED"

	// CodeHandler indicates a handler invocation failed.
	CodeHandler = "HANDLER_ERROR"

	// CodeNoResponse indicates a request got no reply before its deadline.
	CodeNoResponse = "NO_RESPONSE"

	// CodeNoAck indicates a published message was not acknowledged in time.
	CodeNoAck = "NO_ACK"
)

// ErrorCategory represents a high-level error category.
type ErrorCategory string

const (
	// CategoryCaller indicates the error came from caller input and is
	// surfaced synchronously.
	CategoryCaller ErrorCategory = "CALLER_ERROR"

	// CategoryContained indicates the error originated below the dispatcher
	// and is converted to observability signals.
	CategoryContained ErrorCategory = "CONTAINED_ERROR"

	// CategoryTimeout indicates a timeout error.
	CategoryTimeout ErrorCategory = "TIMEOUT_ERROR"

	// CategoryInternal indicates anything else.
	CategoryInternal ErrorCategory = "INTERNAL_ERROR"
)

// GetCategory returns the category for an error code.
func GetCategory(code string) ErrorCategory {
	switch code {
	case CodeValidation, CodeChannelConflict, CodePoolExhausted, CodeEncoding:
		return CategoryCaller

	case CodeTransport, CodeDecoding, CodeHandler:
		return CategoryContained

	case CodeTimeout, CodeNoResponse, CodeNoAck:
		return CategoryTimeout

	default:
		return CategoryInternal
	}
}

// IsRetryable returns true if an error with the given code should be retried.
func IsRetryable(code string) bool {
	switch code {
	case CodeTimeout, CodeTransport, CodePoolExhausted, CodeNoResponse, CodeNoAck:
		return true
	default:
		return false
	}
}
