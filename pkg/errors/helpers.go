package errors

import "errors"

// IsValidation checks if an error is a validation error.
func IsValidation(err error) bool {
	if err == nil {
		return false
	}

	var validationErr *ValidationError
	return errors.As(err, &validationErr) || errors.Is(err, ErrInvalidInput)
}

// IsTransport checks if an error is a connection-level failure.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}

	var transportErr *TransportError
	return errors.As(err, &transportErr) || errors.Is(err, ErrNotConnected)
}

// IsEncoding checks if an error is an encoding failure.
func IsEncoding(err error) bool {
	if err == nil {
		return false
	}

	var encodingErr *EncodingError
	return errors.As(err, &encodingErr) || errors.Is(err, ErrUnregistered)
}

// IsDecoding checks if an error is a decoding failure.
func IsDecoding(err error) bool {
	if err == nil {
		return false
	}

	var decodingErr *DecodingError
	return errors.As(err, &decodingErr)
}

// IsChannelConflict checks if an error is a registration conflict.
func IsChannelConflict(err error) bool {
	if err == nil {
		return false
	}

	var conflictErr *ChannelConflictError
	return errors.As(err, &conflictErr)
}

// IsPoolExhausted checks if an error indicates pool exhaustion.
func IsPoolExhausted(err error) bool {
	if err == nil {
		return false
	}

	var poolErr *PoolExhaustedError
	return errors.As(err, &poolErr)
}

// IsHandler checks if an error came from a handler invocation.
func IsHandler(err error) bool {
	if err == nil {
		return false
	}

	var handlerErr *HandlerError
	return errors.As(err, &handlerErr)
}

// IsNoResponse checks if an error indicates a missing reply.
func IsNoResponse(err error) bool {
	if err == nil {
		return false
	}

	var noResponseErr *NoResponseError
	return errors.As(err, &noResponseErr)
}

// IsNoAck checks if an error indicates a missing acknowledgement.
func IsNoAck(err error) bool {
	if err == nil {
		return false
	}

	var noAckErr *NoAckError
	return errors.As(err, &noAckErr)
}

// IsTimeout checks if an error indicates a timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTimeout) || IsNoResponse(err) || IsNoAck(err)
}

// ShouldRetry checks if an operation should be retried based on the error.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	if IsTimeout(err) || IsTransport(err) {
		return true
	}

	var customErr Error
	if errors.As(err, &customErr) {
		return IsRetryable(customErr.Code())
	}

	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) string {
	if err == nil {
		return CodeOK
	}

	var customErr Error
	if errors.As(err, &customErr) {
		return customErr.Code()
	}

	switch {
	case IsValidation(err):
		return CodeValidation
	case IsTransport(err):
		return CodeTransport
	case IsEncoding(err):
		return CodeEncoding
	case errors.Is(err, ErrTooManyPending):
		return CodePoolExhausted
	case IsTimeout(err):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

// GetErrorMessage extracts a human-readable message from an error.
func GetErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	var customErr Error
	if errors.As(err, &customErr) {
		return customErr.Message()
	}

	return err.Error()
}

// Cause returns the underlying cause of an error.
// It unwraps the error chain until it finds the root cause.
func Cause(err error) error {
	for {
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		underlying := unwrapper.Unwrap()
		if underlying == nil {
			return err
		}
		err = underlying
	}
}

// Is and As re-export the standard library so callers importing this
// package under the name errors keep both sets of helpers.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }
