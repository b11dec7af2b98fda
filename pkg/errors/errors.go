package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Common sentinel errors for quick checks
var (
	// ErrClosed is returned when an operation is attempted on a stopped bridge or closed pool.
	ErrClosed = errors.New("closed")

	// ErrNotStarted is returned when an operation requires a started bridge.
	ErrNotStarted = errors.New("not started")

	// ErrNotConnected is returned when the subscribe connection is down.
	ErrNotConnected = errors.New("transport not connected")

	// ErrUnregistered is returned when a message type has no descriptor.
	ErrUnregistered = errors.New("message type not registered")

	// ErrInvalidInput is returned when caller input is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("operation timeout")

	// ErrTooManyPending is returned when the waiters for replies or acks
	// are at capacity.
	ErrTooManyPending = errors.New("too many pending waiters")
)

// Error is the base interface for all custom errors in the bridge.
// It extends the standard error interface with additional context.
type Error interface {
	error
	// Code returns the error code
	Code() string
	// Message returns the human-readable error message
	Message() string
	// Unwrap returns the underlying cause
	Unwrap() error
}

// BaseError provides a foundation for all typed errors.
type BaseError struct {
	code    string
	message string
	cause   error
	stack   []uintptr
}

// Error implements the error interface.
func (e *BaseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *BaseError) Code() string {
	return e.code
}

// Message returns the error message.
func (e *BaseError) Message() string {
	return e.message
}

// Unwrap returns the underlying cause.
func (e *BaseError) Unwrap() error {
	return e.cause
}

// Stack returns the captured stack trace.
func (e *BaseError) Stack() []uintptr {
	return e.stack
}

// captureStack captures the current stack trace.
func captureStack(skip int) []uintptr {
	const maxDepth = 32
	stack := make([]uintptr, maxDepth)
	n := runtime.Callers(skip+2, stack)
	return stack[:n]
}

// StackTrace returns a formatted stack trace string.
func (e *BaseError) StackTrace() string {
	if len(e.stack) == 0 {
		return ""
	}

	var buf strings.Builder
	frames := runtime.CallersFrames(e.stack)
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			fmt.Fprintf(&buf, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	return buf.String()
}

func newBase(code, message string, cause error) *BaseError {
	return &BaseError{
		code:    code,
		message: message,
		cause:   cause,
		stack:   captureStack(2),
	}
}

// ValidationError represents an input or configuration validation error.
type ValidationError struct {
	*BaseError
	Field string
	Value interface{}
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		BaseError: newBase(CodeValidation, message, nil),
		Field:     field,
		Value:     value,
	}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.message)
	}
	return fmt.Sprintf("validation error: %s", e.message)
}

// TransportError is a connection-level failure on the subscribe or publish
// side. On the subscribe side it is recovered by reconnect and replay.
type TransportError struct {
	*BaseError
	Operation string
	Channels  []string
}

// NewTransportError creates a new transport error.
func NewTransportError(operation string, cause error, channels ...string) *TransportError {
	message := "transport error"
	if operation != "" {
		message = fmt.Sprintf("transport %s failed", operation)
	}
	return &TransportError{
		BaseError: newBase(CodeTransport, message, cause),
		Operation: operation,
		Channels:  channels,
	}
}

// EncodingError is returned when an outgoing message cannot be serialized.
type EncodingError struct {
	*BaseError
	Type string
}

// NewEncodingError creates a new encoding error.
func NewEncodingError(typeName string, cause error) *EncodingError {
	message := "encode failed"
	if typeName != "" {
		message = fmt.Sprintf("encode %s failed", typeName)
	}
	return &EncodingError{
		BaseError: newBase(CodeEncoding, message, cause),
		Type:      typeName,
	}
}

// DecodingError is reported when an inbound payload cannot be turned back
// into its registered type. The frame is dropped.
type DecodingError struct {
	*BaseError
	Channel string
	Type    string
}

// NewDecodingError creates a new decoding error.
func NewDecodingError(channel, typeName string, cause error) *DecodingError {
	message := fmt.Sprintf("decode frame on %q failed", channel)
	if typeName != "" {
		message = fmt.Sprintf("decode frame on %q as %s failed", channel, typeName)
	}
	return &DecodingError{
		BaseError: newBase(CodeDecoding, message, cause),
		Channel:   channel,
		Type:      typeName,
	}
}

// ChannelConflictError is returned when two descriptors claim one channel
// with different types, or one type claims two channels.
type ChannelConflictError struct {
	*BaseError
	Channel  string
	Existing string
	Incoming string
}

// NewChannelConflictError creates a new channel conflict error.
func NewChannelConflictError(channel, existing, incoming string) *ChannelConflictError {
	return &ChannelConflictError{
		BaseError: newBase(CodeChannelConflict,
			fmt.Sprintf("channel %q already bound to %s, cannot bind %s", channel, existing, incoming), nil),
		Channel:  channel,
		Existing: existing,
		Incoming: incoming,
	}
}

// PoolExhaustedError is returned when no publish connection could be borrowed.
type PoolExhaustedError struct {
	*BaseError
	MaxSize int
	Waited  time.Duration
}

// NewPoolExhaustedError creates a new pool exhausted error.
func NewPoolExhaustedError(maxSize int, waited time.Duration) *PoolExhaustedError {
	message := fmt.Sprintf("connection pool exhausted (max %d)", maxSize)
	if waited > 0 {
		message = fmt.Sprintf("connection pool exhausted (max %d) after %s", maxSize, waited)
	}
	return &PoolExhaustedError{
		BaseError: newBase(CodePoolExhausted, message, nil),
		MaxSize:   maxSize,
		Waited:    waited,
	}
}

// HandlerError wraps a failure (returned error or panic) from one handler
// invocation. It is reported and never propagated.
type HandlerError struct {
	*BaseError
	Channel        string
	SubscriptionID uint64
	Panicked       bool
}

// NewHandlerError creates a new handler error.
func NewHandlerError(channel string, subscriptionID uint64, cause error) *HandlerError {
	return &HandlerError{
		BaseError:      newBase(CodeHandler, fmt.Sprintf("handler %d on %q failed", subscriptionID, channel), cause),
		Channel:        channel,
		SubscriptionID: subscriptionID,
	}
}

// NewHandlerPanic creates a handler error for a recovered panic.
func NewHandlerPanic(channel string, subscriptionID uint64, recovered interface{}) *HandlerError {
	e := &HandlerError{
		BaseError: newBase(CodeHandler,
			fmt.Sprintf("handler %d on %q panicked", subscriptionID, channel),
			fmt.Errorf("%v", recovered)),
		Channel:        channel,
		SubscriptionID: subscriptionID,
		Panicked:       true,
	}
	return e
}

// NoResponseError is returned when a request received no reply in time.
type NoResponseError struct {
	*BaseError
	RequestID string
	Timeout   time.Duration
}

// NewNoResponseError creates a new no response error.
func NewNoResponseError(requestID string, timeout time.Duration) *NoResponseError {
	return &NoResponseError{
		BaseError: newBase(CodeNoResponse, fmt.Sprintf("no response to %s within %s", requestID, timeout), ErrTimeout),
		RequestID: requestID,
		Timeout:   timeout,
	}
}

// NoAckError is returned when no receiver acknowledged a message in time.
type NoAckError struct {
	*BaseError
	MessageID string
	Timeout   time.Duration
}

// NewNoAckError creates a new no ack error.
func NewNoAckError(messageID string, timeout time.Duration) *NoAckError {
	return &NoAckError{
		BaseError: newBase(CodeNoAck, fmt.Sprintf("no ack for %s within %s", messageID, timeout), ErrTimeout),
		MessageID: messageID,
		Timeout:   timeout,
	}
}

// Wrap wraps an error with additional context.
// If the error is already one of our custom types, it preserves the code
// and adds the cause chain. Otherwise, it creates an internal error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	var e Error
	if errors.As(err, &e) {
		return &BaseError{
			code:    e.Code(),
			message: message,
			cause:   err,
			stack:   captureStack(1),
		}
	}

	return &BaseError{
		code:    CodeInternal,
		message: message,
		cause:   err,
		stack:   captureStack(1),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// New creates a new error with a message.
func New(message string) error {
	return &BaseError{
		code:    CodeInternal,
		message: message,
		stack:   captureStack(1),
	}
}

// Newf creates a new error with a formatted message.
func Newf(format string, args ...interface{}) error {
	return New(fmt.Sprintf(format, args...))
}
