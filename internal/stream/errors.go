package stream

import "fmt"

// ErrorCode classifies the outcome of stream operations and the reason a
// stream was closed. Code 0 always means success / graceful close.
type ErrorCode int32

const (
	// ErrCodeOK (0): success, or graceful close.
	ErrCodeOK ErrorCode = 0
	// ErrCodeWouldBlock (1): the send window is full; retry after the peer
	// consumes data. Never closes the stream.
	ErrCodeWouldBlock ErrorCode = 1
	// ErrCodeInvalid (2): bad handle, not connected, or misuse of the API.
	ErrCodeInvalid ErrorCode = 2
	// ErrCodeNotWritable (3): the remote side has no handler and refuses
	// data.
	ErrCodeNotWritable ErrorCode = 3
	// ErrCodeConnReset (4): the peer reset the stream or the transport
	// failed. The stream closes abnormally.
	ErrCodeConnReset ErrorCode = 4
	// ErrCodeTimedOut (5): a waiter's deadline fired. The stream is
	// unaffected.
	ErrCodeTimedOut ErrorCode = 5
	// ErrCodeProtocol (6): malformed inbound data: a rejected or unhandled
	// RPC response on the one-shot path, a malformed FEEDBACK frame, or an
	// unknown frame type.
	ErrCodeProtocol ErrorCode = 6
	// ErrCodeInternal (7): queue-submit or id-allocation failure.
	ErrCodeInternal ErrorCode = 7
)

// String returns the string representation of the ErrorCode.
func (e ErrorCode) String() string {
	switch e {
	case ErrCodeOK:
		return "OK"
	case ErrCodeWouldBlock:
		return "WOULD_BLOCK"
	case ErrCodeInvalid:
		return "INVALID"
	case ErrCodeNotWritable:
		return "NOT_WRITABLE"
	case ErrCodeConnReset:
		return "CONN_RESET"
	case ErrCodeTimedOut:
		return "TIMED_OUT"
	case ErrCodeProtocol:
		return "PROTOCOL_ERROR"
	case ErrCodeInternal:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN_ERROR_CODE_%d", int32(e))
	}
}

// StreamError is the error type returned by the stream API. It carries the
// id of the stream the operation targeted and a classifying code.
type StreamError struct {
	ID    StreamId
	Code  ErrorCode
	Msg   string
	Cause error // Optional underlying cause
}

// Error returns a string representation of the StreamError.
func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stream error on stream %d: %s (code %s, %d): %s", e.ID, e.Msg, e.Code.String(), e.Code, e.Cause)
	}
	return fmt.Sprintf("stream error on stream %d: %s (code %s, %d)", e.ID, e.Msg, e.Code.String(), e.Code)
}

// Unwrap returns the underlying cause of the error, if any.
func (e *StreamError) Unwrap() error {
	return e.Cause
}

// NewStreamError creates a new StreamError.
func NewStreamError(id StreamId, code ErrorCode, msg string) *StreamError {
	return &StreamError{ID: id, Code: code, Msg: msg}
}

// NewStreamErrorWithCause creates a new StreamError with an underlying cause.
func NewStreamErrorWithCause(id StreamId, code ErrorCode, msg string, cause error) *StreamError {
	return &StreamError{ID: id, Code: code, Msg: msg, Cause: cause}
}

// CodeOf extracts the ErrorCode from an error returned by this package.
// A nil error maps to ErrCodeOK; a foreign error maps to ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	if se, ok := err.(*StreamError); ok {
		return se.Code
	}
	return ErrCodeInternal
}
