package protocol

import (
	"errors"
	"fmt"
)

// Error codes carried by error events.
const (
	CodeInvalidFrame     = "invalid_frame"
	CodeUnknownType      = "unknown_type"
	CodeMissingField     = "missing_field"
	CodeNotAuthenticated = "not_authenticated"
	CodeForbidden        = "forbidden"
	CodeResolutionFailed = "resolution_failed"
	CodeInvalidPayload   = "invalid_payload"
	CodeRateLimited      = "rate_limited"
	CodeInternal         = "internal"
)

// Error is a protocol-level failure reported back to the sender. It never
// closes the connection.
type Error struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	RequestType string `json:"request_type,omitempty"`
}

func (e *Error) Error() string {
	if e.RequestType != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.RequestType, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a protocol error.
func Errorf(code, requestType, format string, args ...any) *Error {
	return &Error{Code: code, RequestType: requestType, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts a protocol error, wrapping anything else as internal.
func AsError(err error, requestType string) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		if perr.RequestType == "" {
			copied := *perr
			copied.RequestType = requestType
			return &copied
		}
		return perr
	}
	return &Error{Code: CodeInternal, RequestType: requestType, Message: err.Error()}
}

// Event converts the error into an outbound error event.
func (e *Error) Event() Event {
	return NewEvent(TypeError, e)
}
