// Package errcode enumerates HTTP/2 error codes and classifies them as
// connection-scoped or stream-scoped per RFC 7540 Section 7.
package errcode

import "golang.org/x/net/http2"

// Code is an HTTP/2 error code. It is an alias of http2.ErrCode rather than
// a fresh type so values round-trip through the frame codec without
// conversion.
type Code = http2.ErrCode

// The full RFC 7540 Section 7 error code enumeration, re-exported from
// golang.org/x/net/http2 so callers don't need a second import.
const (
	NoError            Code = http2.ErrCodeNo
	ProtocolError      Code = http2.ErrCodeProtocol
	InternalError      Code = http2.ErrCodeInternal
	FlowControlError   Code = http2.ErrCodeFlowControl
	SettingsTimeout    Code = http2.ErrCodeSettingsTimeout
	StreamClosed       Code = http2.ErrCodeStreamClosed
	FrameSizeError     Code = http2.ErrCodeFrameSize
	RefusedStream      Code = http2.ErrCodeRefusedStream
	Cancel             Code = http2.ErrCodeCancel
	CompressionError   Code = http2.ErrCodeCompression
	ConnectError       Code = http2.ErrCodeConnect
	EnhanceYourCalm    Code = http2.ErrCodeEnhanceYourCalm
	InadequateSecurity Code = http2.ErrCodeInadequateSecurity
	HTTP11Required     Code = http2.ErrCodeHTTP11Required
)

// ConnError is a connection-scoped protocol violation: the caller must
// respond with GOAWAY(Code) and close the socket.
type ConnError struct {
	Code   Code
	Reason string
}

func (e *ConnError) Error() string { return "http2: connection error: " + e.Reason }

// StreamError is scoped to a single stream: the caller responds with
// RST_STREAM(Code) and keeps the connection open.
type StreamError struct {
	StreamID uint32
	Code     Code
	Reason   string
}

func (e *StreamError) Error() string { return "http2: stream error: " + e.Reason }

// NewConnError builds a connection error.
func NewConnError(code Code, reason string) *ConnError {
	return &ConnError{Code: code, Reason: reason}
}

// NewStreamError builds a stream error.
func NewStreamError(streamID uint32, code Code, reason string) *StreamError {
	return &StreamError{StreamID: streamID, Code: code, Reason: reason}
}

// IsRetryable reports whether a client may safely retry a request that
// failed with this code (REFUSED_STREAM is explicitly safe-retry per
// RFC 7540 Section 8.1.4).
func IsRetryable(code Code) bool {
	return code == RefusedStream
}
