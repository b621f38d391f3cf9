// Package task runs the user-supplied request handler for one stream as
// its own goroutine — the "handler task" — and defines the narrow
// interface it uses to talk back to the connection task. A handler task
// never touches HPACK state, flow-control windows,
// or the stream registry directly; every effect it has on the wire goes
// through ResponseWriter, whose concrete implementation lives in
// internal/h2/conn.
package task

import (
	"context"
	"fmt"
	"io"

	"github.com/coriolis-h2/h2core/internal/h2/hpack"
	"github.com/coriolis-h2/h2core/internal/h2/stream"
)

// ResponseWriter is the connection-task-backed object a handler task calls
// to produce a response. SendData blocks the calling goroutine until the
// connection has either written the bytes or parked them and later
// flushed them: a blocking send suspends the task until the connection
// replies, giving handler tasks natural backpressure without touching
// windows directly.
type ResponseWriter interface {
	SendHeaders(headers []hpack.HeaderField, endStream bool) error
	SendData(data []byte, endStream bool) error
	SendTrailers(trailers []hpack.HeaderField) error
	Push(headers []hpack.HeaderField) error
}

// Handler processes one stream's request. body yields the request's DATA
// payload in wire order and is closed (io.EOF) when END_STREAM arrives or
// the stream is reset. Implementations should treat ctx cancellation
// (RST_STREAM, GOAWAY drain, connection teardown) as a signal to abandon
// work promptly.
type Handler interface {
	ServeHTTP2(ctx context.Context, req *stream.Request, body io.Reader, w ResponseWriter)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, req *stream.Request, body io.Reader, w ResponseWriter)

// ServeHTTP2 calls f.
func (f HandlerFunc) ServeHTTP2(ctx context.Context, req *stream.Request, body io.Reader, w ResponseWriter) {
	f(ctx, req, body, w)
}

// bodySource is satisfied by *stream.Stream; kept as a narrow interface
// so tests can fake it without constructing a whole Stream.
type bodySource interface {
	ReadBody(p []byte) (int, error)
}

// BodyReader adapts a stream's body queue (see stream.Stream.ReadBody) to
// io.Reader for handlers that want ordinary blocking reads. It is itself
// only ever used from the handler task's goroutine — the single reader
// its name promises.
type BodyReader struct {
	src bodySource
}

// NewBodyReader wraps src, typically a *stream.Stream.
func NewBodyReader(src bodySource) *BodyReader {
	return &BodyReader{src: src}
}

// Read implements io.Reader.
func (r *BodyReader) Read(p []byte) (int, error) {
	return r.src.ReadBody(p)
}

// Terminated is the outcome Spawn reports to the connection once the
// handler has returned, via w.Terminate if the ResponseWriter supports it
// (internal/h2/conn's implementation does).
type Terminated interface {
	Terminate(reason error)
}

// Spawn runs handler for one stream on its own goroutine. A panic inside
// the handler is recovered and reported as an INTERNAL_ERROR termination
// rather than crashing the connection: on task failure the stream is RST
// with INTERNAL_ERROR and the connection stays healthy.
func Spawn(ctx context.Context, handler Handler, req *stream.Request, body io.Reader, w ResponseWriter) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if t, ok := w.(Terminated); ok {
					t.Terminate(fmt.Errorf("handler task panic: %v", r))
				}
				return
			}
			if t, ok := w.(Terminated); ok {
				t.Terminate(nil)
			}
		}()
		handler.ServeHTTP2(ctx, req, body, w)
	}()
}
