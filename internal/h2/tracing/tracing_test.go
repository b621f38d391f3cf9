package tracing

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/coriolis-h2/h2core/internal/h2/hpack"
	"github.com/coriolis-h2/h2core/internal/h2/stream"
	"github.com/coriolis-h2/h2core/internal/h2/task"
)

type fakeWriter struct {
	sendHeadersErr error
	sendDataErr    error
}

func (w *fakeWriter) SendHeaders(headers []hpack.HeaderField, endStream bool) error {
	return w.sendHeadersErr
}
func (w *fakeWriter) SendData(data []byte, endStream bool) error       { return w.sendDataErr }
func (w *fakeWriter) SendTrailers(trailers []hpack.HeaderField) error  { return nil }
func (w *fakeWriter) Push(headers []hpack.HeaderField) error           { return nil }

func TestWrapInvokesNextWithinASpan(t *testing.T) {
	var called bool
	next := task.HandlerFunc(func(ctx context.Context, req *stream.Request, body io.Reader, w task.ResponseWriter) {
		called = true
		_ = w.SendHeaders(nil, false)
	})

	wrapped := Wrap(next, Config{})
	req := &stream.Request{Method: "GET", Path: "/ping", Scheme: "http", Authority: "example.com"}
	w := &fakeWriter{}
	wrapped.ServeHTTP2(context.Background(), req, nil, w)

	if !called {
		t.Fatalf("expected wrapped handler to invoke next")
	}
}

func TestSpanWriterRecordsFirstError(t *testing.T) {
	next := task.HandlerFunc(func(ctx context.Context, req *stream.Request, body io.Reader, w task.ResponseWriter) {
		if err := w.SendHeaders(nil, false); err == nil {
			t.Fatalf("expected SendHeaders to surface the underlying error")
		}
		if sw, ok := w.(*spanWriter); !ok || !sw.hadError {
			t.Fatalf("expected the spanWriter to record the error")
		}
	})

	wrapped := Wrap(next, Config{})
	req := &stream.Request{Method: "GET", Path: "/", Scheme: "http"}
	w := &fakeWriter{sendHeadersErr: errors.New("boom")}
	wrapped.ServeHTTP2(context.Background(), req, nil, w)
}

func TestHeaderCarrierGetAndKeys(t *testing.T) {
	hc := headerCarrier{headers: []hpack.HeaderField{
		{"traceparent", "00-aaaa-bbbb-01"},
		{"x-custom", "v"},
	}}
	if got := hc.Get("traceparent"); got != "00-aaaa-bbbb-01" {
		t.Fatalf("Get(traceparent) = %q", got)
	}
	if got := hc.Get("missing"); got != "" {
		t.Fatalf("Get(missing) = %q, want empty", got)
	}
	keys := hc.Keys()
	if len(keys) != 2 {
		t.Fatalf("Keys() = %v, want 2 entries", keys)
	}
}
