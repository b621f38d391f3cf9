// Package tracing wraps a task.Handler with an OpenTelemetry span per
// stream, adapted from an HTTP/1 request/response cycle to one HTTP/2
// stream's lifetime. A span starts when the handler task begins and ends
// when it returns, regardless of how many SendData calls happened in
// between.
package tracing

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/coriolis-h2/h2core/internal/h2/hpack"
	"github.com/coriolis-h2/h2core/internal/h2/stream"
	"github.com/coriolis-h2/h2core/internal/h2/task"
)

// Config configures the tracing middleware. A zero Config is usable:
// TracerName defaults to "h2core" and Propagator to W3C traceparent.
type Config struct {
	TracerName string
	Propagator propagation.TextMapPropagator
}

func (c Config) withDefaults() Config {
	if c.TracerName == "" {
		c.TracerName = "h2core"
	}
	if c.Propagator == nil {
		c.Propagator = propagation.TraceContext{}
	}
	return c
}

// Wrap returns a task.Handler that runs next inside a span named after the
// request's :method and :path, with the parent span context extracted from
// any traceparent/tracestate request headers.
func Wrap(next task.Handler, cfg Config) task.Handler {
	cfg = cfg.withDefaults()
	tracer := otel.Tracer(cfg.TracerName)

	return task.HandlerFunc(func(ctx context.Context, req *stream.Request, body io.Reader, w task.ResponseWriter) {
		carrier := headerCarrier{headers: req.Headers}
		parentCtx := cfg.Propagator.Extract(ctx, carrier)

		spanName := req.Method + " " + req.Path
		spanCtx, span := tracer.Start(parentCtx, spanName, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.target", req.Path),
			attribute.String("http.scheme", req.Scheme),
			attribute.String("http.host", req.Authority),
		)

		sw := &spanWriter{ResponseWriter: w, span: span}
		defer func() {
			if r := recover(); r != nil {
				span.SetStatus(codes.Error, "handler panic")
				panic(r)
			}
		}()
		next.ServeHTTP2(spanCtx, req, body, sw)
		if !sw.hadError {
			span.SetStatus(codes.Ok, "")
		}
	})
}

// headerCarrier adapts a stream.Request's decoded header list to
// propagation.TextMapCarrier for context extraction. It is read-only:
// Set is a no-op since request headers are already fully decoded by the
// time the handler task sees them.
type headerCarrier struct {
	headers []hpack.HeaderField
}

func (hc headerCarrier) Get(key string) string {
	for _, h := range hc.headers {
		if h[0] == key {
			return h[1]
		}
	}
	return ""
}

func (hc headerCarrier) Set(string, string) {}

func (hc headerCarrier) Keys() []string {
	keys := make([]string, len(hc.headers))
	for i, h := range hc.headers {
		keys[i] = h[0]
	}
	return keys
}

// spanWriter records whether any SendData/SendHeaders call returned an
// error, so the wrapping span's final status reflects wire-level failures
// (stream reset mid-response, connection closed) and not just handler
// panics.
type spanWriter struct {
	task.ResponseWriter
	span     trace.Span
	hadError bool
}

func (w *spanWriter) SendHeaders(headers []hpack.HeaderField, endStream bool) error {
	err := w.ResponseWriter.SendHeaders(headers, endStream)
	w.record(err)
	return err
}

func (w *spanWriter) SendData(data []byte, endStream bool) error {
	err := w.ResponseWriter.SendData(data, endStream)
	w.record(err)
	return err
}

func (w *spanWriter) SendTrailers(trailers []hpack.HeaderField) error {
	err := w.ResponseWriter.SendTrailers(trailers)
	w.record(err)
	return err
}

func (w *spanWriter) record(err error) {
	if err != nil && !w.hadError {
		w.hadError = true
		w.span.RecordError(err)
		w.span.SetStatus(codes.Error, err.Error())
	}
}
