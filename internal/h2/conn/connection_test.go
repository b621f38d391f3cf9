package conn

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"golang.org/x/net/http2"
	xhpack "golang.org/x/net/http2/hpack"

	"github.com/coriolis-h2/h2core/internal/h2/errcode"
	"github.com/coriolis-h2/h2core/internal/h2/hpack"
	"github.com/coriolis-h2/h2core/internal/h2/metrics"
	"github.com/coriolis-h2/h2core/internal/h2/stream"
	"github.com/coriolis-h2/h2core/internal/h2/task"
)

func frameFromWire(t *testing.T, b []byte) http2.Frame {
	t.Helper()
	fr, err := http2.NewFramer(io.Discard, bytes.NewReader(b)).ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	return fr
}

func encodeHeaders(t *testing.T, fields ...[2]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := xhpack.NewEncoder(&buf)
	for _, f := range fields {
		if err := enc.WriteField(xhpack.HeaderField{Name: f[0], Value: f[1]}); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	return buf.Bytes()
}

func settingsFrameBytes(t *testing.T, ack bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	fr := http2.NewFramer(&buf, nil)
	if ack {
		if err := fr.WriteSettingsAck(); err != nil {
			t.Fatalf("WriteSettingsAck: %v", err)
		}
	} else if err := fr.WriteSettings(); err != nil {
		t.Fatalf("WriteSettings: %v", err)
	}
	return buf.Bytes()
}

func headersFrameBytes(t *testing.T, streamID uint32, endStream bool, block []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	fr := http2.NewFramer(&buf, nil)
	if err := fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: block,
		EndHeaders:    true,
		EndStream:     endStream,
	}); err != nil {
		t.Fatalf("WriteHeaders: %v", err)
	}
	return buf.Bytes()
}

func echoHandler(gotReq chan<- *stream.Request) task.Handler {
	return task.HandlerFunc(func(ctx context.Context, req *stream.Request, body io.Reader, w task.ResponseWriter) {
		gotReq <- req
		_ = w.SendHeaders([]hpack.HeaderField{{":status", "200"}}, false)
		_ = w.SendData([]byte("hi"), true)
	})
}

func TestInitSendsSettingsAndCountsFramesSent(t *testing.T) {
	var out bytes.Buffer
	reg := prometheus.NewRegistry()
	mtr := metrics.New(reg)
	c := NewConnection(Config{Metrics: mtr}, &out)

	if err := c.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if out.Len() == 0 {
		t.Fatalf("expected Init to write bytes")
	}

	fr := frameFromWire(t, out.Bytes())
	if _, ok := fr.(*http2.SettingsFrame); !ok {
		t.Fatalf("first frame written = %T, want *http2.SettingsFrame", fr)
	}

	if got := counterVecValue(t, mtr.FramesSent, "SETTINGS"); got != 1 {
		t.Fatalf("FramesSent{SETTINGS} = %v, want 1", got)
	}
}

func TestHandleFrameRejectsNonSettingsFirst(t *testing.T) {
	var out bytes.Buffer
	c := NewConnection(Config{}, &out)

	ping := frameFromWire(t, func() []byte {
		var buf bytes.Buffer
		fr := http2.NewFramer(&buf, nil)
		if err := fr.WritePing(false, [8]byte{}); err != nil {
			t.Fatalf("WritePing: %v", err)
		}
		return buf.Bytes()
	}())

	if err := c.HandleFrame(ping); err == nil {
		t.Fatalf("expected connection error for non-SETTINGS first frame")
	}
	if !c.closed {
		t.Fatalf("expected connection to be closed after protocol violation")
	}
}

func TestHandleFrameSettingsAckClearsPending(t *testing.T) {
	var out bytes.Buffer
	c := NewConnection(Config{}, &out)
	if err := c.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if c.localPending == nil {
		t.Fatalf("expected localPending to be set after Init")
	}

	ack := frameFromWire(t, settingsFrameBytes(t, true))
	if err := c.HandleFrame(ack); err != nil {
		t.Fatalf("HandleFrame(ack): %v", err)
	}
	if c.localPending != nil {
		t.Fatalf("expected localPending cleared after SETTINGS ACK")
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	var out bytes.Buffer
	reg := prometheus.NewRegistry()
	mtr := metrics.New(reg)

	gotReq := make(chan *stream.Request, 1)
	c := NewConnection(Config{Metrics: mtr, Handler: echoHandler(gotReq)}, &out)

	settings := frameFromWire(t, settingsFrameBytes(t, false))
	if err := c.HandleFrame(settings); err != nil {
		t.Fatalf("HandleFrame(settings): %v", err)
	}

	block := encodeHeaders(t,
		[2]string{":method", "GET"},
		[2]string{":scheme", "http"},
		[2]string{":path", "/"},
		[2]string{":authority", "example.com"},
	)
	headers := frameFromWire(t, headersFrameBytes(t, 1, true, block))
	if err := c.HandleFrame(headers); err != nil {
		t.Fatalf("HandleFrame(headers): %v", err)
	}

	select {
	case req := <-gotReq:
		if req.Method != "GET" || req.Path != "/" {
			t.Fatalf("unexpected request: %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler was not invoked within timeout")
	}

	if got := counterVecValue(t, mtr.StreamsOpened, "client"); got != 1 {
		t.Fatalf("StreamsOpened{client} = %v, want 1", got)
	}
}

func TestShutdownSendsGoAwayOnce(t *testing.T) {
	var out bytes.Buffer
	c := NewConnection(Config{}, &out)

	if err := c.Shutdown(errcode.NoError, "bye"); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	first := out.Len()
	if err := c.Shutdown(errcode.NoError, "bye again"); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if out.Len() != first {
		t.Fatalf("expected second Shutdown to be a no-op, wrote %d more bytes", out.Len()-first)
	}

	fr := frameFromWire(t, out.Bytes())
	if _, ok := fr.(*http2.GoAwayFrame); !ok {
		t.Fatalf("first frame written = %T, want *http2.GoAwayFrame", fr)
	}
	if !c.closed {
		t.Fatalf("expected connection closed after Shutdown")
	}
}

func counterVecValue(t *testing.T, cv *prometheus.CounterVec, label string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := cv.WithLabelValues(label).Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
