package task

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/coriolis-h2/h2core/internal/h2/hpack"
	"github.com/coriolis-h2/h2core/internal/h2/stream"
)

type fakeWriter struct {
	mu         sync.Mutex
	headers    []hpack.HeaderField
	data       [][]byte
	terminated bool
	reason     error
	done       chan struct{}
}

func newFakeWriter() *fakeWriter { return &fakeWriter{done: make(chan struct{})} }

func (w *fakeWriter) SendHeaders(headers []hpack.HeaderField, endStream bool) error {
	w.mu.Lock()
	w.headers = headers
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) SendData(data []byte, endStream bool) error {
	w.mu.Lock()
	w.data = append(w.data, data)
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) SendTrailers(trailers []hpack.HeaderField) error { return nil }
func (w *fakeWriter) Push(headers []hpack.HeaderField) error          { return nil }

func (w *fakeWriter) Terminate(reason error) {
	w.mu.Lock()
	w.terminated = true
	w.reason = reason
	w.mu.Unlock()
	close(w.done)
}

func TestBodyReaderDeliversChunksThenEOF(t *testing.T) {
	s := stream.New(1, stream.InitiatorClient, 65535, 65535)
	s.DeliverData([]byte("hello "))
	s.DeliverData([]byte("world"))
	s.MarkEndStreamRecv()

	r := NewBodyReader(s)
	buf := make([]byte, 4)
	var got []byte
	for {
		n, err := r.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q, want %q", got, "hello world")
	}
}

func TestSpawnRunsHandlerAndTerminatesCleanly(t *testing.T) {
	w := newFakeWriter()
	handler := HandlerFunc(func(ctx context.Context, req *stream.Request, body io.Reader, rw ResponseWriter) {
		rw.SendHeaders([]hpack.HeaderField{{":status", "200"}}, false)
		rw.SendData([]byte("ok"), true)
	})

	Spawn(context.Background(), handler, &stream.Request{Method: "GET"}, nil, w)

	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatalf("handler did not terminate in time")
	}
	if w.terminated != true || w.reason != nil {
		t.Fatalf("terminated=%v reason=%v, want true, nil", w.terminated, w.reason)
	}
	if len(w.data) != 1 || string(w.data[0]) != "ok" {
		t.Fatalf("data = %v", w.data)
	}
}

func TestSpawnRecoversPanicAsTermination(t *testing.T) {
	w := newFakeWriter()
	handler := HandlerFunc(func(ctx context.Context, req *stream.Request, body io.Reader, rw ResponseWriter) {
		panic("boom")
	})

	Spawn(context.Background(), handler, &stream.Request{}, nil, w)

	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatalf("handler did not terminate in time")
	}
	if !w.terminated || w.reason == nil {
		t.Fatalf("expected a non-nil termination reason after panic")
	}
	if !errors.Is(w.reason, w.reason) { // sanity: reason is comparable to itself
		t.Fatalf("unexpected reason comparison failure")
	}
}
