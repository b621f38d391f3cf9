package stream

import (
	"errors"
	"io"
	"testing"
)

func TestNewStreamStartsIdleWithGivenWindows(t *testing.T) {
	s := New(1, InitiatorClient, 65535, 65535)
	if s.State() != StateIdle {
		t.Fatalf("state = %s, want idle", s.State())
	}
	if s.SendWindow.Size() != 65535 || s.RecvWindow.Size() != 65535 {
		t.Fatalf("unexpected initial windows: send=%d recv=%d", s.SendWindow.Size(), s.RecvWindow.Size())
	}
}

func TestHeaderFragmentAccumulationAndTake(t *testing.T) {
	s := New(1, InitiatorClient, 65535, 65535)
	s.AppendHeaderFragment([]byte{1, 2, 3})
	s.AppendHeaderFragment([]byte{4, 5})
	got := s.TakeHeaderBlock()
	want := []byte{1, 2, 3, 4, 5}
	if string(got) != string(want) {
		t.Fatalf("got % x, want % x", got, want)
	}
	if len(s.TakeHeaderBlock()) != 0 {
		t.Fatalf("expected accumulator to be reset after Take")
	}
}

func TestContentLengthMismatchDetectedAtEndStream(t *testing.T) {
	s := New(1, InitiatorClient, 65535, 65535)
	s.SetContentLength(10)
	if err := s.AddRecvData(6); err != nil {
		t.Fatalf("AddRecvData: %v", err)
	}
	if err := s.CheckFinalContentLength(); err == nil {
		t.Fatalf("expected mismatch error: received 6, declared 10")
	}
	if err := s.AddRecvData(4); err != nil {
		t.Fatalf("AddRecvData: %v", err)
	}
	if err := s.CheckFinalContentLength(); err != nil {
		t.Fatalf("expected match after receiving declared total: %v", err)
	}
}

func TestContentLengthExceededIsErrorImmediately(t *testing.T) {
	s := New(1, InitiatorClient, 65535, 65535)
	s.SetContentLength(5)
	if err := s.AddRecvData(3); err != nil {
		t.Fatalf("AddRecvData: %v", err)
	}
	if err := s.AddRecvData(10); err == nil {
		t.Fatalf("expected error once received bytes exceed declared content-length")
	}
}

func TestPendingQueueFIFOAndFail(t *testing.T) {
	s := New(1, InitiatorClient, 65535, 65535)
	var unblocked []error
	s.EnqueuePending(PendingSend{Data: []byte("a"), Unblock: func(err error) { unblocked = append(unblocked, err) }})
	s.EnqueuePending(PendingSend{Data: []byte("b"), Unblock: func(err error) { unblocked = append(unblocked, err) }})

	if !s.HasPending() {
		t.Fatalf("expected pending sends")
	}
	head, ok := s.PeekPending()
	if !ok || string(head.Data) != "a" {
		t.Fatalf("PeekPending = %+v, %v", head, ok)
	}

	sentinel := errors.New("stream reset")
	s.FailAllPending(sentinel)
	if s.HasPending() {
		t.Fatalf("expected pending queue to be drained after FailAllPending")
	}
	if len(unblocked) != 2 || unblocked[0] != sentinel || unblocked[1] != sentinel {
		t.Fatalf("unblocked = %v", unblocked)
	}
}

func TestCloseClosesBodyAndCancelsContext(t *testing.T) {
	s := New(1, InitiatorClient, 65535, 65535)

	s.Close(true, errors.New("rst"))

	select {
	case <-s.Context().Done():
	default:
		t.Fatalf("expected context to be canceled after Close")
	}
	if _, err := s.ReadBody(make([]byte, 1)); err != io.EOF {
		t.Fatalf("ReadBody after Close = %v, want io.EOF", err)
	}
	if !s.ClosedByReset {
		t.Fatalf("expected ClosedByReset to be set")
	}
}

func TestMarkEndStreamRecvDrainsThenEOF(t *testing.T) {
	s := New(1, InitiatorClient, 65535, 65535)
	s.DeliverData([]byte("hello"))
	s.MarkEndStreamRecv()
	if !s.EndStreamRecv() {
		t.Fatalf("expected EndStreamRecv true")
	}

	buf := make([]byte, 5)
	n, err := s.ReadBody(buf)
	if err != nil || n != 5 || string(buf) != "hello" {
		t.Fatalf("ReadBody = %d, %v, buf=%q", n, err, buf)
	}
	if _, err := s.ReadBody(buf); err != io.EOF {
		t.Fatalf("expected io.EOF once drained, got %v", err)
	}
	// Closing twice (e.g. MarkEndStreamRecv followed by Close) must not panic.
	s.Close(false, nil)
}

func TestExpectTrailersOnlyBetweenRequestAndEndStream(t *testing.T) {
	s := New(1, InitiatorClient, 65535, 65535)
	if s.ExpectTrailers() {
		t.Fatalf("should not expect trailers before a request is assembled")
	}
	s.SetRequest(&Request{Method: "GET"})
	if !s.ExpectTrailers() {
		t.Fatalf("should expect trailers after request, before END_STREAM")
	}
	s.MarkEndStreamRecv()
	if s.ExpectTrailers() {
		t.Fatalf("should not expect trailers after END_STREAM")
	}
}
