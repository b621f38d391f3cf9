package stream

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/coriolis-h2/h2core/internal/h2/flowcontrol"
	"github.com/coriolis-h2/h2core/internal/h2/hpack"
)

// Initiator records which side assigned a stream's id, since client and
// server ids are drawn from independent monotonic sequences (odd vs even,
// RFC 7540 Section 5.1.1).
type Initiator int

const (
	InitiatorClient Initiator = iota
	InitiatorServer
)

// Priority holds the dependency/weight pair carried by a HEADERS priority
// field or a standalone PRIORITY frame. It is stored but never used to
// reorder scheduling.
type Priority struct {
	StreamDependency uint32
	Weight           uint8
	Exclusive        bool
}

// DefaultWeight is the weight RFC 7540 Section 5.3.2 assigns a stream that
// never received an explicit priority.
const DefaultWeight uint8 = 16

// Request is the fully assembled, validated request-line-equivalent for a
// stream: the pseudo-headers pulled out of the decoded header list plus
// the regular headers in wire order. It exists only once the stream's
// first header block has been decoded through the connection's shared
// HPACK context and passed validation.
type Request struct {
	Method    string
	Scheme    string
	Authority string
	Path      string
	Headers   []hpack.HeaderField
}

// PendingSend is one queued outbound DATA write a handler task asked the
// connection to perform but that did not fully fit under the current flow
// control window. Unblock is invoked by the connection task — never by the
// handler task itself — once the payload has been fully drained or the
// stream/connection is torn down, in which case err is non-nil.
type PendingSend struct {
	Data      []byte
	EndStream bool
	Unblock   func(err error)
}

// Stream is the per-stream state the connection task owns exclusively.
// Nothing here is synchronized internally except the body queue: all
// other fields are mutated only through the owning Connection, whose
// mutex serializes access from the transport goroutine and the handler
// tasks' writer calls alike. ctx/cancel
// and the body queue are the explicit, deliberately narrow channel of
// communication with the stream's handler task.
type Stream struct {
	ID        uint32
	Initiator Initiator

	state State
	pri   Priority

	SendWindow *flowcontrol.Window
	RecvWindow *flowcontrol.Window

	headerBlock []byte
	Request     *Request
	Trailers    []hpack.HeaderField

	gotRequestHeaders bool
	gotEndStreamRecv  bool
	expectTrailers    bool

	contentLength     int64
	haveContentLength bool
	recvDataBytes     int64

	pending       []PendingSend
	ClosedByReset bool

	// PushParentID is a weak reference (lookup only, never ownership) to
	// the stream that caused this one to be reserved via PUSH_PROMISE.
	// Zero means this stream was not server-pushed.
	PushParentID uint32

	// body is the SPSC hand-off to the handler task: the connection task
	// appends received DATA payloads (DeliverData) without ever blocking
	// on the handler's pace, and the handler task drains them (ReadBody),
	// blocking until data arrives or the stream ends. A plain buffered
	// channel would risk stalling the single connection goroutine against
	// a slow handler; a mutex-guarded queue plus condition variable keeps
	// the producer side non-blocking while still giving the consumer a
	// proper wait instead of a busy poll.
	bodyMu     sync.Mutex
	bodyCond   *sync.Cond
	bodyQueue  [][]byte
	bodyClosed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an idle stream with the given initial send/receive window
// sizes, typically the connection's current SETTINGS_INITIAL_WINDOW_SIZE
// for each direction.
func New(id uint32, initiator Initiator, initialSendWindow, initialRecvWindow int32) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		ID:         id,
		Initiator:  initiator,
		state:      StateIdle,
		pri:        Priority{Weight: DefaultWeight},
		SendWindow: flowcontrol.NewWindow(initialSendWindow),
		RecvWindow: flowcontrol.NewWindow(initialRecvWindow),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.bodyCond = sync.NewCond(&s.bodyMu)
	return s
}

// DeliverData hands one DATA payload to the handler task. It never blocks:
// the connection task is the sole producer and must keep servicing other
// streams regardless of how fast the handler drains this one. data is
// retained as-is; callers must pass a copy if the underlying buffer will
// be reused.
func (s *Stream) DeliverData(data []byte) {
	s.bodyMu.Lock()
	if !s.bodyClosed {
		s.bodyQueue = append(s.bodyQueue, data)
		s.bodyCond.Signal()
	}
	s.bodyMu.Unlock()
}

// ReadBody is the handler task's consume side: it blocks until at least
// one byte is available, the stream's body has been closed, or p is
// filled from data already queued.
func (s *Stream) ReadBody(p []byte) (int, error) {
	s.bodyMu.Lock()
	for len(s.bodyQueue) == 0 {
		if s.bodyClosed {
			s.bodyMu.Unlock()
			return 0, io.EOF
		}
		s.bodyCond.Wait()
	}
	chunk := s.bodyQueue[0]
	n := copy(p, chunk)
	if n < len(chunk) {
		s.bodyQueue[0] = chunk[n:]
	} else {
		s.bodyQueue = s.bodyQueue[1:]
	}
	s.bodyMu.Unlock()
	return n, nil
}

// State returns the stream's current state.
func (s *Stream) State() State { return s.state }

// Transition applies ev to the stream's state machine, returning an error
// if ev is not valid from the current state.
func (s *Stream) Transition(ev Event) error {
	next, err := s.state.Next(ev)
	if err != nil {
		return err
	}
	s.state = next
	return nil
}

// Context is the handler task's cancellation signal: canceled by Close
// (RST_STREAM sent or received, a stream error, connection shutdown or
// teardown). A stream that closes normally, by END_STREAM in both
// directions, is removed without Close, so its context is not canceled.
func (s *Stream) Context() context.Context { return s.ctx }

// Priority returns the stream's last-known dependency/weight.
func (s *Stream) Priority() Priority { return s.pri }

// SetPriority records dependency/weight info from a PRIORITY frame or a
// HEADERS priority field. A stream depending on itself is a PROTOCOL_ERROR
// per RFC 7540 Section 5.3.1 and must be rejected by the caller before
// calling SetPriority; this method assumes dep != id already.
func (s *Stream) SetPriority(p Priority) { s.pri = p }

// AppendHeaderFragment accumulates one HEADERS/CONTINUATION fragment. The
// caller (the connection, which owns the single cross-stream continuation
// expectation) decides when END_HEADERS has been seen and calls
// TakeHeaderBlock to retrieve and clear the assembled block.
func (s *Stream) AppendHeaderFragment(b []byte) {
	s.headerBlock = append(s.headerBlock, b...)
}

// TakeHeaderBlock returns the accumulated header block fragments and
// resets the accumulator for the next block (e.g. trailers).
func (s *Stream) TakeHeaderBlock() []byte {
	b := s.headerBlock
	s.headerBlock = nil
	return b
}

// SetRequest records the validated request assembled from the stream's
// first decoded header block.
func (s *Stream) SetRequest(r *Request) {
	s.Request = r
	s.gotRequestHeaders = true
}

// HasRequest reports whether the first header block has been decoded.
func (s *Stream) HasRequest() bool { return s.gotRequestHeaders }

// ExpectTrailers reports whether a second HEADERS block on this stream
// should be parsed as trailers rather than a protocol violation — true
// once a request has been assembled and END_STREAM has not yet arrived.
func (s *Stream) ExpectTrailers() bool {
	return s.gotRequestHeaders && !s.gotEndStreamRecv
}

// MarkEndStreamRecv records that END_STREAM has been observed from the
// peer, either on DATA or on a HEADERS frame (request or trailers), and
// marks the body closed so ReadBody returns io.EOF once whatever is
// already queued has drained.
func (s *Stream) MarkEndStreamRecv() {
	s.gotEndStreamRecv = true
	s.closeBody()
}

func (s *Stream) closeBody() {
	s.bodyMu.Lock()
	s.bodyClosed = true
	s.bodyCond.Broadcast()
	s.bodyMu.Unlock()
}

// EndStreamRecv reports whether END_STREAM has been observed from the peer.
func (s *Stream) EndStreamRecv() bool { return s.gotEndStreamRecv }

// SetContentLength records a parsed content-length header for later
// cross-checking against DATA received.
func (s *Stream) SetContentLength(n int64) {
	s.contentLength = n
	s.haveContentLength = true
}

// AddRecvData records n bytes of DATA payload received and, if a
// content-length was declared, checks it has not been exceeded. The final
// equality check (content-length == total received) happens at
// END_STREAM, via CheckFinalContentLength.
func (s *Stream) AddRecvData(n int) error {
	s.recvDataBytes += int64(n)
	if s.haveContentLength && s.recvDataBytes > s.contentLength {
		return fmt.Errorf("stream %d: received %d bytes, exceeds content-length %d", s.ID, s.recvDataBytes, s.contentLength)
	}
	return nil
}

// CheckFinalContentLength verifies, once END_STREAM has arrived, that the
// total DATA received matches a declared content-length exactly.
func (s *Stream) CheckFinalContentLength() error {
	if s.haveContentLength && s.recvDataBytes != s.contentLength {
		return fmt.Errorf("stream %d: content-length %d does not match received %d bytes", s.ID, s.contentLength, s.recvDataBytes)
	}
	return nil
}

// EnqueuePending appends a parked send to the stream's outbound queue,
// drained by the connection as WINDOW_UPDATEs arrive.
func (s *Stream) EnqueuePending(p PendingSend) {
	s.pending = append(s.pending, p)
}

// HasPending reports whether any sends are parked.
func (s *Stream) HasPending() bool { return len(s.pending) > 0 }

// PeekPending returns the oldest parked send without removing it.
func (s *Stream) PeekPending() (PendingSend, bool) {
	if len(s.pending) == 0 {
		return PendingSend{}, false
	}
	return s.pending[0], true
}

// PopPending removes and returns the oldest parked send.
func (s *Stream) PopPending() (PendingSend, bool) {
	if len(s.pending) == 0 {
		return PendingSend{}, false
	}
	p := s.pending[0]
	s.pending = s.pending[1:]
	return p, true
}

// ReplacePendingHead replaces the oldest parked send's Data in place, used
// when only part of it could be flushed against the current window.
func (s *Stream) ReplacePendingHead(data []byte) {
	if len(s.pending) == 0 {
		return
	}
	s.pending[0].Data = data
}

// FailAllPending unblocks every parked send with err, used on RST_STREAM
// or connection teardown. A connection closing and a peer half-close are
// both treated as "unblock with error, stop writing" — callers don't
// need to distinguish them here.
func (s *Stream) FailAllPending(err error) {
	pending := s.pending
	s.pending = nil
	for _, p := range pending {
		if p.Unblock != nil {
			p.Unblock(err)
		}
	}
}

// Close transitions the stream to closed, fails any parked sends, closes
// the body channel if still open, and cancels the handler task's context.
func (s *Stream) Close(reset bool, err error) {
	if s.state != StateClosed {
		s.state = StateClosed
	}
	if reset {
		s.ClosedByReset = true
	}
	s.FailAllPending(err)
	s.closeBody()
	s.cancel()
}
