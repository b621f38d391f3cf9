package conn

import (
	"fmt"

	"golang.org/x/net/http2"

	"github.com/coriolis-h2/h2core/internal/h2/errcode"
	"github.com/coriolis-h2/h2core/internal/h2/flowcontrol"
	"github.com/coriolis-h2/h2core/internal/h2/hpack"
	"github.com/coriolis-h2/h2core/internal/h2/stream"
	"github.com/coriolis-h2/h2core/internal/h2/task"
)

// settingsApplyError carries the error code a single invalid SETTINGS
// entry demands, so handleSettings can report the right GOAWAY code
// instead of defaulting to PROTOCOL_ERROR for everything.
type settingsApplyError struct {
	code errcode.Code
	err  error
}

func (e *settingsApplyError) Error() string { return e.err.Error() }

func (c *Connection) handleSettings(fr *http2.SettingsFrame) *errClassified {
	if fr.IsAck() {
		c.localPending = nil
		return nil
	}

	var windowDelta int32
	var hasWindowDelta bool
	err := fr.ForeachSetting(func(s http2.Setting) error {
		res, code, aerr := c.remote.Apply(s)
		if aerr != nil {
			return &settingsApplyError{code: code, err: aerr}
		}
		if res.HasWindowDelta {
			windowDelta = res.InitialWindowDelta
			hasWindowDelta = true
		}
		return nil
	})
	if err != nil {
		if sae, ok := err.(*settingsApplyError); ok {
			return &errClassified{conn: true, code: sae.code, reason: sae.Error()}
		}
		return &errClassified{conn: true, code: errcode.ProtocolError, reason: err.Error()}
	}

	c.encoder.SetMaxDynamicTableSize(c.remote.HeaderTableSize)

	if hasWindowDelta {
		if werr := c.registry.ApplyInitialWindowDelta(windowDelta); werr != nil {
			return &errClassified{conn: true, code: errcode.FlowControlError, reason: werr.Error()}
		}
	}

	if werr := c.writer.WriteSettingsAck(); werr != nil {
		return &errClassified{conn: true, code: errcode.InternalError, reason: werr.Error()}
	}
	c.countSent("SETTINGS")
	_ = c.writer.Flush()
	return nil
}

func (c *Connection) handleHeaders(fr *http2.HeadersFrame) *errClassified {
	streamID := fr.Header().StreamID
	if streamID == 0 || streamID%2 == 0 {
		return &errClassified{conn: true, code: errcode.ProtocolError, reason: "HEADERS on invalid client stream id"}
	}

	s, existed := c.registry.Get(streamID)
	isTrailer := false
	if !existed {
		if reset, closed := c.registry.WasClosedByReset(streamID); closed {
			return c.closedStreamHeadersError(streamID, reset)
		}
		if c.local.HasMaxConcurrentStreams() && uint32(c.registry.ActiveCount(stream.InitiatorClient)) >= c.local.MaxConcurrentStreams {
			return &errClassified{streamID: streamID, code: errcode.RefusedStream, reason: "MAX_CONCURRENT_STREAMS exceeded"}
		}
		newS, err := c.registry.InsertOrGet(streamID, stream.InitiatorClient, int32(c.remote.InitialWindowSize), int32(c.local.InitialWindowSize))
		if err != nil {
			return &errClassified{conn: true, code: errcode.ProtocolError, reason: err.Error()}
		}
		s = newS
		if pri, has := stream.ParsePriorityFromHeaders(fr); has {
			if pri.StreamDependency == streamID {
				return &errClassified{streamID: streamID, code: errcode.ProtocolError, reason: "stream cannot depend on itself"}
			}
			s.SetPriority(pri)
			_ = stream.UpdateFromFrame(c.registry.Priorities(), streamID, pri.StreamDependency, pri.Weight, pri.Exclusive)
		}
		if err := s.Transition(stream.EventRecvHeaders); err != nil {
			return &errClassified{streamID: streamID, code: errcode.ProtocolError, reason: err.Error()}
		}
		c.markStreamActive(stream.InitiatorClient)
	} else {
		if s.State() == stream.StateClosed {
			return c.closedStreamHeadersError(streamID, s.ClosedByReset)
		}
		if !s.State().CanReceiveHeaders() {
			return &errClassified{streamID: streamID, code: errcode.StreamClosed, reason: "HEADERS on a stream that cannot receive headers"}
		}
		isTrailer = s.HasRequest()
		if isTrailer && !s.ExpectTrailers() {
			return &errClassified{streamID: streamID, code: errcode.ProtocolError, reason: "unexpected second HEADERS block"}
		}
	}

	s.AppendHeaderFragment(fr.HeaderBlockFragment())
	endStream := fr.StreamEnded()

	if !fr.HeadersEnded() {
		c.expectingContinuation = true
		c.continuationStreamID = streamID
		c.continuationIsTrailer = isTrailer
		c.continuationEndStream = endStream
		return nil
	}

	return c.finishHeaderBlock(s, isTrailer, endStream)
}

// closedStreamHeadersError classifies a HEADERS frame arriving for a
// stream that has already closed. A stream this side actively RST_STREAM'd
// gets another stream-scoped RST_STREAM(STREAM_CLOSED); a stream that
// simply completed normally is a connection error (GOAWAY STREAM_CLOSED),
// per RFC 7540 Section 5.1 and h2spec's 5.1/5.1.12 cases.
func (c *Connection) closedStreamHeadersError(streamID uint32, reset bool) *errClassified {
	if reset {
		return &errClassified{streamID: streamID, code: errcode.StreamClosed, reason: "HEADERS on a stream already reset"}
	}
	return &errClassified{conn: true, code: errcode.StreamClosed, reason: "HEADERS on a stream that completed normally"}
}

func (c *Connection) handleContinuation(fr *http2.ContinuationFrame) *errClassified {
	streamID := fr.Header().StreamID
	s, ok := c.registry.Get(streamID)
	if !ok {
		return &errClassified{conn: true, code: errcode.ProtocolError, reason: "CONTINUATION on unknown stream"}
	}

	s.AppendHeaderFragment(fr.HeaderBlockFragment())
	if !fr.HeadersEnded() {
		return nil
	}

	c.expectingContinuation = false
	endStream := c.continuationEndStream
	isTrailer := c.continuationIsTrailer
	c.continuationEndStream = false
	return c.finishHeaderBlock(s, isTrailer, endStream)
}

// finishHeaderBlock decodes and validates a fully assembled header block
// (whether it arrived in a single HEADERS frame or was fragmented across
// CONTINUATION frames) and, for a request block, hands the stream to a
// freshly spawned handler task.
func (c *Connection) finishHeaderBlock(s *stream.Stream, isTrailer, endStream bool) *errClassified {
	block := s.TakeHeaderBlock()
	headers, err := c.decoder.Decode(block)
	if err != nil {
		return &errClassified{conn: true, code: errcode.CompressionError, reason: err.Error()}
	}

	if isTrailer {
		if verr := stream.ValidateTrailerHeaders(headers); verr != nil {
			return &errClassified{streamID: s.ID, code: errcode.ProtocolError, reason: verr.Error()}
		}
		s.Trailers = headers
	} else {
		req, verr := stream.ValidateRequestHeaders(headers)
		if verr != nil {
			return &errClassified{streamID: s.ID, code: errcode.ProtocolError, reason: verr.Error()}
		}
		if n, ok, cerr := stream.ContentLength(headers); cerr != nil {
			return &errClassified{streamID: s.ID, code: errcode.ProtocolError, reason: cerr.Error()}
		} else if ok {
			s.SetContentLength(n)
		}
		s.SetRequest(req)
	}

	if endStream {
		if terr := s.Transition(stream.EventRecvEndStream); terr != nil {
			return &errClassified{streamID: s.ID, code: errcode.ProtocolError, reason: terr.Error()}
		}
		s.MarkEndStreamRecv()
		if cerr := s.CheckFinalContentLength(); cerr != nil {
			return &errClassified{streamID: s.ID, code: errcode.ProtocolError, reason: cerr.Error()}
		}
		// This side may have already half-closed locally (e.g. a response
		// already ended before this request finished arriving), in which
		// case this is the second half of the close and the stream must be
		// evicted now, the same as the send-side completions in
		// SendHeaders/SendData do.
		c.maybeCloseLocked(s)
	}

	if !isTrailer {
		c.spawnHandlerLocked(s)
	}
	return nil
}

func (c *Connection) spawnHandlerLocked(s *stream.Stream) {
	if c.handler == nil {
		return
	}
	sw := &streamWriter{conn: c, streamID: s.ID}
	task.Spawn(s.Context(), c.handler, s.Request, task.NewBodyReader(s), sw)
}

func (c *Connection) handleData(fr *http2.DataFrame) *errClassified {
	streamID := fr.Header().StreamID
	frameLen := int32(fr.Header().Length)
	data := fr.Data()

	if streamID == 0 {
		return &errClassified{conn: true, code: errcode.ProtocolError, reason: "DATA on stream 0"}
	}

	s, ok := c.registry.Get(streamID)
	if !ok {
		if reset, closed := c.registry.WasClosedByReset(streamID); closed {
			c.connRecvWindow.Debit(frameLen)
			return c.closedStreamDataError(streamID, reset)
		}
		return &errClassified{conn: true, code: errcode.ProtocolError, reason: "DATA on idle stream"}
	}
	if s.State() == stream.StateClosed {
		c.connRecvWindow.Debit(frameLen)
		return c.closedStreamDataError(streamID, s.ClosedByReset)
	}
	if !s.State().CanReceiveData() {
		c.connRecvWindow.Debit(frameLen)
		return &errClassified{streamID: streamID, code: errcode.StreamClosed, reason: "DATA on a stream that cannot receive data"}
	}

	c.connRecvWindow.Debit(frameLen)
	s.RecvWindow.Debit(frameLen)

	if len(data) > 0 {
		if aerr := s.AddRecvData(len(data)); aerr != nil {
			return &errClassified{streamID: streamID, code: errcode.ProtocolError, reason: aerr.Error()}
		}
		buf := make([]byte, len(data))
		copy(buf, data)
		s.DeliverData(buf)
	}

	if fr.StreamEnded() {
		if terr := s.Transition(stream.EventRecvEndStream); terr != nil {
			return &errClassified{streamID: streamID, code: errcode.ProtocolError, reason: terr.Error()}
		}
		s.MarkEndStreamRecv()
		if cerr := s.CheckFinalContentLength(); cerr != nil {
			return &errClassified{streamID: streamID, code: errcode.ProtocolError, reason: cerr.Error()}
		}
		c.maybeCloseLocked(s)
	}

	c.maybeSendWindowUpdates(s)
	return nil
}

// closedStreamDataError is handleData's counterpart to
// closedStreamHeadersError: same RST-vs-GOAWAY distinction, applied to a
// DATA frame instead of HEADERS.
func (c *Connection) closedStreamDataError(streamID uint32, reset bool) *errClassified {
	if reset {
		return &errClassified{streamID: streamID, code: errcode.StreamClosed, reason: "DATA on a stream already reset"}
	}
	return &errClassified{conn: true, code: errcode.StreamClosed, reason: "DATA on a stream that completed normally"}
}

// maybeSendWindowUpdates replenishes the connection's and, if still
// active, the stream's receive windows once either has drained below
// half of this side's advertised initial window — the common
// auto-refill heuristic servers in the pack use instead of crediting
// back on every single DATA frame.
func (c *Connection) maybeSendWindowUpdates(s *stream.Stream) {
	target := int32(c.local.InitialWindowSize)
	wrote := false

	if avail := c.connRecvWindow.Available(); avail < target/2 {
		increment := target - avail
		if err := c.connRecvWindow.Credit(uint32(increment)); err == nil {
			_ = c.writer.WriteWindowUpdate(0, uint32(increment))
			c.countSent("WINDOW_UPDATE")
			wrote = true
		}
	}
	if s.State().Active() {
		if avail := s.RecvWindow.Available(); avail < target/2 {
			increment := target - avail
			if err := s.RecvWindow.Credit(uint32(increment)); err == nil {
				_ = c.writer.WriteWindowUpdate(s.ID, uint32(increment))
				c.countSent("WINDOW_UPDATE")
				wrote = true
			}
		}
	}
	if wrote {
		_ = c.writer.Flush()
	}
}

func (c *Connection) handleWindowUpdate(fr *http2.WindowUpdateFrame) *errClassified {
	streamID := fr.Header().StreamID
	increment := fr.Increment

	if increment == 0 {
		if streamID == 0 {
			return &errClassified{conn: true, code: errcode.ProtocolError, reason: "WINDOW_UPDATE with zero increment on the connection"}
		}
		return &errClassified{streamID: streamID, code: errcode.ProtocolError, reason: "WINDOW_UPDATE with zero increment"}
	}

	if streamID == 0 {
		if err := c.connSendWindow.Credit(increment); err != nil {
			return &errClassified{conn: true, code: errcode.FlowControlError, reason: err.Error()}
		}
		c.flushPendingAllLocked()
		return nil
	}

	s, ok := c.registry.Get(streamID)
	if !ok {
		// The stream may have since closed; a WINDOW_UPDATE racing its
		// closure is not an error (RFC 7540 Section 6.9).
		return nil
	}
	if s.State() == stream.StateIdle {
		return &errClassified{conn: true, code: errcode.ProtocolError, reason: "WINDOW_UPDATE on idle stream"}
	}
	if err := s.SendWindow.Credit(increment); err != nil {
		return &errClassified{streamID: streamID, code: errcode.FlowControlError, reason: err.Error()}
	}
	c.flushPendingLocked(s)
	return nil
}

// flushPendingLocked drains s's parked sends against however much window
// is now available, writing DATA frames and unblocking handler tasks
// whose SendData calls parked. It stops the instant the window runs out
// again, leaving the remainder queued for the next credit.
func (c *Connection) flushPendingLocked(s *stream.Stream) {
	wrote := false
	for s.HasPending() {
		p, _ := s.PeekPending()
		allowed := flowcontrol.Allowance(c.connSendWindow, s.SendWindow, c.remote.MaxFrameSize)
		if allowed <= 0 {
			break
		}
		if allowed >= len(p.Data) {
			c.connSendWindow.Debit(int32(len(p.Data)))
			s.SendWindow.Debit(int32(len(p.Data)))
			_ = c.writer.WriteData(s.ID, p.EndStream, p.Data)
			c.countSent("DATA")
			wrote = true
			s.PopPending()
			if p.EndStream {
				_ = s.Transition(stream.EventSendEndStream)
				c.maybeCloseLocked(s)
			}
			if p.Unblock != nil {
				p.Unblock(nil)
			}
		} else {
			chunk := p.Data[:allowed]
			rest := p.Data[allowed:]
			c.connSendWindow.Debit(int32(allowed))
			s.SendWindow.Debit(int32(allowed))
			_ = c.writer.WriteData(s.ID, false, chunk)
			c.countSent("DATA")
			wrote = true
			s.ReplacePendingHead(rest)
			break
		}
	}
	if wrote {
		_ = c.writer.Flush()
	}
}

func (c *Connection) flushPendingAllLocked() {
	c.registry.Range(func(s *stream.Stream) {
		if s.HasPending() {
			c.flushPendingLocked(s)
		}
	})
}

func (c *Connection) handleRSTStream(fr *http2.RSTStreamFrame) *errClassified {
	streamID := fr.Header().StreamID
	if streamID == 0 {
		return &errClassified{conn: true, code: errcode.ProtocolError, reason: "RST_STREAM on stream 0"}
	}
	s, ok := c.registry.Get(streamID)
	if !ok {
		return nil
	}
	if s.State() == stream.StateIdle {
		return &errClassified{conn: true, code: errcode.ProtocolError, reason: "RST_STREAM on idle stream"}
	}
	c.closeStreamLocked(s, true, fmt.Errorf("h2core: RST_STREAM received: %s", errcode.Code(fr.ErrCode)))
	return nil
}

func (c *Connection) handlePriority(fr *http2.PriorityFrame) *errClassified {
	streamID := fr.Header().StreamID
	if streamID == 0 {
		return &errClassified{conn: true, code: errcode.ProtocolError, reason: "PRIORITY on stream 0"}
	}
	p := fr.PriorityParam
	if p.StreamDep == streamID {
		return &errClassified{streamID: streamID, code: errcode.ProtocolError, reason: "stream cannot depend on itself"}
	}
	if s, ok := c.registry.Get(streamID); ok {
		s.SetPriority(stream.Priority{StreamDependency: p.StreamDep, Weight: p.Weight, Exclusive: p.Exclusive})
	}
	if err := stream.UpdateFromFrame(c.registry.Priorities(), streamID, p.StreamDep, p.Weight, p.Exclusive); err != nil {
		return &errClassified{streamID: streamID, code: errcode.ProtocolError, reason: err.Error()}
	}
	return nil
}

func (c *Connection) handlePing(fr *http2.PingFrame) *errClassified {
	if fr.IsAck() {
		return nil
	}
	if err := c.writer.WritePing(true, fr.Data); err != nil {
		return &errClassified{conn: true, code: errcode.InternalError, reason: err.Error()}
	}
	c.countSent("PING")
	_ = c.writer.Flush()
	return nil
}

func (c *Connection) handleGoAway(fr *http2.GoAwayFrame) *errClassified {
	c.goAwayRecv = true
	c.registry.Cutoff(stream.InitiatorServer, fr.LastStreamID)
	return nil
}

// maybeCloseLocked finishes a stream that has just reached StateClosed by
// both directions being ended (as opposed to RST_STREAM, which goes
// through closeStreamLocked): it drops the registry's active-stream
// count and removes the stream entirely, since nothing further will ever
// reference it.
func (c *Connection) maybeCloseLocked(s *stream.Stream) {
	if s.State() != stream.StateClosed {
		return
	}
	c.markStreamInactive(s.Initiator)
	c.registry.Remove(s.ID, false)
}

// SendHeaders HPACK-encodes and writes headers as a response (or
// trailers, or a push's promised headers) on streamID. It is the
// connection-task-side half of task.ResponseWriter, called only through
// streamWriter from a handler task — hence the lock.
func (c *Connection) SendHeaders(streamID uint32, headers []hpack.HeaderField, endStream bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.registry.Get(streamID)
	if !ok || s.State() == stream.StateClosed {
		return fmt.Errorf("h2core: SendHeaders on closed stream %d", streamID)
	}
	if s.State() == stream.StateReservedLocal {
		if err := s.Transition(stream.EventSendHeaders); err != nil {
			return err
		}
	}

	block, err := c.encoder.Encode(headers)
	if err != nil {
		return err
	}
	if err := c.writer.WriteHeaders(streamID, endStream, block, c.remote.MaxFrameSize); err != nil {
		return err
	}
	c.countSent("HEADERS")
	if err := c.writer.Flush(); err != nil {
		return err
	}

	if endStream {
		if err := s.Transition(stream.EventSendEndStream); err != nil {
			return err
		}
		c.maybeCloseLocked(s)
	}
	return nil
}

// SendData writes data on streamID if the current flow-control windows
// allow it immediately, or parks whatever doesn't fit and returns a
// channel the caller blocks on until the connection later flushes it (or
// fails it on stream/connection teardown). sent is true only when the
// entire payload was written without parking any of it.
func (c *Connection) SendData(streamID uint32, data []byte, endStream bool) (sent bool, wait <-chan error, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.registry.Get(streamID)
	if !ok || s.State() == stream.StateClosed {
		return false, nil, fmt.Errorf("h2core: SendData on closed stream %d", streamID)
	}

	if s.HasPending() {
		ch := make(chan error, 1)
		s.EnqueuePending(stream.PendingSend{Data: data, EndStream: endStream, Unblock: func(err error) { ch <- err }})
		return false, ch, nil
	}

	allowed := flowcontrol.Allowance(c.connSendWindow, s.SendWindow, c.remote.MaxFrameSize)
	if allowed >= len(data) {
		c.connSendWindow.Debit(int32(len(data)))
		s.SendWindow.Debit(int32(len(data)))
		if werr := c.writer.WriteData(streamID, endStream, data); werr != nil {
			return false, nil, werr
		}
		c.countSent("DATA")
		_ = c.writer.Flush()
		if endStream {
			if terr := s.Transition(stream.EventSendEndStream); terr != nil {
				return false, nil, terr
			}
			c.maybeCloseLocked(s)
		}
		return true, nil, nil
	}

	chunk := data[:allowed]
	rest := data[allowed:]
	if allowed > 0 {
		c.connSendWindow.Debit(int32(allowed))
		s.SendWindow.Debit(int32(allowed))
		if werr := c.writer.WriteData(streamID, false, chunk); werr != nil {
			return false, nil, werr
		}
		c.countSent("DATA")
		_ = c.writer.Flush()
	}
	ch := make(chan error, 1)
	s.EnqueuePending(stream.PendingSend{Data: rest, EndStream: endStream, Unblock: func(err error) { ch <- err }})
	return false, ch, nil
}

// SendPush reserves a new server-initiated stream, sends PUSH_PROMISE on
// parentStreamID promising it, and returns its id so the caller can
// follow up with SendHeaders/SendData on it exactly as for any other
// stream.
func (c *Connection) SendPush(parentStreamID uint32, headers []hpack.HeaderField) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent, ok := c.registry.Get(parentStreamID)
	if !ok || !parent.State().Active() {
		return 0, fmt.Errorf("h2core: cannot push on stream %d", parentStreamID)
	}
	if !c.remote.EnablePush {
		return 0, fmt.Errorf("h2core: push disabled by peer")
	}

	id := c.nextPushID
	c.nextPushID += 2
	s, err := c.registry.InsertOrGet(id, stream.InitiatorServer, int32(c.remote.InitialWindowSize), int32(c.local.InitialWindowSize))
	if err != nil {
		return 0, err
	}
	s.PushParentID = parentStreamID
	if err := s.Transition(stream.EventSendPushPromise); err != nil {
		return 0, err
	}

	block, err := c.encoder.Encode(headers)
	if err != nil {
		return 0, err
	}
	if err := c.writer.WritePushPromise(parentStreamID, id, true, block); err != nil {
		return 0, err
	}
	c.countSent("PUSH_PROMISE")
	_ = c.writer.Flush()
	c.markStreamActive(stream.InitiatorServer)
	return id, nil
}

// StreamTerminated reports a handler task's outcome. A non-nil reason
// resets the stream with INTERNAL_ERROR; a nil reason on a stream the
// handler never explicitly ended is treated as an implicit zero-length
// END_STREAM DATA frame.
func (c *Connection) StreamTerminated(streamID uint32, reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.registry.Get(streamID)
	if !ok {
		return
	}
	if reason != nil {
		_ = c.writer.WriteRSTStream(streamID, errcode.InternalError)
		c.countSent("RST_STREAM")
		_ = c.writer.Flush()
		c.closeStreamLocked(s, true, reason)
		return
	}
	switch s.State() {
	case stream.StateOpen, stream.StateHalfClosedRemote:
		_ = c.writer.WriteData(streamID, true, nil)
		c.countSent("DATA")
		_ = s.Transition(stream.EventSendEndStream)
		c.maybeCloseLocked(s)
		_ = c.writer.Flush()
	}
}
