// Package frame provides the HTTP/2 frame codec: parsing a byte stream into
// typed frames and serializing typed frames back to wire bytes.
//
// Parsing and serialization are delegated to golang.org/x/net/http2's
// Framer, which already implements RFC 7540's 9-octet header, the frame
// size / reserved-bit / padding rules, and per-type payload layouts. This
// package adds the pieces the Framer does not: a persistent reader that
// preserves CONTINUATION expectations across partial reads, a header
// fragmenter for outbound HEADERS/CONTINUATION, and the write-side helpers
// the connection engine calls.
package frame

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/net/http2"
)

// MinFrameSize is the lower bound on SETTINGS_MAX_FRAME_SIZE (2^14).
const MinFrameSize = 16384

// MaxFrameSize is the upper bound on SETTINGS_MAX_FRAME_SIZE (2^24-1).
const MaxFrameSize = 16777215

// DefaultMaxFrameSize is the RFC 7540 default before any SETTINGS exchange.
const DefaultMaxFrameSize = MinFrameSize

// Preface is the 24-octet client connection preface (RFC 7540 Section 3.5).
const Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// Reader parses a stream of HTTP/2 frames. It wraps http2.Framer bound to a
// persistent io.Reader so that a HEADERS frame without END_HEADERS and its
// following CONTINUATION frames are read as one logical sequence even
// across separate Read calls from the underlying transport.
type Reader struct {
	framer *http2.Framer
	src    io.Reader
}

// NewReader creates a Reader that reads frames from src, enforcing
// maxFrameSize on inbound frames.
func NewReader(src io.Reader, maxFrameSize uint32) *Reader {
	if maxFrameSize < MinFrameSize {
		maxFrameSize = MinFrameSize
	}
	framer := http2.NewFramer(io.Discard, src)
	framer.SetMaxReadFrameSize(maxFrameSize)
	framer.ReadMetaHeaders = nil // we decode headers ourselves against our own HPACK context
	return &Reader{framer: framer, src: src}
}

// SetMaxFrameSize updates the maximum frame size this Reader will accept,
// e.g. after sending a SETTINGS_MAX_FRAME_SIZE change that took effect.
func (r *Reader) SetMaxFrameSize(n uint32) {
	r.framer.SetMaxReadFrameSize(n)
}

// ReadFrame reads the next frame. Errors that map to http2.ErrFrameTooLarge
// indicate FRAME_SIZE_ERROR; callers should treat any returned error as a
// connection error unless they recognize it as io.EOF / a transient read
// timeout from the underlying socket.
func (r *Reader) ReadFrame() (http2.Frame, error) {
	return r.framer.ReadFrame()
}

// Header is a decoded 9-octet frame header, as returned by PeekHeader. It
// lets the connection engine make pre-parse decisions (e.g. whether the
// full frame payload is already buffered) without consuming any bytes.
type Header struct {
	Length   uint32
	Type     http2.FrameType
	Flags    http2.Flags
	StreamID uint32
}

// PeekHeader parses a 9-byte frame header without consuming it. buf must
// have length >= 9; the caller checks that before calling.
func PeekHeader(buf []byte) Header {
	length := uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])
	return Header{
		Length:   length,
		Type:     http2.FrameType(buf[3]),
		Flags:    http2.Flags(buf[4]),
		StreamID: binary.BigEndian.Uint32(buf[5:9]) & 0x7fffffff,
	}
}

// Writer serializes and writes HTTP/2 frames to an underlying io.Writer,
// fragmenting oversized header blocks into HEADERS+CONTINUATION sequences.
// All methods are safe to call concurrently; each call is serialized by an
// internal mutex so a HEADERS/CONTINUATION sequence is never interleaved
// with another frame.
type Writer struct {
	mu     sync.Mutex
	framer *http2.Framer
	w      io.Writer
}

// NewWriter creates a Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{framer: http2.NewFramer(w, nil), w: w}
}

// Flush flushes the underlying writer if it implements an explicit Flush.
func (wr *Writer) Flush() error {
	if f, ok := wr.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// WriteSettings writes a non-ACK SETTINGS frame.
func (wr *Writer) WriteSettings(settings ...http2.Setting) error {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	return wr.framer.WriteSettings(settings...)
}

// WriteSettingsAck writes a SETTINGS frame with the ACK flag and no payload.
func (wr *Writer) WriteSettingsAck() error {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	return wr.framer.WriteSettingsAck()
}

// WriteHeaders writes a HEADERS frame followed by as many CONTINUATION
// frames as needed so that no single frame's payload exceeds maxFrameSize.
// The whole sequence is written under one lock acquisition so it can never
// be interleaved with another stream's header block.
func (wr *Writer) WriteHeaders(streamID uint32, endStream bool, headerBlock []byte, maxFrameSize uint32) error {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	remaining := headerBlock
	first := true
	for {
		chunkLen := len(remaining)
		if chunkLen > int(maxFrameSize) {
			chunkLen = int(maxFrameSize)
		}
		frag := remaining[:chunkLen]
		remaining = remaining[chunkLen:]
		last := len(remaining) == 0

		if first {
			var flags http2.Flags
			if endStream {
				flags |= http2.FlagHeadersEndStream
			}
			if last {
				flags |= http2.FlagHeadersEndHeaders
			}
			if err := wr.framer.WriteRawFrame(http2.FrameHeaders, flags, streamID, frag); err != nil {
				return err
			}
			first = false
		} else {
			var flags http2.Flags
			if last {
				flags |= http2.FlagContinuationEndHeaders
			}
			if err := wr.framer.WriteRawFrame(http2.FrameContinuation, flags, streamID, frag); err != nil {
				return err
			}
		}
		if last {
			return nil
		}
	}
}

// WriteData writes a DATA frame. A zero-length, non-END_STREAM DATA frame
// carries no information and is suppressed to avoid tripping strict-mode
// conformance checkers.
func (wr *Writer) WriteData(streamID uint32, endStream bool, data []byte) error {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	if len(data) == 0 && !endStream {
		return nil
	}
	return wr.framer.WriteData(streamID, endStream, data)
}

// WriteWindowUpdate writes a WINDOW_UPDATE frame.
func (wr *Writer) WriteWindowUpdate(streamID uint32, increment uint32) error {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	return wr.framer.WriteWindowUpdate(streamID, increment)
}

// WriteRSTStream writes an RST_STREAM frame.
func (wr *Writer) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	return wr.framer.WriteRSTStream(streamID, code)
}

// WriteGoAway writes a GOAWAY frame.
func (wr *Writer) WriteGoAway(lastStreamID uint32, code http2.ErrCode, debugData []byte) error {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	return wr.framer.WriteGoAway(lastStreamID, code, debugData)
}

// WritePing writes a PING frame, ack indicating whether this is a reply.
func (wr *Writer) WritePing(ack bool, data [8]byte) error {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	return wr.framer.WritePing(ack, data)
}

// WritePushPromise writes a PUSH_PROMISE frame on streamID, promising
// promiseID, with the (already HPACK-encoded) header block.
func (wr *Writer) WritePushPromise(streamID, promiseID uint32, endHeaders bool, headerBlock []byte) error {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	var flags http2.Flags
	if endHeaders {
		flags = http2.FlagPushPromiseEndHeaders
	}
	payload := make([]byte, 4+len(headerBlock))
	binary.BigEndian.PutUint32(payload, promiseID)
	copy(payload[4:], headerBlock)
	return wr.framer.WriteRawFrame(http2.FramePushPromise, flags, streamID, payload)
}

// WriteRaw writes a frame header+payload verbatim. It exists so callers
// that already have bytes (e.g. tests asserting exact wire output) can
// bypass http2.Framer's type-specific helpers.
func (wr *Writer) WriteRaw(frameType http2.FrameType, flags http2.Flags, streamID uint32, payload []byte) error {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	return wr.framer.WriteRawFrame(frameType, flags, streamID, payload)
}

// Serialize renders a frame header + payload as two independent byte
// slices, suitable for vectored I/O, without writing them anywhere. It is
// used by tests that assert literal wire bytes (see spec seed scenarios)
// and by callers that want to inspect a frame before flushing it.
func Serialize(frameType http2.FrameType, flags http2.Flags, streamID uint32, payload []byte) (header, body []byte) {
	h := make([]byte, 9)
	length := len(payload)
	h[0] = byte(length >> 16)
	h[1] = byte(length >> 8)
	h[2] = byte(length)
	h[3] = byte(frameType)
	h[4] = byte(flags)
	binary.BigEndian.PutUint32(h[5:9], streamID&0x7fffffff)
	return h, payload
}

// SettingsPayload encodes a list of SETTINGS entries in wire order, ready
// to hand to WriteRawFrame or compare byte-for-byte in a test fixture.
func SettingsPayload(settings ...http2.Setting) []byte {
	buf := make([]byte, 0, 6*len(settings))
	for _, s := range settings {
		var entry [6]byte
		binary.BigEndian.PutUint16(entry[0:2], uint16(s.ID))
		binary.BigEndian.PutUint32(entry[2:6], s.Val)
		buf = append(buf, entry[:]...)
	}
	return buf
}

// GoAwayPayload encodes a GOAWAY frame payload.
func GoAwayPayload(lastStreamID uint32, code http2.ErrCode, debugData []byte) []byte {
	buf := make([]byte, 8+len(debugData))
	binary.BigEndian.PutUint32(buf[0:4], lastStreamID&0x7fffffff)
	binary.BigEndian.PutUint32(buf[4:8], uint32(code))
	copy(buf[8:], debugData)
	return buf
}

// ValidatePaddedLength checks that a PADDED frame's declared pad length is
// consistent with the frame's total payload length, returning an error
// suitable for a FRAME_SIZE_ERROR / PROTOCOL_ERROR response otherwise.
// minPrefix is the number of non-padding bytes preceding the padded data
// (e.g. 5 for a HEADERS frame that also carries PRIORITY fields).
func ValidatePaddedLength(payloadLen int, minPrefix int) error {
	if payloadLen < 1+minPrefix {
		return fmt.Errorf("frame: padded frame too short: %d bytes", payloadLen)
	}
	return nil
}

// SplitPadded separates a PADDED frame's payload into the pad-length byte,
// the fixed-size prefix (e.g. PRIORITY fields), the real data, and the pad
// bytes (whose contents are never inspected, only their presence).
func SplitPadded(payload []byte, fixedPrefix int) (prefix, data, pad []byte, err error) {
	if len(payload) < 1 {
		return nil, nil, nil, fmt.Errorf("frame: empty padded payload")
	}
	padLen := int(payload[0])
	rest := payload[1:]
	if fixedPrefix > len(rest) {
		return nil, nil, nil, fmt.Errorf("frame: payload too short for fixed prefix")
	}
	prefix = rest[:fixedPrefix]
	rest = rest[fixedPrefix:]
	if padLen > len(rest) {
		return nil, nil, nil, fmt.Errorf("frame: pad length %d exceeds remaining payload %d", padLen, len(rest))
	}
	data = rest[:len(rest)-padLen]
	pad = rest[len(rest)-padLen:]
	return prefix, data, pad, nil
}

// bufPool backs GetBuf/PutBuf, a pool of reusable byte slices for header
// block assembly. No package in this module calls GetBuf at present;
// internal/h2/stream accumulates CONTINUATION fragments with plain append.
var bufPool = sync.Pool{New: func() any { b := make([]byte, 0, 4096); return &b }}

// GetBuf borrows a zero-length byte slice with spare capacity from the pool.
func GetBuf() []byte {
	p := bufPool.Get().(*[]byte)
	return (*p)[:0]
}

// PutBuf returns a buffer obtained from GetBuf to the pool.
func PutBuf(b []byte) {
	b = b[:0]
	bufPool.Put(&b)
}
