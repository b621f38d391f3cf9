// Package conn implements the HTTP/2 connection task: the single owner of
// a connection's settings, HPACK contexts, flow-control windows, and
// stream registry. Everything here is designed to run behind one
// transport-driven goroutine per connection (see internal/h2/transport)
// while still being safely callable from the per-stream handler-task
// goroutines in internal/h2/task — the connection's own mutex is the
// practical Go realization of a single-owner model: there is no second
// owner to race with, only a gate the handler tasks queue behind when
// they reach into shared state.
package conn

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/coriolis-h2/h2core/internal/h2/errcode"
	"github.com/coriolis-h2/h2core/internal/h2/flowcontrol"
	"github.com/coriolis-h2/h2core/internal/h2/frame"
	"github.com/coriolis-h2/h2core/internal/h2/hpack"
	"github.com/coriolis-h2/h2core/internal/h2/metrics"
	"github.com/coriolis-h2/h2core/internal/h2/stream"
	"github.com/coriolis-h2/h2core/internal/h2/task"
)

// DefaultMaxConcurrentStreams bounds inbound streams when Config doesn't
// set one.
const DefaultMaxConcurrentStreams = 100

// DefaultPrefaceTimeout bounds how long the connection will wait for the
// client connection preface before giving up.
const DefaultPrefaceTimeout = 10 * time.Second

// Config configures a Connection. Zero-value fields are replaced with
// defaults by NewConnection: the RFC 7540 values for window, frame and
// header table sizes, DefaultMaxConcurrentStreams, DefaultPrefaceTimeout,
// and log.Default() for Logger.
type Config struct {
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	HeaderTableSize      uint32
	PrefaceTimeout       time.Duration
	Logger               *log.Logger
	Metrics              *metrics.Metrics
	Handler              task.Handler
}

// Connection owns all connection-scoped HTTP/2 state for one socket.
type Connection struct {
	mu sync.Mutex

	cfg Config

	local  Settings
	remote Settings

	localPending    *Settings // non-nil between sending local SETTINGS and receiving the ACK
	localSettingsID int       // monotonically bumped each time we send new local SETTINGS

	connSendWindow *flowcontrol.Window // gates our outbound DATA
	connRecvWindow *flowcontrol.Window // tracks how much we've granted the peer to send us

	registry *stream.Registry
	encoder  *hpack.Encoder
	decoder  *hpack.Decoder

	writer *frame.Writer
	logger *log.Logger
	mtr    *metrics.Metrics

	handler task.Handler

	expectingContinuation bool
	continuationStreamID  uint32
	continuationIsTrailer bool
	continuationEndStream bool

	sawPreface  bool
	sawSettings bool
	closed      bool
	goAwaySent  bool
	goAwayRecv  bool

	nextPushID uint32

	// OnClose is invoked once, from Shutdown or a fatal HandleFrame error,
	// so the transport glue can tear down the socket. It must not block.
	OnClose func(err error)
}

// NewConnection constructs a Connection that writes frames to w. w is
// typically an adapter the transport layer provides over a gnet.Conn or
// any other non-blocking socket abstraction; Connection only ever calls
// Write on it from within a mutex-held section, so w need not be
// goroutine-safe on its own.
func NewConnection(cfg Config, w io.Writer) *Connection {
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if cfg.InitialWindowSize == 0 {
		cfg.InitialWindowSize = flowcontrol.DefaultInitialWindow
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = frame.DefaultMaxFrameSize
	}
	if cfg.HeaderTableSize == 0 {
		cfg.HeaderTableSize = 4096
	}
	if cfg.PrefaceTimeout == 0 {
		cfg.PrefaceTimeout = DefaultPrefaceTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	local := DefaultSettings()
	local.MaxConcurrentStreams = cfg.MaxConcurrentStreams
	local.maxConcurrentStreamsSet = true
	local.InitialWindowSize = cfg.InitialWindowSize
	local.MaxFrameSize = cfg.MaxFrameSize
	local.HeaderTableSize = cfg.HeaderTableSize

	c := &Connection{
		cfg:            cfg,
		local:          local,
		remote:         DefaultSettings(),
		connSendWindow: flowcontrol.NewWindow(flowcontrol.DefaultInitialWindow),
		connRecvWindow: flowcontrol.NewWindow(flowcontrol.DefaultInitialWindow),
		registry:       stream.NewRegistry(),
		encoder:        hpack.NewEncoder(4096),
		decoder:        hpack.NewDecoder(cfg.HeaderTableSize),
		writer:         frame.NewWriter(w),
		logger:         cfg.Logger,
		mtr:            cfg.Metrics,
		handler:        cfg.Handler,
		nextPushID:     2,
	}
	return c
}

// Init sends the connection's initial SETTINGS frame (and, if our
// receive window differs from the RFC 7540 default of 65535, an initial
// connection-level WINDOW_UPDATE). The client connection preface itself
// is verified separately by VerifyPreface, since the transport layer
// typically has the first 24 bytes available before a full frame can be
// parsed.
func (c *Connection) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := c.local
	c.localPending = &pending
	if err := c.writer.WriteSettings(c.local.ToFrame()...); err != nil {
		return err
	}
	c.countSent("SETTINGS")
	if c.connRecvWindow.Size() != flowcontrol.DefaultInitialWindow {
		increment := uint32(c.connRecvWindow.Size() - flowcontrol.DefaultInitialWindow)
		if err := c.writer.WriteWindowUpdate(0, increment); err != nil {
			return err
		}
		c.countSent("WINDOW_UPDATE")
	}
	return c.writer.Flush()
}

// VerifyPreface checks that buf begins with the 24-byte client connection
// preface. It does not consume anything; the caller strips the matched
// bytes from its buffer on success.
func VerifyPreface(buf []byte) (ok bool, needMore bool) {
	if len(buf) < len(frame.Preface) {
		return false, true
	}
	return string(buf[:len(frame.Preface)]) == frame.Preface, false
}

// errClassified is the result of classifying an error returned from
// frame handling: either the whole connection must go down with GOAWAY,
// or just one stream needs RST_STREAM.
type errClassified struct {
	conn     bool
	streamID uint32
	code     errcode.Code
	reason   string
}

// countSent records one outbound frame of the given type for the
// FramesSent metric. A nil Metrics (the default when Config.Metrics isn't
// set) makes this a no-op, matching metrics.Metrics' own nil-safety
// convention.
func (c *Connection) countSent(frameType string) {
	if c.mtr != nil {
		c.mtr.FramesSent.WithLabelValues(frameType).Inc()
	}
}

// markStreamActive records a stream entering an active state in both the
// registry's concurrency accounting and the ActiveStreams gauge.
func (c *Connection) markStreamActive(initiator stream.Initiator) {
	c.registry.MarkActive(initiator)
	if c.mtr != nil {
		c.mtr.StreamsOpened.WithLabelValues(initiatorLabel(initiator)).Inc()
		c.mtr.ActiveStreams.Inc()
	}
}

// markStreamInactive is markStreamActive's counterpart, called exactly
// once when a previously-active stream leaves all active states.
func (c *Connection) markStreamInactive(initiator stream.Initiator) {
	c.registry.MarkInactive(initiator)
	if c.mtr != nil {
		c.mtr.ActiveStreams.Dec()
	}
}

func initiatorLabel(i stream.Initiator) string {
	if i == stream.InitiatorServer {
		return "server"
	}
	return "client"
}

func connErr(code errcode.Code, reason string) errClassified {
	return errClassified{conn: true, code: code, reason: reason}
}

func streamErr(streamID uint32, code errcode.Code, reason string) errClassified {
	return errClassified{streamID: streamID, code: code, reason: reason}
}

// HandleFrame processes one inbound frame, applying its effects to
// connection- or stream-scoped state and writing any immediate response
// frames (SETTINGS ACK, PING ACK, WINDOW_UPDATE, RST_STREAM, GOAWAY). The
// transport glue calls it once per frame parsed off the wire.
func (c *Connection) HandleFrame(f http2.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	if !c.sawSettings {
		if _, ok := f.(*http2.SettingsFrame); !ok {
			return c.failConn(connErr(errcode.ProtocolError, "first frame must be SETTINGS"))
		}
		c.sawSettings = true
	}

	if c.expectingContinuation {
		cf, ok := f.(*http2.ContinuationFrame)
		if !ok || cf.Header().StreamID != c.continuationStreamID {
			return c.failConn(connErr(errcode.ProtocolError, "expected CONTINUATION"))
		}
	}

	if c.mtr != nil {
		c.mtr.FramesReceived.WithLabelValues(f.Header().Type.String()).Inc()
	}

	var cls *errClassified
	switch fr := f.(type) {
	case *http2.SettingsFrame:
		cls = c.handleSettings(fr)
	case *http2.HeadersFrame:
		cls = c.handleHeaders(fr)
	case *http2.ContinuationFrame:
		cls = c.handleContinuation(fr)
	case *http2.DataFrame:
		cls = c.handleData(fr)
	case *http2.WindowUpdateFrame:
		cls = c.handleWindowUpdate(fr)
	case *http2.RSTStreamFrame:
		cls = c.handleRSTStream(fr)
	case *http2.PriorityFrame:
		cls = c.handlePriority(fr)
	case *http2.PingFrame:
		cls = c.handlePing(fr)
	case *http2.GoAwayFrame:
		cls = c.handleGoAway(fr)
	case *http2.PushPromiseFrame:
		cls = &errClassified{conn: true, code: errcode.ProtocolError, reason: "server does not accept PUSH_PROMISE"}
	default:
		// Unknown frame types are discarded without error (RFC 7540 §5.5).
		return nil
	}

	if cls == nil {
		return nil
	}
	if cls.conn {
		return c.failConn(*cls)
	}
	return c.failStream(*cls)
}

func (c *Connection) failConn(e errClassified) error {
	if c.mtr != nil {
		c.mtr.GoAwaysSent.Inc()
	}
	_ = c.sendGoAwayLocked(e.code, []byte(e.reason))
	cerr := errcode.NewConnError(e.code, e.reason)
	c.closeLocked(cerr)
	return cerr
}

func (c *Connection) failStream(e errClassified) error {
	if c.mtr != nil {
		c.mtr.StreamErrorsByCode.WithLabelValues(e.code.String()).Inc()
	}
	serr := errcode.NewStreamError(e.streamID, e.code, e.reason)
	if errcode.IsRetryable(e.code) {
		c.logger.Printf("h2core: stream %d refused (retryable): %s", e.streamID, e.reason)
	}
	s, ok := c.registry.Get(e.streamID)
	if ok {
		c.closeStreamLocked(s, true, serr)
	}
	_ = c.writer.WriteRSTStream(e.streamID, e.code)
	c.countSent("RST_STREAM")
	_ = c.writer.Flush()
	return serr
}

// closeStreamLocked transitions s to closed and, if it leaves an active
// state, updates the registry's concurrency accounting, fails any parked
// sends, and cancels its handler task. It removes s from the registry
// (and its priority tree node) immediately, the same as the natural
// two-way-close path in maybeCloseLocked: every writer-side method
// (SendHeaders/SendData/Push/StreamTerminated) already guards its
// registry.Get with an ok check, so an in-flight handler task racing this
// removal simply sees "stream not found" rather than corrupting state.
// Without this, an RST_STREAM-driven or error-driven close would leak its
// Registry entry and PriorityTree node forever. Caller holds c.mu.
func (c *Connection) closeStreamLocked(s *stream.Stream, reset bool, err error) {
	wasActive := s.State().Active()
	s.Close(reset, err)
	if wasActive {
		c.markStreamInactive(s.Initiator)
	}
	c.registry.Remove(s.ID, reset)
}

// Shutdown sends GOAWAY with the given code/reason and the highest
// client-initiated stream id seen, then marks the connection closed. The
// transport layer is responsible for actually closing the socket after
// any drain period.
func (c *Connection) Shutdown(code errcode.Code, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	err := c.sendGoAwayLocked(code, []byte(reason))
	c.closeLocked(fmt.Errorf("h2core: shutdown: %s", reason))
	return err
}

func (c *Connection) sendGoAwayLocked(code errcode.Code, debug []byte) error {
	if c.goAwaySent {
		return nil
	}
	c.goAwaySent = true
	last := c.registry.LastID(stream.InitiatorClient)
	c.registry.Cutoff(stream.InitiatorClient, last)
	if err := c.writer.WriteGoAway(last, code, debug); err != nil {
		return err
	}
	c.countSent("GOAWAY")
	return c.writer.Flush()
}

func (c *Connection) closeLocked(reason error) {
	if c.closed {
		return
	}
	c.closed = true
	c.registry.Range(func(s *stream.Stream) {
		c.closeStreamLocked(s, false, reason)
	})
	if c.OnClose != nil {
		c.OnClose(reason)
	}
}

// Context returns context.Background(). It is not tied to the
// connection's lifetime: it is never canceled when the connection closes.
func (c *Connection) Context() context.Context { return context.Background() }
