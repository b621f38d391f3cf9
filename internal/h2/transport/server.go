// Package transport provides the gnet-based glue between raw TCP sockets
// and the connection engine in internal/h2/conn. gnet's event-loop model —
// one goroutine serializing OnOpen/OnTraffic/OnClose per connection — is
// itself the connection task; this package never spawns an extra
// goroutine to own conn.Connection's state.
//
// TLS termination and ALPN negotiation happen before a socket ever
// reaches this package (gnet is configured with a plain "tcp://" scheme;
// a TLS-terminating listener in front of it is the acceptor's concern).
package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/panjf2000/gnet/v2"
	"golang.org/x/net/http2"

	"github.com/coriolis-h2/h2core/internal/h2/conn"
	"github.com/coriolis-h2/h2core/internal/h2/errcode"
	"github.com/coriolis-h2/h2core/internal/h2/frame"
	"github.com/coriolis-h2/h2core/internal/h2/metrics"
	"github.com/coriolis-h2/h2core/internal/h2/task"
)

// Config configures the gnet-backed server. Zero-value fields fall back to
// package defaults.
type Config struct {
	Addr                 string
	Multicore            bool
	NumEventLoop         int
	ReusePort            bool
	Logger               *log.Logger
	Metrics              *metrics.Metrics
	Handler              task.Handler
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	HeaderTableSize      uint32

	// PrefaceTimeout bounds how long a connection waits for the 24-byte
	// client preface before being closed. Zero uses conn.DefaultPrefaceTimeout.
	PrefaceTimeout time.Duration
	// ReadTimeout bounds how long a connection may sit idle (no bytes at
	// all, including PING) before the server emits GOAWAY(NO_ERROR,
	// "Client timeout") and closes. Zero disables the idle timeout.
	ReadTimeout time.Duration
}

// Server implements gnet.EventHandler, running one conn.Connection per
// accepted socket.
type Server struct {
	gnet.BuiltinEventEngine

	cfg    Config
	logger *log.Logger
	engine gnet.Engine

	mu    sync.Mutex
	conns map[gnet.Conn]*connState
}

// NewServer constructs a Server. It does not start listening; call Start.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Server{cfg: cfg, logger: cfg.Logger, conns: make(map[gnet.Conn]*connState)}
}

// Start blocks running the gnet event engine until Stop is called or a
// fatal error occurs.
func (s *Server) Start() error {
	opts := []gnet.Option{
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithReusePort(s.cfg.ReusePort),
	}
	if s.cfg.NumEventLoop > 0 {
		opts = append(opts, gnet.WithNumEventLoop(s.cfg.NumEventLoop))
	}
	s.logger.Printf("h2core: listening on %s", s.cfg.Addr)
	return gnet.Run(s, "tcp://"+s.cfg.Addr, opts...)
}

// Stop sends GOAWAY(NO_ERROR) to every open connection, gives in-flight
// streams a brief drain window up to ctx's deadline, then force-closes
// and stops the engine.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	states := make([]*connState, 0, len(s.conns))
	for _, cs := range s.conns {
		states = append(states, cs)
	}
	s.mu.Unlock()

	for _, cs := range states {
		_ = cs.hconn.Shutdown(errcode.NoError, "server shutting down")
	}

	// Give in-flight streams a brief moment to finish, then force close.
	time.Sleep(100 * time.Millisecond)

	s.mu.Lock()
	for gc := range s.conns {
		s.logger.Printf("h2core: force closing connection to %s", gc.RemoteAddr())
		_ = gc.Close()
	}
	s.mu.Unlock()

	time.Sleep(100 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.engine.Stop(stopCtx)
}

// OnBoot records the running engine so Stop can shut it down later.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	return gnet.None
}

// OnOpen creates the connection engine for a newly accepted socket and
// arms its preface timeout.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	cs := newConnState(s, c)
	s.mu.Lock()
	s.conns[c] = cs
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ConnectionsOpened.Inc()
		s.cfg.Metrics.ActiveConnections.Inc()
	}
	cs.armPrefaceTimeout()
	return nil, gnet.None
}

// OnClose tears down the connection engine and its timers.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	s.mu.Lock()
	cs, ok := s.conns[c]
	delete(s.conns, c)
	s.mu.Unlock()
	if !ok {
		return gnet.None
	}
	cs.stopTimers()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ConnectionsClosed.Inc()
		s.cfg.Metrics.ActiveConnections.Dec()
	}
	if err != nil {
		s.logger.Printf("h2core: connection from %s closed: %v", c.RemoteAddr(), err)
	}
	return gnet.None
}

// OnTraffic feeds newly available bytes to the connection state, parsing
// and dispatching as many complete frames as are buffered.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	s.mu.Lock()
	cs, ok := s.conns[c]
	s.mu.Unlock()
	if !ok {
		return gnet.Close
	}

	buf, err := c.Next(-1)
	if err != nil {
		s.logger.Printf("h2core: read error from %s: %v", c.RemoteAddr(), err)
		return gnet.Close
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.BytesRead.Add(float64(len(buf)))
	}
	cs.resetReadTimeout()

	if cs.handleData(buf) {
		return gnet.Close
	}
	return gnet.None
}

// connState is the per-socket state a Server tracks: the buffered inbound
// bytes not yet assembled into a full frame, the connection engine those
// frames feed, and the preface/idle timers gating it.
type connState struct {
	srv   *Server
	gc    gnet.Conn
	hconn *conn.Connection

	buf             bytes.Buffer
	reader          *frame.Reader
	prefaceReceived bool

	mu           sync.Mutex
	prefaceTimer *time.Timer
	readTimer    *time.Timer
	closing      bool
}

func newConnState(s *Server, gc gnet.Conn) *connState {
	cs := &connState{srv: s, gc: gc}
	w := &connWriter{gc: gc, mtr: s.cfg.Metrics}
	cs.hconn = conn.NewConnection(conn.Config{
		MaxConcurrentStreams: s.cfg.MaxConcurrentStreams,
		InitialWindowSize:    s.cfg.InitialWindowSize,
		MaxFrameSize:         s.cfg.MaxFrameSize,
		HeaderTableSize:      s.cfg.HeaderTableSize,
		PrefaceTimeout:       s.cfg.PrefaceTimeout,
		Logger:               s.cfg.Logger,
		Metrics:              s.cfg.Metrics,
		Handler:              s.cfg.Handler,
	}, w)
	cs.hconn.OnClose = func(err error) {
		cs.mu.Lock()
		cs.closing = true
		cs.mu.Unlock()
	}
	maxFrameSize := s.cfg.MaxFrameSize
	if maxFrameSize == 0 {
		maxFrameSize = frame.DefaultMaxFrameSize
	}
	cs.reader = frame.NewReader(&cs.buf, maxFrameSize)
	return cs
}

func (cs *connState) armPrefaceTimeout() {
	timeout := cs.srv.cfg.PrefaceTimeout
	if timeout <= 0 {
		timeout = conn.DefaultPrefaceTimeout
	}
	cs.mu.Lock()
	cs.prefaceTimer = time.AfterFunc(timeout, func() {
		cs.mu.Lock()
		received := cs.prefaceReceived
		cs.mu.Unlock()
		if !received {
			cs.srv.logger.Printf("h2core: preface timeout from %s", cs.gc.RemoteAddr())
			_ = cs.gc.Close()
		}
	})
	cs.mu.Unlock()
}

func (cs *connState) resetReadTimeout() {
	timeout := cs.srv.cfg.ReadTimeout
	if timeout <= 0 {
		return
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.readTimer == nil {
		cs.readTimer = time.AfterFunc(timeout, cs.onReadTimeout)
		return
	}
	cs.readTimer.Reset(timeout)
}

func (cs *connState) onReadTimeout() {
	_ = cs.hconn.Shutdown(errcode.NoError, "Client timeout")
	_ = cs.gc.Close()
}

func (cs *connState) stopTimers() {
	cs.mu.Lock()
	if cs.prefaceTimer != nil {
		cs.prefaceTimer.Stop()
	}
	if cs.readTimer != nil {
		cs.readTimer.Stop()
	}
	cs.mu.Unlock()
}

// handleData appends buf to the connection's inbound byte buffer and
// drains as many complete frames as are available, feeding each to the
// connection engine. It reports true when the caller should close the
// socket (a connection-level failure or explicit GOAWAY-driven teardown).
func (cs *connState) handleData(buf []byte) (shouldClose bool) {
	cs.buf.Write(buf)

	if !cs.prefaceReceived {
		ok, needMore := conn.VerifyPreface(cs.buf.Bytes())
		if needMore {
			return false
		}
		if !ok {
			cs.srv.logger.Printf("h2core: invalid preface from %s", cs.gc.RemoteAddr())
			return true
		}
		discard := make([]byte, len(frame.Preface))
		_, _ = cs.buf.Read(discard)

		cs.mu.Lock()
		cs.prefaceReceived = true
		if cs.prefaceTimer != nil {
			cs.prefaceTimer.Stop()
		}
		cs.mu.Unlock()
		if err := cs.hconn.Init(); err != nil {
			cs.srv.logger.Printf("h2core: failed to send initial SETTINGS to %s: %v", cs.gc.RemoteAddr(), err)
			return true
		}
	}

	for {
		if cs.buf.Len() < 9 {
			break
		}
		hdr := frame.PeekHeader(cs.buf.Bytes()[:9])
		if cs.buf.Len() < 9+int(hdr.Length) {
			break
		}

		fr, err := cs.reader.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return true
			}
			cs.srv.logger.Printf("h2core: frame parse error from %s: %v", cs.gc.RemoteAddr(), err)
			_ = cs.hconn.Shutdown(classifyFrameError(err), err.Error())
			return true
		}
		if err := cs.hconn.HandleFrame(fr); err != nil {
			cs.srv.logger.Printf("h2core: %v", err)
		}
		if cs.isClosing() {
			return true
		}
	}
	return false
}

// classifyFrameError maps a frame-codec parse failure to the RFC 7540
// error code a GOAWAY should carry. An oversized frame gets
// FRAME_SIZE_ERROR; a Framer-detected malformed frame keeps its own code;
// anything else defaults to PROTOCOL_ERROR.
func classifyFrameError(err error) errcode.Code {
	if errors.Is(err, http2.ErrFrameTooLarge) {
		return errcode.FrameSizeError
	}
	var connErr http2.ConnectionError
	if errors.As(err, &connErr) {
		return errcode.Code(connErr)
	}
	var streamErr http2.StreamError
	if errors.As(err, &streamErr) {
		return errcode.Code(streamErr.Code)
	}
	return errcode.ProtocolError
}

func (cs *connState) isClosing() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.closing
}

// connWriter adapts a gnet.Conn to the io.Writer + Flush interface
// frame.Writer expects, batching writes into a single vectored
// AsyncWritev call per Flush — avoiding a syscall per frame when a
// handler task writes HEADERS then several DATA frames back to back.
type connWriter struct {
	mu       sync.Mutex
	gc       gnet.Conn
	mtr      *metrics.Metrics
	pending  [][]byte
	inflight bool
	queued   [][]byte
}

func (w *connWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data := make([]byte, len(p))
	copy(data, p)
	w.pending = append(w.pending, data)
	return len(p), nil
}

func (w *connWriter) Flush() error {
	w.mu.Lock()
	if w.inflight {
		w.queued = append(w.queued, w.pending...)
		w.pending = nil
		w.mu.Unlock()
		return nil
	}
	batch := w.pending
	w.pending = nil
	if len(batch) == 0 {
		w.mu.Unlock()
		return nil
	}
	w.inflight = true
	w.mu.Unlock()

	if w.mtr != nil {
		var n int
		for _, b := range batch {
			n += len(b)
		}
		w.mtr.BytesWritten.Add(float64(n))
	}

	return w.gc.AsyncWritev(batch, w.onWriteComplete)
}

func (w *connWriter) onWriteComplete(_ gnet.Conn, err error) error {
	w.mu.Lock()
	next := w.queued
	w.queued = nil
	if len(next) == 0 {
		w.inflight = false
		w.mu.Unlock()
		return nil
	}
	w.inflight = true
	w.mu.Unlock()

	if w.mtr != nil {
		var n int
		for _, b := range next {
			n += len(b)
		}
		w.mtr.BytesWritten.Add(float64(n))
	}
	return w.gc.AsyncWritev(next, w.onWriteComplete)
}
