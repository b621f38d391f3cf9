// Package flowcontrol implements the signed 31-bit window arithmetic used
// for both connection-level and stream-level HTTP/2 flow control
// (RFC 7540 Section 6.9).
package flowcontrol

import "fmt"

// MaxWindow is the largest value a flow-control window may hold (2^31-1).
const MaxWindow = 1<<31 - 1

// DefaultInitialWindow is the window size in effect before any SETTINGS
// exchange changes it.
const DefaultInitialWindow = 65535

// Window is a single signed flow-control window. It is deliberately not
// safe for concurrent use on its own — callers hold it behind the owning
// connection's lock, the single-owner model the rest of this module
// follows.
type Window struct {
	size int32
}

// NewWindow creates a Window starting at initial.
func NewWindow(initial int32) *Window {
	return &Window{size: initial}
}

// Size returns the current window value. It can be negative: SETTINGS
// changes to SETTINGS_INITIAL_WINDOW_SIZE may drive a stream's window
// negative (RFC 7540 Section 6.9.2), and it must recover purely through
// WINDOW_UPDATEs rather than being clamped back to zero.
func (w *Window) Size() int32 { return w.size }

// Debit reduces the window by n after n bytes of DATA are sent or
// received. It does no bounds check: send-side callers bound n via
// Allowance first, while receive-side callers debit the peer's frame
// length as received, which can leave the window negative.
func (w *Window) Debit(n int32) {
	w.size -= n
}

// Available returns how many bytes may currently be sent against this
// window, i.e. max(size, 0).
func (w *Window) Available() int32 {
	if w.size < 0 {
		return 0
	}
	return w.size
}

// Credit applies a WINDOW_UPDATE increment. increment must be > 0 (a
// zero increment is a distinct protocol violation the caller must detect
// before calling Credit). Returns an error if the resulting window would
// exceed MaxWindow.
func (w *Window) Credit(increment uint32) error {
	next := int64(w.size) + int64(increment)
	if next > MaxWindow {
		return fmt.Errorf("flowcontrol: window overflow: %d + %d > %d", w.size, increment, MaxWindow)
	}
	w.size = int32(next)
	return nil
}

// Shift applies a delta (positive or negative) directly, used when
// SETTINGS_INITIAL_WINDOW_SIZE changes and every existing stream's window
// must move by the same amount (RFC 7540 Section 6.9.2). Returns an error
// if the result would overflow MaxWindow; underflow below -MaxWindow-1
// cannot happen because delta is bounded by two valid SETTINGS values.
func (w *Window) Shift(delta int32) error {
	next := int64(w.size) + int64(delta)
	if next > MaxWindow {
		return fmt.Errorf("flowcontrol: window overflow on settings change: %d + %d > %d", w.size, delta, MaxWindow)
	}
	if next < -MaxWindow-1 {
		return fmt.Errorf("flowcontrol: window underflow on settings change: %d + %d", w.size, delta)
	}
	w.size = int32(next)
	return nil
}

// Allowance computes how many bytes may be sent right now given the
// connection window, the stream window, and the peer's MAX_FRAME_SIZE:
// bytes_sent must never exceed min(conn_window, stream_window,
// max_frame_size).
func Allowance(conn, stream *Window, maxFrameSize uint32) int {
	allow := conn.Available()
	if s := stream.Available(); s < allow {
		allow = s
	}
	if maxFrameSize > 0 && int64(allow) > int64(maxFrameSize) {
		allow = int32(maxFrameSize)
	}
	if allow < 0 {
		return 0
	}
	return int(allow)
}
