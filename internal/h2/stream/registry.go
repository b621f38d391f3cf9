package stream

import "fmt"

// closedStreamMemory bounds how many recently-closed stream ids the
// registry remembers purely to answer "was this reset?" for a late frame.
// Unlike the Stream itself (freed immediately on Remove), this memory is a
// fixed size regardless of how many streams a peer opens and resets, so it
// can't be turned into the unbounded-growth leak a rapid-reset flood
// (CVE-2023-44487) would otherwise cause.
const closedStreamMemory = 128

// Registry is the connection's map of live streams, keyed by stream id. It
// is a plain Go map: iteration (Range) follows no id order. Like Stream,
// it is owned exclusively by the connection task and carries no internal
// locking.
type Registry struct {
	streams map[uint32]*Stream

	lastClientID uint32
	lastServerID uint32

	cutoffClient uint32 // 0 means "no GOAWAY cutoff in effect"
	cutoffServer uint32

	activeClient int
	activeServer int

	priorities *PriorityTree

	closedReset map[uint32]bool
	closedOrder []uint32
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		streams:    make(map[uint32]*Stream),
		priorities: NewPriorityTree(),
	}
}

// Get looks up a stream by id without creating it.
func (r *Registry) Get(id uint32) (*Stream, bool) {
	s, ok := r.streams[id]
	return s, ok
}

// Priorities exposes the registry's dependency tree for PRIORITY/HEADERS
// priority handling.
func (r *Registry) Priorities() *PriorityTree { return r.priorities }

// Count returns the total number of streams the registry is tracking,
// in any state. Streams are removed as soon as they close, so closed
// streams are not counted.
func (r *Registry) Count() int { return len(r.streams) }

// LastID returns the highest stream id seen from the given initiator,
// used to populate GOAWAY's last_stream_id.
func (r *Registry) LastID(initiator Initiator) uint32 {
	if initiator == InitiatorClient {
		return r.lastClientID
	}
	return r.lastServerID
}

// InsertOrGet returns the existing stream for id if present. Otherwise it
// validates that id is strictly greater than the last id seen from this
// initiator (RFC 7540 Section 5.1.1: ids are monotonically increasing per
// side) and not beyond any GOAWAY cutoff already in effect, then creates
// and registers a new idle stream.
func (r *Registry) InsertOrGet(id uint32, initiator Initiator, initialSendWindow, initialRecvWindow int32) (*Stream, error) {
	if s, ok := r.streams[id]; ok {
		return s, nil
	}

	last := &r.lastClientID
	cutoff := r.cutoffClient
	if initiator == InitiatorServer {
		last = &r.lastServerID
		cutoff = r.cutoffServer
	}

	if id <= *last {
		return nil, fmt.Errorf("stream: id %d is not greater than last seen id %d", id, *last)
	}
	if cutoff != 0 && id > cutoff {
		return nil, fmt.Errorf("stream: id %d refused after GOAWAY cutoff %d", id, cutoff)
	}

	s := New(id, initiator, initialSendWindow, initialRecvWindow)
	r.streams[id] = s
	*last = id
	return s, nil
}

// MarkActive increments the active-stream count for initiator. Call once,
// when a stream first enters an active state (open or either half-closed).
func (r *Registry) MarkActive(initiator Initiator) {
	if initiator == InitiatorClient {
		r.activeClient++
	} else {
		r.activeServer++
	}
}

// MarkInactive decrements the active-stream count for initiator. Call
// once, when a previously-active stream leaves all active states.
func (r *Registry) MarkInactive(initiator Initiator) {
	if initiator == InitiatorClient {
		if r.activeClient > 0 {
			r.activeClient--
		}
	} else if r.activeServer > 0 {
		r.activeServer--
	}
}

// ActiveCount returns the number of non-closed, non-idle, non-reserved
// streams for the given initiator, the quantity MAX_CONCURRENT_STREAMS
// bounds.
func (r *Registry) ActiveCount(initiator Initiator) int {
	if initiator == InitiatorClient {
		return r.activeClient
	}
	return r.activeServer
}

// ApplyInitialWindowDelta adjusts every existing stream's send window by
// delta, in response to a peer SETTINGS_INITIAL_WINDOW_SIZE change
// (RFC 7540 Section 6.9.2). It stops and returns an error at the first
// overflow; the caller treats that as a connection-level FLOW_CONTROL_ERROR.
// Streams already adjusted before the failing one are left adjusted —
// the connection is being torn down regardless.
func (r *Registry) ApplyInitialWindowDelta(delta int32) error {
	for id, s := range r.streams {
		if err := s.SendWindow.Shift(delta); err != nil {
			return fmt.Errorf("stream %d: %w", id, err)
		}
	}
	return nil
}

// Cutoff records, after sending or receiving GOAWAY, that stream ids for
// the given initiator greater than lastStreamID must be refused.
func (r *Registry) Cutoff(initiator Initiator, lastStreamID uint32) {
	if initiator == InitiatorClient {
		r.cutoffClient = lastStreamID
	} else {
		r.cutoffServer = lastStreamID
	}
}

// Remove deletes a stream from the registry entirely, used as soon as a
// stream reaches closed, whether or not its handler task has exited yet.
// The id cannot be reinserted afterwards: InsertOrGet rejects any id not
// greater than the last one seen from its initiator. reset records, in the bounded
// closed-stream memory described below, whether this closure was
// RST_STREAM-driven, so a HEADERS or DATA
// frame arriving afterward can still be answered with the right error
// scope (stream RST vs connection GOAWAY) even though the Stream itself is
// gone.
func (r *Registry) Remove(id uint32, reset bool) {
	delete(r.streams, id)
	r.priorities.RemoveStream(id)
	r.rememberClosed(id, reset)
}

func (r *Registry) rememberClosed(id uint32, reset bool) {
	if r.closedReset == nil {
		r.closedReset = make(map[uint32]bool, closedStreamMemory)
	}
	if len(r.closedOrder) >= closedStreamMemory {
		oldest := r.closedOrder[0]
		r.closedOrder = r.closedOrder[1:]
		delete(r.closedReset, oldest)
	}
	r.closedReset[id] = reset
	r.closedOrder = append(r.closedOrder, id)
}

// WasClosedByReset reports whether id was closed within the registry's
// bounded closed-stream memory and, if so, whether that closure was
// RST_STREAM-driven rather than a clean two-way close.
func (r *Registry) WasClosedByReset(id uint32) (reset, found bool) {
	reset, found = r.closedReset[id]
	return reset, found
}

// Range calls fn for every stream currently tracked, in no particular
// order. fn may Remove the stream it is given (deleting from a map during
// range is safe in Go, and removed streams not yet reached are skipped);
// streams inserted by fn may or may not be visited.
func (r *Registry) Range(fn func(*Stream)) {
	for _, s := range r.streams {
		fn(s)
	}
}
