// Package stream implements the per-stream state machine, the header-block
// validation that runs after HPACK decode, and the priority tree — the
// parts of the connection that are scoped to one stream id rather than the
// whole connection (see internal/h2/conn for the connection-scoped half).
package stream

import "fmt"

// State is a stream's position in the RFC 7540 Section 5.1 state machine.
type State int

const (
	StateIdle State = iota
	StateReservedLocal
	StateReservedRemote
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReservedLocal:
		return "reserved(local)"
	case StateReservedRemote:
		return "reserved(remote)"
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half-closed(local)"
	case StateHalfClosedRemote:
		return "half-closed(remote)"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is an action that may drive a state transition. Direction matters:
// the same frame type moves the state machine differently depending on
// whether it was sent or received.
type Event int

const (
	EventRecvHeaders Event = iota
	EventRecvEndStream
	EventSendEndStream
	EventSendPushPromise
	EventRecvPushPromise
	EventSendHeaders
	EventRSTStream
	EventError
)

// Next computes the state after applying ev to the current state. It
// returns an error if the event is not valid from the current state; the
// caller maps that to a PROTOCOL_ERROR stream or connection error as
// appropriate (RFC 7540 Section 5.1 is explicit that most such violations
// are stream errors, with a few — notably frames on an idle stream other
// than HEADERS/PRIORITY — being connection errors).
func (s State) Next(ev Event) (State, error) {
	switch ev {
	case EventRSTStream, EventError:
		return StateClosed, nil
	}

	switch s {
	case StateIdle:
		switch ev {
		case EventRecvHeaders, EventSendHeaders:
			return StateOpen, nil
		case EventSendPushPromise:
			return StateReservedLocal, nil
		case EventRecvPushPromise:
			return StateReservedRemote, nil
		}
	case StateReservedLocal:
		switch ev {
		case EventSendHeaders:
			return StateHalfClosedRemote, nil
		}
	case StateReservedRemote:
		switch ev {
		case EventRecvHeaders:
			return StateHalfClosedLocal, nil
		}
	case StateOpen:
		switch ev {
		case EventRecvEndStream:
			return StateHalfClosedRemote, nil
		case EventSendEndStream:
			return StateHalfClosedLocal, nil
		}
	case StateHalfClosedRemote:
		switch ev {
		case EventSendEndStream:
			return StateClosed, nil
		}
	case StateHalfClosedLocal:
		switch ev {
		case EventRecvEndStream:
			return StateClosed, nil
		}
	}
	return s, fmt.Errorf("stream: invalid event %d in state %s", ev, s)
}

// Active reports whether a stream in this state counts against
// MAX_CONCURRENT_STREAMS (RFC 7540 Section 5.1.2): open and half-closed
// streams do; idle, reserved, and closed streams do not.
func (s State) Active() bool {
	switch s {
	case StateOpen, StateHalfClosedLocal, StateHalfClosedRemote:
		return true
	default:
		return false
	}
}

// CanReceiveHeaders reports whether a HEADERS frame is structurally
// acceptable from this state, independent of whether it would be a
// request, response, or trailer block — that distinction belongs to the
// caller, which knows whether END_STREAM has already been seen.
func (s State) CanReceiveHeaders() bool {
	switch s {
	case StateIdle, StateOpen, StateHalfClosedLocal, StateReservedRemote:
		return true
	default:
		return false
	}
}

// CanReceiveData reports whether DATA is structurally acceptable from this
// state. Receiving DATA on idle, reserved, half-closed(remote), or closed
// is a protocol violation the caller must turn into an error.
func (s State) CanReceiveData() bool {
	return s == StateOpen || s == StateHalfClosedLocal
}
