package stream

import "testing"

func TestIdleToOpenOnRecvHeaders(t *testing.T) {
	got, err := StateIdle.Next(EventRecvHeaders)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != StateOpen {
		t.Fatalf("got %s, want %s", got, StateOpen)
	}
}

func TestOpenToHalfClosedRemoteOnRecvEndStream(t *testing.T) {
	got, err := StateOpen.Next(EventRecvEndStream)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != StateHalfClosedRemote {
		t.Fatalf("got %s, want %s", got, StateHalfClosedRemote)
	}
}

func TestHalfClosedBothSidesClosesStream(t *testing.T) {
	s, err := StateOpen.Next(EventRecvEndStream)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	s, err = s.Next(EventSendEndStream)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if s != StateClosed {
		t.Fatalf("got %s, want %s", s, StateClosed)
	}
}

func TestRSTStreamClosesFromAnyState(t *testing.T) {
	for _, s := range []State{StateIdle, StateOpen, StateHalfClosedLocal, StateHalfClosedRemote, StateReservedLocal, StateReservedRemote} {
		got, err := s.Next(EventRSTStream)
		if err != nil {
			t.Fatalf("Next(%s, RST): %v", s, err)
		}
		if got != StateClosed {
			t.Fatalf("Next(%s, RST) = %s, want closed", s, got)
		}
	}
}

func TestInvalidTransitionIsError(t *testing.T) {
	if _, err := StateIdle.Next(EventSendEndStream); err == nil {
		t.Fatalf("expected error sending END_STREAM from idle")
	}
	if _, err := StateClosed.Next(EventRecvHeaders); err == nil {
		t.Fatalf("expected error receiving HEADERS on closed stream")
	}
}

func TestReservedLocalToHalfClosedRemoteOnSendHeaders(t *testing.T) {
	got, err := StateReservedLocal.Next(EventSendHeaders)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != StateHalfClosedRemote {
		t.Fatalf("got %s, want %s", got, StateHalfClosedRemote)
	}
}

func TestActiveClassifiesOpenAndHalfClosedOnly(t *testing.T) {
	active := []State{StateOpen, StateHalfClosedLocal, StateHalfClosedRemote}
	inactive := []State{StateIdle, StateReservedLocal, StateReservedRemote, StateClosed}
	for _, s := range active {
		if !s.Active() {
			t.Fatalf("%s should be active", s)
		}
	}
	for _, s := range inactive {
		if s.Active() {
			t.Fatalf("%s should not be active", s)
		}
	}
}
