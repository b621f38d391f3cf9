package stream

import "testing"

func TestInsertOrGetCreatesThenReuses(t *testing.T) {
	r := NewRegistry()
	s1, err := r.InsertOrGet(1, InitiatorClient, 65535, 65535)
	if err != nil {
		t.Fatalf("InsertOrGet: %v", err)
	}
	s2, err := r.InsertOrGet(1, InitiatorClient, 65535, 65535)
	if err != nil {
		t.Fatalf("InsertOrGet (reuse): %v", err)
	}
	if s1 != s2 {
		t.Fatalf("expected the same stream instance on reuse")
	}
}

func TestInsertOrGetRejectsRegressedID(t *testing.T) {
	r := NewRegistry()
	if _, err := r.InsertOrGet(5, InitiatorClient, 65535, 65535); err != nil {
		t.Fatalf("InsertOrGet: %v", err)
	}
	if _, err := r.InsertOrGet(3, InitiatorClient, 65535, 65535); err == nil {
		t.Fatalf("expected error for regressed stream id")
	}
}

func TestInsertOrGetTracksInitiatorsIndependently(t *testing.T) {
	r := NewRegistry()
	if _, err := r.InsertOrGet(5, InitiatorClient, 65535, 65535); err != nil {
		t.Fatalf("InsertOrGet client: %v", err)
	}
	if _, err := r.InsertOrGet(2, InitiatorServer, 65535, 65535); err != nil {
		t.Fatalf("InsertOrGet server: %v", err)
	}
	// Another server-initiated stream with a lower id than the client's
	// last id must still succeed: the sequences are independent.
	if _, err := r.InsertOrGet(4, InitiatorServer, 65535, 65535); err != nil {
		t.Fatalf("InsertOrGet server 2: %v", err)
	}
}

func TestCutoffRefusesHigherIDs(t *testing.T) {
	r := NewRegistry()
	r.Cutoff(InitiatorClient, 5)
	if _, err := r.InsertOrGet(7, InitiatorClient, 65535, 65535); err == nil {
		t.Fatalf("expected error for id beyond GOAWAY cutoff")
	}
	if _, err := r.InsertOrGet(5, InitiatorClient, 65535, 65535); err != nil {
		t.Fatalf("expected id at cutoff to be accepted: %v", err)
	}
}

func TestActiveCountTracksMarkActiveInactive(t *testing.T) {
	r := NewRegistry()
	if r.ActiveCount(InitiatorClient) != 0 {
		t.Fatalf("expected zero active streams initially")
	}
	r.MarkActive(InitiatorClient)
	r.MarkActive(InitiatorClient)
	if r.ActiveCount(InitiatorClient) != 2 {
		t.Fatalf("ActiveCount = %d, want 2", r.ActiveCount(InitiatorClient))
	}
	r.MarkInactive(InitiatorClient)
	if r.ActiveCount(InitiatorClient) != 1 {
		t.Fatalf("ActiveCount = %d, want 1", r.ActiveCount(InitiatorClient))
	}
}

func TestApplyInitialWindowDeltaAdjustsAllStreams(t *testing.T) {
	r := NewRegistry()
	s1, _ := r.InsertOrGet(1, InitiatorClient, 65535, 65535)
	s2, _ := r.InsertOrGet(3, InitiatorClient, 65535, 65535)

	if err := r.ApplyInitialWindowDelta(-1000); err != nil {
		t.Fatalf("ApplyInitialWindowDelta: %v", err)
	}
	if s1.SendWindow.Size() != 64535 || s2.SendWindow.Size() != 64535 {
		t.Fatalf("unexpected windows after delta: %d, %d", s1.SendWindow.Size(), s2.SendWindow.Size())
	}
}

func TestApplyInitialWindowDeltaDetectsOverflow(t *testing.T) {
	r := NewRegistry()
	s1, _ := r.InsertOrGet(1, InitiatorClient, flowcontrolMax(), 65535)
	_ = s1
	if err := r.ApplyInitialWindowDelta(1); err == nil {
		t.Fatalf("expected overflow error")
	}
}

func TestRemoveDeletesStream(t *testing.T) {
	r := NewRegistry()
	r.InsertOrGet(1, InitiatorClient, 65535, 65535)
	r.Remove(1, false)
	if _, ok := r.Get(1); ok {
		t.Fatalf("expected stream to be removed")
	}
}

func TestRemoveRemembersResetForLateFrames(t *testing.T) {
	r := NewRegistry()
	r.InsertOrGet(1, InitiatorClient, 65535, 65535)
	r.Remove(1, true)
	reset, found := r.WasClosedByReset(1)
	if !found || !reset {
		t.Fatalf("WasClosedByReset(1) = (%v, %v), want (true, true)", reset, found)
	}

	r.InsertOrGet(3, InitiatorClient, 65535, 65535)
	r.Remove(3, false)
	reset, found = r.WasClosedByReset(3)
	if !found || reset {
		t.Fatalf("WasClosedByReset(3) = (%v, %v), want (false, true)", reset, found)
	}
}

func flowcontrolMax() int32 { return 1<<31 - 1 }
