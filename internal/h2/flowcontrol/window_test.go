package flowcontrol

import "testing"

func TestCreditAccumulates(t *testing.T) {
	w := NewWindow(DefaultInitialWindow)
	increments := []uint32{100, 200, 300}
	want := int32(DefaultInitialWindow)
	for _, inc := range increments {
		if err := w.Credit(inc); err != nil {
			t.Fatalf("Credit(%d): %v", inc, err)
		}
		want += int32(inc)
	}
	if w.Size() != want {
		t.Fatalf("Size() = %d, want %d", w.Size(), want)
	}
}

func TestCreditOverflowDetected(t *testing.T) {
	w := NewWindow(MaxWindow - 1)
	if err := w.Credit(10); err == nil {
		t.Fatalf("expected overflow error")
	}
}

func TestDebitCanGoNegativeAfterSettingsShrink(t *testing.T) {
	w := NewWindow(100)
	if err := w.Shift(-150); err != nil {
		t.Fatalf("Shift: %v", err)
	}
	if w.Size() != -50 {
		t.Fatalf("Size() = %d, want -50", w.Size())
	}
	if w.Available() != 0 {
		t.Fatalf("Available() = %d, want 0 while window is negative", w.Available())
	}
	if err := w.Credit(60); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if w.Size() != 10 {
		t.Fatalf("Size() = %d, want 10", w.Size())
	}
}

func TestAllowanceCapsOnSmallestOfThree(t *testing.T) {
	conn := NewWindow(1000)
	stream := NewWindow(50)
	if got := Allowance(conn, stream, 16384); got != 50 {
		t.Fatalf("Allowance = %d, want 50", got)
	}
	if got := Allowance(conn, stream, 10); got != 10 {
		t.Fatalf("Allowance = %d, want 10", got)
	}
}

func TestAllowanceNeverNegative(t *testing.T) {
	conn := NewWindow(-5)
	stream := NewWindow(100)
	if got := Allowance(conn, stream, 16384); got != 0 {
		t.Fatalf("Allowance = %d, want 0", got)
	}
}
