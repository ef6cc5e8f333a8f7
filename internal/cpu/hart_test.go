package cpu

import "testing"

func TestHartTrapsWhenLineRaised(t *testing.T) {
	h := NewHart(0)
	calls := 0
	h.SetExternalHandler(func() {
		calls++
		if h.InterruptsEnabled() {
			t.Fatalf("handler ran with interrupts enabled")
		}
		h.SetExternalLine(false)
	})

	h.SetExternalLine(true)
	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}
	if !h.InterruptsEnabled() {
		t.Fatalf("interrupts not re-enabled after trap")
	}
	if got := h.Traps(); got != 1 {
		t.Fatalf("traps = %d, want 1", got)
	}
}

func TestHartDefersWhileDisabled(t *testing.T) {
	h := NewHart(0)
	calls := 0
	h.SetExternalHandler(func() {
		calls++
		h.SetExternalLine(false)
	})

	flags := h.DisableInterrupts()
	h.SetExternalLine(true)
	if calls != 0 {
		t.Fatalf("handler ran with interrupts disabled")
	}
	h.RestoreInterrupts(flags)
	if calls != 1 {
		t.Fatalf("handler calls after restore = %d, want 1", calls)
	}
}

func TestHartNestedRestoreKeepsDisabled(t *testing.T) {
	h := NewHart(0)
	outer := h.DisableInterrupts()
	inner := h.DisableInterrupts()
	h.RestoreInterrupts(inner)
	if h.InterruptsEnabled() {
		t.Fatalf("inner restore re-enabled interrupts")
	}
	h.RestoreInterrupts(outer)
	if !h.InterruptsEnabled() {
		t.Fatalf("outer restore did not re-enable interrupts")
	}
}

func TestHartReentersWhileLineHigh(t *testing.T) {
	h := NewHart(0)
	pending := 3
	h.SetExternalHandler(func() {
		pending--
		if pending == 0 {
			h.SetExternalLine(false)
		}
	})
	h.SetExternalLine(true)
	if pending != 0 {
		t.Fatalf("pending = %d after delivery, want 0", pending)
	}
	if got := h.Traps(); got != 3 {
		t.Fatalf("traps = %d, want 3", got)
	}
}

func TestHartStuckLineIsBounded(t *testing.T) {
	h := NewHart(0)
	h.SetExternalHandler(func() {})
	h.SetExternalLine(true)
	if got := h.Traps(); got != maxTrapsPerEntry {
		t.Fatalf("traps = %d, want %d", got, maxTrapsPerEntry)
	}
	if h.stalls.Load() != 1 {
		t.Fatalf("stall not recorded")
	}
}
