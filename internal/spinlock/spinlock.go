// Package spinlock provides the busy-waiting, interrupt-disabling lock used
// by code that may run with interrupts masked.
package spinlock

import (
	"runtime"
	"sync/atomic"

	"github.com/tinyrange/msi/internal/cpu"
)

// Lock is a test-and-set spin lock. The zero value is unlocked.
type Lock struct {
	state atomic.Uint32
}

// Lock spins until the lock is acquired. It never parks the caller on a
// wait queue.
func (l *Lock) Lock() {
	for !l.state.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

// TryLock acquires the lock if it is free.
func (l *Lock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Unlock releases the lock. Unlocking a free lock is a bug and panics.
func (l *Lock) Unlock() {
	if !l.state.CompareAndSwap(1, 0) {
		panic("spinlock: unlock of unlocked lock")
	}
}

// Locked reports whether the lock is currently held.
func (l *Lock) Locked() bool {
	return l.state.Load() != 0
}

// LockIRQSave masks interrupts on h, then acquires the lock. The returned
// flags must be passed to UnlockIRQRestore.
func (l *Lock) LockIRQSave(h *cpu.Hart) cpu.Flags {
	flags := h.DisableInterrupts()
	l.Lock()
	return flags
}

// UnlockIRQRestore releases the lock and restores the interrupt state saved
// by LockIRQSave.
func (l *Lock) UnlockIRQRestore(h *cpu.Hart, flags cpu.Flags) {
	l.Unlock()
	h.RestoreInterrupts(flags)
}
