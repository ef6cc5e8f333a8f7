// Package cpu models the interrupt-facing state of a RISC-V hart: the
// supervisor interrupt-enable bit and the external interrupt pending line.
package cpu

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// maxTrapsPerEntry bounds how many back-to-back external traps a single
// delivery attempt takes before giving up. A handler that never lowers the
// line would otherwise spin forever.
const maxTrapsPerEntry = 4096

// Flags is the saved interrupt-enable state returned by DisableInterrupts.
type Flags bool

// Hart is a single hardware thread.
type Hart struct {
	id uint32

	mu sync.Mutex
	// off counts outstanding DisableInterrupts calls; sstatus.SIE is set
	// only when it is zero.
	off     uint32
	line    bool // mip.SEIP
	handler func()

	traps  atomic.Uint64
	stalls atomic.Uint64
	log    *slog.Logger
}

// NewHart returns a hart with interrupts enabled and no external handler.
func NewHart(id uint32) *Hart {
	return &Hart{id: id, log: slog.Default()}
}

var local atomic.Pointer[Hart]

func init() {
	local.Store(NewHart(0))
}

// Local returns the hart the caller executes on. Only the boot hart exists.
func Local() *Hart {
	return local.Load()
}

// SetLocal replaces the boot hart and returns the previous one.
func SetLocal(h *Hart) *Hart {
	if h == nil {
		h = NewHart(0)
	}
	return local.Swap(h)
}

// ID returns the hart identifier.
func (h *Hart) ID() uint32 { return h.id }

// SetLogger overrides the logger used for trap diagnostics.
func (h *Hart) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	h.mu.Lock()
	h.log = l
	h.mu.Unlock()
}

// SetExternalHandler installs fn as the supervisor external interrupt
// handler. A nil fn leaves external interrupts pending forever.
func (h *Hart) SetExternalHandler(fn func()) {
	h.mu.Lock()
	h.handler = fn
	h.mu.Unlock()
	h.deliver()
}

// InterruptsEnabled reports the current interrupt-enable state.
func (h *Hart) InterruptsEnabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.off == 0
}

// DisableInterrupts masks interrupt delivery and returns the previous state.
// Calls nest.
func (h *Hart) DisableInterrupts() Flags {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.off == 0
	h.off++
	return Flags(prev)
}

// RestoreInterrupts undoes one DisableInterrupts. When the outermost disable
// is undone any external interrupt that arrived in the meantime is taken.
func (h *Hart) RestoreInterrupts(f Flags) {
	h.mu.Lock()
	if h.off == 0 {
		log := h.log
		h.mu.Unlock()
		log.Warn("cpu: unbalanced interrupt restore", "hart", h.id, "flags", bool(f))
		return
	}
	h.off--
	enabled := h.off == 0
	h.mu.Unlock()
	if enabled {
		h.deliver()
	}
}

// SetExternalLine drives the external interrupt pending line.
func (h *Hart) SetExternalLine(high bool) {
	h.mu.Lock()
	h.line = high
	h.mu.Unlock()
	if high {
		h.deliver()
	}
}

// ExternalLine reports the level of the external interrupt line.
func (h *Hart) ExternalLine() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.line
}

// Traps returns the number of external traps taken.
func (h *Hart) Traps() uint64 { return h.traps.Load() }

func (h *Hart) deliver() {
	for range maxTrapsPerEntry {
		h.mu.Lock()
		if h.off != 0 || !h.line || h.handler == nil {
			h.mu.Unlock()
			return
		}
		h.off++
		handler := h.handler
		h.mu.Unlock()

		h.traps.Add(1)
		handler()

		h.mu.Lock()
		h.off--
		h.mu.Unlock()
	}

	h.stalls.Add(1)
	h.mu.Lock()
	log := h.log
	h.mu.Unlock()
	log.Warn("cpu: external line stuck high", "hart", h.id, "traps", maxTrapsPerEntry)
}
