package irq

import (
	"sync/atomic"

	"github.com/tinyrange/msi/internal/cpu"
	"github.com/tinyrange/msi/internal/spinlock"
)

// Handler services an interrupt. data is the cookie passed to RequestIRQ.
type Handler func(data any)

// Chip is the hardware side of an interrupt controller.
type Chip interface {
	Name() string
	Enable(d *Desc)
	Disable(d *Desc)
	Ack(d *Desc)
	Mask(d *Desc)
	Unmask(d *Desc)
}

// Status bits of a descriptor.
type Status uint32

const (
	StatusDisabled Status = 1 << iota
	StatusPending
	StatusInProgress
	StatusMasked
)

type action struct {
	name    string
	handler Handler
	data    any
}

// Desc is the per-virq descriptor.
type Desc struct {
	Virq     uint32
	Hwirq    uint32
	Domain   *Domain
	Chip     Chip
	ChipData any

	lock    spinlock.Lock
	actions []action
	depth   uint32
	status  Status

	count    atomic.Uint64
	spurious atomic.Uint64
}

func newDesc(virq, hwirq uint32, d *Domain) *Desc {
	desc := &Desc{
		Virq:   virq,
		Hwirq:  hwirq,
		Domain: d,
		depth:  1,
		status: StatusDisabled,
	}
	if d != nil {
		desc.Chip = d.chip
		desc.ChipData = d.chipData
	}
	return desc
}

// Count returns how many times the descriptor was dispatched to handlers.
func (d *Desc) Count() uint64 { return d.count.Load() }

// Spurious returns how many dispatches found no enabled handler.
func (d *Desc) Spurious() uint64 { return d.spurious.Load() }

// Status returns a snapshot of the status bits.
func (d *Desc) Status() Status {
	flags := d.lock.LockIRQSave(cpu.Local())
	defer d.lock.UnlockIRQRestore(cpu.Local(), flags)
	return d.status
}

// Disabled reports whether the descriptor is disabled.
func (d *Desc) Disabled() bool {
	return d.Status()&StatusDisabled != 0
}
