// Package irq is the generic interrupt layer: virtual IRQ numbers and their
// descriptors, handler registration, the generic dispatch entry point, and
// the IRQ domains that translate controller hwirqs into virqs.
package irq

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/msi/internal/cpu"
	"github.com/tinyrange/msi/internal/spinlock"
)

var (
	ErrNoSpace       = errors.New("irq: no space")
	ErrInvalidHwirq  = errors.New("irq: hwirq out of range")
	ErrUnknownIRQ    = errors.New("irq: no descriptor for virq")
	ErrInvalidDomain = errors.New("irq: invalid domain")
	ErrBusy          = errors.New("irq: handler already registered")
)

// Core owns the virq space and the descriptor table. All methods are safe to
// call with interrupts disabled: they only take spin locks.
type Core struct {
	lock    spinlock.Lock
	virqs   virqAllocator
	descs   map[uint32]*Desc
	domains []*Domain
	nextID  uint32

	log *slog.Logger
}

// NewCore returns a core with maxVirq virtual IRQ numbers (0 selects
// DefaultMaxVirq).
func NewCore(maxVirq uint32, log *slog.Logger) *Core {
	if maxVirq == 0 {
		maxVirq = DefaultMaxVirq
	}
	if log == nil {
		log = slog.Default()
	}
	return &Core{
		virqs:  newVirqAllocator(maxVirq),
		descs:  make(map[uint32]*Desc),
		nextID: 1,
		log:    log,
	}
}

func (c *Core) irqSave() cpu.Flags {
	return c.lock.LockIRQSave(cpu.Local())
}

func (c *Core) irqRestore(flags cpu.Flags) {
	c.lock.UnlockIRQRestore(cpu.Local(), flags)
}

// Desc returns the descriptor for virq.
func (c *Core) Desc(virq uint32) (*Desc, bool) {
	flags := c.irqSave()
	defer c.irqRestore(flags)
	d, ok := c.descs[virq]
	return d, ok
}

// AllocatedVirqs returns how many virqs are in use.
func (c *Core) AllocatedVirqs() uint32 {
	flags := c.irqSave()
	defer c.irqRestore(flags)
	return c.virqs.allocated()
}

// installDesc allocates a virq and publishes a descriptor for it.
func (c *Core) installDesc(hwirq uint32, d *Domain) (*Desc, error) {
	flags := c.irqSave()
	defer c.irqRestore(flags)
	virq, ok := c.virqs.alloc()
	if !ok {
		return nil, fmt.Errorf("allocate virq: %w", ErrNoSpace)
	}
	desc := newDesc(virq, hwirq, d)
	c.descs[virq] = desc
	return desc, nil
}

func (c *Core) removeDesc(virq uint32) *Desc {
	flags := c.irqSave()
	defer c.irqRestore(flags)
	desc, ok := c.descs[virq]
	if !ok {
		return nil
	}
	delete(c.descs, virq)
	c.virqs.free(virq)
	return desc
}

// RequestIRQ installs handler on virq. The first handler enables the line.
func (c *Core) RequestIRQ(virq uint32, name string, handler Handler, data any) error {
	if handler == nil {
		return fmt.Errorf("irq: request %d: nil handler", virq)
	}
	desc, ok := c.Desc(virq)
	if !ok {
		return fmt.Errorf("irq: request %d: %w", virq, ErrUnknownIRQ)
	}

	flags := desc.lock.LockIRQSave(cpu.Local())
	for _, a := range desc.actions {
		if a.name == name && a.data == data {
			desc.lock.UnlockIRQRestore(cpu.Local(), flags)
			return fmt.Errorf("irq: request %d (%s): %w", virq, name, ErrBusy)
		}
	}
	desc.actions = append(desc.actions, action{name: name, handler: handler, data: data})
	first := len(desc.actions) == 1
	desc.lock.UnlockIRQRestore(cpu.Local(), flags)

	if first {
		c.Enable(virq)
	}
	return nil
}

// FreeIRQ removes the handler registered with data. Removing the last
// handler disables the line.
func (c *Core) FreeIRQ(virq uint32, data any) {
	desc, ok := c.Desc(virq)
	if !ok {
		return
	}
	flags := desc.lock.LockIRQSave(cpu.Local())
	removed := false
	for i, a := range desc.actions {
		if a.data == data {
			desc.actions = append(desc.actions[:i], desc.actions[i+1:]...)
			removed = true
			break
		}
	}
	last := removed && len(desc.actions) == 0
	desc.lock.UnlockIRQRestore(cpu.Local(), flags)

	if last {
		c.Disable(virq)
	}
}

// Enable undoes one Disable. The chip is enabled when the depth reaches 0.
func (c *Core) Enable(virq uint32) {
	desc, ok := c.Desc(virq)
	if !ok {
		return
	}
	flags := desc.lock.LockIRQSave(cpu.Local())
	if desc.depth == 0 {
		desc.lock.UnlockIRQRestore(cpu.Local(), flags)
		c.log.Warn("irq: unbalanced enable", "virq", virq)
		return
	}
	desc.depth--
	enable := desc.depth == 0
	if enable {
		desc.status &^= StatusDisabled | StatusMasked
	}
	desc.lock.UnlockIRQRestore(cpu.Local(), flags)

	if enable && desc.Chip != nil {
		desc.Chip.Enable(desc)
	}
}

// Disable masks virq without waiting for running handlers. Calls nest.
func (c *Core) Disable(virq uint32) {
	desc, ok := c.Desc(virq)
	if !ok {
		return
	}
	flags := desc.lock.LockIRQSave(cpu.Local())
	desc.depth++
	disable := desc.depth == 1
	if disable {
		desc.status |= StatusDisabled
	}
	desc.lock.UnlockIRQRestore(cpu.Local(), flags)

	if disable && desc.Chip != nil {
		desc.Chip.Disable(desc)
	}
}

// Dispatch is the generic dispatch entry point. Handlers run without any IRQ
// layer lock held, so a handler may itself trigger further dispatches.
func (c *Core) Dispatch(virq uint32) error {
	desc, ok := c.Desc(virq)
	if !ok {
		return fmt.Errorf("irq: dispatch %d: %w", virq, ErrUnknownIRQ)
	}

	flags := desc.lock.LockIRQSave(cpu.Local())
	if desc.status&StatusDisabled != 0 || len(desc.actions) == 0 {
		desc.status |= StatusPending
		desc.lock.UnlockIRQRestore(cpu.Local(), flags)
		desc.spurious.Add(1)
		return nil
	}
	actions := append([]action(nil), desc.actions...)
	desc.status &^= StatusPending
	desc.status |= StatusInProgress
	desc.lock.UnlockIRQRestore(cpu.Local(), flags)

	desc.count.Add(1)
	for _, a := range actions {
		a.handler(a.data)
	}

	flags = desc.lock.LockIRQSave(cpu.Local())
	desc.status &^= StatusInProgress
	desc.lock.UnlockIRQRestore(cpu.Local(), flags)
	return nil
}
