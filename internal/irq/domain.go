package irq

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/bitmap"

	"github.com/tinyrange/msi/internal/cpu"
	"github.com/tinyrange/msi/internal/spinlock"
)

// DomainKind selects how a domain stores its mappings.
type DomainKind int

const (
	// DomainLinear is a dense array indexed by hwirq.
	DomainLinear DomainKind = iota
	// DomainTree is a sparse map for large, lightly populated hwirq spaces.
	DomainTree
)

func (k DomainKind) String() string {
	switch k {
	case DomainLinear:
		return "linear"
	case DomainTree:
		return "tree"
	default:
		return fmt.Sprintf("DomainKind(%d)", int(k))
	}
}

// DomainOps are optional hooks run when a mapping is created or disposed.
type DomainOps interface {
	Map(d *Domain, virq, hwirq uint32) error
	Unmap(d *Domain, virq uint32)
}

// Domain translates a controller's hwirq numbers into virqs and hands out
// contiguous hwirq ranges for MSI.
type Domain struct {
	name     string
	kind     DomainKind
	id       uint32
	size     uint32
	core     *Core
	ops      DomainOps
	chip     Chip
	chipData any

	lock   spinlock.Lock
	linear []*Desc
	tree   map[uint32]*Desc
	// reserved holds ranges handed out by AllocHwirqRange; pinned holds
	// ReserveHwirq reservations, which FreeHwirqRange never releases.
	reserved bitmap.Bitmap
	pinned   bitmap.Bitmap
	// busy is reserved ∪ pinned ∪ mapped; range allocation searches its
	// zero runs.
	busy    bitmap.Bitmap
	removed bool
}

// CreateLinearDomain creates a dense domain covering hwirqs [0, size).
func (c *Core) CreateLinearDomain(name string, size uint32, chip Chip, chipData any, ops DomainOps) (*Domain, error) {
	if size == 0 {
		return nil, fmt.Errorf("irq: create domain %q: zero size: %w", name, ErrInvalidDomain)
	}
	d := c.newDomain(name, DomainLinear, size, chip, chipData, ops)
	d.linear = make([]*Desc, size)
	c.registerDomain(d)
	return d, nil
}

// CreateTreeDomain creates a sparse domain covering hwirqs [0, max).
func (c *Core) CreateTreeDomain(name string, max uint32, chip Chip, chipData any, ops DomainOps) (*Domain, error) {
	if max == 0 {
		return nil, fmt.Errorf("irq: create domain %q: zero size: %w", name, ErrInvalidDomain)
	}
	d := c.newDomain(name, DomainTree, max, chip, chipData, ops)
	d.tree = make(map[uint32]*Desc)
	c.registerDomain(d)
	return d, nil
}

func (c *Core) newDomain(name string, kind DomainKind, size uint32, chip Chip, chipData any, ops DomainOps) *Domain {
	return &Domain{
		name:     name,
		kind:     kind,
		size:     size,
		core:     c,
		ops:      ops,
		chip:     chip,
		chipData: chipData,
		reserved: bitmap.New(size),
		pinned:   bitmap.New(size),
		busy:     bitmap.New(size),
	}
}

func (c *Core) registerDomain(d *Domain) {
	flags := c.irqSave()
	defer c.irqRestore(flags)
	d.id = c.nextID
	c.nextID++
	c.domains = append(c.domains, d)
}

// Domains returns the registered domains in creation order.
func (c *Core) Domains() []*Domain {
	flags := c.irqSave()
	defer c.irqRestore(flags)
	return append([]*Domain(nil), c.domains...)
}

// RemoveDomain disposes every mapping of d and unregisters it.
func (c *Core) RemoveDomain(d *Domain) {
	if d == nil {
		return
	}
	for _, virq := range d.virqs() {
		c.DisposeMapping(virq)
	}

	flags := d.irqSave()
	d.removed = true
	d.irqRestore(flags)

	flags = c.irqSave()
	defer c.irqRestore(flags)
	for i, existing := range c.domains {
		if existing == d {
			c.domains = append(c.domains[:i], c.domains[i+1:]...)
			break
		}
	}
}

// Name returns the domain name.
func (d *Domain) Name() string { return d.name }

// Kind returns the storage strategy.
func (d *Domain) Kind() DomainKind { return d.kind }

// ID returns the unique domain identifier.
func (d *Domain) ID() uint32 { return d.id }

// Size returns the number of hwirqs the domain covers.
func (d *Domain) Size() uint32 { return d.size }

// Core returns the core the domain belongs to.
func (d *Domain) Core() *Core { return d.core }

func (d *Domain) irqSave() cpu.Flags {
	return d.lock.LockIRQSave(cpu.Local())
}

func (d *Domain) irqRestore(flags cpu.Flags) {
	d.lock.UnlockIRQRestore(cpu.Local(), flags)
}

func (d *Domain) lookupLocked(hwirq uint32) *Desc {
	if hwirq >= d.size {
		return nil
	}
	if d.kind == DomainLinear {
		return d.linear[hwirq]
	}
	return d.tree[hwirq]
}

func (d *Domain) storeLocked(hwirq uint32, desc *Desc) {
	if d.kind == DomainLinear {
		d.linear[hwirq] = desc
	} else if desc == nil {
		delete(d.tree, hwirq)
	} else {
		d.tree[hwirq] = desc
	}
	if desc != nil {
		d.busy.Add(hwirq)
	} else if !d.heldLocked(hwirq) {
		d.busy.Remove(hwirq)
	}
}

func (d *Domain) heldLocked(hwirq uint32) bool {
	return has(&d.reserved, hwirq) || has(&d.pinned, hwirq)
}

func (d *Domain) virqs() []uint32 {
	flags := d.irqSave()
	defer d.irqRestore(flags)
	var out []uint32
	if d.kind == DomainLinear {
		for _, desc := range d.linear {
			if desc != nil {
				out = append(out, desc.Virq)
			}
		}
	} else {
		for _, desc := range d.tree {
			out = append(out, desc.Virq)
		}
	}
	return out
}

// AllocHwirqRange reserves the lowest run of n hwirqs that are neither
// reserved nor mapped and returns its base.
func (d *Domain) AllocHwirqRange(n uint32) (uint32, error) {
	return d.AllocAlignedHwirqRange(n, 1)
}

// AllocAlignedHwirqRange is AllocHwirqRange with the base a multiple of
// align, which must be a power of two.
func (d *Domain) AllocAlignedHwirqRange(n, align uint32) (uint32, error) {
	if n == 0 {
		return 0, fmt.Errorf("irq: %s: allocate 0 hwirqs: %w", d.name, ErrInvalidHwirq)
	}
	if align == 0 || align&(align-1) != 0 {
		return 0, fmt.Errorf("irq: %s: alignment %d: %w", d.name, align, ErrInvalidHwirq)
	}
	flags := d.irqSave()
	defer d.irqRestore(flags)
	if d.removed {
		return 0, fmt.Errorf("irq: %s: %w", d.name, ErrInvalidDomain)
	}
	base, ok := findAlignedZeroRun(&d.busy, d.size, n, align)
	if !ok {
		return 0, fmt.Errorf("irq: %s: no run of %d free hwirqs: %w", d.name, n, ErrNoSpace)
	}
	for h := base; h < base+n; h++ {
		d.reserved.Add(h)
		d.busy.Add(h)
	}
	return base, nil
}

// FreeHwirqRange releases a reservation made by AllocHwirqRange. hwirqs that
// still carry a mapping stay busy until the mapping is disposed, and hwirqs
// withheld by ReserveHwirq stay withheld.
func (d *Domain) FreeHwirqRange(base, n uint32) {
	flags := d.irqSave()
	defer d.irqRestore(flags)
	for h := base; h < base+n && h < d.size; h++ {
		d.reserved.Remove(h)
		if d.lookupLocked(h) == nil && !has(&d.pinned, h) {
			d.busy.Remove(h)
		}
	}
}

// ReserveHwirq permanently withholds hwirq from range allocation.
func (d *Domain) ReserveHwirq(hwirq uint32) error {
	flags := d.irqSave()
	defer d.irqRestore(flags)
	if hwirq >= d.size {
		return fmt.Errorf("irq: %s: reserve %d: %w", d.name, hwirq, ErrInvalidHwirq)
	}
	if has(&d.busy, hwirq) {
		return fmt.Errorf("irq: %s: reserve %d: %w", d.name, hwirq, ErrBusy)
	}
	d.pinned.Add(hwirq)
	d.busy.Add(hwirq)
	return nil
}

// FreeHwirqs returns how many hwirqs are neither reserved nor mapped.
func (d *Domain) FreeHwirqs() uint32 {
	flags := d.irqSave()
	defer d.irqRestore(flags)
	return d.size - d.busy.GetNumOnes()
}

// CreateMapping maps hwirq to a fresh virq, or returns the existing mapping.
func (d *Domain) CreateMapping(hwirq uint32) (uint32, error) {
	if hwirq >= d.size {
		return 0, fmt.Errorf("irq: %s: map hwirq %d: %w", d.name, hwirq, ErrInvalidHwirq)
	}
	if virq := d.FindMapping(hwirq); virq != 0 {
		return virq, nil
	}

	desc, err := d.core.installDesc(hwirq, d)
	if err != nil {
		return 0, fmt.Errorf("irq: %s: map hwirq %d: %w", d.name, hwirq, err)
	}

	flags := d.irqSave()
	if d.removed || d.lookupLocked(hwirq) != nil {
		d.irqRestore(flags)
		d.core.removeDesc(desc.Virq)
		if d.removed {
			return 0, fmt.Errorf("irq: %s: %w", d.name, ErrInvalidDomain)
		}
		return d.FindMapping(hwirq), nil
	}
	d.storeLocked(hwirq, desc)
	d.irqRestore(flags)

	if d.ops != nil {
		if err := d.ops.Map(d, desc.Virq, hwirq); err != nil {
			d.core.DisposeMapping(desc.Virq)
			return 0, fmt.Errorf("irq: %s: map hook for hwirq %d: %w", d.name, hwirq, err)
		}
	}
	return desc.Virq, nil
}

// FindMapping returns the virq mapped to hwirq, or 0.
func (d *Domain) FindMapping(hwirq uint32) uint32 {
	flags := d.irqSave()
	defer d.irqRestore(flags)
	if desc := d.lookupLocked(hwirq); desc != nil {
		return desc.Virq
	}
	return 0
}

// DisposeMapping is DisposeMapping on the owning core.
func (d *Domain) DisposeMapping(virq uint32) {
	d.core.DisposeMapping(virq)
}

// DisposeMapping removes a mapping created by CreateMapping and frees its
// virq. Disposing 0 or an unknown virq is a no-op.
func (c *Core) DisposeMapping(virq uint32) {
	if virq == 0 {
		return
	}
	desc, ok := c.Desc(virq)
	if !ok || desc.Domain == nil {
		return
	}
	d := desc.Domain

	if d.ops != nil {
		d.ops.Unmap(d, virq)
	}

	flags := d.irqSave()
	if d.lookupLocked(desc.Hwirq) == desc {
		d.storeLocked(desc.Hwirq, nil)
	}
	d.irqRestore(flags)

	c.removeDesc(virq)
}
