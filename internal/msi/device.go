package msi

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Device is a device with MSI support initialized.
type Device struct {
	name   string
	domain Domain
	lines  Lines
	store  atomic.Pointer[Store]
	log    *slog.Logger
}

// NewDevice initializes MSI support for a device whose vectors come from
// domain. lines may be nil, in which case masking is a no-op.
func NewDevice(name string, domain Domain, lines Lines, log *slog.Logger) *Device {
	if log == nil {
		log = slog.Default()
	}
	d := &Device{
		name:   name,
		domain: domain,
		lines:  lines,
		log:    log.With("device", name),
	}
	d.store.Store(&Store{dev: d})
	return d
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Store returns the device's descriptor store, or nil after Cleanup.
func (d *Device) Store() *Store { return d.store.Load() }

// Count returns the number of granted vectors.
func (d *Device) Count() int {
	s := d.store.Load()
	if s == nil {
		return 0
	}
	return s.Count()
}

// Descriptors returns the granted vectors in allocation order.
func (d *Device) Descriptors() []*Descriptor {
	s := d.store.Load()
	if s == nil {
		return nil
	}
	return s.Descriptors()
}

func (d *Device) ready() (*Store, error) {
	if d == nil {
		return nil, fmt.Errorf("msi: nil device: %w", ErrInvalidArgument)
	}
	s := d.store.Load()
	if s == nil || d.domain == nil {
		return nil, fmt.Errorf("msi: %s: %w", d.name, ErrNotInitialized)
	}
	return s, nil
}

// AllocVectors grants the largest power of two n with n <= max, provided
// n >= min, and returns n. The new descriptors carry contiguous ascending
// hwirqs and non-zero virqs. On error nothing changes.
//
// The store lock is held for the whole call, so allocations and frees on
// one device are serialised and each batch is contiguous in the store.
func (d *Device) AllocVectors(min, max uint32, flags Flags) (int, error) {
	s, err := d.ready()
	if err != nil {
		return 0, err
	}
	if min == 0 || min > max || max > MaxVectors {
		return 0, fmt.Errorf("msi: %s: request [%d,%d]: %w", d.name, min, max, ErrInvalidArgument)
	}
	n := vectorCount(max)
	if n < min {
		return 0, fmt.Errorf("msi: %s: request [%d,%d]: %w", d.name, min, max, ErrNoFit)
	}

	irqFlags := s.Lock()
	defer s.Unlock(irqFlags)

	base, err := d.allocRange(n, flags)
	if err != nil {
		return 0, fmt.Errorf("msi: %s: reserve %d hwirqs: %w", d.name, n, err)
	}

	mark := len(s.descs)
	granted := make([]*Descriptor, 0, n)
	for i := range n {
		desc, err := d.grantLocked(s, base+i, n, flags)
		if err != nil {
			d.rollbackLocked(s, mark, granted, base, n)
			return 0, fmt.Errorf("msi: %s: vector %d of %d: %w", d.name, i, n, err)
		}
		granted = append(granted, desc)
	}

	d.log.Debug("msi vectors allocated", "base", base, "count", n)
	return int(n), nil
}

func (d *Device) allocRange(n uint32, flags Flags) (uint32, error) {
	if flags&FlagAligned != 0 {
		a, ok := d.domain.(AlignedDomain)
		if !ok {
			return 0, fmt.Errorf("aligned range: %w", ErrInvalidArgument)
		}
		return a.AllocAlignedHwirqRange(n, n)
	}
	return d.domain.AllocHwirqRange(n)
}

// grantLocked maps one hwirq and links its descriptor. On error the hwirq
// has no mapping and nothing was linked.
func (d *Device) grantLocked(s *Store, hwirq, n uint32, flags Flags) (*Descriptor, error) {
	desc, err := NewDescriptor(d, n)
	if err != nil {
		return nil, err
	}
	desc.Hwirq = hwirq
	desc.Attrib = uint16(flags)

	virq, err := d.domain.CreateMapping(hwirq)
	if err != nil {
		return nil, fmt.Errorf("map hwirq %d: %w", hwirq, err)
	}
	if virq == 0 {
		return nil, fmt.Errorf("map hwirq %d: %w", hwirq, ErrMapping)
	}
	desc.Irq = virq

	if c, ok := d.domain.(MessageComposer); ok {
		desc.setMessage(c.ComposeMSIMessage(hwirq))
	}

	if err := s.AddLocked(desc); err != nil {
		d.domain.DisposeMapping(virq)
		return nil, err
	}
	desc.granted = true
	return desc, nil
}

// rollbackLocked undoes a partial allocation. granted holds exactly the
// descriptors linked after mark by this call.
func (d *Device) rollbackLocked(s *Store, mark int, granted []*Descriptor, base, n uint32) {
	for i := len(granted) - 1; i >= 0; i-- {
		d.domain.DisposeMapping(granted[i].Irq)
	}
	s.truncateLocked(mark)
	d.domain.FreeHwirqRange(base, n)
	d.log.Debug("msi allocation rolled back", "base", base, "count", n, "linked", len(granted))
}

// FreeVectors releases every granted vector. Each descriptor's mapping is
// disposed and its hwirq returned to the domain one at a time, not as a
// contiguous range. Calling it with no vectors is a no-op.
func (d *Device) FreeVectors() {
	s, err := d.ready()
	if err != nil {
		return
	}
	flags := s.Lock()
	defer s.Unlock(flags)

	freed := len(s.descs)
	for _, desc := range s.descs {
		d.returnLocked(desc)
	}
	s.truncateLocked(0)

	if freed > 0 {
		d.log.Debug("msi vectors freed", "count", freed)
	}
}

// FreeVector releases a single granted vector.
func (d *Device) FreeVector(desc *Descriptor) error {
	s, err := d.ready()
	if err != nil {
		return err
	}
	if desc == nil {
		return fmt.Errorf("msi: %s: free vector: %w", d.name, ErrInvalidArgument)
	}
	flags := s.Lock()
	defer s.Unlock(flags)
	if desc.state != descLinked || desc.store != s {
		return fmt.Errorf("msi: %s: free %s: not granted to this device: %w", d.name, desc, ErrInvalidArgument)
	}
	d.returnLocked(desc)
	s.unlinkLocked(desc)
	return desc.destroy()
}

// returnLocked gives a granted descriptor's virq and hwirq back to the
// domain. Descriptors linked with Store.Add own neither and are left alone.
func (d *Device) returnLocked(desc *Descriptor) {
	if !desc.granted {
		return
	}
	if desc.Irq != 0 {
		d.domain.DisposeMapping(desc.Irq)
	}
	d.domain.FreeHwirqRange(desc.Hwirq, 1)
	desc.granted = false
}

// Cleanup frees all vectors and tears down MSI support. Later allocations
// fail with ErrNotInitialized.
func (d *Device) Cleanup() {
	if d == nil {
		return
	}
	d.FreeVectors()
	d.store.Store(nil)
}

// MaskIRQ disables the vector's virtual IRQ without waiting for a running
// handler.
func (d *Device) MaskIRQ(desc *Descriptor) {
	if desc == nil || desc.Irq == 0 || d.lines == nil {
		return
	}
	d.lines.Disable(desc.Irq)
}

// UnmaskIRQ re-enables a vector masked with MaskIRQ.
func (d *Device) UnmaskIRQ(desc *Descriptor) {
	if desc == nil || desc.Irq == 0 || d.lines == nil {
		return
	}
	d.lines.Enable(desc.Irq)
}

// ComposeMessage returns the message the device must write to raise desc.
func (d *Device) ComposeMessage(desc *Descriptor) (Message, error) {
	if desc == nil {
		return Message{}, fmt.Errorf("msi: compose: nil descriptor: %w", ErrInvalidArgument)
	}
	return desc.Message(), nil
}

// WriteMessage stores msg as the message for desc.
func (d *Device) WriteMessage(desc *Descriptor, msg Message) error {
	if desc == nil {
		return fmt.Errorf("msi: write message: nil descriptor: %w", ErrInvalidArgument)
	}
	desc.setMessage(msg)
	return nil
}
