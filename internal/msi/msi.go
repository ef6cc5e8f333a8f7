// Package msi implements message-signaled interrupt vectors: the per-device
// descriptor store and the allocator that grants power-of-two blocks of
// vectors from an IRQ domain.
//
// A device asks for between min and max vectors. The allocator reserves a
// contiguous block of hardware IRQ numbers, maps each one to a virtual IRQ
// and records a Descriptor per vector in the device's Store. Allocation is
// all-or-nothing: a failure part way through leaves the Store and the domain
// exactly as they were.
package msi

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/tinyrange/msi/internal/spinlock"
)

// MaxVectors is the largest block a single MSI capability can hold.
const MaxVectors = 32

var (
	ErrInvalidArgument = errors.New("msi: invalid argument")
	ErrNoFit           = errors.New("msi: no power-of-two vector count fits the request")
	ErrNotInitialized  = errors.New("msi: device has no MSI support")
	ErrReleased        = errors.New("msi: descriptor already released")
	ErrMapping         = errors.New("msi: domain returned no mapping")
)

// Flags are the capability flags passed to AllocVectors. They are recorded
// on every granted descriptor as its attribute word.
type Flags uint32

const (
	FlagUseDefNumVecs Flags = 1 << iota
	FlagMultiVector
	Flag64Bit
	FlagMaskable
	FlagMSIX
	// FlagAligned asks for a hwirq base aligned to the block size, as
	// multi-message MSI on a PCI function requires.
	FlagAligned
)

// Message is what the device writes to raise the interrupt.
type Message struct {
	AddressLo uint32
	AddressHi uint32
	Data      uint32
}

// Address returns the full 64-bit target address.
func (m Message) Address() uint64 {
	return uint64(m.AddressHi)<<32 | uint64(m.AddressLo)
}

func (m Message) String() string {
	return fmt.Sprintf("addr=0x%016x data=0x%x", m.Address(), m.Data)
}

// Domain provides hardware IRQ numbers and their virtual IRQ mappings. Every
// method must be safe to call with interrupts disabled: the allocator calls
// them while holding the store lock.
type Domain interface {
	AllocHwirqRange(n uint32) (uint32, error)
	FreeHwirqRange(base, n uint32)
	CreateMapping(hwirq uint32) (uint32, error)
	DisposeMapping(virq uint32)
}

// AlignedDomain is implemented by domains that can place a range on an
// aligned base.
type AlignedDomain interface {
	AllocAlignedHwirqRange(n, align uint32) (uint32, error)
}

// MessageComposer is implemented by domains that know the message a vector
// must be signalled with.
type MessageComposer interface {
	ComposeMSIMessage(hwirq uint32) Message
}

// Lines masks and unmasks virtual IRQs.
type Lines interface {
	Enable(virq uint32)
	Disable(virq uint32)
}

type descState uint8

const (
	descUnlinked descState = iota
	descLinked
	descReleased
)

// Descriptor is one granted vector. Hwirq, Irq, Attrib and Multiple are
// fixed once the descriptor is linked.
type Descriptor struct {
	Hwirq uint32
	// Irq is the virtual IRQ; 0 means unmapped.
	Irq      uint32
	Attrib   uint16
	Multiple uint8

	dev *Device
	// granted is set while the descriptor owns a hwirq and virq from the
	// device's domain.
	granted bool

	msgLock spinlock.Lock
	msg     Message

	// Guarded by the owning store's lock.
	state descState
	store *Store
}

// NewDescriptor returns an unlinked descriptor for a block of nvec vectors.
// Multiple is set to ceil(log2(nvec)).
func NewDescriptor(dev *Device, nvec uint32) (*Descriptor, error) {
	if dev == nil {
		return nil, fmt.Errorf("msi: new descriptor: nil device: %w", ErrInvalidArgument)
	}
	if nvec == 0 || nvec > MaxVectors {
		return nil, fmt.Errorf("msi: new descriptor: %d vectors: %w", nvec, ErrInvalidArgument)
	}
	return &Descriptor{dev: dev, Multiple: log2Ceil(nvec)}, nil
}

// Device returns the device the descriptor was granted to.
func (d *Descriptor) Device() *Device { return d.dev }

// Message returns the stored message.
func (d *Descriptor) Message() Message {
	d.msgLock.Lock()
	defer d.msgLock.Unlock()
	return d.msg
}

func (d *Descriptor) setMessage(m Message) {
	d.msgLock.Lock()
	d.msg = m
	d.msgLock.Unlock()
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("msi(hwirq=%d irq=%d)", d.Hwirq, d.Irq)
}

func log2Ceil(n uint32) uint8 {
	if n <= 1 {
		return 0
	}
	return uint8(bits.Len32(n - 1))
}

// vectorCount returns the largest power of two not above max.
func vectorCount(max uint32) uint32 {
	if max == 0 {
		return 0
	}
	return 1 << (bits.Len32(max) - 1)
}
