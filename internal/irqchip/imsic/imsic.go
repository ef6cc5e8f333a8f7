// Package imsic drives the RISC-V Incoming MSI Controller: it owns the IRQ
// domain for MSI identities, composes the messages devices write, and turns
// the hart's external interrupt into a generic IRQ dispatch.
package imsic

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/msi/internal/chipset"
	"github.com/tinyrange/msi/internal/cpu"
	"github.com/tinyrange/msi/internal/device"
	"github.com/tinyrange/msi/internal/irq"
	"github.com/tinyrange/msi/internal/msi"
)

const (
	DriverName = "riscv-imsic"

	// DefaultNumIDs is used when the device has no riscv,num-ids property.
	DefaultNumIDs = 256
	// MaxIDs caps riscv,num-ids.
	MaxIDs = 256

	PropNumIDs = "riscv,num-ids"
)

// Compatibles lists the device-tree compatible strings the driver binds.
var Compatibles = []string{"riscv,imsics", "qemu,imsics"}

var (
	ErrAlreadyAttached = errors.New("imsic: controller already attached")
	ErrNotAttached     = errors.New("imsic: controller not attached")
	ErrNoMMIO          = errors.New("imsic: missing MMIO resource")
	ErrDomain          = errors.New("imsic: cannot create IRQ domain")
)

// Env is what the driver needs from the rest of the system.
type Env struct {
	Core *irq.Core
	// Hart receives the external interrupt; nil selects cpu.Local().
	Hart *cpu.Hart
	// Bus reaches the interrupt file registers.
	Bus chipset.MmioHandler
	Log *slog.Logger
}

// Controller is the attached IMSIC.
type Controller struct {
	dev      *device.Device
	files    []*File
	numHarts uint32
	numIDs   uint32
	basePPN  uint64

	core   *irq.Core
	domain *irq.Domain
	hart   *cpu.Hart
	log    *slog.Logger

	dispatched atomic.Uint64
	unmapped   atomic.Uint64
	empty      atomic.Uint64
}

// Device returns the device the controller is attached to.
func (c *Controller) Device() *device.Device { return c.dev }

// NumHarts returns the number of interrupt files in use.
func (c *Controller) NumHarts() uint32 { return c.numHarts }

// NumIDs returns the identities per file.
func (c *Controller) NumIDs() uint32 { return c.numIDs }

// BasePPN returns the physical page number of hart 0's file.
func (c *Controller) BasePPN() uint64 { return c.basePPN }

// Domain returns the IRQ domain covering the MSI identities.
func (c *Controller) Domain() *irq.Domain { return c.domain }

// Core returns the IRQ core the domain belongs to.
func (c *Controller) Core() *irq.Core { return c.core }

// File returns hart's interrupt file.
func (c *Controller) File(hart uint32) (*File, bool) {
	if int(hart) >= len(c.files) {
		return nil, false
	}
	return c.files[hart], true
}

// Stats reports dispatch outcomes: identities handed to the IRQ core,
// identities with no mapping, and traps that found nothing pending.
func (c *Controller) Stats() (dispatched, unmapped, empty uint64) {
	return c.dispatched.Load(), c.unmapped.Load(), c.empty.Load()
}

// Dispatch services the lowest pending identity of hart 0's file. Further
// pending identities keep the external line high and are serviced when the
// hart traps again. An identity with no mapping is dropped.
func (c *Controller) Dispatch() {
	f := c.files[0]
	hwirq := f.firstPending()
	if hwirq == 0 {
		c.empty.Add(1)
		return
	}

	if virq := c.domain.FindMapping(hwirq); virq != 0 {
		c.dispatched.Add(1)
		if err := c.core.Dispatch(virq); err != nil {
			c.log.Warn("imsic: dispatch failed", "hwirq", hwirq, "virq", virq, "err", err)
		}
	} else {
		c.unmapped.Add(1)
		c.log.Debug("imsic: no mapping for pending identity", "hwirq", hwirq)
	}

	f.ClearPending(hwirq)
}

// Name implements irq.Chip.
func (c *Controller) Name() string { return "IMSIC" }

// Enable implements irq.Chip.
func (c *Controller) Enable(d *irq.Desc) { c.files[0].SetEnabled(d.Hwirq, true) }

// Disable implements irq.Chip.
func (c *Controller) Disable(d *irq.Desc) { c.files[0].SetEnabled(d.Hwirq, false) }

// Ack implements irq.Chip. Dispatch clears the pending bit itself.
func (c *Controller) Ack(*irq.Desc) {}

// Mask implements irq.Chip.
func (c *Controller) Mask(d *irq.Desc) { c.files[0].SetEnabled(d.Hwirq, false) }

// Unmask implements irq.Chip.
func (c *Controller) Unmask(d *irq.Desc) { c.files[0].SetEnabled(d.Hwirq, true) }

// AllocHwirqRange implements msi.Domain.
func (c *Controller) AllocHwirqRange(n uint32) (uint32, error) {
	return c.domain.AllocHwirqRange(n)
}

// AllocAlignedHwirqRange implements msi.AlignedDomain.
func (c *Controller) AllocAlignedHwirqRange(n, align uint32) (uint32, error) {
	return c.domain.AllocAlignedHwirqRange(n, align)
}

// FreeHwirqRange implements msi.Domain.
func (c *Controller) FreeHwirqRange(base, n uint32) {
	c.domain.FreeHwirqRange(base, n)
}

// CreateMapping implements msi.Domain.
func (c *Controller) CreateMapping(hwirq uint32) (uint32, error) {
	return c.domain.CreateMapping(hwirq)
}

// DisposeMapping implements msi.Domain.
func (c *Controller) DisposeMapping(virq uint32) {
	c.core.DisposeMapping(virq)
}

// ComposeMSIMessage implements msi.MessageComposer: the target is hart 0's
// SETEIPNUM register and the payload is the identity.
func (c *Controller) ComposeMSIMessage(hwirq uint32) msi.Message {
	addr := c.basePPN<<12 + RegSetEIPNum
	return msi.Message{
		AddressLo: uint32(addr),
		AddressHi: uint32(addr >> 32),
		Data:      hwirq,
	}
}

var (
	_ irq.Chip            = (*Controller)(nil)
	_ msi.Domain          = (*Controller)(nil)
	_ msi.AlignedDomain   = (*Controller)(nil)
	_ msi.MessageComposer = (*Controller)(nil)
)

// createDomain is replaced by tests to simulate allocator failure.
var createDomain = func(core *irq.Core, name string, size uint32, chip irq.Chip) (*irq.Domain, error) {
	return core.CreateLinearDomain(name, size, chip, nil, nil)
}

func newController(dev *device.Device, env Env) (*Controller, error) {
	if env.Bus == nil {
		return nil, fmt.Errorf("imsic: %s: no register bus: %w", dev, ErrNoMMIO)
	}
	res, ok := dev.Resource(device.ResourceMem, 0)
	if !ok {
		return nil, fmt.Errorf("imsic: %s: %w", dev, ErrNoMMIO)
	}
	if env.Core == nil {
		return nil, fmt.Errorf("imsic: %s: no IRQ core: %w", dev, ErrDomain)
	}

	log := env.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("device", dev.Name)

	numIDs := dev.PropertyU32(PropNumIDs, DefaultNumIDs)
	if numIDs == 0 || numIDs > MaxIDs {
		log.Warn("imsic: clamping identity count", "requested", numIDs, "max", MaxIDs)
		numIDs = MaxIDs
	}

	hart := env.Hart
	if hart == nil {
		hart = cpu.Local()
	}

	c := &Controller{
		dev:      dev,
		numHarts: 1,
		numIDs:   numIDs,
		basePPN:  res.Start >> 12,
		core:     env.Core,
		hart:     hart,
		log:      log,
	}
	c.files = []*File{newFile(env.Bus, res.Start, hart.ID(), numIDs, log)}

	domain, err := createDomain(env.Core, dev.Name, numIDs, c)
	if err != nil {
		return nil, fmt.Errorf("imsic: %s: %w: %w", dev, ErrDomain, err)
	}
	if domain == nil {
		return nil, fmt.Errorf("imsic: %s: %w", dev, ErrDomain)
	}
	// Identity 0 is not a valid interrupt and doubles as "nothing pending".
	if err := domain.ReserveHwirq(0); err != nil {
		env.Core.RemoveDomain(domain)
		return nil, fmt.Errorf("imsic: %s: reserve identity 0: %w", dev, err)
	}
	c.domain = domain
	return c, nil
}

func (c *Controller) start() {
	f := c.files[0]
	f.reset()
	f.SetThreshold(0)
	f.SetDelivery(true)
	c.hart.SetExternalHandler(c.Dispatch)
	c.log.Info("imsic attached",
		"harts", c.numHarts,
		"ids", c.numIDs,
		"base_ppn", fmt.Sprintf("0x%x", c.basePPN))
}

func (c *Controller) stop() {
	c.hart.SetExternalHandler(nil)
	c.files[0].SetDelivery(false)
	c.core.RemoveDomain(c.domain)
	c.log.Info("imsic detached")
}
