package platform

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/msi/internal/chipset"
	"github.com/tinyrange/msi/internal/cpu"
	"github.com/tinyrange/msi/internal/device"
	imsicdev "github.com/tinyrange/msi/internal/devices/imsic"
	"github.com/tinyrange/msi/internal/irq"
	"github.com/tinyrange/msi/internal/irqchip/imsic"
	"github.com/tinyrange/msi/internal/msi"
)

const (
	defaultMaxVirq = 1024

	endpointDriverName = "msi-endpoint"
	propVectors        = "msi-vectors"
	propFlags          = "msi-flags"
)

var (
	ErrUnknownEndpoint = errors.New("platform: unknown endpoint")
	ErrNoVector        = errors.New("platform: vector not allocated")
	ErrLeak            = errors.New("platform: interrupt resources leaked")
)

// Board is a running simulated machine. The IMSIC driver is a system
// singleton, so only one Board may be open at a time.
type Board struct {
	cfg *Config
	log *slog.Logger

	harts     []*cpu.Hart
	prevLocal *cpu.Hart

	model    *imsicdev.IMSIC
	bus      *chipset.Chipset
	core     *irq.Core
	registry *device.Registry
	devices  []*device.Device
	ctrl     *imsic.Controller

	mu        sync.Mutex
	endpoints []*Endpoint
}

// Endpoint is an MSI-capable device on the board.
type Endpoint struct {
	Name       string
	MinVectors uint32
	MaxVectors uint32
	Flags      msi.Flags

	MSI *msi.Device

	board    *Board
	received atomic.Uint64
}

// Received returns the number of interrupts the endpoint's handlers ran.
func (e *Endpoint) Received() uint64 { return e.received.Load() }

// NewBoard builds and boots cfg: it creates the harts and the IMSIC model,
// maps the interrupt files on the MMIO bus, then discovers the device tree
// and attaches the IMSIC and endpoint drivers.
func NewBoard(cfg *Config, log *slog.Logger) (_ *Board, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("platform: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("board", cfg.Name)

	b := &Board{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	for h := range cfg.Harts {
		hart := cpu.NewHart(h)
		hart.SetLogger(log)
		b.harts = append(b.harts, hart)
	}
	b.prevLocal = cpu.SetLocal(b.harts[0])

	b.model, err = imsicdev.New(cfg.IMSIC.Base, cfg.Harts, cfg.IMSIC.NumIDs, log)
	if err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	lines := chipset.NewLineSet(chipset.InterruptSinkFunc(func(line uint8, level bool) {
		if int(line) < len(b.harts) {
			b.harts[line].SetExternalLine(level)
		}
	}))
	for h := range cfg.Harts {
		if err := b.model.ConnectLine(h, lines.AllocateLine(uint8(h))); err != nil {
			return nil, fmt.Errorf("platform: %w", err)
		}
	}

	builder := chipset.NewBuilder()
	if err := builder.RegisterDevice("imsic", b.model); err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	b.bus, err = builder.Build()
	if err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	if err := b.bus.Start(); err != nil {
		return nil, fmt.Errorf("platform: start chipset: %w", err)
	}

	maxVirq := cfg.MaxVirq
	if maxVirq == 0 {
		maxVirq = defaultMaxVirq
	}
	b.core = irq.NewCore(maxVirq, log)

	b.registry = device.NewRegistry(log)
	env := imsic.Env{Core: b.core, Hart: b.harts[0], Bus: b.bus, Log: log}
	if err := b.registry.Register(imsic.NewDriver(env)); err != nil {
		return nil, err
	}
	if err := b.registry.Register(b.endpointDriver()); err != nil {
		return nil, err
	}

	b.devices, err = device.Discover(cfg.DeviceTree())
	if err != nil {
		return nil, fmt.Errorf("platform: discover: %w", err)
	}
	if err := b.registry.AttachAll(b.devices); err != nil {
		return nil, fmt.Errorf("platform: attach: %w", err)
	}

	ctrl, ok := b.controller()
	if !ok {
		return nil, fmt.Errorf("platform: no IMSIC in device tree: %w", imsic.ErrNotAttached)
	}
	b.ctrl = ctrl

	log.Info("board up", "harts", cfg.Harts, "endpoints", len(b.endpoints))
	return b, nil
}

// controller returns the attached IMSIC if it was attached to one of this
// board's devices.
func (b *Board) controller() (*imsic.Controller, bool) {
	ctrl, ok := imsic.Primary()
	if !ok {
		return nil, false
	}
	for _, dev := range b.devices {
		if dev == ctrl.Device() {
			return ctrl, true
		}
	}
	return nil, false
}

func (b *Board) endpointDriver() *device.Driver {
	return &device.Driver{
		Name:    endpointDriverName,
		Class:   device.ClassGeneric,
		Matches: []string{EndpointCompatible},
		Attach: func(dev *device.Device) error {
			ctrl, ok := b.controller()
			if !ok {
				return imsic.ErrNotAttached
			}
			window, ok := dev.PropertyU32s(propVectors)
			if !ok || len(window) != 2 {
				return fmt.Errorf("%s: want two cells", propVectors)
			}
			name := dev.UnitName()
			ep := &Endpoint{
				Name:       name,
				MinVectors: window[0],
				MaxVectors: window[1],
				Flags:      msi.Flags(dev.PropertyU32(propFlags, 0)),
				MSI:        msi.NewDevice(name, ctrl, b.core, b.log),
				board:      b,
			}
			dev.SetDriverData(ep)
			b.mu.Lock()
			b.endpoints = append(b.endpoints, ep)
			b.mu.Unlock()
			return nil
		},
		Detach: func(dev *device.Device) error {
			ep, ok := dev.DriverData().(*Endpoint)
			if !ok {
				return nil
			}
			b.releaseIRQs(ep)
			ep.MSI.Cleanup()
			b.mu.Lock()
			for i, e := range b.endpoints {
				if e == ep {
					b.endpoints = append(b.endpoints[:i], b.endpoints[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			return nil
		},
	}
}

// Config returns the board description.
func (b *Board) Config() *Config { return b.cfg }

// Hart returns the boot hart.
func (b *Board) Hart() *cpu.Hart { return b.harts[0] }

// Core returns the IRQ core.
func (b *Board) Core() *irq.Core { return b.core }

// Controller returns the attached IMSIC.
func (b *Board) Controller() *imsic.Controller { return b.ctrl }

// Model returns the IMSIC register model.
func (b *Board) Model() *imsicdev.IMSIC { return b.model }

// Bus returns the MMIO bus devices write their messages to.
func (b *Board) Bus() *chipset.Chipset { return b.bus }

// Endpoints returns the attached endpoints in device-tree order.
func (b *Board) Endpoints() []*Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Endpoint(nil), b.endpoints...)
}

// Endpoint returns the named endpoint.
func (b *Board) Endpoint(name string) (*Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ep := range b.endpoints {
		if ep.Name == name {
			return ep, nil
		}
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownEndpoint, name)
}

// AllocEndpoints asks every endpoint for its configured vector window and
// installs a counting handler on each granted vector. It stops at the first
// failure, leaving earlier endpoints allocated.
func (b *Board) AllocEndpoints() error {
	for _, ep := range b.Endpoints() {
		if _, err := ep.Alloc(ep.MinVectors, ep.MaxVectors); err != nil {
			return err
		}
	}
	return nil
}

// FreeEndpoints releases every endpoint's vectors.
func (b *Board) FreeEndpoints() {
	for _, ep := range b.Endpoints() {
		ep.Free()
	}
}

// Alloc grants vectors to the endpoint and installs its handlers. If a
// handler cannot be installed every vector of the endpoint is released.
func (e *Endpoint) Alloc(min, max uint32) (int, error) {
	n, err := e.MSI.AllocVectors(min, max, e.Flags)
	if err != nil {
		return 0, err
	}
	for _, desc := range e.MSI.Descriptors() {
		err := requestIRQ(e.board.core, desc.Irq, e.Name, e.handler, desc)
		if err != nil && !errors.Is(err, irq.ErrBusy) {
			e.Free()
			return 0, fmt.Errorf("platform: %s: request %s: %w", e.Name, desc, err)
		}
	}
	return n, nil
}

func (e *Endpoint) handler(any) { e.received.Add(1) }

// requestIRQ is replaced by tests to fail handler installation.
var requestIRQ = (*irq.Core).RequestIRQ

// Free removes the endpoint's handlers and releases its vectors.
func (e *Endpoint) Free() {
	e.board.releaseIRQs(e)
	e.MSI.FreeVectors()
}

func (b *Board) releaseIRQs(ep *Endpoint) {
	for _, desc := range ep.MSI.Descriptors() {
		b.core.FreeIRQ(desc.Irq, desc)
	}
}

// Signal makes the endpoint write the MSI message of its vector'th vector.
func (b *Board) Signal(endpoint string, vector int) error {
	ep, err := b.Endpoint(endpoint)
	if err != nil {
		return err
	}
	descs := ep.MSI.Descriptors()
	if vector < 0 || vector >= len(descs) {
		return fmt.Errorf("platform: %s vector %d of %d: %w", endpoint, vector, len(descs), ErrNoVector)
	}
	msg, err := ep.MSI.ComposeMessage(descs[vector])
	if err != nil {
		return err
	}
	return b.bus.SignalMSI(msg.Address(), msg.Data)
}

// SignalAll writes the message of every granted vector once and returns the
// number of messages sent.
func (b *Board) SignalAll() (int, error) {
	sent := 0
	for _, ep := range b.Endpoints() {
		for i := range ep.MSI.Descriptors() {
			if err := b.Signal(ep.Name, i); err != nil {
				return sent, err
			}
			sent++
		}
	}
	return sent, nil
}

// VectorCount is the delivery count of one granted vector.
type VectorCount struct {
	Endpoint string
	Hwirq    uint32
	Virq     uint32
	Count    uint64
}

// Counts returns the delivery count of every granted vector.
func (b *Board) Counts() []VectorCount {
	var out []VectorCount
	for _, ep := range b.Endpoints() {
		for _, desc := range ep.MSI.Descriptors() {
			vc := VectorCount{Endpoint: ep.Name, Hwirq: desc.Hwirq, Virq: desc.Irq}
			if d, ok := b.core.Desc(desc.Irq); ok {
				vc.Count = d.Count()
			}
			out = append(out, vc)
		}
	}
	return out
}

// soakSizes are the request sizes a soak cycle rotates through.
var soakSizes = []uint32{1, 2, 4, 8, 16}

// Soak runs n allocate, signal and free cycles on a scratch device next to
// the configured endpoints and verifies that no identity or virtual IRQ
// leaks. step runs after each cycle and may be nil.
func (b *Board) Soak(n int, step func()) error {
	freeHwirqs := b.ctrl.Domain().FreeHwirqs()
	virqs := b.core.AllocatedVirqs()

	scratch := &Endpoint{
		Name:  "soak",
		MSI:   msi.NewDevice("soak", b.ctrl, b.core, b.log),
		board: b,
	}
	defer scratch.MSI.Cleanup()

	for i := range n {
		size := soakSizes[i%len(soakSizes)]
		if _, err := scratch.Alloc(size, size); err != nil {
			return fmt.Errorf("platform: soak cycle %d: %w", i, err)
		}
		for _, desc := range scratch.MSI.Descriptors() {
			msg, err := scratch.MSI.ComposeMessage(desc)
			if err != nil {
				return err
			}
			if err := b.bus.SignalMSI(msg.Address(), msg.Data); err != nil {
				return fmt.Errorf("platform: soak cycle %d: %w", i, err)
			}
		}
		scratch.Free()

		if got := b.ctrl.Domain().FreeHwirqs(); got != freeHwirqs {
			return fmt.Errorf("%w: cycle %d: %d free identities, want %d", ErrLeak, i, got, freeHwirqs)
		}
		if got := b.core.AllocatedVirqs(); got != virqs {
			return fmt.Errorf("%w: cycle %d: %d virqs allocated, want %d", ErrLeak, i, got, virqs)
		}
		if step != nil {
			step()
		}
	}

	if n > 0 && scratch.Received() == 0 {
		return fmt.Errorf("platform: soak delivered no interrupts")
	}
	return nil
}

// Close tears the board down in reverse order. It is safe to call on a
// partially built board.
func (b *Board) Close() error {
	var errs []error
	if b.registry != nil {
		for i := len(b.devices) - 1; i >= 0; i-- {
			if err := b.registry.Unbind(b.devices[i]); err != nil {
				errs = append(errs, err)
			}
		}
	}
	// A failed boot can leave our controller attached without its device
	// bound.
	if _, ok := b.controller(); ok {
		if err := imsic.Detach(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.bus != nil {
		if err := b.bus.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.model != nil {
		if err := b.model.Close(); err != nil {
			errs = append(errs, err)
		}
		b.model = nil
	}
	if b.prevLocal != nil {
		cpu.SetLocal(b.prevLocal)
		b.prevLocal = nil
	}
	b.ctrl = nil
	return errors.Join(errs...)
}
