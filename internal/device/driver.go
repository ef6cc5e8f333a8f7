package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ProbeScore ranks how well a driver fits a device.
type ProbeScore int

const (
	ProbeNone    ProbeScore = 0
	ProbeGeneric ProbeScore = 50
	ProbeExact   ProbeScore = 100
)

// Class groups drivers for ordering: interrupt controllers attach before the
// devices that route interrupts through them.
type Class int

const (
	ClassIntc Class = iota
	ClassGeneric
)

var ErrNoDriver = errors.New("no matching driver")

// Driver binds to devices whose compatible list matches.
type Driver struct {
	Name    string
	Class   Class
	Matches []string

	// Probe refines the match; nil means an exact score on any compatible match.
	Probe  func(dev *Device) ProbeScore
	Attach func(dev *Device) error
	Detach func(dev *Device) error
}

func (drv *Driver) score(dev *Device) ProbeScore {
	matched := false
	for _, m := range drv.Matches {
		if dev.IsCompatible(m) {
			matched = true
			break
		}
	}
	if !matched {
		return ProbeNone
	}
	if drv.Probe == nil {
		return ProbeExact
	}
	return drv.Probe(dev)
}

// Registry holds registered drivers.
type Registry struct {
	mu      sync.Mutex
	drivers []*Driver
	log     *slog.Logger
}

// NewRegistry returns an empty registry logging through log.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{log: log}
}

// Register adds a driver. Names must be unique.
func (r *Registry) Register(drv *Driver) error {
	if drv == nil || drv.Name == "" {
		return fmt.Errorf("device: register: driver has no name")
	}
	if drv.Attach == nil {
		return fmt.Errorf("device: register %q: no attach hook", drv.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.drivers {
		if existing.Name == drv.Name {
			return fmt.Errorf("device: driver %q already registered", drv.Name)
		}
	}
	r.drivers = append(r.drivers, drv)
	return nil
}

// Match returns the best-scoring driver for dev.
func (r *Registry) Match(dev *Device) (*Driver, error) {
	r.mu.Lock()
	drivers := append([]*Driver(nil), r.drivers...)
	r.mu.Unlock()

	var (
		best      *Driver
		bestScore = ProbeNone
	)
	for _, drv := range drivers {
		if s := drv.score(dev); s > bestScore {
			best, bestScore = drv, s
		}
	}
	if best == nil {
		return nil, fmt.Errorf("device %s (%s): %w", dev, dev.CompatibleString(), ErrNoDriver)
	}
	return best, nil
}

// Bind matches and attaches a single device.
func (r *Registry) Bind(dev *Device) error {
	drv, err := r.Match(dev)
	if err != nil {
		return err
	}
	if err := drv.Attach(dev); err != nil {
		return fmt.Errorf("device %s: attach %s: %w", dev, drv.Name, err)
	}
	dev.mu.Lock()
	dev.driver = drv
	dev.mu.Unlock()
	r.log.Debug("device attached", "device", dev.Path, "driver", drv.Name)
	return nil
}

// Unbind detaches the driver bound to dev, if any.
func (r *Registry) Unbind(dev *Device) error {
	dev.mu.Lock()
	drv := dev.driver
	dev.mu.Unlock()
	if drv == nil {
		return nil
	}
	if drv.Detach != nil {
		if err := drv.Detach(dev); err != nil {
			return fmt.Errorf("device %s: detach %s: %w", dev, drv.Name, err)
		}
	}
	dev.mu.Lock()
	dev.driver = nil
	dev.driverData = nil
	dev.mu.Unlock()
	return nil
}

// AttachAll binds every device that has a driver, interrupt controllers
// first. Devices without a driver are skipped; attach failures are joined.
func (r *Registry) AttachAll(devs []*Device) error {
	type candidate struct {
		dev *Device
		drv *Driver
	}
	var todo []candidate
	for _, dev := range devs {
		drv, err := r.Match(dev)
		if errors.Is(err, ErrNoDriver) {
			r.log.Debug("no driver for device", "device", dev.Path)
			continue
		}
		todo = append(todo, candidate{dev, drv})
	}
	sort.SliceStable(todo, func(i, j int) bool {
		return todo[i].drv.Class < todo[j].drv.Class
	})

	var errs []error
	for _, c := range todo {
		if err := r.Bind(c.dev); err != nil {
			r.log.Warn("device attach failed", "device", c.dev.Path, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
