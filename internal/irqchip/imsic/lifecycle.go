package imsic

import (
	"fmt"
	"sync/atomic"

	"github.com/tinyrange/msi/internal/device"
)

// State is the lifecycle state of the system's single IMSIC.
type State uint32

const (
	StateDetached State = iota
	StateAttaching
	StateAttached
	StateDetaching
)

func (s State) String() string {
	switch s {
	case StateDetached:
		return "detached"
	case StateAttaching:
		return "attaching"
	case StateAttached:
		return "attached"
	case StateDetaching:
		return "detaching"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Only one controller exists per boot. Every transition is a compare-and-swap
// on state, so a second attach fails without touching the first.
var primary struct {
	state atomic.Uint32
	ctrl  atomic.Pointer[Controller]
}

func transition(from, to State) bool {
	return primary.state.CompareAndSwap(uint32(from), uint32(to))
}

// CurrentState returns the lifecycle state.
func CurrentState() State {
	return State(primary.state.Load())
}

// Primary returns the attached controller.
func Primary() (*Controller, bool) {
	if CurrentState() != StateAttached {
		return nil, false
	}
	c := primary.ctrl.Load()
	return c, c != nil
}

// Attach brings up dev as the system IMSIC. It fails with ErrAlreadyAttached
// if a controller is attached or attaching; any failure leaves the state
// detached.
func Attach(dev *device.Device, env Env) (*Controller, error) {
	if dev == nil {
		return nil, fmt.Errorf("imsic: attach: nil device: %w", ErrNoMMIO)
	}
	if !transition(StateDetached, StateAttaching) {
		return nil, fmt.Errorf("imsic: attach %s (state %s): %w", dev, CurrentState(), ErrAlreadyAttached)
	}

	c, err := newController(dev, env)
	if err != nil {
		transition(StateAttaching, StateDetached)
		return nil, err
	}

	primary.ctrl.Store(c)
	dev.SetDriverData(c)
	transition(StateAttaching, StateAttached)
	c.start()
	return c, nil
}

// Detach tears down the attached controller and returns to the detached
// state, after which Attach may run again.
func Detach() error {
	if !transition(StateAttached, StateDetaching) {
		return fmt.Errorf("imsic: detach (state %s): %w", CurrentState(), ErrNotAttached)
	}
	c := primary.ctrl.Swap(nil)
	if c != nil {
		c.stop()
		c.dev.SetDriverData(nil)
	}
	transition(StateDetaching, StateDetached)
	return nil
}

// NewDriver returns the device driver binding riscv,imsics nodes.
func NewDriver(env Env) *device.Driver {
	return &device.Driver{
		Name:    DriverName,
		Class:   device.ClassIntc,
		Matches: Compatibles,
		Attach: func(dev *device.Device) error {
			_, err := Attach(dev, env)
			return err
		},
		Detach: func(*device.Device) error {
			return Detach()
		},
	}
}
