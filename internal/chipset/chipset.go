package chipset

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// Device returns the device registered under name.
func (c *Chipset) Device(name string) (ChipsetDevice, bool) {
	dev, ok := c.devices[name]
	return dev, ok
}

// HandleMMIO dispatches an MMIO access to the registered device.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	binding, err := c.lookup(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	if isWrite {
		return binding.handler.WriteMMIO(addr, data)
	}
	return binding.handler.ReadMMIO(addr, data)
}

// ReadMMIO implements MmioHandler so the whole bus can be handed to a driver
// as its register window.
func (c *Chipset) ReadMMIO(addr uint64, data []byte) error {
	return c.HandleMMIO(addr, data, false)
}

// WriteMMIO implements MmioHandler.
func (c *Chipset) WriteMMIO(addr uint64, data []byte) error {
	return c.HandleMMIO(addr, data, true)
}

// SignalMSI performs the 32-bit little-endian memory write described by an
// MSI message. The target must be a registered MMIO region.
func (c *Chipset) SignalMSI(addr uint64, data uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], data)
	if err := c.HandleMMIO(addr, buf[:], true); err != nil {
		return fmt.Errorf("chipset: deliver MSI to 0x%016x: %w", addr, err)
	}
	return nil
}

func (c *Chipset) lookup(addr, size uint64) (mmioBinding, error) {
	if addr+size < addr {
		return mmioBinding{}, fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}

	// Bindings are sorted by base address.
	i := sort.Search(len(c.mmio), func(i int) bool {
		r := c.mmio[i].region
		return r.Address+r.Size > addr
	})
	if i < len(c.mmio) && c.mmio[i].region.Contains(addr, size) {
		return c.mmio[i], nil
	}

	return mmioBinding{}, fmt.Errorf("chipset: no handler for MMIO address 0x%016x", addr)
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
