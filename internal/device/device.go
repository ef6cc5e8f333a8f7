// Package device is the platform device model: devices discovered from the
// device tree, their resources and properties, and the drivers bound to them.
package device

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/tinyrange/msi/internal/fdt"
)

// ResourceKind classifies a device resource.
type ResourceKind int

const (
	ResourceMem ResourceKind = iota
	ResourceIRQ
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceMem:
		return "mem"
	case ResourceIRQ:
		return "irq"
	default:
		return fmt.Sprintf("ResourceKind(%d)", int(k))
	}
}

// Resource is an address range or interrupt owned by a device.
type Resource struct {
	Kind  ResourceKind
	Start uint64
	Size  uint64
}

// End returns the last address covered by the resource.
func (r Resource) End() uint64 {
	if r.Size == 0 {
		return r.Start
	}
	return r.Start + r.Size - 1
}

// Device is one node of the platform.
type Device struct {
	Name       string
	Path       string
	Compatible []string
	Resources  []Resource

	node fdt.Node

	mu         sync.Mutex
	driver     *Driver
	driverData any
}

// FromNode builds a device from a device-tree node. MEM resources come from
// "reg" as (address, size) u64 pairs.
func FromNode(nodePath string, n fdt.Node) (*Device, error) {
	dev := &Device{
		Name: n.Name,
		Path: nodePath,
		node: n,
	}
	if compat, ok := n.Strings("compatible"); ok {
		dev.Compatible = append([]string(nil), compat...)
	}
	if reg, ok := n.U64s("reg"); ok {
		if len(reg)%2 != 0 {
			return nil, fmt.Errorf("device %s: reg has %d cells, want address/size pairs", nodePath, len(reg))
		}
		for i := 0; i < len(reg); i += 2 {
			dev.Resources = append(dev.Resources, Resource{Kind: ResourceMem, Start: reg[i], Size: reg[i+1]})
		}
	}
	if p, ok := n.Properties["interrupts"]; ok {
		for _, irq := range p.U32 {
			dev.Resources = append(dev.Resources, Resource{Kind: ResourceIRQ, Start: uint64(irq), Size: 1})
		}
	}
	return dev, nil
}

// Discover returns a device for every node of the tree that carries a
// compatible property.
func Discover(root fdt.Node) ([]*Device, error) {
	var (
		out []*Device
		err error
	)
	root.Walk(func(p string, n fdt.Node) bool {
		if err != nil {
			return false
		}
		if _, ok := n.Strings("compatible"); !ok {
			return true
		}
		var dev *Device
		dev, err = FromNode(path.Clean(p), n)
		if err == nil {
			out = append(out, dev)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IsCompatible reports whether the device lists compat.
func (d *Device) IsCompatible(compat string) bool {
	for _, c := range d.Compatible {
		if c == compat {
			return true
		}
	}
	return false
}

// CompatibleString joins the compatible list the way it appears in a tree dump.
func (d *Device) CompatibleString() string {
	return strings.Join(d.Compatible, ",")
}

// Resource returns the index'th resource of the given kind.
func (d *Device) Resource(kind ResourceKind, index int) (Resource, bool) {
	for _, r := range d.Resources {
		if r.Kind != kind {
			continue
		}
		if index == 0 {
			return r, true
		}
		index--
	}
	return Resource{}, false
}

// PropertyU32 returns a u32 property or def when it is absent.
func (d *Device) PropertyU32(name string, def uint32) uint32 {
	if v, ok := d.node.U32(name); ok {
		return v
	}
	return def
}

// PropertyU32s returns every cell of a u32 property.
func (d *Device) PropertyU32s(name string) ([]uint32, bool) {
	p, ok := d.node.Properties[name]
	if !ok || len(p.U32) == 0 {
		return nil, false
	}
	return p.U32, true
}

// UnitName returns the device name without its unit address.
func (d *Device) UnitName() string { return d.node.UnitName() }

// HasProperty reports whether the node carries the named property.
func (d *Device) HasProperty(name string) bool {
	_, ok := d.node.Properties[name]
	return ok
}

// Driver returns the bound driver, or nil.
func (d *Device) Driver() *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.driver
}

// SetDriverData stores driver-private state on the device.
func (d *Device) SetDriverData(v any) {
	d.mu.Lock()
	d.driverData = v
	d.mu.Unlock()
}

// DriverData returns the state stored by SetDriverData.
func (d *Device) DriverData() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.driverData
}

func (d *Device) String() string {
	if d == nil {
		return "<nil device>"
	}
	return d.Path
}
