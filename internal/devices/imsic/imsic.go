// Package imsic models the interrupt files of a RISC-V Incoming MSI
// Controller. Each hart owns one 4 KiB file; a device raises an interrupt by
// writing the interrupt identity to the file's SETEIPNUM register.
package imsic

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/msi/internal/chipset"
)

const (
	// FileStride is the distance between consecutive hart files.
	FileStride = 0x1000

	// MaxIDs is the largest identity count the EIP/EIE windows can describe.
	MaxIDs = (RegEIEBase - RegEIPBase) * 8

	RegSetEIPNum     = 0x000
	RegClrEIPNum     = 0x004
	RegSetEIDelivery = 0x040
	RegClrEIDelivery = 0x044
	RegEIThreshold   = 0x070
	RegEIPBase       = 0x080
	RegEIEBase       = 0x0C0
)

// Words returns the number of 32-bit EIP/EIE words covering numIDs identities.
func Words(numIDs uint32) uint32 {
	return (numIDs + 31) / 32
}

type file struct {
	hart uint32
	page []byte
	line chipset.LineInterrupt
}

func (f *file) reg(off uint32) uint32 {
	return binary.LittleEndian.Uint32(f.page[off:])
}

func (f *file) setReg(off, v uint32) {
	binary.LittleEndian.PutUint32(f.page[off:], v)
}

// IMSIC is a set of interrupt files at base + hart*FileStride.
type IMSIC struct {
	mu sync.Mutex

	base   uint64
	numIDs uint32
	files  []*file
	unmap  func()

	stats imsicStats
	log   *slog.Logger
}

type imsicStats struct {
	messages uint64
	dropped  uint64
}

// New builds numHarts interrupt files supporting numIDs identities each.
// Identity 0 is never valid, so numIDs counts it.
func New(base uint64, numHarts, numIDs uint32, log *slog.Logger) (*IMSIC, error) {
	if base%FileStride != 0 {
		return nil, fmt.Errorf("imsic: base 0x%x not page aligned", base)
	}
	if numHarts == 0 {
		return nil, fmt.Errorf("imsic: no harts")
	}
	if numIDs < 2 || numIDs > MaxIDs {
		return nil, fmt.Errorf("imsic: %d identities: want [2, %d]", numIDs, MaxIDs)
	}
	if log == nil {
		log = slog.Default()
	}

	mem, unmap, err := allocPages(int(numHarts) * FileStride)
	if err != nil {
		return nil, fmt.Errorf("imsic: allocate register pages: %w", err)
	}

	m := &IMSIC{
		base:   base,
		numIDs: numIDs,
		unmap:  unmap,
		log:    log,
	}
	for h := range numHarts {
		off := int(h) * FileStride
		m.files = append(m.files, &file{
			hart: h,
			page: mem[off : off+FileStride : off+FileStride],
			line: chipset.LineInterruptDetached(),
		})
	}
	return m, nil
}

// Close releases the register pages.
func (m *IMSIC) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unmap != nil {
		m.unmap()
		m.unmap = nil
	}
	m.files = nil
	return nil
}

// Base returns the address of hart 0's file.
func (m *IMSIC) Base() uint64 { return m.base }

// NumIDs returns the identities supported per file.
func (m *IMSIC) NumIDs() uint32 { return m.numIDs }

// NumHarts returns the number of interrupt files.
func (m *IMSIC) NumHarts() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(len(m.files))
}

// FileAddress returns the MSI target address of a hart's file.
func (m *IMSIC) FileAddress(hart uint32) uint64 {
	return m.base + uint64(hart)*FileStride
}

// ConnectLine attaches the external interrupt line of hart's file.
func (m *IMSIC) ConnectLine(hart uint32, line chipset.LineInterrupt) error {
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	m.mu.Lock()
	if int(hart) >= len(m.files) {
		m.mu.Unlock()
		return fmt.Errorf("imsic: connect line: hart %d out of range", hart)
	}
	f := m.files[hart]
	f.line = line
	level := m.levelLocked(f)
	m.mu.Unlock()

	line.SetLevel(level)
	return nil
}

// Pending reports whether id is pending in hart's file.
func (m *IMSIC) Pending(hart, id uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(hart) >= len(m.files) || id >= m.numIDs {
		return false
	}
	return m.files[hart].reg(RegEIPBase+(id/32)*4)&(1<<(id%32)) != 0
}

// Messages returns how many MSIs were accepted and how many were dropped
// because the identity was out of range.
func (m *IMSIC) Messages() (accepted, dropped uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats.messages, m.stats.dropped
}

// Start implements chipset.ChangeDeviceState.
func (m *IMSIC) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (m *IMSIC) Stop() error { return nil }

// Reset clears every register and lowers every line.
func (m *IMSIC) Reset() error {
	m.mu.Lock()
	lines := make([]chipset.LineInterrupt, 0, len(m.files))
	for _, f := range m.files {
		clear(f.page)
		lines = append(lines, f.line)
	}
	m.mu.Unlock()

	for _, line := range lines {
		line.SetLevel(false)
	}
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (m *IMSIC) SupportsMmio() *chipset.MmioIntercept {
	m.mu.Lock()
	defer m.mu.Unlock()
	regions := make([]chipset.MMIORegion, 0, len(m.files))
	for _, f := range m.files {
		regions = append(regions, chipset.MMIORegion{
			Address: m.base + uint64(f.hart)*FileStride,
			Size:    FileStride,
		})
	}
	return &chipset.MmioIntercept{Regions: regions, Handler: m}
}

func (m *IMSIC) decode(addr uint64, data []byte) (*file, uint32, error) {
	if len(data) != 4 || addr%4 != 0 {
		return nil, 0, fmt.Errorf("imsic: %d-byte access at 0x%x: only aligned 32-bit accesses are supported", len(data), addr)
	}
	if addr < m.base {
		return nil, 0, fmt.Errorf("imsic: address 0x%x below base", addr)
	}
	rel := addr - m.base
	hart := rel / FileStride
	if hart >= uint64(len(m.files)) {
		return nil, 0, fmt.Errorf("imsic: address 0x%x beyond last file", addr)
	}
	return m.files[hart], uint32(rel % FileStride), nil
}

// ReadMMIO implements chipset.MmioHandler.
func (m *IMSIC) ReadMMIO(addr uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, off, err := m.decode(addr, data)
	if err != nil {
		return err
	}
	var v uint32
	switch {
	case off == RegSetEIDelivery, off == RegEIThreshold:
		v = f.reg(off)
	case m.inWindow(off, RegEIPBase), m.inWindow(off, RegEIEBase):
		v = f.reg(off)
	}
	// SETEIPNUM, CLREIPNUM, CLREIDELIVERY and reserved space read as zero.
	binary.LittleEndian.PutUint32(data, v)
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (m *IMSIC) WriteMMIO(addr uint64, data []byte) error {
	m.mu.Lock()
	f, off, err := m.decode(addr, data)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	v := binary.LittleEndian.Uint32(data)
	switch {
	case off == RegSetEIPNum:
		if v == 0 || v >= m.numIDs {
			m.stats.dropped++
			m.log.Debug("imsic: dropped message", "hart", f.hart, "id", v)
		} else {
			m.stats.messages++
			m.setBitLocked(f, RegEIPBase, v, true)
		}
	case off == RegClrEIPNum:
		if v < m.numIDs {
			m.setBitLocked(f, RegEIPBase, v, false)
		}
	case off == RegSetEIDelivery:
		f.setReg(RegSetEIDelivery, v&1)
	case off == RegClrEIDelivery:
		f.setReg(RegSetEIDelivery, 0)
	case off == RegEIThreshold:
		f.setReg(RegEIThreshold, v&(MaxIDs-1))
	case m.inWindow(off, RegEIPBase), m.inWindow(off, RegEIEBase):
		f.setReg(off, v&m.wordMask((off&0x3f)/4))
	}
	level := m.levelLocked(f)
	line := f.line
	m.mu.Unlock()

	// The line may trap straight back into a driver that reads our registers.
	line.SetLevel(level)
	return nil
}

func (m *IMSIC) inWindow(off, base uint32) bool {
	return off >= base && off < base+Words(m.numIDs)*4
}

// wordMask returns the implemented bits of EIP/EIE word w.
func (m *IMSIC) wordMask(w uint32) uint32 {
	mask := ^uint32(0)
	if w == 0 {
		mask &^= 1
	}
	if hi := m.numIDs - w*32; hi < 32 {
		mask &= (1 << hi) - 1
	}
	return mask
}

func (m *IMSIC) setBitLocked(f *file, region, id uint32, on bool) {
	off := region + (id/32)*4
	v := f.reg(off)
	if on {
		v |= 1 << (id % 32)
	} else {
		v &^= 1 << (id % 32)
	}
	f.setReg(off, v&m.wordMask(id/32))
}

// levelLocked computes the file's external interrupt line: delivery is on
// and some identity below the threshold is both pending and enabled.
func (m *IMSIC) levelLocked(f *file) bool {
	if f.reg(RegSetEIDelivery)&1 == 0 {
		return false
	}
	limit := m.numIDs
	if t := f.reg(RegEIThreshold); t != 0 && t < limit {
		limit = t
	}
	for w := uint32(0); w*32 < limit; w++ {
		active := f.reg(RegEIPBase+w*4) & f.reg(RegEIEBase+w*4)
		if hi := limit - w*32; hi < 32 {
			active &= (1 << hi) - 1
		}
		if active != 0 {
			return true
		}
	}
	return false
}

var _ chipset.ChipsetDevice = (*IMSIC)(nil)
