package imsic

import (
	"encoding/binary"
	"log/slog"
	"math/bits"

	"github.com/tinyrange/msi/internal/chipset"
	"github.com/tinyrange/msi/internal/cpu"
	"github.com/tinyrange/msi/internal/spinlock"
)

// Register offsets within an interrupt file.
const (
	FileStride = 0x1000

	RegSetEIPNum     = 0x000
	RegClrEIPNum     = 0x004
	RegSetEIDelivery = 0x040
	RegClrEIDelivery = 0x044
	RegEIThreshold   = 0x070
	RegEIPBase       = 0x080
	RegEIEBase       = 0x0C0
)

// File is one hart's interrupt file.
type File struct {
	base   uint64
	hart   uint32
	numIDs uint32
	bus    chipset.MmioHandler

	// lock serialises EIE read-modify-write cycles on this file.
	lock spinlock.Lock
	log  *slog.Logger
}

func newFile(bus chipset.MmioHandler, base uint64, hart, numIDs uint32, log *slog.Logger) *File {
	return &File{base: base, hart: hart, numIDs: numIDs, bus: bus, log: log}
}

// Base returns the address of the file's register page.
func (f *File) Base() uint64 { return f.base }

// Hart returns the hart the file belongs to.
func (f *File) Hart() uint32 { return f.hart }

// NumIDs returns the number of identities the file implements.
func (f *File) NumIDs() uint32 { return f.numIDs }

// Words returns the number of 32-bit EIP and EIE words.
func (f *File) Words() uint32 { return (f.numIDs + 31) / 32 }

func (f *File) read(off uint32) uint32 {
	var buf [4]byte
	if err := f.bus.ReadMMIO(f.base+uint64(off), buf[:]); err != nil {
		f.log.Warn("imsic: register read failed", "hart", f.hart, "offset", off, "err", err)
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func (f *File) write(off, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if err := f.bus.WriteMMIO(f.base+uint64(off), buf[:]); err != nil {
		f.log.Warn("imsic: register write failed", "hart", f.hart, "offset", off, "err", err)
	}
}

// SetPending marks id pending. The hardware sets the bit atomically.
func (f *File) SetPending(id uint32) { f.write(RegSetEIPNum, id) }

// ClearPending clears the pending bit of id.
func (f *File) ClearPending(id uint32) { f.write(RegClrEIPNum, id) }

// Pending reports whether id is pending.
func (f *File) Pending(id uint32) bool {
	if id >= f.numIDs {
		return false
	}
	return f.read(RegEIPBase+(id/32)*4)&(1<<(id%32)) != 0
}

// SetEnabled sets or clears the enable bit of id. The EIE word is updated by
// read-modify-write under the file lock, so concurrent updates of IDs that
// share a word do not lose each other.
func (f *File) SetEnabled(id uint32, on bool) {
	if id >= f.numIDs {
		return
	}
	off := RegEIEBase + (id/32)*4
	bit := uint32(1) << (id % 32)

	flags := f.lock.LockIRQSave(cpu.Local())
	defer f.lock.UnlockIRQRestore(cpu.Local(), flags)
	v := f.read(off)
	if on {
		v |= bit
	} else {
		v &^= bit
	}
	f.write(off, v)
}

// Enabled reports whether id is enabled.
func (f *File) Enabled(id uint32) bool {
	if id >= f.numIDs {
		return false
	}
	return f.read(RegEIEBase+(id/32)*4)&(1<<(id%32)) != 0
}

// SetThreshold sets the priority threshold; 0 disables it.
func (f *File) SetThreshold(t uint32) { f.write(RegEIThreshold, t) }

// SetDelivery turns interrupt delivery to the hart on or off.
func (f *File) SetDelivery(on bool) {
	if on {
		f.write(RegSetEIDelivery, 1)
	} else {
		f.write(RegClrEIDelivery, 1)
	}
}

// reset disables every identity and clears every pending bit.
func (f *File) reset() {
	flags := f.lock.LockIRQSave(cpu.Local())
	for w := range f.Words() {
		f.write(RegEIEBase+w*4, 0)
		f.write(RegEIPBase+w*4, 0)
	}
	f.lock.UnlockIRQRestore(cpu.Local(), flags)
}

// firstPending returns the lowest pending identity, or 0 if none is. Only
// the first non-zero EIP word is examined.
func (f *File) firstPending() uint32 {
	for w := range f.Words() {
		word := f.read(RegEIPBase + w*4)
		if bit := ffs(word); bit != 0 {
			return w*32 + bit - 1
		}
	}
	return 0
}

// ffs returns the 1-based index of the lowest set bit, or 0 if x is 0.
func ffs(x uint32) uint32 {
	if x == 0 {
		return 0
	}
	return uint32(bits.TrailingZeros32(x)) + 1
}
