package irq

import (
	"gvisor.dev/gvisor/pkg/bitmap"
)

// DefaultMaxVirq is the virq space of a core created with size 0.
const DefaultMaxVirq = 1024

// has reports whether bit i is set.
func has(b *bitmap.Bitmap, i uint32) bool {
	v, err := b.FirstOne(i)
	return err == nil && v == i
}

// findZeroRun returns the start of the first run of n clear bits below limit.
func findZeroRun(b *bitmap.Bitmap, limit, n uint32) (uint32, bool) {
	return findAlignedZeroRun(b, limit, n, 1)
}

// findAlignedZeroRun is findZeroRun with the start a multiple of align.
func findAlignedZeroRun(b *bitmap.Bitmap, limit, n, align uint32) (uint32, bool) {
	if n == 0 || n > limit || align == 0 {
		return 0, false
	}
	start := uint32(0)
	for start < limit {
		zero, err := b.FirstZero(start)
		if err != nil || zero >= limit {
			return 0, false
		}
		end := limit
		if one, err := b.FirstOne(zero); err == nil && one < limit {
			end = one
		}
		if base := (zero + align - 1) / align * align; base < end && end-base >= n {
			return base, true
		}
		start = end
	}
	return 0, false
}

// virqAllocator hands out virtual IRQ numbers. Number 0 is never handed out:
// it means "unmapped" everywhere in the IRQ layer.
type virqAllocator struct {
	used bitmap.Bitmap
	max  uint32
}

func newVirqAllocator(max uint32) virqAllocator {
	a := virqAllocator{used: bitmap.New(max), max: max}
	a.used.Add(0)
	return a
}

func (a *virqAllocator) alloc() (uint32, bool) {
	v, err := a.used.FirstZero(1)
	if err != nil || v >= a.max {
		return 0, false
	}
	a.used.Add(v)
	return v, true
}

func (a *virqAllocator) free(v uint32) {
	if v == 0 || v >= a.max {
		return
	}
	a.used.Remove(v)
}

// allocated excludes the reserved virq 0.
func (a *virqAllocator) allocated() uint32 {
	return a.used.GetNumOnes() - 1
}
