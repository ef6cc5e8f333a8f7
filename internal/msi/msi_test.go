package msi

import (
	"errors"
	"sync"
	"testing"

	"github.com/tinyrange/msi/internal/irq"
)

const testDomainSize = 256

var errInjected = errors.New("injected mapping failure")

// faultDomain fails the mapping call numbered failAt (0-based) of each
// allocation. A negative failAt never fails.
type faultDomain struct {
	*irq.Domain
	failAt   int
	zeroVirq bool
	calls    int
}

func (f *faultDomain) CreateMapping(hwirq uint32) (uint32, error) {
	call := f.calls
	f.calls++
	if call == f.failAt {
		if f.zeroVirq {
			return 0, nil
		}
		return 0, errInjected
	}
	return f.Domain.CreateMapping(hwirq)
}

type composingDomain struct {
	*irq.Domain
}

func (composingDomain) ComposeMSIMessage(hwirq uint32) Message {
	return Message{AddressLo: 0x2800_0000, AddressHi: 0x1, Data: hwirq}
}

func newTestDevice(t *testing.T) (*Device, *irq.Core, *irq.Domain) {
	t.Helper()
	core := irq.NewCore(0, nil)
	dom, err := core.CreateTreeDomain("msi-test", testDomainSize, nil, nil, nil)
	if err != nil {
		t.Fatalf("CreateTreeDomain: %v", err)
	}
	return NewDevice("test", dom, core, nil), core, dom
}

type snapshot struct {
	desc  *Descriptor
	hwirq uint32
	irq   uint32
}

func takeSnapshot(dev *Device) []snapshot {
	var out []snapshot
	for _, d := range dev.Descriptors() {
		out = append(out, snapshot{desc: d, hwirq: d.Hwirq, irq: d.Irq})
	}
	return out
}

func sameSnapshot(a, b []snapshot) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestAllocVectorsSizing(t *testing.T) {
	dev, _, dom := newTestDevice(t)
	for min := uint32(1); min <= MaxVectors; min++ {
		for max := min; max <= MaxVectors; max++ {
			want := uint32(1)
			for want*2 <= max {
				want *= 2
			}
			got, err := dev.AllocVectors(min, max, 0)
			if want < min {
				if !errors.Is(err, ErrNoFit) {
					t.Fatalf("AllocVectors(%d, %d) = %d, %v, want ErrNoFit", min, max, got, err)
				}
				if dev.Count() != 0 {
					t.Fatalf("failed request left %d vectors", dev.Count())
				}
				continue
			}
			if err != nil {
				t.Fatalf("AllocVectors(%d, %d): %v", min, max, err)
			}
			if got != int(want) {
				t.Fatalf("AllocVectors(%d, %d) = %d, want %d", min, max, got, want)
			}
			dev.FreeVectors()
		}
	}
	if got := dom.FreeHwirqs(); got != testDomainSize {
		t.Fatalf("FreeHwirqs = %d, want %d", got, testDomainSize)
	}
}

func TestAllocVectorsScenarios(t *testing.T) {
	tests := []struct {
		min, max uint32
		want     int
		err      error
	}{
		{min: 3, max: 7, want: 4},
		{min: 8, max: 15, want: 8},
		{min: 16, max: 31, want: 16},
		{min: 1, max: 1, want: 1},
		{min: 32, max: 32, want: 32},
		{min: 7, max: 7, err: ErrNoFit},
		{min: 0, max: 5, err: ErrInvalidArgument},
		{min: 5, max: 4, err: ErrInvalidArgument},
		{min: 33, max: 33, err: ErrInvalidArgument},
	}
	for _, tt := range tests {
		dev, _, _ := newTestDevice(t)
		got, err := dev.AllocVectors(tt.min, tt.max, 0)
		if tt.err != nil {
			if !errors.Is(err, tt.err) {
				t.Fatalf("AllocVectors(%d, %d) error = %v, want %v", tt.min, tt.max, err, tt.err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("AllocVectors(%d, %d) = %d, %v, want %d", tt.min, tt.max, got, err, tt.want)
		}
	}
}

func TestAllocVectorsState(t *testing.T) {
	dev, core, _ := newTestDevice(t)
	if _, err := dev.AllocVectors(2, 2, 0); err != nil {
		t.Fatal(err)
	}
	n, err := dev.AllocVectors(8, 8, FlagMultiVector|FlagMaskable)
	if err != nil || n != 8 {
		t.Fatalf("AllocVectors(8, 8) = %d, %v", n, err)
	}
	if dev.Count() != 10 {
		t.Fatalf("Count = %d, want 10", dev.Count())
	}

	descs := dev.Descriptors()[2:]
	seen := make(map[uint32]bool)
	for i, d := range descs {
		if i > 0 && d.Hwirq != descs[i-1].Hwirq+1 {
			t.Fatalf("hwirq %d follows %d", d.Hwirq, descs[i-1].Hwirq)
		}
		if d.Irq == 0 {
			t.Fatalf("descriptor %d unmapped", i)
		}
		if seen[d.Irq] {
			t.Fatalf("virq %d granted twice", d.Irq)
		}
		seen[d.Irq] = true
		if d.Device() != dev {
			t.Fatalf("descriptor not owned by device")
		}
		if d.Multiple != 3 {
			t.Fatalf("Multiple = %d, want 3", d.Multiple)
		}
		if Flags(d.Attrib) != FlagMultiVector|FlagMaskable {
			t.Fatalf("Attrib = 0x%x", d.Attrib)
		}
		desc, ok := core.Desc(d.Irq)
		if !ok || desc.Hwirq != d.Hwirq {
			t.Fatalf("virq %d does not map back to hwirq %d", d.Irq, d.Hwirq)
		}
	}
}

func TestAllocVectorsRollback(t *testing.T) {
	for failAt := 0; failAt < 8; failAt++ {
		for _, zero := range []bool{false, true} {
			core := irq.NewCore(0, nil)
			inner, err := core.CreateTreeDomain("msi-test", testDomainSize, nil, nil, nil)
			if err != nil {
				t.Fatal(err)
			}
			fd := &faultDomain{Domain: inner, failAt: -1}
			dev := NewDevice("test", fd, core, nil)
			if _, err := dev.AllocVectors(2, 2, 0); err != nil {
				t.Fatal(err)
			}

			before := takeSnapshot(dev)
			freeBefore := inner.FreeHwirqs()
			virqsBefore := core.AllocatedVirqs()

			fd.calls, fd.failAt, fd.zeroVirq = 0, failAt, zero
			n, err := dev.AllocVectors(8, 8, 0)
			if err == nil {
				t.Fatalf("failAt=%d: AllocVectors succeeded with %d", failAt, n)
			}
			if zero && !errors.Is(err, ErrMapping) {
				t.Fatalf("failAt=%d: error = %v, want ErrMapping", failAt, err)
			}
			if !zero && !errors.Is(err, errInjected) {
				t.Fatalf("failAt=%d: error = %v, want injected", failAt, err)
			}

			if !sameSnapshot(before, takeSnapshot(dev)) {
				t.Fatalf("failAt=%d: store changed by failed allocation", failAt)
			}
			if dev.Count() != 2 {
				t.Fatalf("failAt=%d: Count = %d, want 2", failAt, dev.Count())
			}
			if got := inner.FreeHwirqs(); got != freeBefore {
				t.Fatalf("failAt=%d: FreeHwirqs = %d, want %d", failAt, got, freeBefore)
			}
			if got := core.AllocatedVirqs(); got != virqsBefore {
				t.Fatalf("failAt=%d: AllocatedVirqs = %d, want %d", failAt, got, virqsBefore)
			}

			// The released block is usable again.
			fd.failAt = -1
			if n, err := dev.AllocVectors(8, 8, 0); err != nil || n != 8 {
				t.Fatalf("failAt=%d: retry = %d, %v", failAt, n, err)
			}
		}
	}
}

func TestAllocVectorsRangeExhausted(t *testing.T) {
	core := irq.NewCore(0, nil)
	dom, err := core.CreateLinearDomain("small", 6, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	dev := NewDevice("test", dom, core, nil)
	if _, err := dev.AllocVectors(4, 4, 0); err != nil {
		t.Fatal(err)
	}
	before := takeSnapshot(dev)
	if _, err := dev.AllocVectors(4, 4, 0); !errors.Is(err, irq.ErrNoSpace) {
		t.Fatalf("error = %v, want irq.ErrNoSpace", err)
	}
	if !sameSnapshot(before, takeSnapshot(dev)) {
		t.Fatalf("store changed by failed range allocation")
	}
	if got := dom.FreeHwirqs(); got != 2 {
		t.Fatalf("FreeHwirqs = %d, want 2", got)
	}
}

func TestFreeVectors(t *testing.T) {
	dev, core, dom := newTestDevice(t)
	dev.FreeVectors()
	if dev.Count() != 0 {
		t.Fatalf("Count = %d after free of empty device", dev.Count())
	}

	if _, err := dev.AllocVectors(4, 4, 0); err != nil {
		t.Fatal(err)
	}
	descs := dev.Descriptors()
	dev.FreeVectors()
	if dev.Count() != 0 || len(dev.Descriptors()) != 0 {
		t.Fatalf("vectors left after FreeVectors")
	}
	if core.AllocatedVirqs() != 0 || dom.FreeHwirqs() != testDomainSize {
		t.Fatalf("domain not restored: virqs=%d free=%d", core.AllocatedVirqs(), dom.FreeHwirqs())
	}
	if err := dev.Store().Release(descs[0]); !errors.Is(err, ErrReleased) {
		t.Fatalf("release of freed descriptor = %v, want ErrReleased", err)
	}
}

func TestStressAllocFree(t *testing.T) {
	dev, core, dom := newTestDevice(t)
	for i := range 100 {
		nvec := uint32(1) << (i % 5)
		n, err := dev.AllocVectors(nvec, nvec, 0)
		if err != nil || n != int(nvec) {
			t.Fatalf("iteration %d: AllocVectors(%d) = %d, %v", i, nvec, n, err)
		}
		dev.FreeVectors()
		if dev.Count() != 0 {
			t.Fatalf("iteration %d: Count = %d", i, dev.Count())
		}
	}
	if got := dom.FreeHwirqs(); got != testDomainSize {
		t.Fatalf("FreeHwirqs = %d, want %d", got, testDomainSize)
	}
	if got := core.AllocatedVirqs(); got != 0 {
		t.Fatalf("AllocatedVirqs = %d, want 0", got)
	}
}

func TestFragmentation(t *testing.T) {
	dev, _, dom := newTestDevice(t)
	var singles []*Descriptor
	for i := range 8 {
		if n, err := dev.AllocVectors(1, 1, 0); err != nil || n != 1 {
			t.Fatalf("single %d: %d, %v", i, n, err)
		}
		descs := dev.Descriptors()
		singles = append(singles, descs[len(descs)-1])
	}
	for i := 0; i < 8; i += 2 {
		if err := dev.FreeVector(singles[i]); err != nil {
			t.Fatalf("FreeVector(%d): %v", i, err)
		}
	}
	if dev.Count() != 4 {
		t.Fatalf("Count = %d, want 4", dev.Count())
	}

	n, err := dev.AllocVectors(4, 4, 0)
	if err != nil || n != 4 {
		t.Fatalf("AllocVectors(4, 4) after fragmentation = %d, %v", n, err)
	}
	block := dev.Descriptors()[4:]
	for i, d := range block {
		if d.Hwirq != block[0].Hwirq+uint32(i) {
			t.Fatalf("block not contiguous: %v", block)
		}
	}

	dev.FreeVectors()
	if got := dom.FreeHwirqs(); got != testDomainSize {
		t.Fatalf("FreeHwirqs = %d, want %d", got, testDomainSize)
	}
	if err := dev.FreeVector(singles[1]); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("FreeVector of freed descriptor = %v", err)
	}
}

func TestNotInitialized(t *testing.T) {
	dev := NewDevice("bare", nil, nil, nil)
	if _, err := dev.AllocVectors(1, 1, 0); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("alloc without domain = %v", err)
	}
	dev.FreeVectors()

	var nilDev *Device
	if _, err := nilDev.AllocVectors(1, 1, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("alloc on nil device = %v", err)
	}

	dev, _, dom := newTestDevice(t)
	if _, err := dev.AllocVectors(4, 4, 0); err != nil {
		t.Fatal(err)
	}
	dev.Cleanup()
	if dev.Store() != nil {
		t.Fatalf("store survived cleanup")
	}
	if got := dom.FreeHwirqs(); got != testDomainSize {
		t.Fatalf("cleanup leaked hwirqs: %d free", got)
	}
	if _, err := dev.AllocVectors(1, 1, 0); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("alloc after cleanup = %v", err)
	}
}

func TestStoreAddAndRelease(t *testing.T) {
	dev, _, _ := newTestDevice(t)
	s := dev.Store()

	if err := s.Add(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Add(nil) = %v", err)
	}
	a, err := NewDescriptor(dev, 1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewDescriptor(dev, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Add(a); err != nil {
		t.Fatal(err)
	}
	flags := s.Lock()
	err = s.AddLocked(b)
	dupErr := s.AddLocked(a)
	s.Unlock(flags)
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(dupErr, ErrInvalidArgument) {
		t.Fatalf("double link = %v", dupErr)
	}
	if s.Count() != 2 {
		t.Fatalf("Count = %d, want 2", s.Count())
	}

	if err := s.Release(a); err != nil {
		t.Fatal(err)
	}
	if got := s.Descriptors(); s.Count() != 1 || len(got) != 1 || got[0] != b {
		t.Fatalf("store after release = %v", got)
	}
	if err := s.Release(a); !errors.Is(err, ErrReleased) {
		t.Fatalf("second release = %v, want ErrReleased", err)
	}
	if err := s.Add(a); !errors.Is(err, ErrReleased) {
		t.Fatalf("add of released descriptor = %v", err)
	}

	unlinked, err := NewDescriptor(dev, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Release(unlinked); err != nil {
		t.Fatalf("release of unlinked descriptor: %v", err)
	}

	other := &Store{}
	if err := other.Release(b); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("release through wrong store = %v", err)
	}
}

func TestNewDescriptor(t *testing.T) {
	dev, _, _ := newTestDevice(t)
	tests := []struct {
		nvec uint32
		want uint8
	}{
		{1, 0}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {16, 4}, {17, 5}, {32, 5},
	}
	for _, tt := range tests {
		d, err := NewDescriptor(dev, tt.nvec)
		if err != nil {
			t.Fatalf("NewDescriptor(%d): %v", tt.nvec, err)
		}
		if d.Multiple != tt.want {
			t.Fatalf("NewDescriptor(%d).Multiple = %d, want %d", tt.nvec, d.Multiple, tt.want)
		}
	}
	for _, nvec := range []uint32{0, 33} {
		if _, err := NewDescriptor(dev, nvec); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("NewDescriptor(%d) = %v", nvec, err)
		}
	}
	if _, err := NewDescriptor(nil, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("NewDescriptor(nil) = %v", err)
	}
}

func TestMessages(t *testing.T) {
	core := irq.NewCore(0, nil)
	inner, err := core.CreateLinearDomain("msi-test", 64, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	dev := NewDevice("test", composingDomain{inner}, core, nil)
	if _, err := dev.AllocVectors(2, 2, 0); err != nil {
		t.Fatal(err)
	}
	for _, d := range dev.Descriptors() {
		msg, err := dev.ComposeMessage(d)
		if err != nil {
			t.Fatal(err)
		}
		if msg.Data != d.Hwirq || msg.Address() != 0x1_2800_0000 {
			t.Fatalf("composed %v for hwirq %d", msg, d.Hwirq)
		}
	}

	d := dev.Descriptors()[0]
	want := Message{AddressLo: 0x1000, Data: 7}
	if err := dev.WriteMessage(d, want); err != nil {
		t.Fatal(err)
	}
	if got, _ := dev.ComposeMessage(d); got != want {
		t.Fatalf("message = %v, want %v", got, want)
	}
	if _, err := dev.ComposeMessage(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("compose nil = %v", err)
	}
}

func TestMaskUnmask(t *testing.T) {
	dev, core, _ := newTestDevice(t)
	if _, err := dev.AllocVectors(1, 1, FlagMaskable); err != nil {
		t.Fatal(err)
	}
	d := dev.Descriptors()[0]
	calls := 0
	if err := core.RequestIRQ(d.Irq, "test", func(any) { calls++ }, d); err != nil {
		t.Fatal(err)
	}
	desc, _ := core.Desc(d.Irq)

	dev.MaskIRQ(d)
	if !desc.Disabled() {
		t.Fatalf("MaskIRQ left virq enabled")
	}
	if err := core.Dispatch(d.Irq); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Fatalf("masked vector dispatched")
	}
	dev.UnmaskIRQ(d)
	if desc.Disabled() {
		t.Fatalf("UnmaskIRQ left virq disabled")
	}
	if err := core.Dispatch(d.Irq); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}

	dev.MaskIRQ(nil)
	dev.UnmaskIRQ(&Descriptor{})
}

func TestConcurrentAllocFree(t *testing.T) {
	dev, core, dom := newTestDevice(t)
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for g := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				nvec := uint32(1) << ((g + i) % 3)
				if _, err := dev.AllocVectors(1, nvec, 0); err != nil {
					errs <- err
					return
				}
				if c := dev.Count(); c < 0 || c > testDomainSize {
					errs <- errors.New("count out of range")
					return
				}
				if i%4 == 3 {
					dev.FreeVectors()
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent allocation: %v", err)
	}

	dev.FreeVectors()
	if dev.Count() != 0 {
		t.Fatalf("Count = %d, want 0", dev.Count())
	}
	if got := dom.FreeHwirqs(); got != testDomainSize {
		t.Fatalf("FreeHwirqs = %d, want %d", got, testDomainSize)
	}
	if got := core.AllocatedVirqs(); got != 0 {
		t.Fatalf("AllocatedVirqs = %d, want 0", got)
	}
}

func TestAddedDescriptorKeepsReservedHwirq(t *testing.T) {
	core := irq.NewCore(0, nil)
	dom, err := core.CreateLinearDomain("msi-test", 16, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := dom.ReserveHwirq(0); err != nil {
		t.Fatal(err)
	}
	dev := NewDevice("test", dom, core, nil)

	added, err := NewDescriptor(dev, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.Store().Add(added); err != nil {
		t.Fatal(err)
	}
	dev.FreeVectors()
	if got := dom.FreeHwirqs(); got != 15 {
		t.Fatalf("FreeHwirqs after FreeVectors = %d, want 15", got)
	}

	if _, err := dev.AllocVectors(1, 1, 0); err != nil {
		t.Fatal(err)
	}
	if got := dev.Descriptors()[0].Hwirq; got != 1 {
		t.Fatalf("granted hwirq %d, want 1", got)
	}

	another, err := NewDescriptor(dev, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.Store().Add(another); err != nil {
		t.Fatal(err)
	}
	if err := dev.FreeVector(another); err != nil {
		t.Fatal(err)
	}
	if got := dom.FreeHwirqs(); got != 14 {
		t.Fatalf("FreeHwirqs after FreeVector of an added descriptor = %d, want 14", got)
	}
}

func TestReleaseGrantedVector(t *testing.T) {
	dev, core, dom := newTestDevice(t)
	if _, err := dev.AllocVectors(4, 4, 0); err != nil {
		t.Fatal(err)
	}
	descs := dev.Descriptors()
	hwirq := descs[0].Hwirq

	if err := dev.Store().Release(descs[0]); err != nil {
		t.Fatal(err)
	}
	if dev.Count() != 3 {
		t.Fatalf("Count = %d, want 3", dev.Count())
	}
	if got := core.AllocatedVirqs(); got != 3 {
		t.Fatalf("allocated virqs = %d, want 3", got)
	}
	if got := dom.FreeHwirqs(); got != testDomainSize-3 {
		t.Fatalf("FreeHwirqs = %d, want %d", got, testDomainSize-3)
	}
	if virq := dom.FindMapping(hwirq); virq != 0 {
		t.Fatalf("hwirq %d still mapped to %d", hwirq, virq)
	}

	dev.FreeVectors()
	if core.AllocatedVirqs() != 0 || dom.FreeHwirqs() != testDomainSize {
		t.Fatalf("domain not restored: virqs=%d free=%d", core.AllocatedVirqs(), dom.FreeHwirqs())
	}
}

// plainDomain hides the aligned allocator of the domain it wraps.
type plainDomain struct {
	Domain
}

func TestAlignedAllocation(t *testing.T) {
	core := irq.NewCore(0, nil)
	dom, err := core.CreateLinearDomain("msi-test", 64, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := dom.ReserveHwirq(0); err != nil {
		t.Fatal(err)
	}
	dev := NewDevice("test", dom, core, nil)

	tests := []struct {
		n     uint32
		flags Flags
		want  uint32
	}{
		{n: 4, flags: FlagAligned, want: 4},
		{n: 1, flags: 0, want: 1},
		{n: 8, flags: FlagAligned | FlagMultiVector, want: 8},
		{n: 2, flags: 0, want: 2},
	}
	for _, tt := range tests {
		before := dev.Count()
		if _, err := dev.AllocVectors(tt.n, tt.n, tt.flags); err != nil {
			t.Fatalf("AllocVectors(%d, %#x): %v", tt.n, tt.flags, err)
		}
		if got := dev.Descriptors()[before].Hwirq; got != tt.want {
			t.Fatalf("AllocVectors(%d, %#x) base = %d, want %d", tt.n, tt.flags, got, tt.want)
		}
	}

	plain := NewDevice("plain", plainDomain{dom}, core, nil)
	free := dom.FreeHwirqs()
	if _, err := plain.AllocVectors(2, 2, FlagAligned); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("aligned request on a plain domain = %v, want ErrInvalidArgument", err)
	}
	if got := dom.FreeHwirqs(); got != free {
		t.Fatalf("FreeHwirqs = %d, want %d", got, free)
	}
}
