package msi

import (
	"fmt"

	"github.com/tinyrange/msi/internal/cpu"
	"github.com/tinyrange/msi/internal/spinlock"
)

// Store is a device's MSI state: the ordered descriptors it owns. Count
// always equals the number of linked descriptors.
//
// The lock disables interrupts on the local hart and spins. Nothing may
// block while it is held.
type Store struct {
	lock  spinlock.Lock
	descs []*Descriptor
	// dev is the device whose domain granted descriptors return to.
	dev *Device
}

// Lock acquires the store lock for a batch of AddLocked calls.
func (s *Store) Lock() cpu.Flags {
	return s.lock.LockIRQSave(cpu.Local())
}

// Unlock releases the store lock.
func (s *Store) Unlock(flags cpu.Flags) {
	s.lock.UnlockIRQRestore(cpu.Local(), flags)
}

// AddLocked appends desc at the tail. The caller holds the lock.
func (s *Store) AddLocked(desc *Descriptor) error {
	if s == nil || desc == nil {
		return fmt.Errorf("msi: add descriptor: %w", ErrInvalidArgument)
	}
	switch desc.state {
	case descLinked:
		return fmt.Errorf("msi: add %s: already linked: %w", desc, ErrInvalidArgument)
	case descReleased:
		return fmt.Errorf("msi: add %s: %w", desc, ErrReleased)
	}
	s.descs = append(s.descs, desc)
	desc.state = descLinked
	desc.store = s
	return nil
}

// Add is AddLocked for a single descriptor added outside an allocation batch.
func (s *Store) Add(desc *Descriptor) error {
	if s == nil {
		return fmt.Errorf("msi: add descriptor: %w", ErrInvalidArgument)
	}
	flags := s.Lock()
	defer s.Unlock(flags)
	return s.AddLocked(desc)
}

// Count returns the number of linked descriptors.
func (s *Store) Count() int {
	flags := s.Lock()
	defer s.Unlock(flags)
	return len(s.descs)
}

// Descriptors returns the linked descriptors in insertion order.
func (s *Store) Descriptors() []*Descriptor {
	flags := s.Lock()
	defer s.Unlock(flags)
	return append([]*Descriptor(nil), s.descs...)
}

// Release unlinks desc if it is linked and destroys it. A granted vector
// gives its virq and hwirq back to the domain first, as FreeVector does. A
// descriptor is destroyed exactly once; releasing it again fails.
func (s *Store) Release(desc *Descriptor) error {
	if s == nil || desc == nil {
		return fmt.Errorf("msi: release descriptor: %w", ErrInvalidArgument)
	}
	flags := s.Lock()
	defer s.Unlock(flags)
	if desc.state == descLinked && desc.store != s {
		return fmt.Errorf("msi: release %s: linked to another device: %w", desc, ErrInvalidArgument)
	}
	if desc.state == descLinked {
		if s.dev != nil && s.dev.domain != nil {
			s.dev.returnLocked(desc)
		}
		s.unlinkLocked(desc)
	}
	return desc.destroy()
}

func (s *Store) unlinkLocked(desc *Descriptor) {
	for i, d := range s.descs {
		if d == desc {
			copy(s.descs[i:], s.descs[i+1:])
			s.descs[len(s.descs)-1] = nil
			s.descs = s.descs[:len(s.descs)-1]
			break
		}
	}
	desc.state = descUnlinked
	desc.store = nil
}

// truncateLocked unlinks and destroys every descriptor after the first mark.
func (s *Store) truncateLocked(mark int) {
	for i := mark; i < len(s.descs); i++ {
		desc := s.descs[i]
		desc.state = descUnlinked
		desc.store = nil
		// Never fails: desc was linked until the line above.
		_ = desc.destroy()
		s.descs[i] = nil
	}
	s.descs = s.descs[:mark]
}

func (d *Descriptor) destroy() error {
	if d.state == descReleased {
		return fmt.Errorf("msi: release %s: %w", d, ErrReleased)
	}
	d.state = descReleased
	d.dev = nil
	return nil
}
