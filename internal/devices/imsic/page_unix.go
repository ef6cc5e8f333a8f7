//go:build unix

package imsic

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocPages maps anonymous zeroed memory for the register files.
func allocPages(size int) ([]byte, func(), error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return mem, func() {
		_ = unix.Munmap(mem)
	}, nil
}
