//go:build linux || darwin || freebsd || netbsd || openbsd
// +build linux darwin freebsd netbsd openbsd

package addrspace

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

func reserve(size int) (Window, error) {
	if size <= 0 {
		return Window{}, fmt.Errorf("addrspace: reserve size must be positive, got %d", size)
	}

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return Window{}, fmt.Errorf("addrspace: mmap %d bytes: %w", size, err)
	}

	base := uintptr(unsafe.Pointer(&mem[0]))

	return Window{Base: base, Bytes: mem}, nil
}

func release(w Window) error {
	if len(w.Bytes) == 0 {
		return nil
	}

	if err := unix.Munmap(w.Bytes); err != nil {
		return fmt.Errorf("addrspace: munmap: %w", err)
	}

	return nil
}
