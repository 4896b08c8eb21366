// Package addrspace reserves the bounded virtual-memory window that a code
// cache's regions are carved out of. The 32-bit PC-relative reachability
// invariant that direct calls rely on requires every bundle to live inside a
// single contiguous window no larger than the displacement field allows; a
// plain Go slice cannot promise that, since the runtime's allocator gives no
// guarantee about proximity to other mappings. A real reservation, committed
// once at startup and never moved, does.
package addrspace

import (
	"fmt"
)

// Window describes a reserved virtual address range and a view over its
// bytes. A window from Reserve on an mmap platform starts on a page
// boundary; one from Sub starts at whatever byte offset it was given. Implementations come from the OS-specific files in this
// package (reserve_unix.go, reserve_other.go).
type Window struct {
	Base  uintptr
	Bytes []byte
}

// Limit returns the exclusive end address of the window.
func (w Window) Limit() uintptr {
	return w.Base + uintptr(len(w.Bytes))
}

// Size returns the window's length in bytes.
func (w Window) Size() int {
	return len(w.Bytes)
}

// Sub returns a Window covering [offset, offset+length) of this window's
// bytes, aliasing the same backing memory.
func (w Window) Sub(offset, length int) (Window, error) {
	if offset < 0 || length < 0 || offset+length > len(w.Bytes) {
		return Window{}, fmt.Errorf("addrspace: sub-window [%d,%d) out of range for window of size %d", offset, offset+length, len(w.Bytes))
	}

	return Window{
		Base:  w.Base + uintptr(offset),
		Bytes: w.Bytes[offset : offset+length],
	}, nil
}

// Reserve requests a size-byte virtual address window and returns it. The
// window is mapped read/write/execute up front: the code cache is the only
// writer and the only executor of its own bundles, and per-bundle protection
// changes would serialize allocation for no safety benefit in this design.
//
// Implemented per-OS; see reserve_unix.go and reserve_other.go.
func Reserve(size int) (Window, error) {
	return reserve(size)
}

// Release returns a previously reserved window to the OS. Code caches are
// process-lifetime singletons in normal operation; Release exists mainly for
// tests that reserve and discard many windows.
func Release(w Window) error {
	return release(w)
}
