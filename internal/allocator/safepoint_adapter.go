package allocator

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// SafepointAdapter wraps an Allocator so it can serve as the heap-allocation
// gate that the code cache's safepoint scope disables for the duration of a
// region mutation. Every call to TryAlloc after Disable refuses the request
// with AllocDisabledError rather than handing back memory the code cache's
// critical section assumes cannot appear mid-relocation.
type SafepointAdapter struct {
	inner    Allocator
	disabled int32
}

// NewSafepointAdapter wraps an existing Allocator.
func NewSafepointAdapter(inner Allocator) *SafepointAdapter {
	return &SafepointAdapter{inner: inner}
}

// Disable marks the adapter as refusing further allocations. Idempotent.
func (a *SafepointAdapter) Disable() {
	atomic.StoreInt32(&a.disabled, 1)
}

// Enable re-permits allocation through the adapter. Idempotent.
func (a *SafepointAdapter) Enable() {
	atomic.StoreInt32(&a.disabled, 0)
}

// Disabled reports whether allocation is currently refused.
func (a *SafepointAdapter) Disabled() bool {
	return atomic.LoadInt32(&a.disabled) != 0
}

// AllocDisabledError is returned by TryAlloc while the adapter is gated.
type AllocDisabledError struct{}

func (AllocDisabledError) Error() string {
	return "allocator: heap allocation is disabled for the current safepoint scope"
}

// TryAlloc allocates size bytes through the wrapped Allocator, or returns
// AllocDisabledError if the adapter is currently gated. Code running inside
// a code-cache safepoint scope must use this instead of reaching past the
// adapter, so the refusal is an explicit error rather than a silent nil
// pointer or, worse, a successful allocation the scope was meant to forbid.
func (a *SafepointAdapter) TryAlloc(size uintptr) (unsafe.Pointer, error) {
	if a.Disabled() {
		return nil, AllocDisabledError{}
	}

	ptr := a.inner.Alloc(size)
	if ptr == nil && size > 0 {
		return nil, fmt.Errorf("allocator: failed to allocate %d bytes", size)
	}

	return ptr, nil
}

// Free always succeeds; freeing is never part of the contract Disable
// protects against (it cannot plant a half-initialised header).
func (a *SafepointAdapter) Free(ptr unsafe.Pointer) {
	a.inner.Free(ptr)
}

// Stats passes through to the wrapped Allocator.
func (a *SafepointAdapter) Stats() AllocatorStats {
	return a.inner.Stats()
}
