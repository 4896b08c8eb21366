// Package region implements the append-only bump allocator that backs each
// half of a code cache: a bounded byte range handed out by addrspace, carved
// into bundles in ascending-address order, with a lock-free snapshot index
// for address-to-bundle lookup.
package region

import (
	"sync"
	"sync/atomic"

	"github.com/arborlang/arbor/internal/codecache/bundle"
	cacheerrors "github.com/arborlang/arbor/internal/errors"
)

// snapshot is the copy-on-write lookup index. Because bundles are allocated
// in strictly ascending address order, ordered is already sorted and doubles
// as the binary-search index without a separate sort step.
type snapshot struct {
	ordered []*bundle.Bundle
}

// Region is an append-only code region: a bounded memory window with a bump
// pointer (mark) tracking the next free byte, and a snapshot index for
// sub-linear address lookup.
type Region struct {
	name  string
	base  uintptr
	limit uintptr
	mem   []byte // view over [base, limit)

	mark atomic.Uintptr // next free address, starts at base

	mu    sync.Mutex // serialises bump-pointer moves in Allocate and Reset
	index atomic.Pointer[snapshot]
}

// New creates a Region over mem, which must represent exactly limit-base
// bytes of committed memory starting at base.
func New(name string, base uintptr, mem []byte) *Region {
	r := &Region{
		name:  name,
		base:  base,
		limit: base + uintptr(len(mem)),
		mem:   mem,
	}
	r.mark.Store(base)
	r.index.Store(&snapshot{})

	return r
}

func (r *Region) Name() string   { return r.name }
func (r *Region) Base() uintptr  { return r.base }
func (r *Region) Limit() uintptr { return r.limit }
func (r *Region) Capacity() int  { return len(r.mem) }

// Used returns the number of bytes allocated so far.
func (r *Region) Used() uintptr {
	return r.mark.Load() - r.base
}

// Free returns the number of bytes remaining before the region is exhausted.
func (r *Region) Free() uintptr {
	return r.limit - r.mark.Load()
}

// Contains reports whether addr falls within this region's reserved window,
// regardless of whether it has been allocated yet.
func (r *Region) Contains(addr uintptr) bool {
	return addr >= r.base && addr < r.limit
}

// view returns a byte slice aliasing [addr, addr+length) of the region's
// backing memory.
func (r *Region) view(addr uintptr, length int) []byte {
	off := addr - r.base

	return r.mem[off : off+uintptr(length)]
}

// Allocate reserves length bytes from the bump pointer and returns the
// starting address. It returns ok=false, rather than an error, when the
// region cannot satisfy the request — callers decide whether that is
// recoverable (trigger an eviction) or fatal.
func (r *Region) Allocate(length int) (addr uintptr, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.mark.Load()
	next := cur + uintptr(length)

	if next > r.limit {
		return 0, false
	}

	r.mark.Store(next)

	return cur, true
}

// AllocateBundle allocates room for a bundle of the given layout, attaches a
// bundle.Bundle header over it, and publishes it into the lookup index. It
// is the single entry point regions expose for populating themselves; the
// bundle package itself never touches region internals.
func (r *Region) AllocateBundle(l bundle.Layout, method uintptr, life bundle.Lifespan) (*bundle.Bundle, bool) {
	size := l.Total()

	addr, ok := r.Allocate(size)
	if !ok {
		return nil, false
	}

	mem := r.view(addr, size)
	b := bundle.Attach(addr, l, method, life, mem)

	r.publish(b)

	return b, true
}

// publish appends b to the lookup index via copy-on-write. Safe to call
// concurrently with Find/Visit, never with itself. It runs after Allocate
// has released r.mu, so callers of AllocateBundle must serialise among
// themselves; the code cache façade does so under its own mutex.
func (r *Region) publish(b *bundle.Bundle) {
	old := r.index.Load()
	next := &snapshot{ordered: make([]*bundle.Bundle, len(old.ordered)+1)}
	copy(next.ordered, old.ordered)
	next.ordered[len(old.ordered)] = b
	r.index.Store(next)
}

// Reset discards the lookup index and rewinds the bump pointer to base,
// without zeroing the backing memory. Used by semispace eviction to recycle
// the retired half of the pair after compaction has copied survivors out.
func (r *Region) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.mark.Store(r.base)
	r.index.Store(&snapshot{})
}

// Find returns the bundle containing addr, or nil if no allocated bundle
// covers it. It binary-searches the snapshot index, which is sorted by
// construction since allocation is strictly ascending-address.
func (r *Region) Find(addr uintptr) *bundle.Bundle {
	snap := r.index.Load()
	ordered := snap.ordered

	lo, hi := 0, len(ordered)

	for lo < hi {
		mid := (lo + hi) / 2
		if ordered[mid].Start() <= addr {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	if lo == 0 {
		return nil
	}

	cand := ordered[lo-1]
	if addr >= cand.Start() && addr < cand.Start()+uintptr(cand.Size()) {
		return cand
	}

	return nil
}

// Visit calls fn once for every bundle currently in the region, in ascending
// address order, over a stable snapshot. fn must not call back into this
// region's mutating methods.
func (r *Region) Visit(fn func(*bundle.Bundle)) {
	snap := r.index.Load()
	for _, b := range snap.ordered {
		fn(b)
	}
}

// Bundles returns a defensive copy of every bundle currently indexed, in
// ascending address order. Used by eviction to mark and relocate survivors.
func (r *Region) Bundles() []*bundle.Bundle {
	snap := r.index.Load()
	out := make([]*bundle.Bundle, len(snap.ordered))
	copy(out, snap.ordered)

	return out
}

// ExhaustedError builds a diagnostic error for contexts that need one
// rather than the Allocate ok=false convention, e.g. when a region is known
// to be the non-evictable opt region and exhaustion is always fatal.
func (r *Region) ExhaustedError(requested int) error {
	return cacheerrors.RegionExhausted(r.name, uintptr(requested), uintptr(len(r.mem)))
}
