// Package roottable tracks the direct-call sites that a boot-image method
// holds into baseline-compiled code, so that code-cache eviction can find
// and fix them up even though the boot image itself never moves and is
// never scanned as part of a region.
package roottable

import "sync"

// Root identifies one direct-call instruction outside any code region that
// targets a bundle inside one: the caller's absolute address, the byte
// offset of its displacement field, and the address it currently targets.
type Root struct {
	CallerAddr uintptr
	DispOffset int
	Target     uintptr
}

// Table is a growable, thread-safe collection of roots. It grows by
// doubling from an initial capacity of 10, mirroring the teacher's
// size-classed pool growth convention (internal/allocator) rather than a
// fixed-size array.
type Table struct {
	mu    sync.RWMutex
	roots []Root
}

const initialCapacity = 10

// New creates an empty root table.
func New() *Table {
	return &Table{roots: make([]Root, 0, initialCapacity)}
}

// Record adds a new root. Roots are append-only: a boot-to-baseline call
// site is registered once, at link time, and never removed.
func (t *Table) Record(callerAddr uintptr, dispOffset int, target uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.roots = append(t.roots, Root{CallerAddr: callerAddr, DispOffset: dispOffset, Target: target})
}

// Len returns the number of registered roots.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.roots)
}

// Snapshot returns a defensive copy of every registered root, for eviction
// to scan while relocating survivors.
func (t *Table) Snapshot() []Root {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Root, len(t.roots))
	copy(out, t.roots)

	return out
}

// Retarget updates the target of every root currently pointing at oldTarget
// to newTarget, returning the number of roots updated. patch is called once
// per matching root so the caller can rewrite the actual displacement bytes
// at CallerAddr; Retarget only updates this table's bookkeeping if patch
// succeeds.
func (t *Table) Retarget(oldTarget, newTarget uintptr, patch func(Root) error) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	updated := 0

	for i := range t.roots {
		if t.roots[i].Target != oldTarget {
			continue
		}

		r := t.roots[i]
		r.Target = newTarget

		if err := patch(r); err != nil {
			return updated, err
		}

		t.roots[i].Target = newTarget
		updated++
	}

	return updated, nil
}
