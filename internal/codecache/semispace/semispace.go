// Package semispace implements the compacting half-space region that backs
// the baseline code region: two equal regions, exactly one active at a time,
// with an eviction algorithm that copies survivors into the inactive half
// and rewrites every direct-call site that targeted a relocated bundle.
package semispace

import (
	"sync/atomic"

	"github.com/arborlang/arbor/internal/codecache/bundle"
	"github.com/arborlang/arbor/internal/codecache/inspect"
	"github.com/arborlang/arbor/internal/codecache/region"
	"github.com/arborlang/arbor/internal/codecache/roottable"
	cacheerrors "github.com/arborlang/arbor/internal/errors"
)

// Reachability is the external oracle eviction consults to decide which
// bundles survive. It is supplied by the stack-walking subsystem; this
// package only contracts on its shape.
type Reachability interface {
	Alive(b *bundle.Bundle) bool
}

// ReachabilityFunc adapts a plain function to the Reachability interface.
type ReachabilityFunc func(b *bundle.Bundle) bool

func (f ReachabilityFunc) Alive(b *bundle.Bundle) bool { return f(b) }

// Stats accumulates eviction statistics across the lifetime of a
// SemiSpace, mirroring the "last survivor size / largest observed" figures
// the façade logs after a forced eviction.
type Stats struct {
	Evictions     uint64
	LastSurvivors int
	LastBytes     uintptr
	LargestBytes  uintptr
}

// SemiSpace owns a pair of equal-sized regions, exactly one of which
// (from) is active for allocation at any time.
type SemiSpace struct {
	name string

	from atomic.Pointer[region.Region]
	to   atomic.Pointer[region.Region]

	roots *roottable.Table

	stats Stats
}

// New creates a SemiSpace from two equally sized regions. fromRegion is the
// initially active half.
func New(name string, fromRegion, toRegion *region.Region, roots *roottable.Table) *SemiSpace {
	s := &SemiSpace{name: name, roots: roots}
	s.from.Store(fromRegion)
	s.to.Store(toRegion)

	return s
}

// Active returns the currently active (allocating) half.
func (s *SemiSpace) Active() *region.Region {
	return s.from.Load()
}

// Contains reports whether addr lies in either half's reserved window. Both
// halves are tested because a lookup may race a flip and still needs to
// find bundles that were valid as of the read.
func (s *SemiSpace) Contains(addr uintptr) bool {
	if f := s.from.Load(); f.Contains(addr) {
		return true
	}

	return s.to.Load().Contains(addr)
}

// Find looks up addr across both halves.
func (s *SemiSpace) Find(addr uintptr) *bundle.Bundle {
	if b := s.from.Load().Find(addr); b != nil {
		return b
	}

	return s.to.Load().Find(addr)
}

// Allocate attempts to carve out a bundle from the active half. ok is false
// when the active half cannot satisfy the request; the caller (the code
// cache façade) is responsible for triggering Evict and retrying.
func (s *SemiSpace) Allocate(l bundle.Layout, method uintptr, life bundle.Lifespan) (*bundle.Bundle, bool) {
	return s.from.Load().AllocateBundle(l, method, life)
}

// Stats returns a copy of the accumulated eviction statistics.
func (s *SemiSpace) Stats() Stats {
	return s.stats
}

// relocation maps a from-space bundle's old start address to its assigned
// to-space address.
type relocation struct {
	oldToNew map[uintptr]uintptr
}

func (r relocation) lookup(target uintptr) (uintptr, bool) {
	addr, ok := r.oldToNew[target]

	return addr, ok
}

// PatchRoot rewrites the displacement bytes for one boot-region call site,
// given its absolute caller address, its displacement-field offset within
// that caller's code, and its new target. The boot region lives outside
// this package (it is an append-only region owned by the code cache
// façade), so Evict takes this as a callback rather than reaching into
// memory it does not own.
type PatchRoot func(root roottable.Root, newTarget uintptr) error

// Evict runs the full compaction algorithm described for baseline-region
// eviction: mark survivors via reachability, relocate their bytes and
// direct-call sites into the inactive half, patch RootTable entries via
// patchRoot, then flip the two halves. patchRoot may be nil if no boot
// region roots are in play (e.g. in isolated tests of this package).
func (s *SemiSpace) Evict(reach Reachability, patchRoot PatchRoot) error {
	from := s.from.Load()
	to := s.to.Load()

	inspect.NotifyEvictionStarted(s.name, from.Base(), from.Limit())

	survivors := markSurvivors(from, reach)

	pairs, rel, err := relocateSurvivors(to, survivors)
	if err != nil {
		return err
	}

	if err := rewriteInternalCallSites(pairs, rel); err != nil {
		return err
	}

	if err := rewriteRootTable(s.roots, rel, patchRoot); err != nil {
		return err
	}

	// Flip: the old "to" becomes the new active "from"; the old "from" is
	// reset and becomes the new "to", ready for the next eviction.
	from.Reset()
	s.from.Store(to)
	s.to.Store(from)

	s.recordStats(len(survivors), totalBytes(survivors))

	inspect.NotifyEvictionCompleted(s.name, len(survivors), totalBytes(survivors))

	return nil
}

func markSurvivors(from *region.Region, reach Reachability) []*bundle.Bundle {
	all := from.Bundles()
	survivors := make([]*bundle.Bundle, 0, len(all))

	for _, b := range all {
		if reach.Alive(b) {
			survivors = append(survivors, b)
		}
	}

	return survivors
}

// survivorPair links a from-space bundle to its freshly allocated to-space
// copy, so call-site rewriting can walk the old bundle's recorded sites
// while patching the new bundle's bytes.
type survivorPair struct {
	old *bundle.Bundle
	new *bundle.Bundle
}

// relocateSurvivors copies each survivor's bytes and literal pools into to,
// in from-space order, and returns both the old->new bundle pairing and the
// old->new address map. A survivor whose size exceeds the remaining
// capacity of to is a fatal, unrecoverable condition: to has equal capacity
// to from and survivors are a subset of what from held, so this should be
// provably impossible absent a sizing bug elsewhere.
func relocateSurvivors(to *region.Region, survivors []*bundle.Bundle) ([]survivorPair, relocation, error) {
	rel := relocation{oldToNew: make(map[uintptr]uintptr, len(survivors))}
	pairs := make([]survivorPair, 0, len(survivors))

	for _, b := range survivors {
		newBundle, ok := to.AllocateBundle(b.Layout(), b.Method(), b.Lifespan())
		if !ok {
			return nil, relocation{}, cacheerrors.RegionExhausted(to.Name(), uintptr(b.Size()), uintptr(to.Capacity()))
		}

		copy(newBundle.Code(), b.Code())

		for i, v := range b.ScalarLiterals() {
			newBundle.SetScalarLiteral(i, v)
		}

		for i, v := range b.RefLiterals() {
			newBundle.SetRefLiteral(i, v)
		}

		rel.oldToNew[b.Start()] = newBundle.Start()
		pairs = append(pairs, survivorPair{old: b, new: newBundle})
	}

	return pairs, rel, nil
}

// rewriteInternalCallSites re-encodes, for every survivor's new copy, every
// call site recorded on the old bundle. A site whose prior target lay
// inside from-space is retargeted to the survivor's new address via rel; a
// site whose target lies outside from-space (boot region, opt region) keeps
// its original target, but the displacement bytes are still recomputed
// because they encode an offset from the call site's own address, which has
// moved along with the rest of the bundle.
func rewriteInternalCallSites(pairs []survivorPair, rel relocation) error {
	for _, p := range pairs {
		for _, site := range p.old.CallSites() {
			target := site.Target

			if newTarget, relocated := rel.lookup(target); relocated {
				target = newTarget
			}

			if err := p.new.AddCallSite(site.DispOffset, target); err != nil {
				return err
			}
		}
	}

	return nil
}

func rewriteRootTable(roots *roottable.Table, rel relocation, patchRoot PatchRoot) error {
	for oldTarget, newTarget := range rel.oldToNew {
		newTarget := newTarget

		if _, err := roots.Retarget(oldTarget, newTarget, func(r roottable.Root) error {
			if patchRoot == nil {
				return nil
			}

			return patchRoot(r, newTarget)
		}); err != nil {
			return err
		}
	}

	return nil
}

func totalBytes(bundles []*bundle.Bundle) uintptr {
	var total uintptr
	for _, b := range bundles {
		total += uintptr(b.Size())
	}

	return total
}

func (s *SemiSpace) recordStats(survivorCount int, survivorBytes uintptr) {
	atomic.AddUint64(&s.stats.Evictions, 1)
	s.stats.LastSurvivors = survivorCount
	s.stats.LastBytes = survivorBytes

	if survivorBytes > s.stats.LargestBytes {
		s.stats.LargestBytes = survivorBytes
	}
}
