// Package codecache is the process-wide façade over a managed-runtime's
// machine-code cache: it routes bundle allocations to the boot, baseline,
// or opt region by lifespan, drives semi-space eviction under contention,
// and answers address-to-method reverse lookups for the stack walker.
package codecache

import (
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sync/singleflight"

	"github.com/arborlang/arbor/internal/codecache/addrspace"
	"github.com/arborlang/arbor/internal/codecache/bundle"
	"github.com/arborlang/arbor/internal/codecache/region"
	"github.com/arborlang/arbor/internal/codecache/roottable"
	"github.com/arborlang/arbor/internal/codecache/safepoint"
	"github.com/arborlang/arbor/internal/codecache/semispace"
)

// exhaustedExitCode is the process exit code on an unrecoverable cache
// exhaustion, per the exit-code contract.
const exhaustedExitCode = 11

// Cache is the process-singleton code cache: it owns the boot region, the
// baseline semi-space, the opt region, the root table, and the entry-point
// injection table.
type Cache struct {
	cfg *Config

	window addrspace.Window

	boot     *region.Region
	baseline *semispace.SemiSpace
	opt      *region.Region

	roots       *roottable.Table
	entryPoints EntryPoints

	gate HeapAllocGate
	ctx  *safepoint.MutatorContext
	heap HeapAllocator

	mu sync.Mutex

	allocCounter  uint64
	evictionGroup singleflight.Group

	contentionStats ContentionStats

	reach Reachability
}

// HeapAllocGate aliases safepoint.HeapAllocGate so callers constructing a
// Cache do not need their own import of the safepoint package.
type HeapAllocGate = safepoint.HeapAllocGate

// Reachability is the oracle Allocate's eviction retry consults; it is
// supplied by the embedding runtime's stack walker and is otherwise out of
// scope for this package.
type Reachability = semispace.Reachability

// HeapAllocator is the object-heap allocator Allocate routes to when called
// with inHeap=true, bypassing the code regions entirely. internal/allocator's
// SafepointAdapter implements this, and is also the natural choice for
// HeapAllocGate above: the same adapter that is disabled for the safepoint
// scope's duration is the one inHeap allocations must be refused through.
type HeapAllocator interface {
	TryAlloc(size uintptr) (unsafe.Pointer, error)
}

// ContentionStats records the figures the façade logs after a
// contention-driven or capacity-driven eviction.
type ContentionStats struct {
	ForcedEvictions int
	LastSurvivors   int
	LastBytes       uintptr
	LargestBytes    uintptr
}

// Open reserves the address window and builds the boot, baseline, and opt
// regions inside it, returning a ready-to-use Cache. gate is the
// allocation-disable handle the safepoint scope uses around every
// allocate/evict; reach is the liveness oracle the eviction retry path
// consults. This is the PRISTINE-phase construction the design notes
// describe for the cache's global mutable state: a single owning value,
// created once, never reassigned.
func Open(gate HeapAllocGate, reach Reachability, opts ...Option) (*Cache, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	bootSize := 1 << 20 // 1 MiB, fixed: boot image size is a build-time constant in the source system
	halfBaseline := int(cfg.ReservedBaselineCodeCacheSize) / 2
	optSize := int(cfg.ReservedOptCodeCacheSize)

	total := bootSize + 2*halfBaseline + optSize

	win, err := addrspace.Reserve(total)
	if err != nil {
		return nil, fmt.Errorf("codecache: reserve address window: %w", err)
	}

	bootWin, err := win.Sub(0, bootSize)
	if err != nil {
		return nil, err
	}

	fromWin, err := win.Sub(bootSize, halfBaseline)
	if err != nil {
		return nil, err
	}

	toWin, err := win.Sub(bootSize+halfBaseline, halfBaseline)
	if err != nil {
		return nil, err
	}

	optWin, err := win.Sub(bootSize+2*halfBaseline, optSize)
	if err != nil {
		return nil, err
	}

	boot := region.New("boot", bootWin.Base, bootWin.Bytes)
	from := region.New("baseline-from", fromWin.Base, fromWin.Bytes)
	to := region.New("baseline-to", toWin.Base, toWin.Bytes)
	opt := region.New("opt", optWin.Base, optWin.Bytes)

	roots := roottable.New()
	baseline := semispace.New("baseline", from, to, roots)

	c := &Cache{
		cfg:      cfg,
		window:   win,
		boot:     boot,
		baseline: baseline,
		opt:      opt,
		roots:    roots,
		gate:     gate,
		reach:    reach,
		heap:     cfg.HeapAllocator,
	}
	c.ctx = safepoint.New(gate)

	return c, nil
}

// Allocate routes a bundle allocation by lifespan, under the safepoint
// scope, retrying exactly once via a forced eviction if the baseline
// allocation fails. inHeap diverts the request to the object heap instead,
// without touching any code region: a heap-resident bundle has no semi-space
// slot to evict and is never a root-table target, so it skips the safepoint
// scope (which exists to protect in-flight region relocation) entirely.
func (c *Cache) Allocate(l bundle.Layout, method uintptr, inHeap bool, life bundle.Lifespan) (*bundle.Bundle, error) {
	if inHeap {
		return c.allocateHeap(l, method, life)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var b *bundle.Bundle

	err := safepoint.Do(c.ctx, func() error {
		var allocErr error
		b, allocErr = c.allocateLocked(l, method, life)

		return allocErr
	})

	if err != nil {
		return nil, err
	}

	if c.cfg.TraceCodeAllocation {
		c.cfg.Logger.Printf("codecache: allocated %s bundle method=%#x start=%#x size=%d", life, method, b.Start(), b.Size())
	}

	return b, nil
}

// allocateHeap services an inHeap allocation through the configured
// HeapAllocator, wrapping the returned memory in the same Bundle header a
// code region would produce. It is not subject to eviction or relocation:
// the heap's own collector, not this package, is responsible for the
// memory's lifetime once handed back.
func (c *Cache) allocateHeap(l bundle.Layout, method uintptr, life bundle.Lifespan) (*bundle.Bundle, error) {
	if c.heap == nil {
		return nil, fmt.Errorf("codecache: inHeap allocation requested but no HeapAllocator is configured")
	}

	size := l.Total()

	ptr, err := c.heap.TryAlloc(uintptr(size))
	if err != nil {
		return nil, fmt.Errorf("codecache: heap allocation failed: %w", err)
	}

	mem := unsafe.Slice((*byte)(ptr), size)
	b := bundle.Attach(uintptr(ptr), l, method, life, mem)

	if c.cfg.TraceCodeAllocation {
		c.cfg.Logger.Printf("codecache: allocated %s heap bundle method=%#x start=%#x size=%d", life, method, b.Start(), b.Size())
	}

	return b, nil
}

// allocateLocked performs the region selection, forced-contention
// simulation, and retry-once-via-eviction logic. Must be called with c.mu
// held and the safepoint scope already entered.
func (c *Cache) allocateLocked(l bundle.Layout, method uintptr, life bundle.Lifespan) (*bundle.Bundle, error) {
	switch life {
	case bundle.Long:
		b, ok := c.opt.AllocateBundle(l, method, life)
		if !ok {
			c.fatalExhaustion("opt", "ReservedOptCodeCacheSize")

			return nil, c.opt.ExhaustedError(l.Total())
		}

		return b, nil

	default: // Short, OneShot: baseline
		if c.forcedContentionShouldFail() {
			return c.evictAndRetry(l, method, life)
		}

		b, ok := c.baseline.Allocate(l, method, life)
		if ok {
			return b, nil
		}

		return c.evictAndRetry(l, method, life)
	}
}

// forcedContentionShouldFail implements the contention-test knob: a
// positive CodeCacheContentionFrequency forces every Nth allocation to skip
// straight to the eviction path, independent of actual capacity.
func (c *Cache) forcedContentionShouldFail() bool {
	if c.cfg.CodeCacheContentionFrequency <= 0 {
		return false
	}

	n := atomic.AddUint64(&c.allocCounter, 1)

	return n%uint64(c.cfg.CodeCacheContentionFrequency) == 0
}

// evictAndRetry runs a forced eviction (through singleflight; callers hold
// c.mu, so each eviction has a single caller) and retries the allocation
// exactly once. A second failure is fatal.
func (c *Cache) evictAndRetry(l bundle.Layout, method uintptr, life bundle.Lifespan) (*bundle.Bundle, error) {
	_, err, _ := c.evictionGroup.Do("baseline", func() (interface{}, error) {
		return nil, c.baseline.Evict(c.reach, c.patchRoot)
	})
	if err != nil {
		return nil, fmt.Errorf("codecache: eviction failed: %w", err)
	}

	stats := c.baseline.Stats()
	c.contentionStats.ForcedEvictions++
	c.contentionStats.LastSurvivors = stats.LastSurvivors
	c.contentionStats.LastBytes = stats.LastBytes
	c.contentionStats.LargestBytes = stats.LargestBytes

	c.cfg.Logger.Printf("codecache: eviction #%d survivors=%d bytes=%d largest=%d",
		c.contentionStats.ForcedEvictions, stats.LastSurvivors, stats.LastBytes, stats.LargestBytes)

	b, ok := c.baseline.Allocate(l, method, life)
	if !ok {
		c.fatalExhaustion("baseline", "ReservedBaselineCodeCacheSize")

		return nil, c.baseline.Active().ExhaustedError(l.Total())
	}

	return b, nil
}

// patchRoot re-encodes one boot-region call site in place, used as the
// semispace.PatchRoot callback during baseline eviction.
func (c *Cache) patchRoot(root roottable.Root, newTarget uintptr) error {
	b := c.boot.Find(root.CallerAddr)
	if b == nil {
		return fmt.Errorf("codecache: root caller %#x not found in boot region", root.CallerAddr)
	}

	for i, site := range b.CallSites() {
		if site.DispOffset == root.DispOffset {
			return b.PatchCallSite(i, newTarget)
		}
	}

	return fmt.Errorf("codecache: no call site recorded at offset %d for root caller %#x", root.DispOffset, root.CallerAddr)
}

// fatalExhaustion logs and terminates the process per the exit-code
// contract: an unrecoverable region exhaustion exits 11 naming the option
// that should be raised.
func (c *Cache) fatalExhaustion(regionName, optionName string) {
	c.cfg.Logger.Printf("codecache: %s region exhausted, raise %s and restart", regionName, optionName)
	osExit(exhaustedExitCode)
}

// osExit is a var so tests can intercept process termination.
var osExit = os.Exit

// FindRegion tests boot, then baseline, then opt, in that fixed order.
func (c *Cache) FindRegion(addr uintptr) (name string, ok bool) {
	if c.boot.Contains(addr) {
		return "boot", true
	}

	if c.baseline.Contains(addr) {
		return "baseline", true
	}

	if c.opt.Contains(addr) {
		return "opt", true
	}

	return "", false
}

// FindMethod combines FindRegion with the owning region's internal lookup,
// returning nil for a lookup miss — a normal outcome, not an error.
func (c *Cache) FindMethod(addr uintptr) *bundle.Bundle {
	if b := c.boot.Find(addr); b != nil {
		return b
	}

	if b := c.baseline.Find(addr); b != nil {
		return b
	}

	return c.opt.Find(addr)
}

// RecordBootToBaseline appends a direct-call root under the cache mutex.
func (c *Cache) RecordBootToBaseline(callerAddr uintptr, dispOffset int, target uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.roots.Record(callerAddr, dispOffset, target)
}

// VisitCells traverses regions in the fixed order boot (if requested), then
// baseline, then opt.
func (c *Cache) VisitCells(visit func(*bundle.Bundle), includeBoot bool) {
	if includeBoot {
		c.boot.Visit(visit)
	}

	c.baseline.Active().Visit(visit)
	c.opt.Visit(visit)
}

// RegionStat reports one region's occupancy, for the out-of-process
// debugger contract.
type RegionStat struct {
	Name     string
	Base     uintptr
	Mark     uintptr
	Limit    uintptr
	Capacity int
}

// RegionStats returns the current occupancy of every region, in the fixed
// boot/baseline/opt order.
func (c *Cache) RegionStats() []RegionStat {
	statOf := func(r *region.Region) RegionStat {
		return RegionStat{
			Name:     r.Name(),
			Base:     r.Base(),
			Mark:     r.Base() + r.Used(),
			Limit:    r.Limit(),
			Capacity: r.Capacity(),
		}
	}

	return []RegionStat{
		statOf(c.boot),
		statOf(c.baseline.Active()),
		statOf(c.opt),
	}
}

// Stats returns the accumulated forced-eviction statistics.
func (c *Cache) Stats() ContentionStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.contentionStats
}

// EntryPoints exposes the fixed runtime-entry injection table for
// RegisterRuntimeEntry-style callers.
func (c *Cache) EntryPoints() *EntryPoints {
	return &c.entryPoints
}

// AllocateBoot allocates a bundle in the immortal boot region. Boot-region
// bundles are produced once, at image-build time, and never evicted; this
// exists so tests and an embedding image builder can populate the boot
// region without a separate code path.
func (c *Cache) AllocateBoot(l bundle.Layout, method uintptr) (*bundle.Bundle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.boot.AllocateBundle(l, method, bundle.Long)
	if !ok {
		c.fatalExhaustion("boot", "boot image size")

		return nil, c.boot.ExhaustedError(l.Total())
	}

	return b, nil
}
