package codecache

import (
	"sync"
	"testing"

	"github.com/arborlang/arbor/internal/allocator"
	"github.com/arborlang/arbor/internal/codecache/bundle"
)

type fakeGate struct {
	mu       sync.Mutex
	disabled bool
}

func (g *fakeGate) Disable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disabled = true
}

func (g *fakeGate) Enable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disabled = false
}

func alwaysAlive(*bundle.Bundle) bool { return true }

func openTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()

	c, err := Open(&fakeGate{}, ReachabilityFunc(alwaysAlive), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	return c
}

// ReachabilityFunc mirrors semispace.ReachabilityFunc so tests in this
// package don't need to import semispace directly.
type ReachabilityFunc func(*bundle.Bundle) bool

func (f ReachabilityFunc) Alive(b *bundle.Bundle) bool { return f(b) }

func TestOpenAndAllocateShortBundle(t *testing.T) {
	c := openTestCache(t, WithBaselineSize(1<<20), WithOptSize(1<<16))

	l := bundle.Layout{CodeLen: 256, RefLen: 2}
	b, err := c.Allocate(l, 0xCAFE, false, bundle.Short)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	got := c.FindMethod(b.Start())
	if got != b {
		t.Fatal("FindMethod did not return the allocated bundle")
	}

	name, ok := c.FindRegion(b.Start())
	if !ok || name != "baseline" {
		t.Fatalf("FindRegion = (%q, %v), want (baseline, true)", name, ok)
	}
}

func TestAllocateLongBundleGoesToOpt(t *testing.T) {
	c := openTestCache(t, WithBaselineSize(1<<20), WithOptSize(1<<16))

	l := bundle.Layout{CodeLen: 64}
	b, err := c.Allocate(l, 0xD00D, false, bundle.Long)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	name, ok := c.FindRegion(b.Start())
	if !ok || name != "opt" {
		t.Fatalf("FindRegion = (%q, %v), want (opt, true)", name, ok)
	}
}

func TestFindMethodMissReturnsNil(t *testing.T) {
	c := openTestCache(t, WithBaselineSize(1<<20), WithOptSize(1<<16))

	if c.FindMethod(0xFFFFFFFF) != nil {
		t.Fatal("FindMethod should return nil for an address in no region")
	}
}

func TestForcedContentionTriggersEviction(t *testing.T) {
	// The 1 MiB baseline is far larger than four 64-byte bundles, so
	// capacity never forces an eviction here: only the third allocation,
	// picked by CodeCacheContentionFrequency, takes the eviction path. The
	// test exercises the frequency knob specifically.
	c := openTestCache(t, WithBaselineSize(1<<20), WithOptSize(1<<16), WithContentionFrequency(3))

	l := bundle.Layout{CodeLen: 64}

	for i := 0; i < 4; i++ {
		if _, err := c.Allocate(l, uintptr(i), false, bundle.Short); err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
	}

	stats := c.Stats()
	if stats.ForcedEvictions < 1 {
		t.Fatalf("ForcedEvictions = %d, want at least 1", stats.ForcedEvictions)
	}

	if stats.LastSurvivors <= 0 {
		t.Fatalf("LastSurvivors = %d, want > 0 (all bundles alive)", stats.LastSurvivors)
	}
}

func TestRegionStatsFixedOrder(t *testing.T) {
	c := openTestCache(t, WithBaselineSize(1<<20), WithOptSize(1<<16))

	stats := c.RegionStats()
	if len(stats) != 3 {
		t.Fatalf("len(RegionStats()) = %d, want 3", len(stats))
	}

	want := []string{"boot", "baseline-from", "opt"}
	for i, w := range want {
		if stats[i].Name != w {
			t.Errorf("RegionStats()[%d].Name = %q, want %q", i, stats[i].Name, w)
		}
	}
}

func TestVisitCellsOrder(t *testing.T) {
	c := openTestCache(t, WithBaselineSize(1<<20), WithOptSize(1<<16))

	l := bundle.Layout{CodeLen: 16}

	if _, err := c.Allocate(l, 1, false, bundle.Long); err != nil {
		t.Fatalf("Allocate long: %v", err)
	}

	if _, err := c.Allocate(l, 2, false, bundle.Short); err != nil {
		t.Fatalf("Allocate short: %v", err)
	}

	var names []string

	c.VisitCells(func(b *bundle.Bundle) {
		name, _ := c.FindRegion(b.Start())
		names = append(names, name)
	}, true)

	// baseline before opt, regardless of allocation order, since VisitCells
	// fixes the traversal order to boot -> baseline -> opt.
	sawBaseline := false

	for _, n := range names {
		if n == "baseline" {
			sawBaseline = true
		}

		if n == "opt" && !sawBaseline {
			t.Fatal("opt bundle visited before baseline bundle")
		}
	}
}

func TestExhaustionExitsWithCode11(t *testing.T) {
	c := openTestCache(t, WithBaselineSize(4096), WithOptSize(1<<16))

	origExit := osExit

	var exitCode int

	exited := false

	osExit = func(code int) {
		exitCode = code
		exited = true
	}

	defer func() { osExit = origExit }()

	l := bundle.Layout{CodeLen: 4096}

	// Each half-space holds 2048 bytes and this bundle needs 4096, so the
	// first allocation fails, the eviction retry has nothing to reclaim
	// (every bundle stays alive), and the second attempt fails too.
	for i := 0; i < 4; i++ {
		if _, err := c.Allocate(l, uintptr(i), false, bundle.Short); err != nil {
			break
		}
	}

	if !exited {
		t.Fatal("expected osExit to be called on baseline exhaustion")
	}

	if exitCode != exhaustedExitCode {
		t.Fatalf("exit code = %d, want %d", exitCode, exhaustedExitCode)
	}
}

func TestAllocateInHeapRoutesThroughHeapAllocatorAndRespectsSafepoint(t *testing.T) {
	adapter := allocator.NewSafepointAdapter(allocator.NewOptimizedAllocator(allocator.NewConfig()))

	c, err := Open(adapter, ReachabilityFunc(alwaysAlive),
		WithBaselineSize(1<<20), WithOptSize(1<<16), WithHeapAllocator(adapter))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	l := bundle.Layout{CodeLen: 32, ScalarLen: 1}

	b, err := c.Allocate(l, 0xBEEF, true, bundle.Short)
	if err != nil {
		t.Fatalf("Allocate(inHeap=true): %v", err)
	}

	if b.Size() != l.Total() {
		t.Fatalf("Size() = %d, want %d", b.Size(), l.Total())
	}

	name, ok := c.FindRegion(b.Start())
	if ok {
		t.Fatalf("FindRegion(heap bundle) = (%q, true), want a miss: heap bundles live outside every code region", name)
	}

	adapter.Disable()

	if _, err := c.Allocate(l, 0xF00D, true, bundle.Short); err == nil {
		t.Fatal("Allocate(inHeap=true) should fail while the heap allocator is disabled")
	}

	adapter.Enable()

	if _, err := c.Allocate(l, 0xF00D, true, bundle.Short); err != nil {
		t.Fatalf("Allocate(inHeap=true) after Enable: %v", err)
	}
}

func TestAllocateInHeapWithoutConfiguredAllocatorFails(t *testing.T) {
	c := openTestCache(t, WithBaselineSize(1<<20), WithOptSize(1<<16))

	l := bundle.Layout{CodeLen: 16}

	if _, err := c.Allocate(l, 1, true, bundle.Short); err == nil {
		t.Fatal("Allocate(inHeap=true) should fail when no HeapAllocator is configured")
	}
}

func TestRecordBootToBaselineAndEntryPoints(t *testing.T) {
	c := openTestCache(t, WithBaselineSize(1<<20), WithOptSize(1<<16))

	l := bundle.Layout{CodeLen: 16}

	b, err := c.Allocate(l, 1, false, bundle.Short)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	c.RecordBootToBaseline(0x1, 4, b.Start())

	if err := c.EntryPoints().Register(EntryUnwindMethod, 0xABCD, SignatureVoidVoid); err != nil {
		t.Fatalf("Register: %v", err)
	}

	addr, ok := c.EntryPoints().Lookup(EntryUnwindMethod)
	if !ok || addr != 0xABCD {
		t.Fatalf("Lookup = (%#x, %v), want (0xabcd, true)", addr, ok)
	}
}
