package semispace

import (
	"testing"

	"github.com/arborlang/arbor/internal/codecache/bundle"
	"github.com/arborlang/arbor/internal/codecache/region"
	"github.com/arborlang/arbor/internal/codecache/roottable"
)

func newTestSemiSpace(t *testing.T, halfSize int) *SemiSpace {
	t.Helper()

	from := region.New("from", 0x100000, make([]byte, halfSize))
	to := region.New("to", 0x200000, make([]byte, halfSize))

	return New("baseline", from, to, roottable.New())
}

func allAlive(*bundle.Bundle) bool { return true }

func allDead(*bundle.Bundle) bool { return false }

func TestEvictAllAliveIsIdentityOnContents(t *testing.T) {
	s := newTestSemiSpace(t, 1024)

	l := bundle.Layout{CodeLen: 16, ScalarLen: 1}

	var originals []*bundle.Bundle

	for i := 0; i < 3; i++ {
		b, ok := s.Allocate(l, uintptr(i), bundle.Short)
		if !ok {
			t.Fatalf("Allocate %d failed", i)
		}

		b.SetScalarLiteral(0, int64(i*10))
		originals = append(originals, b)
	}

	if err := s.Evict(ReachabilityFunc(allAlive), nil); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	stats := s.Stats()
	if stats.LastSurvivors != 3 {
		t.Fatalf("LastSurvivors = %d, want 3", stats.LastSurvivors)
	}

	for i, orig := range originals {
		b := s.Find(s.Active().Base() + uintptr(i)*uintptr(l.Total()))
		if b == nil {
			t.Fatalf("survivor %d not found at expected relocated address", i)
		}

		if b.Method() != orig.Method() {
			t.Errorf("survivor %d method = %#x, want %#x", i, b.Method(), orig.Method())
		}

		if b.ScalarLiterals()[0] != int64(i*10) {
			t.Errorf("survivor %d scalar literal not preserved across eviction", i)
		}
	}
}

func TestEvictAllDeadProducesEmptyRegion(t *testing.T) {
	s := newTestSemiSpace(t, 1024)

	l := bundle.Layout{CodeLen: 16}

	for i := 0; i < 3; i++ {
		if _, ok := s.Allocate(l, uintptr(i), bundle.Short); !ok {
			t.Fatalf("Allocate %d failed", i)
		}
	}

	if err := s.Evict(ReachabilityFunc(allDead), nil); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	stats := s.Stats()
	if stats.LastSurvivors != 0 {
		t.Fatalf("LastSurvivors = %d, want 0", stats.LastSurvivors)
	}

	if s.Active().Used() != 0 {
		t.Fatalf("Used() = %d after evicting an all-dead generation, want 0", s.Active().Used())
	}
}

func TestEvictRelocatesInterBundleCallSite(t *testing.T) {
	s := newTestSemiSpace(t, 4096)

	l := bundle.Layout{CodeLen: 32}

	a, ok := s.Allocate(l, 0xA, bundle.Short)
	if !ok {
		t.Fatal("allocate A failed")
	}

	b, ok := s.Allocate(l, 0xB, bundle.Short)
	if !ok {
		t.Fatal("allocate B failed")
	}

	if err := a.AddCallSite(16, b.Start()); err != nil {
		t.Fatalf("AddCallSite: %v", err)
	}

	if err := s.Evict(ReachabilityFunc(allAlive), nil); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	newA := s.Find(s.Active().Base())
	if newA == nil {
		t.Fatal("relocated A not found")
	}

	newB := s.Find(s.Active().Base() + uintptr(l.Total()))
	if newB == nil {
		t.Fatal("relocated B not found")
	}

	sites := newA.CallSites()
	if len(sites) != 1 {
		t.Fatalf("relocated A has %d call sites, want 1", len(sites))
	}

	if sites[0].Target != newB.Start() {
		t.Errorf("relocated call site targets %#x, want %#x (B's new start)", sites[0].Target, newB.Start())
	}
}

func TestEvictPatchesRootTableEntries(t *testing.T) {
	from := region.New("from", 0x100000, make([]byte, 4096))
	to := region.New("to", 0x200000, make([]byte, 4096))
	roots := roottable.New()
	s := New("baseline", from, to, roots)

	l := bundle.Layout{CodeLen: 16}

	callee, ok := s.Allocate(l, 0xC, bundle.Short)
	if !ok {
		t.Fatal("allocate callee failed")
	}

	const bootCaller = uintptr(0x5000)
	roots.Record(bootCaller, 4, callee.Start())

	var patched []uintptr

	patch := func(root roottable.Root, newTarget uintptr) error {
		patched = append(patched, newTarget)

		return nil
	}

	if err := s.Evict(ReachabilityFunc(allAlive), patch); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	newCallee := s.Find(s.Active().Base())
	if newCallee == nil {
		t.Fatal("relocated callee not found")
	}

	if len(patched) != 1 {
		t.Fatalf("patchRoot called %d times, want 1", len(patched))
	}

	if patched[0] != newCallee.Start() {
		t.Errorf("patched root target = %#x, want %#x", patched[0], newCallee.Start())
	}

	snap := roots.Snapshot()
	if snap[0].Target != newCallee.Start() {
		t.Errorf("root table entry target = %#x, want %#x", snap[0].Target, newCallee.Start())
	}
}

func TestEvictSurvivorExceedsCapacityIsFatal(t *testing.T) {
	from := region.New("from", 0x100000, make([]byte, 64))
	to := region.New("to", 0x200000, make([]byte, 16)) // undersized on purpose
	s := New("baseline", from, to, roottable.New())

	l := bundle.Layout{CodeLen: 32}
	if _, ok := s.Allocate(l, 0, bundle.Short); !ok {
		t.Fatal("allocate failed")
	}

	if err := s.Evict(ReachabilityFunc(allAlive), nil); err == nil {
		t.Fatal("expected a fatal error when to-space cannot fit a survivor")
	}
}
