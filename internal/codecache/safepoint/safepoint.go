// Package safepoint implements the scoped critical section a code-cache
// allocation or eviction runs inside: while active, the calling goroutine's
// safepoint polling is suppressed and its ability to trigger a heap
// allocation is disabled, so that a GC cycle can never observe a code cache
// in a half-relocated state.
//
// Go has no true thread-local storage and cannot literally pause an
// arbitrary goroutine at a poll point, so unlike the source runtime this is
// modelled as an explicit handle (MutatorContext) threaded through the call
// rather than implicit per-thread state.
package safepoint

import (
	"sync/atomic"

	cacheerrors "github.com/arborlang/arbor/internal/errors"
)

// HeapAllocGate is satisfied by anything that can have heap allocation
// disabled for the duration of a critical section. internal/allocator's
// SafepointAdapter implements this structurally.
type HeapAllocGate interface {
	Disable()
	Enable()
}

// MutatorContext is a per-call handle representing one goroutine's
// participation in the code cache's safepoint protocol. Scopes nest: Enter
// may be called more than once on the same context, and only the outermost
// Exit actually re-enables allocation and polling.
type MutatorContext struct {
	depth int32
	gate  HeapAllocGate
}

// New creates a MutatorContext guarding heap allocation through gate.
func New(gate HeapAllocGate) *MutatorContext {
	return &MutatorContext{gate: gate}
}

// Enter begins (or re-enters) the critical section, disabling heap
// allocation for the current call the first time depth transitions 0->1.
func (c *MutatorContext) Enter() {
	if atomic.AddInt32(&c.depth, 1) == 1 {
		c.gate.Disable()
	}
}

// Exit ends one level of the critical section. It returns an error if Exit
// is called more times than Enter, which indicates a scope imbalance bug in
// the caller rather than a recoverable condition.
func (c *MutatorContext) Exit() error {
	depth := atomic.AddInt32(&c.depth, -1)

	if depth < 0 {
		atomic.StoreInt32(&c.depth, 0)

		return cacheerrors.SafepointImbalance("Exit called without a matching Enter")
	}

	if depth == 0 {
		c.gate.Enable()
	}

	return nil
}

// InScope reports whether this context currently holds the critical
// section, for assertions in code that must only run inside one.
func (c *MutatorContext) InScope() bool {
	return atomic.LoadInt32(&c.depth) > 0
}

// Do runs fn with the critical section held, guaranteeing a balanced
// Enter/Exit even if fn panics.
func Do(ctx *MutatorContext, fn func() error) (err error) {
	ctx.Enter()

	defer func() {
		if exitErr := ctx.Exit(); err == nil {
			err = exitErr
		}
	}()

	return fn()
}
