// Package bundle defines the per-method allocation unit that the code cache's
// regions hand out: a code blob plus optional scalar-literal and
// reference-literal sidecars, laid out contiguously so that relocation can
// compute new literal addresses from the (codeLen, scalarLen, refLen) triple
// alone, without consulting per-bundle metadata.
package bundle

import (
	"encoding/binary"
	"math"

	cacheerrors "github.com/arborlang/arbor/internal/errors"
)

// wordSize is the alignment unit every bundle offset is rounded up to.
const wordSize = 8

// Lifespan classifies how long a bundle is expected to live, which in turn
// decides which region it is allocated in.
type Lifespan int

const (
	// Short-lived bundles compiled by the baseline compiler; allocated in
	// the semi-space baseline region.
	Short Lifespan = iota
	// Long-lived bundles compiled by the optimizing compiler; allocated in
	// the append-only opt region.
	Long
	// OneShot bundles are treated as Short at allocation time but may be
	// specially marked for first-eviction reclamation.
	OneShot
)

func (l Lifespan) String() string {
	switch l {
	case Short:
		return "short"
	case Long:
		return "long"
	case OneShot:
		return "one-shot"
	default:
		return "unknown"
	}
}

// Layout describes the sizes that determine a bundle's internal geometry.
// Two bundles with the same Layout have identical internal offsets.
type Layout struct {
	CodeLen   int // bytes of executable code
	ScalarLen int // count of 8-byte scalar-literal immediates
	RefLen    int // count of 8-byte GC-visible reference literals
}

// Offsets returns the byte offset of each section within a bundle allocated
// with this layout, plus the rounded total size of the bundle.
func (l Layout) Offsets() (codeOff, scalarOff, refOff, total int) {
	codeOff = 0
	scalarOff = roundUpWord(codeOff + l.CodeLen)
	refOff = roundUpWord(scalarOff + l.ScalarLen*wordSize)
	total = roundUpWord(refOff + l.RefLen*wordSize)

	return codeOff, scalarOff, refOff, total
}

// Total returns the rounded total byte size of a bundle with this layout.
func (l Layout) Total() int {
	_, _, _, total := l.Offsets()

	return total
}

func roundUpWord(n int) int {
	return (n + wordSize - 1) &^ (wordSize - 1)
}

// CallSite records one direct-call instruction embedded in a bundle's code
// stream: the byte offset of its 4-byte PC-relative displacement field, and
// the absolute address it currently targets. The instruction's end (and
// therefore the PC the displacement is relative to) is always DispOffset+4.
type CallSite struct {
	DispOffset int
	Target     uintptr
}

// Bundle is the region-resident allocation unit: a header plus the inline
// code/scalar/reference arrays, backed by a byte slice view into the owning
// region's reserved memory.
type Bundle struct {
	mem    []byte
	sites  []CallSite
	start  uintptr
	method uintptr
	layout Layout
	life   Lifespan
	oneOff bool // true for OneShot bundles, set at construction
}

// Attach wires a Bundle header around an already-sized memory view. The
// caller (a region) is responsible for ensuring mem has exactly
// layout.Total() bytes and is otherwise zeroed/uninitialised.
func Attach(start uintptr, layout Layout, method uintptr, life Lifespan, mem []byte) *Bundle {
	return &Bundle{
		start:  start,
		layout: layout,
		method: method,
		life:   life,
		mem:    mem,
		oneOff: life == OneShot,
	}
}

func (b *Bundle) Start() uintptr     { return b.start }
func (b *Bundle) Size() int          { return len(b.mem) }
func (b *Bundle) Method() uintptr    { return b.method }
func (b *Bundle) Lifespan() Lifespan { return b.life }
func (b *Bundle) Layout() Layout     { return b.layout }
func (b *Bundle) OneShot() bool      { return b.oneOff }

// Code returns the bundle's executable-byte view.
func (b *Bundle) Code() []byte {
	codeOff, scalarOff, _, _ := b.layout.Offsets()

	return b.mem[codeOff:scalarOff][:b.layout.CodeLen]
}

// ScalarLiterals returns the bundle's scalar immediate pool.
func (b *Bundle) ScalarLiterals() []int64 {
	_, scalarOff, refOff, _ := b.layout.Offsets()
	raw := b.mem[scalarOff:refOff]
	out := make([]int64, b.layout.ScalarLen)

	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(raw[i*wordSize:]))
	}

	return out
}

// SetScalarLiteral writes one entry of the scalar-literal pool.
func (b *Bundle) SetScalarLiteral(i int, v int64) {
	_, scalarOff, _, _ := b.layout.Offsets()
	binary.LittleEndian.PutUint64(b.mem[scalarOff+i*wordSize:], uint64(v))
}

// RefLiterals returns the bundle's GC-visible reference-literal pool, as raw
// address-sized slots. The collector, not this package, is responsible for
// updating these values when the objects they refer to move.
func (b *Bundle) RefLiterals() []uintptr {
	_, _, refOff, total := b.layout.Offsets()
	raw := b.mem[refOff:total]
	out := make([]uintptr, b.layout.RefLen)

	for i := range out {
		out[i] = uintptr(binary.LittleEndian.Uint64(raw[i*wordSize:]))
	}

	return out
}

// SetRefLiteral writes one entry of the reference-literal pool.
func (b *Bundle) SetRefLiteral(i int, v uintptr) {
	_, _, refOff, _ := b.layout.Offsets()
	binary.LittleEndian.PutUint64(b.mem[refOff+i*wordSize:], uint64(v))
}

// AddCallSite registers a direct-call instruction inside this bundle's code
// stream so that a future eviction can find and rewrite it. dispOffset is the
// byte offset, within Code(), of the instruction's 4-byte displacement field.
func (b *Bundle) AddCallSite(dispOffset int, target uintptr) error {
	if err := b.encodeDisplacement(dispOffset, target); err != nil {
		return err
	}

	b.sites = append(b.sites, CallSite{DispOffset: dispOffset, Target: target})

	return nil
}

// CallSites returns a copy of this bundle's registered call sites.
func (b *Bundle) CallSites() []CallSite {
	out := make([]CallSite, len(b.sites))
	copy(out, b.sites)

	return out
}

// PatchCallSite rewrites the idx'th call site so it targets newTarget,
// recomputing the displacement relative to this bundle's current Start. It
// always rewrites the encoded bytes, even if newTarget equals the site's
// prior target, because the bundle's own address may have moved.
func (b *Bundle) PatchCallSite(idx int, newTarget uintptr) error {
	if idx < 0 || idx >= len(b.sites) {
		return cacheerrors.NewStandardError(cacheerrors.CategoryBounds, "CALL_SITE_INDEX",
			"call site index out of range", map[string]interface{}{"index": idx, "count": len(b.sites)})
	}

	if err := b.encodeDisplacement(b.sites[idx].DispOffset, newTarget); err != nil {
		return err
	}

	b.sites[idx].Target = newTarget

	return nil
}

// encodeDisplacement writes the rel32 displacement for a call whose
// instruction ends at dispOffset+4 within this bundle's code stream.
func (b *Bundle) encodeDisplacement(dispOffset int, target uintptr) error {
	pcAfterCall := int64(b.start) + int64(dispOffset) + 4
	disp := int64(target) - pcAfterCall

	if disp > math.MaxInt32 || disp < math.MinInt32 {
		return cacheerrors.DisplacementOverflow(b.start, target, disp)
	}

	code := b.Code()
	binary.LittleEndian.PutUint32(code[dispOffset:], uint32(int32(disp)))

	return nil
}
