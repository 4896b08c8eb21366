package bundle

import (
	"testing"
)

func TestLayoutOffsets(t *testing.T) {
	tests := []struct {
		name   string
		layout Layout
	}{
		{"code only", Layout{CodeLen: 10}},
		{"code + scalars", Layout{CodeLen: 17, ScalarLen: 2}},
		{"code + scalars + refs", Layout{CodeLen: 5, ScalarLen: 1, RefLen: 3}},
		{"empty", Layout{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codeOff, scalarOff, refOff, total := tt.layout.Offsets()

			if codeOff != 0 {
				t.Fatalf("codeOff = %d, want 0", codeOff)
			}

			if scalarOff < tt.layout.CodeLen {
				t.Fatalf("scalarOff %d overlaps code (len %d)", scalarOff, tt.layout.CodeLen)
			}

			if refOff < scalarOff+tt.layout.ScalarLen*wordSize {
				t.Fatalf("refOff %d overlaps scalars", refOff)
			}

			if total < refOff+tt.layout.RefLen*wordSize {
				t.Fatalf("total %d smaller than refs region", total)
			}

			if total%wordSize != 0 {
				t.Fatalf("total %d not word-aligned", total)
			}

			if total != tt.layout.Total() {
				t.Fatalf("Total() = %d, Offsets() total = %d", tt.layout.Total(), total)
			}
		})
	}
}

func TestLifespanString(t *testing.T) {
	cases := map[Lifespan]string{
		Short:       "short",
		Long:        "long",
		OneShot:     "one-shot",
		Lifespan(99): "unknown",
	}

	for life, want := range cases {
		if got := life.String(); got != want {
			t.Errorf("Lifespan(%d).String() = %q, want %q", life, got, want)
		}
	}
}

func TestAttachAccessors(t *testing.T) {
	layout := Layout{CodeLen: 4, ScalarLen: 1, RefLen: 1}
	mem := make([]byte, layout.Total())
	b := Attach(0x1000, layout, 0xABCD, Long, mem)

	if b.Start() != 0x1000 {
		t.Errorf("Start() = %#x, want 0x1000", b.Start())
	}

	if b.Method() != 0xABCD {
		t.Errorf("Method() = %#x, want 0xABCD", b.Method())
	}

	if b.Lifespan() != Long {
		t.Errorf("Lifespan() = %v, want Long", b.Lifespan())
	}

	if b.OneShot() {
		t.Error("OneShot() = true for a Long bundle")
	}

	if b.Size() != layout.Total() {
		t.Errorf("Size() = %d, want %d", b.Size(), layout.Total())
	}

	if len(b.Code()) != layout.CodeLen {
		t.Errorf("len(Code()) = %d, want %d", len(b.Code()), layout.CodeLen)
	}
}

func TestOneShotFlag(t *testing.T) {
	layout := Layout{CodeLen: 1}
	mem := make([]byte, layout.Total())
	b := Attach(0, layout, 0, OneShot, mem)

	if !b.OneShot() {
		t.Error("OneShot() = false for a OneShot bundle")
	}
}

func TestScalarAndRefLiteralRoundTrip(t *testing.T) {
	layout := Layout{CodeLen: 2, ScalarLen: 3, RefLen: 2}
	mem := make([]byte, layout.Total())
	b := Attach(0, layout, 0, Short, mem)

	b.SetScalarLiteral(0, 42)
	b.SetScalarLiteral(1, -7)
	b.SetScalarLiteral(2, 0)

	scalars := b.ScalarLiterals()
	want := []int64{42, -7, 0}

	for i, w := range want {
		if scalars[i] != w {
			t.Errorf("ScalarLiterals()[%d] = %d, want %d", i, scalars[i], w)
		}
	}

	b.SetRefLiteral(0, 0xDEAD)
	b.SetRefLiteral(1, 0xBEEF)

	refs := b.RefLiterals()
	if refs[0] != 0xDEAD || refs[1] != 0xBEEF {
		t.Errorf("RefLiterals() = %v, want [0xDEAD 0xBEEF]", refs)
	}
}

func TestAddCallSiteAndPatch(t *testing.T) {
	layout := Layout{CodeLen: 16}
	mem := make([]byte, layout.Total())
	b := Attach(0x2000, layout, 0, Long, mem)

	target := uintptr(0x2100)
	if err := b.AddCallSite(4, target); err != nil {
		t.Fatalf("AddCallSite: %v", err)
	}

	sites := b.CallSites()
	if len(sites) != 1 {
		t.Fatalf("len(CallSites()) = %d, want 1", len(sites))
	}

	if sites[0].Target != target {
		t.Errorf("CallSites()[0].Target = %#x, want %#x", sites[0].Target, target)
	}

	newTarget := uintptr(0x3000)
	if err := b.PatchCallSite(0, newTarget); err != nil {
		t.Fatalf("PatchCallSite: %v", err)
	}

	if b.CallSites()[0].Target != newTarget {
		t.Errorf("after patch, Target = %#x, want %#x", b.CallSites()[0].Target, newTarget)
	}
}

func TestPatchCallSiteOutOfRange(t *testing.T) {
	layout := Layout{CodeLen: 8}
	mem := make([]byte, layout.Total())
	b := Attach(0, layout, 0, Short, mem)

	if err := b.PatchCallSite(0, 0x1234); err == nil {
		t.Fatal("expected error for out-of-range call site index")
	}
}

func TestEncodeDisplacementOverflow(t *testing.T) {
	layout := Layout{CodeLen: 8}
	mem := make([]byte, layout.Total())
	// Start far below the target so the displacement exceeds int32 range.
	b := Attach(0, layout, 0, Short, mem)

	farTarget := uintptr(1) << 40
	if err := b.AddCallSite(0, farTarget); err == nil {
		t.Fatal("expected displacement overflow error")
	}

	// A failed AddCallSite must not register the call site.
	if len(b.CallSites()) != 0 {
		t.Fatalf("call site registered despite overflow: %v", b.CallSites())
	}
}

func TestPatchCallSiteRewritesBytesWhenBundleMoves(t *testing.T) {
	layout := Layout{CodeLen: 16}
	target := uintptr(0x1100)

	memA := make([]byte, layout.Total())
	a := Attach(0x1000, layout, 0, Long, memA)

	if err := a.AddCallSite(4, target); err != nil {
		t.Fatalf("AddCallSite: %v", err)
	}

	encodedA := append([]byte(nil), a.Code()[4:8]...)

	// Same logical target, but the bundle itself now lives at a different
	// address: the displacement is relative to the call site's own address,
	// so the encoded bytes must differ even though newTarget == target.
	memB := make([]byte, layout.Total())
	b := Attach(0x9000, layout, 0, Long, memB)

	if err := b.AddCallSite(4, target); err != nil {
		t.Fatalf("AddCallSite: %v", err)
	}

	encodedB := b.Code()[4:8]

	same := true

	for i := range encodedA {
		if encodedA[i] != encodedB[i] {
			same = false
			break
		}
	}

	if same {
		t.Fatal("displacement encoding identical for call sites at different addresses targeting the same address")
	}
}
