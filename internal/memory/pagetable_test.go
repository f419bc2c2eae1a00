package memory

import "testing"

func TestMapTranslateRoundTrip(t *testing.T) {
	as := NewAddressSpace(KindStage2, 3)
	if err := as.Map(0x9000_0000, 0x4000_0000, 4*PageSize, AttrNormalCacheable, PermRead|PermWrite|PermExec); err != nil {
		t.Fatalf("Map: %v", err)
	}
	pa, err := as.Translate(0x9000_0000 + PageSize)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if want := uint64(0x4000_0000 + PageSize); pa != want {
		t.Fatalf("Translate = %#x, want %#x", pa, want)
	}
}

func TestMapIdempotentSameAttrs(t *testing.T) {
	as := NewAddressSpace(KindStage2, 0)
	must(t, as.Map(0x1000, 0x2000, PageSize, AttrNormalCacheable, PermRead))
	if err := as.Map(0x1000, 0x2000, PageSize, AttrNormalCacheable, PermRead); err != nil {
		t.Fatalf("idempotent re-map should succeed, got %v", err)
	}
}

func TestMapOverlapConflict(t *testing.T) {
	as := NewAddressSpace(KindStage2, 0)
	must(t, as.Map(0x1000, 0x2000, PageSize, AttrNormalCacheable, PermRead))
	if err := as.Map(0x1000, 0x3000, PageSize, AttrNormalCacheable, PermRead); err != ErrOverlap {
		t.Fatalf("expected ErrOverlap, got %v", err)
	}
}

func TestUnmapThenTranslateUnmapped(t *testing.T) {
	as := NewAddressSpace(KindStage2, 0)
	must(t, as.Map(0x1000, 0x2000, PageSize, AttrNormalCacheable, PermRead))
	as.Unmap(0x1000, PageSize)
	if _, err := as.Translate(0x1000); err != ErrUnmapped {
		t.Fatalf("expected ErrUnmapped, got %v", err)
	}
}

func TestDirtyTrackingRoundTrip(t *testing.T) {
	as := NewAddressSpace(KindStage2, 0)
	must(t, as.Map(0x1000, 0x2000, 2*PageSize, AttrNormalCacheable, PermRead|PermWrite))

	as.SetDirtyTracking(true)
	if as.EffectiveWritable(0x1000) {
		t.Fatalf("page should be write-protected once dirty tracking is armed")
	}

	as.MarkDirty(0x1000)
	if !as.EffectiveWritable(0x1000) {
		t.Fatalf("write-through page should regain writability once marked dirty")
	}
	if as.EffectiveWritable(0x1000 + PageSize) {
		t.Fatalf("untouched page should remain write-protected")
	}

	dirty := as.SnapshotAndClearDirty()
	if len(dirty) != 1 || dirty[0] != 0x1000 {
		t.Fatalf("SnapshotAndClearDirty = %v, want [0x1000]", dirty)
	}
	if as.EffectiveWritable(0x1000) {
		t.Fatalf("snapshot should re-arm write-protect on the page it collected")
	}
}

func TestAllMappedPagesCoversFullRange(t *testing.T) {
	as := NewAddressSpace(KindStage2, 0)
	must(t, as.Map(0x1000, 0x2000, 3*PageSize, AttrNormalCacheable, PermRead))
	pages := as.AllMappedPages()
	if len(pages) != 3 {
		t.Fatalf("AllMappedPages returned %d pages, want 3", len(pages))
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUnmapSplitsPartiallyCoveredBlockLeaf(t *testing.T) {
	as := NewAddressSpace(KindStage2, 0)
	// 2 MiB-aligned ipa/pa so Map chooses a single 2 MiB block leaf.
	const base, pa, block = uint64(0x4020_0000), uint64(0x8040_0000), uint64(1 << 21)
	must(t, as.Map(base, pa, block, AttrNormalCacheable, PermRead|PermWrite))

	// Unmap one page out of the middle of the block.
	hole := base + 16*PageSize
	as.Unmap(hole, PageSize)

	if _, err := as.Translate(hole); err != ErrUnmapped {
		t.Fatalf("hole should be Unmapped, got %v", err)
	}
	if got, err := as.Translate(base); err != nil || got != pa {
		t.Fatalf("head of split block: Translate = (%#x, %v), want (%#x, nil)", got, err, pa)
	}
	tail := hole + PageSize
	if got, err := as.Translate(tail); err != nil || got != pa+(tail-base) {
		t.Fatalf("tail of split block: Translate = (%#x, %v), want (%#x, nil)", got, err, pa+(tail-base))
	}
}
