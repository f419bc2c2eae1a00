package memory

import "testing"

func TestAllocPagesSplitsLargerBlock(t *testing.T) {
	a := NewAllocator(0, 16)
	pfn, err := a.AllocPages(0)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	if pfn != 0 {
		t.Fatalf("AllocPages(0) = %d, want 0", pfn)
	}
}

func TestAllocFreeReusesFrames(t *testing.T) {
	a := NewAllocator(0, 4)
	pfn1, err := a.AllocPages(2) // whole arena
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	a.FreePages(pfn1, 2)
	pfn2, err := a.AllocPages(2)
	if err != nil {
		t.Fatalf("AllocPages after free: %v", err)
	}
	if pfn2 != pfn1 {
		t.Fatalf("expected coalesced block to be reused at %d, got %d", pfn1, pfn2)
	}
}

func TestAllocPagesOutOfMemory(t *testing.T) {
	a := NewAllocator(0, 2)
	if _, err := a.AllocPages(0); err != nil {
		t.Fatalf("first alloc: %v", err)
	}
	if _, err := a.AllocPages(0); err != nil {
		t.Fatalf("second alloc: %v", err)
	}
	if _, err := a.AllocPages(0); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
}
