// Package memory is the physical allocator and stage-1/stage-2 page-table
// engine (C2). The allocator generalises the teacher's GDT/identity-map
// bring-up (core_engine/hypervisor/gdt.go, paging.go) from a one-shot x86
// boot-time setup into a long-lived buddy allocator serving VM-create and
// page-fault time allocations, and the page-table engine replaces the
// teacher's flat 32-bit PDE/PTE helpers with a sorted table of leaf
// mappings at 4 KiB/2 MiB/1 GiB granules covering both hypervisor-private
// (stage-1) and per-Vm (stage-2) address spaces. It builds no multi-level
// tree of page-table frames.
package memory

import (
	"sync"

	"github.com/pkg/errors"
)

// PageShift/PageSize fix the base granule at 4 KiB, per §4.2.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// ErrOutOfMemory is returned by AllocPages when no free block of the
// requested order exists.
var ErrOutOfMemory = errors.New("memory: out of memory")

// maxOrder bounds the buddy allocator at 2^maxOrder pages (4 GiB worth of
// 4 KiB pages at order 20); real deployments size this from the RAM
// actually reserved for hypervisor-managed allocation at boot.
const maxOrder = 20

// PFN is a physical frame number: physical address >> PageShift.
type PFN uint64

// Allocator is the buddy-like physical page allocator. One instance
// manages all RAM not reserved for the hypervisor image or a VM's static
// memory, per §4.2's "Physical allocator" operations.
type Allocator struct {
	mu polyfillSpinlock

	base    PFN // first PFN managed by this allocator
	nframes uint64

	// freeLists[order] holds free blocks of 2^order pages, keyed by
	// their starting PFN for O(1) buddy lookups on free.
	freeLists [maxOrder + 1]map[PFN]struct{}

	// inUse tracks the order each currently-allocated block was handed
	// out at, so FreePages doesn't need the caller to remember it
	// correctly (the teacher's ioctl-based KVM path never needed this
	// because the kernel owned allocation; here we do).
	inUse map[PFN]int
}

// polyfillSpinlock is a plain mutex standing in for the single spinlock
// named in §4.2; Go has no user-space spinlock primitive in the standard
// library and contention here is low (bursty, at VM-create/fault time),
// so a sync.Mutex is the idiomatic choice — matching how the rest of the
// pack guards shared state (core_engine/devices/pic.go's sync.Mutex).
type polyfillSpinlock = sync.Mutex

// NewAllocator creates an allocator managing nframes 4 KiB frames
// starting at base. nframes need not be a power of two: it is split into
// the largest aligned power-of-two blocks that fit, each seeded into its
// own free list.
func NewAllocator(base PFN, nframes uint64) *Allocator {
	a := &Allocator{base: base, nframes: nframes, inUse: map[PFN]int{}}
	for i := range a.freeLists {
		a.freeLists[i] = map[PFN]struct{}{}
	}
	a.seed()
	return a
}

func (a *Allocator) seed() {
	pfn := a.base
	remaining := a.nframes
	for remaining > 0 {
		order := maxOrder
		for order > 0 && (1<<uint(order) > remaining || uint64(pfn)%(1<<uint(order)) != 0) {
			order--
		}
		a.freeLists[order][pfn] = struct{}{}
		blockLen := uint64(1) << uint(order)
		pfn += PFN(blockLen)
		remaining -= blockLen
	}
}

// AllocPages reserves a 2^order-page-aligned block and returns its first
// PFN, splitting a larger free block when no exact-order block is free.
func (a *Allocator) AllocPages(order int) (PFN, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if order < 0 || order > maxOrder {
		return 0, errors.Errorf("memory: invalid order %d", order)
	}
	o := order
	for o <= maxOrder && len(a.freeLists[o]) == 0 {
		o++
	}
	if o > maxOrder {
		return 0, ErrOutOfMemory
	}
	var pfn PFN
	for p := range a.freeLists[o] {
		pfn = p
		break
	}
	delete(a.freeLists[o], pfn)
	// Split the block down to the requested order, pushing the unused
	// buddy halves onto progressively smaller free lists.
	for o > order {
		o--
		buddy := pfn + PFN(1<<uint(o))
		a.freeLists[o][buddy] = struct{}{}
	}
	a.inUse[pfn] = order
	return pfn, nil
}

// FreePages releases a block previously returned by AllocPages, merging
// with its buddy when the buddy is also free (standard buddy-allocator
// coalescing).
func (a *Allocator) FreePages(pfn PFN, order int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if o, ok := a.inUse[pfn]; ok {
		order = o
	}
	delete(a.inUse, pfn)
	for order < maxOrder {
		buddy := buddyOf(pfn, order)
		if _, free := a.freeLists[order][buddy]; !free {
			break
		}
		delete(a.freeLists[order], buddy)
		if buddy < pfn {
			pfn = buddy
		}
		order++
	}
	a.freeLists[order][pfn] = struct{}{}
}

func buddyOf(pfn PFN, order int) PFN {
	return pfn ^ PFN(1<<uint(order))
}
