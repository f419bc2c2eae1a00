package memory

import (
	"sync"

	"github.com/pkg/errors"
)

// Attr is the memory-attribute set named in §4.2: {normal-cacheable,
// device-nGnRnE, device-nGnRE}. The invariant that no page is
// simultaneously Device and Cacheable is enforced by construction — Attr
// is a closed enum, not a bitmask — rather than checked at every call
// site, generalising the teacher's flag-constant PTE_* style
// (core_engine/hypervisor/paging.go) into a descriptor our engine builds
// instead of the caller hand-packing bits.
type Attr int

const (
	AttrNormalCacheable Attr = iota
	AttrDeviceNGNRNE
	AttrDeviceNGNRE
)

// Perm is the permission set {R, W, X} × {EL1, EL0}, modelled as a
// bitmask since a region can legally carry any combination.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
	PermUser // EL0-accessible; absent means EL1-only
)

// ErrOverlap is returned by Map when the requested range intersects an
// existing mapping with different PA or attributes.
var ErrOverlap = errors.New("memory: overlapping mapping with incompatible attrs")

// ErrUnmapped is returned by Translate for an IPA with no leaf mapping.
var ErrUnmapped = errors.New("memory: address unmapped")

// Kind distinguishes the two address-space flavours named in §4.2.
type Kind int

const (
	KindStage1 Kind = iota // hypervisor-private
	KindStage2             // per-Vm, IPA -> PA
)

// blockSizes lists the leaf granules the engine will choose among, largest
// first, mirroring "chooses the largest block size consistent with
// alignment". 1 GiB blocks are only used when the architecture supports
// them; callers that don't can simply never request >2 MiB alignment.
var blockSizes = []uint64{1 << 30, 1 << 21, PageSize}

// leaf is one mapped entry: a single, possibly-multi-page run recorded at
// whatever granule Map chose. The engine keeps a flat sorted leaf table
// rather than a literal 3/4-level radix tree; it builds no page-table
// frames and serialises no arch-specific descriptors from these leaves.
type leaf struct {
	ipa, pa, len uint64
	attr         Attr
	perm         Perm
	dirtyTrackWritable bool // effective writable bit while dirty-tracking is armed
}

// AddressSpace is one stage-1 or stage-2 address space, per §4.2, held
// as the sorted leaf table described above rather than a frame tree.
type AddressSpace struct {
	mu sync.RWMutex

	Kind Kind
	VMID uint16 // stage-2 only; tags TLB entries

	leaves []leaf // kept sorted by ipa

	dirtyTracking bool
	dirtyBitmap   map[uint64]bool // keyed by page-aligned IPA, stage-2 only
}

// NewAddressSpace creates an empty address space of the given flavour.
func NewAddressSpace(kind Kind, vmid uint16) *AddressSpace {
	return &AddressSpace{Kind: kind, VMID: vmid, dirtyBitmap: map[uint64]bool{}}
}

// Map installs ipa -> pa for len bytes (a multiple of PageSize), choosing
// the largest consistent block size. Re-mapping an already-covered range
// to identical pa/attrs/perm is a no-op (idempotent); any other overlap
// is ErrOverlap.
func (as *AddressSpace) Map(ipa, pa, length uint64, attr Attr, perm Perm) error {
	if length == 0 || length%PageSize != 0 {
		return errors.Errorf("memory: length %d not a multiple of page size", length)
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	if err := as.checkOverlap(ipa, pa, length, attr, perm); err != nil {
		return err
	}

	off := uint64(0)
	for off < length {
		remaining := length - off
		blockLen := chooseBlock(ipa+off, pa+off, remaining)
		as.insertLeaf(leaf{
			ipa: ipa + off, pa: pa + off, len: blockLen,
			attr: attr, perm: perm, dirtyTrackWritable: perm&PermWrite != 0,
		})
		off += blockLen
	}
	return nil
}

func chooseBlock(ipa, pa, remaining uint64) uint64 {
	for _, bs := range blockSizes {
		if remaining >= bs && ipa%bs == 0 && pa%bs == 0 {
			return bs
		}
	}
	return PageSize
}

func (as *AddressSpace) checkOverlap(ipa, pa, length uint64, attr Attr, perm Perm) error {
	end := ipa + length
	for _, l := range as.leaves {
		if l.ipa >= end || l.ipa+l.len <= ipa {
			continue
		}
		samePA := l.pa-l.ipa == pa-ipa
		if l.attr != attr || l.perm != perm || !samePA {
			return ErrOverlap
		}
	}
	return nil
}

// insertLeaf keeps as.leaves sorted by ipa; duplicate/identical leaves
// (the idempotent re-map case) are left as-is rather than duplicated.
func (as *AddressSpace) insertLeaf(l leaf) {
	for _, existing := range as.leaves {
		if existing == l {
			return
		}
	}
	i := 0
	for i < len(as.leaves) && as.leaves[i].ipa < l.ipa {
		i++
	}
	as.leaves = append(as.leaves, leaf{})
	copy(as.leaves[i+1:], as.leaves[i:])
	as.leaves[i] = l
}

// Unmap tears down leaves covering [ipa, ipa+len) and clears their dirty
// bits. It issues no TLB invalidate of its own, broadcast or local. A
// block leaf only partially inside the range is split: its
// uncovered head/tail survive as smaller leaves, so no address inside
// the unmapped range remains translatable.
func (as *AddressSpace) Unmap(ipa, length uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	end := ipa + length
	var kept []leaf
	for _, l := range as.leaves {
		lEnd := l.ipa + l.len
		if l.ipa >= end || lEnd <= ipa {
			kept = append(kept, l)
			continue
		}
		if l.ipa < ipa {
			head := l
			head.len = ipa - l.ipa
			kept = append(kept, head)
		}
		if lEnd > end {
			tail := l
			tail.ipa = end
			tail.pa = l.pa + (end - l.ipa)
			tail.len = lEnd - end
			kept = append(kept, tail)
		}
	}
	as.leaves = kept
	for p := ipa; p < end; p += PageSize {
		delete(as.dirtyBitmap, p)
	}
}

// Translate resolves ipa to a physical address, or ErrUnmapped.
func (as *AddressSpace) Translate(ipa uint64) (uint64, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	for _, l := range as.leaves {
		if ipa >= l.ipa && ipa < l.ipa+l.len {
			return l.pa + (ipa - l.ipa), nil
		}
	}
	return 0, ErrUnmapped
}

// SetDirtyTracking walks all leaves, clearing (on==true) or restoring
// (on==false) the writable bit. A subsequent write takes a stage-2
// permission fault that internal/migration's fault handler turns into a
// dirty-bitmap set plus write-re-enable, per §4.2.
func (as *AddressSpace) SetDirtyTracking(on bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.dirtyTracking = on
	if !on {
		as.dirtyBitmap = map[uint64]bool{}
	}
	for i := range as.leaves {
		if on {
			as.leaves[i].dirtyTrackWritable = false
		} else if as.leaves[i].perm&PermWrite != 0 {
			as.leaves[i].dirtyTrackWritable = true
		}
	}
}

// EffectiveWritable reports whether a write to ipa should currently
// succeed, accounting for dirty-tracking's temporary write-protect.
func (as *AddressSpace) EffectiveWritable(ipa uint64) bool {
	as.mu.RLock()
	defer as.mu.RUnlock()
	for _, l := range as.leaves {
		if ipa >= l.ipa && ipa < l.ipa+l.len {
			return l.dirtyTrackWritable
		}
	}
	return false
}

// MarkDirty records ipa's containing page as dirty and re-enables writes
// to it, the migration engine's response to the permission fault
// SetDirtyTracking(true) set up.
func (as *AddressSpace) MarkDirty(ipa uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if !as.dirtyTracking {
		return
	}
	page := ipa &^ (PageSize - 1)
	as.dirtyBitmap[page] = true
	for i := range as.leaves {
		l := &as.leaves[i]
		if ipa >= l.ipa && ipa < l.ipa+l.len && l.perm&PermWrite != 0 {
			l.dirtyTrackWritable = true
		}
	}
}

// SnapshotAndClearDirty returns the set of dirty pages and atomically
// clears the bitmap, the per-round operation §5's migration protocol
// relies on for its ordering guarantee.
func (as *AddressSpace) SnapshotAndClearDirty() []uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	pages := make([]uint64, 0, len(as.dirtyBitmap))
	for p := range as.dirtyBitmap {
		pages = append(pages, p)
	}
	as.dirtyBitmap = map[uint64]bool{}
	for i := range as.leaves {
		if as.leaves[i].perm&PermWrite != 0 {
			as.leaves[i].dirtyTrackWritable = false
		}
	}
	return pages
}

// AllMappedPages returns every page-aligned IPA currently mapped,
// RAM-backed or not — used for migration round 0, which sends every
// mapped page regardless of dirty state.
func (as *AddressSpace) AllMappedPages() []uint64 {
	as.mu.RLock()
	defer as.mu.RUnlock()
	var pages []uint64
	for _, l := range as.leaves {
		for p := l.ipa; p < l.ipa+l.len; p += PageSize {
			pages = append(pages, p)
		}
	}
	return pages
}
