package vmm

import (
	"github.com/pkg/errors"

	"github.com/openeuler-mirror/shyper-go/internal/memory"
	"github.com/openeuler-mirror/shyper-go/internal/virtio"
)

// region is one host-backed RAM extent, keyed by guest IPA.
type region struct {
	ipaStart uint64
	backing  []byte
}

// GuestRAM is the concrete virtio.GuestMemory implementation backing a
// Vm's RAM-backed memory regions: a flat host allocation per region,
// addressed by guest IPA. Device emulation (C6/C7) reads and writes
// through this the same way it would walk the stage-2 AddressSpace on
// real hardware, without needing an actual MMU translation for every
// byte access.
type GuestRAM struct {
	regions []region
	dirty   func(ipa uint64)
}

// NewGuestRAM maps one host-backed arena per configured memory region,
// the teacher's guest-memory mmap idiom applied per region rather than
// once for a single fixed VM.
func NewGuestRAM(regions []MemoryRegion) (*GuestRAM, error) {
	g := &GuestRAM{}
	for _, r := range regions {
		backing, err := memory.AllocArena(uint64(r.Length))
		if err != nil {
			g.Release()
			return nil, err
		}
		g.regions = append(g.regions, region{
			ipaStart: uint64(r.IPAStart),
			backing:  backing,
		})
	}
	return g, nil
}

// Release unmaps every region's arena; the GuestRAM is unusable after.
func (g *GuestRAM) Release() {
	for _, r := range g.regions {
		_ = memory.FreeArena(r.backing)
	}
	g.regions = nil
}

// SetDirtyHook installs fn, invoked on every WriteAt with the written
// IPA. NewVm wires this to the Vm's AddressSpace.MarkDirty: since this
// engine's arch.CPU backends (real or simulated) do not themselves raise
// a distinguishable stage-2 permission fault the way real hardware would
// under §4.2's dirty-tracking write-protect, every guest RAM write is
// routed through here instead and MarkDirty itself is a no-op unless
// migration has armed dirty-tracking (AddressSpace.dirtyTracking).
func (g *GuestRAM) SetDirtyHook(fn func(ipa uint64)) { g.dirty = fn }

var errOutOfRange = errors.New("vmm: guest memory access outside any configured region")

func (g *GuestRAM) find(ipa uint64, length int) ([]byte, error) {
	for i := range g.regions {
		r := &g.regions[i]
		end := r.ipaStart + uint64(len(r.backing))
		if ipa >= r.ipaStart && ipa+uint64(length) <= end {
			off := ipa - r.ipaStart
			return r.backing[off : off+uint64(length)], nil
		}
	}
	return nil, errOutOfRange
}

func (g *GuestRAM) ReadAt(ipa uint64, buf []byte) error {
	src, err := g.find(ipa, len(buf))
	if err != nil {
		return err
	}
	copy(buf, src)
	return nil
}

func (g *GuestRAM) WriteAt(ipa uint64, buf []byte) error {
	dst, err := g.find(ipa, len(buf))
	if err != nil {
		return err
	}
	copy(dst, buf)
	if g.dirty != nil {
		g.dirty(ipa)
	}
	return nil
}

// LoadImage copies data into the region containing loadIPA, implementing
// §4.7's "loads the kernel image into the configured IPA" for the
// kernel, device tree, and ramdisk alike.
func (g *GuestRAM) LoadImage(loadIPA uint64, data []byte) error {
	return g.WriteAt(loadIPA, data)
}

// ReadPage copies one page-aligned page starting at ipa, for
// internal/migration's pre-copy round transfer; it bypasses the dirty
// hook since reading never dirties a page.
func (g *GuestRAM) ReadPage(ipa uint64, length int) ([]byte, error) {
	src, err := g.find(ipa, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, src)
	return out, nil
}

// WritePageRaw installs page content at ipa without re-triggering the
// dirty hook, used by internal/migration's destination-side Activate to
// populate guest RAM from received pages without immediately marking
// them dirty again.
func (g *GuestRAM) WritePageRaw(ipa uint64, data []byte) error {
	dst, err := g.find(ipa, len(data))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

var _ virtio.GuestMemory = (*GuestRAM)(nil)
