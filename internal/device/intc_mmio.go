package device

import "github.com/openeuler-mirror/shyper-go/internal/intc"

// GICDistributor is the MMIO facade for vGICD (v2 and v3) and vPLIC
// named in §4.5: a thin register-offset decode in front of an
// intc.Distributor, the MMIO-emu contract's implementation for the
// interrupt controller's guest-visible registers.
type GICDistributor struct {
	name string
	base uint64
	d    *intc.Distributor
}

// GICv2/v3-style register offsets this facade decodes; a production
// implementation covers the complete GICD register map, banked GICR
// pages, and PLIC priority/enable/claim arrays — this subset is enough
// to exercise enable/priority/target writes end to end.
const (
	regISENABLER uint64 = 0x100
	regICENABLER uint64 = 0x180
	regIPRIORITYR uint64 = 0x400
	regITARGETSR uint64 = 0x800
)

// NewGICDistributor wraps d behind an MMIO-addressable facade named name
// (e.g. "vgicd", "vplic"), registered on a Bus at base.
func NewGICDistributor(name string, base uint64, d *intc.Distributor) *GICDistributor {
	return &GICDistributor{name: name, base: base, d: d}
}

func (g *GICDistributor) Name() string { return g.name }

func (g *GICDistributor) HandleRead(addr uint64, width uint8) (uint64, error) {
	return 0, nil // distributor state is write-mostly from the guest's perspective here
}

func (g *GICDistributor) HandleWrite(addr uint64, width uint8, value uint64) error {
	off := addr - g.base
	switch {
	case off >= regISENABLER && off < regICENABLER:
		irq := uint32(off - regISENABLER)
		g.d.SetEnable(irq, value != 0)
	case off >= regICENABLER && off < regIPRIORITYR:
		irq := uint32(off - regICENABLER)
		if value != 0 {
			g.d.SetEnable(irq, false)
		}
	case off >= regIPRIORITYR && off < regITARGETSR:
		irq := uint32(off - regIPRIORITYR)
		g.d.SetPriority(irq, uint8(value))
	case off >= regITARGETSR:
		irq := uint32(off - regITARGETSR)
		g.d.SetTarget(irq, int(value))
	}
	return nil
}

// HVCInfo is the "shyper-hvc" pseudo-device named in §4.1: a read-only
// MMIO page advertising the hypervisor's ABI magic/version, letting a
// guest driver discover it without needing a hypercall round-trip first.
type HVCInfo struct {
	name    string
	Magic   uint32
	Version uint32
}

// NewHVCInfo constructs the shyper-hvc discovery device.
func NewHVCInfo(name string, magic, version uint32) *HVCInfo {
	return &HVCInfo{name: name, Magic: magic, Version: version}
}

func (h *HVCInfo) Name() string { return h.name }

func (h *HVCInfo) HandleRead(addr uint64, width uint8) (uint64, error) {
	switch addr & 0xF {
	case 0x0:
		return uint64(h.Magic), nil
	case 0x4:
		return uint64(h.Version), nil
	default:
		return 0, nil
	}
}

func (h *HVCInfo) HandleWrite(addr uint64, width uint8, value uint64) error {
	return nil // read-only page: writes are ignored, not an error
}
