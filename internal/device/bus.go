// Package device is the emulated-device registry and MMIO dispatch bus
// (C6). It generalises the teacher's port-indexed IOBus
// (core_engine/devices/iobus.go, a map keyed by one of 65536 16-bit
// ports) into a sorted-interval table keyed by wide 64-bit IPA ranges,
// since stage-2 faults carry an arbitrary guest-physical address rather
// than a small fixed port number.
package device

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// MMIODevice is the common MMIO-emu contract named in §4.6: every
// emulated device variant (vGICD, vGICR, vPLIC, virtio-console,
// virtio-net, virtio-blk-mediated, shyper-hvc) implements it.
type MMIODevice interface {
	Name() string
	HandleRead(addr uint64, width uint8) (uint64, error)
	HandleWrite(addr uint64, width uint8, value uint64) error
}

// ErrOverlap is returned by Register when the requested range intersects
// an already-registered device's range.
var ErrOverlap = errors.New("device: overlapping MMIO registration")

// ErrUnhandled is returned by Dispatch when no device claims addr.
var ErrUnhandled = errors.New("device: unhandled MMIO address")

type region struct {
	start, end uint64 // [start, end)
	dev        MMIODevice
}

// Bus is the per-Vm sorted interval table C4 consults on every stage-2
// data/instruction abort, per §4.2's "resolve the faulting IPA against
// the Vm's emulated-device interval table".
type Bus struct {
	mu      sync.RWMutex
	regions []region // kept sorted by start
}

// NewBus creates an empty MMIO bus.
func NewBus() *Bus { return &Bus{} }

// Register associates [start, start+length) with dev. Overlaps with any
// existing registration are rejected, per §4.6 ("overlaps are rejected at
// Vm creation").
func (b *Bus) Register(start, length uint64, dev MMIODevice) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := start + length
	for _, r := range b.regions {
		if start < r.end && r.start < end {
			return errors.Wrapf(ErrOverlap, "%s vs %s", dev.Name(), r.dev.Name())
		}
	}
	b.regions = append(b.regions, region{start: start, end: end, dev: dev})
	sort.Slice(b.regions, func(i, j int) bool { return b.regions[i].start < b.regions[j].start })
	return nil
}

// lookup finds the region containing addr via binary search over the
// sorted table, giving O(log n) dispatch as named in §4.6.
func (b *Bus) lookup(addr uint64) (MMIODevice, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i := sort.Search(len(b.regions), func(i int) bool { return b.regions[i].end > addr })
	if i < len(b.regions) && b.regions[i].start <= addr {
		return b.regions[i].dev, true
	}
	return nil, false
}

// Read dispatches a guest read of width bytes at addr to the owning
// device. Illegal widths are the device's own concern: Bus just forwards
// whatever C4 decoded.
func (b *Bus) Read(addr uint64, width uint8) (uint64, error) {
	dev, ok := b.lookup(addr)
	if !ok {
		return 0, ErrUnhandled
	}
	return dev.HandleRead(addr, width)
}

// Write dispatches a guest write of width bytes at addr to the owning
// device.
func (b *Bus) Write(addr uint64, width uint8, value uint64) error {
	dev, ok := b.lookup(addr)
	if !ok {
		return ErrUnhandled
	}
	return dev.HandleWrite(addr, width, value)
}
