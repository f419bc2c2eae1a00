// Package intc is the virtual interrupt controller (C5): per-Vm
// distributor state for SPIs, per-vCPU private PPI/SGI state, partial
// pass-through (GPPT) mirroring, and list-register injection with
// maintenance-IRQ drain. The priority/FIFO bookkeeping here generalises
// the teacher's 8259A PIC emulation (core_engine/devices/pic.go's IRR/ISR
// bit arrays and GetInterruptVector priority scan) from one flat 16-line,
// fixed-priority controller into a per-Vm distributor covering SPIs,
// PPIs/SGIs and an arbitrary priority byte, fronting either a GICv2/v3
// model or a vPLIC depending on Flavor.
package intc

import (
	"sort"
	"sync"
)

// Flavor selects the MMIO facade a Distributor is fronted by; the
// injection/priority/GPPT model beneath is shared across all three.
type Flavor int

const (
	FlavorGICv2 Flavor = iota
	FlavorGICv3
	FlavorPLIC
)

// Config is the edge/level trigger configuration of an SPI, per §4.5.
type Config int

const (
	ConfigLevel Config = iota
	ConfigEdge
)

// SPI is one shared-peripheral-interrupt's distributor-visible state.
type SPI struct {
	mu sync.Mutex

	Enabled  bool
	Pending  bool
	Active   bool
	Priority uint8
	Target   int // target vCPU id
	Config   Config

	passthrough bool // true if this SPI is in the Vm's GPPT set
}

// Distributor is the per-Vm virtual distributor (§4.5 "Model"). SPIs are
// addressed by id; private PPI/SGI state lives per-vCPU in PrivateState.
type Distributor struct {
	Flavor Flavor

	mu   sync.RWMutex
	spis map[uint32]*SPI

	// allowMask is the GPPT allow-mask: the set of irqs this Vm may
	// reconfigure via mirrored physical-register writes. Irqs outside
	// this set are never passed through regardless of any other state.
	allowMask map[uint32]bool

	mirror PhysicalMirror
}

// PhysicalMirror is implemented by whatever owns the real GICD/GICR/PLIC
// registers; Distributor calls into it only for irqs in the Vm's GPPT
// set, and only within the allow-mask, per "eliminates per-interrupt
// trap-and-emulate" while still forbidding reconfiguration outside the
// Vm's set.
type PhysicalMirror interface {
	SetEnable(irq uint32, enabled bool)
	SetPriority(irq uint32, priority uint8)
	SetTargetCPU(irq uint32, pcpu int)
}

// NewDistributor creates an empty distributor for flavor f.
func NewDistributor(f Flavor, mirror PhysicalMirror) *Distributor {
	return &Distributor{Flavor: f, spis: map[uint32]*SPI{}, allowMask: map[uint32]bool{}, mirror: mirror}
}

// SetMirror installs the physical-register mirror after construction, for
// callers whose platform GIC/PLIC driver comes up later than the Vm.
// Boot-time only: once guests run, the mirror must not change.
func (d *Distributor) SetMirror(m PhysicalMirror) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mirror = m
}

// ConfigureGPPT marks irq as passed-through and part of the allow-mask;
// called once at Vm creation from VmConfig's passthrough IRQ set.
func (d *Distributor) ConfigureGPPT(irq uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allowMask[irq] = true
	if s, ok := d.spis[irq]; ok {
		s.passthrough = true
	}
}

func (d *Distributor) spi(irq uint32) *SPI {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.spis[irq]
	if !ok {
		s = &SPI{Priority: 0xA0, passthrough: d.allowMask[irq]}
		d.spis[irq] = s
	}
	return s
}

// SetEnable is the guest-visible GICD_ISENABLER/ICENABLER write path. When
// irq is in the GPPT set, the write is mirrored to the physical register
// in addition to being recorded virtually.
func (d *Distributor) SetEnable(irq uint32, enabled bool) {
	s := d.spi(irq)
	s.mu.Lock()
	s.Enabled = enabled
	passthrough := s.passthrough
	s.mu.Unlock()
	if passthrough && d.mirror != nil {
		d.mirror.SetEnable(irq, enabled)
	}
}

// SetPriority is the guest-visible GICD_IPRIORITYR write path, mirrored
// under the same GPPT rule as SetEnable.
func (d *Distributor) SetPriority(irq uint32, priority uint8) {
	s := d.spi(irq)
	s.mu.Lock()
	s.Priority = priority
	passthrough := s.passthrough
	s.mu.Unlock()
	if passthrough && d.mirror != nil {
		d.mirror.SetPriority(irq, priority)
	}
}

// Priority returns irq's currently configured distributor priority, for
// C4's async-IRQ dispatch to pass through to PrivateState.Inject.
func (d *Distributor) Priority(irq uint32) uint8 {
	s := d.spi(irq)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Priority
}

// SetTarget reprograms irq's target vCPU — the virtual side of affinity
// migration; MigrateAffinity below handles the physical mirror.
func (d *Distributor) SetTarget(irq uint32, vcpu int) {
	s := d.spi(irq)
	s.mu.Lock()
	s.Target = vcpu
	s.mu.Unlock()
}

// MigrateAffinity reprograms irq's physical target-cpu register when its
// owning vCPU moves from pCPU p to pCPU q != p, under the per-irq lock,
// per §4.5 "Affinity migration" and invariant I3.
func (d *Distributor) MigrateAffinity(irq uint32, toPCPU int) {
	s := d.spi(irq)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.passthrough && d.mirror != nil {
		d.mirror.SetTargetCPU(irq, toPCPU)
	}
}

// SPISnapshot is one SPI's externally observable state, used by C9/C10
// to carry "the virtual interrupt controller state" (§4.8) across a
// migration or live-update handoff.
type SPISnapshot struct {
	Enabled, Pending, Active bool
	Priority                 uint8
	Target                   int
	Config                   Config
}

// Snapshot captures every SPI's state for handoff, keyed by irq.
func (d *Distributor) Snapshot() map[uint32]SPISnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[uint32]SPISnapshot, len(d.spis))
	for irq, s := range d.spis {
		s.mu.Lock()
		out[irq] = SPISnapshot{
			Enabled: s.Enabled, Pending: s.Pending, Active: s.Active,
			Priority: s.Priority, Target: s.Target, Config: s.Config,
		}
		s.mu.Unlock()
	}
	return out
}

// Restore replaces the distributor's SPI table with snap, preserving
// each irq's GPPT allow-mask membership (set independently via
// ConfigureGPPT on the destination/new-image side).
func (d *Distributor) Restore(snap map[uint32]SPISnapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for irq, ss := range snap {
		d.spis[irq] = &SPI{
			Enabled: ss.Enabled, Pending: ss.Pending, Active: ss.Active,
			Priority: ss.Priority, Target: ss.Target, Config: ss.Config,
			passthrough: d.allowMask[irq],
		}
	}
}

// PrivateState is one vCPU's PPI/SGI slots (32 of them, ids 0-31) plus its
// list-register bank and software pending queue — the per-vCPU injection
// target distinct from the shared Distributor.
type PrivateState struct {
	mu sync.Mutex

	private [32]SPI // PPIs (16-31) and SGIs (0-15) addressed by index

	listRegisters []listEntry
	listCapacity  int

	pendingQueue []pendingIRQ
	pendingSeq   uint64 // insertion counter for FIFO tie-breaks, per-vCPU

	// MaintenanceIRQ is invoked when a list register frees and the
	// pending queue is non-empty, so the trap dispatcher can route a
	// real maintenance interrupt to this vCPU.
	MaintenanceIRQ func()
}

type listEntry struct {
	valid    bool
	irq      uint32
	priority uint8
}

type pendingIRQ struct {
	irq      uint32
	priority uint8
	seq      uint64 // insertion order, for FIFO tie-break
}

// NewPrivateState creates per-vCPU interrupt state with capacity list
// registers (4 is typical for GICv2/v3; RV64 vPLIC callers may pass a
// larger number to approximate its deeper claim/complete queue).
func NewPrivateState(capacity int) *PrivateState {
	return &PrivateState{listRegisters: make([]listEntry, capacity), listCapacity: capacity}
}

// Inject implements inject(vm, vcpu, irq): insert into a free list
// register, or queue in the software pending bitmap if none is free.
// Per §4.5, the queue drains in priority order (ties broken FIFO) once a
// list register frees via FreeListRegister.
func (p *PrivateState) Inject(irq uint32, priority uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.listRegisters {
		if !p.listRegisters[i].valid {
			p.listRegisters[i] = listEntry{valid: true, irq: irq, priority: priority}
			return
		}
	}
	p.pendingSeq++
	p.pendingQueue = append(p.pendingQueue, pendingIRQ{irq: irq, priority: priority, seq: p.pendingSeq})
}

// FreeListRegister marks a list register (by irq) as serviced and empty —
// called when the vCPU EOIs the interrupt — and drains one pending entry
// into the freed slot if the queue is non-empty, firing MaintenanceIRQ.
func (p *PrivateState) FreeListRegister(irq uint32) {
	p.mu.Lock()
	idx := -1
	for i := range p.listRegisters {
		if p.listRegisters[i].valid && p.listRegisters[i].irq == irq {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return
	}
	p.listRegisters[idx] = listEntry{}

	if len(p.pendingQueue) == 0 {
		p.mu.Unlock()
		return
	}
	sort.Slice(p.pendingQueue, func(i, j int) bool {
		if p.pendingQueue[i].priority != p.pendingQueue[j].priority {
			return p.pendingQueue[i].priority < p.pendingQueue[j].priority // lower value = higher priority
		}
		return p.pendingQueue[i].seq < p.pendingQueue[j].seq
	})
	next := p.pendingQueue[0]
	p.pendingQueue = p.pendingQueue[1:]
	p.listRegisters[idx] = listEntry{valid: true, irq: next.irq, priority: next.priority}
	mi := p.MaintenanceIRQ
	p.mu.Unlock()
	if mi != nil {
		mi()
	}
}

// PendingListRegisters returns the irqs currently occupying list
// registers, used by C3's context save to persist virtual-GIC state
// across a pCPU switch (§4.3's "per-core virtual-GIC (list registers)
// state").
func (p *PrivateState) PendingListRegisters() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []uint32
	for _, e := range p.listRegisters {
		if e.valid {
			out = append(out, e.irq)
		}
	}
	return out
}

// ListEntrySnapshot is one occupied list register or software-pending
// queue slot's (irq, priority) pair, for C9/C10 handoff.
type ListEntrySnapshot struct {
	IRQ      uint32
	Priority uint8
}

// Snapshot captures this vCPU's occupied list registers and software
// pending queue, in that order, for migration/live-update handoff.
func (p *PrivateState) Snapshot() (list, pending []ListEntrySnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.listRegisters {
		if e.valid {
			list = append(list, ListEntrySnapshot{IRQ: e.irq, Priority: e.priority})
		}
	}
	for _, q := range p.pendingQueue {
		pending = append(pending, ListEntrySnapshot{IRQ: q.irq, Priority: q.priority})
	}
	return list, pending
}

// Restore replaces this vCPU's list registers and pending queue with the
// contents of a prior Snapshot, preserving list-register slot indices
// where possible (capacity may differ across a live-update image change,
// in which case entries beyond capacity fall back into the pending
// queue).
func (p *PrivateState) Restore(list, pending []ListEntrySnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.listRegisters {
		p.listRegisters[i] = listEntry{}
	}
	overflow := list
	for i, e := range list {
		if i >= len(p.listRegisters) {
			break
		}
		p.listRegisters[i] = listEntry{valid: true, irq: e.IRQ, priority: e.Priority}
		overflow = list[i+1:]
	}
	p.pendingQueue = p.pendingQueue[:0]
	for _, e := range append(append([]ListEntrySnapshot{}, overflow...), pending...) {
		p.pendingSeq++
		p.pendingQueue = append(p.pendingQueue, pendingIRQ{irq: e.IRQ, priority: e.Priority, seq: p.pendingSeq})
	}
}
