package intc

import "testing"

type fakeMirror struct {
	enabled  map[uint32]bool
	priority map[uint32]uint8
	target   map[uint32]int
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{enabled: map[uint32]bool{}, priority: map[uint32]uint8{}, target: map[uint32]int{}}
}

func (f *fakeMirror) SetEnable(irq uint32, enabled bool)   { f.enabled[irq] = enabled }
func (f *fakeMirror) SetPriority(irq uint32, priority uint8) { f.priority[irq] = priority }
func (f *fakeMirror) SetTargetCPU(irq uint32, pcpu int)      { f.target[irq] = pcpu }

func TestGPPTMirrorsOnlyAllowedIRQs(t *testing.T) {
	mirror := newFakeMirror()
	d := NewDistributor(FlavorGICv3, mirror)
	d.ConfigureGPPT(46)

	d.SetEnable(46, true)
	d.SetEnable(47, true)

	if !mirror.enabled[46] {
		t.Fatalf("expected irq 46 (GPPT) to mirror to physical registers")
	}
	if _, ok := mirror.enabled[47]; ok {
		t.Fatalf("irq 47 is outside the GPPT set and must not be mirrored")
	}
}

func TestMigrateAffinityUpdatesPhysicalTarget(t *testing.T) {
	mirror := newFakeMirror()
	d := NewDistributor(FlavorGICv2, mirror)
	d.ConfigureGPPT(10)
	d.MigrateAffinity(10, 3)
	if mirror.target[10] != 3 {
		t.Fatalf("MigrateAffinity target = %d, want 3", mirror.target[10])
	}
}

func TestInjectFillsListRegistersThenQueues(t *testing.T) {
	p := NewPrivateState(2)
	p.Inject(1, 0x10)
	p.Inject(2, 0x20)
	p.Inject(3, 0x05) // higher priority (lower value), queued since no free LR

	regs := p.PendingListRegisters()
	if len(regs) != 2 {
		t.Fatalf("expected 2 occupied list registers, got %d", len(regs))
	}
}

func TestFreeListRegisterDrainsHighestPriorityPending(t *testing.T) {
	p := NewPrivateState(1)
	drained := false
	p.MaintenanceIRQ = func() { drained = true }

	p.Inject(1, 0x20)
	p.Inject(2, 0x05) // queued: higher priority than irq 1

	p.FreeListRegister(1)

	if !drained {
		t.Fatalf("expected MaintenanceIRQ to fire on drain")
	}
	regs := p.PendingListRegisters()
	if len(regs) != 1 || regs[0] != 2 {
		t.Fatalf("expected irq 2 (higher priority) to have been drained into the freed slot, got %v", regs)
	}
}
