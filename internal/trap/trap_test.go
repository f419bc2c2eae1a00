package trap

import (
	"testing"

	"github.com/openeuler-mirror/shyper-go/internal/abi"
	"github.com/openeuler-mirror/shyper-go/internal/arch"
	"github.com/openeuler-mirror/shyper-go/internal/device"
	"github.com/openeuler-mirror/shyper-go/internal/intc"
	"github.com/openeuler-mirror/shyper-go/internal/sched"
)

// fakeVM is a minimal VmContext for exercising Dispatch without pulling
// in internal/vmm.
type fakeVM struct {
	bus   *device.Bus
	dist  *intc.Distributor
	priv  map[int]*intc.PrivateState
	isMVM bool
	vmid  uint64
}

func newFakeVM(vmid uint64) *fakeVM {
	return &fakeVM{
		bus:  device.NewBus(),
		dist: intc.NewDistributor(intc.FlavorGICv3, nil),
		priv: map[int]*intc.PrivateState{},
		vmid: vmid,
	}
}

func (f *fakeVM) Bus() *device.Bus                          { return f.bus }
func (f *fakeVM) Distributor() *intc.Distributor             { return f.dist }
func (f *fakeVM) PrivateState(vcpuID int) *intc.PrivateState { return f.priv[vcpuID] }
func (f *fakeVM) IsMVM() bool                                { return f.isMVM }
func (f *fakeVM) VMID() uint64                               { return f.vmid }

type regDevice struct {
	lastWrite uint64
	readValue uint64
}

func (r *regDevice) Name() string { return "reg" }
func (r *regDevice) HandleRead(addr uint64, width uint8) (uint64, error) {
	return r.readValue, nil
}
func (r *regDevice) HandleWrite(addr uint64, width uint8, value uint64) error {
	r.lastWrite = value
	return nil
}

func setupVCPU(vmid uint64, id int) *sched.VCPU {
	v := sched.NewVCPU(vmid, id, 0x1000, sched.ClassRoundRobin)
	cpu := arch.NewCPU(100 + id)
	pcpu := sched.NewPCPU(100+id, cpu, nil)
	pcpu.Enqueue(v)
	return v
}

func TestDispatchStage2AbortWriteReachesDevice(t *testing.T) {
	vm := newFakeVM(7)
	dev := &regDevice{}
	if err := vm.bus.Register(0x4000_0000, 0x1000, dev); err != nil {
		t.Fatalf("Register: %v", err)
	}

	vcpu := setupVCPU(7, 0)
	vcpu.Context().GP.X[2] = 0xCAFE

	d := NewDispatcher(func(vmid uint64) (VmContext, bool) {
		if vmid == 7 {
			return vm, true
		}
		return nil, false
	}, func(call abi.Call) (int64, error) { return 0, nil })

	exit := arch.ExitInfo{Reason: arch.ExitStage2Abort, FaultIPA: 0x4000_0000, IsWrite: true, Width: 4, Reg: 2}
	pc := vcpu.Context().GP.PC
	if resume := d.Dispatch(vcpu, exit); !resume {
		t.Fatalf("Dispatch returned resume=false for a handled MMIO write")
	}
	if dev.lastWrite != 0xCAFE {
		t.Fatalf("device saw write %#x, want 0xCAFE", dev.lastWrite)
	}
	if vcpu.Context().GP.PC != pc+4 {
		t.Fatalf("PC = %#x, want %#x", vcpu.Context().GP.PC, pc+4)
	}
}

func TestDispatchStage2AbortReadWritesBackGPR(t *testing.T) {
	vm := newFakeVM(7)
	dev := &regDevice{readValue: 0x1234}
	if err := vm.bus.Register(0x4000_0000, 0x1000, dev); err != nil {
		t.Fatalf("Register: %v", err)
	}
	vcpu := setupVCPU(7, 0)

	d := NewDispatcher(func(vmid uint64) (VmContext, bool) { return vm, true }, nil)
	exit := arch.ExitInfo{Reason: arch.ExitStage2Abort, FaultIPA: 0x4000_0000, IsWrite: false, Width: 4, Reg: 3}
	d.Dispatch(vcpu, exit)
	if vcpu.Context().GP.X[3] != 0x1234 {
		t.Fatalf("GP.X[3] = %#x, want 0x1234", vcpu.Context().GP.X[3])
	}
}

func TestDispatchStage2AbortOnUnmappedIPAReflectsAbort(t *testing.T) {
	vm := newFakeVM(7)
	vcpu := setupVCPU(7, 0)

	d := NewDispatcher(func(vmid uint64) (VmContext, bool) { return vm, true }, nil)
	exit := arch.ExitInfo{Reason: arch.ExitStage2Abort, FaultIPA: 0xDEAD_0000, IsWrite: false, Width: 4, Reg: 1}
	if resume := d.Dispatch(vcpu, exit); !resume {
		t.Fatalf("Dispatch returned resume=false for a reflected abort")
	}
	if vcpu.Context().Pending == nil {
		t.Fatalf("expected a pending exception after an unmapped stage-2 abort")
	}
	if vcpu.Context().Pending.Kind != arch.ExceptionSyncExternalAbort {
		t.Fatalf("Pending.Kind = %v, want ExceptionSyncExternalAbort", vcpu.Context().Pending.Kind)
	}
}

func TestDispatchHypercallDeniedForNonMVM(t *testing.T) {
	vm := newFakeVM(7) // isMVM: false
	vcpu := setupVCPU(7, 0)

	called := false
	d := NewDispatcher(func(vmid uint64) (VmContext, bool) { return vm, true }, func(call abi.Call) (int64, error) {
		called = true
		return 0, nil
	})

	id := abi.MakeCallID(abi.GroupVMLifecycle, abi.FnVMBoot)
	exit := arch.ExitInfo{Reason: arch.ExitHypercall, CallID: uint16(id)}
	d.Dispatch(vcpu, exit)
	if called {
		t.Fatalf("hypercall handler should not run for a non-MVM caller on an MVM-only group")
	}
	if int64(vcpu.Context().GP.X[0]) != abi.Errno(abi.KindPermissionDenied) {
		t.Fatalf("GP.X[0] = %d, want PermissionDenied errno", int64(vcpu.Context().GP.X[0]))
	}
}

func TestDispatchHypercallAllowedForMVM(t *testing.T) {
	vm := newFakeVM(7)
	vm.isMVM = true
	vcpu := setupVCPU(7, 0)

	d := NewDispatcher(func(vmid uint64) (VmContext, bool) { return vm, true }, func(call abi.Call) (int64, error) {
		if call.ID.Function() != abi.FnVMBoot {
			t.Fatalf("unexpected function id %d", call.ID.Function())
		}
		return 42, nil
	})

	id := abi.MakeCallID(abi.GroupVMLifecycle, abi.FnVMBoot)
	exit := arch.ExitInfo{Reason: arch.ExitHypercall, CallID: uint16(id)}
	d.Dispatch(vcpu, exit)
	if vcpu.Context().GP.X[0] != 42 {
		t.Fatalf("GP.X[0] = %d, want 42", vcpu.Context().GP.X[0])
	}
}

func TestDispatchWFIBlocksVCPU(t *testing.T) {
	vm := newFakeVM(7)
	vcpu := setupVCPU(7, 0)
	d := NewDispatcher(func(vmid uint64) (VmContext, bool) { return vm, true }, nil)

	if resume := d.Dispatch(vcpu, arch.ExitInfo{Reason: arch.ExitWFI}); resume {
		t.Fatalf("Dispatch returned resume=true for WFI")
	}
	if vcpu.State() != sched.StateBlocked {
		t.Fatalf("vcpu state = %v, want Blocked", vcpu.State())
	}
}

func TestDispatchIRQInjectsIntoPrivateState(t *testing.T) {
	vm := newFakeVM(7)
	priv := intc.NewPrivateState(4)
	vm.priv[0] = priv
	vcpu := setupVCPU(7, 0)

	d := NewDispatcher(func(vmid uint64) (VmContext, bool) { return vm, true }, nil)
	d.Dispatch(vcpu, arch.ExitInfo{Reason: arch.ExitIRQ, Syndrome: 33})

	found := false
	for _, irq := range priv.PendingListRegisters() {
		if irq == 33 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected irq 33 to appear in the vCPU's list registers")
	}
}

func TestDispatchIllegalInjectsUndefinedException(t *testing.T) {
	vm := newFakeVM(7)
	vcpu := setupVCPU(7, 0)
	d := NewDispatcher(func(vmid uint64) (VmContext, bool) { return vm, true }, nil)

	d.Dispatch(vcpu, arch.ExitInfo{Reason: arch.ExitIllegal, Syndrome: 0xBAD})
	if vcpu.Context().Pending == nil || vcpu.Context().Pending.Kind != arch.ExceptionUndefinedInstruction {
		t.Fatalf("expected a pending ExceptionUndefinedInstruction")
	}
}
