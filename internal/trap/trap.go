// Package trap is the synchronous/asynchronous trap-and-emulate core
// (C4): the single place that turns an arch.ExitInfo from
// arch.CPU.EnterGuest into "advance PC and resume", "inject an
// exception", or "hand off to a hypercall handler". It generalises the
// teacher's inline KVM_EXIT_* switch inside VCPU.Run
// (core_engine/vcpu.go) into a standalone type implementing
// sched.Dispatcher, so internal/sched stays free of any per-exit-reason
// knowledge.
package trap

import (
	"github.com/pkg/errors"

	"github.com/openeuler-mirror/shyper-go/internal/abi"
	"github.com/openeuler-mirror/shyper-go/internal/arch"
	"github.com/openeuler-mirror/shyper-go/internal/device"
	"github.com/openeuler-mirror/shyper-go/internal/hvlog"
	"github.com/openeuler-mirror/shyper-go/internal/intc"
	"github.com/openeuler-mirror/shyper-go/internal/metrics"
	"github.com/openeuler-mirror/shyper-go/internal/sched"
)

var log = hvlog.For("trap")

// VmContext is the narrow slice of a Vm (C8) the dispatcher needs per
// exit: its MMIO bus for stage-2 aborts, its interrupt controller for
// async IRQ routing, and whether the trapping vCPU belongs to the MVM
// (gating which hypercall groups it may issue). internal/vmm's Vm type
// implements this directly, keeping trap->vmm a one-way dependency
// instead of the reverse.
type VmContext interface {
	Bus() *device.Bus
	Distributor() *intc.Distributor
	PrivateState(vcpuID int) *intc.PrivateState
	IsMVM() bool
	VMID() uint64
}

// VmLookup resolves the VmContext owning a vCPU, keyed by VMID. C8
// registers/unregisters Vm instances here as they are created/torn down.
type VmLookup func(vmid uint64) (VmContext, bool)

// SysregHandler emulates one trapped system-register access (§4.1's
// "sysreg trap -> table lookup/emulate/advance PC"); most registers this
// hypervisor virtualises are read-as-written scratch state the guest
// only touches during early boot (feature probing), so a register with
// no registered handler reads as zero and ignores writes.
type SysregHandler func(vcpu *sched.VCPU, exit arch.ExitInfo) (value uint64, err error)

// Dispatcher implements sched.Dispatcher: the sole entry point C3 calls
// on every guest exit.
type Dispatcher struct {
	vms     VmLookup
	hyper   abi.Handler
	sysregs map[uint32]SysregHandler
}

// NewDispatcher builds a trap dispatcher. hyper services every decoded
// hypercall (internal/vmm supplies the concrete handler, since hypercall
// semantics are VM-lifecycle/migration/live-update operations C4 itself
// has no business implementing).
func NewDispatcher(vms VmLookup, hyper abi.Handler) *Dispatcher {
	return &Dispatcher{vms: vms, hyper: hyper, sysregs: map[uint32]SysregHandler{}}
}

// RegisterSysreg installs a handler for one trapped system register,
// overriding the read-as-zero, write-ignored default.
func (d *Dispatcher) RegisterSysreg(id uint32, h SysregHandler) {
	d.sysregs[id] = h
}

// Dispatch is sched.Dispatcher.Dispatch: the generalisation of the
// teacher's "switch kvmRun.ExitReason" block. It returns whether the
// vCPU should resume guest execution without an intervening
// reschedule.
func (d *Dispatcher) Dispatch(vcpu *sched.VCPU, exit arch.ExitInfo) bool {
	vm, ok := d.vms(vcpu.VMID)
	if !ok {
		log.WithField("vmid", vcpu.VMID).Error("trap: exit for unknown vmid, halting vcpu")
		vcpu.Block(sched.BlockAwaitingInterrupt)
		return false
	}

	switch exit.Reason {
	case arch.ExitStage2Abort:
		return d.dispatchStage2Abort(vcpu, vm, exit)
	case arch.ExitHypercall:
		return d.dispatchHypercall(vcpu, vm, exit)
	case arch.ExitSysregTrap:
		return d.dispatchSysreg(vcpu, exit)
	case arch.ExitIRQ:
		return d.dispatchIRQ(vcpu, vm, exit)
	case arch.ExitWFI:
		vcpu.Block(sched.BlockWFI)
		return false
	case arch.ExitShutdown:
		vcpu.Block(sched.BlockAwaitingInterrupt)
		return false
	default: // arch.ExitIllegal, arch.ExitUnknown
		return d.injectUndefined(vcpu, exit)
	}
}

// dispatchStage2Abort implements §4.2/§4.6's fault path: resolve the
// faulting IPA against the Vm's MMIO interval table. A hit emulates the
// access and advances PC; a miss on an otherwise-unmapped, non-lazy
// region is reflected to the guest as a synchronous external abort
// rather than killing the vCPU, per §7's propagation policy.
func (d *Dispatcher) dispatchStage2Abort(vcpu *sched.VCPU, vm VmContext, exit arch.ExitInfo) bool {
	if exit.IsWrite {
		err := vm.Bus().Write(exit.FaultIPA, exit.Width, readGPR(vcpu, exit.Reg))
		if err != nil {
			return d.reflectAbort(vcpu, exit, err)
		}
		advancePC(vcpu)
		return true
	}

	value, err := vm.Bus().Read(exit.FaultIPA, exit.Width)
	if err != nil {
		return d.reflectAbort(vcpu, exit, err)
	}
	if exit.SignExtend {
		value = signExtend(value, exit.Width)
	}
	writeGPR(vcpu, exit.Reg, value)
	advancePC(vcpu)
	return true
}

// reflectAbort handles an MMIO miss. device.ErrUnhandled on an address
// outside every registered device's range means the IPA genuinely has no
// emulated or passthrough backing; per §7 that is a synchronous external
// abort reflected to the guest, not a Fatal hypervisor condition.
func (d *Dispatcher) reflectAbort(vcpu *sched.VCPU, exit arch.ExitInfo, err error) bool {
	if errors.Cause(err) == device.ErrUnhandled {
		log.WithField("ipa", exit.FaultIPA).Warn("trap: stage-2 abort on unmapped IPA, reflecting to guest")
		if cpu, ok := vcpu.CPU(); ok {
			cpu.InjectException(vcpu.Context(), arch.ExceptionSyncExternalAbort, exit.FaultIPA)
		}
		return true
	}
	log.WithError(err).WithField("ipa", exit.FaultIPA).Error("trap: device emulation failed")
	return d.injectUndefined(vcpu, exit)
}

// dispatchHypercall implements §6's ABI: decode group/function, reject
// MVM-only groups from non-MVM callers, and forward to the shared
// handler. The return value is packed back into GPR[0] exactly as the
// teacher packed KVM_EXIT_IO results into guest registers.
func (d *Dispatcher) dispatchHypercall(vcpu *sched.VCPU, vm VmContext, exit arch.ExitInfo) bool {
	id := abi.CallID(exit.CallID)
	call := abi.Call{ID: id, Args: abi.Args(exit.Args), VMID: uint32(vcpu.VMID), VCPUID: vcpu.ID}

	outcome := "ok"
	defer func() { metrics.HypercallsTotal.WithLabelValues(id.Group().String(), outcome).Inc() }()

	restricted := id.Group().OnlyMVM()
	if id.Group() == abi.GroupMediatedIO && id.Function() == abi.FnVirtioNotify {
		restricted = false // §6: all VMs may issue the virtio notify call
	}
	if restricted && !vm.IsMVM() {
		outcome = "denied"
		writeGPR(vcpu, 0, uint64(abi.Errno(abi.KindPermissionDenied)))
		advancePC(vcpu)
		return true
	}

	ret, err := d.hyper(call)
	if err != nil {
		outcome = "error"
		writeGPR(vcpu, 0, uint64(abi.Errno(abi.KindOf(err))))
		advancePC(vcpu)
		return true
	}
	writeGPR(vcpu, 0, uint64(ret))
	advancePC(vcpu)
	return true
}

// dispatchSysreg implements §4.1's "sysreg trap -> table lookup/emulate/
// advance PC": a registered handler emulates the access, or the default
// behaviour (return 0 on read, discard on write) keeps early guest boot
// probing from ever halting on an unvirtualised register.
func (d *Dispatcher) dispatchSysreg(vcpu *sched.VCPU, exit arch.ExitInfo) bool {
	if h, ok := d.sysregs[exit.SysregID]; ok {
		value, err := h(vcpu, exit)
		if err != nil {
			return d.injectUndefined(vcpu, exit)
		}
		if !exit.IsWrite {
			writeGPR(vcpu, exit.Reg, value)
		}
	} else if !exit.IsWrite {
		writeGPR(vcpu, exit.Reg, 0)
	}
	advancePC(vcpu)
	return true
}

// dispatchIRQ implements §4.3/§4.5's async path: the interrupt id is
// injected into the vCPU's virtual list registers at its distributor
// priority whenever the Vm has private interrupt state for that vCPU, and
// swallowed otherwise. It does not classify ids by owner: the scheduler's
// reschedule IPI is dropped in sched.PCPU.runOne before reaching here, and
// no other hypervisor-owned id (timer tick, maintenance) is handled inline.
func (d *Dispatcher) dispatchIRQ(vcpu *sched.VCPU, vm VmContext, exit arch.ExitInfo) bool {
	irq := uint32(exit.Syndrome)
	priv := vm.PrivateState(vcpu.ID)
	if priv == nil {
		return true // hypervisor-owned housekeeping interrupt with no guest routing
	}
	priv.Inject(irq, priorityOf(vm, irq))
	return true
}

func priorityOf(vm VmContext, irq uint32) uint8 {
	d := vm.Distributor()
	if d == nil {
		return 0
	}
	return d.Priority(irq)
}

// injectUndefined implements §7's "internal assertion violations are
// Fatal"/"illegal -> inject undefined-instruction exception" split: an
// ExitIllegal from a real decode failure is reflected to the guest as an
// undefined-instruction trap, while anything truly unrecognised at this
// layer still resumes (never silently corrupts guest state) but is
// logged loudly for diagnosis.
func (d *Dispatcher) injectUndefined(vcpu *sched.VCPU, exit arch.ExitInfo) bool {
	log.WithField("syndrome", exit.Syndrome).Warn("trap: illegal/unknown exit, injecting undefined instruction")
	if cpu, ok := vcpu.CPU(); ok {
		cpu.InjectException(vcpu.Context(), arch.ExceptionUndefinedInstruction, 0)
	}
	return true
}

func readGPR(vcpu *sched.VCPU, reg int) uint64 {
	if reg < 0 || reg >= len(vcpu.Context().GP.X) {
		return 0
	}
	return vcpu.Context().GP.X[reg]
}

func writeGPR(vcpu *sched.VCPU, reg int, value uint64) {
	if reg < 0 || reg >= len(vcpu.Context().GP.X) {
		return
	}
	vcpu.Context().GP.X[reg] = value
}

// advancePC steps PC past the trapping instruction. Every emulated
// instruction in this ISA family is 4 bytes fixed-width, matching both
// arm64 A64 and riscv64's non-compressed encoding (compressed 16-bit
// instructions are outside this hypervisor's emulation scope).
func advancePC(vcpu *sched.VCPU) {
	vcpu.Context().GP.PC += 4
}

// signExtend sign-extends a width-byte value read from guest memory.
func signExtend(value uint64, width uint8) uint64 {
	bits := uint(width) * 8
	shift := 64 - bits
	return uint64(int64(value<<shift) >> shift)
}
