package abi

// Group is the high half of the §6 hypercall ⟨group, function⟩ pair.
type Group uint8

const (
	GroupSystem      Group = 0x0
	GroupVMConfig    Group = 0x1
	GroupVMLifecycle Group = 0x2
	GroupMigration   Group = 0x3
	GroupLiveUpdate  Group = 0x4
	GroupMediatedIO  Group = 0x5
	GroupIRQIPI      Group = 0x8
)

// CallID packs group and function into the single register word a0
// conceptually carries (architecture-specific register name; we keep it
// as a plain uint16 since the mapping to a physical register is an
// arch.CPU concern, not an ABI concern).
type CallID uint16

func MakeCallID(group Group, function uint8) CallID {
	return CallID(uint16(group)<<8 | uint16(function))
}

func (c CallID) Group() Group   { return Group(c >> 8) }
func (c CallID) Function() uint8 { return uint8(c) }

func (g Group) String() string {
	switch g {
	case GroupSystem:
		return "system"
	case GroupVMConfig:
		return "vm-config"
	case GroupVMLifecycle:
		return "vm-lifecycle"
	case GroupMigration:
		return "migration"
	case GroupLiveUpdate:
		return "live-update"
	case GroupMediatedIO:
		return "mediated-io"
	case GroupIRQIPI:
		return "irq-ipi"
	default:
		return "unknown"
	}
}

// MaxArgs is the number of argument words that follow a0 per the
// hypercall ABI (§6: "up to 6 argument words").
const MaxArgs = 6

// Args is the fixed-size argument vector a hypercall handler receives.
type Args [MaxArgs]uint64

// Call is a decoded hypercall ready for dispatch.
type Call struct {
	ID        CallID
	Args      Args
	VMID      uint32 // issuing VM, used for the MVM-only-groups check
	VCPUID    int
}

// Handler services one hypercall and returns its single return word on
// success, or an error whose kind the trap dispatcher maps through Errno
// into the guest's return register.
type Handler func(call Call) (ret int64, err error)

// Function ids within GroupSystem.
const (
	FnSystemPing    uint8 = iota // a0 -> 0, liveness probe
	FnSystemVersion              // a0 -> packed hypervisor version word
)

// Function ids within GroupVMConfig: staging a VmConfig ahead of
// FnVMCreate. The JSON blob itself travels out of band (shared memory
// the MVM already owns); this call only names the staged region and its
// length, per §6's "ipas as hex strings" convention for the rest of the
// config surface.
const (
	FnVMConfigStage uint8 = iota // args: [configIPA, length] -> staged handle
)

// Function ids within GroupVMLifecycle, named for readability at call
// sites; the numeric values are the repository's own convention (the
// MVM-side kernel module and this hypervisor must agree on them, which
// is why they live in the one shared internal/abi package).
const (
	FnVMCreate uint8 = iota
	FnVMBoot
	FnVMSuspend
	FnVMResume
	FnVMShutdown
	FnVMReconfigure
	FnVMPinVCPU
)

const (
	FnMigrationStart uint8 = iota
	FnMigrationAbort
	FnMigrationStatus
)

const (
	FnLiveUpdateStage uint8 = iota
	FnLiveUpdateCommit
)

// Function ids within GroupMediatedIO. FnVirtioNotify is usable by any
// VM (the trap dispatcher exempts it from the group's MVM gate); the
// setup/completion calls are MVM-only, since the MVM owns the backend
// side of the ring.
const (
	FnVirtioNotify     uint8 = iota
	FnMediatedSetup          // args: [reqIPA, reqCap, compIPA, compCap] in MVM RAM
	FnMediatedComplete       // args: [vmid]; drain completions the MVM has posted
)

// Function ids within GroupIRQIPI: a guest's own inter-vCPU IPI request,
// the hypercall-mediated equivalent of RISC-V SBI's send_ipi or a trapped
// ARM GICv3 ICC_SGI1R_EL1 write — deliberately not MVM-gated (any VM may
// signal its own vCPUs), scoped to the issuing VM only.
const (
	FnIPISend uint8 = iota // args: [targetVCPUMask, irq]
)

// OnlyMVM reports whether calls in this group are restricted to vCPUs of
// the Management VM (§6: "Only vCPUs of the MVM may issue calls from
// groups 0x1-0x4 and 0x5 setup; all VMs may issue the virtio notify call").
func (g Group) OnlyMVM() bool {
	switch g {
	case GroupVMConfig, GroupVMLifecycle, GroupMigration, GroupLiveUpdate:
		return true
	case GroupMediatedIO:
		return true // setup/complete sub-functions; the trap dispatcher exempts FnVirtioNotify
	default:
		return false
	}
}
