package vmm

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/openeuler-mirror/shyper-go/internal/abi"
	"github.com/openeuler-mirror/shyper-go/internal/device"
	"github.com/openeuler-mirror/shyper-go/internal/hvlog"
	"github.com/openeuler-mirror/shyper-go/internal/intc"
	"github.com/openeuler-mirror/shyper-go/internal/memory"
	"github.com/openeuler-mirror/shyper-go/internal/sched"
	"github.com/openeuler-mirror/shyper-go/internal/virtio"
)

// State is the Vm lifecycle state machine named in §3/§4.7.
type State int

const (
	StateInactive State = iota
	StateConfigured
	StateBooting
	StateRunning
	StateSuspended
	StateMigrating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "Configured"
	case StateBooting:
		return "Booting"
	case StateRunning:
		return "Running"
	case StateSuspended:
		return "Suspended"
	case StateMigrating:
		return "Migrating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Inactive"
	}
}

// validTransitions enumerates the edges of §4.7's state machine; every
// other (from, to) pair is rejected with KindStateInvalid.
var validTransitions = map[State]map[State]bool{
	StateInactive:   {StateConfigured: true},
	StateConfigured: {StateBooting: true},
	StateBooting:    {StateRunning: true, StateTerminated: true},
	StateRunning:    {StateSuspended: true, StateMigrating: true, StateTerminated: true},
	StateSuspended:  {StateRunning: true, StateMigrating: true, StateTerminated: true},
	StateMigrating:  {StateTerminated: true, StateRunning: true}, // abort-and-resume on failure, §4.8 step 5
}

// Vm is the runtime instance of a VmConfig (§3): stage-2 address space,
// vCPU set, virtual interrupt controller, emulated-device instances, and
// the lifecycle state machine. It generalises the teacher's
// VirtualMachine (core_engine/virtual_machine.go), which bundled one
// fixed x86 device set into the same struct it used for vCPU bookkeeping;
// here device instantiation is entirely config-driven (newVmDevices).
type Vm struct {
	Config *VmConfig

	mu    sync.Mutex
	state State

	AS       *memory.AddressSpace
	RAM      *GuestRAM
	VCPUs    []*sched.VCPU
	Dist     *intc.Distributor
	privates map[int]*intc.PrivateState
	registry   *device.Registry
	isMVM      bool
	consoleOut io.Writer
}

// NewVm assembles a Vm runtime object from cfg: populates the stage-2
// mapping for every RAM region, creates vCPUs (not yet inserted into
// runqueues — that is Boot's job), and instantiates every configured
// emulated device, per §4.7 "Creation pre-computes and populates the
// stage-2 mapping ... materialises device-tree patches".
func NewVm(cfg *VmConfig, isMVM bool, consoleOut io.Writer) (*Vm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	as := memory.NewAddressSpace(memory.KindStage2, uint16(cfg.ID))
	ram, err := NewGuestRAM(cfg.Memory.Region)
	if err != nil {
		return nil, abi.Wrap(abi.KindOutOfMemory, "vmm.NewVm", err)
	}
	fail := func(err error) (*Vm, error) {
		ram.Release()
		return nil, err
	}
	for _, r := range cfg.Memory.Region {
		ipa, length := uint64(r.IPAStart), uint64(r.Length)
		if err := as.Map(ipa, ipa, length, memory.AttrNormalCacheable, memory.PermRead|memory.PermWrite|memory.PermExec); err != nil {
			return fail(abi.Wrap(abi.KindOverlap, "vmm.NewVm", err))
		}
	}
	ram.SetDirtyHook(as.MarkDirty)

	dist := intc.NewDistributor(intc.FlavorGICv3, nil)
	vm := &Vm{
		Config:   cfg,
		state:    StateInactive,
		AS:       as,
		RAM:      ram,
		Dist:     dist,
		privates: map[int]*intc.PrivateState{},
		registry:   device.NewRegistry(device.NewBus()),
		isMVM:      isMVM,
		consoleOut: consoleOut,
	}

	for i := 0; i < cfg.CPU.Num; i++ {
		class := sched.ClassRoundRobin
		if cfg.CPU.AllocateBitmap&(cfg.CPU.AllocateBitmap-1) == 0 {
			class = sched.ClassPinned // a single-bit bitmap means this vCPU is pinned to one pCPU
		}
		v := sched.NewVCPU(cfg.ID, i, uint64(cfg.Image.KernelEntryPoint), class)
		vm.VCPUs = append(vm.VCPUs, v)
		vm.privates[i] = intc.NewPrivateState(4)
	}

	for _, pt := range cfg.PassthroughDevice.PassthroughDeviceList {
		ipa, pa, length := uint64(pt.BaseIPA), uint64(pt.BasePA), uint64(pt.Length)
		if err := as.Map(ipa, pa, length, memory.AttrDeviceNGNRNE, memory.PermRead|memory.PermWrite); err != nil {
			return fail(abi.Wrap(abi.KindOverlap, "vmm.NewVm", err))
		}
		for _, irq := range pt.IRQList {
			dist.ConfigureGPPT(irq)
		}
		vm.registry.AddDTNode(device.DTNode{
			Path:       "/soc/" + pt.Name,
			Reg:        [2]uint64{ipa, length},
			Interrupts: pt.IRQList,
		})
	}

	for _, dtb := range cfg.DTBDevice.DTBDeviceList {
		vm.registry.AddDTNode(device.DTNode{
			Path:       "/soc/" + dtb.Name,
			Compatible: dtb.Type,
			Reg:        [2]uint64{uint64(dtb.AddrRegionIPA), uint64(dtb.AddrRegionLength)},
			Interrupts: dtb.IRQList,
		})
	}

	if err := vm.installDevices(); err != nil {
		return fail(err)
	}
	vm.state = StateConfigured
	return vm, nil
}

// installDevices wires the emulated_device_list into the MMIO bus per
// §4.6's MMIODevice contract, grounded on whichever real device type
// (console/net/blk/GIC facade/discovery page) each entry names.
func (vm *Vm) installDevices() error {
	for _, dc := range vm.Config.EmulatedDevice.EmulatedDeviceList {
		node := device.DTNode{
			Path:       "/soc/" + dc.Name,
			Interrupts: []uint32{dc.IRQID},
		}
		var dev device.MMIODevice
		switch dc.Type {
		case DeviceGICD, DevicePLIC:
			node.Compatible = "arm,gic-v3"
			if dc.Type == DevicePLIC {
				node.Compatible = "riscv,plic0"
			}
			dev = device.NewGICDistributor(dc.Name, uint64(dc.BaseIPA), vm.Dist)
		case DeviceShyper:
			node.Compatible = "shyper,hvc"
			dev = device.NewHVCInfo(dc.Name, 0x53485952, 1)
		case DeviceVirtioConsole:
			node.Compatible = "virtio,mmio"
			if len(dc.CfgList) < 3 {
				return abi.Wrap(abi.KindInvalidArgument, "vmm.installDevices", errors.Errorf("%s: cfg_list needs [descIPA,availIPA,usedIPA]", dc.Name))
			}
			q := virtio.NewQueue(vm.RAM, 64, dc.CfgList[0], dc.CfgList[1], dc.CfgList[2])
			out := vm.consoleOut
			if out == nil {
				out = io.Discard
			}
			dev = device.NewConsole(dc.Name, uint64(dc.BaseIPA), q, vm.RAM, out, vm.interruptRaiser(), uint8(dc.IRQID))
		default:
			// VIRTIO_NET and VIRTIO_BLK_MEDIATED need a backend (Switch
			// or MediatedChannel) that does not come from VmConfig alone
			// in this layer; internal/vmm's caller wires those via
			// AttachNet/AttachBlk after NewVm, once the transport exists.
			continue
		}
		if err := vm.registry.Register(uint64(dc.BaseIPA), uint64(dc.Length), dev, node); err != nil {
			return abi.Wrap(abi.KindOverlap, "vmm.installDevices", err)
		}
	}
	return nil
}

// interruptRaiser adapts a Vm to device.InterruptRaiser by injecting into
// its vCPUs' PrivateState, the same path C4's async-IRQ dispatch uses.
func (vm *Vm) interruptRaiser() device.InterruptRaiser {
	return vmRaiser{vm: vm}
}

type vmRaiser struct{ vm *Vm }

func (r vmRaiser) RaiseIRQ(irq uint8) {
	// deliver to the lowest-numbered vCPU; full affinity routing is SetTarget's job
	if p, ok := r.vm.privates[0]; ok {
		p.Inject(uint32(irq), r.vm.Dist.Priority(uint32(irq)))
	}
}

// AttachNet installs a virtio-net device backed by sw, using MAC mac for
// routing; called by the caller assembling the Vm once a Switch exists
// (the Switch is shared across VMs on the same host bridge, so it is not
// owned by any single Vm).
func (vm *Vm) AttachNet(cfg EmulatedDeviceConfig, sw *device.Switch, mac [6]byte) error {
	if len(cfg.CfgList) < 6 {
		return abi.Wrap(abi.KindInvalidArgument, "vmm.AttachNet", errors.New("cfg_list needs [rxDesc,rxAvail,rxUsed,txDesc,txAvail,txUsed]"))
	}
	rxq := virtio.NewQueue(vm.RAM, 64, cfg.CfgList[0], cfg.CfgList[1], cfg.CfgList[2])
	txq := virtio.NewQueue(vm.RAM, 64, cfg.CfgList[3], cfg.CfgList[4], cfg.CfgList[5])
	port := &device.NetPort{Name: cfg.Name, MAC: mac, RXQ: rxq, TXQ: txq, Mem: vm.RAM, Raiser: vm.interruptRaiser(), IRQ: uint8(cfg.IRQID)}
	sw.Attach(port)
	return vm.registry.Register(uint64(cfg.BaseIPA), uint64(cfg.Length), netFacade{port: port, sw: sw}, device.DTNode{
		Path: "/soc/" + cfg.Name, Compatible: "virtio,mmio", Interrupts: []uint32{cfg.IRQID},
	})
}

// netFacade is the MMIODevice the guest's virtio-net driver notifies;
// the real traffic path is device.Switch.Kick, triggered here on a
// notify write.
type netFacade struct {
	port *device.NetPort
	sw   *device.Switch
}

func (n netFacade) Name() string { return n.port.Name }
func (n netFacade) HandleRead(addr uint64, width uint8) (uint64, error) { return 0, nil }
func (n netFacade) HandleWrite(addr uint64, width uint8, value uint64) error {
	return n.sw.Kick(n.port)
}

// QueueCursors implements device.CursorProvider.
func (n netFacade) QueueCursors() []device.QueueCursor {
	return []device.QueueCursor{
		{Queue: "rx", LastAvailIdx: n.port.RXQ.LastAvailIdx},
		{Queue: "tx", LastAvailIdx: n.port.TXQ.LastAvailIdx},
	}
}

// RestoreQueueCursors implements device.CursorRestorer.
func (n netFacade) RestoreQueueCursors(cursors []device.QueueCursor) {
	for _, cur := range cursors {
		switch cur.Queue {
		case "rx":
			n.port.RXQ.LastAvailIdx = cur.LastAvailIdx
		case "tx":
			n.port.TXQ.LastAvailIdx = cur.LastAvailIdx
		}
	}
}

// AttachBlk installs a virtio-blk-mediated device backed by channel,
// mirroring AttachNet's post-NewVm wiring step for the transport that
// VmConfig alone cannot describe.
func (vm *Vm) AttachBlk(cfg EmulatedDeviceConfig, channel virtio.MediatedChannel, devID uint32) error {
	if len(cfg.CfgList) < 3 {
		return abi.Wrap(abi.KindInvalidArgument, "vmm.AttachBlk", errors.New("cfg_list needs [descIPA,availIPA,usedIPA]"))
	}
	q := virtio.NewQueue(vm.RAM, 64, cfg.CfgList[0], cfg.CfgList[1], cfg.CfgList[2])
	bridge := virtio.NewBridge(vm.Config.ID, devID, q, channel)
	bridge.OnIRQ = func() { vm.interruptRaiser().RaiseIRQ(uint8(cfg.IRQID)) }
	blk := device.NewBlk(cfg.Name, uint64(cfg.BaseIPA), bridge, vm.RAM)
	return vm.registry.Register(uint64(cfg.BaseIPA), uint64(cfg.Length), blk, device.DTNode{
		Path: "/soc/" + cfg.Name, Compatible: "virtio,mmio", Interrupts: []uint32{cfg.IRQID},
	})
}

// State reports the Vm's current lifecycle state.
func (vm *Vm) State() State {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.state
}

// Transition moves the Vm to to, enforcing §4.7's state machine edges.
func (vm *Vm) Transition(to State) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if !validTransitions[vm.state][to] {
		return abi.Wrap(abi.KindStateInvalid, "vmm.Transition", errors.Errorf("%s -> %s not allowed", vm.state, to))
	}
	log.WithField("vmid", vm.Config.ID).WithField("from", vm.state.String()).WithField("to", to.String()).Info("vm: state transition")
	vm.state = to
	return nil
}

// Boot implements the Booting->Running transition's work (§4.7): insert
// vCPUs into their target pCPU's runqueue honouring allocate_bitmap, then
// mark Running. pcpuOf resolves a pCPU index to its sched.PCPU, supplied
// by the caller assembling the whole hypervisor (internal/vmm does not
// own the global pCPU table).
func (vm *Vm) Boot(pcpuOf func(id int) (*sched.PCPU, bool)) error {
	if err := vm.Transition(StateBooting); err != nil {
		return err
	}
	bitmap := vm.Config.CPU.AllocateBitmap
	vi := 0
	for pcpuID := 0; bitmap != 0 && vi < len(vm.VCPUs); pcpuID++ {
		if bitmap&(1<<uint(pcpuID)) == 0 {
			continue
		}
		bitmap &^= 1 << uint(pcpuID)
		p, ok := pcpuOf(pcpuID)
		if !ok {
			return abi.Wrap(abi.KindInvalidArgument, "vmm.Boot", errors.Errorf("pCPU %d not found", pcpuID))
		}
		p.Enqueue(vm.VCPUs[vi])
		vi++
	}
	return vm.Transition(StateRunning)
}

// Bus exposes the MMIO bus for trap.VmContext.
func (vm *Vm) Bus() *device.Bus { return vm.registry.Bus() }

// Distributor exposes the interrupt distributor for trap.VmContext.
func (vm *Vm) Distributor() *intc.Distributor { return vm.Dist }

// PrivateState exposes one vCPU's virtual-GIC private state for trap.VmContext.
func (vm *Vm) PrivateState(vcpuID int) *intc.PrivateState { return vm.privates[vcpuID] }

// IsMVM reports whether this Vm is the Management VM (trap.VmContext,
// gating hypercall groups per §6).
func (vm *Vm) IsMVM() bool { return vm.isMVM }

// VMID exposes the Vm's identity for trap.VmContext.
func (vm *Vm) VMID() uint64 { return vm.Config.ID }

var log = hvlog.For("vmm")

// DTNodes exposes the registered device-tree patch descriptors for the
// boot-time DTB materialisation step.
func (vm *Vm) DTNodes() []device.DTNode { return vm.registry.DTNodes() }

// Devices exposes every registered (DTNode, MMIODevice) pair, used by
// internal/migration and internal/liveupdate to snapshot per-device
// virtio queue cursors.
func (vm *Vm) Devices() []device.Entry { return vm.registry.Entries() }
