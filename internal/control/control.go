// Package control assembles the concrete abi.Handler that internal/trap
// dispatches every decoded hypercall to: it is the single place allowed
// to import internal/vmm, internal/migration, and internal/liveupdate
// together, so none of those three needs to import either of the other
// two directly. This mirrors internal/trap's own VmContext indirection
// (C4 depends on C8 through a narrow interface, never the reverse); here
// the narrow interface is abi.Handler itself, and control is the thing
// standing above C8/C9/C10 rather than beside them.
package control

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/openeuler-mirror/shyper-go/internal/abi"
	"github.com/openeuler-mirror/shyper-go/internal/device"
	"github.com/openeuler-mirror/shyper-go/internal/hvlog"
	"github.com/openeuler-mirror/shyper-go/internal/liveupdate"
	"github.com/openeuler-mirror/shyper-go/internal/metrics"
	"github.com/openeuler-mirror/shyper-go/internal/migration"
	"github.com/openeuler-mirror/shyper-go/internal/sched"
	"github.com/openeuler-mirror/shyper-go/internal/virtio"
	"github.com/openeuler-mirror/shyper-go/internal/vmm"
)

var log = hvlog.For("control")

// migrationRecord tracks one in-flight or completed migration, keyed by
// source vmid, for FnMigrationStatus/FnMigrationAbort to consult after
// FnMigrationStart returns to the caller without blocking it on the
// whole multi-round protocol.
type migrationRecord struct {
	transport migration.Transport
	err       error
	done      bool
}

// Hypervisor wires C8 (vmm), C9 (migration), and C10 (liveupdate) behind
// a single abi.Handler, plus the staged-config table FnVMConfigStage/
// FnVMCreate split needs and the scheduler/pCPU table every lifecycle
// and migration operation ultimately reaches into.
type Hypervisor struct {
	Registry *vmm.Registry
	PCPUs    []*sched.PCPU
	PCPUOf   func(id int) (*sched.PCPU, bool)
	ArchName string

	mu          sync.Mutex
	staged      map[uint64]*vmm.VmConfig
	migrations  map[uint64]*migrationRecord
	lastHandoff *liveupdate.HandoffState

	// netSwitch is the host-wide virtio-net fabric every VM's net port
	// attaches to; one switch per host, not per Vm (frames cross VMs
	// through it). Defaults to an isolated inter-VM switch; SetNetSwitch
	// replaces it with a tap-uplinked one at boot.
	netSwitch *device.Switch

	// mediated is the channel blk requests ride to the MVM, installed by
	// FnMediatedSetup (shared-memory ring in MVM RAM) or SetMediatedChannel
	// (vsock deployments).
	mediated virtio.MediatedChannel
}

// New builds a Hypervisor. pcpuOf resolves a pCPU index to its
// scheduler worker, the same lookup vmm.Vm.Boot and migration.
// RunDestination both need; pcpus is the full table, needed once for
// liveupdate's handoff preparation (draining every pCPU's pending IPIs).
func New(registry *vmm.Registry, pcpus []*sched.PCPU, pcpuOf func(id int) (*sched.PCPU, bool), archName string) *Hypervisor {
	return &Hypervisor{
		Registry: registry, PCPUs: pcpus, PCPUOf: pcpuOf, ArchName: archName,
		staged:     map[uint64]*vmm.VmConfig{},
		migrations: map[uint64]*migrationRecord{},
		netSwitch:  device.NewSwitch(nil),
	}
}

// SetNetSwitch replaces the default isolated inter-VM switch, e.g. with
// one uplinked to a host tap device. Boot-time only.
func (h *Hypervisor) SetNetSwitch(sw *device.Switch) { h.netSwitch = sw }

// SetMediatedChannel installs the mediated-I/O transport directly,
// bypassing FnMediatedSetup — the vsock-deployment and test path.
func (h *Hypervisor) SetMediatedChannel(ch virtio.MediatedChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mediated = ch
}

// AttachVMBackends attaches the emulated devices installDevices defers
// because they need a backend VmConfig alone cannot describe: virtio-net
// ports (the host-wide switch) and virtio-blk-mediated bridges (the
// MVM's mediated-I/O channel). Called on every VM-create, and by the
// boot path for the MVM itself.
func (h *Hypervisor) AttachVMBackends(vm *vmm.Vm) error {
	devID := uint32(0)
	for _, dc := range vm.Config.EmulatedDevice.EmulatedDeviceList {
		switch dc.Type {
		case vmm.DeviceVirtioNet:
			if err := vm.AttachNet(dc, h.netSwitch, macFor(vm.VMID(), dc.IRQID)); err != nil {
				return err
			}
		case vmm.DeviceVirtioBlkMediated:
			h.mu.Lock()
			ch := h.mediated
			h.mu.Unlock()
			if ch == nil {
				return abi.Wrap(abi.KindStateInvalid, "control.AttachVMBackends",
					errors.Errorf("%s: no mediated-io channel configured (FnMediatedSetup has not run)", dc.Name))
			}
			if err := vm.AttachBlk(dc, ch, devID); err != nil {
				return err
			}
			devID++
		}
	}
	return nil
}

// macFor derives a stable locally-administered MAC for a VM's net port
// from its vmid and the port's irq, so the switch's routing table stays
// deterministic across reboots without a MAC field in VmConfig.
func macFor(vmid uint64, irq uint32) [6]byte {
	return [6]byte{0x52, 0x59, byte(vmid >> 8), byte(vmid), byte(irq >> 8), byte(irq)}
}

// Handle implements abi.Handler, C4's single hypercall entry point.
func (h *Hypervisor) Handle(call abi.Call) (int64, error) {
	switch call.ID.Group() {
	case abi.GroupSystem:
		return h.handleSystem(call)
	case abi.GroupVMConfig:
		return h.handleVMConfig(call)
	case abi.GroupVMLifecycle:
		return h.handleVMLifecycle(call)
	case abi.GroupMigration:
		return h.handleMigration(call)
	case abi.GroupLiveUpdate:
		return h.handleLiveUpdate(call)
	case abi.GroupMediatedIO:
		return h.handleMediatedIO(call)
	case abi.GroupIRQIPI:
		return h.handleIRQIPI(call)
	default:
		return 0, abi.Wrap(abi.KindUnsupported, "control.Handle", errors.Errorf("unknown hypercall group %v", call.ID.Group()))
	}
}

// hypervisorVersion is packed as (major<<16 | minor<<8 | patch) in the
// single return word FnSystemVersion reports.
const hypervisorVersion = 1<<16 | 0<<8 | 0

func (h *Hypervisor) handleSystem(call abi.Call) (int64, error) {
	switch call.ID.Function() {
	case abi.FnSystemPing:
		return 0, nil
	case abi.FnSystemVersion:
		return hypervisorVersion, nil
	default:
		return 0, abi.Wrap(abi.KindUnsupported, "control.handleSystem", errors.Errorf("function %d", call.ID.Function()))
	}
}

// handleVMConfig implements FnVMConfigStage: the issuing (MVM) vCPU's own
// guest RAM holds the JSON configuration blob at args[0] for args[1]
// bytes; it is decoded and parked under its own cfg.ID until a matching
// FnVMCreate claims it, so VM creation is a two-step "describe, then
// instantiate" sequence instead of threading a huge argument list through
// the fixed six-word hypercall ABI.
func (h *Hypervisor) handleVMConfig(call abi.Call) (int64, error) {
	if call.ID.Function() != abi.FnVMConfigStage {
		return 0, abi.Wrap(abi.KindUnsupported, "control.handleVMConfig", errors.Errorf("function %d", call.ID.Function()))
	}
	issuer, ok := h.Registry.Get(uint64(call.VMID))
	if !ok {
		return 0, abi.Wrap(abi.KindNotFound, "control.handleVMConfig", errors.Errorf("issuing vmid %d not found", call.VMID))
	}
	ipa, length := call.Args[0], call.Args[1]
	buf := make([]byte, length)
	if err := issuer.RAM.ReadAt(ipa, buf); err != nil {
		return 0, abi.Wrap(abi.KindInvalidArgument, "control.handleVMConfig", err)
	}
	cfg, err := vmm.DecodeConfig(buf)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	h.staged[cfg.ID] = cfg
	h.mu.Unlock()
	log.WithField("vmid", cfg.ID).Info("control: vm config staged")
	return int64(cfg.ID), nil
}

func (h *Hypervisor) handleVMLifecycle(call abi.Call) (int64, error) {
	switch call.ID.Function() {
	case abi.FnVMCreate:
		return h.vmCreate(call)
	case abi.FnVMBoot:
		return h.vmBoot(call)
	case abi.FnVMSuspend:
		return h.vmTransition(call, vmm.StateSuspended)
	case abi.FnVMResume:
		return h.vmTransition(call, vmm.StateRunning)
	case abi.FnVMShutdown:
		return h.vmShutdown(call)
	case abi.FnVMReconfigure:
		return 0, abi.Wrap(abi.KindUnsupported, "control.handleVMLifecycle", errors.New("live reconfiguration of a running vm is not supported"))
	case abi.FnVMPinVCPU:
		return h.vmPinVCPU(call)
	default:
		return 0, abi.Wrap(abi.KindUnsupported, "control.handleVMLifecycle", errors.Errorf("function %d", call.ID.Function()))
	}
}

func (h *Hypervisor) vmCreate(call abi.Call) (int64, error) {
	handle := call.Args[0]
	h.mu.Lock()
	cfg, ok := h.staged[handle]
	if ok {
		delete(h.staged, handle)
	}
	h.mu.Unlock()
	if !ok {
		return 0, abi.Wrap(abi.KindNotFound, "control.vmCreate", errors.Errorf("no staged config for handle %d", handle))
	}

	isMVM := call.Args[1] != 0
	vm, err := vmm.NewVm(cfg, isMVM, nil)
	if err != nil {
		return 0, err
	}
	if err := h.AttachVMBackends(vm); err != nil {
		vm.RAM.Release()
		return 0, err
	}
	if err := h.Registry.Insert(vm); err != nil {
		vm.RAM.Release()
		return 0, err
	}
	log.WithField("vmid", cfg.ID).Info("control: vm created")
	return int64(cfg.ID), nil
}

func (h *Hypervisor) vmBoot(call abi.Call) (int64, error) {
	vm, ok := h.Registry.Get(call.Args[0])
	if !ok {
		return 0, abi.Wrap(abi.KindNotFound, "control.vmBoot", errors.Errorf("vmid %d not found", call.Args[0]))
	}
	if err := vm.Boot(h.PCPUOf); err != nil {
		return 0, err
	}
	return 0, nil
}

func (h *Hypervisor) vmTransition(call abi.Call, to vmm.State) (int64, error) {
	vm, ok := h.Registry.Get(call.Args[0])
	if !ok {
		return 0, abi.Wrap(abi.KindNotFound, "control.vmTransition", errors.Errorf("vmid %d not found", call.Args[0]))
	}
	if err := vm.Transition(to); err != nil {
		return 0, err
	}
	return 0, nil
}

func (h *Hypervisor) vmShutdown(call abi.Call) (int64, error) {
	vmid := call.Args[0]
	vm, ok := h.Registry.Get(vmid)
	if !ok {
		return 0, abi.Wrap(abi.KindNotFound, "control.vmShutdown", errors.Errorf("vmid %d not found", vmid))
	}
	if err := vm.Transition(vmm.StateTerminated); err != nil {
		return 0, err
	}
	for _, v := range vm.VCPUs {
		v.Offline()
	}
	h.Registry.Remove(vmid)
	vm.RAM.Release()
	return 0, nil
}

// vmPinVCPU re-homes one vCPU onto a different pCPU's runqueue. It only
// takes effect the next time the vCPU is (re)enqueued — a round-robin
// vCPU already mid-slice on its old pCPU finishes that slice there first
// — which is sufficient for this hypervisor's pinned-class vCPUs, whose
// usual pin point is once at boot rather than while running.
func (h *Hypervisor) vmPinVCPU(call abi.Call) (int64, error) {
	vm, ok := h.Registry.Get(call.Args[0])
	if !ok {
		return 0, abi.Wrap(abi.KindNotFound, "control.vmPinVCPU", errors.Errorf("vmid %d not found", call.Args[0]))
	}
	vcpuID := int(call.Args[1])
	if vcpuID < 0 || vcpuID >= len(vm.VCPUs) {
		return 0, abi.Wrap(abi.KindInvalidArgument, "control.vmPinVCPU", errors.Errorf("vcpu %d out of range", vcpuID))
	}
	target := int(call.Args[2])
	p, ok := h.PCPUOf(target)
	if !ok {
		return 0, abi.Wrap(abi.KindInvalidArgument, "control.vmPinVCPU", errors.Errorf("pcpu %d not found", call.Args[2]))
	}

	// Affinity migration: reprogram the physical target of every IRQ in
	// the Vm's passthrough set (under the per-irq lock inside
	// MigrateAffinity) before the vCPU can resume on its new pCPU.
	for _, pt := range vm.Config.PassthroughDevice.PassthroughDeviceList {
		for _, irq := range pt.IRQList {
			vm.Distributor().MigrateAffinity(irq, target)
			metrics.VCPUMigrationsAffinity.WithLabelValues(strconv.FormatUint(vm.VMID(), 10)).Inc()
		}
	}

	p.Enqueue(vm.VCPUs[vcpuID])
	return 0, nil
}

// handleMigration implements FnMigrationStart/Abort/Status. Start never
// blocks the issuing hypercall on the full multi-round protocol: it
// records a migrationRecord and runs RunSource on its own goroutine, the
// same way the teacher's long-running ioctls are never issued on a
// hypercall's own synchronous path.
func (h *Hypervisor) handleMigration(call abi.Call) (int64, error) {
	switch call.ID.Function() {
	case abi.FnMigrationStart:
		return h.migrationStart(call)
	case abi.FnMigrationAbort:
		return h.migrationAbort(call)
	case abi.FnMigrationStatus:
		return h.migrationStatus(call)
	default:
		return 0, abi.Wrap(abi.KindUnsupported, "control.handleMigration", errors.Errorf("function %d", call.ID.Function()))
	}
}

func (h *Hypervisor) migrationStart(call abi.Call) (int64, error) {
	vmid := call.Args[0]
	vm, ok := h.Registry.Get(vmid)
	if !ok {
		return 0, abi.Wrap(abi.KindNotFound, "control.migrationStart", errors.Errorf("vmid %d not found", vmid))
	}
	destCID, destPort := uint32(call.Args[1]), uint32(call.Args[2])

	transport, err := migration.DialDestination(destCID, destPort)
	if err != nil {
		return 0, abi.Wrap(abi.KindTransportError, "control.migrationStart", err)
	}

	rec := &migrationRecord{transport: transport}
	h.mu.Lock()
	h.migrations[vmid] = rec
	h.mu.Unlock()

	go func() {
		err := migration.RunSource(vm, h.Registry, transport, migration.Options{})
		h.mu.Lock()
		rec.err, rec.done = err, true
		h.mu.Unlock()
		if err != nil {
			log.WithError(err).WithField("vmid", vmid).Warn("control: migration failed")
		} else {
			log.WithField("vmid", vmid).Info("control: migration completed")
		}
	}()
	return 0, nil
}

func (h *Hypervisor) migrationAbort(call abi.Call) (int64, error) {
	vmid := call.Args[0]
	h.mu.Lock()
	rec, ok := h.migrations[vmid]
	h.mu.Unlock()
	if !ok || rec.done {
		return 0, abi.Wrap(abi.KindStateInvalid, "control.migrationAbort", errors.Errorf("no in-flight migration for vmid %d", vmid))
	}
	// Closing the transport fails RunSource's next Send/Recv, driving its
	// own rollback path (resume the vm, clear dirty tracking) exactly as
	// a genuine transport fault would.
	if err := rec.transport.Close(); err != nil {
		return 0, abi.Wrap(abi.KindTransportError, "control.migrationAbort", err)
	}
	return 0, nil
}

func (h *Hypervisor) migrationStatus(call abi.Call) (int64, error) {
	vmid := call.Args[0]
	h.mu.Lock()
	rec, ok := h.migrations[vmid]
	h.mu.Unlock()
	if !ok {
		return 0, abi.Wrap(abi.KindNotFound, "control.migrationStatus", errors.Errorf("no migration record for vmid %d", vmid))
	}
	switch {
	case !rec.done:
		return 1, nil // in progress
	case rec.err == nil:
		return 2, nil // completed
	default:
		return abi.Errno(abi.KindOf(rec.err)), rec.err
	}
}

// handleLiveUpdate implements FnLiveUpdateStage/Commit. Stage freezes
// every resident VM's handoff state into the issuing (MVM) vCPU's own
// guest RAM at the buffer the caller supplies, per §4.9/§6's persisted
// header. Commit only validates that a staged handoff round-trips
// through Deserialize; the irreversible step of actually transferring
// control to the replacement hypervisor image is a boot-loader concern
// outside this package (cmd/'s boot path is where a real image jump
// would be driven from).
func (h *Hypervisor) handleLiveUpdate(call abi.Call) (int64, error) {
	switch call.ID.Function() {
	case abi.FnLiveUpdateStage:
		return h.liveUpdateStage(call)
	case abi.FnLiveUpdateCommit:
		return h.liveUpdateCommit(call)
	default:
		return 0, abi.Wrap(abi.KindUnsupported, "control.handleLiveUpdate", errors.Errorf("function %d", call.ID.Function()))
	}
}

func (h *Hypervisor) liveUpdateStage(call abi.Call) (int64, error) {
	issuer, ok := h.Registry.Get(uint64(call.VMID))
	if !ok {
		return 0, abi.Wrap(abi.KindNotFound, "control.liveUpdateStage", errors.Errorf("issuing vmid %d not found", call.VMID))
	}

	state, err := liveupdate.PrepareHandoff(h.PCPUs, h.Registry, h.ArchName)
	if err != nil {
		return 0, err
	}
	data, err := state.Serialize()
	if err != nil {
		return 0, err
	}

	bufIPA, bufLen := call.Args[0], call.Args[1]
	if uint64(len(data)) > bufLen {
		return 0, abi.Wrap(abi.KindInvalidArgument, "control.liveUpdateStage",
			errors.Errorf("handoff state is %d bytes, buffer only %d", len(data), bufLen))
	}
	if err := issuer.RAM.WriteAt(bufIPA, data); err != nil {
		return 0, abi.Wrap(abi.KindInvalidArgument, "control.liveUpdateStage", err)
	}

	h.mu.Lock()
	h.lastHandoff = state
	h.mu.Unlock()
	log.WithField("handoff_id", state.ID()).WithField("bytes", len(data)).Info("control: live-update handoff staged")
	return int64(len(data)), nil
}

func (h *Hypervisor) liveUpdateCommit(call abi.Call) (int64, error) {
	h.mu.Lock()
	state := h.lastHandoff
	h.mu.Unlock()
	if state == nil {
		return 0, abi.Wrap(abi.KindStateInvalid, "control.liveUpdateCommit", errors.New("no staged handoff to commit"))
	}
	data, err := state.Serialize()
	if err != nil {
		return 0, err
	}
	if _, err := liveupdate.Deserialize(data); err != nil {
		return 0, abi.Wrap(abi.KindFatal, "control.liveUpdateCommit", errors.Wrap(err, "staged handoff failed self-check"))
	}
	log.WithField("handoff_id", state.ID()).Warn("control: live-update commit validated; image handoff is a boot-loader operation outside this package")
	return 0, nil
}

// handleMediatedIO implements group 0x5. FnVirtioNotify is the hypercall
// fast path for kicking the issuing VM's own mediated-I/O bridge,
// equivalent to the MMIO notify-register write internal/trap's stage-2
// abort path already handles. FnMediatedSetup binds the §6 request/
// completion rings inside the issuing MVM's own RAM; FnMediatedComplete
// is the MVM's doorbell that completions are waiting to be drained onto
// the owning guests' used rings.
func (h *Hypervisor) handleMediatedIO(call abi.Call) (int64, error) {
	switch call.ID.Function() {
	case abi.FnVirtioNotify:
		vm, ok := h.Registry.Get(uint64(call.VMID))
		if !ok {
			return 0, abi.Wrap(abi.KindNotFound, "control.handleMediatedIO", errors.Errorf("issuing vmid %d not found", call.VMID))
		}
		baseIPA := call.Args[0]
		if err := vm.Bus().Write(baseIPA, 4, 1); err != nil {
			return 0, abi.Wrap(abi.KindUnmapped, "control.handleMediatedIO", err)
		}
		return 0, nil
	case abi.FnMediatedSetup:
		return h.mediatedSetup(call)
	case abi.FnMediatedComplete:
		return h.mediatedComplete(call)
	default:
		return 0, abi.Wrap(abi.KindUnsupported, "control.handleMediatedIO", errors.Errorf("function %d", call.ID.Function()))
	}
}

func (h *Hypervisor) mediatedSetup(call abi.Call) (int64, error) {
	issuer, ok := h.Registry.Get(uint64(call.VMID))
	if !ok {
		return 0, abi.Wrap(abi.KindNotFound, "control.mediatedSetup", errors.Errorf("issuing vmid %d not found", call.VMID))
	}
	reqIPA, reqCap := call.Args[0], uint32(call.Args[1])
	compIPA, compCap := call.Args[2], uint32(call.Args[3])
	if reqCap == 0 || compCap == 0 {
		return 0, abi.Wrap(abi.KindInvalidArgument, "control.mediatedSetup", errors.New("ring capacity must be positive"))
	}
	ring := virtio.NewSHMRing(issuer.RAM, reqIPA, reqCap, issuer.RAM, compIPA, compCap)
	h.mu.Lock()
	h.mediated = ring
	h.mu.Unlock()
	log.WithField("vmid", call.VMID).Info("control: mediated-io rings bound in MVM memory")
	return 0, nil
}

func (h *Hypervisor) mediatedComplete(call abi.Call) (int64, error) {
	vm, ok := h.Registry.Get(call.Args[0])
	if !ok {
		return 0, abi.Wrap(abi.KindNotFound, "control.mediatedComplete", errors.Errorf("vmid %d not found", call.Args[0]))
	}
	for _, entry := range vm.Devices() {
		blk, ok := entry.Dev.(*device.Blk)
		if !ok {
			continue
		}
		if err := blk.PumpCompletions(); err != nil {
			return 0, abi.Wrap(abi.KindDeviceBusy, "control.mediatedComplete", err)
		}
	}
	return 0, nil
}

// handleIRQIPI implements FnIPISend: the issuing VM signals a subset of
// its own vCPUs (by bitmask) with a virtual interrupt, the hypercall
// equivalent of RISC-V SBI's send_ipi or a trapped GICv3 SGI write.
func (h *Hypervisor) handleIRQIPI(call abi.Call) (int64, error) {
	if call.ID.Function() != abi.FnIPISend {
		return 0, abi.Wrap(abi.KindUnsupported, "control.handleIRQIPI", errors.Errorf("function %d", call.ID.Function()))
	}
	vm, ok := h.Registry.Get(uint64(call.VMID))
	if !ok {
		return 0, abi.Wrap(abi.KindNotFound, "control.handleIRQIPI", errors.Errorf("issuing vmid %d not found", call.VMID))
	}
	mask, irq := call.Args[0], uint32(call.Args[1])
	priority := vm.Distributor().Priority(irq)
	for i := 0; i < len(vm.VCPUs); i++ {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		if priv := vm.PrivateState(i); priv != nil {
			priv.Inject(irq, priority)
		}
		vm.VCPUs[i].Wake()
	}
	return 0, nil
}
