// Package migration implements the VM migration engine (C9): dirty-page
// tracking, the bounded pre-copy round loop, stop-and-copy, and
// destination-side activation, per §4.8. Snapshot shape is grounded on
// bobuhiro11/gokvm's migration package (its Snapshot/VCPUState/VMState
// aggregate), carried over to this engine's arm64/riscv64 register model
// and vGIC/vPLIC state instead of gokvm's x86 KVM structs and PIC/IOAPIC
// state.
package migration

import (
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/openeuler-mirror/shyper-go/internal/abi"
	"github.com/openeuler-mirror/shyper-go/internal/arch"
	"github.com/openeuler-mirror/shyper-go/internal/device"
	"github.com/openeuler-mirror/shyper-go/internal/hvlog"
	"github.com/openeuler-mirror/shyper-go/internal/intc"
	"github.com/openeuler-mirror/shyper-go/internal/memory"
	"github.com/openeuler-mirror/shyper-go/internal/metrics"
	"github.com/openeuler-mirror/shyper-go/internal/sched"
	"github.com/openeuler-mirror/shyper-go/internal/vmm"
)

// DefaultThreshold and DefaultMaxRounds resolve §9 Open Question (a): the
// source does not fix T or N_max, so these are the chosen defaults,
// exposed as build-time constants rather than configuration.
const (
	DefaultThreshold = 64
	DefaultMaxRounds = 8
)

var log = hvlog.For("migration")

// VCPUState is one vCPU's architectural context plus the virtual-GIC
// private state (list registers and software pending queue) that rides
// alongside it across a pCPU switch, per §4.3.
type VCPUState struct {
	GP       arch.GPRegs
	FP       arch.FPRegs
	Sys      arch.SysRegs
	GICState []byte

	ListRegisters []intc.ListEntrySnapshot
	Pending       []intc.ListEntrySnapshot
}

// VMState is the Vm-level (not per-vCPU) virtual hardware state: the
// shared distributor's SPI table.
type VMState struct {
	Distributor map[uint32]intc.SPISnapshot
}

// QueueState is one virtqueue's last-seen-avail cursor, identified by its
// owning device's name, for the "virtio per-queue progress counters"
// §4.8 step 3 requires alongside register and interrupt-controller state.
type QueueState struct {
	Device       string
	Queue        string
	LastAvailIdx uint16
}

// PageData is one transferred RAM page: its guest IPA and content.
type PageData struct {
	IPA  uint64
	Data []byte
}

// Snapshot is the complete Vm state handed off at stop-and-copy, modelled
// on bobuhiro11/gokvm's Snapshot{NCPUs, MemSize, VCPUStates, VM, Devices}
// with VMID added and device state reduced to per-virtqueue cursors
// (Queues).
type Snapshot struct {
	VMID       uint64
	NCPUs      int
	MemSize    uint64
	VCPUStates []VCPUState
	VM         VMState
	Queues     []QueueState
}

// Transport is the inter-hypervisor control channel migration runs over
// (§4.8 "a configured inter-hypervisor transport"); VsockTransport
// implements it over github.com/mdlayher/vsock, mirroring
// internal/virtio's VsockChannel pattern for mediated I/O. SendRound's
// final flag distinguishes an ordinary pre-copy round from the
// stop-and-copy round, so the destination knows when to stop looping and
// read the Snapshot instead.
type Transport interface {
	SendRound(pages []PageData, final bool) error
	RecvRound() (pages []PageData, final bool, err error)
	SendSnapshot(snap *Snapshot) error
	RecvSnapshot() (*Snapshot, error)
	SendActivated() error
	RecvActivated() error
	Close() error
}

// Options configures one migration run. Zero values fall back to the
// package defaults.
type Options struct {
	Threshold    int
	MaxRounds    int
	PauseTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.MaxRounds <= 0 {
		o.MaxRounds = DefaultMaxRounds
	}
	if o.PauseTimeout <= 0 {
		o.PauseTimeout = 200 * time.Millisecond // §8 scenario 5's stop-and-copy budget
	}
	return o
}

// RunSource drives the source side of §4.8's protocol to completion: arms
// dirty tracking, runs bounded pre-copy rounds, pauses the Vm for
// stop-and-copy, sends the final snapshot, and waits for activation. On
// any failure it rolls back per step 5: resume the Vm and clear dirty
// tracking.
func RunSource(vm *vmm.Vm, registry *vmm.Registry, transport Transport, opts Options) (err error) {
	opts = opts.withDefaults()
	vmid := vm.VMID()
	l := log.WithField("vmid", vmid)

	if err := registry.BeginMigration(vmid); err != nil {
		return err
	}
	defer registry.EndMigration(vmid)

	if err := vm.Transition(vmm.StateMigrating); err != nil {
		return err
	}

	rolledBack := false
	rollback := func(cause error) error {
		if rolledBack {
			return cause
		}
		rolledBack = true
		vm.AS.SetDirtyTracking(false)
		for _, v := range vm.VCPUs {
			v.Wake()
		}
		if terr := vm.Transition(vmm.StateRunning); terr != nil {
			l.WithError(terr).Error("migration: rollback transition to Running failed")
		}
		l.WithError(cause).Warn("migration: aborted, source resumed")
		return cause
	}

	vm.AS.SetDirtyTracking(true)

	pages := vm.AS.AllMappedPages()
	for round := 0; ; round++ {
		l.WithField("round", round).WithField("pages", len(pages)).Debug("migration: sending round")
		metrics.MigrationRoundPages.WithLabelValues(strconv.FormatUint(vmid, 10)).Set(float64(len(pages)))

		batch := make([]PageData, 0, len(pages))
		for _, ipa := range pages {
			data, rerr := vm.RAM.ReadPage(ipa, memory.PageSize)
			if rerr != nil {
				continue // device-backed or non-RAM mapping: not part of the RAM transfer
			}
			batch = append(batch, PageData{IPA: ipa, Data: data})
		}
		if err := transport.SendRound(batch, false); err != nil {
			return rollback(abi.Wrap(abi.KindTransportError, "migration.RunSource", err))
		}

		if len(pages) <= opts.Threshold || round >= opts.MaxRounds {
			break
		}
		pages = vm.AS.SnapshotAndClearDirty()
	}

	// Stop-and-copy (§4.8 step 3): pause every vCPU before reading final
	// dirty pages and register/interrupt-controller state, so nothing
	// written after this point is missed.
	for _, v := range vm.VCPUs {
		v.Block(sched.BlockMigrationPaused)
	}
	for _, v := range vm.VCPUs {
		if !v.WaitBlocked(opts.PauseTimeout) {
			return rollback(abi.Wrap(abi.KindTimeout, "migration.RunSource",
				errors.Errorf("vcpu %d did not pause within %s", v.ID, opts.PauseTimeout)))
		}
	}

	final := vm.AS.SnapshotAndClearDirty()
	finalBatch := make([]PageData, 0, len(final))
	for _, ipa := range final {
		data, rerr := vm.RAM.ReadPage(ipa, memory.PageSize)
		if rerr != nil {
			continue
		}
		finalBatch = append(finalBatch, PageData{IPA: ipa, Data: data})
	}
	if err := transport.SendRound(finalBatch, true); err != nil {
		return rollback(abi.Wrap(abi.KindTransportError, "migration.RunSource", err))
	}

	snap := BuildSnapshot(vm)
	if err := transport.SendSnapshot(snap); err != nil {
		return rollback(abi.Wrap(abi.KindTransportError, "migration.RunSource", err))
	}

	if err := transport.RecvActivated(); err != nil {
		return rollback(abi.Wrap(abi.KindTransportError, "migration.RunSource", errors.Wrap(err, "waiting for ACTIVATED")))
	}

	if err := vm.Transition(vmm.StateTerminated); err != nil {
		return err
	}
	for _, v := range vm.VCPUs {
		v.Offline()
	}
	registry.Remove(vmid)
	vm.RAM.Release()
	l.Info("migration: source released Vm after activation")
	return nil
}

// BuildSnapshot assembles a Snapshot from vm's current (paused) state:
// per-vCPU register and virtual-GIC private state, the shared
// distributor table, and every device's virtqueue cursors. RunSource
// uses it for the stop-and-copy round; internal/liveupdate reuses it
// directly for every resident VM at a handoff barrier, since §4.9's
// handoff is "migrate every VM to the replacement image, simultaneously".
func BuildSnapshot(vm *vmm.Vm) *Snapshot {
	snap := &Snapshot{
		VMID:    vm.VMID(),
		NCPUs:   len(vm.VCPUs),
		MemSize: ramSize(vm),
		VM:      VMState{Distributor: vm.Distributor().Snapshot()},
	}

	for _, v := range vm.VCPUs {
		ctx := v.Context()
		private := vm.PrivateState(v.ID)
		list, pending := private.Snapshot()
		snap.VCPUStates = append(snap.VCPUStates, VCPUState{
			GP: ctx.GP, FP: ctx.FP, Sys: ctx.Sys, GICState: append([]byte(nil), ctx.GICState...),
			ListRegisters: list, Pending: pending,
		})
	}

	for _, entry := range vm.Devices() {
		provider, ok := entry.Dev.(device.CursorProvider)
		if !ok {
			continue
		}
		for _, c := range provider.QueueCursors() {
			snap.Queues = append(snap.Queues, QueueState{Device: entry.Dev.Name(), Queue: c.Queue, LastAvailIdx: c.LastAvailIdx})
		}
	}
	return snap
}

// RunDestination drives the destination side of §4.8's protocol: the
// caller has already built vm via vmm.NewVm from the same VmConfig the
// source Vm runs (carried out of band, e.g. the MVM's configuration
// push), in state Configured. RunDestination receives every pre-copy
// round and the final stop-and-copy round, applies the received
// Snapshot, boots vm through the normal vmm.Vm.Boot path (reusing its
// existing runqueue placement instead of a separate activation path),
// inserts it into registry, and acknowledges with ACTIVATED.
func RunDestination(vm *vmm.Vm, registry *vmm.Registry, transport Transport, pcpuOf func(id int) (*sched.PCPU, bool)) error {
	l := log.WithField("vmid", vm.VMID())
	for {
		pages, final, err := transport.RecvRound()
		if err != nil {
			return abi.Wrap(abi.KindTransportError, "migration.RunDestination", errors.Wrap(err, "receiving round"))
		}
		var applyErrs *multierror.Error
		for _, p := range pages {
			if werr := vm.RAM.WritePageRaw(p.IPA, p.Data); werr != nil {
				applyErrs = multierror.Append(applyErrs, errors.Wrapf(werr, "page %#x", p.IPA))
			}
		}
		if err := applyErrs.ErrorOrNil(); err != nil {
			// A source never sends pages outside the shared VmConfig's RAM
			// regions; receiving any means the two sides disagree about the
			// Vm's memory layout, which poisons the whole transfer.
			return abi.Wrap(abi.KindInvalidArgument, "migration.RunDestination", err)
		}
		l.WithField("pages", len(pages)).WithField("final", final).Debug("migration: destination applied round")
		if final {
			break
		}
	}

	snap, err := transport.RecvSnapshot()
	if err != nil {
		return abi.Wrap(abi.KindTransportError, "migration.RunDestination", errors.Wrap(err, "receiving snapshot"))
	}
	if err := Activate(vm, snap); err != nil {
		return err
	}

	if err := vm.Boot(pcpuOf); err != nil {
		return abi.Wrap(abi.KindStateInvalid, "migration.RunDestination", err)
	}
	if err := registry.Insert(vm); err != nil {
		return err
	}
	if err := transport.SendActivated(); err != nil {
		return abi.Wrap(abi.KindTransportError, "migration.RunDestination", err)
	}
	l.Info("migration: destination activated Vm")
	return nil
}

// Activate applies a received Snapshot's per-vCPU register/interrupt
// state, the shared distributor table, and every device's virtqueue
// cursors to vm, ahead of vm.Boot. It does not itself transition vm's
// lifecycle state; the caller (RunDestination, or a live-update handoff
// reusing the same Snapshot shape) decides how to resume.
func Activate(vm *vmm.Vm, snap *Snapshot) error {
	if got, want := len(vm.VCPUs), snap.NCPUs; got != want {
		return abi.Wrap(abi.KindInvalidArgument, "migration.Activate",
			errors.Errorf("destination Vm has %d vCPUs, snapshot carries %d", got, want))
	}

	for i, v := range vm.VCPUs {
		state := snap.VCPUStates[i]
		ctx := v.Context()
		ctx.GP, ctx.FP, ctx.Sys = state.GP, state.FP, state.Sys
		ctx.GICState = append([]byte(nil), state.GICState...)
		vm.PrivateState(v.ID).Restore(state.ListRegisters, state.Pending)
	}

	vm.Distributor().Restore(snap.VM.Distributor)

	byDevice := map[string][]device.QueueCursor{}
	for _, q := range snap.Queues {
		byDevice[q.Device] = append(byDevice[q.Device], device.QueueCursor{Queue: q.Queue, LastAvailIdx: q.LastAvailIdx})
	}
	for _, entry := range vm.Devices() {
		restorer, ok := entry.Dev.(device.CursorRestorer)
		if !ok {
			continue
		}
		if cursors, ok := byDevice[entry.Dev.Name()]; ok {
			restorer.RestoreQueueCursors(cursors)
		}
	}
	return nil
}

// ramSize sums every RAM region's length from the Vm's configuration for
// the Snapshot's MemSize field; Activate does not compare it against the
// destination Vm.
func ramSize(vm *vmm.Vm) uint64 {
	var total uint64
	for _, r := range vm.Config.Memory.Region {
		total += uint64(r.Length)
	}
	return total
}
