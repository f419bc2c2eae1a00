// Package liveupdate implements the hypervisor live-update engine (C10):
// serialising handoff state into a reserved memory region ahead of
// control transfer to a replacement image, and reconstructing runtime
// state from that region on the new image's side, per §4.9. It reuses
// C9's Snapshot type for every resident VM, since a live-update is
// architecturally "migrate every VM to the replacement image on the same
// machine, simultaneously" — the same grounding SPEC_FULL.md's expansion
// of §4.9 calls out.
package liveupdate

import (
	"bytes"
	"encoding/gob"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/openeuler-mirror/shyper-go/internal/abi"
	"github.com/openeuler-mirror/shyper-go/internal/hvlog"
	"github.com/openeuler-mirror/shyper-go/internal/migration"
	"github.com/openeuler-mirror/shyper-go/internal/sched"
	"github.com/openeuler-mirror/shyper-go/internal/vmm"
)

// Magic and Version are the §6 "Persisted state" header's fixed fields:
// ⟨magic=0x53485952, version, arch, vm_count, length⟩.
const (
	Magic   uint32 = 0x53485952
	Version uint32 = 1
)

var log = hvlog.For("liveupdate")

// Header is the versioned record every handoff region begins with,
// read first so a corrupt or incompatible region is rejected before any
// attempt to decode the (potentially large) payload that follows.
type Header struct {
	Magic   uint32
	Version uint32
	Arch    string
	VMCount uint32
	Length  uint64
}

// RunqueueEntry records one vCPU's current pCPU placement, since affinity
// migration (§4.5) can have moved it away from the placement
// VmConfig.cpu.allocate_bitmap alone would derive.
type RunqueueEntry struct {
	PCPUID int
	VMID   uint64
	VCPUID int
}

// vmHandoff pairs one resident VM's static configuration (needed to
// reconstruct its runtime object on the new image) with its migration
// Snapshot (needed to restore register/interrupt/virtio state).
type vmHandoff struct {
	Config *vmm.VmConfig
	IsMVM  bool
	Snap   *migration.Snapshot
}

// payload is the gob-encoded body following Header in the handoff region.
type payload struct {
	ID       uuid.UUID
	VMs      []vmHandoff
	Runqueue []RunqueueEntry
}

// HandoffState is the fully assembled in-memory handoff record.
type HandoffState struct {
	Header Header
	body   payload
}

// ID returns this handoff's correlation id, logged on both the old and
// new image sides of the control transfer.
func (h *HandoffState) ID() uuid.UUID { return h.body.ID }

// PrepareHandoff drains each pCPU's pending IPI mailbox (§4.9 step 2's
// "after draining pending IPIs and taking an update barrier") and
// serialises every resident VM in registry into a HandoffState. The
// caller is responsible for having already halted normal scheduling on
// every pcpu (stopped PCPU.Run) before calling this — PrepareHandoff
// itself performs no pausing, since live-update freezes the whole
// machine rather than individual vCPUs the way migration's
// stop-and-copy does.
func PrepareHandoff(pcpus []*sched.PCPU, registry *vmm.Registry, archName string) (*HandoffState, error) {
	for _, p := range pcpus {
		for {
			if _, _, ok := p.CPU.RecvIPI(); !ok {
				break
			}
		}
	}

	vms := registry.List()
	state := &HandoffState{
		Header: Header{Magic: Magic, Version: Version, Arch: archName, VMCount: uint32(len(vms))},
		body:   payload{ID: uuid.New()},
	}

	for _, vm := range vms {
		state.body.VMs = append(state.body.VMs, vmHandoff{
			Config: vm.Config,
			IsMVM:  vm.IsMVM(),
			Snap:   migration.BuildSnapshot(vm),
		})
		for _, v := range vm.VCPUs {
			if pcpuID, ok := v.PCPUID(); ok {
				state.body.Runqueue = append(state.body.Runqueue, RunqueueEntry{PCPUID: pcpuID, VMID: vm.VMID(), VCPUID: v.ID})
			}
		}
	}

	log.WithField("handoff_id", state.body.ID).WithField("vm_count", state.Header.VMCount).Info("liveupdate: handoff state prepared")
	return state, nil
}

// Serialize encodes state into the reserved handoff region's byte
// representation: the Header first, then the gob-encoded payload, so
// Deserialize can validate the header before paying the cost of decoding
// a (potentially large) payload.
func (state *HandoffState) Serialize() ([]byte, error) {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(state.body); err != nil {
		return nil, abi.Wrap(abi.KindInvalidArgument, "liveupdate.Serialize", errors.Wrap(err, "encoding payload"))
	}
	state.Header.Length = uint64(body.Len())

	var out bytes.Buffer
	if err := gob.NewEncoder(&out).Encode(state.Header); err != nil {
		return nil, abi.Wrap(abi.KindInvalidArgument, "liveupdate.Serialize", errors.Wrap(err, "encoding header"))
	}
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// Deserialize reads a handoff region previously written by Serialize,
// validating the magic and version before decoding the payload.
func Deserialize(data []byte) (*HandoffState, error) {
	r := bytes.NewReader(data)
	dec := gob.NewDecoder(r)

	var hdr Header
	if err := dec.Decode(&hdr); err != nil {
		return nil, abi.Wrap(abi.KindInvalidArgument, "liveupdate.Deserialize", errors.Wrap(err, "decoding header"))
	}
	if hdr.Magic != Magic {
		return nil, abi.Wrap(abi.KindInvalidArgument, "liveupdate.Deserialize", errors.Errorf("bad magic %#x, want %#x", hdr.Magic, Magic))
	}
	if hdr.Version != Version {
		return nil, abi.Wrap(abi.KindUnsupported, "liveupdate.Deserialize", errors.Errorf("handoff version %d unsupported by this image", hdr.Version))
	}

	var body payload
	if err := dec.Decode(&body); err != nil {
		return nil, abi.Wrap(abi.KindInvalidArgument, "liveupdate.Deserialize", errors.Wrap(err, "decoding payload"))
	}
	return &HandoffState{Header: hdr, body: body}, nil
}

// ApplyAll reconstructs every VM named in state on the new image: builds
// each one's Vm runtime object from the carried VmConfig, attaches the
// backend-dependent devices via attach (the new image's
// control.AttachVMBackends; nil skips attachment, for VMs with neither
// net nor mediated blk), applies the carried Snapshot, and re-seeds
// scheduler placement from the Runqueue entries rather than re-deriving
// it from allocate_bitmap. Per §4.9 step 3, failure here (post-transfer,
// since control has already moved to the new image by the time ApplyAll
// runs) is unrecoverable per VM by design; ApplyAll still aggregates
// every per-VM failure with go-multierror before returning so a
// diagnostic log captures the full picture rather than only the first VM
// that failed, and returns the VMs that did reconstruct successfully
// alongside the aggregated error.
func ApplyAll(state *HandoffState, registry *vmm.Registry, pcpuOf func(id int) (*sched.PCPU, bool), attach func(*vmm.Vm) error) ([]*vmm.Vm, error) {
	var result *multierror.Error
	var vms []*vmm.Vm

	runqueueFor := func(vmid uint64) []RunqueueEntry {
		var out []RunqueueEntry
		for _, e := range state.body.Runqueue {
			if e.VMID == vmid {
				out = append(out, e)
			}
		}
		return out
	}

	for _, h := range state.body.VMs {
		vm, err := applyOne(h, runqueueFor(h.Config.ID), pcpuOf, attach)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "vmid %d", h.Config.ID))
			continue
		}
		if rerr := registry.Insert(vm); rerr != nil {
			result = multierror.Append(result, errors.Wrapf(rerr, "vmid %d registry insert", h.Config.ID))
			continue
		}
		vms = append(vms, vm)
	}

	if result != nil {
		return vms, abi.Wrap(abi.KindFatal, "liveupdate.ApplyAll", result.ErrorOrNil())
	}
	log.WithField("handoff_id", state.ID()).WithField("vm_count", len(vms)).Info("liveupdate: handoff state applied")
	return vms, nil
}

// applyOne reconstructs a single VM from its handoff entry: NewVm builds
// a fresh Configured-state Vm, attach re-installs the backend-dependent
// devices (before Activate, so their queue cursors restore onto real
// devices), migration.Activate restores register and interrupt-controller
// state, and the VM is walked Booting->Running with vCPUs placed on their
// previously-snapshotted pCPUs rather than Boot's
// allocate_bitmap-derived placement.
func applyOne(h vmHandoff, runqueue []RunqueueEntry, pcpuOf func(id int) (*sched.PCPU, bool), attach func(*vmm.Vm) error) (*vmm.Vm, error) {
	vm, err := vmm.NewVm(h.Config, h.IsMVM, nil)
	if err != nil {
		return nil, err
	}
	if attach != nil {
		if err := attach(vm); err != nil {
			return nil, err
		}
	}
	if err := migration.Activate(vm, h.Snap); err != nil {
		return nil, err
	}

	if err := vm.Transition(vmm.StateBooting); err != nil {
		return nil, err
	}
	for _, entry := range runqueue {
		p, ok := pcpuOf(entry.PCPUID)
		if !ok {
			return nil, abi.Wrap(abi.KindInvalidArgument, "liveupdate.applyOne", errors.Errorf("pCPU %d not found", entry.PCPUID))
		}
		if entry.VCPUID < 0 || entry.VCPUID >= len(vm.VCPUs) {
			continue
		}
		p.Enqueue(vm.VCPUs[entry.VCPUID])
	}
	if err := vm.Transition(vmm.StateRunning); err != nil {
		return nil, err
	}
	return vm, nil
}
