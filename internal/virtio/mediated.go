package virtio

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
)

// MediatedOp is the operation code in a mediated-I/O record, per §6.
type MediatedOp uint8

const (
	OpBlkRead MediatedOp = iota
	OpBlkWrite
	OpNetTransmit
)

// mediatedRecordSize is the fixed 64-byte record size named in §6's
// "Mediated-I/O ring": a shared-memory SPSC ring of fixed records. The
// request record is ⟨op, vmid, devid, gpa, len, offset, tag⟩; tag is
// echoed in the completion record alongside a status byte.
const mediatedRecordSize = 64

// MediatedRequest is the hypervisor->MVM record.
type MediatedRequest struct {
	Op     MediatedOp
	VMID   uint64
	DevID  uint32
	GPA    uint64
	Len    uint32
	Offset uint64
	Tag    uint64
}

// MediatedCompletion is the MVM->hypervisor record.
type MediatedCompletion struct {
	Tag    uint64
	Status uint8
	Len    uint32
}

func (r MediatedRequest) marshal() [mediatedRecordSize]byte {
	var b [mediatedRecordSize]byte
	b[0] = byte(r.Op)
	binary.LittleEndian.PutUint64(b[8:16], r.VMID)
	binary.LittleEndian.PutUint32(b[16:20], r.DevID)
	binary.LittleEndian.PutUint64(b[24:32], r.GPA)
	binary.LittleEndian.PutUint32(b[32:36], r.Len)
	binary.LittleEndian.PutUint64(b[40:48], r.Offset)
	binary.LittleEndian.PutUint64(b[48:56], r.Tag)
	return b
}

func unmarshalCompletion(b [mediatedRecordSize]byte) MediatedCompletion {
	return MediatedCompletion{
		Tag:    binary.LittleEndian.Uint64(b[48:56]),
		Status: b[56],
		Len:    binary.LittleEndian.Uint32(b[32:36]),
	}
}

// MediatedChannel is the transport contract the mediated bridge runs
// over. A shared-memory SPSC ring and an mdlayher/vsock stream both
// satisfy it (see SHMRing and VsockChannel), matching the Open Question
// resolution in SPEC_FULL.md that either transport may back one VM's
// mediated I/O depending on deployment.
type MediatedChannel interface {
	SendRequest(MediatedRequest) error
	RecvCompletion() (MediatedCompletion, error)
}

// Bridge is the hypervisor-side half of the mediated-I/O pattern: it owns
// the virtqueue, validates descriptor chains, and forwards one request
// per kick to the MVM over a MediatedChannel, per §4.6's
// virtio-blk-mediated description.
type Bridge struct {
	mu      sync.Mutex
	queue   *Queue
	channel MediatedChannel
	devID   uint32
	vmid    uint64

	inflight map[uint64]uint16 // tag -> descriptor head awaiting completion
	nextTag  uint64

	// OnIRQ is invoked once a completion is posted to the used ring, so
	// the caller can inject the device's IRQ into the owning vCPU
	// (internal/intc.Inject) without Bridge importing internal/sched.
	OnIRQ func()
}

// NewBridge constructs a mediated-I/O bridge fronting queue over channel.
func NewBridge(vmid uint64, devID uint32, queue *Queue, channel MediatedChannel) *Bridge {
	return &Bridge{vmid: vmid, devID: devID, queue: queue, channel: channel, inflight: map[uint64]uint16{}}
}

// LastAvailIdx exposes the bridged virtqueue's last-seen-avail cursor for
// C9/C10 snapshotting (§4.8 "virtio per-queue progress counters").
func (b *Bridge) LastAvailIdx() uint16 { return b.queue.LastAvailIdx }

// SetLastAvailIdx replays a previously snapshotted cursor on a migration
// or live-update destination, before the bridge services its first kick.
func (b *Bridge) SetLastAvailIdx(idx uint16) { b.queue.LastAvailIdx = idx }

// Kick handles a guest notify: pops one descriptor chain, validates that
// every descriptor lies inside the guest's memory, and posts a
// mediated-I/O request with a fresh tag.
func (b *Bridge) Kick(op MediatedOp, mem GuestMemory) error {
	chain, ok, err := b.queue.PopAvail()
	if err != nil {
		return errors.Wrap(err, "mediated bridge: pop avail")
	}
	if !ok {
		return nil
	}
	if err := validateChain(chain, mem); err != nil {
		return errors.Wrap(err, "mediated bridge: kick rejected")
	}

	var gpa uint64
	var length uint32
	for _, d := range chain.Descs {
		gpa = d.Addr
		length = d.Len
		break
	}

	b.mu.Lock()
	b.nextTag++
	tag := b.nextTag
	b.inflight[tag] = chain.HeadIdx
	b.mu.Unlock()

	return b.channel.SendRequest(MediatedRequest{
		Op: op, VMID: b.vmid, DevID: b.devID, GPA: gpa, Len: length, Tag: tag,
	})
}

// PumpCompletions drains available completions, writing a used-ring
// entry for each and invoking OnIRQ once at least one was processed —
// the "when the MVM posts completion, the hypervisor writes the used-ring
// entry and injects the device's IRQ" half of §4.6.
func (b *Bridge) PumpCompletions() error {
	posted := false
	for {
		c, err := b.channel.RecvCompletion()
		if err == errNoCompletion {
			break
		}
		if err != nil {
			return err
		}
		b.mu.Lock()
		headIdx, ok := b.inflight[c.Tag]
		delete(b.inflight, c.Tag)
		b.mu.Unlock()
		if !ok {
			continue
		}
		if err := b.queue.PushUsed(headIdx, c.Len); err != nil {
			return err
		}
		posted = true
	}
	if posted && b.OnIRQ != nil {
		b.OnIRQ()
	}
	return nil
}

// validateChain probes each descriptor's first and last byte through the
// guest-memory contract, so a chain naming addresses outside the guest's
// configured regions never reaches the MVM backend.
func validateChain(c Chain, mem GuestMemory) error {
	var probe [1]byte
	for _, d := range c.Descs {
		if d.Len == 0 {
			return errors.Wrap(ErrInvalidDescriptor, "zero-length descriptor")
		}
		if err := mem.ReadAt(d.Addr, probe[:]); err != nil {
			return errors.Wrap(ErrInvalidDescriptor, "descriptor start outside guest memory")
		}
		if err := mem.ReadAt(d.Addr+uint64(d.Len)-1, probe[:]); err != nil {
			return errors.Wrap(ErrInvalidDescriptor, "descriptor end outside guest memory")
		}
	}
	return nil
}

// errNoCompletion is a sentinel a MediatedChannel.RecvCompletion
// implementation returns when its ring/socket has nothing ready; it is
// not an error condition for Bridge.
var errNoCompletion = errors.New("virtio: no completion available")

// ErrNoCompletion exposes errNoCompletion for transport implementations
// living outside this package.
var ErrNoCompletion = errNoCompletion
