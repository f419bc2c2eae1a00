// Package virtio implements the standard split virtqueue (C7) and the
// mediated-I/O bridge pattern used by virtio-blk-mediated and
// virtio-net: the hypervisor owns and validates the virtqueue, a
// separate management VM (MVM) owns the backend, and the two exchange
// fixed-size records over a shared-memory ring or a vsock channel
// (§6's "Mediated-I/O ring"). None of the teacher's devices speak
// virtio — its PIC/PIT/serial/NE2000 model a legacy x86 PC — so this
// package is grounded on §4.6/§6's wire-format description directly,
// structured the way the teacher structures its other device state
// (small fixed-layout structs guarded by one mutex, as in
// core_engine/devices/pic.go's PICDevice).
package virtio

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
)

// Descriptor flags, per the standard virtio 1.x split-queue layout.
const (
	DescFNext     uint16 = 1
	DescFWrite    uint16 = 2
	DescFIndirect uint16 = 4
)

// DescEntry is one descriptor-table entry: 16 bytes in guest memory.
type DescEntry struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

const descEntrySize = 16

// GuestMemory is the narrow read/write contract virtio needs against a
// Vm's RAM-backed stage-2 region; internal/vmm supplies the concrete
// implementation (translate IPA via internal/memory then index into the
// backing byte arena).
type GuestMemory interface {
	ReadAt(ipa uint64, buf []byte) error
	WriteAt(ipa uint64, buf []byte) error
}

// ErrInvalidDescriptor is returned when a descriptor chain is malformed:
// out-of-bounds index, a cycle longer than the queue size, or an address
// range outside the guest's memory.
var ErrInvalidDescriptor = errors.New("virtio: invalid descriptor chain")

// Queue is one split virtqueue: descriptor table + available ring + used
// ring, located in guest memory at hypervisor-chosen IPAs during device
// negotiation. The hypervisor validates every index modulo Size and
// tracks LastAvailIdx, per §4.1's VirtioQueue type.
type Queue struct {
	mu sync.Mutex

	Size     uint16
	DescIPA  uint64
	AvailIPA uint64
	UsedIPA  uint64

	LastAvailIdx uint16

	mem GuestMemory
}

// NewQueue binds a virtqueue of the negotiated size to its three guest-
// memory regions.
func NewQueue(mem GuestMemory, size uint16, descIPA, availIPA, usedIPA uint64) *Queue {
	return &Queue{mem: mem, Size: size, DescIPA: descIPA, AvailIPA: availIPA, UsedIPA: usedIPA}
}

// availIdx reads the avail ring's idx field (offset 2, after the 2-byte
// flags field).
func (q *Queue) availIdx() (uint16, error) {
	var buf [2]byte
	if err := q.mem.ReadAt(q.AvailIPA+2, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// availRingEntry reads avail.ring[i mod Size]; the ring starts at offset
// 4 (flags + idx), 2 bytes per entry.
func (q *Queue) availRingEntry(i uint16) (uint16, error) {
	off := q.AvailIPA + 4 + uint64(i%q.Size)*2
	var buf [2]byte
	if err := q.mem.ReadAt(off, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *Queue) readDesc(idx uint16) (DescEntry, error) {
	if idx >= q.Size {
		return DescEntry{}, ErrInvalidDescriptor
	}
	var buf [descEntrySize]byte
	if err := q.mem.ReadAt(q.DescIPA+uint64(idx)*descEntrySize, buf[:]); err != nil {
		return DescEntry{}, err
	}
	return DescEntry{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// Chain is one popped descriptor chain: the head index (needed to post
// the used-ring entry) plus the resolved descriptor list.
type Chain struct {
	HeadIdx uint16
	Descs   []DescEntry
}

// PopAvail walks the available ring starting from LastAvailIdx and
// returns the next unconsumed descriptor chain, or ok=false if the guest
// has posted nothing new — the "notify" path §8 scenario 3 exercises.
func (q *Queue) PopAvail() (Chain, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx, err := q.availIdx()
	if err != nil {
		return Chain{}, false, err
	}
	if idx == q.LastAvailIdx {
		return Chain{}, false, nil
	}

	headIdx, err := q.availRingEntry(q.LastAvailIdx)
	if err != nil {
		return Chain{}, false, err
	}

	var descs []DescEntry
	cur := headIdx
	for i := 0; i < int(q.Size)+1; i++ { // bound the walk: a chain can never exceed Size links
		d, err := q.readDesc(cur)
		if err != nil {
			return Chain{}, false, err
		}
		descs = append(descs, d)
		if d.Flags&DescFNext == 0 {
			q.LastAvailIdx++
			return Chain{HeadIdx: headIdx, Descs: descs}, true, nil
		}
		cur = d.Next
	}
	return Chain{}, false, errors.Wrap(ErrInvalidDescriptor, "chain exceeds queue size, possible cycle")
}

// PushUsed writes a used-ring entry {id, len} and publishes it by
// incrementing used.idx. Per §7's ordering guarantee (c), the idx store
// must be the last thing a guest observing it can see reordered ahead
// of; Go's sync.Mutex release on Unlock provides the needed release
// semantics for callers on the same hypervisor, and the real arch backend
// additionally issues a DSB before the doorbell/IRQ that tells the guest
// to look.
func (q *Queue) PushUsed(headIdx uint16, length uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var idxBuf [2]byte
	if err := q.mem.ReadAt(q.UsedIPA+2, idxBuf[:]); err != nil {
		return err
	}
	usedIdx := binary.LittleEndian.Uint16(idxBuf[:])

	entryOff := q.UsedIPA + 4 + uint64(usedIdx%q.Size)*8 // used ring entries are 8 bytes: {id uint32, len uint32}
	var entry [8]byte
	binary.LittleEndian.PutUint32(entry[0:4], uint32(headIdx))
	binary.LittleEndian.PutUint32(entry[4:8], length)
	if err := q.mem.WriteAt(entryOff, entry[:]); err != nil {
		return err
	}

	usedIdx++
	binary.LittleEndian.PutUint16(idxBuf[:], usedIdx)
	return q.mem.WriteAt(q.UsedIPA+2, idxBuf[:])
}

// ChainBytes reads the concatenated guest-readable portion of a
// descriptor chain, bounds-checked against every descriptor's declared
// length — used by virtio-net/virtio-blk-mediated to assemble one
// request without re-deriving descriptor walking themselves.
func ChainBytes(mem GuestMemory, c Chain) ([]byte, error) {
	var out []byte
	for _, d := range c.Descs {
		if d.Flags&DescFWrite != 0 {
			continue // device-writable: not part of the guest-supplied payload
		}
		buf := make([]byte, d.Len)
		if err := mem.ReadAt(d.Addr, buf); err != nil {
			return nil, err
		}
		out = append(out, buf...)
	}
	return out, nil
}
