package virtio

import "sync"

// SHMRing is a single-producer-single-consumer shared-memory transport
// for mediated-I/O, implementing MediatedChannel directly over a
// GuestMemory-like region rather than a socket — the low-latency option
// named in §6 ("two single-producer-single-consumer rings (request,
// completion)"), used when hypervisor and MVM share physical memory.
type SHMRing struct {
	mu sync.Mutex

	reqMem  GuestMemory
	reqBase uint64
	reqCap  uint32
	reqHead uint32 // producer cursor, hypervisor-owned
	reqTail uint32 // consumer cursor, mirrored from MVM's side out-of-band in a real build

	compMem  GuestMemory
	compBase uint64
	compCap  uint32
	compHead uint32 // consumer cursor, hypervisor-owned
}

// NewSHMRing binds request and completion rings, each of the given
// record capacity, over shared memory regions reqMem/compMem.
func NewSHMRing(reqMem GuestMemory, reqBase uint64, reqCap uint32, compMem GuestMemory, compBase uint64, compCap uint32) *SHMRing {
	return &SHMRing{reqMem: reqMem, reqBase: reqBase, reqCap: reqCap, compMem: compMem, compBase: compBase, compCap: compCap}
}

// SendRequest writes req at the producer cursor and advances it modulo
// the ring capacity.
func (r *SHMRing) SendRequest(req MediatedRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := req.marshal()
	off := r.reqBase + uint64(r.reqHead%r.reqCap)*mediatedRecordSize
	if err := r.reqMem.WriteAt(off, rec[:]); err != nil {
		return err
	}
	r.reqHead++
	return nil
}

// RecvCompletion reads the next completion record if one is available.
// "Available" here is modelled as a non-zero tag in the slot at the local
// cursor;
// a real build additionally fences on a doorbell/IPI so the hypervisor
// doesn't busy-poll.
func (r *SHMRing) RecvCompletion() (MediatedCompletion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	off := r.compBase + uint64(r.compHead%r.compCap)*mediatedRecordSize
	var rec [mediatedRecordSize]byte
	if err := r.compMem.ReadAt(off, rec[:]); err != nil {
		return MediatedCompletion{}, err
	}
	c := unmarshalCompletion(rec)
	if c.Tag == 0 {
		return MediatedCompletion{}, ErrNoCompletion
	}
	// Clear the slot's tag so it isn't re-read until the MVM overwrites it.
	var zero [8]byte
	_ = r.compMem.WriteAt(off+48, zero[:])
	r.compHead++
	return c, nil
}
