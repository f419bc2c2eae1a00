package device

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/openeuler-mirror/shyper-go/internal/virtio"
)

type fakeMem struct{ buf []byte }

func newFakeMem(size int) *fakeMem { return &fakeMem{buf: make([]byte, size)} }

func (m *fakeMem) ReadAt(ipa uint64, buf []byte) error {
	copy(buf, m.buf[ipa:ipa+uint64(len(buf))])
	return nil
}

func (m *fakeMem) WriteAt(ipa uint64, buf []byte) error {
	copy(m.buf[ipa:ipa+uint64(len(buf))], buf)
	return nil
}

type fakeRaiser struct{ raised []uint8 }

func (r *fakeRaiser) RaiseIRQ(irq uint8) { r.raised = append(r.raised, irq) }

func TestConsoleNotifyWritesPayloadAndRaisesIRQ(t *testing.T) {
	mem := newFakeMem(4096)
	const descBase, availBase, usedBase, payloadAddr, baseIPA = 0, 256, 512, 1024, 0x4000_1000

	var desc [16]byte
	binary.LittleEndian.PutUint64(desc[0:8], payloadAddr)
	binary.LittleEndian.PutUint32(desc[8:12], 5)
	mem.WriteAt(descBase, desc[:])

	var availIdx [2]byte
	binary.LittleEndian.PutUint16(availIdx[:], 1)
	mem.WriteAt(availBase+2, availIdx[:])
	mem.WriteAt(payloadAddr, []byte("hello"))

	q := virtio.NewQueue(mem, 8, descBase, availBase, usedBase)
	var out bytes.Buffer
	raiser := &fakeRaiser{}
	console := NewConsole("hvc0", baseIPA, q, mem, &out, raiser, 46)

	if err := console.HandleWrite(baseIPA+notifyOffset, 1, 1); err != nil {
		t.Fatalf("HandleWrite: %v", err)
	}
	if out.String() != "hello" {
		t.Fatalf("console output = %q, want %q", out.String(), "hello")
	}
	if len(raiser.raised) != 1 || raiser.raised[0] != 46 {
		t.Fatalf("expected IRQ 46 to be raised once, got %v", raiser.raised)
	}
}

func TestBusRejectsOverlap(t *testing.T) {
	bus := NewBus()
	reg := NewRegistry(bus)
	info := NewHVCInfo("shyper-hvc", 0x53485952, 1)
	if err := reg.Register(0x1000, 0x1000, info, DTNode{Path: "/hvc", Compatible: "shyper,hvc"}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := reg.Register(0x1800, 0x1000, info, DTNode{}); err == nil {
		t.Fatalf("expected ErrOverlap for a second device overlapping the first's range")
	}
}

func TestBusDispatchesToRegisteredDevice(t *testing.T) {
	bus := NewBus()
	info := NewHVCInfo("shyper-hvc", 0x53485952, 3)
	if err := bus.Register(0x2000, 0x1000, info); err != nil {
		t.Fatalf("Register: %v", err)
	}
	v, err := bus.Read(0x2000, 4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if v != 0x53485952 {
		t.Fatalf("Read = %#x, want magic 0x53485952", v)
	}
}

// fakeChannel is an in-process MediatedChannel: requests pile up where
// the MVM backend would consume them, and the test plays the MVM by
// posting completions.
type fakeChannel struct {
	requests    []virtio.MediatedRequest
	completions []virtio.MediatedCompletion
}

func (c *fakeChannel) SendRequest(r virtio.MediatedRequest) error {
	c.requests = append(c.requests, r)
	return nil
}

func (c *fakeChannel) RecvCompletion() (virtio.MediatedCompletion, error) {
	if len(c.completions) == 0 {
		return virtio.MediatedCompletion{}, virtio.ErrNoCompletion
	}
	comp := c.completions[0]
	c.completions = c.completions[1:]
	return comp, nil
}

func TestBlkKickCompletionRoundTrip(t *testing.T) {
	mem := newFakeMem(8192)
	const descBase, availBase, usedBase, payloadAddr, baseIPA = 0, 256, 512, 1024, 0x4000_2000

	// One device-writable descriptor: 512 bytes at payloadAddr.
	var desc [16]byte
	binary.LittleEndian.PutUint64(desc[0:8], payloadAddr)
	binary.LittleEndian.PutUint32(desc[8:12], 512)
	binary.LittleEndian.PutUint16(desc[12:14], virtio.DescFWrite)
	mem.WriteAt(descBase, desc[:])

	var availIdx [2]byte
	binary.LittleEndian.PutUint16(availIdx[:], 1)
	mem.WriteAt(availBase+2, availIdx[:])

	q := virtio.NewQueue(mem, 8, descBase, availBase, usedBase)
	channel := &fakeChannel{}
	bridge := virtio.NewBridge(7, 0, q, channel)
	raiser := &fakeRaiser{}
	bridge.OnIRQ = func() { raiser.RaiseIRQ(47) }
	blk := NewBlk("blk0", baseIPA, bridge, mem)

	// Guest kick: the request must reach the MVM channel with the
	// descriptor's guest-physical address and length.
	if err := blk.HandleWrite(baseIPA+notifyOffset, 1, 1); err != nil {
		t.Fatalf("HandleWrite: %v", err)
	}
	if len(channel.requests) != 1 {
		t.Fatalf("expected 1 mediated request, got %d", len(channel.requests))
	}
	req := channel.requests[0]
	if req.Op != virtio.OpBlkRead || req.GPA != payloadAddr || req.Len != 512 {
		t.Fatalf("unexpected request: %+v", req)
	}

	// MVM completion: a used-ring entry appears with the served length
	// and the device's IRQ is injected once.
	channel.completions = append(channel.completions, virtio.MediatedCompletion{Tag: req.Tag, Len: 512})
	if err := blk.PumpCompletions(); err != nil {
		t.Fatalf("PumpCompletions: %v", err)
	}

	var idxBuf [2]byte
	mem.ReadAt(usedBase+2, idxBuf[:])
	if binary.LittleEndian.Uint16(idxBuf[:]) != 1 {
		t.Fatalf("used.idx should be 1 after one completion")
	}
	var entry [8]byte
	mem.ReadAt(usedBase+4, entry[:])
	if binary.LittleEndian.Uint32(entry[4:8]) != 512 {
		t.Fatalf("used entry len = %d, want 512", binary.LittleEndian.Uint32(entry[4:8]))
	}
	if len(raiser.raised) != 1 || raiser.raised[0] != 47 {
		t.Fatalf("expected IRQ 47 raised once, got %v", raiser.raised)
	}

	// A second pump with nothing pending must not re-inject.
	if err := blk.PumpCompletions(); err != nil {
		t.Fatalf("second PumpCompletions: %v", err)
	}
	if len(raiser.raised) != 1 {
		t.Fatalf("idle pump re-raised the IRQ: %v", raiser.raised)
	}
}
