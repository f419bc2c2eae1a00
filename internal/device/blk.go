package device

import "github.com/openeuler-mirror/shyper-go/internal/virtio"

// Blk is the virtio-blk-mediated device named in §4.6: the hypervisor
// owns the virtqueue and dispatches notify writes into a virtio.Bridge,
// which forwards requests to the MVM (the file backend lives there, not
// here) and posts completions back onto the used ring.
type Blk struct {
	name    string
	baseIPA uint64
	bridge  *virtio.Bridge
	mem     virtio.GuestMemory
}

// NewBlk constructs a virtio-blk-mediated device at baseIPA.
func NewBlk(name string, baseIPA uint64, bridge *virtio.Bridge, mem virtio.GuestMemory) *Blk {
	return &Blk{name: name, baseIPA: baseIPA, bridge: bridge, mem: mem}
}

func (b *Blk) Name() string { return b.name }

// QueueCursors implements CursorProvider.
func (b *Blk) QueueCursors() []QueueCursor {
	return []QueueCursor{{Queue: "req", LastAvailIdx: b.bridge.LastAvailIdx()}}
}

// RestoreQueueCursors implements CursorRestorer.
func (b *Blk) RestoreQueueCursors(cursors []QueueCursor) {
	for _, cur := range cursors {
		if cur.Queue == "req" {
			b.bridge.SetLastAvailIdx(cur.LastAvailIdx)
		}
	}
}

func (b *Blk) HandleRead(addr uint64, width uint8) (uint64, error) { return 0, nil }

// HandleWrite on the notify offset validates and forwards the kicked
// descriptor chain to the MVM as OpBlkRead; a write to the second notify
// register at notify offset+0x08 forwards it as OpBlkWrite instead.
func (b *Blk) HandleWrite(addr uint64, width uint8, value uint64) error {
	off := addr - b.baseIPA
	switch off {
	case notifyOffset:
		return b.bridge.Kick(virtio.OpBlkRead, b.mem)
	case notifyOffset + 0x08:
		return b.bridge.Kick(virtio.OpBlkWrite, b.mem)
	}
	return nil
}

// PumpCompletions should be polled periodically (or on a completion
// doorbell IRQ) by the owning Vm's device-service loop; it is exposed
// directly since Blk itself has no internal goroutine.
func (b *Blk) PumpCompletions() error { return b.bridge.PumpCompletions() }
