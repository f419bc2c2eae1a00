package device

import (
	"io"
	"sync"

	"github.com/openeuler-mirror/shyper-go/internal/virtio"
)

// Console is the virtio-console device named in §4.6: a single rx/tx
// virtqueue pair backed by an io.Writer for guest output, the virtio
// analogue of the teacher's 16550A UART emulation
// (core_engine/devices/serial.go) with the register-by-register byte
// protocol replaced by virtqueue descriptor chains.
type Console struct {
	mu sync.Mutex

	name    string
	baseIPA uint64
	txq     *virtio.Queue
	mem     virtio.GuestMemory
	out     io.Writer
	raiser  InterruptRaiser
	irq     uint8
}

// InterruptRaiser is implemented by whatever owns vCPU injection
// (internal/intc.PrivateState.Inject, bound through internal/vmm); kept
// as a narrow interface so this package doesn't import internal/sched.
type InterruptRaiser interface {
	RaiseIRQ(irq uint8)
}

// notifyOffset is the MMIO offset guests write to in order to kick the tx
// queue, chosen to match the address the scenario in spec §8.3 references
// (base+0x50).
const notifyOffset = 0x50

// NewConsole constructs a virtio-console device at baseIPA, writing
// accepted tx bytes to out and raising irq on the owning vCPU via raiser.
func NewConsole(name string, baseIPA uint64, txq *virtio.Queue, mem virtio.GuestMemory, out io.Writer, raiser InterruptRaiser, irq uint8) *Console {
	return &Console{name: name, baseIPA: baseIPA, txq: txq, mem: mem, out: out, raiser: raiser, irq: irq}
}

func (c *Console) Name() string { return c.name }

// QueueCursors implements CursorProvider.
func (c *Console) QueueCursors() []QueueCursor {
	return []QueueCursor{{Queue: "tx", LastAvailIdx: c.txq.LastAvailIdx}}
}

// RestoreQueueCursors implements CursorRestorer.
func (c *Console) RestoreQueueCursors(cursors []QueueCursor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cur := range cursors {
		if cur.Queue == "tx" {
			c.txq.LastAvailIdx = cur.LastAvailIdx
		}
	}
}

// HandleRead serves the (small) set of virtio-console config/status
// registers; everything else reads as zero, matching §4.6's "illegal
// widths cause emulated read-as-zero" posture generalised to unhandled
// offsets too, since config space here is minimal.
func (c *Console) HandleRead(addr uint64, width uint8) (uint64, error) {
	return 0, nil
}

// HandleWrite processes a guest MMIO write. A write to the notify offset
// walks the available ring starting from last-avail, services one
// descriptor by writing its bytes to out, posts a used-ring entry with
// len equal to the bytes accepted, and injects the device's IRQ — the
// exact sequence §8 scenario 3 describes.
func (c *Console) HandleWrite(addr uint64, width uint8, value uint64) error {
	if addr-c.baseIPA != notifyOffset {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	chain, ok, err := c.txq.PopAvail()
	if err != nil || !ok {
		return err
	}
	bytes, err := virtio.ChainBytes(c.mem, chain)
	if err != nil {
		return err
	}
	n, err := c.out.Write(bytes)
	if err != nil {
		return err
	}
	if err := c.txq.PushUsed(chain.HeadIdx, uint32(n)); err != nil {
		return err
	}
	if c.raiser != nil {
		c.raiser.RaiseIRQ(c.irq)
	}
	return nil
}
