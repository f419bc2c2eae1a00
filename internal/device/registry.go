package device

import "sync"

// DTNode is one device-tree patch descriptor §4.7 says Vm creation
// "materialises" for emulated and passthrough devices: enough to splice
// a node into the guest's devicetree blob without this package needing
// to understand DTB encoding itself (internal/vmm owns the actual blob
// patch, using whichever DTB library the ambient stack settles on).
type DTNode struct {
	Path       string            // e.g. "/soc/virtio@40001000"
	Compatible string            // e.g. "virtio,mmio"
	Reg        [2]uint64         // {addr, size}
	Interrupts []uint32          // GIC/PLIC interrupt specifier cells
	Props      map[string]string // additional simple string properties
}

// Entry pairs one registered device with its device-tree descriptor, the
// unit internal/migration and internal/liveupdate walk to snapshot
// per-device virtqueue cursors (§4.8/§4.9 "virtio per-queue progress
// counters").
type Entry struct {
	Node DTNode
	Dev  MMIODevice
}

// QueueCursor is one virtqueue's last-seen-avail index inside a device,
// for C9/C10 snapshotting.
type QueueCursor struct {
	Queue        string
	LastAvailIdx uint16
}

// CursorProvider is implemented by devices that own at least one
// virtqueue (console, blk, net); devices with none (vGICD facade,
// shyper-hvc) simply don't implement it, and migration/live-update skip
// them via a type assertion.
type CursorProvider interface {
	QueueCursors() []QueueCursor
}

// CursorRestorer is the write-side counterpart of CursorProvider,
// implemented by the same devices so a migration/live-update destination
// can replay each virtqueue's last-seen-avail cursor before resuming the
// Vm. Queue names match QueueCursors' Queue field; an unknown name is
// ignored rather than erroring, since capacity/layout may differ across a
// live-update image change.
type CursorRestorer interface {
	RestoreQueueCursors(cursors []QueueCursor)
}

// Registry is the per-Vm record of every registered MMIO device plus its
// DTB descriptor, so device creation and devicetree patching stay in
// lock-step (one Register call drives both).
type Registry struct {
	mu      sync.Mutex
	bus     *Bus
	entries []Entry
	nodes   []DTNode // handler-less patches: passthrough regions, clocks, reserved-memory
}

// NewRegistry creates an empty per-Vm device registry fronting bus.
func NewRegistry(bus *Bus) *Registry {
	return &Registry{bus: bus}
}

// Register installs dev on the bus at [ipa, ipa+length) and records its
// device-tree descriptor.
func (r *Registry) Register(ipa, length uint64, dev MMIODevice, node DTNode) error {
	if err := r.bus.Register(ipa, length, dev); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Node: node, Dev: dev})
	return nil
}

// AddDTNode records a devicetree patch descriptor with no MMIO handler
// behind it — a passthrough device region (the hardware answers the
// guest's accesses directly through stage-2) or a dtb_device entry such
// as a clock the guest kernel merely expects to see.
func (r *Registry) AddDTNode(node DTNode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = append(r.nodes, node)
}

// DTNodes returns every devicetree patch descriptor — emulated devices
// first in registration order, then handler-less nodes — for the
// boot-time DTB patch pass.
func (r *Registry) DTNodes() []DTNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DTNode, 0, len(r.entries)+len(r.nodes))
	for _, e := range r.entries {
		out = append(out, e.Node)
	}
	out = append(out, r.nodes...)
	return out
}

// Entries returns every registered (DTNode, MMIODevice) pair, in
// registration order.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Bus exposes the underlying MMIO bus for C4's fault-dispatch path.
func (r *Registry) Bus() *Bus { return r.bus }
