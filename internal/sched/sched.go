// Package sched is the vCPU object and per-pCPU scheduler (C3). It
// replaces the teacher's single goroutine-per-VCPU loop around
// syscall.SYS_IOCTL(KVM_RUN) (core_engine/vcpu.go's VCPU.Run) with a
// runqueue-owning pCPU worker that multiplexes several vCPUs under either
// of the two scheduling classes named in §4.3, driving arch.CPU.EnterGuest
// in place of the teacher's KVM_RUN ioctl and a Dispatcher in place of its
// inline KVM_EXIT_* switch (core_engine/devices/pit.go's periodic-tick
// idiom grounds the round-robin quantum ticker below).
package sched

import (
	"sync"
	"time"

	"github.com/openeuler-mirror/shyper-go/internal/arch"
	"github.com/openeuler-mirror/shyper-go/internal/hvlog"
)

// State is the vCPU scheduling state.
type State int

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateBlocked:
		return "Blocked"
	case StateOffline:
		return "Offline"
	default:
		return "Ready"
	}
}

// BlockReason records why a vCPU last entered StateBlocked, per §4.3's
// vcpu_block(reason).
type BlockReason int

const (
	BlockNone BlockReason = iota
	BlockWFI
	BlockVirtioCompletion
	BlockAwaitingInterrupt
	BlockMigrationPaused // §4.8 stop-and-copy: "S pauses all vCPUs of the Vm"
)

// Class is the scheduling class named in §4.3.
type Class int

const (
	ClassPinned Class = iota
	ClassRoundRobin
)

// DefaultQuantum is the round-robin class's default time slice.
const DefaultQuantum = 10 * time.Millisecond

// VCPU is the scheduler's view of a virtual CPU: identity, class, state,
// and the architectural context arch.CPU saves/restores across a pCPU
// switch. Device/interrupt/virtio state lives in the owning Vm (C8) and
// is reached through VMID, not duplicated here.
type VCPU struct {
	VMID  uint64
	ID    int
	Class Class

	mu          sync.Mutex
	state       State
	blockReason BlockReason
	ctx         arch.VCPUContext
	entryIPA    uint64
	lastPCPU    int

	pcpu *PCPU // current/target pCPU, set by Enqueue (boot placement, Wake, affinity moves)
}

// NewVCPU implements vcpu_create(vm, vcpu_id, entry_ipa).
func NewVCPU(vmid uint64, id int, entryIPA uint64, class Class) *VCPU {
	v := &VCPU{VMID: vmid, ID: id, Class: class, state: StateReady, entryIPA: entryIPA, lastPCPU: -1}
	v.ctx.GP.PC = entryIPA
	return v
}

// State reports the vCPU's current scheduling state.
func (v *VCPU) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Context exposes the saved architectural context for C8/C9 snapshotting.
func (v *VCPU) Context() *arch.VCPUContext {
	v.mu.Lock()
	defer v.mu.Unlock()
	return &v.ctx
}

// PCPUID reports the id of the pCPU this vCPU is currently enqueued/running
// on, falling back to the last pCPU it ran on if it has since been
// descheduled. Used by internal/liveupdate to snapshot runqueue placement
// (§4.9) since affinity migration (§4.5) can have moved a vCPU away from
// its VmConfig.cpu.allocate_bitmap-derived home.
func (v *VCPU) PCPUID() (int, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pcpu != nil {
		return v.pcpu.ID, true
	}
	if v.lastPCPU >= 0 {
		return v.lastPCPU, true
	}
	return 0, false
}

// CPU returns the arch.CPU backend of the pCPU currently hosting this
// vCPU (or that last hosted it), letting C4 call arch-level operations
// such as InjectException without sched exposing its PCPU internals.
func (v *VCPU) CPU() (arch.CPU, bool) {
	v.mu.Lock()
	p := v.pcpu
	last := v.lastPCPU
	v.mu.Unlock()
	if p != nil {
		return p.CPU, true
	}
	return arch.Lookup(last)
}

// Dispatcher is implemented by C4 (internal/trap). Keeping it as an
// interface here, rather than importing internal/trap directly, avoids a
// sched<->trap import cycle: trap dispatches on behalf of many vCPUs and
// needs sched's types, so the dependency can only run one way.
type Dispatcher interface {
	Dispatch(vcpu *VCPU, exit arch.ExitInfo) (resume bool)
}

// PCPU is one physical CPU's scheduler: its own runqueue, its own
// goroutine, no cross-pCPU locking on the hot path beyond the runqueue
// mutex — mirroring "each pCPU runs a minimal scheduler owning its own
// runqueue".
type PCPU struct {
	ID  int
	CPU arch.CPU

	mu       sync.Mutex
	runqueue []*VCPU
	current  *VCPU

	Dispatcher Dispatcher
	quantum    time.Duration
	stopCh     chan struct{}

	depthGauge func(n int) // wired to metrics.RunqueueDepth by the caller
}

// NewPCPU constructs the scheduler worker for one physical CPU.
func NewPCPU(id int, cpu arch.CPU, dispatcher Dispatcher) *PCPU {
	return &PCPU{
		ID: id, CPU: cpu, Dispatcher: dispatcher,
		quantum: DefaultQuantum, stopCh: make(chan struct{}),
	}
}

// SetDepthGauge installs a callback invoked whenever the runqueue depth
// changes, letting the caller wire it to a Prometheus gauge without
// internal/sched importing internal/metrics directly (kept decoupled the
// same way Dispatcher is).
func (p *PCPU) SetDepthGauge(fn func(n int)) { p.depthGauge = fn }

// Enqueue adds a Ready vCPU to this pCPU's runqueue.
func (p *PCPU) Enqueue(v *VCPU) {
	p.mu.Lock()
	v.pcpu = p
	p.runqueue = append(p.runqueue, v)
	depth := len(p.runqueue)
	p.mu.Unlock()
	if p.depthGauge != nil {
		p.depthGauge(depth)
	}
}

// Wake implements vcpu_wake(vcpu): idempotent, Blocked -> Ready, and posts
// an IPI to the pCPU the vCPU last ran on (or its allocation target if it
// never ran) so a sleeping pCPU re-evaluates its runqueue promptly.
func (v *VCPU) Wake() {
	v.mu.Lock()
	wasBlocked := v.state == StateBlocked
	if wasBlocked {
		v.state = StateReady
	}
	target := v.pcpu
	lastPCPU := v.lastPCPU
	v.mu.Unlock()
	if !wasBlocked {
		return
	}
	if target != nil {
		target.Enqueue(v)
	}
	ipiTarget := lastPCPU
	if ipiTarget < 0 && target != nil {
		ipiTarget = target.ID
	}
	if ipiTarget >= 0 {
		if self, ok := arch.Lookup(ipiTarget); ok {
			_ = self.SendIPI(ipiTarget, ipiVectorReschedule, 0)
		}
	}
}

// ipiVectorReschedule is the hypervisor-owned IPI vector C4's asynchronous
// IRQ path recognises as "re-evaluate the runqueue", never delivered to a
// guest.
const ipiVectorReschedule uint8 = 0xFE

// Block implements vcpu_block(reason): the currently-running vCPU on this
// pCPU yields voluntarily (WFI, awaiting virtio completion, awaiting
// interrupt) and is removed from Running without being re-queued; only a
// later Wake makes it Ready again.
func (v *VCPU) Block(reason BlockReason) {
	v.mu.Lock()
	v.state = StateBlocked
	v.blockReason = reason
	v.mu.Unlock()
}

// Offline removes the vCPU from scheduling permanently (Vm shutdown);
// unlike Block, a later Wake does not revive it.
func (v *VCPU) Offline() {
	v.mu.Lock()
	v.state = StateOffline
	v.blockReason = BlockNone
	v.mu.Unlock()
}

// WaitBlocked polls until this vCPU reaches StateBlocked or timeout
// elapses, returning whether it did. internal/migration's stop-and-copy
// step (§4.8) calls Block on every vCPU of the Vm and must not snapshot
// a vCPU's Context until the pCPU hosting it has actually exited its
// runOne loop and called SaveContext; since this scheduler has no
// hardware preemption, that handoff is cooperative and only observable
// by polling state the same way a remote-wake IPI's target would.
func (v *VCPU) WaitBlocked(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if v.State() == StateBlocked {
			v.mu.Lock()
			p := v.pcpu
			v.mu.Unlock()
			if p == nil || p.Current() != v {
				return true
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// Run starts this pCPU's scheduling worker. It never returns while the
// stop channel is open, matching the teacher's "Run starts the VCPU
// execution loop" but now multiplexing many vCPUs instead of one.
func (p *PCPU) Run() {
	log := hvlog.For("sched").WithField("pcpu", p.ID)
	log.Debug("pCPU scheduler starting")
	for {
		select {
		case <-p.stopCh:
			log.Debug("pCPU scheduler stopping")
			return
		default:
		}

		v := p.pickNext()
		if v == nil {
			time.Sleep(time.Millisecond) // idle pCPU: nothing Ready
			continue
		}
		p.runOne(v)
	}
}

// Stop signals Run to return once its current vCPU slice ends.
func (p *PCPU) Stop() { close(p.stopCh) }

// pickNext dequeues the next Ready vCPU in FIFO order, discarding queue
// entries that went Blocked or Offline since they were enqueued.
// runOne re-enqueues every still-Ready vCPU at the tail after its slice,
// whatever its class; a pinned vCPU that is the sole resident of its pCPU
// is therefore picked again next.
func (p *PCPU) pickNext() *VCPU {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.runqueue) > 0 {
		v := p.runqueue[0]
		p.runqueue = p.runqueue[1:]
		if p.depthGauge != nil {
			p.depthGauge(len(p.runqueue))
		}
		if v.State() != StateReady {
			continue
		}
		return v
	}
	return nil
}

// runOne enters the guest repeatedly, dispatching each exit, until the
// vCPU blocks, the dispatcher declines to resume, or (round-robin class
// only) one quantum has elapsed; it then re-queues the vCPU if it is
// still Ready/Running.
func (p *PCPU) runOne(v *VCPU) {
	v.mu.Lock()
	v.state = StateRunning
	movedPCPU := v.lastPCPU != p.ID
	v.lastPCPU = p.ID
	p.current = v
	ctx := &v.ctx
	v.mu.Unlock()

	if movedPCPU {
		// Address-space switch onto this pCPU: drop stale translations for
		// this Vm's VMID before the guest runs here.
		p.CPU.TLBInvalidate(arch.TLBLocal, uint16(v.VMID))
	}

	p.CPU.RestoreContext(ctx)

	deadline := time.Now().Add(p.quantum)
	for {
		if vector, payload, ok := p.CPU.RecvIPI(); ok {
			if vector != ipiVectorReschedule {
				p.Dispatcher.Dispatch(v, arch.ExitInfo{Reason: arch.ExitIRQ, Syndrome: payload})
			}
		}

		exit := p.CPU.EnterGuest(ctx)
		resume := true
		if p.Dispatcher != nil {
			resume = p.Dispatcher.Dispatch(v, exit)
		}

		if v.State() == StateBlocked {
			break
		}
		if v.Class == ClassRoundRobin && time.Now().After(deadline) {
			break
		}
		if !resume {
			break
		}
	}

	p.CPU.SaveContext(ctx)
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()

	switch v.State() {
	case StateBlocked, StateOffline:
	default:
		v.mu.Lock()
		v.state = StateReady
		v.mu.Unlock()
		p.Enqueue(v)
	}
}

// Current returns the vCPU presently running on this pCPU, if any —
// WaitBlocked uses this to tell whether a Blocked vCPU's pCPU has left
// runOne for it yet.
func (p *PCPU) Current() *VCPU {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}
