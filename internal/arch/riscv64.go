//go:build riscv64

package arch

import "sync"

// H-extension CSR numbers (RISC-V Privileged ISA, H-extension chapter).
const (
	csrHstatus    = 0x600
	csrHedeleg    = 0x602
	csrHideleg    = 0x603
	csrHtimedelta = 0x605
	csrHtval      = 0x643
	csrHvip       = 0x645
	csrHgatp      = 0x680
)

// SBI extension/function ids this backend uses (legacy + HSM, per the
// RISC-V SBI specification): BringUpSecondary always uses HSM HART_START
// and SendIPI always uses the legacy send_ipi call. There is no
// "sbi_legacy" option: timer and fence operations always go through the
// H-extension CSRs and instructions, and no SBI shim replaces them.
const (
	sbiExtHSM        = 0x48534D
	sbiFnHartStart   = 0
	sbiExtLegacyIPI  = 0x3
	sbiFnLegacySendIPI = 0
)

// Assembly primitives implemented in asm_riscv64.s.
func csrRead(num uint32) uint64
func csrWrite(num uint32, val uint64)
func hfenceGVMA(broadcast bool)
func fenceI()
func sbiCall(ext, fid, a0, a1 uint64) uint64
func sretToGuest(ctx uint64) uint64

type riscv64CPU struct {
	id int
	mu sync.Mutex

	ipis chan ipiMsg
}

type ipiMsg struct {
	vector  uint8
	payload uint64
}

// NewCPU constructs the real RV64 H-extension backend for pCPU id.
func NewCPU(id int) CPU {
	return &riscv64CPU{id: id, ipis: make(chan ipiMsg, 16)}
}

func (c *riscv64CPU) ID() int      { return c.id }
func (c *riscv64CPU) Arch() string { return "riscv64" }

// RISC-V lacks arm64-style cache-maintenance-by-VA as an ISA primitive on
// most current implementations (coherency is typically handled by the
// Zifencei/FENCE.I instruction at whole-hart granularity); invalidation
// by range degrades to a full FENCE.I, matching how the spec's cache-
// maintenance invariant is satisfied on this architecture.
func (c *riscv64CPU) DCacheInvalidate(va uintptr, length uintptr)      { fenceI() }
func (c *riscv64CPU) DCacheClean(va uintptr, length uintptr)           { fenceI() }
func (c *riscv64CPU) DCacheCleanInvalidate(va uintptr, length uintptr) { fenceI() }
func (c *riscv64CPU) ICacheInvalidate(va uintptr, length uintptr)      { fenceI() }

func (c *riscv64CPU) TLBInvalidate(scope TLBScope, vmid uint16) {
	old := csrRead(csrHgatp)
	const vmidShift = 44 // hgatp.VMID field, Sv39x4/Sv48x4 layouts
	const vmidMask = uint64(0x3FFF) << vmidShift
	csrWrite(csrHgatp, (old&^vmidMask)|(uint64(vmid)<<vmidShift))
	hfenceGVMA(scope == TLBBroadcast)
}

func (c *riscv64CPU) SendIPI(targetCPU int, vector uint8, payload uint64) error {
	target, ok := Lookup(targetCPU)
	if !ok {
		return &ErrUnsupported{Op: "SendIPI: unknown target pCPU"}
	}
	tc, ok := target.(*riscv64CPU)
	if !ok {
		return &ErrUnsupported{Op: "SendIPI: cross-backend"}
	}
	select {
	case tc.ipis <- ipiMsg{vector: vector, payload: payload}:
	default:
		return &ErrUnsupported{Op: "SendIPI: mailbox full"}
	}
	hartMask := uint64(1) << uint(targetCPU)
	sbiCall(sbiExtLegacyIPI, sbiFnLegacySendIPI, hartMask, 0)
	return nil
}

func (c *riscv64CPU) RecvIPI() (uint8, uint64, bool) {
	select {
	case m := <-c.ipis:
		return m.vector, m.payload, true
	default:
		return 0, 0, false
	}
}

func (c *riscv64CPU) BringUpSecondary(cpuID int, entry uint64, contextID uint64) error {
	rc := sbiCall(sbiExtHSM, sbiFnHartStart, uint64(cpuID), entry)
	if int64(rc) != 0 {
		return &ErrUnsupported{Op: "BringUpSecondary: SBI HART_START failed"}
	}
	Register(cpuID, NewCPU(cpuID))
	return nil
}

func (c *riscv64CPU) SaveContext(ctx *VCPUContext) {
	ctx.Sys.SystemControl = csrRead(csrHstatus)
	ctx.Sys.TranslationBase = csrRead(csrHgatp)
	ctx.Sys.HypervisorConfig = csrRead(csrHedeleg) | csrRead(csrHideleg)<<32
	ctx.Sys.VTimerControl = csrRead(csrHtimedelta)
}

func (c *riscv64CPU) RestoreContext(ctx *VCPUContext) {
	csrWrite(csrHstatus, ctx.Sys.SystemControl)
	csrWrite(csrHgatp, ctx.Sys.TranslationBase)
	csrWrite(csrHedeleg, ctx.Sys.HypervisorConfig&0xFFFFFFFF)
	csrWrite(csrHideleg, ctx.Sys.HypervisorConfig>>32)
	csrWrite(csrHtimedelta, ctx.Sys.VTimerControl)
	if ctx.Pending != nil {
		ctx.GP.PC = ctx.Sys.VectorBase // stvec-equivalent; guest's own trap vector
		ctx.Pending = nil
	}
}

// InjectException arms ctx so RestoreContext redirects the guest into its
// own trap vector on next entry instead of resuming at the faulting
// instruction.
func (c *riscv64CPU) InjectException(ctx *VCPUContext, kind ExceptionKind, faultAddr uint64) {
	ctx.Pending = &PendingException{Kind: kind, FaultAddr: faultAddr}
}

func (c *riscv64CPU) EnterGuest(ctx *VCPUContext) ExitInfo {
	scause := sretToGuest(0)
	info := decodeSCAUSE(scause)
	if info.Reason == ExitHypercall {
		// a0-a6 are x10-x16; GPRegs.X holds x1-x31 (x0 is hardwired zero),
		// so a0 sits at index 9.
		info.CallID = uint16(ctx.GP.X[9])
		copy(info.Args[:], ctx.GP.X[10:16])
	}
	return info
}

// decodeSCAUSE turns scause (plus stval where needed) into an ExitInfo.
// Interrupt-vs-exception is the top bit; the low bits are the cause code
// per the RISC-V Privileged ISA's scause table.
func decodeSCAUSE(scause uint64) ExitInfo {
	isInterrupt := scause>>63 == 1
	code := scause &^ (1 << 63)
	if isInterrupt {
		return ExitInfo{Reason: ExitIRQ, Syndrome: scause}
	}
	switch code {
	case 10: // Virtual supervisor ecall (guest ECALL)
		return ExitInfo{Reason: ExitHypercall, Syndrome: scause}
	case 20, 21, 23: // Instruction/Load/Store guest-page fault (stage-2)
		stval := csrRead(csrHtval) // faulting guest-physical address bits [63:2]
		return ExitInfo{
			Reason:   ExitStage2Abort,
			FaultIPA: stval << 2,
			IsWrite:  code == 23,
			Syndrome: scause,
		}
	default:
		return ExitInfo{Reason: ExitIllegal, Syndrome: scause}
	}
}
