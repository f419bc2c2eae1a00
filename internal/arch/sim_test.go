package arch

import "testing"

func TestSimEnterGuestReplaysScriptedExits(t *testing.T) {
	cpu := NewSimCPU(10)
	sim, ok := AsSim(cpu)
	if !ok {
		t.Fatalf("NewSimCPU did not return a *simCPU")
	}
	sim.PushExit(ExitInfo{Reason: ExitHypercall, CallID: 0x0200})
	sim.PushExit(ExitInfo{Reason: ExitStage2Abort, FaultIPA: 0x4000_1050})

	var ctx VCPUContext
	if e := cpu.EnterGuest(&ctx); e.Reason != ExitHypercall || e.CallID != 0x0200 {
		t.Fatalf("first exit = %+v, want scripted hypercall", e)
	}
	if e := cpu.EnterGuest(&ctx); e.Reason != ExitStage2Abort || e.FaultIPA != 0x4000_1050 {
		t.Fatalf("second exit = %+v, want scripted stage-2 abort", e)
	}
	if e := cpu.EnterGuest(&ctx); e.Reason != ExitWFI {
		t.Fatalf("exhausted script should report WFI, got %v", e.Reason)
	}
}

func TestSimIPIDeliversToRegisteredTarget(t *testing.T) {
	src := NewSimCPU(20)
	dst := NewSimCPU(21)
	Register(20, src)
	Register(21, dst)

	if err := src.SendIPI(21, 0x7, 0xABCD); err != nil {
		t.Fatalf("SendIPI: %v", err)
	}
	vector, payload, ok := dst.RecvIPI()
	if !ok {
		t.Fatalf("target mailbox empty after SendIPI")
	}
	if vector != 0x7 || payload != 0xABCD {
		t.Fatalf("RecvIPI = (%#x, %#x), want (0x7, 0xABCD)", vector, payload)
	}
	if _, _, ok := dst.RecvIPI(); ok {
		t.Fatalf("mailbox should be empty after one Recv")
	}
}

func TestSimSendIPIUnknownTarget(t *testing.T) {
	cpu := NewSimCPU(30)
	if err := cpu.SendIPI(9999, 1, 0); err == nil {
		t.Fatalf("expected an error for an unregistered target pCPU")
	}
}

func TestSimInjectExceptionArmsPending(t *testing.T) {
	cpu := NewSimCPU(40)
	var ctx VCPUContext
	cpu.InjectException(&ctx, ExceptionUndefinedInstruction, 0x1000)
	if ctx.Pending == nil || ctx.Pending.Kind != ExceptionUndefinedInstruction {
		t.Fatalf("InjectException did not arm the pending exception")
	}
	if ctx.Pending.FaultAddr != 0x1000 {
		t.Fatalf("FaultAddr = %#x, want 0x1000", ctx.Pending.FaultAddr)
	}
}
