package liveupdate_test

import (
	"io"
	"testing"

	"github.com/openeuler-mirror/shyper-go/internal/arch"
	"github.com/openeuler-mirror/shyper-go/internal/liveupdate"
	"github.com/openeuler-mirror/shyper-go/internal/sched"
	"github.com/openeuler-mirror/shyper-go/internal/vmm"
)

func minimalConfig(id uint64) *vmm.VmConfig {
	cfg := &vmm.VmConfig{ID: id, Name: "gvm", Type: vmm.OSLinux}
	cfg.Memory.Region = []vmm.MemoryRegion{{IPAStart: 0x8000_0000, Length: 0x0020_0000}}
	cfg.CPU = vmm.CPUConfig{Num: 1, AllocateBitmap: 1, Master: 0}
	cfg.Image.KernelEntryPoint = 0x8000_0000
	return cfg
}

func pcpuTable(n int) func(id int) (*sched.PCPU, bool) {
	table := map[int]*sched.PCPU{}
	for i := 0; i < n; i++ {
		table[i] = sched.NewPCPU(i, arch.NewCPU(i), nil)
	}
	return func(id int) (*sched.PCPU, bool) { p, ok := table[id]; return p, ok }
}

func TestPrepareAndApplyRoundtrip(t *testing.T) {
	vm, err := vmm.NewVm(minimalConfig(3), true, io.Discard)
	if err != nil {
		t.Fatalf("NewVm: %v", err)
	}
	if err := vm.RAM.LoadImage(0x8000_0000, []byte("live-update payload")); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	vm.VCPUs[0].Context().GP.X[0] = 0x1234_5678

	registry := vmm.NewRegistry()
	if err := registry.Insert(vm); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	pcpus := pcpuTable(1)
	if err := vm.Boot(pcpus); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	var pcpuList []*sched.PCPU
	for i := 0; i < 1; i++ {
		p, _ := pcpus(i)
		pcpuList = append(pcpuList, p)
	}

	state, err := liveupdate.PrepareHandoff(pcpuList, registry, "arm64")
	if err != nil {
		t.Fatalf("PrepareHandoff: %v", err)
	}
	if state.Header.VMCount != 1 {
		t.Fatalf("VMCount = %d, want 1", state.Header.VMCount)
	}

	data, err := state.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	decoded, err := liveupdate.Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if decoded.Header.Magic != liveupdate.Magic {
		t.Errorf("decoded magic = %#x, want %#x", decoded.Header.Magic, liveupdate.Magic)
	}
	if decoded.ID() != state.ID() {
		t.Errorf("decoded handoff id = %v, want %v", decoded.ID(), state.ID())
	}

	newRegistry := vmm.NewRegistry()
	newPCPUs := pcpuTable(1)
	vms, err := liveupdate.ApplyAll(decoded, newRegistry, newPCPUs, nil)
	if err != nil {
		t.Fatalf("ApplyAll: %v", err)
	}
	if len(vms) != 1 {
		t.Fatalf("ApplyAll returned %d vms, want 1", len(vms))
	}

	newVM := vms[0]
	if got, want := newVM.State(), vmm.StateRunning; got != want {
		t.Errorf("restored vm state = %v, want %v", got, want)
	}
	if _, ok := newRegistry.Get(3); !ok {
		t.Error("new registry missing restored vm")
	}

	var buf [19]byte
	if err := newVM.RAM.ReadAt(0x8000_0000, buf[:]); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf[:]) != "live-update payload" {
		t.Errorf("restored RAM = %q, want original payload", buf[:])
	}
	if got, want := newVM.VCPUs[0].Context().GP.X[0], uint64(0x1234_5678); got != want {
		t.Errorf("restored vCPU register = %#x, want %#x", got, want)
	}
}

func TestDeserializeRejectsBadMagic(t *testing.T) {
	if _, err := liveupdate.Deserialize([]byte{0, 1, 2, 3}); err == nil {
		t.Fatal("expected Deserialize to reject malformed data")
	}
}
