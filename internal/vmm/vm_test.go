package vmm

import (
	"bytes"
	"testing"

	"github.com/openeuler-mirror/shyper-go/internal/arch"
	"github.com/openeuler-mirror/shyper-go/internal/sched"
)

func sampleConfig() *VmConfig {
	cfg := &VmConfig{
		ID:   1,
		Name: "gvm1",
		Type: OSLinux,
	}
	cfg.Memory.Region = []MemoryRegion{{IPAStart: 0x8000_0000, Length: 0x4000_0000}}
	cfg.CPU = CPUConfig{Num: 3, AllocateBitmap: 0b1110, Master: 1}
	cfg.Image.KernelEntryPoint = 0x8000_0000
	cfg.EmulatedDevice.EmulatedDeviceList = []EmulatedDeviceConfig{
		{
			Name:    "virtio-console@0",
			BaseIPA: 0x4000_1000,
			Length:  0x1000,
			IRQID:   46,
			Type:    DeviceVirtioConsole,
			CfgList: []uint64{0x4001_0000, 0x4002_0000, 0x4003_0000},
		},
	}
	return cfg
}

func TestNewVmPopulatesStage2ForEveryMemoryRegion(t *testing.T) {
	cfg := sampleConfig()
	vm, err := NewVm(cfg, false, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("NewVm: %v", err)
	}
	if vm.State() != StateConfigured {
		t.Fatalf("expected Configured after NewVm, got %v", vm.State())
	}
	region := cfg.Memory.Region[0]
	pa, err := vm.AS.Translate(uint64(region.IPAStart))
	if err != nil {
		t.Fatalf("translate region start: %v", err)
	}
	if pa != uint64(region.IPAStart) {
		t.Fatalf("expected identity stage-2 map, got pa=%#x", pa)
	}
}

func TestNewVmRejectsOverlappingEmulatedDevices(t *testing.T) {
	cfg := sampleConfig()
	cfg.EmulatedDevice.EmulatedDeviceList = append(cfg.EmulatedDevice.EmulatedDeviceList, EmulatedDeviceConfig{
		Name:    "virtio-console@0-dup",
		BaseIPA: 0x4000_1000,
		Length:  0x1000,
		IRQID:   47,
		Type:    DeviceVirtioConsole,
		CfgList: []uint64{0x4001_0000, 0x4002_0000, 0x4003_0000},
	})
	if _, err := NewVm(cfg, false, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected overlap error for two devices sharing an IPA range")
	}
}

func TestBootInsertsVCpusOnlyOnAllocatedPcpus(t *testing.T) {
	cfg := sampleConfig()
	vm, err := NewVm(cfg, false, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("NewVm: %v", err)
	}

	pcpus := map[int]*sched.PCPU{}
	for id := 0; id < 4; id++ {
		pcpus[id] = sched.NewPCPU(id, arch.NewCPU(id), nil)
	}
	pcpuOf := func(id int) (*sched.PCPU, bool) { p, ok := pcpus[id]; return p, ok }

	if err := vm.Boot(pcpuOf); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if vm.State() != StateRunning {
		t.Fatalf("expected Running after Boot, got %v", vm.State())
	}
	got := make([]int, 0, len(vm.VCPUs))
	for _, v := range vm.VCPUs {
		id, ok := v.PCPUID()
		if !ok {
			t.Fatalf("expected every booted vCPU to report a pCPU placement")
		}
		got = append(got, id)
	}
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("expected vCPUs placed on pCPUs %v, got %v", want, got)
	}
	for i, id := range want {
		if got[i] != id {
			t.Fatalf("expected vCPU %d placed on pCPU %d, got %d", i, id, got[i])
		}
	}
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	cfg := sampleConfig()
	vm, err := NewVm(cfg, false, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("NewVm: %v", err)
	}
	if err := vm.Transition(StateRunning); err == nil {
		t.Fatalf("expected Configured -> Running to be rejected (must pass through Booting)")
	}
}
