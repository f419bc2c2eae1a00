package control_test

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/openeuler-mirror/shyper-go/internal/abi"
	"github.com/openeuler-mirror/shyper-go/internal/arch"
	"github.com/openeuler-mirror/shyper-go/internal/control"
	"github.com/openeuler-mirror/shyper-go/internal/sched"
	"github.com/openeuler-mirror/shyper-go/internal/vmm"
)

func pcpuTable(n int) ([]*sched.PCPU, func(id int) (*sched.PCPU, bool)) {
	var list []*sched.PCPU
	table := map[int]*sched.PCPU{}
	for i := 0; i < n; i++ {
		p := sched.NewPCPU(i, arch.NewCPU(i), nil)
		table[i] = p
		list = append(list, p)
	}
	return list, func(id int) (*sched.PCPU, bool) { p, ok := table[id]; return p, ok }
}

func configJSON(id uint64) []byte {
	cfg := map[string]interface{}{
		"id": id, "name": "gvm", "type": "VM_T_LINUX", "cmdline": "",
		"image": map[string]interface{}{
			"kernel_filename": "", "kernel_load_ipa": "0x80000000", "kernel_entry_point": "0x80000000",
			"device_tree_filename": "", "device_tree_load_ipa": "0x0", "ramdisk_filename": "", "ramdisk_load_ipa": "0x0",
		},
		"memory": map[string]interface{}{
			"region": []map[string]interface{}{{"ipa_start": "0x80000000", "length": "0x200000"}},
		},
		"cpu": map[string]interface{}{"num": 1, "allocate_bitmap": 1, "master": 0},
		"emulated_device":   map[string]interface{}{"emulated_device_list": []interface{}{}},
		"passthrough_device": map[string]interface{}{"passthrough_device_list": []interface{}{}},
		"dtb_device":        map[string]interface{}{"dtb_device_list": []interface{}{}},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		panic(err)
	}
	return data
}

func TestSystemPing(t *testing.T) {
	_, pcpuOf := pcpuTable(1)
	h := control.New(vmm.NewRegistry(), nil, pcpuOf, "arm64")
	ret, err := h.Handle(abi.Call{ID: abi.MakeCallID(abi.GroupSystem, abi.FnSystemPing)})
	if err != nil || ret != 0 {
		t.Fatalf("ping = (%d, %v), want (0, nil)", ret, err)
	}
}

func TestVMLifecycleViaHypercalls(t *testing.T) {
	pcpus, pcpuOf := pcpuTable(1)
	registry := vmm.NewRegistry()
	h := control.New(registry, pcpus, pcpuOf, "arm64")

	mvmCfg, err := vmm.DecodeConfig(configJSON(1))
	if err != nil {
		t.Fatalf("DecodeConfig mvm: %v", err)
	}
	mvm, err := vmm.NewVm(mvmCfg, true, io.Discard)
	if err != nil {
		t.Fatalf("NewVm mvm: %v", err)
	}
	if err := registry.Insert(mvm); err != nil {
		t.Fatalf("Insert mvm: %v", err)
	}

	blob := configJSON(42)
	if err := mvm.RAM.WriteAt(0x8010_0000, blob); err != nil {
		t.Fatalf("WriteAt config blob: %v", err)
	}

	stageCall := abi.Call{
		ID:   abi.MakeCallID(abi.GroupVMConfig, abi.FnVMConfigStage),
		Args: abi.Args{0x8010_0000, uint64(len(blob))},
		VMID: 1,
	}
	handle, err := h.Handle(stageCall)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if handle != 42 {
		t.Fatalf("stage handle = %d, want 42", handle)
	}

	createCall := abi.Call{
		ID:   abi.MakeCallID(abi.GroupVMLifecycle, abi.FnVMCreate),
		Args: abi.Args{uint64(handle), 0},
		VMID: 1,
	}
	vmid, err := h.Handle(createCall)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if vmid != 42 {
		t.Fatalf("create vmid = %d, want 42", vmid)
	}

	bootCall := abi.Call{ID: abi.MakeCallID(abi.GroupVMLifecycle, abi.FnVMBoot), Args: abi.Args{uint64(vmid)}, VMID: 1}
	if _, err := h.Handle(bootCall); err != nil {
		t.Fatalf("boot: %v", err)
	}

	createdVM, ok := registry.Get(42)
	if !ok {
		t.Fatal("created vm missing from registry")
	}
	if got, want := createdVM.State(), vmm.StateRunning; got != want {
		t.Errorf("created vm state = %v, want %v", got, want)
	}

	shutdownCall := abi.Call{ID: abi.MakeCallID(abi.GroupVMLifecycle, abi.FnVMShutdown), Args: abi.Args{uint64(vmid)}, VMID: 1}
	if _, err := h.Handle(shutdownCall); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, ok := registry.Get(42); ok {
		t.Error("shutdown vm still registered")
	}
}

func TestNonMVMRejectedAtDispatchLayer(t *testing.T) {
	// control itself trusts call.VMID as already-authorized; the MVM-only
	// gate lives in internal/trap.dispatchHypercall ahead of Handle. This
	// test only documents that expectation so a future change to either
	// package surfaces the mismatch.
	if !abi.GroupVMLifecycle.OnlyMVM() {
		t.Fatal("GroupVMLifecycle must remain MVM-gated at the trap layer")
	}
	if abi.GroupIRQIPI.OnlyMVM() {
		t.Fatal("GroupIRQIPI must remain open to any VM for self-addressed IPI")
	}
}

type fakeMirror struct {
	target map[uint32]int
}

func (f *fakeMirror) SetEnable(irq uint32, enabled bool)     {}
func (f *fakeMirror) SetPriority(irq uint32, priority uint8) {}
func (f *fakeMirror) SetTargetCPU(irq uint32, pcpu int)      { f.target[irq] = pcpu }

func TestPinVCPUReprogramsPassthroughIRQAffinity(t *testing.T) {
	pcpus, pcpuOf := pcpuTable(3)
	registry := vmm.NewRegistry()
	h := control.New(registry, pcpus, pcpuOf, "arm64")

	cfg := &vmm.VmConfig{ID: 9, Name: "gvm-gppt", Type: vmm.OSLinux}
	cfg.Memory.Region = []vmm.MemoryRegion{{IPAStart: 0x8000_0000, Length: 0x0020_0000}}
	cfg.CPU = vmm.CPUConfig{Num: 1, AllocateBitmap: 0b010, Master: 1}
	cfg.Image.KernelEntryPoint = 0x8000_0000
	cfg.PassthroughDevice.PassthroughDeviceList = []vmm.PassthroughDeviceConfig{
		{Name: "uart0", BasePA: 0x0900_0000, BaseIPA: 0x0900_0000, Length: 0x1000, IRQNum: 1, IRQList: []uint32{33}},
	}

	vm, err := vmm.NewVm(cfg, false, io.Discard)
	if err != nil {
		t.Fatalf("NewVm: %v", err)
	}
	mirror := &fakeMirror{target: map[uint32]int{}}
	vm.Distributor().SetMirror(mirror)
	if err := registry.Insert(vm); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := vm.Boot(pcpuOf); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	pinCall := abi.Call{
		ID:   abi.MakeCallID(abi.GroupVMLifecycle, abi.FnVMPinVCPU),
		Args: abi.Args{9, 0, 2}, // vmid 9, vcpu 0, target pCPU 2
		VMID: 1,
	}
	if _, err := h.Handle(pinCall); err != nil {
		t.Fatalf("pin: %v", err)
	}

	if got, ok := mirror.target[33]; !ok || got != 2 {
		t.Fatalf("physical target for irq 33 = (%d, %v), want pCPU 2", got, ok)
	}
}

func blkNetConfigJSON(id uint64) []byte {
	cfg := map[string]interface{}{
		"id": id, "name": "gvm-io", "type": "VM_T_LINUX", "cmdline": "",
		"image": map[string]interface{}{
			"kernel_filename": "", "kernel_load_ipa": "0x80000000", "kernel_entry_point": "0x80000000",
			"device_tree_filename": "", "device_tree_load_ipa": "0x0", "ramdisk_filename": "", "ramdisk_load_ipa": "0x0",
		},
		"memory": map[string]interface{}{
			"region": []map[string]interface{}{{"ipa_start": "0x80000000", "length": "0x200000"}},
		},
		"cpu": map[string]interface{}{"num": 1, "allocate_bitmap": 1, "master": 0},
		"emulated_device": map[string]interface{}{
			"emulated_device_list": []map[string]interface{}{
				{
					"name": "blk0", "base_ipa": "0x40002000", "length": "0x1000", "irq_id": 47,
					"cfg_num": 3, "cfg_list": []uint64{0x8001_0000, 0x8002_0000, 0x8003_0000},
					"type": "VIRTIO_BLK_MEDIATED",
				},
				{
					"name": "net0", "base_ipa": "0x40003000", "length": "0x1000", "irq_id": 48,
					"cfg_num": 6, "cfg_list": []uint64{0x8004_0000, 0x8005_0000, 0x8006_0000, 0x8007_0000, 0x8008_0000, 0x8009_0000},
					"type": "VIRTIO_NET",
				},
			},
		},
		"passthrough_device": map[string]interface{}{"passthrough_device_list": []interface{}{}},
		"dtb_device":         map[string]interface{}{"dtb_device_list": []interface{}{}},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		panic(err)
	}
	return data
}

func TestVMCreateAttachesBlkAndNetBackends(t *testing.T) {
	pcpus, pcpuOf := pcpuTable(1)
	registry := vmm.NewRegistry()
	h := control.New(registry, pcpus, pcpuOf, "arm64")

	mvmCfg, err := vmm.DecodeConfig(configJSON(1))
	if err != nil {
		t.Fatalf("DecodeConfig mvm: %v", err)
	}
	mvm, err := vmm.NewVm(mvmCfg, true, io.Discard)
	if err != nil {
		t.Fatalf("NewVm mvm: %v", err)
	}
	if err := registry.Insert(mvm); err != nil {
		t.Fatalf("Insert mvm: %v", err)
	}

	stage := func() int64 {
		blob := blkNetConfigJSON(43)
		if err := mvm.RAM.WriteAt(0x8010_0000, blob); err != nil {
			t.Fatalf("WriteAt config blob: %v", err)
		}
		handle, err := h.Handle(abi.Call{
			ID:   abi.MakeCallID(abi.GroupVMConfig, abi.FnVMConfigStage),
			Args: abi.Args{0x8010_0000, uint64(len(blob))},
			VMID: 1,
		})
		if err != nil {
			t.Fatalf("stage: %v", err)
		}
		return handle
	}

	// Creating a VM with a mediated blk device before the MVM has bound
	// the mediated-io rings must fail, not silently skip the device.
	handle := stage()
	if _, err := h.Handle(abi.Call{
		ID:   abi.MakeCallID(abi.GroupVMLifecycle, abi.FnVMCreate),
		Args: abi.Args{uint64(handle), 0},
		VMID: 1,
	}); err == nil {
		t.Fatal("expected create to fail while no mediated-io channel is configured")
	}

	// Bind the rings inside MVM RAM, restage, and create for real.
	if _, err := h.Handle(abi.Call{
		ID:   abi.MakeCallID(abi.GroupMediatedIO, abi.FnMediatedSetup),
		Args: abi.Args{0x8011_0000, 16, 0x8012_0000, 16},
		VMID: 1,
	}); err != nil {
		t.Fatalf("mediated setup: %v", err)
	}
	handle = stage()
	if _, err := h.Handle(abi.Call{
		ID:   abi.MakeCallID(abi.GroupVMLifecycle, abi.FnVMCreate),
		Args: abi.Args{uint64(handle), 0},
		VMID: 1,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	vm, ok := registry.Get(43)
	if !ok {
		t.Fatal("created vm missing from registry")
	}
	names := map[string]bool{}
	for _, e := range vm.Devices() {
		names[e.Dev.Name()] = true
	}
	if !names["blk0"] {
		t.Error("virtio-blk-mediated device was not attached")
	}
	if !names["net0"] {
		t.Error("virtio-net device was not attached")
	}

	// The drain doorbell must be accepted even with nothing pending.
	if _, err := h.Handle(abi.Call{
		ID:   abi.MakeCallID(abi.GroupMediatedIO, abi.FnMediatedComplete),
		Args: abi.Args{43},
		VMID: 1,
	}); err != nil {
		t.Fatalf("mediated complete: %v", err)
	}
}
