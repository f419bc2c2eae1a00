// Package vmm is the VM lifecycle manager (C8): VmConfig ingestion, the
// Vm runtime object and its state machine, the process-wide Vm registry,
// and the hypercall handler that drives all of it. It generalises the
// teacher's VirtualMachine type (core_engine/virtual_machine.go), which
// wires one fixed x86 device set per process, into a config-driven
// assembly step run once per Vm at creation time.
package vmm

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/openeuler-mirror/shyper-go/internal/abi"
)

// OSType is VmConfig's os-type discriminant (§3).
type OSType string

const (
	OSLinux     OSType = "VM_T_LINUX"
	OSBareMetal OSType = "VM_T_BAREMETAL"
)

// DeviceType enumerates the emulated_device_list's `type` field (§6).
type DeviceType string

const (
	DeviceGICD             DeviceType = "GICD"
	DevicePLIC             DeviceType = "PLIC"
	DeviceVirtioBlkMediated DeviceType = "VIRTIO_BLK_MEDIATED"
	DeviceVirtioNet        DeviceType = "VIRTIO_NET"
	DeviceVirtioConsole    DeviceType = "VIRTIO_CONSOLE"
	DeviceShyper           DeviceType = "SHYPER"
)

// HexUint64 decodes the JSON surface's hex-string IPAs (§6: "ipas as hex
// strings") into a plain uint64, so the rest of the codebase never deals
// with string-typed addresses.
type HexUint64 uint64

func (h *HexUint64) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = trimHexPrefix(s)
	var v uint64
	for _, c := range []byte(s) {
		d, ok := hexDigit(c)
		if !ok {
			return errors.Errorf("vmm: invalid hex digit %q in %q", c, s)
		}
		v = v<<4 | uint64(d)
	}
	*h = HexUint64(v)
	return nil
}

func (h HexUint64) MarshalJSON() ([]byte, error) {
	return json.Marshal(formatHex(uint64(h)))
}

func trimHexPrefix(s string) string {
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func hexDigit(c byte) (uint64, bool) {
	switch {
	case c >= '0' && c <= '9':
		return uint64(c - '0'), true
	case c >= 'a' && c <= 'f':
		return uint64(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return uint64(c-'A') + 10, true
	default:
		return 0, false
	}
}

func formatHex(v uint64) string {
	if v == 0 {
		return "0x0"
	}
	const digits = "0123456789abcdef"
	var buf [18]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xF]
		v >>= 4
	}
	return "0x" + string(buf[i:])
}

// ImageConfig is VmConfig's `image` object (§6).
type ImageConfig struct {
	KernelFilename     string    `json:"kernel_filename"`
	KernelLoadIPA      HexUint64 `json:"kernel_load_ipa"`
	KernelEntryPoint   HexUint64 `json:"kernel_entry_point"`
	DeviceTreeFilename string    `json:"device_tree_filename"`
	DeviceTreeLoadIPA  HexUint64 `json:"device_tree_load_ipa"`
	RamdiskFilename    string    `json:"ramdisk_filename"`
	RamdiskLoadIPA     HexUint64 `json:"ramdisk_load_ipa"`
}

// MemoryRegion is one entry of `memory.region[]` (§3/§6).
type MemoryRegion struct {
	IPAStart HexUint64 `json:"ipa_start"`
	Length   HexUint64 `json:"length"`
}

// CPUConfig is VmConfig's `cpu` object (§6).
type CPUConfig struct {
	Num            int    `json:"num"`
	AllocateBitmap uint64 `json:"allocate_bitmap"`
	Master         int    `json:"master"`
}

// EmulatedDeviceConfig is one entry of `emulated_device.emulated_device_list[]`.
type EmulatedDeviceConfig struct {
	Name    string     `json:"name"`
	BaseIPA HexUint64  `json:"base_ipa"`
	Length  HexUint64  `json:"length"`
	IRQID   uint32     `json:"irq_id"`
	CfgNum  int        `json:"cfg_num"`
	CfgList []uint64   `json:"cfg_list"`
	Type    DeviceType `json:"type"`
}

// PassthroughDeviceConfig is one entry of `passthrough_device.passthrough_device_list[]`.
type PassthroughDeviceConfig struct {
	Name    string    `json:"name"`
	BasePA  HexUint64 `json:"base_pa"`
	BaseIPA HexUint64 `json:"base_ipa"`
	Length  HexUint64 `json:"length"`
	IRQNum  int       `json:"irq_num"`
	IRQList []uint32  `json:"irq_list"`
}

// DTBDeviceConfig is one entry of `dtb_device.dtb_device_list[]`: a
// devicetree patch descriptor for a device this VmConfig does not itself
// emulate or pass through (e.g. a clock or reserved-memory node the guest
// kernel still expects to see).
type DTBDeviceConfig struct {
	Name             string    `json:"name"`
	Type             string    `json:"type"`
	IRQNum           int       `json:"irq_num"`
	IRQList          []uint32  `json:"irq_list"`
	AddrRegionIPA    HexUint64 `json:"addr_region_ipa"`
	AddrRegionLength HexUint64 `json:"addr_region_length"`
}

// VmConfig is the static description of a VM (§3/§6), decoded from the
// MVM kernel module's JSON surface. It is immutable after VM creation
// except through FnVMReconfigure (§6).
type VmConfig struct {
	ID      uint64 `json:"id"`
	Name    string `json:"name"`
	Type    OSType `json:"type"`
	Cmdline string `json:"cmdline"`

	Image  ImageConfig    `json:"image"`
	Memory struct {
		Region []MemoryRegion `json:"region"`
	} `json:"memory"`
	CPU CPUConfig `json:"cpu"`

	EmulatedDevice struct {
		EmulatedDeviceList []EmulatedDeviceConfig `json:"emulated_device_list"`
	} `json:"emulated_device"`
	PassthroughDevice struct {
		PassthroughDeviceList []PassthroughDeviceConfig `json:"passthrough_device_list"`
	} `json:"passthrough_device"`
	DTBDevice struct {
		DTBDeviceList []DTBDeviceConfig `json:"dtb_device_list"`
	} `json:"dtb_device"`
}

// DecodeConfig parses the MVM's JSON surface into a VmConfig, rejecting
// unknown fields (the teacher's configuration loader, grounded on
// core_engine/config elsewhere in the pack, does the same to catch
// MVM/hypervisor version skew early rather than silently ignoring new
// fields).
func DecodeConfig(data []byte) (*VmConfig, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cfg VmConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, abi.Wrap(abi.KindInvalidArgument, "vmm.DecodeConfig", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the structural invariants §3 requires before a VmConfig
// is usable: at least one memory region, a master pCPU within the
// allocate_bitmap, and a kernel entry point inside some memory region.
func (c *VmConfig) Validate() error {
	if len(c.Memory.Region) == 0 {
		return abi.Wrap(abi.KindInvalidArgument, "vmm.Validate", errors.New("no memory regions configured"))
	}
	if c.CPU.Num <= 0 {
		return abi.Wrap(abi.KindInvalidArgument, "vmm.Validate", errors.New("cpu.num must be positive"))
	}
	if c.CPU.AllocateBitmap&(1<<uint(c.CPU.Master)) == 0 {
		return abi.Wrap(abi.KindInvalidArgument, "vmm.Validate", errors.New("master pCPU not in allocate_bitmap"))
	}
	entry := uint64(c.Image.KernelEntryPoint)
	inRange := false
	for _, r := range c.Memory.Region {
		start, length := uint64(r.IPAStart), uint64(r.Length)
		if entry >= start && entry < start+length {
			inRange = true
			break
		}
	}
	if !inRange {
		return abi.Wrap(abi.KindInvalidArgument, "vmm.Validate", errors.New("kernel_entry_point outside configured memory"))
	}
	return nil
}
