// Command shyper-hv is the hypervisor boot entrypoint: bring up the
// arch abstraction (C1) and pCPU registry, assemble the Management VM
// from its static configuration, and enter each pCPU's scheduler loop
// (C3). It plays the role the teacher's own process entrypoint plays for
// core_engine/hypervisor, generalised from "one fixed KVM-backed VM" to
// "however many VMs the MVM's config names, instantiated through the
// hypercall surface internal/control exposes".
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openeuler-mirror/shyper-go/internal/abi"
	"github.com/openeuler-mirror/shyper-go/internal/arch"
	"github.com/openeuler-mirror/shyper-go/internal/control"
	"github.com/openeuler-mirror/shyper-go/internal/device"
	"github.com/openeuler-mirror/shyper-go/internal/hvlog"
	"github.com/openeuler-mirror/shyper-go/internal/metrics"
	"github.com/openeuler-mirror/shyper-go/internal/sched"
	"github.com/openeuler-mirror/shyper-go/internal/trap"
	"github.com/openeuler-mirror/shyper-go/internal/vmm"
)

var log = hvlog.For("main")

func main() {
	configPath := flag.String("mvm-config", "", "path to the Management VM's VmConfig JSON")
	numPCPUs := flag.Int("pcpus", 1, "number of physical CPUs to bring up")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	netTap := flag.String("net-tap", "", "host tap device uplinking the virtio-net switch (empty = isolated inter-VM fabric)")
	netAddr := flag.String("net-addr", "", "host-side address for the tap uplink, e.g. 192.168.32.1 (empty = link up only)")
	netPrefix := flag.Int("net-prefix", 24, "prefix length for -net-addr")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	hvlog.SetDebug(*debug)

	if *configPath == "" {
		log.Fatal("boot: -mvm-config is required")
	}
	data, err := os.ReadFile(*configPath)
	if err != nil {
		log.WithError(err).Fatal("boot: reading mvm config")
	}
	mvmCfg, err := vmm.DecodeConfig(data)
	if err != nil {
		log.WithError(err).Fatal("boot: decoding mvm config")
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.WithError(err).Error("boot: metrics server exited")
			}
		}()
	}

	pcpus, pcpuOf, archName := bringUpPCPUs(*numPCPUs)

	registry := vmm.NewRegistry()
	hyper := control.New(registry, pcpus, pcpuOf, archName)

	if *netTap != "" {
		tap, err := device.NewTapDevice(*netTap)
		if err != nil {
			log.WithError(err).Fatal("boot: opening net tap uplink")
		}
		if err := device.ConfigureInterface(*netTap, *netAddr, *netPrefix); err != nil {
			log.WithError(err).Fatal("boot: configuring net tap uplink")
		}
		hyper.SetNetSwitch(device.NewSwitch(tap))
		log.WithField("tap", *netTap).Info("boot: virtio-net switch uplinked")
	}

	dispatcher := trap.NewDispatcher(func(vmid uint64) (trap.VmContext, bool) {
		return registry.Get(vmid)
	}, abi.Handler(hyper.Handle))
	for _, p := range pcpus {
		p.Dispatcher = dispatcher
	}

	mvm, err := vmm.NewVm(mvmCfg, true, os.Stdout)
	if err != nil {
		log.WithError(err).Fatal("boot: assembling mvm")
	}
	if err := hyper.AttachVMBackends(mvm); err != nil {
		log.WithError(err).Fatal("boot: attaching mvm device backends")
	}
	if err := loadImages(mvm, mvmCfg); err != nil {
		log.WithError(err).Fatal("boot: loading mvm images")
	}
	if err := registry.Insert(mvm); err != nil {
		log.WithError(err).Fatal("boot: registering mvm")
	}
	if err := mvm.Boot(pcpuOf); err != nil {
		log.WithError(err).Fatal("boot: booting mvm")
	}
	log.WithField("vmid", mvmCfg.ID).Info("boot: mvm running")

	for _, p := range pcpus {
		go p.Run()
	}

	waitForShutdown(pcpus)
}

// bringUpPCPUs registers the primary pCPU (already executing as this
// process) and brings up n-1 secondaries via arch.CPU.BringUpSecondary,
// mirroring the teacher's boot path of starting one vCPU thread per
// configured CPU, generalised to pCPUs rather than vCPUs since this
// engine's scheduler multiplexes several vCPUs per pCPU.
func bringUpPCPUs(n int) ([]*sched.PCPU, func(id int) (*sched.PCPU, bool), string) {
	pcpus := make([]*sched.PCPU, 0, n)
	primary := arch.NewCPU(0)
	arch.Register(0, primary)
	pcpus = append(pcpus, newPCPU(0, primary))

	for id := 1; id < n; id++ {
		cpu := arch.NewCPU(id)
		if err := primary.BringUpSecondary(id, 0, 0); err != nil {
			log.WithError(err).WithField("pcpu", id).Fatal("boot: secondary pCPU bring-up failed")
		}
		arch.Register(id, cpu)
		pcpus = append(pcpus, newPCPU(id, cpu))
	}

	table := make(map[int]*sched.PCPU, len(pcpus))
	for _, p := range pcpus {
		table[p.ID] = p
	}
	return pcpus, func(id int) (*sched.PCPU, bool) { p, ok := table[id]; return p, ok }, primary.Arch()
}

func newPCPU(id int, cpu arch.CPU) *sched.PCPU {
	p := sched.NewPCPU(id, cpu, nil)
	p.SetDepthGauge(func(depth int) {
		metrics.RunqueueDepth.WithLabelValues(strconv.Itoa(id)).Set(float64(depth))
	})
	return p
}

// loadImages places the kernel, device tree, and ramdisk named in cfg
// into the Vm's guest RAM at their configured load addresses, per
// §4.7's "loads the kernel image into the configured IPA".
func loadImages(vm *vmm.Vm, cfg *vmm.VmConfig) error {
	if cfg.Image.KernelFilename != "" {
		data, err := os.ReadFile(cfg.Image.KernelFilename)
		if err != nil {
			return err
		}
		if err := vm.RAM.LoadImage(uint64(cfg.Image.KernelLoadIPA), data); err != nil {
			return err
		}
	}
	if cfg.Image.DeviceTreeFilename != "" {
		data, err := os.ReadFile(cfg.Image.DeviceTreeFilename)
		if err != nil {
			return err
		}
		if err := vm.RAM.LoadImage(uint64(cfg.Image.DeviceTreeLoadIPA), data); err != nil {
			return err
		}
	}
	if cfg.Image.RamdiskFilename != "" {
		data, err := os.ReadFile(cfg.Image.RamdiskFilename)
		if err != nil {
			return err
		}
		if err := vm.RAM.LoadImage(uint64(cfg.Image.RamdiskLoadIPA), data); err != nil {
			return err
		}
	}
	return nil
}

func waitForShutdown(pcpus []*sched.PCPU) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("boot: shutdown signal received, stopping pCPU schedulers")
	for _, p := range pcpus {
		p.Stop()
	}
}

