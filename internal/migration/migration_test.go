package migration_test

import (
	"io"
	"sync"
	"testing"

	"github.com/openeuler-mirror/shyper-go/internal/arch"
	"github.com/openeuler-mirror/shyper-go/internal/migration"
	"github.com/openeuler-mirror/shyper-go/internal/sched"
	"github.com/openeuler-mirror/shyper-go/internal/vmm"
)

func minimalConfig(id uint64) *vmm.VmConfig {
	cfg := &vmm.VmConfig{ID: id, Name: "gvm", Type: vmm.OSLinux}
	cfg.Memory.Region = []vmm.MemoryRegion{{IPAStart: 0x8000_0000, Length: 0x0020_0000}} // 2 MiB
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

// pipeTransport wires RunSource and RunDestination together in-process,
// standing in for VsockTransport's wire framing with plain Go channels.
type pipeTransport struct {
	rounds    chan roundPayload
	snapshots chan *migration.Snapshot
	activated chan struct{}
}

type roundPayload struct {
	pages []migration.PageData
	final bool
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{
		rounds:    make(chan roundPayload, 16),
		snapshots: make(chan *migration.Snapshot, 1),
		activated: make(chan struct{}, 1),
	}
}

func (p *pipeTransport) SendRound(pages []migration.PageData, final bool) error {
	p.rounds <- roundPayload{pages: pages, final: final}
	return nil
}

func (p *pipeTransport) RecvRound() ([]migration.PageData, bool, error) {
	r := <-p.rounds
	return r.pages, r.final, nil
}

func (p *pipeTransport) SendSnapshot(s *migration.Snapshot) error {
	p.snapshots <- s
	return nil
}

func (p *pipeTransport) RecvSnapshot() (*migration.Snapshot, error) {
	return <-p.snapshots, nil
}

func (p *pipeTransport) SendActivated() error { p.activated <- struct{}{}; return nil }
func (p *pipeTransport) RecvActivated() error { <-p.activated; return nil }
func (p *pipeTransport) Close() error         { return nil }

var _ migration.Transport = (*pipeTransport)(nil)

func TestRunSourceAndDestinationEndToEnd(t *testing.T) {
	sourceVM, err := vmm.NewVm(minimalConfig(7), false, io.Discard)
	if err != nil {
		t.Fatalf("NewVm source: %v", err)
	}
	if err := sourceVM.RAM.LoadImage(0x8000_0000, []byte("guest kernel payload")); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	sourceVM.VCPUs[0].Context().GP.X[0] = 0xdead_beef

	sourceRegistry := vmm.NewRegistry()
	if err := sourceRegistry.Insert(sourceVM); err != nil {
		t.Fatalf("source Insert: %v", err)
	}
	if err := sourceVM.Boot(pcpuTable(1)); err != nil {
		t.Fatalf("Boot source: %v", err)
	}

	destVM, err := vmm.NewVm(minimalConfig(7), false, io.Discard)
	if err != nil {
		t.Fatalf("NewVm dest: %v", err)
	}
	destRegistry := vmm.NewRegistry()

	pipe := newPipeTransport()

	var wg sync.WaitGroup
	var srcErr, dstErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		srcErr = migration.RunSource(sourceVM, sourceRegistry, pipe, migration.Options{})
	}()
	go func() {
		defer wg.Done()
		dstErr = migration.RunDestination(destVM, destRegistry, pipe, pcpuTable(1))
	}()
	wg.Wait()

	if srcErr != nil {
		t.Fatalf("RunSource: %v", srcErr)
	}
	if dstErr != nil {
		t.Fatalf("RunDestination: %v", dstErr)
	}

	if got, want := sourceVM.State(), vmm.StateTerminated; got != want {
		t.Errorf("source state = %v, want %v", got, want)
	}
	if got, want := destVM.State(), vmm.StateRunning; got != want {
		t.Errorf("dest state = %v, want %v", got, want)
	}
	if _, ok := destRegistry.Get(7); !ok {
		t.Error("destination registry missing migrated vm")
	}

	var buf [20]byte
	if err := destVM.RAM.ReadAt(0x8000_0000, buf[:]); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf[:]) != "guest kernel payload" {
		t.Errorf("dest RAM = %q, want migrated payload", buf[:])
	}

	if got, want := destVM.VCPUs[0].Context().GP.X[0], uint64(0xdead_beef); got != want {
		t.Errorf("dest vCPU register = %#x, want %#x", got, want)
	}
}

func TestRunSourceRejectsConcurrentMigration(t *testing.T) {
	registry := vmm.NewRegistry()
	if err := registry.BeginMigration(1); err != nil {
		t.Fatalf("BeginMigration: %v", err)
	}
	defer registry.EndMigration(1)

	vm, err := vmm.NewVm(minimalConfig(2), false, io.Discard)
	if err != nil {
		t.Fatalf("NewVm: %v", err)
	}
	if err := vm.Boot(pcpuTable(1)); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	err = migration.RunSource(vm, registry, newPipeTransport(), migration.Options{})
	if err == nil {
		t.Fatal("expected RunSource to reject a second concurrent migration")
	}
}
