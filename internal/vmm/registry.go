package vmm

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/openeuler-mirror/shyper-go/internal/abi"
)

// Registry is the process-wide vmid->Vm mapping named in §5: "a
// process-wide mapping from vmid to Vm with init-once semantics per
// entry and read-mostly access guarded by an RW lock." It also owns the
// single migration-in-flight guard that resolves §9 Open Question (b):
// concurrent migration of more than one Vm is forbidden.
type Registry struct {
	mu  sync.RWMutex
	vms map[uint64]*Vm

	migratingVMID uint64 // 0 = none in flight
}

// NewRegistry creates an empty Vm registry.
func NewRegistry() *Registry {
	return &Registry{vms: map[uint64]*Vm{}}
}

// Insert adds vm under its configured id, init-once: a second Insert for
// the same id is AlreadyExists rather than silently replacing a live Vm.
func (r *Registry) Insert(vm *Vm) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.vms[vm.Config.ID]; exists {
		return abi.Wrap(abi.KindAlreadyExists, "vmm.Registry.Insert", errors.Errorf("vmid %d already registered", vm.Config.ID))
	}
	r.vms[vm.Config.ID] = vm
	return nil
}

// Get looks up a Vm by id.
func (r *Registry) Get(vmid uint64) (*Vm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vm, ok := r.vms[vmid]
	return vm, ok
}

// Remove drops vmid from the registry (§4.7 terminal state cleanup).
func (r *Registry) Remove(vmid uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.vms, vmid)
	if r.migratingVMID == vmid {
		r.migratingVMID = 0
	}
}

// List returns every registered Vm, in no particular order, for the CLI
// collaborator's `vm list` surface (§6).
func (r *Registry) List() []*Vm {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Vm, 0, len(r.vms))
	for _, vm := range r.vms {
		out = append(out, vm)
	}
	return out
}

// BeginMigration claims the single migration-in-flight slot for vmid,
// failing with StateInvalid if another Vm is already migrating — the
// recommended design for §9 Open Question (b)'s ambiguity.
func (r *Registry) BeginMigration(vmid uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.migratingVMID != 0 && r.migratingVMID != vmid {
		return abi.Wrap(abi.KindStateInvalid, "vmm.Registry.BeginMigration",
			errors.Errorf("vmid %d is already migrating, concurrent migration is unsupported", r.migratingVMID))
	}
	r.migratingVMID = vmid
	return nil
}

// EndMigration releases the migration-in-flight slot, whether the
// migration succeeded or was rolled back.
func (r *Registry) EndMigration(vmid uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.migratingVMID == vmid {
		r.migratingVMID = 0
	}
}
