package arch

import "sync"

// registry is the "static per-pCPU blocks" array from §9: built once
// during boot bring-up, indexed by physical cpu id, never moved. Access
// outside the owning pCPU goes through SendIPI/RecvIPI, not direct field
// reads — this map only resolves "who do I IPI", it is not shared mutable
// state of the CPU itself.
var (
	registryMu sync.RWMutex
	registry   = map[int]CPU{}
)

// Register installs cpu in the registry under id. Called once per pCPU
// during boot (primary, then each secondary as BringUpSecondary succeeds).
func Register(id int, cpu CPU) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[id] = cpu
}

// Lookup returns the CPU registered for pCPU id, if any.
func Lookup(id int) (CPU, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	cpu, ok := registry[id]
	return cpu, ok
}

// Count reports how many pCPUs have been registered so far.
func Count() int {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return len(registry)
}
