//go:build !arm64 && !riscv64

package arch

// NewCPU selects the simulated backend on any GOARCH without a real
// EL2/HS-mode implementation; arm64 and riscv64 supply their own NewCPU.
func NewCPU(id int) CPU {
	return NewSimCPU(id)
}
