// Package device selects the compute backend and reports host capabilities.
package device

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// Kind names a compute backend.
type Kind string

// Supported backends.
const (
	CPU    Kind = "cpu"
	WebGPU Kind = "webgpu"
)

// ErrUnavailable is returned when the requested backend cannot run here.
var ErrUnavailable = errors.New("device unavailable")

// Parse validates a -device flag value.
func Parse(name string) (Kind, error) {
	switch Kind(name) {
	case CPU, WebGPU:
		return Kind(name), nil
	}
	return "", fmt.Errorf("unknown device %q (want cpu or webgpu)", name)
}

// Check returns ErrUnavailable when k cannot be used on this host.
func Check(k Kind) error {
	if k == WebGPU && !webgpuAvailable() {
		return fmt.Errorf("%w: webgpu on %s/%s", ErrUnavailable, runtime.GOOS, runtime.GOARCH)
	}
	return nil
}

// HostInfo summarises the CPU the process runs on.
type HostInfo struct {
	Brand         string
	Vendor        string
	PhysicalCores int
	LogicalCores  int
	AVX2          bool
	AVX512        bool
	FMA3          bool
}

// Host inspects the current CPU.
func Host() HostInfo {
	return HostInfo{
		Brand:         cpuid.CPU.BrandName,
		Vendor:        cpuid.CPU.VendorString,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		AVX2:          cpuid.CPU.Supports(cpuid.AVX2),
		AVX512:        cpuid.CPU.Supports(cpuid.AVX512F),
		FMA3:          cpuid.CPU.Supports(cpuid.FMA3),
	}
}

// String formats the host report on one line.
func (h HostInfo) String() string {
	brand := h.Brand
	if brand == "" {
		brand = "unknown cpu"
	}
	return fmt.Sprintf("%s (%s) cores=%d/%d avx2=%t avx512=%t fma3=%t",
		brand, runtime.GOARCH, h.PhysicalCores, h.LogicalCores, h.AVX2, h.AVX512, h.FMA3)
}

// DefaultWorkers returns the loader worker count for this host: the physical
// core count capped at 8, falling back to GOMAXPROCS when cpuid cannot tell.
func (h HostInfo) DefaultWorkers() int {
	n := h.PhysicalCores
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return max(1, min(n, 8))
}
