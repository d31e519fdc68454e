//go:build !windows

package device

// The Born WebGPU backend is only built for Windows.
func webgpuAvailable() bool { return false }
