//go:build windows

package device

import "github.com/born-ml/born/backend/webgpu"

func webgpuAvailable() bool { return webgpu.IsAvailable() }
