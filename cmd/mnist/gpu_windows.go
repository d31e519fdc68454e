//go:build windows

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/webgpu"

	"github.com/born-ml/bolts/internal/config"
)

func runWebGPU(ctx context.Context, cfg config.MNIST, logger *slog.Logger, savePath string) error {
	gpu, err := webgpu.New()
	if err != nil {
		return fmt.Errorf("create WebGPU backend: %w", err)
	}
	defer gpu.Release()

	fmt.Printf("GPU Backend: %s\n\n", gpu.Name())
	return run(ctx, cfg, autodiff.New(gpu), logger, savePath)
}
