//go:build !windows

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/born-ml/bolts/internal/config"
	"github.com/born-ml/bolts/internal/device"
)

func runWebGPU(context.Context, config.CPC, *slog.Logger, string) error {
	return fmt.Errorf("%w: the WebGPU backend is only built for windows", device.ErrUnavailable)
}
