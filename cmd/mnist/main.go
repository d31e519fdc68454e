// Command mnist trains the two-layer digit classifier on MNIST IDX files and
// reports the test loss.
//
// Usage:
//
//	go run ./cmd/mnist -data_dir ./data/mnist -epochs 5 -batch_size 32
//	go run ./cmd/mnist -config mnist.yaml -device webgpu
//
// Flags override values from -config.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/bolts/internal/checkpoint"
	"github.com/born-ml/bolts/internal/config"
	"github.com/born-ml/bolts/internal/device"
	"github.com/born-ml/bolts/models/mnist"
	"github.com/born-ml/bolts/trainer"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	savePath := flag.String("save", "", "write the trained weights to this .safetensors file")
	var o config.MNISTOverrides
	flag.IntVar(&o.BatchSize, "batch_size", 0, "batch size (default 32)")
	flag.IntVar(&o.NumWorkers, "num_workers", 0, "loader workers (default 4)")
	flag.IntVar(&o.HiddenDim, "hidden_dim", 0, "hidden layer width (default 128)")
	flag.StringVar(&o.DataDir, "data_dir", "", "directory holding the MNIST IDX files")
	flag.Float64Var(&o.LearningRate, "learning_rate", 0, "Adam learning rate (default 1e-4)")
	flag.IntVar(&o.Epochs, "epochs", 0, "training epochs (default 1)")
	flag.IntVar(&o.MaxSteps, "max_steps", 0, "stop after this many optimizer steps")
	flag.IntVar(&o.LogEvery, "log_every", 0, "steps between progress records (default 50)")
	flag.Int64Var(&o.Seed, "seed", 0, "split and shuffle seed (default 1234)")
	flag.StringVar(&o.Device, "device", "", "cpu or webgpu (default cpu)")
	flag.BoolVar(&o.NoDownload, "no_download", false, "fail instead of downloading missing dataset files")
	flag.Parse()

	cfg := config.DefaultMNIST()
	if *configPath != "" {
		loaded, err := config.LoadMNIST(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = *loaded
	}
	cfg.ApplyOverrides(o)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	kind, err := device.Parse(cfg.Device)
	if err != nil {
		log.Fatalf("Invalid device: %v", err)
	}
	if err := device.Check(kind); err != nil {
		log.Fatalf("Device check failed: %v", err)
	}
	host := device.Host()
	if cfg.NumWorkers == 0 {
		cfg.NumWorkers = host.DefaultWorkers()
	}

	fmt.Println("Born Bolts - MNIST Classifier")
	fmt.Println("=============================")
	fmt.Printf("Host: %s\n", host)
	fmt.Printf("Device: %s\n", kind)
	fmt.Printf("Hidden dim: %d, learning rate: %g, batch size: %d, workers: %d\n\n",
		cfg.HiddenDim, cfg.LearningRate, cfg.BatchSize, cfg.NumWorkers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	start := time.Now()
	switch kind {
	case device.WebGPU:
		err = runWebGPU(ctx, cfg, logger, *savePath)
	default:
		err = run(ctx, cfg, autodiff.New(cpu.New()), logger, *savePath)
	}
	if err != nil {
		log.Fatalf("Training failed: %v", err)
	}
	fmt.Printf("\nDone in %s\n", time.Since(start).Round(time.Millisecond))
}

func run[B tensor.Backend](ctx context.Context, cfg config.MNIST, backend *autodiff.Backend[B], logger *slog.Logger, savePath string) error {
	model := mnist.New(mnist.HParams{
		HiddenDim:    cfg.HiddenDim,
		LearningRate: float32(cfg.LearningRate),
		BatchSize:    cfg.BatchSize,
		NumWorkers:   cfg.NumWorkers,
		DataDir:      cfg.DataDir,
		Seed:         cfg.Seed,
		Download:     cfg.Download,
	}, backend)

	report, err := trainer.Fit(ctx, model, backend, trainer.Options{
		Epochs:   cfg.Epochs,
		MaxSteps: cfg.MaxSteps,
		LogEvery: cfg.LogEvery,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Trained %d steps over %d epochs (run %s)\n", report.Steps, report.Epochs, report.RunID)
	if n := len(report.Validation); n > 0 {
		fmt.Printf("avg_val_loss: %.4f\n", report.Validation[n-1].Loss)
	}

	res, err := trainer.Test(ctx, model, backend)
	if err != nil {
		return err
	}
	fmt.Printf("avg_test_loss: %.4f\n", res.Log["avg_test_loss"])

	if savePath != "" {
		meta := map[string]string{
			"hidden_dim": strconv.Itoa(cfg.HiddenDim),
			"run_id":     report.RunID,
		}
		if err := checkpoint.Save[*autodiff.Backend[B]](model, savePath, "mnist.Classifier", meta); err != nil {
			return fmt.Errorf("save weights: %w", err)
		}
		fmt.Printf("Saved weights to %s\n", savePath)
	}
	return nil
}
