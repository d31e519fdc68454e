// Command cpc trains a CPC v2 patch encoder with an optional online probe.
//
// Usage:
//
//	go run ./cmd/cpc -dataset cifar10 -data_dir ./data -online_ft
//	go run ./cmd/cpc -dataset stl10 -encoder resnet18 -patch_size 16
//	go run ./cmd/cpc -pretrained resnet18 -weights_dir ./weights
//
// The dataset selects patch geometry and batch size defaults. A -config file
// names its own dataset; the remaining flags override values from it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/bolts/internal/config"
	"github.com/born-ml/bolts/internal/device"
	"github.com/born-ml/bolts/internal/weights"
	"github.com/born-ml/bolts/models/cpc"
	"github.com/born-ml/bolts/trainer"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	savePath := flag.String("save", "", "write the trained weights to this .safetensors file")
	dataset := flag.String("dataset", "cifar10", "cifar10, stl10 or imagenet128")
	var o config.CPCOverrides
	flag.BoolVar(&o.OnlineFT, "online_ft", false, "train the non-linear probe alongside the encoder")
	flag.StringVar(&o.Task, "task", "", "contrastive task (default cpc)")
	flag.StringVar(&o.Encoder, "encoder", "", "cpc_encoder or a backbone name such as resnet18")
	flag.IntVar(&o.PatchSize, "patch_size", 0, "patch side in pixels (dataset preset)")
	flag.IntVar(&o.PatchOverlap, "patch_overlap", 0, "pixels shared by neighbouring patches (dataset preset)")
	flag.IntVar(&o.BatchSize, "batch_size", 0, "batch size (dataset preset)")
	flag.Float64Var(&o.LearningRate, "learning_rate", 0, "Adam learning rate (default 1e-4)")
	flag.StringVar(&o.DataDir, "data_dir", "", "dataset root directory")
	flag.StringVar(&o.MetaRoot, "meta_root", "", "ImageNet metadata directory")
	flag.IntVar(&o.NumWorkers, "num_workers", 0, "loader workers (default: physical cores)")
	flag.StringVar(&o.Pretrained, "pretrained", "", "start from the pretrained encoder of this name")
	flag.StringVar(&o.WeightsDir, "weights_dir", "", "pretrained weight cache (default weights)")
	flag.IntVar(&o.Epochs, "epochs", 0, "training epochs (default 1)")
	flag.IntVar(&o.MaxSteps, "max_steps", 0, "stop after this many optimizer steps")
	flag.IntVar(&o.LogEvery, "log_every", 0, "steps between progress records (default 50)")
	flag.Int64Var(&o.Seed, "seed", 0, "split and shuffle seed (default 1234)")
	flag.StringVar(&o.Device, "device", "", "cpu or webgpu (default cpu)")
	flag.BoolVar(&o.NoDownload, "no_download", false, "fail instead of downloading missing dataset files")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *dataset, o)
	if err != nil {
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

	fmt.Println("Born Bolts - CPC v2")
	fmt.Println("===================")
	fmt.Printf("Host: %s\n", host)
	fmt.Printf("Device: %s\n", kind)
	fmt.Printf("Dataset: %s, encoder: %s, patch: %d (overlap %d), batch size: %d, online_ft: %t\n\n",
		cfg.Dataset, cfg.Encoder, cfg.PatchSize, cfg.PatchOverlap, cfg.BatchSize, cfg.OnlineFT)

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

// loadConfig builds the run configuration. Requesting a pretrained encoder
// switches the defaults to the dataset it was trained on.
func loadConfig(path, dataset string, o config.CPCOverrides) (config.CPC, error) {
	var cfg config.CPC
	if path != "" {
		loaded, err := config.LoadCPC(path)
		if err != nil {
			return config.CPC{}, err
		}
		cfg = *loaded
	} else {
		if o.Pretrained != "" {
			dataset = cpc.PretrainedDataset
		}
		var err error
		if cfg, err = config.DefaultCPC(dataset); err != nil {
			return config.CPC{}, err
		}
	}
	cfg.ApplyOverrides(o)
	if err := cfg.Validate(); err != nil {
		return config.CPC{}, err
	}
	return cfg, nil
}

func run[B tensor.Backend](ctx context.Context, cfg config.CPC, backend *autodiff.Backend[B], logger *slog.Logger, savePath string) error {
	hp, err := cpc.DefaultHParams(cfg.Dataset)
	if err != nil {
		return err
	}
	hp.Encoder = cfg.Encoder
	hp.PatchSize = cfg.PatchSize
	hp.PatchOverlap = cfg.PatchOverlap
	hp.OnlineFT = cfg.OnlineFT
	hp.Task = cfg.Task
	hp.NumWorkers = cfg.NumWorkers
	hp.LearningRate = float32(cfg.LearningRate)
	hp.DataDir = cfg.DataDir
	hp.MetaRoot = cfg.MetaRoot
	hp.BatchSize = cfg.BatchSize
	hp.Pretrained = cfg.Pretrained
	hp.Seed = cfg.Seed
	hp.Download = cfg.Download

	model, err := cpc.New(hp, backend)
	if err != nil {
		return err
	}
	hp = model.HParams()
	logger.Info("model ready",
		"encoder", model.EncoderSpec().Kind.String(),
		"encoder_name", model.EncoderSpec().Name,
		"z_dim", model.ZDim(),
		"grid", model.Grid(),
		"parameters", len(model.Parameters()))

	if hp.Pretrained != "" {
		store := weights.NewStore(cfg.WeightsDir, nil, weights.WithLogger(logger))
		if err := model.LoadPretrained(ctx, store); err != nil {
			return err
		}
		logger.Info("pretrained weights loaded", "name", hp.Pretrained)
	}

	if milestones, gamma, err := cpc.LRMilestones(hp.Dataset); err == nil {
		logger.Info("learning rate schedule", "milestones", milestones, "gamma", gamma)
	}

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
		last := report.Validation[n-1]
		fmt.Printf("val_nce_loss: %.4f\n", last.Log["val_nce_loss"])
		if hp.OnlineFT {
			fmt.Printf("val_mlp_loss: %.4f, val_mlp_acc: %.2f%%\n", last.Log["val_mlp_loss"], 100*last.Log["val_mlp_acc"])
		}
	}

	if savePath != "" {
		if err := model.Save(savePath); err != nil {
			return fmt.Errorf("save weights: %w", err)
		}
		fmt.Printf("Saved weights to %s\n", savePath)
	}
	return nil
}
