// Package config holds the run configuration for the model CLIs: YAML
// files, command-line overrides and per-dataset presets.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Run captures the knobs shared by every training run.
type Run struct {
	Epochs   int    `yaml:"epochs"`
	MaxSteps int    `yaml:"max_steps"`
	LogEvery int    `yaml:"log_every"`
	Seed     int64  `yaml:"seed"`
	Device   string `yaml:"device"`
	// Download fetches missing dataset files before training.
	Download bool `yaml:"download"`
}

// MNIST configures the digit classifier.
type MNIST struct {
	Run          `yaml:",inline"`
	HiddenDim    int     `yaml:"hidden_dim"`
	LearningRate float64 `yaml:"learning_rate"`
	BatchSize    int     `yaml:"batch_size"`
	NumWorkers   int     `yaml:"num_workers"`
	DataDir      string  `yaml:"data_dir"`
}

// CPC configures the contrastive patch encoder.
type CPC struct {
	Run          `yaml:",inline"`
	Encoder      string  `yaml:"encoder"`
	PatchSize    int     `yaml:"patch_size"`
	PatchOverlap int     `yaml:"patch_overlap"`
	OnlineFT     bool    `yaml:"online_ft"`
	Task         string  `yaml:"task"`
	Dataset      string  `yaml:"dataset"`
	NumWorkers   int     `yaml:"num_workers"`
	LearningRate float64 `yaml:"learning_rate"`
	DataDir      string  `yaml:"data_dir"`
	MetaRoot     string  `yaml:"meta_root"`
	BatchSize    int     `yaml:"batch_size"`
	Pretrained   string  `yaml:"pretrained"`
	WeightsDir   string  `yaml:"weights_dir"`
}

func defaultRun() Run {
	return Run{Epochs: 1, LogEvery: 50, Seed: 1234, Device: "cpu", Download: true}
}

// DefaultMNIST returns the classifier defaults used by the CLI.
func DefaultMNIST() MNIST {
	return MNIST{
		Run:          defaultRun(),
		HiddenDim:    128,
		LearningRate: 1e-4,
		BatchSize:    32,
		NumWorkers:   4,
	}
}

// DefaultCPC returns the encoder defaults for dataset, with patch geometry
// and batch size taken from its preset.
func DefaultCPC(dataset string) (CPC, error) {
	p, err := PresetFor(dataset)
	if err != nil {
		return CPC{}, err
	}
	return CPC{
		Run:          defaultRun(),
		Encoder:      "cpc_encoder",
		PatchSize:    p.PatchSize,
		PatchOverlap: p.PatchOverlap,
		OnlineFT:     true,
		Task:         "cpc",
		Dataset:      p.Dataset,
		LearningRate: 1e-4,
		DataDir:      ".",
		MetaRoot:     "",
		BatchSize:    p.BatchSize,
		WeightsDir:   "weights",
	}, nil
}

// loadYAML decodes path into out, rejecting unknown keys.
func loadYAML(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// LoadMNIST reads a classifier config on top of DefaultMNIST.
func LoadMNIST(path string) (*MNIST, error) {
	cfg := DefaultMNIST()
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadCPC reads an encoder config. The dataset named in the file selects
// the preset that fills unspecified fields.
func LoadCPC(path string) (*CPC, error) {
	var probe struct {
		Dataset string `yaml:"dataset"`
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if probe.Dataset == "" {
		probe.Dataset = "cifar10"
	}
	cfg, err := DefaultCPC(probe.Dataset)
	if err != nil {
		return nil, err
	}
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate verifies the run section.
func (r *Run) Validate() error {
	if r.Epochs <= 0 && r.MaxSteps <= 0 {
		return fmt.Errorf("%w: epochs or max_steps must be > 0", ErrInvalidConfig)
	}
	if r.Device != "cpu" && r.Device != "webgpu" {
		return fmt.Errorf("%w: device must be cpu or webgpu (got %q)", ErrInvalidConfig, r.Device)
	}
	if r.LogEvery <= 0 {
		r.LogEvery = 50
	}
	return nil
}

// Validate verifies the classifier config is runnable.
func (c *MNIST) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	if err := c.Run.Validate(); err != nil {
		return err
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("%w: hidden_dim must be > 0 (got %d)", ErrInvalidConfig, c.HiddenDim)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("%w: learning_rate must be > 0 (got %g)", ErrInvalidConfig, c.LearningRate)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be > 0 (got %d)", ErrInvalidConfig, c.BatchSize)
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("%w: num_workers must be >= 0 (got %d)", ErrInvalidConfig, c.NumWorkers)
	}
	return nil
}

// Validate verifies the encoder config is runnable.
func (c *CPC) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	if err := c.Run.Validate(); err != nil {
		return err
	}
	if _, err := PresetFor(c.Dataset); err != nil {
		return err
	}
	if c.Encoder == "" {
		return fmt.Errorf("%w: encoder must be set", ErrInvalidConfig)
	}
	if c.Task != "cpc" {
		return fmt.Errorf("%w: unsupported task %q", ErrInvalidConfig, c.Task)
	}
	if c.PatchSize <= 0 || c.PatchOverlap <= 0 {
		return fmt.Errorf("%w: patch_size and patch_overlap must be > 0 (got %d, %d)", ErrInvalidConfig, c.PatchSize, c.PatchOverlap)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("%w: learning_rate must be > 0 (got %g)", ErrInvalidConfig, c.LearningRate)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be > 0 (got %d)", ErrInvalidConfig, c.BatchSize)
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("%w: num_workers must be >= 0 (got %d)", ErrInvalidConfig, c.NumWorkers)
	}
	return nil
}
