package config

import "fmt"

// Preset holds the per-dataset defaults of the contrastive encoder.
type Preset struct {
	Dataset      string
	Depth        int
	PatchSize    int
	PatchOverlap int
	BatchSize    int
	NumClasses   int
	LROptions    []float64
	// LRMilestones are the epochs at which a step schedule would decay the
	// learning rate by LRGamma. They are reported, not applied.
	LRMilestones []int
	LRGamma      float64
}

var presets = map[string]Preset{
	"cifar10": {
		Dataset: "cifar10", Depth: 10, PatchSize: 8, PatchOverlap: 8 / 2,
		BatchSize: 44, NumClasses: 10, LROptions: []float64{1e-5},
		LRMilestones: []int{250, 280}, LRGamma: 0.2,
	},
	"stl10": {
		Dataset: "stl10", Depth: 12, PatchSize: 16, PatchOverlap: 16 / 2,
		BatchSize: 108, NumClasses: 10, LROptions: []float64{3e-5},
		LRMilestones: []int{250, 280}, LRGamma: 0.2,
	},
	"imagenet128": {
		Dataset: "imagenet128", Depth: 10, PatchSize: 32, PatchOverlap: 32 / 2,
		BatchSize: 48, NumClasses: 1000, LROptions: []float64{2e-5},
		LRMilestones: []int{30, 45}, LRGamma: 0.2,
	},
}

// PresetFor returns a copy of the preset registered for dataset.
func PresetFor(dataset string) (Preset, error) {
	p, ok := presets[dataset]
	if !ok {
		return Preset{}, fmt.Errorf("%w: no preset for dataset %q", ErrInvalidConfig, dataset)
	}
	p.LROptions = append([]float64(nil), p.LROptions...)
	p.LRMilestones = append([]int(nil), p.LRMilestones...)
	return p, nil
}

// RunOverrides captures CLI supplied values for the run section.
type RunOverrides struct {
	Epochs   int
	MaxSteps int
	LogEvery int
	Seed     int64
	Device   string

	NoDownload bool
}

func (r *Run) apply(o RunOverrides) {
	if o.Epochs > 0 {
		r.Epochs = o.Epochs
	}
	if o.MaxSteps > 0 {
		r.MaxSteps = o.MaxSteps
	}
	if o.LogEvery > 0 {
		r.LogEvery = o.LogEvery
	}
	if o.Seed != 0 {
		r.Seed = o.Seed
	}
	if o.Device != "" {
		r.Device = o.Device
	}
	if o.NoDownload {
		r.Download = false
	}
}

// MNISTOverrides captures CLI supplied values for the classifier.
type MNISTOverrides struct {
	RunOverrides
	HiddenDim    int
	LearningRate float64
	BatchSize    int
	NumWorkers   int
	DataDir      string
}

// ApplyOverrides updates c using any non-zero override.
func (c *MNIST) ApplyOverrides(o MNISTOverrides) {
	c.Run.apply(o.RunOverrides)
	if o.HiddenDim > 0 {
		c.HiddenDim = o.HiddenDim
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
}

// CPCOverrides captures CLI supplied values for the encoder.
type CPCOverrides struct {
	RunOverrides
	Encoder      string
	PatchSize    int
	PatchOverlap int
	OnlineFT     bool
	Task         string
	NumWorkers   int
	LearningRate float64
	DataDir      string
	MetaRoot     string
	BatchSize    int
	Pretrained   string
	WeightsDir   string
}

// ApplyOverrides updates c using any non-zero override. OnlineFT can only be
// switched on from the command line.
func (c *CPC) ApplyOverrides(o CPCOverrides) {
	c.Run.apply(o.RunOverrides)
	if o.Encoder != "" {
		c.Encoder = o.Encoder
	}
	if o.PatchSize > 0 {
		c.PatchSize = o.PatchSize
	}
	if o.PatchOverlap > 0 {
		c.PatchOverlap = o.PatchOverlap
	}
	if o.OnlineFT {
		c.OnlineFT = true
	}
	if o.Task != "" {
		c.Task = o.Task
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.MetaRoot != "" {
		c.MetaRoot = o.MetaRoot
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.Pretrained != "" {
		c.Pretrained = o.Pretrained
	}
	if o.WeightsDir != "" {
		c.WeightsDir = o.WeightsDir
	}
}
