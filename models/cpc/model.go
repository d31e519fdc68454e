// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpc implements Contrastive Predictive Coding v2: an image is cut
// into a square grid of overlapping patches, every patch is encoded to a
// vector, and an info-NCE task learns to predict lower rows of the latent
// grid from upper rows. An optional online evaluator trains a small MLP on a
// detached copy of the latents to track downstream accuracy.
//
// Shapes:
//
//	x: (b, p, c, h, w)  →  encoder on (b·p, c, h, w)  →  Z: (b, c', k, k), k = √p
//
// Example:
//
//	backend := autodiff.New(cpu.New())
//	hp, _ := cpc.DefaultHParams("cifar10")
//	model, err := cpc.New(hp, backend)
//	report, err := trainer.Fit(ctx, model, backend, trainer.Options{Epochs: 1})
package cpc

import (
	"context"
	"fmt"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/bolts/data"
	"github.com/born-ml/bolts/datasets"
	"github.com/born-ml/bolts/internal/config"
	"github.com/born-ml/bolts/internal/metrics"
	"github.com/born-ml/bolts/internal/statedict"
	"github.com/born-ml/bolts/internal/transforms"
	"github.com/born-ml/bolts/trainer"
)

const (
	imageChannels = 3
	defaultWidth  = 64

	// PretrainedDataset is the dataset the published weights were trained on.
	PretrainedDataset = "imagenet128"
)

// imageSizes is the side of the transformed image per dataset.
var imageSizes = map[string]int{
	"cifar10":     32,
	"stl10":       64,
	"imagenet128": 128,
}

// HParams are the encoder's hyperparameters.
type HParams struct {
	Encoder      string
	PatchSize    int
	PatchOverlap int
	OnlineFT     bool
	Task         string
	Dataset      string
	NumWorkers   int
	LearningRate float32
	DataDir      string
	MetaRoot     string
	BatchSize    int
	Pretrained   string
	Seed         int64
	// Download fetches missing dataset files in PrepareData.
	Download bool
	// WeightDecay is the L2 coefficient added to every gradient; 0 disables
	// it.
	WeightDecay float32

	// ProbeHidden is the hidden width of the online evaluator.
	ProbeHidden int
	// EncoderWidth is the channel count of the first encoder stage.
	EncoderWidth int
	// ImageSize is the side of the transformed images; 0 selects the
	// dataset's size.
	ImageSize int
}

// DefaultHParams returns the defaults for dataset, with patch geometry and
// batch size taken from the dataset preset.
func DefaultHParams(dataset string) (HParams, error) {
	p, err := config.PresetFor(dataset)
	if err != nil {
		return HParams{}, err
	}
	return HParams{
		Encoder:      CustomEncoderName,
		PatchSize:    p.PatchSize,
		PatchOverlap: p.PatchOverlap,
		OnlineFT:     true,
		Task:         "cpc",
		Dataset:      dataset,
		LearningRate: 1e-4,
		DataDir:      ".",
		BatchSize:    p.BatchSize,
		ProbeHidden:  DefaultProbeHidden,
		EncoderWidth: defaultWidth,
		WeightDecay:  DefaultWeightDecay,
	}, nil
}

// resolve applies pretrained overrides and fills zero values.
func (hp HParams) resolve() HParams {
	if hp.Pretrained != "" {
		hp.Dataset = PretrainedDataset
		hp.OnlineFT = true
		hp.Encoder = hp.Pretrained
	}
	if hp.Task == "" {
		hp.Task = "cpc"
	}
	if hp.Encoder == "" {
		hp.Encoder = CustomEncoderName
	}
	if hp.ProbeHidden <= 0 {
		hp.ProbeHidden = DefaultProbeHidden
	}
	if hp.EncoderWidth <= 0 {
		hp.EncoderWidth = defaultWidth
	}
	if hp.ImageSize <= 0 {
		hp.ImageSize = imageSizes[hp.Dataset]
	}
	return hp
}

// LRMilestones returns the epochs at which the dataset's step schedule
// decays the learning rate, and the decay factor.
func LRMilestones(dataset string) ([]int, float64, error) {
	p, err := config.PresetFor(dataset)
	if err != nil {
		return nil, 0, err
	}
	return p.LRMilestones, p.LRGamma, nil
}

// Option customises New.
type Option func(*options)

type options struct {
	registry *datasets.Registry
}

// WithRegistry resolves the dataset from r instead of datasets.Default().
func WithRegistry(r *datasets.Registry) Option {
	return func(o *options) { o.registry = r }
}

// Model is the CPC v2 module.
type Model[B tensor.Backend] struct {
	hp      HParams
	backend B
	spec    EncoderSpec

	encoder Encoder[B]
	task    *InfoNCE[B]
	probe   *Evaluator[B]

	zDim int
	grid int

	provider  datasets.Provider
	transform data.Transform
}

// New builds the model. The encoder's output width is measured by encoding
// a zero batch of two images' worth of patches.
func New[B tensor.Backend](hp HParams, backend B, opts ...Option) (*Model[B], error) {
	o := options{registry: datasets.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	hp = hp.resolve()

	if hp.Task != "cpc" {
		return nil, fmt.Errorf("cpc: unsupported task %q", hp.Task)
	}
	if hp.PatchSize <= 0 || hp.PatchOverlap <= 0 {
		return nil, fmt.Errorf("cpc: patch size and overlap must be > 0 (got %d, %d)", hp.PatchSize, hp.PatchOverlap)
	}

	provider, err := o.registry.Get(hp.Dataset, datasets.Options{
		DataDir:    hp.DataDir,
		MetaRoot:   hp.MetaRoot,
		NumWorkers: hp.NumWorkers,
		Seed:       hp.Seed,
		Download:   hp.Download,
	})
	if err != nil {
		return nil, err
	}
	if hp.ImageSize < hp.PatchSize {
		return nil, fmt.Errorf("cpc: image size %d smaller than patch size %d", hp.ImageSize, hp.PatchSize)
	}
	transform, err := transforms.ForDataset(hp.Dataset, hp.PatchSize, hp.PatchOverlap)
	if err != nil {
		return nil, err
	}

	spec := ParseEncoder(hp.Encoder)
	encoder, err := NewEncoder(spec, imageChannels, hp.PatchSize, hp.EncoderWidth, backend)
	if err != nil {
		return nil, err
	}

	m := &Model[B]{
		hp:        hp,
		backend:   backend,
		spec:      spec,
		encoder:   encoder,
		provider:  provider,
		transform: transform,
		grid:      transforms.GridSide(hp.ImageSize, hp.PatchSize, hp.PatchOverlap),
	}
	if m.zDim, err = m.measureZDim(); err != nil {
		return nil, err
	}
	m.task = NewInfoNCE(m.zDim, DefaultTargetDim, DefaultEmbedScale, backend)
	if hp.OnlineFT {
		m.probe = NewEvaluator(m.zDim*m.grid*m.grid, hp.ProbeHidden, provider.NumClasses(), backend)
	}
	return m, nil
}

func (m *Model[B]) measureZDim() (int, error) {
	defer pauseRecording(m.backend)()

	const images = 2
	p := m.grid * m.grid
	x := tensor.Zeros[float32](tensor.Shape{images * p, imageChannels, m.hp.PatchSize, m.hp.PatchSize}, m.backend)
	z, err := RecoverZShape(m.encoder.Encode(x)[0], images)
	if err != nil {
		return 0, err
	}
	return z.Shape()[1], nil
}

// recorder is implemented by autodiff backends.
type recorder interface {
	Tape() *autodiff.GradientTape
}

// pauseRecording stops tape recording on autodiff backends and returns a
// function restoring the previous state.
func pauseRecording(backend any) func() {
	r, ok := backend.(recorder)
	if !ok {
		return func() {}
	}
	tape := r.Tape()
	if !tape.IsRecording() {
		return func() {}
	}
	tape.StopRecording()
	return tape.StartRecording
}

// HParams returns a copy of the resolved hyperparameters.
func (m *Model[B]) HParams() HParams { return m.hp }

// EncoderSpec returns the parsed encoder selection.
func (m *Model[B]) EncoderSpec() EncoderSpec { return m.spec }

// ZDim returns the channel count of the latent grid.
func (m *Model[B]) ZDim() int { return m.zDim }

// Grid returns the side of the latent grid for the configured image size.
func (m *Model[B]) Grid() int { return m.grid }

// Forward encodes x of shape (b, p, c, h, w) into Z of shape (b, c', k, k).
// Backbones return several feature maps; only the first is used.
func (m *Model[B]) Forward(x *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	s := x.Shape()
	if len(s) != 5 {
		return nil, fmt.Errorf("cpc: expected (b, p, c, h, w) input, got %v", s)
	}
	b, p := s[0], s[1]
	z := m.encoder.Encode(x.Reshape(b*p, s[2], s[3], s[4]))[0]
	return RecoverZShape(z, b)
}

// stepOutput holds the tensors of one shared step.
type stepOutput[B tensor.Backend] struct {
	nce    *tensor.Tensor[float32, B]
	mlp    *tensor.Tensor[float32, B]
	logits *tensor.Tensor[float32, B]
	labels *tensor.Tensor[int32, B]
}

// step computes the info-NCE loss on the unlabeled half of batch and, when
// the probe is enabled, the probe loss on the labeled half. Batches without
// a labeled half serve both roles.
func (m *Model[B]) step(batch *data.Batch) (stepOutput[B], error) {
	var out stepOutput[B]
	x, err := data.ImagesTensor(batch, m.backend)
	if err != nil {
		return out, fmt.Errorf("cpc: images: %w", err)
	}
	z, err := m.Forward(x)
	if err != nil {
		return out, err
	}
	if out.nce, err = m.task.Forward(z); err != nil {
		return out, err
	}
	if m.probe == nil {
		return out, nil
	}

	labeled := batch
	if batch.Labeled != nil {
		labeled = batch.Labeled
		restore := pauseRecording(m.backend)
		xl, err := data.ImagesTensor(labeled, m.backend)
		if err == nil {
			z, err = m.Forward(xl)
		}
		restore()
		if err != nil {
			return out, fmt.Errorf("cpc: labeled half: %w", err)
		}
	}
	if out.labels, err = data.LabelsTensor(labeled, m.backend); err != nil {
		return out, fmt.Errorf("cpc: probe labels: %w", err)
	}
	out.logits, out.mlp = m.probe.Loss(z, out.labels)
	return out, nil
}

// TrainingStep returns info-NCE plus the probe loss. Probe gradients stop at
// the latent grid.
func (m *Model[B]) TrainingStep(batch *data.Batch, _ int) (trainer.StepOutput[B], error) {
	out, err := m.step(batch)
	if err != nil {
		return trainer.StepOutput[B]{}, err
	}
	log := map[string]float32{"train_nce_loss": out.nce.Data()[0]}
	loss := out.nce
	if out.mlp != nil {
		log["train_mlp_loss"] = out.mlp.Data()[0]
		loss = out.nce.Add(out.mlp)
	}
	return trainer.StepOutput[B]{Loss: loss, Log: log}, nil
}

// ValidationStep returns val_nce and, with the probe, mlp_loss and mlp_acc,
// the fraction in [0, 1] of correct top-1 predictions.
func (m *Model[B]) ValidationStep(batch *data.Batch, _ int) (map[string]float32, error) {
	out, err := m.step(batch)
	if err != nil {
		return nil, err
	}
	res := map[string]float32{"val_nce": out.nce.Data()[0]}
	if out.mlp != nil {
		res["mlp_loss"] = out.mlp.Data()[0]
		res["mlp_acc"] = nn.Accuracy(out.logits, out.labels)
	}
	return res, nil
}

// ValidationEpochEnd averages the step outputs into val_nce_loss and, with
// the probe, val_mlp_loss and val_mlp_acc. The epoch loss is val_nce_loss.
func (m *Model[B]) ValidationEpochEnd(outputs []map[string]float32) trainer.EpochResult {
	nce := metrics.MeanOf(outputs, "val_nce")
	log := map[string]float32{"val_nce_loss": nce}
	if m.probe != nil {
		log["val_mlp_loss"] = metrics.MeanOf(outputs, "mlp_loss")
		log["val_mlp_acc"] = metrics.MeanOf(outputs, "mlp_acc")
	}
	return trainer.EpochResult{Loss: nce, Log: log}
}

// DefaultWeightDecay is the L2 coefficient of DefaultHParams.
const DefaultWeightDecay = 1e-5

// ConfigureOptimizers returns Adam with betas (0.8, 0.999), eps 1e-7 and
// HParams.WeightDecay as L2 regularisation.
func (m *Model[B]) ConfigureOptimizers() optim.Optimizer {
	params := m.Parameters()
	adam := optim.NewAdam(params, optim.AdamConfig{
		LR:    m.hp.LearningRate,
		Betas: [2]float32{0.8, 0.999},
		Eps:   1e-7,
	}, m.backend)
	return trainer.WithWeightDecay(adam, params, m.hp.WeightDecay, m.backend)
}

// PrepareData checks the dataset files, downloading them first when
// HParams.Download is set.
func (m *Model[B]) PrepareData(ctx context.Context) error { return m.provider.PrepareData(ctx) }

// TrainDataloader returns patch batches; mixed datasets attach a labeled
// half to every batch.
func (m *Model[B]) TrainDataloader() (data.Iterator, error) {
	if mp, ok := m.provider.(datasets.MixedProvider); ok {
		return mp.TrainDataloaderMixed(m.hp.BatchSize, m.transform)
	}
	return m.provider.TrainDataloader(m.hp.BatchSize, m.transform)
}

// ValDataloader returns validation patch batches.
func (m *Model[B]) ValDataloader() (data.Iterator, error) {
	if mp, ok := m.provider.(datasets.MixedProvider); ok {
		return mp.ValDataloaderMixed(m.hp.BatchSize, m.transform)
	}
	return m.provider.ValDataloader(m.hp.BatchSize, m.transform)
}

func (m *Model[B]) stateLayers() []statedict.Layer[B] {
	layers := m.encoder.stateLayers("encoder")
	layers = append(layers, m.task.stateLayers("contrastive_task")...)
	if m.probe != nil {
		layers = append(layers, m.probe.stateLayers("non_linear_evaluator")...)
	}
	return layers
}

// Parameters returns encoder, task and probe parameters.
func (m *Model[B]) Parameters() []*nn.Parameter[B] {
	return statedict.Params(m.stateLayers()...)
}

// EncoderParameters returns only the encoder's parameters.
func (m *Model[B]) EncoderParameters() []*nn.Parameter[B] {
	return m.encoder.Parameters()
}

// ProbeParameters returns the online evaluator's parameters, or nil.
func (m *Model[B]) ProbeParameters() []*nn.Parameter[B] {
	if m.probe == nil {
		return nil
	}
	return m.probe.Parameters()
}

// StateDict returns every parameter keyed by "<component>.<layer>.<param>".
func (m *Model[B]) StateDict() map[string]*tensor.RawTensor {
	return statedict.Collect(m.stateLayers()...)
}

// LoadStateDict restores parameters saved by StateDict.
func (m *Model[B]) LoadStateDict(sd map[string]*tensor.RawTensor) error {
	return statedict.Load(sd, m.stateLayers()...)
}

// Module returns a view of m satisfying nn.Module, for checkpoint I/O.
// Its Forward maps patches (n, c, h, w) to embeddings (n, c', 1, 1).
func (m *Model[B]) Module() nn.Module[B] { return moduleView[B]{m} }

type moduleView[B tensor.Backend] struct{ m *Model[B] }

func (v moduleView[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return v.m.encoder.Encode(x)[0]
}

func (v moduleView[B]) Parameters() []*nn.Parameter[B] { return v.m.Parameters() }

func (v moduleView[B]) StateDict() map[string]*tensor.RawTensor { return v.m.StateDict() }

func (v moduleView[B]) LoadStateDict(sd map[string]*tensor.RawTensor) error {
	return v.m.LoadStateDict(sd)
}
