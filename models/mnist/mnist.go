// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package mnist is a two-layer digit classifier with its own data hooks,
// driven by the trainer package.
//
// Architecture:
//   - Input: 784 (28×28 flattened)
//   - l1: Linear 784 → HiddenDim, ReLU
//   - l2: Linear HiddenDim → 10, ReLU
//
// Both layers are followed by ReLU, so the logits are non-negative. This
// keeps the classifier's historical behaviour; the cross-entropy loss is
// still well defined.
package mnist

import (
	"context"
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/bolts/data"
	"github.com/born-ml/bolts/datasets"
	"github.com/born-ml/bolts/internal/metrics"
	"github.com/born-ml/bolts/internal/statedict"
	"github.com/born-ml/bolts/trainer"
)

const (
	inputDim   = 28 * 28
	numClasses = 10
)

// HParams are the classifier's hyperparameters.
type HParams struct {
	HiddenDim    int
	LearningRate float32
	BatchSize    int
	NumWorkers   int
	DataDir      string
	Seed         int64
	// Download fetches missing IDX files in PrepareData.
	Download bool
}

// DefaultHParams returns the constructor defaults.
func DefaultHParams() HParams {
	return HParams{
		HiddenDim:    128,
		LearningRate: 1e-3,
		BatchSize:    32,
		NumWorkers:   4,
	}
}

// Classifier is the MNIST classifier.
type Classifier[B tensor.Backend] struct {
	hp      HParams
	backend B

	l1   *nn.Linear[B]
	l2   *nn.Linear[B]
	relu *nn.ReLU[B]
	loss *nn.CrossEntropyLoss[B]

	provider *datasets.MNIST
}

// New builds a classifier on backend. A non-positive HiddenDim falls back
// to the default of 128.
//
// ReLU is only implemented by autodiff backends, so Forward panics on a bare
// CPU backend.
func New[B tensor.Backend](hp HParams, backend B) *Classifier[B] {
	if hp.HiddenDim <= 0 {
		hp.HiddenDim = DefaultHParams().HiddenDim
	}
	return &Classifier[B]{
		hp:      hp,
		backend: backend,
		l1:      nn.NewLinear(inputDim, hp.HiddenDim, backend),
		l2:      nn.NewLinear(hp.HiddenDim, numClasses, backend),
		relu:    nn.NewReLU[B](),
		loss:    nn.NewCrossEntropyLoss(backend),
		provider: datasets.NewMNIST(datasets.Options{
			DataDir:    hp.DataDir,
			NumWorkers: hp.NumWorkers,
			Seed:       hp.Seed,
			Download:   hp.Download,
		}),
	}
}

// HParams returns a copy of the construction-time hyperparameters.
func (c *Classifier[B]) HParams() HParams { return c.hp }

// Forward maps images of shape [N, 1, 28, 28] or [N, 784] to [N, 10].
func (c *Classifier[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	if len(shape) == 0 || x.NumElements() != shape[0]*inputDim {
		panic(fmt.Sprintf("mnist: input must hold %d values per sample, got shape %v", inputDim, shape))
	}
	if len(shape) != 2 {
		x = x.Reshape(shape[0], inputDim)
	}

	x = c.relu.Forward(c.l1.Forward(x))
	return c.relu.Forward(c.l2.Forward(x))
}

func (c *Classifier[B]) layers() []statedict.Layer[B] {
	return []statedict.Layer[B]{
		statedict.Of("l1", c.l1.Parameters()),
		statedict.Of("l2", c.l2.Parameters()),
	}
}

// Parameters returns l1 and l2 weights and biases.
func (c *Classifier[B]) Parameters() []*nn.Parameter[B] {
	return statedict.Params(c.layers()...)
}

// StateDict returns l1.weight, l1.bias, l2.weight and l2.bias.
func (c *Classifier[B]) StateDict() map[string]*tensor.RawTensor {
	return statedict.Collect(c.layers()...)
}

// LoadStateDict restores parameters saved by StateDict.
func (c *Classifier[B]) LoadStateDict(sd map[string]*tensor.RawTensor) error {
	return statedict.Load(sd, c.layers()...)
}

// Loss returns the mean cross-entropy of the batch predictions. The loss is
// the last operation recorded.
func (c *Classifier[B]) Loss(b *data.Batch) (*tensor.Tensor[float32, B], error) {
	x, err := data.ImagesTensor(b, c.backend)
	if err != nil {
		return nil, fmt.Errorf("mnist: images: %w", err)
	}
	y, err := data.LabelsTensor(b, c.backend)
	if err != nil {
		return nil, fmt.Errorf("mnist: labels: %w", err)
	}
	return c.loss.Forward(c.Forward(x), y), nil
}

// TrainingStep returns the batch loss, logged as train_loss.
func (c *Classifier[B]) TrainingStep(b *data.Batch, _ int) (trainer.StepOutput[B], error) {
	loss, err := c.Loss(b)
	if err != nil {
		return trainer.StepOutput[B]{}, err
	}
	return trainer.StepOutput[B]{
		Loss: loss,
		Log:  map[string]float32{"train_loss": loss.Data()[0]},
	}, nil
}

// ValidationStep returns val_loss for the batch.
func (c *Classifier[B]) ValidationStep(b *data.Batch, _ int) (map[string]float32, error) {
	loss, err := c.Loss(b)
	if err != nil {
		return nil, err
	}
	return map[string]float32{"val_loss": loss.Data()[0]}, nil
}

// ValidationEpochEnd averages val_loss into avg_val_loss.
func (c *Classifier[B]) ValidationEpochEnd(outputs []map[string]float32) trainer.EpochResult {
	avg := metrics.MeanOf(outputs, "val_loss")
	return trainer.EpochResult{Loss: avg, Log: map[string]float32{"avg_val_loss": avg}}
}

// TestStep returns test_loss for the batch.
func (c *Classifier[B]) TestStep(b *data.Batch, _ int) (map[string]float32, error) {
	loss, err := c.Loss(b)
	if err != nil {
		return nil, err
	}
	return map[string]float32{"test_loss": loss.Data()[0]}, nil
}

// TestEpochEnd averages test_loss into avg_test_loss.
func (c *Classifier[B]) TestEpochEnd(outputs []map[string]float32) trainer.EpochResult {
	avg := metrics.MeanOf(outputs, "test_loss")
	return trainer.EpochResult{Loss: avg, Log: map[string]float32{"avg_test_loss": avg}}
}

// ConfigureOptimizers returns Adam over all parameters.
func (c *Classifier[B]) ConfigureOptimizers() optim.Optimizer {
	return optim.NewAdam(c.Parameters(), optim.AdamConfig{
		LR:    c.hp.LearningRate,
		Betas: [2]float32{0.9, 0.999},
		Eps:   1e-8,
	}, c.backend)
}

// PrepareData checks that the IDX files are present in DataDir, downloading
// them first when HParams.Download is set.
func (c *Classifier[B]) PrepareData(ctx context.Context) error { return c.provider.PrepareData(ctx) }

// TrainDataloader returns a shuffled loader over the training split.
func (c *Classifier[B]) TrainDataloader() (data.Iterator, error) {
	return c.provider.TrainDataloader(c.hp.BatchSize, nil)
}

// ValDataloader returns a loader over the held-out split.
func (c *Classifier[B]) ValDataloader() (data.Iterator, error) {
	return c.provider.ValDataloader(c.hp.BatchSize, nil)
}

// TestDataloader returns a loader over the test files.
func (c *Classifier[B]) TestDataloader() (data.Iterator, error) {
	return c.provider.TestDataloader(c.hp.BatchSize, nil)
}
