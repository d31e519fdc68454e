// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package trainer drives models that implement the Module contract through
// training, validation and test epochs on an autodiff backend.
//
// A training step follows the Born tape discipline:
//
//	optimizer.ZeroGrad()
//	out := module.TrainingStep(batch)   // loss must be the last recorded op
//	grads := autodiff.Backward(out.Loss, backend)
//	optimizer.Step(grads)
//	backend.Tape().Clear()
//
// Validation and test passes stop tape recording and restore it afterwards.
//
// Example:
//
//	backend := autodiff.New(cpu.New())
//	model := mnist.New(mnist.DefaultHParams(), backend)
//	report, err := trainer.Fit(ctx, model, backend, trainer.Options{Epochs: 1})
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"
	"github.com/google/uuid"

	"github.com/born-ml/bolts/data"
	"github.com/born-ml/bolts/internal/metrics"
)

// StepOutput is the result of one training step.
type StepOutput[B tensor.Backend] struct {
	// Loss is the scalar to differentiate. It must be the last operation
	// recorded on the tape.
	Loss *tensor.Tensor[float32, B]

	// Log holds host-side scalars for progress reporting.
	Log map[string]float32
}

// EpochResult is the reduction of an evaluation epoch.
type EpochResult struct {
	Loss float32
	Log  map[string]float32
}

// Module is the plug-in contract of a trainable model template.
type Module[B tensor.Backend] interface {
	Parameters() []*nn.Parameter[B]
	PrepareData(ctx context.Context) error
	TrainDataloader() (data.Iterator, error)
	ValDataloader() (data.Iterator, error)
	TrainingStep(batch *data.Batch, batchIdx int) (StepOutput[B], error)
	ValidationStep(batch *data.Batch, batchIdx int) (map[string]float32, error)
	ValidationEpochEnd(outputs []map[string]float32) EpochResult
	ConfigureOptimizers() optim.Optimizer
}

// Tester is implemented by modules with a test split.
type Tester interface {
	TestDataloader() (data.Iterator, error)
	TestStep(batch *data.Batch, batchIdx int) (map[string]float32, error)
	TestEpochEnd(outputs []map[string]float32) EpochResult
}

// Options configures Fit.
type Options struct {
	Epochs int
	// MaxSteps stops training after this many optimizer steps when > 0.
	MaxSteps int
	// LogEvery is the step interval of progress records. Defaults to 50.
	LogEvery int
	// SkipValidation disables the per-epoch validation pass.
	SkipValidation bool
	// StopOnNonFinite aborts Fit with ErrNonFiniteLoss on the first NaN or
	// Inf loss. Otherwise the step is logged and applied as usual.
	StopOnNonFinite bool
	Logger          *slog.Logger
	RunID           string
}

// Report summarises a Fit call.
type Report struct {
	RunID      string
	Steps      int
	Epochs     int
	LastLoss   float32
	Validation []EpochResult
	// NonFiniteSteps counts the steps whose loss was NaN or Inf.
	NonFiniteSteps int
}

// ErrNonFiniteLoss is returned when a training step produces NaN or Inf and
// Options.StopOnNonFinite is set.
var ErrNonFiniteLoss = errors.New("non-finite training loss")

var errMaxSteps = errors.New("max steps reached")

func (o *Options) defaults() {
	if o.Epochs <= 0 && o.MaxSteps <= 0 {
		o.Epochs = 1
	}
	if o.Epochs <= 0 {
		o.Epochs = math.MaxInt
	}
	if o.LogEvery <= 0 {
		o.LogEvery = 50
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.RunID == "" {
		o.RunID = uuid.NewString()
	}
}

// Fit prepares the data, then trains m for the configured epochs, running a
// validation pass after each epoch.
func Fit[B tensor.Backend](ctx context.Context, m Module[*autodiff.Backend[B]], backend *autodiff.Backend[B], opts Options) (*Report, error) {
	opts.defaults()
	logger := opts.Logger.With("run_id", opts.RunID)

	if err := m.PrepareData(ctx); err != nil {
		return nil, fmt.Errorf("prepare data: %w", err)
	}
	train, err := m.TrainDataloader()
	if err != nil {
		return nil, fmt.Errorf("train dataloader: %w", err)
	}
	var val data.Iterator
	if !opts.SkipValidation {
		if val, err = m.ValDataloader(); err != nil {
			return nil, fmt.Errorf("val dataloader: %w", err)
		}
	}

	optimizer := m.ConfigureOptimizers()
	tape := backend.Tape()
	tape.StartRecording()
	defer tape.StopRecording()

	report := &Report{RunID: opts.RunID}
	logger.Info("fit started", "params", countParameters(m.Parameters()), "train_batches", train.NumBatches(), "lr", optimizer.GetLR())

	for epoch := 0; epoch < opts.Epochs; epoch++ {
		var window metrics.Window
		lastEnd := time.Now()
		batchIdx := 0

		err := train.Iterate(ctx, func(b *data.Batch) error {
			dataTime := time.Since(lastEnd)
			start := time.Now()

			optimizer.ZeroGrad()
			tape.Clear()
			out, err := m.TrainingStep(b, batchIdx)
			if err != nil {
				return fmt.Errorf("training step %d: %w", report.Steps, err)
			}
			loss := out.Loss.Data()[0]
			if math.IsNaN(float64(loss)) || math.IsInf(float64(loss), 0) {
				if opts.StopOnNonFinite {
					return fmt.Errorf("%w at step %d", ErrNonFiniteLoss, report.Steps)
				}
				report.NonFiniteSteps++
				logger.Warn("non-finite loss", "epoch", epoch, "step", report.Steps, "loss", loss)
			}
			grads := autodiff.Backward(out.Loss, backend)
			optimizer.Step(grads)
			tape.Clear()

			report.Steps++
			report.LastLoss = loss
			batchIdx++
			window.Record(b.Size(), dataTime, time.Since(start), loss)
			if report.Steps%opts.LogEvery == 0 {
				logStep(logger, epoch, report.Steps, window.Snapshot(), out.Log)
			}
			lastEnd = time.Now()

			if opts.MaxSteps > 0 && report.Steps >= opts.MaxSteps {
				return errMaxSteps
			}
			return nil
		})
		stop := errors.Is(err, errMaxSteps)
		if err != nil && !stop {
			return report, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		report.Epochs++

		if val != nil {
			res, err := Evaluate(ctx, val, m.ValidationStep, m.ValidationEpochEnd, backend)
			if err != nil {
				return report, fmt.Errorf("epoch %d validation: %w", epoch, err)
			}
			report.Validation = append(report.Validation, res)
			logger.Info("validation", append([]any{"epoch", epoch, "val_loss", res.Loss}, logAttrs(res.Log)...)...)
		}
		if stop {
			break
		}
	}

	logger.Info("fit finished", "steps", report.Steps, "epochs", report.Epochs, "loss", report.LastLoss, "non_finite_steps", report.NonFiniteSteps)
	return report, nil
}

// Test runs the module's test split with tape recording disabled.
func Test[B tensor.Backend](ctx context.Context, t Tester, backend *autodiff.Backend[B]) (EpochResult, error) {
	it, err := t.TestDataloader()
	if err != nil {
		return EpochResult{}, fmt.Errorf("test dataloader: %w", err)
	}
	return Evaluate(ctx, it, t.TestStep, t.TestEpochEnd, backend)
}

// Evaluate runs step over every batch of it without recording, then reduces
// the outputs with end.
func Evaluate[B tensor.Backend](
	ctx context.Context,
	it data.Iterator,
	step func(*data.Batch, int) (map[string]float32, error),
	end func([]map[string]float32) EpochResult,
	backend *autodiff.Backend[B],
) (EpochResult, error) {
	tape := backend.Tape()
	wasRecording := tape.IsRecording()
	tape.StopRecording()
	defer func() {
		if wasRecording {
			tape.StartRecording()
		}
	}()

	var outputs []map[string]float32
	idx := 0
	err := it.Iterate(ctx, func(b *data.Batch) error {
		out, err := step(b, idx)
		if err != nil {
			return fmt.Errorf("step %d: %w", idx, err)
		}
		outputs = append(outputs, out)
		idx++
		return nil
	})
	if err != nil {
		return EpochResult{}, err
	}
	return end(outputs), nil
}

func logStep(logger *slog.Logger, epoch, step int, snap metrics.Snapshot, extra map[string]float32) {
	attrs := []any{
		"epoch", epoch,
		"step", step,
		"images_per_sec", fmt.Sprintf("%.1f", snap.ImagesPerSec),
		"data_ms", fmt.Sprintf("%.2f", snap.AvgDataMS),
		"compute_ms", fmt.Sprintf("%.2f", snap.AvgComputeMS),
		"loss", snap.LastLoss,
	}
	logger.Info("train", append(attrs, logAttrs(extra)...)...)
}

func logAttrs(m map[string]float32) []any {
	var out []any
	for _, k := range metrics.Keys(m) {
		out = append(out, k, m[k])
	}
	return out
}

func countParameters[B tensor.Backend](params []*nn.Parameter[B]) int {
	total := 0
	for _, p := range params {
		total += p.Tensor().NumElements()
	}
	return total
}
