// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpc

import (
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/bolts/internal/statedict"
)

// DefaultProbeHidden is the hidden width of the online evaluator.
const DefaultProbeHidden = 1024

// Evaluator is the online fine-tuning probe: a two-layer MLP classifying
// flattened latent grids. Born has no BatchNorm or Dropout module, so the
// probe is Linear, ReLU, Linear with no normalisation between layers.
type Evaluator[B tensor.Backend] struct {
	fc1  *nn.Linear[B]
	fc2  *nn.Linear[B]
	relu *nn.ReLU[B]
	ce   *nn.CrossEntropyLoss[B]
}

// NewEvaluator creates a probe for inputs of size in.
func NewEvaluator[B tensor.Backend](in, hidden, classes int, backend B) *Evaluator[B] {
	return &Evaluator[B]{
		fc1:  nn.NewLinear(in, hidden, backend),
		fc2:  nn.NewLinear(hidden, classes, backend),
		relu: nn.NewReLU[B](),
		ce:   nn.NewCrossEntropyLoss(backend),
	}
}

// Forward returns class logits for z of shape (b, ...).
//
// z is copied into a fresh tensor first, so gradients of the probe loss
// never reach whatever produced z.
func (e *Evaluator[B]) Forward(z *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	b := z.Shape()[0]
	x := z.Clone().Reshape(b, z.NumElements()/b)
	return e.fc2.Forward(e.relu.Forward(e.fc1.Forward(x)))
}

// Loss returns the logits and the mean cross-entropy against labels. The
// loss is the last operation recorded.
func (e *Evaluator[B]) Loss(z *tensor.Tensor[float32, B], labels *tensor.Tensor[int32, B]) (logits, loss *tensor.Tensor[float32, B]) {
	logits = e.Forward(z)
	return logits, e.ce.Forward(logits, labels)
}

func (e *Evaluator[B]) stateLayers(prefix string) []statedict.Layer[B] {
	return []statedict.Layer[B]{
		statedict.Of(prefix+".fc1", e.fc1.Parameters()),
		statedict.Of(prefix+".fc2", e.fc2.Parameters()),
	}
}

// Parameters returns the probe's weights and biases.
func (e *Evaluator[B]) Parameters() []*nn.Parameter[B] {
	return statedict.Params(e.stateLayers("")...)
}
