// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package trainer

import (
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"
)

// WeightDecay wraps an optimizer with coupled L2 regularisation: before each
// step, decay·param is added to the gradient of every parameter that has one.
// This is the weight_decay of classic Adam, not the decoupled AdamW form.
type WeightDecay[B tensor.Backend] struct {
	optim.Optimizer

	params  []*nn.Parameter[B]
	decay   float32
	backend B
}

// WithWeightDecay returns opt with L2 decay over params. A non-positive decay
// returns opt unchanged.
func WithWeightDecay[B tensor.Backend](opt optim.Optimizer, params []*nn.Parameter[B], decay float32, backend B) optim.Optimizer {
	if decay <= 0 {
		return opt
	}
	return &WeightDecay[B]{Optimizer: opt, params: params, decay: decay, backend: backend}
}

// Decay returns the L2 coefficient.
func (w *WeightDecay[B]) Decay() float32 { return w.decay }

// Step adds the decay term into fresh gradient tensors and steps the wrapped
// optimizer. The caller's gradient map is not modified.
func (w *WeightDecay[B]) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) {
	decayed := make(map[*tensor.RawTensor]*tensor.RawTensor, len(grads))
	for k, v := range grads {
		decayed[k] = v
	}
	for _, p := range w.params {
		key := p.Tensor().Raw()
		g, ok := grads[key]
		if !ok || g == nil {
			continue
		}
		gd, pd := g.AsFloat32(), key.AsFloat32()
		out := make([]float32, len(gd))
		for i := range gd {
			out[i] = gd[i] + w.decay*pd[i]
		}
		t, err := tensor.FromSlice(out, g.Shape(), w.backend)
		if err != nil {
			// Shapes come from an existing tensor; keep the plain gradient.
			continue
		}
		decayed[key] = t.Raw()
	}
	w.Optimizer.Step(decayed)
}
