// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpc

import (
	"errors"
	"fmt"
	"math"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/bolts/internal/statedict"
)

// Info-NCE defaults.
const (
	DefaultTargetDim  = 64
	DefaultEmbedScale = 0.1
)

// ErrGridTooSmall is returned when the latent grid has fewer than three rows,
// leaving no prediction offset with both a context row and a target row.
var ErrGridTooSmall = errors.New("latent grid too small for info-NCE")

// InfoNCE scores predicted latent rows against every target vector in the
// batch.
//
// For an offset i, the prediction at (b, y, x) computed from the context map
// is trained to pick the target at (b, y+i+1, x) among all b·h·w targets.
// Offsets i = 1..h-2 are used; each offset is counted once for every horizon
// s < i, so offset i contributes i times to the sum.
type InfoNCE[B tensor.Backend] struct {
	context *nn.Conv2D[B]
	target  *nn.Conv2D[B]
	pred    *nn.Conv2D[B]
	relu    *nn.ReLU[B]
	ce      *nn.CrossEntropyLoss[B]
	backend B

	targetDim  int
	embedScale float32
}

// NewInfoNCE builds the task over latent grids with channels channels.
func NewInfoNCE[B tensor.Backend](channels, targetDim int, embedScale float32, backend B) *InfoNCE[B] {
	return &InfoNCE[B]{
		context:    nn.NewConv2D(channels, channels, 1, 1, 1, 0, true, backend),
		target:     nn.NewConv2D(channels, targetDim, 1, 1, 1, 0, true, backend),
		pred:       nn.NewConv2D(channels, targetDim, 1, 1, 1, 0, true, backend),
		relu:       nn.NewReLU[B](),
		ce:         nn.NewCrossEntropyLoss(backend),
		backend:    backend,
		targetDim:  targetDim,
		embedScale: embedScale,
	}
}

// Forward returns the summed info-NCE loss of z (b, c, h, w), shape [1].
// Offsets whose loss is NaN are skipped. The returned loss is the last
// operation recorded.
func (t *InfoNCE[B]) Forward(z *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	s := z.Shape()
	if len(s) != 4 {
		return nil, fmt.Errorf("cpc: info-NCE expects (b, c, h, w), got %v", s)
	}
	b, h, w := s[0], s[2], s[3]
	if h < 3 {
		return nil, fmt.Errorf("%w: %dx%d", ErrGridTooSmall, h, w)
	}
	n := b * h * w

	// Context is a residual 1×1 refinement of the grid.
	ctx := z.Add(t.relu.Forward(t.context.Forward(z)))
	targetsT := rows(t.target.Forward(z), n, t.targetDim).Transpose(1, 0)
	// Predictions grouped by grid row: (h, b·w·d).
	preds := t.pred.Forward(ctx).Transpose(2, 0, 3, 1).Reshape(h, b*w*t.targetDim)

	var total, last *tensor.Tensor[float32, B]
	dangling := false
	for i := 1; i <= h-2; i++ {
		sel, labels, err := t.offset(b, h, w, i)
		if err != nil {
			return nil, err
		}
		m := (h - i - 1) * b * w
		// scores[r, j] = scale·<pred_r, target_j> for the rows above offset i.
		scores := sel.MatMul(preds).Reshape(m, t.targetDim).MatMul(targetsT)
		term := t.ce.Forward(scores, labels)
		if i > 1 {
			weight, err := tensor.FromSlice([]float32{float32(i)}, tensor.Shape{1}, t.backend)
			if err != nil {
				return nil, err
			}
			term = term.Mul(weight)
		}
		last = term
		var added bool
		total, added = addFinite(total, term)
		dangling = !added
	}
	if total == nil {
		// Every offset was NaN; the caller sees a NaN loss.
		return last, nil
	}
	if dangling {
		// The loss must be the last op on the tape.
		one, err := tensor.FromSlice([]float32{1}, tensor.Shape{1}, t.backend)
		if err != nil {
			return nil, err
		}
		total = total.Mul(one)
	}
	return total, nil
}

// addFinite adds term to total and reports whether it did. NaN offset
// losses are left out of the sum.
func addFinite[B tensor.Backend](total, term *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], bool) {
	if math.IsNaN(float64(term.Data()[0])) {
		return total, false
	}
	if total == nil {
		return term, true
	}
	return total.Add(term), true
}

// offset returns the scaled grid-row selection (h-i-1, h) of the predictions
// used at offset i, and their target labels. Selected predictions are
// ordered (y, b, x); targets are indexed (b, y, x).
func (t *InfoNCE[B]) offset(b, h, w, i int) (*tensor.Tensor[float32, B], *tensor.Tensor[int32, B], error) {
	used := h - i - 1
	sel := make([]float32, used*h)
	for y := 0; y < used; y++ {
		sel[y*h+y] = t.embedScale
	}
	labels := make([]int32, 0, used*b*w)
	for y := 0; y < used; y++ {
		for bb := 0; bb < b; bb++ {
			for x := 0; x < w; x++ {
				labels = append(labels, int32(bb*h*w+(y+i+1)*w+x))
			}
		}
	}
	selT, err := tensor.FromSlice(sel, tensor.Shape{used, h}, t.backend)
	if err != nil {
		return nil, nil, err
	}
	labelsT, err := tensor.FromSlice(labels, tensor.Shape{len(labels)}, t.backend)
	if err != nil {
		return nil, nil, err
	}
	return selT, labelsT, nil
}

// rows flattens (b, d, h, w) into (b·h·w, d) with rows ordered (b, y, x).
func rows[B tensor.Backend](x *tensor.Tensor[float32, B], n, d int) *tensor.Tensor[float32, B] {
	return x.Transpose(0, 2, 3, 1).Reshape(n, d)
}

func (t *InfoNCE[B]) stateLayers(prefix string) []statedict.Layer[B] {
	return []statedict.Layer[B]{
		statedict.Of(prefix+".context", t.context.Parameters()),
		statedict.Of(prefix+".target", t.target.Parameters()),
		statedict.Of(prefix+".pred", t.pred.Parameters()),
	}
}

// Parameters returns the parameters of the three 1×1 convolutions.
func (t *InfoNCE[B]) Parameters() []*nn.Parameter[B] {
	return statedict.Params(t.stateLayers("")...)
}
