// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpc

import (
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/bolts/internal/statedict"
)

// basicBlock is a two-convolution residual block:
//
//	out = relu(conv2(relu(conv1(x))) + shortcut(x))
//
// shortcut is a strided 1×1 convolution when the block changes resolution or
// width, and the identity otherwise.
type basicBlock[B tensor.Backend] struct {
	conv1    *nn.Conv2D[B]
	conv2    *nn.Conv2D[B]
	shortcut *nn.Conv2D[B]
	relu     *nn.ReLU[B]
}

func newBasicBlock[B tensor.Backend](in, out, stride int, backend B) *basicBlock[B] {
	b := &basicBlock[B]{
		conv1: nn.NewConv2D(in, out, 3, 3, stride, 1, true, backend),
		conv2: nn.NewConv2D(out, out, 3, 3, 1, 1, true, backend),
		relu:  nn.NewReLU[B](),
	}
	if stride != 1 || in != out {
		b.shortcut = nn.NewConv2D(in, out, 1, 1, stride, 0, false, backend)
	}
	return b
}

func (b *basicBlock[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	h := b.relu.Forward(b.conv1.Forward(x))
	h = b.conv2.Forward(h)
	skip := x
	if b.shortcut != nil {
		skip = b.shortcut.Forward(x)
	}
	return b.relu.Forward(h.Add(skip))
}

func (b *basicBlock[B]) stateLayers(prefix string) []statedict.Layer[B] {
	layers := []statedict.Layer[B]{
		statedict.Of(prefix+".conv1", b.conv1.Parameters()),
		statedict.Of(prefix+".conv2", b.conv2.Parameters()),
	}
	if b.shortcut != nil {
		layers = append(layers, statedict.Of(prefix+".shortcut", b.shortcut.Parameters()))
	}
	return layers
}

// convOut is the output extent of a convolution.
func convOut(size, kernel, stride, padding int) int {
	return (size+2*padding-kernel)/stride + 1
}

// globalAvgPool averages (n, c, h, w) over its spatial extent into
// (n, c, 1, 1).
func globalAvgPool[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s := x.Shape()
	n, c, hw := s[0], s[1], s[2]*s[3]
	if hw == 1 {
		return x
	}
	return x.Reshape(n, c, hw).MeanDim(2, true).Reshape(n, c, 1, 1)
}
