// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpc

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/bolts/internal/statedict"
)

// CustomEncoderName selects the built-in patch encoder.
const CustomEncoderName = "cpc_encoder"

// ErrUnknownEncoder is returned for backbone names that are not registered.
var ErrUnknownEncoder = errors.New("unknown encoder")

// EncoderKind distinguishes the two encoder families.
type EncoderKind int

const (
	// CustomEncoder is the patch encoder returning a single feature map.
	CustomEncoder EncoderKind = iota
	// NamedBackbone is a ResNet returning a list of feature maps.
	NamedBackbone
)

func (k EncoderKind) String() string {
	switch k {
	case CustomEncoder:
		return "custom"
	case NamedBackbone:
		return "backbone"
	default:
		return fmt.Sprintf("EncoderKind(%d)", int(k))
	}
}

// EncoderSpec is the parsed encoder selection.
type EncoderSpec struct {
	Kind EncoderKind
	Name string
}

// ParseEncoder maps an encoder string to its spec. "cpc_encoder" is the
// custom encoder; any other string names a backbone, validated when the
// encoder is built.
func ParseEncoder(name string) EncoderSpec {
	if name == CustomEncoderName {
		return EncoderSpec{Kind: CustomEncoder, Name: name}
	}
	return EncoderSpec{Kind: NamedBackbone, Name: name}
}

// Encoder maps a batch of patches (n, c, h, w) to feature maps. The first
// map is the patch embedding of shape (n, channels, 1, 1).
type Encoder[B tensor.Backend] interface {
	Encode(x *tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B]
	Parameters() []*nn.Parameter[B]
	stateLayers(prefix string) []statedict.Layer[B]
}

// backboneStages lists basic-block counts per stage.
var backboneStages = map[string][4]int{
	"resnet18": {2, 2, 2, 2},
	"resnet34": {3, 4, 6, 3},
}

// BackboneNames returns the registered backbone names, sorted.
func BackboneNames() []string {
	names := make([]string, 0, len(backboneStages))
	for n := range backboneStages {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewEncoder builds the encoder described by spec for 3-channel patches of
// patchSize pixels. width is the channel count of the first stage.
func NewEncoder[B tensor.Backend](spec EncoderSpec, inChannels, patchSize, width int, backend B) (Encoder[B], error) {
	switch spec.Kind {
	case CustomEncoder:
		return NewResNetEncoder(inChannels, patchSize, width, backend), nil
	case NamedBackbone:
		stages, ok := backboneStages[spec.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %q (available: %s, %s)", ErrUnknownEncoder, spec.Name,
				CustomEncoderName, strings.Join(BackboneNames(), ", "))
		}
		return newBackbone(inChannels, width, stages, backend), nil
	default:
		return nil, fmt.Errorf("%w: kind %v", ErrUnknownEncoder, spec.Kind)
	}
}

// ResNetEncoder is the custom patch encoder: a 3×3 stem, three residual
// stages and a valid convolution whose kernel spans the remaining extent,
// so every patch collapses to a (4·width, 1, 1) vector.
type ResNetEncoder[B tensor.Backend] struct {
	stem   *nn.Conv2D[B]
	blocks []*basicBlock[B]
	head   *nn.Conv2D[B]
	relu   *nn.ReLU[B]
	outDim int
}

// NewResNetEncoder creates the custom encoder for square patches.
func NewResNetEncoder[B tensor.Backend](inChannels, patchSize, width int, backend B) *ResNetEncoder[B] {
	if patchSize <= 0 || width <= 0 {
		panic(fmt.Sprintf("cpc: invalid encoder geometry patch=%d width=%d", patchSize, width))
	}
	e := &ResNetEncoder[B]{
		stem: nn.NewConv2D(inChannels, width, 3, 3, 1, 1, true, backend),
		relu: nn.NewReLU[B](),
	}
	in, size := width, patchSize
	for i, out := range []int{width, 2 * width, 4 * width} {
		stride := 1
		if i > 0 {
			stride = 2
		}
		e.blocks = append(e.blocks, newBasicBlock(in, out, stride, backend))
		in, size = out, convOut(size, 3, stride, 1)
	}
	e.head = nn.NewConv2D(in, in, size, size, 1, 0, true, backend)
	e.outDim = in
	return e
}

// OutChannels returns the embedding size per patch.
func (e *ResNetEncoder[B]) OutChannels() int { return e.outDim }

// Encode returns a single feature map of shape (n, OutChannels, 1, 1).
func (e *ResNetEncoder[B]) Encode(x *tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	x = e.relu.Forward(e.stem.Forward(x))
	for _, b := range e.blocks {
		x = b.Forward(x)
	}
	return []*tensor.Tensor[float32, B]{e.head.Forward(x)}
}

func (e *ResNetEncoder[B]) stateLayers(prefix string) []statedict.Layer[B] {
	layers := []statedict.Layer[B]{statedict.Of(prefix+".stem", e.stem.Parameters())}
	for i, b := range e.blocks {
		layers = append(layers, b.stateLayers(fmt.Sprintf("%s.block%d", prefix, i))...)
	}
	return append(layers, statedict.Of(prefix+".head", e.head.Parameters()))
}

// Parameters returns all encoder parameters.
func (e *ResNetEncoder[B]) Parameters() []*nn.Parameter[B] {
	return statedict.Params(e.stateLayers("")...)
}

// Backbone is a ResNet built from basic blocks, without a classifier head.
type Backbone[B tensor.Backend] struct {
	stem   *nn.Conv2D[B]
	relu   *nn.ReLU[B]
	stages [4][]*basicBlock[B]
}

func newBackbone[B tensor.Backend](inChannels, width int, counts [4]int, backend B) *Backbone[B] {
	bb := &Backbone[B]{
		stem: nn.NewConv2D(inChannels, width, 3, 3, 1, 1, true, backend),
		relu: nn.NewReLU[B](),
	}
	in := width
	for s, n := range counts {
		out := width << s
		stride := 2
		if s == 0 {
			stride = 1
		}
		for i := 0; i < n; i++ {
			if i > 0 {
				stride = 1
			}
			bb.stages[s] = append(bb.stages[s], newBasicBlock(in, out, stride, backend))
			in = out
		}
	}
	return bb
}

// Encode returns the globally pooled embedding followed by the output of
// every stage: [pooled, stage1, stage2, stage3, stage4].
func (bb *Backbone[B]) Encode(x *tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	x = bb.relu.Forward(bb.stem.Forward(x))
	maps := make([]*tensor.Tensor[float32, B], 1, 5)
	for _, stage := range bb.stages {
		for _, b := range stage {
			x = b.Forward(x)
		}
		maps = append(maps, x)
	}
	maps[0] = globalAvgPool(x)
	return maps
}

func (bb *Backbone[B]) stateLayers(prefix string) []statedict.Layer[B] {
	layers := []statedict.Layer[B]{statedict.Of(prefix+".stem", bb.stem.Parameters())}
	for s, stage := range bb.stages {
		for i, b := range stage {
			layers = append(layers, b.stateLayers(fmt.Sprintf("%s.layer%d.%d", prefix, s+1, i))...)
		}
	}
	return layers
}

// Parameters returns all backbone parameters.
func (bb *Backbone[B]) Parameters() []*nn.Parameter[B] {
	return statedict.Params(bb.stateLayers("")...)
}
