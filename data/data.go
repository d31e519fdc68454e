// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package data provides the host-side input pipeline for bolts models:
// samples, datasets, transforms, batches and parallel batch loaders.
//
// Everything in this package lives in host memory as []float32. Batches are
// turned into backend tensors at the model boundary via ImagesTensor and
// LabelsTensor.
package data

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/born-ml/born/tensor"
)

// Unlabeled is the label carried by samples without a class.
const Unlabeled int32 = -1

// Sample is one example: a dense float32 image plus its class label.
//
// Shape describes Image without a batch dimension, e.g. (c, h, w) for a
// plain image or (patches, c, h, w) after patch extraction.
type Sample struct {
	Image []float32
	Shape []int
	Label int32
}

// Dataset is a random-access collection of samples.
type Dataset interface {
	Len() int
	Get(i int) (Sample, error)
}

// Transform maps one sample to another. Transforms must not retain or
// mutate the input's Image slice.
type Transform func(Sample) (Sample, error)

// Compose chains transforms left to right. Nil entries are skipped.
func Compose(ts ...Transform) Transform {
	return func(s Sample) (Sample, error) {
		var err error
		for _, t := range ts {
			if t == nil {
				continue
			}
			if s, err = t(s); err != nil {
				return Sample{}, err
			}
		}
		return s, nil
	}
}

// Subset is a view of a Dataset restricted to the given indices.
type Subset struct {
	ds      Dataset
	indices []int
}

// NewSubset returns a view of ds over indices.
func NewSubset(ds Dataset, indices []int) *Subset {
	return &Subset{ds: ds, indices: indices}
}

// Len returns the number of samples in the subset.
func (s *Subset) Len() int { return len(s.indices) }

// Get returns the i-th sample of the subset.
func (s *Subset) Get(i int) (Sample, error) {
	if i < 0 || i >= len(s.indices) {
		return Sample{}, fmt.Errorf("subset: index %d out of range [0, %d)", i, len(s.indices))
	}
	return s.ds.Get(s.indices[i])
}

// RandomSplit partitions ds into non-overlapping subsets of the given
// lengths using a seeded permutation. The lengths must sum to ds.Len().
func RandomSplit(ds Dataset, lengths []int, seed int64) ([]*Subset, error) {
	total := 0
	for _, n := range lengths {
		if n < 0 {
			return nil, fmt.Errorf("random split: negative length %d", n)
		}
		total += n
	}
	if total != ds.Len() {
		return nil, fmt.Errorf("random split: lengths sum to %d, dataset has %d samples", total, ds.Len())
	}

	perm := rand.New(rand.NewSource(seed)).Perm(total)
	out := make([]*Subset, 0, len(lengths))
	offset := 0
	for _, n := range lengths {
		out = append(out, NewSubset(ds, perm[offset:offset+n]))
		offset += n
	}
	return out, nil
}

// Batch is a stacked group of samples.
//
// Shape is the sample shape with the batch size prepended. Labeled is set by
// mixed loaders that pair an unlabeled batch with a labeled one.
type Batch struct {
	Images  []float32
	Shape   []int
	Labels  []int32
	Labeled *Batch
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int { return len(b.Labels) }

// ErrNoLabels is returned when a labeled view is requested from a batch whose
// samples carry no class.
var ErrNoLabels = errors.New("batch has no labels")

// ImagesTensor uploads the batch images to backend.
func ImagesTensor[B tensor.Backend](b *Batch, backend B) (*tensor.Tensor[float32, B], error) {
	return tensor.FromSlice(b.Images, tensor.Shape(b.Shape), backend)
}

// LabelsTensor uploads the batch labels to backend as an int32 vector.
// Batches containing Unlabeled entries are rejected.
func LabelsTensor[B tensor.Backend](b *Batch, backend B) (*tensor.Tensor[int32, B], error) {
	for _, l := range b.Labels {
		if l == Unlabeled {
			return nil, ErrNoLabels
		}
	}
	return tensor.FromSlice(b.Labels, tensor.Shape{len(b.Labels)}, backend)
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
