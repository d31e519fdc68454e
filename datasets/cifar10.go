// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package datasets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/born-ml/bolts/data"
)

// CIFAR-10 binary record layout: one label byte followed by 3072 pixel bytes
// (1024 red, 1024 green, 1024 blue, each row-major).
const (
	cifarSide     = 32
	cifarPixels   = 3 * cifarSide * cifarSide
	cifarRecord   = 1 + cifarPixels
	cifarValSplit = 5000
)

var (
	cifarTrainFiles = []string{
		"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin",
		"data_batch_4.bin", "data_batch_5.bin",
	}
	cifarTestFiles = []string{"test_batch.bin"}
)

// ByteImages is an in-memory dataset of fixed-size uint8 CHW images.
// Pixel values are scaled to [0, 1] on access.
type ByteImages struct {
	pixels []byte
	labels []int32
	shape  []int
}

// NewByteImages wraps pixels (len(labels) consecutive images of shape) as a
// Dataset.
func NewByteImages(pixels []byte, labels []int32, shape []int) (*ByteImages, error) {
	size := 1
	for _, d := range shape {
		size *= d
	}
	if len(pixels) != size*len(labels) {
		return nil, fmt.Errorf("byte images: %d bytes for %d images of shape %v", len(pixels), len(labels), shape)
	}
	return &ByteImages{pixels: pixels, labels: labels, shape: shape}, nil
}

// Len returns the number of images.
func (d *ByteImages) Len() int { return len(d.labels) }

// Get returns image i as float32 in [0, 1].
func (d *ByteImages) Get(i int) (data.Sample, error) {
	if i < 0 || i >= len(d.labels) {
		return data.Sample{}, fmt.Errorf("index %d out of range [0, %d)", i, len(d.labels))
	}
	size := len(d.pixels) / len(d.labels)
	src := d.pixels[i*size : (i+1)*size]
	img := make([]float32, size)
	for j, b := range src {
		img[j] = float32(b) / 255
	}
	return data.Sample{Image: img, Shape: append([]int(nil), d.shape...), Label: d.labels[i]}, nil
}

// readCIFARBatches parses CIFAR-10 binary batch files.
func readCIFARBatches(paths ...string) (*ByteImages, error) {
	var (
		pixels []byte
		labels []int32
	)
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("cifar10: %w", err)
		}
		if len(raw)%cifarRecord != 0 {
			return nil, fmt.Errorf("cifar10: %s: size %d is not a multiple of %d", filepath.Base(p), len(raw), cifarRecord)
		}
		for off := 0; off < len(raw); off += cifarRecord {
			label := raw[off]
			if label > 9 {
				return nil, fmt.Errorf("cifar10: %s: label %d out of range at record %d", filepath.Base(p), label, off/cifarRecord)
			}
			labels = append(labels, int32(label))
			pixels = append(pixels, raw[off+1:off+cifarRecord]...)
		}
	}
	return NewByteImages(pixels, labels, []int{3, cifarSide, cifarSide})
}

// CIFAR10 provides CIFAR-10 loaders. The training batches are split into
// 45000 training and 5000 validation images with a seeded permutation.
type CIFAR10 struct {
	opts Options

	once       sync.Once
	train, val *data.Subset
	err        error
}

var _ Provider = (*CIFAR10)(nil)

// NewCIFAR10 returns a CIFAR-10 provider reading from o.DataDir.
func NewCIFAR10(o Options) *CIFAR10 { return &CIFAR10{opts: o} }

// Name returns "cifar10".
func (c *CIFAR10) Name() string { return "cifar10" }

// NumClasses returns 10.
func (c *CIFAR10) NumClasses() int { return 10 }

// PrepareData checks that the binary batches are present, extracting them
// from the published archive when Options.Download is set.
func (c *CIFAR10) PrepareData(ctx context.Context) error {
	return prepare(ctx, c.Name(), c.opts, append(append([]string(nil), cifarTrainFiles...), cifarTestFiles...), c.download)
}

func (c *CIFAR10) load() error {
	c.once.Do(func() {
		paths := make([]string, len(cifarTrainFiles))
		for i, f := range cifarTrainFiles {
			paths[i] = filepath.Join(c.opts.DataDir, f)
		}
		var all *ByteImages
		if all, c.err = readCIFARBatches(paths...); c.err != nil {
			return
		}
		c.train, c.val, c.err = holdOut(all, cifarValSplit, c.opts.Seed)
	})
	return c.err
}

// TrainDataloader returns a shuffled loader over the training split.
func (c *CIFAR10) TrainDataloader(batchSize int, transform data.Transform) (data.Iterator, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	return newLoader(c.train, batchSize, transform, true, c.opts)
}

// ValDataloader returns a loader over the held-out validation split.
func (c *CIFAR10) ValDataloader(batchSize int, transform data.Transform) (data.Iterator, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	return newLoader(c.val, batchSize, transform, false, c.opts)
}

// TestDataloader returns a loader over test_batch.bin.
func (c *CIFAR10) TestDataloader(batchSize int, transform data.Transform) (data.Iterator, error) {
	test, err := readCIFARBatches(filepath.Join(c.opts.DataDir, cifarTestFiles[0]))
	if err != nil {
		return nil, err
	}
	return newLoader(test, batchSize, transform, false, c.opts)
}
