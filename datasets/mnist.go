// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package datasets

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/born-ml/bolts/data"
)

// IDX magic numbers.
const (
	idxImagesMagic = 2051
	idxLabelsMagic = 2049
)

// MNIST file names as distributed (uncompressed).
const (
	MNISTTrainImages = "train-images-idx3-ubyte"
	MNISTTrainLabels = "train-labels-idx1-ubyte"
	MNISTTestImages  = "t10k-images-idx3-ubyte"
	MNISTTestLabels  = "t10k-labels-idx1-ubyte"
)

const (
	mnistTrainSplit = 55000
	mnistValSplit   = 5000
)

// readIDX reads an IDX file with the given magic and returns its dimensions
// (excluding the item count) and payload.
//
// IDX layout: big-endian uint32 magic, uint32 item count, one uint32 per
// extra dimension, then one unsigned byte per value.
func readIDX(path string, magic uint32, extraDims int) (count int, dims []int, payload []byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	header := make([]uint32, 2+extraDims)
	if err := binary.Read(r, binary.BigEndian, header); err != nil {
		return 0, nil, nil, fmt.Errorf("%s: read header: %w", filepath.Base(path), err)
	}
	if header[0] != magic {
		return 0, nil, nil, fmt.Errorf("%s: invalid magic number: got %d, want %d", filepath.Base(path), header[0], magic)
	}
	count = int(header[1])
	size := count
	for _, d := range header[2:] {
		dims = append(dims, int(d))
		size *= int(d)
	}
	payload = make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, nil, fmt.Errorf("%s: read payload: %w", filepath.Base(path), err)
	}
	return count, dims, payload, nil
}

// ReadMNIST loads an IDX image/label pair as a (1, 28, 28) dataset.
func ReadMNIST(imagesPath, labelsPath string) (*ByteImages, error) {
	n, dims, pixels, err := readIDX(imagesPath, idxImagesMagic, 2)
	if err != nil {
		return nil, fmt.Errorf("mnist: %w", err)
	}
	nl, _, raw, err := readIDX(labelsPath, idxLabelsMagic, 0)
	if err != nil {
		return nil, fmt.Errorf("mnist: %w", err)
	}
	if n != nl {
		return nil, fmt.Errorf("mnist: %d images but %d labels", n, nl)
	}
	labels := make([]int32, nl)
	for i, l := range raw {
		if l > 9 {
			return nil, fmt.Errorf("mnist: label %d out of range at %d", l, i)
		}
		labels[i] = int32(l)
	}
	return NewByteImages(pixels, labels, []int{1, dims[0], dims[1]})
}

// MNIST provides the digit loaders used by the classifier template. The
// 60000 training images are split 55000/5000 into train and validation.
type MNIST struct {
	opts Options

	once       sync.Once
	train, val *data.Subset
	err        error
}

var _ Provider = (*MNIST)(nil)

// NewMNIST returns an MNIST provider reading IDX files from o.DataDir.
func NewMNIST(o Options) *MNIST { return &MNIST{opts: o} }

// Name returns "mnist".
func (m *MNIST) Name() string { return "mnist" }

// NumClasses returns 10.
func (m *MNIST) NumClasses() int { return 10 }

// PrepareData checks that the four IDX files are present, downloading the
// missing ones when Options.Download is set.
func (m *MNIST) PrepareData(ctx context.Context) error {
	return prepare(ctx, m.Name(), m.opts, mnistFiles, m.download)
}

func (m *MNIST) load() error {
	m.once.Do(func() {
		var all *ByteImages
		all, m.err = ReadMNIST(filepath.Join(m.opts.DataDir, MNISTTrainImages), filepath.Join(m.opts.DataDir, MNISTTrainLabels))
		if m.err != nil {
			return
		}
		lengths := []int{mnistTrainSplit, mnistValSplit}
		if all.Len() != mnistTrainSplit+mnistValSplit {
			v := all.Len() / 12
			lengths = []int{all.Len() - v, v}
		}
		var parts []*data.Subset
		if parts, m.err = data.RandomSplit(all, lengths, m.opts.Seed); m.err != nil {
			return
		}
		m.train, m.val = parts[0], parts[1]
	})
	return m.err
}

// TrainDataloader returns a shuffled loader over the 55000-image split.
func (m *MNIST) TrainDataloader(batchSize int, transform data.Transform) (data.Iterator, error) {
	if err := m.load(); err != nil {
		return nil, err
	}
	return newLoader(m.train, batchSize, transform, true, m.opts)
}

// ValDataloader returns a loader over the 5000-image split.
func (m *MNIST) ValDataloader(batchSize int, transform data.Transform) (data.Iterator, error) {
	if err := m.load(); err != nil {
		return nil, err
	}
	return newLoader(m.val, batchSize, transform, false, m.opts)
}

// TestDataloader returns a loader over the t10k files.
func (m *MNIST) TestDataloader(batchSize int, transform data.Transform) (data.Iterator, error) {
	test, err := ReadMNIST(filepath.Join(m.opts.DataDir, MNISTTestImages), filepath.Join(m.opts.DataDir, MNISTTestLabels))
	if err != nil {
		return nil, err
	}
	return newLoader(test, batchSize, transform, false, m.opts)
}
