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
	"github.com/born-ml/bolts/internal/parallel"
)

// STL-10 binary files store 96x96 RGB images channel by channel, each
// channel column-major. Labels are one byte per image in 1..10.
const (
	stlSide              = 96
	stlPixels            = 3 * stlSide * stlSide
	stlUnlabeledValSplit = 5000
	stlTrainValSplit     = 500
)

const (
	stlTrainX     = "train_X.bin"
	stlTrainY     = "train_y.bin"
	stlTestX      = "test_X.bin"
	stlTestY      = "test_y.bin"
	stlUnlabeledX = "unlabeled_X.bin"
)

// readSTL10 reads an STL-10 image file and, when labelsPath is non-empty,
// its label file. Images are converted to row-major CHW.
func readSTL10(imagesPath, labelsPath string) (*ByteImages, error) {
	raw, err := os.ReadFile(imagesPath)
	if err != nil {
		return nil, fmt.Errorf("stl10: %w", err)
	}
	if len(raw)%stlPixels != 0 {
		return nil, fmt.Errorf("stl10: %s: size %d is not a multiple of %d", filepath.Base(imagesPath), len(raw), stlPixels)
	}
	n := len(raw) / stlPixels

	labels := make([]int32, n)
	if labelsPath == "" {
		for i := range labels {
			labels[i] = data.Unlabeled
		}
	} else {
		lb, err := os.ReadFile(labelsPath)
		if err != nil {
			return nil, fmt.Errorf("stl10: %w", err)
		}
		if len(lb) != n {
			return nil, fmt.Errorf("stl10: %d labels for %d images", len(lb), n)
		}
		for i, l := range lb {
			if l < 1 || l > 10 {
				return nil, fmt.Errorf("stl10: label %d out of range at %d", l, i)
			}
			labels[i] = int32(l) - 1
		}
	}

	pixels := make([]byte, len(raw))
	plane := stlSide * stlSide
	parallel.Each(n, parallel.DefaultOptions(), func(img int) {
		base := img * stlPixels
		for ch := 0; ch < 3; ch++ {
			off := base + ch*plane
			for col := 0; col < stlSide; col++ {
				for row := 0; row < stlSide; row++ {
					pixels[off+row*stlSide+col] = raw[off+col*stlSide+row]
				}
			}
		}
	})
	return NewByteImages(pixels, labels, []int{3, stlSide, stlSide})
}

// STL10 provides STL-10 loaders, including the mixed unlabeled/labeled
// loaders used for online fine-tuning.
type STL10 struct {
	opts Options

	unlOnce          sync.Once
	unlTrain, unlVal *data.Subset
	unlErr           error

	labOnce          sync.Once
	labTrain, labVal *data.Subset
	labErr           error
}

var _ MixedProvider = (*STL10)(nil)

// NewSTL10 returns an STL-10 provider reading from o.DataDir.
func NewSTL10(o Options) *STL10 { return &STL10{opts: o} }

// Name returns "stl10".
func (s *STL10) Name() string { return "stl10" }

// NumClasses returns 10.
func (s *STL10) NumClasses() int { return 10 }

// PrepareData checks that the binary files are present, extracting them
// from the published archive when Options.Download is set.
func (s *STL10) PrepareData(ctx context.Context) error {
	return prepare(ctx, s.Name(), s.opts, []string{stlTrainX, stlTrainY, stlTestX, stlTestY, stlUnlabeledX}, s.download)
}

func (s *STL10) path(name string) string { return filepath.Join(s.opts.DataDir, name) }

func (s *STL10) loadUnlabeled() error {
	s.unlOnce.Do(func() {
		var all *ByteImages
		if all, s.unlErr = readSTL10(s.path(stlUnlabeledX), ""); s.unlErr != nil {
			return
		}
		s.unlTrain, s.unlVal, s.unlErr = holdOut(all, stlUnlabeledValSplit, s.opts.Seed)
	})
	return s.unlErr
}

func (s *STL10) loadLabeled() error {
	s.labOnce.Do(func() {
		var all *ByteImages
		if all, s.labErr = readSTL10(s.path(stlTrainX), s.path(stlTrainY)); s.labErr != nil {
			return
		}
		s.labTrain, s.labVal, s.labErr = holdOut(all, stlTrainValSplit, s.opts.Seed)
	})
	return s.labErr
}

// TrainDataloader returns a shuffled loader over the unlabeled training split.
func (s *STL10) TrainDataloader(batchSize int, transform data.Transform) (data.Iterator, error) {
	if err := s.loadUnlabeled(); err != nil {
		return nil, err
	}
	return newLoader(s.unlTrain, batchSize, transform, true, s.opts)
}

// ValDataloader returns a loader over the unlabeled validation split.
func (s *STL10) ValDataloader(batchSize int, transform data.Transform) (data.Iterator, error) {
	if err := s.loadUnlabeled(); err != nil {
		return nil, err
	}
	return newLoader(s.unlVal, batchSize, transform, false, s.opts)
}

// TrainDataloaderMixed pairs unlabeled training batches with labeled ones.
func (s *STL10) TrainDataloaderMixed(batchSize int, transform data.Transform) (data.Iterator, error) {
	return s.mixed(batchSize, transform, true)
}

// ValDataloaderMixed pairs unlabeled validation batches with labeled ones.
func (s *STL10) ValDataloaderMixed(batchSize int, transform data.Transform) (data.Iterator, error) {
	return s.mixed(batchSize, transform, false)
}

func (s *STL10) mixed(batchSize int, transform data.Transform, train bool) (data.Iterator, error) {
	if err := s.loadUnlabeled(); err != nil {
		return nil, err
	}
	if err := s.loadLabeled(); err != nil {
		return nil, err
	}
	unlSet, labSet := s.unlVal, s.labVal
	if train {
		unlSet, labSet = s.unlTrain, s.labTrain
	}
	unl, err := newLoader(unlSet, batchSize, transform, train, s.opts)
	if err != nil {
		return nil, err
	}
	lab, err := newLoader(labSet, batchSize, transform, train, s.opts)
	if err != nil {
		return nil, err
	}
	return data.Zip(unl, lab), nil
}

// TestDataloader returns a loader over the labeled test files.
func (s *STL10) TestDataloader(batchSize int, transform data.Transform) (data.Iterator, error) {
	test, err := readSTL10(s.path(stlTestX), s.path(stlTestY))
	if err != nil {
		return nil, err
	}
	return newLoader(test, batchSize, transform, false, s.opts)
}
