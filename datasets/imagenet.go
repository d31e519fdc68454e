// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package datasets

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/born-ml/bolts/data"
)

// ImageNetClassesFile is the optional class list read from Options.MetaRoot,
// one class directory name per line, in label order.
const ImageNetClassesFile = "classes.txt"

const imagenetClasses = 1000

// ImageFolder is a dataset of encoded images laid out as root/<class>/<file>.
type ImageFolder struct {
	paths  []string
	labels []int32
}

// NewImageFolder indexes root. When classes is nil the sorted subdirectory
// names are used; otherwise only the listed classes are indexed and labelled
// by their position.
func NewImageFolder(root string, classes []string) (*ImageFolder, error) {
	if classes == nil {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, fmt.Errorf("image folder: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				classes = append(classes, e.Name())
			}
		}
		sort.Strings(classes)
	}

	f := &ImageFolder{}
	for label, class := range classes {
		entries, err := os.ReadDir(filepath.Join(root, class))
		if err != nil {
			return nil, fmt.Errorf("image folder: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !isImageFile(e.Name()) {
				continue
			}
			f.paths = append(f.paths, filepath.Join(root, class, e.Name()))
			f.labels = append(f.labels, int32(label))
		}
	}
	if len(f.paths) == 0 {
		return nil, fmt.Errorf("image folder: no images under %q", root)
	}
	return f, nil
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".webp", ".bmp":
		return true
	}
	return false
}

// Len returns the number of indexed images.
func (f *ImageFolder) Len() int { return len(f.paths) }

// Get decodes image i into a (3, h, w) float32 sample in [0, 1].
func (f *ImageFolder) Get(i int) (data.Sample, error) {
	if i < 0 || i >= len(f.paths) {
		return data.Sample{}, fmt.Errorf("index %d out of range [0, %d)", i, len(f.paths))
	}
	raw, err := os.ReadFile(f.paths[i])
	if err != nil {
		return data.Sample{}, err
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return data.Sample{}, fmt.Errorf("decode %s: %w", filepath.Base(f.paths[i]), err)
	}
	return data.Sample{Image: decodeCHW(img), Shape: []int{3, img.Bounds().Dy(), img.Bounds().Dx()}, Label: f.labels[i]}, nil
}

func decodeCHW(img image.Image) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	out := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*w + x
			out[i] = float32(r) / 0xffff
			out[plane+i] = float32(g) / 0xffff
			out[2*plane+i] = float32(bl) / 0xffff
		}
	}
	return out
}

// ImageNet128 provides loaders over an ImageNet folder tree with train/ and
// val/ subdirectories.
type ImageNet128 struct {
	opts Options

	once    sync.Once
	classes []string
	err     error
}

var _ Provider = (*ImageNet128)(nil)

// NewImageNet128 returns an ImageNet provider reading from o.DataDir.
func NewImageNet128(o Options) *ImageNet128 { return &ImageNet128{opts: o} }

// Name returns "imagenet128".
func (n *ImageNet128) Name() string { return "imagenet128" }

// NumClasses returns 1000.
func (n *ImageNet128) NumClasses() int { return imagenetClasses }

// PrepareData checks that the train and val folders exist. ImageNet has no
// public mirror, so nothing is downloaded.
func (n *ImageNet128) PrepareData(context.Context) error {
	if err := checkFiles(n.Name(), n.opts.DataDir, "train", "val"); err != nil {
		return err
	}
	if n.opts.MetaRoot != "" {
		return checkFiles(n.Name(), n.opts.MetaRoot, ImageNetClassesFile)
	}
	return nil
}

// loadClasses reads the class list from MetaRoot, or returns nil so the
// folder names are used.
func (n *ImageNet128) loadClasses() ([]string, error) {
	n.once.Do(func() {
		if n.opts.MetaRoot == "" {
			return
		}
		f, err := os.Open(filepath.Join(n.opts.MetaRoot, ImageNetClassesFile))
		if err != nil {
			n.err = fmt.Errorf("imagenet128: %w", err)
			return
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				n.classes = append(n.classes, line)
			}
		}
		n.err = sc.Err()
	})
	return n.classes, n.err
}

func (n *ImageNet128) split(name string, batchSize int, transform data.Transform, shuffle bool) (data.Iterator, error) {
	classes, err := n.loadClasses()
	if err != nil {
		return nil, err
	}
	ds, err := NewImageFolder(filepath.Join(n.opts.DataDir, name), classes)
	if err != nil {
		return nil, fmt.Errorf("imagenet128: %w", err)
	}
	return newLoader(ds, batchSize, transform, shuffle, n.opts)
}

// TrainDataloader returns a shuffled loader over train/.
func (n *ImageNet128) TrainDataloader(batchSize int, transform data.Transform) (data.Iterator, error) {
	return n.split("train", batchSize, transform, true)
}

// ValDataloader returns a loader over val/.
func (n *ImageNet128) ValDataloader(batchSize int, transform data.Transform) (data.Iterator, error) {
	return n.split("val", batchSize, transform, false)
}
